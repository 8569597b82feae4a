package pipeline

import (
	"os"
	"sync"
	"time"

	"github.com/golang/snappy"
	jsoniter "github.com/json-iterator/go"

	"github.com/fleetwatch/fleetwatch/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// deadLetterRecord is one spilled frame. Positions carry their own identity,
// so replay tooling can re-ingest them idempotently.
type deadLetterRecord struct {
	At       time.Time       `json:"at"`
	UniqueID string          `json:"uniqueId"`
	Protocol string          `json:"protocol"`
	Reason   string          `json:"reason"`
	Position *model.Position `json:"position,omitempty"`
	Raw      string          `json:"raw,omitempty"`
}

// deadLetter appends snappy-framed JSON lines to a file. Partitions share one
// writer; the spill path is cold so a single mutex is fine.
type deadLetter struct {
	mtx sync.Mutex
	f   *os.File
	w   *snappy.Writer
}

func openDeadLetter(path string) (*deadLetter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &deadLetter{
		f: f,
		w: snappy.NewBufferedWriter(f),
	}, nil
}

func (d *deadLetter) append(rec deadLetterRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	d.mtx.Lock()
	defer d.mtx.Unlock()
	if _, err := d.w.Write(line); err != nil {
		return err
	}
	return d.w.Flush()
}

func (d *deadLetter) close() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if err := d.w.Close(); err != nil {
		_ = d.f.Close()
		return err
	}
	return d.f.Close()
}
