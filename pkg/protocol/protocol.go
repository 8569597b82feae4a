// Package protocol defines the contract between listeners and the vendor
// decoders. Decoders are pure: no network, disk or global state, all times
// UTC, units normalized to meters, knots and degrees.
package protocol

import (
	"bufio"
	"errors"
	"fmt"

	"github.com/fleetwatch/fleetwatch/pkg/model"
)

// FrameKind classifies decoder output.
type FrameKind string

const (
	KindPosition      FrameKind = "position"
	KindHeartbeat     FrameKind = "heartbeat"
	KindCommandResult FrameKind = "commandResult"
)

// Frame is the canonical decoder output. Position is nil for heartbeat-only
// frames; Result carries the device response for command results.
type Frame struct {
	SourceID string
	Protocol string
	Kind     FrameKind
	Position *model.Position
	Result   string
	Raw      []byte
}

// Decode error classification.
var (
	ErrMalformed          = errors.New("malformed frame")
	ErrUnsupportedVariant = errors.New("unsupported variant")
	ErrEmpty              = errors.New("empty frame")
)

// Malformed wraps a parse failure so listeners can classify it.
func Malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Decoder turns one wire frame into canonical frames. A batched input yields
// multiple frames in order.
type Decoder interface {
	Protocol() string
	Decode(data []byte) ([]Frame, error)
}

// StreamDecoder additionally owns frame boundary detection for stream
// transports. Split follows the bufio.SplitFunc contract.
type StreamDecoder interface {
	Decoder
	Split() bufio.SplitFunc
}

// Encoder renders a command to the vendor wire string. Unsupported command
// types return an error; such commands fail without retry.
type Encoder interface {
	Protocol() string
	Encode(cmd *model.Command) (string, error)
}
