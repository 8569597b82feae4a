package ingest

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"

	"github.com/fleetwatch/fleetwatch/modules/registry"
	"github.com/fleetwatch/fleetwatch/pkg/protocol"
	"github.com/fleetwatch/fleetwatch/pkg/protocol/osmand"
)

// httpIngest is the request/response transport for the OsmAnd family. Each
// request is one decode attempt; the connection is not retained for outbound.
type httpIngest struct {
	decoder *osmand.Decoder
	sink    Sink
	port    int
	logger  log.Logger
}

// RegisterRoutes mounts the OsmAnd endpoint. OsmAnd clients post to the root
// path with either query parameters or a JSON body.
func (h *httpIngest) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/", h.Handler).Methods(http.MethodGet, http.MethodPost)
	router.HandleFunc("/osmand", h.Handler).Methods(http.MethodGet, http.MethodPost)
}

func (h *httpIngest) Handler(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var frames []protocol.Frame
	if len(body) > 0 {
		frames, err = h.decoder.Decode(body)
	} else {
		frames, err = h.decoder.DecodeQuery(req.URL.Query(), []byte(req.URL.RawQuery))
	}
	if err != nil {
		level.Debug(h.logger).Log("msg", "osmand decode failed", "remote", req.RemoteAddr, "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	for _, frame := range frames {
		raw := string(frame.Raw)
		if raw == "" {
			raw = string(body)
		}
		if _, err := h.sink.Ingest(req.Context(), frame, registry.Observation{
			Port:     h.port,
			RawFrame: raw,
		}); err != nil {
			if errors.Is(err, req.Context().Err()) {
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
