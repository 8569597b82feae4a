package dispatch

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/fleetwatch/fleetwatch/modules/storage"
	"github.com/fleetwatch/fleetwatch/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RegisterRoutes mounts the command API on the shared server.
func (d *Dispatcher) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/commands", d.EnqueueHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/commands/{id}", d.GetHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/commands/{id}/cancel", d.CancelHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/commands/{id}/retry", d.RetryHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/command-templates", d.CreateTemplateHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/command-templates/{id}/use", d.UseTemplateHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/scheduled-commands", d.ScheduleHandler).Methods(http.MethodPost)
}

func (d *Dispatcher) EnqueueHandler(w http.ResponseWriter, req *http.Request) {
	var body EnqueueRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := d.Enqueue(req.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"id": id})
}

func (d *Dispatcher) GetHandler(w http.ResponseWriter, req *http.Request) {
	cmd, err := d.store.CommandByID(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, cmd)
}

func (d *Dispatcher) CancelHandler(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(req.Body).Decode(&body)

	if err := d.Cancel(req.Context(), mux.Vars(req)["id"], body.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dispatcher) RetryHandler(w http.ResponseWriter, req *http.Request) {
	var body struct {
		ResetCount bool `json:"resetCount"`
	}
	_ = json.NewDecoder(req.Body).Decode(&body)

	if err := d.Retry(req.Context(), mux.Vars(req)["id"], body.ResetCount); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dispatcher) CreateTemplateHandler(w http.ResponseWriter, req *http.Request) {
	var t model.CommandTemplate
	if err := json.NewDecoder(req.Body).Decode(&t); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := d.CreateTemplate(req.Context(), &t); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, &t)
}

func (d *Dispatcher) UseTemplateHandler(w http.ResponseWriter, req *http.Request) {
	templateID, err := strconv.ParseInt(mux.Vars(req)["id"], 10, 64)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var body struct {
		DeviceID  int64             `json:"deviceId"`
		Overrides map[string]string `json:"overrides,omitempty"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := d.UseTemplate(req.Context(), templateID, body.DeviceID, body.Overrides)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"id": id})
}

func (d *Dispatcher) ScheduleHandler(w http.ResponseWriter, req *http.Request) {
	var sc model.ScheduledCommand
	if err := json.NewDecoder(req.Body).Decode(&sc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := d.Schedule(req.Context(), &sc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, &sc)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
