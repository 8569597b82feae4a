package registry

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/fleetwatch/fleetwatch/modules/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type adoptRequest struct {
	UniqueID string `json:"uniqueId"`
	Protocol string `json:"protocol"`
	DeviceID int64  `json:"deviceId,omitempty"`
	Name     string `json:"name,omitempty"`
}

// RegisterRoutes mounts the admin surface on the shared server.
func (r *Registry) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/devices", r.DevicesHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/devices/{id}", r.DeviceHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/unknown-devices", r.UnknownDevicesHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/unknown-devices/adopt", r.AdoptHandler).Methods(http.MethodPost)
}

func (r *Registry) DevicesHandler(w http.ResponseWriter, req *http.Request) {
	devices, err := r.store.Devices(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, devices)
}

func (r *Registry) DeviceHandler(w http.ResponseWriter, req *http.Request) {
	id, err := parseID(mux.Vars(req)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d, err := r.store.DeviceByID(req.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, d)
}

func (r *Registry) UnknownDevicesHandler(w http.ResponseWriter, req *http.Request) {
	unknown, err := r.store.UnknownDevices(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, unknown)
}

func (r *Registry) AdoptHandler(w http.ResponseWriter, req *http.Request) {
	var body adoptRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.UniqueID == "" || body.Protocol == "" {
		http.Error(w, "uniqueId and protocol are required", http.StatusBadRequest)
		return
	}

	d, err := r.Adopt(req.Context(), body.UniqueID, body.Protocol, body.DeviceID, body.Name)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "unknown device not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, d)
}

func parseID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
