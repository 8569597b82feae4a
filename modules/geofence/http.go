package geofence

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

// RegisterRoutes mounts the geofence admin surface. Mutations invalidate the
// snapshot so the pipeline picks them up without waiting for the refresh tick.
func (i *Index) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/geofences", i.ListHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/geofences", i.UpsertHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/geofences/{id}", i.DeleteHandler).Methods(http.MethodDelete)
}

func (i *Index) ListHandler(w http.ResponseWriter, req *http.Request) {
	fences, err := i.store.ActiveGeofences(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(fences)
}

func (i *Index) UpsertHandler(w http.ResponseWriter, req *http.Request) {
	var g model.Geofence
	if err := json.NewDecoder(req.Body).Decode(&g); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := g.Geometry.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := i.store.UpsertGeofence(req.Context(), &g); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "geofence not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	i.Invalidate()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(&g)
}

func (i *Index) DeleteHandler(w http.ResponseWriter, req *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(req)["id"], 10, 64)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := i.store.DeleteGeofence(req.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "geofence not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	i.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}
