// Package api exposes the read-only snapshot/diagnostics HTTP surface and the NATS
// operator command listener.
package api

import (
	"context"
	"encoding/json"
	logger "log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/opentransit/avlcast/app/avl-monitor/fleet"
	"github.com/opentransit/avlcast/app/avl-monitor/predict"
	"github.com/opentransit/avlcast/app/avl-monitor/statcache"
)

//defaultHttpHandler simple default http handler for default route
type defaultHttpHandler struct {
}

//ServeHTTP implements defaultHttpHandler http.Handler interface
func (h *defaultHttpHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Add("Application-Status", "OK")
}

// Caches bundles the statistics caches for the diagnostics endpoints.
type Caches struct {
	ScheduleAverages  *statcache.AverageCache
	FrequencyAverages *statcache.AverageCache
	Kalman            *statcache.KalmanErrorCache
	Holding           *statcache.HoldingTimeCache
}

//snapshotHandler serves current vehicle state, cache contents and predictions
type snapshotHandler struct {
	log    *logger.Logger
	store  *fleet.Store
	engine *predict.Engine
	caches Caches
}

func makeSnapshotHandler(log *logger.Logger, store *fleet.Store, engine *predict.Engine,
	caches Caches) *snapshotHandler {
	return &snapshotHandler{
		log:    log,
		store:  store,
		engine: engine,
		caches: caches,
	}
}

func (h *snapshotHandler) writeJSON(w http.ResponseWriter, payload interface{}) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		h.log.Printf("Error marshaling response to json: error:%v\n", err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err = w.Write(jsonData); err != nil {
		h.log.Printf("Error writing json response: %s", err)
	}
}

func (h *snapshotHandler) vehicles(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, h.store.SnapshotAll())
}

func (h *snapshotHandler) vehicleById(w http.ResponseWriter, r *http.Request) {
	vehicleId := mux.Vars(r)["id"]
	vs, present := h.store.Snapshot(vehicleId)
	if !present {
		http.Error(w, "vehicle not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, vs)
}

func (h *snapshotHandler) vehiclesByBlock(w http.ResponseWriter, r *http.Request) {
	blockId := mux.Vars(r)["blockId"]
	results := h.store.SnapshotByBlock(blockId)
	if results == nil {
		results = []*fleet.VehicleState{}
	}
	h.writeJSON(w, results)
}

func (h *snapshotHandler) prediction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tripId := vars["tripId"]
	stopPathIndex, err := strconv.Atoi(vars["stopPathIndex"])
	if err != nil {
		http.Error(w, "stopPathIndex must be an integer", http.StatusBadRequest)
		return
	}

	var prediction *predict.Prediction
	for _, vs := range h.store.SnapshotAll() {
		if vs.TripId != tripId || !vs.IsPredictable() {
			continue
		}
		prediction, err = h.engine.Predict(tripId, stopPathIndex, vs)
		if err == nil {
			break
		}
	}
	if prediction == nil {
		http.Error(w, "no prediction available", http.StatusNotFound)
		return
	}
	h.writeJSON(w, prediction)
}

func (h *snapshotHandler) cacheKeys(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	keys, ok := h.keysFor(name)
	if !ok {
		http.Error(w, "unknown cache", http.StatusNotFound)
		return
	}
	h.writeJSON(w, keys)
}

func (h *snapshotHandler) cacheValue(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	key := r.FormValue("key")
	value, present, ok := h.valueFor(name, key)
	if !ok {
		http.Error(w, "unknown cache", http.StatusNotFound)
		return
	}
	if !present {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, value)
}

func (h *snapshotHandler) keysFor(name string) ([]string, bool) {
	switch name {
	case "average":
		return h.caches.ScheduleAverages.Keys(), true
	case "frequency-average":
		return h.caches.FrequencyAverages.Keys(), true
	case "kalman":
		return h.caches.Kalman.Keys(), true
	case "holding":
		return h.caches.Holding.Keys(), true
	}
	return nil, false
}

func (h *snapshotHandler) valueFor(name string, key string) (interface{}, bool, bool) {
	switch name {
	case "average":
		value, present := h.caches.ScheduleAverages.ValueForKey(key)
		return value, present, true
	case "frequency-average":
		value, present := h.caches.FrequencyAverages.ValueForKey(key)
		return value, present, true
	case "kalman":
		value, present := h.caches.Kalman.ValueForKey(key)
		return value, present, true
	case "holding":
		value, present := h.caches.Holding.ValueForKey(key)
		return value, present, true
	}
	return nil, false, false
}

//createServer creates configured http.Server for snapshot and diagnostics requests
func createServer(log *logger.Logger,
	store *fleet.Store,
	engine *predict.Engine,
	caches Caches,
	httpPort int) *http.Server {

	handler := makeSnapshotHandler(log, store, engine, caches)

	r := mux.NewRouter()
	r.Handle("/", &defaultHttpHandler{})
	r.HandleFunc("/vehicles", handler.vehicles).Methods(http.MethodGet)
	r.HandleFunc("/vehicles/{id}", handler.vehicleById).Methods(http.MethodGet)
	r.HandleFunc("/blocks/{blockId}/vehicles", handler.vehiclesByBlock).Methods(http.MethodGet)
	r.HandleFunc("/predictions/{tripId}/{stopPathIndex}", handler.prediction).Methods(http.MethodGet)
	r.HandleFunc("/cache/{name}/keys", handler.cacheKeys).Methods(http.MethodGet)
	r.HandleFunc("/cache/{name}/value", handler.cacheValue).Methods(http.MethodGet)
	srv := &http.Server{
		Addr: strings.Join([]string{"0.0.0.0", strconv.Itoa(httpPort)}, ":"),
		// Good practice to set timeouts to avoid Slowloris attacks.
		WriteTimeout: time.Second * 15,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
		Handler:      r,
	}
	return srv
}

//RunWebService starts up the snapshot web service, and terminates on shutdown signal
func RunWebService(log *logger.Logger,
	wg *sync.WaitGroup,
	store *fleet.Store,
	engine *predict.Engine,
	caches Caches,
	httpPort int,
	shutdown chan struct{},
) {
	wg.Add(1)
	defer wg.Done()
	srv := createServer(log, store, engine, caches, httpPort)
	log.Printf("Starting server on port %d", httpPort)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Printf("server ListenAndServe ended. %s", err)
		}
	}()

	<-shutdown
	log.Printf("ending webservice on shutdown signal")
	shutdownCtx, serverCancelFunc := context.WithTimeout(context.Background(), time.Duration(5)*time.Second)
	defer serverCancelFunc()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("error shutting down webservice, error:%s", err)
	}
}
