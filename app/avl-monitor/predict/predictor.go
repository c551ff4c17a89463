// Package predict produces arrival time predictions from vehicle state and the
// statistics caches. One variant is active at a time, chosen by configuration.
package predict

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/opentransit/avlcast/app/avl-monitor/fleet"
	"github.com/opentransit/avlcast/app/avl-monitor/statcache"
	"github.com/opentransit/avlcast/business/data/refmodel"
	"github.com/opentransit/avlcast/foundation/metrics"
)

// ErrNoPrediction indicates the active variant had insufficient history or an
// unusable vehicle position. Surfaced as absence, never as a fabricated zero.
var ErrNoPrediction = errors.New("no prediction available")

// Prediction is a predicted arrival at one stop.
type Prediction struct {
	VehicleId     string    `json:"vehicle_id"`
	TripId        string    `json:"trip_id"`
	StopPathIndex int       `json:"stop_path_index"`
	ArrivalTime   time.Time `json:"arrival_time"`
	Variant       string    `json:"variant"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// Predictor produces an arrival prediction for a stop from a vehicle snapshot.
type Predictor interface {
	Variant() string
	Predict(tripId string, stopPathIndex int, vs *fleet.VehicleState) (*Prediction, error)
}

// Engine wraps the configured variant with metrics and predictable-state checks.
type Engine struct {
	log     *log.Logger
	metrics *metrics.Collector
	active  Predictor
}

// MakeEngine resolves the configured variant name. Valid names are kalman, average
// and schedule; there is no blending.
func MakeEngine(log *log.Logger, m *metrics.Collector, variant string,
	model *refmodel.Model,
	averages *statcache.AverageCache,
	frequencyAverages *statcache.AverageCache,
	kalman *statcache.KalmanErrorCache,
	calendar *refmodel.ServiceCalendar) (*Engine, error) {

	var active Predictor
	switch variant {
	case "kalman":
		active = &KalmanPredictor{model: model, cache: kalman}
	case "average":
		active = &AveragePredictor{
			model:     model,
			schedule:  averages,
			frequency: frequencyAverages,
			calendar:  calendar,
		}
	case "schedule":
		active = &SchedulePredictor{model: model}
	default:
		return nil, fmt.Errorf("unknown prediction variant %q", variant)
	}
	log.Printf("prediction variant %q active", variant)
	return &Engine{log: log, metrics: m, active: active}, nil
}

func (e *Engine) Variant() string {
	return e.active.Variant()
}

// Predict produces an arrival prediction for (tripId, stopPathIndex) from the
// vehicle's current state.
func (e *Engine) Predict(tripId string, stopPathIndex int, vs *fleet.VehicleState) (*Prediction, error) {
	if vs == nil || !vs.IsPredictable() || vs.Match == nil {
		e.metrics.PredictionsMissing.Inc()
		return nil, fmt.Errorf("%w: vehicle is not predictable", ErrNoPrediction)
	}
	prediction, err := e.active.Predict(tripId, stopPathIndex, vs)
	if err != nil {
		if errors.Is(err, ErrNoPrediction) {
			e.metrics.PredictionsMissing.Inc()
		}
		return nil, err
	}
	e.metrics.PredictionsServed.WithLabelValues(prediction.Variant).Inc()
	return prediction, nil
}

// remainingStopPaths verifies the target stop lies ahead of the vehicle on its current
// trip and returns the trip and the stop path indexes still to traverse, target
// inclusive.
func remainingStopPaths(model *refmodel.Model, tripId string, stopPathIndex int,
	vs *fleet.VehicleState) (*refmodel.Trip, []int, error) {

	trip := model.Trip(tripId)
	if trip == nil {
		return nil, nil, fmt.Errorf("%w: unknown trip %q", ErrNoPrediction, tripId)
	}
	if stopPathIndex < 0 || stopPathIndex >= len(trip.StopPaths) {
		return nil, nil, fmt.Errorf("%w: trip %q has no stop path %d", ErrNoPrediction, tripId, stopPathIndex)
	}
	if vs.TripId != tripId {
		return nil, nil, fmt.Errorf("%w: vehicle %s is on trip %s not %s",
			ErrNoPrediction, vs.VehicleId, vs.TripId, tripId)
	}
	current := vs.Match.Indices.StopPathIndex
	if stopPathIndex < current {
		return nil, nil, fmt.Errorf("%w: vehicle %s already passed stop path %d",
			ErrNoPrediction, vs.VehicleId, stopPathIndex)
	}
	var indexes []int
	for i := current; i <= stopPathIndex; i++ {
		indexes = append(indexes, i)
	}
	return trip, indexes, nil
}
