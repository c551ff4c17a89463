package predict

import (
	"fmt"
	"time"

	"github.com/opentransit/avlcast/app/avl-monitor/fleet"
	"github.com/opentransit/avlcast/app/avl-monitor/statcache"
	"github.com/opentransit/avlcast/business/data/refmodel"
)

// KalmanPredictor sums filtered travel time estimates over the stop paths between the
// vehicle and the target stop.
type KalmanPredictor struct {
	model *refmodel.Model
	cache *statcache.KalmanErrorCache
}

func (p *KalmanPredictor) Variant() string {
	return "kalman"
}

func (p *KalmanPredictor) Predict(tripId string, stopPathIndex int, vs *fleet.VehicleState) (*Prediction, error) {
	_, indexes, err := remainingStopPaths(p.model, tripId, stopPathIndex, vs)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	totalSeconds := 0.0
	for _, i := range indexes {
		entry, present, err := p.cache.Get(p.model.RevisionId,
			statcache.KalmanKey{TripId: tripId, StopPathIndex: i}, now)
		if err != nil {
			return nil, err
		}
		if !present {
			return nil, fmt.Errorf("%w: no filter state for trip %s stop path %d",
				ErrNoPrediction, tripId, i)
		}
		totalSeconds += entry.Estimate
	}
	return &Prediction{
		VehicleId:     vs.VehicleId,
		TripId:        tripId,
		StopPathIndex: stopPathIndex,
		ArrivalTime:   vs.Match.Time.Add(time.Duration(totalSeconds * float64(time.Second))),
		Variant:       "kalman",
		GeneratedAt:   now,
	}, nil
}

// AveragePredictor sums running mean travel times. Schedule based and frequency based
// trips read separate caches since frequency trips have no schedule anchor.
type AveragePredictor struct {
	model     *refmodel.Model
	schedule  *statcache.AverageCache
	frequency *statcache.AverageCache
	calendar  *refmodel.ServiceCalendar
}

func (p *AveragePredictor) Variant() string {
	return "average"
}

func (p *AveragePredictor) Predict(tripId string, stopPathIndex int, vs *fleet.VehicleState) (*Prediction, error) {
	trip, indexes, err := remainingStopPaths(p.model, tripId, stopPathIndex, vs)
	if err != nil {
		return nil, err
	}

	cache := p.schedule
	if !trip.ScheduleBased {
		cache = p.frequency
	}
	bucket := refmodel.BucketAllDays
	if p.calendar != nil {
		bucket = p.calendar.BucketFor(p.model.ServiceDate)
	}

	totalSeconds := 0.0
	for _, i := range indexes {
		value, present, err := cache.Get(p.model.RevisionId,
			statcache.AverageKey{TripId: tripId, StopPathIndex: i, Bucket: bucket})
		if err != nil {
			return nil, err
		}
		if !present || value.Count == 0 {
			return nil, fmt.Errorf("%w: no travel history for trip %s stop path %d",
				ErrNoPrediction, tripId, i)
		}
		totalSeconds += value.Mean
	}
	return &Prediction{
		VehicleId:     vs.VehicleId,
		TripId:        tripId,
		StopPathIndex: stopPathIndex,
		ArrivalTime:   vs.Match.Time.Add(time.Duration(totalSeconds * float64(time.Second))),
		Variant:       "average",
		GeneratedAt:   time.Now(),
	}, nil
}

// SchedulePredictor shifts the scheduled arrival by the vehicle's current deviation.
// The fallback when no observed history exists yet.
type SchedulePredictor struct {
	model *refmodel.Model
}

func (p *SchedulePredictor) Variant() string {
	return "schedule"
}

func (p *SchedulePredictor) Predict(tripId string, stopPathIndex int, vs *fleet.VehicleState) (*Prediction, error) {
	trip, _, err := remainingStopPaths(p.model, tripId, stopPathIndex, vs)
	if err != nil {
		return nil, err
	}
	if !trip.ScheduleBased {
		return nil, fmt.Errorf("%w: trip %s is frequency based", ErrNoPrediction, tripId)
	}
	sp := trip.StopPaths[stopPathIndex]
	scheduled := p.model.EpochTime(sp.ScheduledArrival)
	deviation := time.Duration(vs.Match.DeviationSeconds) * time.Second
	return &Prediction{
		VehicleId:     vs.VehicleId,
		TripId:        tripId,
		StopPathIndex: stopPathIndex,
		ArrivalTime:   scheduled.Add(deviation),
		Variant:       "schedule",
		GeneratedAt:   time.Now(),
	}, nil
}
