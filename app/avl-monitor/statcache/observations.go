// Package statcache holds the derived statistics the prediction engine reads: running
// travel time averages, Kalman filter state and holding times. Everything here is
// reconstructible from the durable arrival/departure history, so losing a cache only
// degrades accuracy until the next population run.
package statcache

import (
	"time"

	"github.com/opentransit/avlcast/business/data/avl"
)

// TravelObservation is one observed stop path traversal: departure from the previous
// stop to arrival at this one.
type TravelObservation struct {
	TripId        string
	StopPathIndex int
	Seconds       float64
	At            time.Time
	ServiceDate   time.Time
}

// DwellObservation is one observed hold at a stop, arrival to departure.
type DwellObservation struct {
	StopId    string
	VehicleId string
	Seconds   float64
	At        time.Time
}

// Extractor folds an ordered per-vehicle event stream into observations. The same
// extractor logic serves live events and historical replay, which is what makes
// populate-then-update equal to folding everything in time order.
type Extractor struct {
	lastByVehicle map[string]*avl.ArrivalDeparture
}

func MakeExtractor() *Extractor {
	return &Extractor{lastByVehicle: make(map[string]*avl.ArrivalDeparture)}
}

// Consume accepts the next event for a vehicle and returns the travel or dwell
// observation it completes, if any. Events must arrive in per-vehicle time order.
func (x *Extractor) Consume(event *avl.ArrivalDeparture) (*TravelObservation, *DwellObservation) {
	last := x.lastByVehicle[event.VehicleId]
	x.lastByVehicle[event.VehicleId] = event

	if last == nil || last.TripId != event.TripId || event.Time.Before(last.Time) {
		return nil, nil
	}

	if event.IsArrival && !last.IsArrival && event.StopPathIndex == last.StopPathIndex+1 {
		return &TravelObservation{
			TripId:        event.TripId,
			StopPathIndex: event.StopPathIndex,
			Seconds:       event.Time.Sub(last.Time).Seconds(),
			At:            event.Time,
			ServiceDate:   event.ServiceDate,
		}, nil
	}

	if !event.IsArrival && last.IsArrival && event.StopPathIndex == last.StopPathIndex {
		return nil, &DwellObservation{
			StopId:    event.StopId,
			VehicleId: event.VehicleId,
			Seconds:   event.Time.Sub(last.Time).Seconds(),
			At:        event.Time,
		}
	}

	return nil, nil
}
