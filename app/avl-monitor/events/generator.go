// Package events derives arrival/departure records from successive vehicle matches
// and carries them to the durable sink.
package events

import (
	"sync"
	"time"

	"github.com/opentransit/avlcast/app/avl-monitor/match"
	"github.com/opentransit/avlcast/business/data/avl"
	"github.com/opentransit/avlcast/business/data/refmodel"
)

// Generator turns pairs of consecutive matches into the stop events crossed between
// them. It remembers the time of the newest event emitted per vehicle: the one second
// arrival/departure spacing can push an event past the report window that produced it,
// and the next window's events must still come after it.
type Generator struct {
	model *refmodel.Model

	mu            sync.Mutex
	lastEventTime map[string]time.Time
}

func MakeGenerator(model *refmodel.Model) *Generator {
	return &Generator{
		model:         model,
		lastEventTime: make(map[string]time.Time),
	}
}

// crossedStop is a stop boundary passed between two matched positions.
type crossedStop struct {
	tripIndex     int
	stopPathIndex int
}

// Crossings emits an arrival and a departure for every stop boundary passed between
// prev and cur, in traversal order. Times are interpolated between the two report
// timestamps by schedule proportion, clamped so the vehicle's event sequence is
// non-decreasing across calls and every departure is at least one second after its
// arrival. Returns nil when prev and cur are on different blocks or no boundary was
// crossed.
func (g *Generator) Crossings(prev *match.TemporalMatch, cur *match.TemporalMatch) []*avl.ArrivalDeparture {
	if prev == nil || cur == nil || prev.Indices.BlockId != cur.Indices.BlockId {
		return nil
	}
	if !cur.Indices.IsAheadOf(prev.Indices) {
		return nil
	}
	block := g.model.Block(cur.Indices.BlockId)
	if block == nil {
		return nil
	}

	crossed := crossedStops(block, prev.Indices, cur.Indices)
	if len(crossed) == 0 {
		return nil
	}

	window := cur.Time.Sub(prev.Time)
	prevScheduled, curScheduled := g.scheduleSpan(block, prev, cur)

	var results []*avl.ArrivalDeparture
	lastTime := prev.Time
	g.mu.Lock()
	if floor, known := g.lastEventTime[cur.VehicleId]; known && floor.After(lastTime) {
		lastTime = floor
	}
	g.mu.Unlock()
	for _, crossing := range crossed {
		trip := block.Trips[crossing.tripIndex]
		sp := trip.StopPaths[crossing.stopPathIndex]

		arrivalTime := interpolateTime(prev.Time, window, prevScheduled, curScheduled, sp.ScheduledArrival)
		if !arrivalTime.After(lastTime) {
			arrivalTime = lastTime.Add(time.Second)
		}
		departureTime := interpolateTime(prev.Time, window, prevScheduled, curScheduled, sp.ScheduledDeparture)
		if departureTime.Before(arrivalTime.Add(time.Second)) {
			departureTime = arrivalTime.Add(time.Second)
		}
		lastTime = departureTime

		results = append(results,
			g.makeEvent(cur.VehicleId, trip, sp, true, arrivalTime),
			g.makeEvent(cur.VehicleId, trip, sp, false, departureTime))
	}
	g.mu.Lock()
	g.lastEventTime[cur.VehicleId] = lastTime
	g.mu.Unlock()
	return results
}

func (g *Generator) makeEvent(vehicleId string, trip *refmodel.Trip, sp *refmodel.StopPath,
	isArrival bool, at time.Time) *avl.ArrivalDeparture {
	event := &avl.ArrivalDeparture{
		RevisionId:    g.model.RevisionId,
		VehicleId:     vehicleId,
		BlockId:       trip.BlockId,
		TripId:        trip.TripId,
		RouteId:       trip.RouteId,
		StopId:        sp.StopId,
		StopPathIndex: sp.StopPathIndex,
		IsArrival:     isArrival,
		Time:          at,
		Interpolated:  true,
		ServiceDate:   g.model.ServiceDate,
		CreatedAt:     time.Now(),
	}
	if trip.ScheduleBased {
		scheduleSeconds := sp.ScheduledArrival
		if !isArrival {
			scheduleSeconds = sp.ScheduledDeparture
		}
		scheduled := g.model.EpochTime(scheduleSeconds)
		event.ScheduledTime = &scheduled
	}
	return event
}

// crossedStops lists every stop boundary strictly after prev and at or before cur, in
// block traversal order. The boundary of stop path (trip, index) sits at the path end.
func crossedStops(block *refmodel.Block, prev refmodel.Indices, cur refmodel.Indices) []crossedStop {
	var results []crossedStop
	for tripIndex := prev.TripIndex; tripIndex <= cur.TripIndex && tripIndex < len(block.Trips); tripIndex++ {
		trip := block.Trips[tripIndex]
		for stopPathIndex := range trip.StopPaths {
			if tripIndex == prev.TripIndex && stopPathIndex < prev.StopPathIndex {
				continue
			}
			passed := tripIndex < cur.TripIndex ||
				(tripIndex == cur.TripIndex && stopPathIndex < cur.StopPathIndex)
			if passed {
				results = append(results, crossedStop{tripIndex: tripIndex, stopPathIndex: stopPathIndex})
			}
		}
	}
	return results
}

// scheduleSpan returns the interpolated schedule seconds at the two matched positions,
// used to place crossed stops proportionally inside the report window.
func (g *Generator) scheduleSpan(block *refmodel.Block, prev *match.TemporalMatch,
	cur *match.TemporalMatch) (int, int) {
	prevTrip := block.Trips[prev.Indices.TripIndex]
	curTrip := block.Trips[cur.Indices.TripIndex]
	prevSp := prevTrip.StopPaths[prev.Indices.StopPathIndex]
	curSp := curTrip.StopPaths[cur.Indices.StopPathIndex]
	prevScheduled := prevTrip.InterpolatedScheduleSeconds(prev.Indices.StopPathIndex,
		prevSp.DistanceAlong(prev.Indices.SegmentIndex, prev.Indices.SegmentDistance))
	curScheduled := curTrip.InterpolatedScheduleSeconds(cur.Indices.StopPathIndex,
		curSp.DistanceAlong(cur.Indices.SegmentIndex, cur.Indices.SegmentDistance))
	return prevScheduled, curScheduled
}

// interpolateTime places a scheduled moment proportionally inside the report window.
func interpolateTime(start time.Time, window time.Duration,
	startScheduled int, endScheduled int, scheduled int) time.Time {
	if endScheduled <= startScheduled {
		return start
	}
	fraction := float64(scheduled-startScheduled) / float64(endScheduled-startScheduled)
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return start.Add(time.Duration(fraction * float64(window)))
}
