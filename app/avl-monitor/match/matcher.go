// Package match projects AVL reports onto block geometry, producing the position
// indices and schedule deviation the rest of the pipeline works from.
package match

import (
	"errors"
	"fmt"
	"time"

	"github.com/opentransit/avlcast/business/data/avl"
	"github.com/opentransit/avlcast/business/data/refmodel"
)

// ErrNoMatch indicates no stop path geometry within the distance threshold could
// accept the report. Expected outcome, not a fault: the vehicle becomes unpredictable.
var ErrNoMatch = errors.New("no match found on assigned block")

// SpatialMatch is a position on block geometry plus how far the report was from it.
type SpatialMatch struct {
	Indices refmodel.Indices `json:"indices"`
	//Distance is perpendicular meters from the report location to the matched geometry
	Distance float64 `json:"distance"`
	//Lat and Lon are the projected position on the geometry
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// TemporalMatch extends a SpatialMatch with the report time and, for schedule based
// trips, the deviation from schedule at the matched position.
type TemporalMatch struct {
	SpatialMatch
	VehicleId string    `json:"vehicle_id"`
	TripId    string    `json:"trip_id"`
	Time      time.Time `json:"time"`
	//ScheduleBased is false on frequency based trips, which carry no deviation
	ScheduleBased bool `json:"schedule_based"`
	//DeviationSeconds is positive when the vehicle is running late
	DeviationSeconds int `json:"deviation_seconds"`
}

func (tm *TemporalMatch) String() string {
	return fmt.Sprintf("TemporalMatch{ vehicle:%s trip:%s %s dist:%.1f deviation:%d }",
		tm.VehicleId, tm.TripId, tm.Indices, tm.Distance, tm.DeviationSeconds)
}

// Settings bound the forward search. All values come from configuration.
type Settings struct {
	//MaxStopPathsAhead limits how many stop paths past the prior position are searched
	MaxStopPathsAhead int
	//MaxDistanceMeters is the largest acceptable perpendicular distance to geometry
	MaxDistanceMeters float64
	//BackwardToleranceMeters allows a match slightly behind the prior position, for GPS noise
	BackwardToleranceMeters float64
}

// Matcher locates reports on the geometry of one reference model snapshot. Stateless
// apart from the immutable model, so one Matcher serves all workers concurrently.
type Matcher struct {
	model    *refmodel.Model
	settings Settings
}

func MakeMatcher(model *refmodel.Model, settings Settings) *Matcher {
	return &Matcher{model: model, settings: settings}
}

// Match projects report onto the geometry of its assigned block. prior is the vehicle's
// previous match or nil when unmatched; a prior from a different block is ignored since
// an assignment change restarts the search from the new block's start. Deterministic:
// the same report, prior and model always produce the same result.
func (m *Matcher) Match(report *avl.AvlReport, prior *TemporalMatch) (*TemporalMatch, error) {
	block, err := m.blockFor(report)
	if err != nil {
		return nil, err
	}

	if prior != nil && prior.Indices.BlockId != block.BlockId {
		prior = nil
	}

	best, found := m.bestSpatialMatch(report, block, prior)
	if !found {
		return nil, ErrNoMatch
	}

	result := &TemporalMatch{
		SpatialMatch: best,
		VehicleId:    report.VehicleId,
		TripId:       block.Trips[best.Indices.TripIndex].TripId,
		Time:         report.Time,
	}

	trip := block.Trips[best.Indices.TripIndex]
	if trip.ScheduleBased {
		result.ScheduleBased = true
		result.DeviationSeconds = m.deviationSeconds(report.Time, trip, best.Indices)
	}
	return result, nil
}

// blockFor resolves the block a report is assigned to.
func (m *Matcher) blockFor(report *avl.AvlReport) (*refmodel.Block, error) {
	var block *refmodel.Block
	switch report.AssignmentType {
	case avl.AssignmentBlock, avl.AssignmentSchedBlock:
		block = m.model.Block(report.AssignmentId)
	case avl.AssignmentTrip:
		block = m.model.BlockForTrip(report.AssignmentId)
	default:
		return nil, fmt.Errorf("%w: vehicle %s has unusable assignment type %s",
			ErrNoMatch, report.VehicleId, report.AssignmentType)
	}
	if block == nil {
		return nil, fmt.Errorf("%w: vehicle %s assignment %q is not in revision %d",
			ErrNoMatch, report.VehicleId, report.AssignmentId, m.model.RevisionId)
	}
	return block, nil
}

// bestSpatialMatch scans over at most MaxStopPathsAhead stop paths, keeping the
// candidate with the smallest perpendicular distance at or under MaxDistanceMeters.
// The scan begins one stop path behind the prior position so the backward tolerance
// can admit a small regression across a stop boundary. Equal distances keep the
// earlier candidate, so advancement stays conservative.
func (m *Matcher) bestSpatialMatch(report *avl.AvlReport, block *refmodel.Block,
	prior *TemporalMatch) (SpatialMatch, bool) {

	startTrip, startStopPath := 0, 0
	if prior != nil {
		startTrip = prior.Indices.TripIndex
		startStopPath = prior.Indices.StopPathIndex - 1
		if startStopPath < 0 {
			startStopPath = 0
		}
	}

	best := SpatialMatch{}
	found := false
	scanned := 0

	for tripIndex := startTrip; tripIndex < len(block.Trips); tripIndex++ {
		trip := block.Trips[tripIndex]
		firstStopPath := 0
		if tripIndex == startTrip {
			firstStopPath = startStopPath
		}
		for stopPathIndex := firstStopPath; stopPathIndex < len(trip.StopPaths); stopPathIndex++ {
			if scanned >= m.settings.MaxStopPathsAhead {
				return best, found
			}
			scanned++
			sp := trip.StopPaths[stopPathIndex]
			candidate, ok := m.nearestOnStopPath(report, sp, block.BlockId, tripIndex, stopPathIndex)
			if !ok {
				continue
			}
			if candidate.Distance > m.settings.MaxDistanceMeters {
				continue
			}
			if prior != nil &&
				candidate.Indices.BackwardDistance(prior.Indices, m.model) > m.settings.BackwardToleranceMeters {
				continue
			}
			if !found || candidate.Distance < best.Distance {
				best = candidate
				found = true
			}
		}
	}
	return best, found
}

// nearestOnStopPath projects the report onto every segment of a stop path and returns
// the closest projection.
func (m *Matcher) nearestOnStopPath(report *avl.AvlReport, sp *refmodel.StopPath,
	blockId string, tripIndex int, stopPathIndex int) (SpatialMatch, bool) {

	result := SpatialMatch{}
	found := false
	for segment := 0; segment < sp.SegmentCount(); segment++ {
		start := sp.Points[segment]
		end := sp.Points[segment+1]
		lat, lon := nearestLatLngToLineFromPoint(start.Lat, start.Lon, end.Lat, end.Lon,
			report.Latitude, report.Longitude)
		distance := simpleLatLngDistance(lat, lon, report.Latitude, report.Longitude)
		if !found || distance < result.Distance {
			found = true
			result = SpatialMatch{
				Indices: refmodel.Indices{
					BlockId:         blockId,
					TripIndex:       tripIndex,
					StopPathIndex:   stopPathIndex,
					SegmentIndex:    segment,
					SegmentDistance: simpleLatLngDistance(start.Lat, start.Lon, lat, lon),
				},
				Distance: distance,
				Lat:      lat,
				Lon:      lon,
			}
		}
	}
	return result, found
}

// deviationSeconds interpolates the scheduled time at the matched position between the
// stop path's bounding schedule times, then compares with the report time. Positive
// means the vehicle is late.
func (m *Matcher) deviationSeconds(at time.Time, trip *refmodel.Trip, ix refmodel.Indices) int {
	sp := trip.StopPaths[ix.StopPathIndex]
	scheduledSeconds := trip.InterpolatedScheduleSeconds(ix.StopPathIndex,
		sp.DistanceAlong(ix.SegmentIndex, ix.SegmentDistance))
	actualSeconds := refmodel.ScheduleSecondsAt(m.model.ServiceDate, at)
	return actualSeconds - scheduledSeconds
}
