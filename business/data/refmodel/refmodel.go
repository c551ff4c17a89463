// Package refmodel provides the immutable agency configuration snapshot used by the
// realtime pipeline: blocks, trips, stop paths and schedules, all scoped to a
// configuration revision.
package refmodel

import (
	"fmt"
	"math"
	"time"
)

// Revision identifies a loaded agency configuration. Every reference record and every
// derived statistic carries the Revision.Id it was produced under.
type Revision struct {
	Id          int64      `db:"id"`
	SourceURL   string     `db:"source_url"`
	LoadedAt    time.Time  `db:"loaded_at"`
	ActivatedAt *time.Time `db:"activated_at"`
}

func (r Revision) String() string {
	return fmt.Sprintf("Revision Id:%d, source:%s, loadedAt:%s", r.Id, r.SourceURL,
		r.LoadedAt.Format("2006-01-02T15:04:05"))
}

// Point is a single vertex of stop path geometry. DistAlong is meters from the start
// of the stop path.
type Point struct {
	Lat       float64 `db:"lat" json:"lat"`
	Lon       float64 `db:"lon" json:"lon"`
	DistAlong float64 `db:"dist_along" json:"dist_along"`
}

// StopPath is the geometric path leading to a stop on a trip. StopPathIndex 0 leads to
// the trip's first stop from the block's layover point.
type StopPath struct {
	RevisionId    int64  `db:"revision_id" json:"revision_id"`
	TripId        string `db:"trip_id" json:"trip_id"`
	StopPathIndex int    `db:"stop_path_index" json:"stop_path_index"`
	StopId        string `db:"stop_id" json:"stop_id"`
	//GtfsStopSequence is the stop_sequence from the source schedule for the terminating stop
	GtfsStopSequence uint32 `db:"gtfs_stop_sequence" json:"gtfs_stop_sequence"`
	//Length is the geometric length of the path in meters
	Length float64 `db:"length" json:"length"`
	//ScheduledArrival and ScheduledDeparture are seconds past the service day 12am for the
	//terminating stop. Zero for both on frequency based trips.
	ScheduledArrival   int `db:"scheduled_arrival" json:"scheduled_arrival"`
	ScheduledDeparture int `db:"scheduled_departure" json:"scheduled_departure"`

	Points []Point `json:"points"`
}

// SegmentCount returns the number of line segments in the path geometry.
func (sp *StopPath) SegmentCount() int {
	if len(sp.Points) < 2 {
		return 0
	}
	return len(sp.Points) - 1
}

// DistanceAlong returns meters from the start of the stop path for a position
// segmentDistance meters into segmentIndex.
func (sp *StopPath) DistanceAlong(segmentIndex int, segmentDistance float64) float64 {
	if segmentIndex < 0 || segmentIndex >= sp.SegmentCount() {
		return 0
	}
	return sp.Points[segmentIndex].DistAlong + segmentDistance
}

// Trip is an ordered sequence of stop paths run under a service id as part of a block.
type Trip struct {
	RevisionId int64   `db:"revision_id" json:"revision_id"`
	TripId     string  `db:"trip_id" json:"trip_id"`
	RouteId    string  `db:"route_id" json:"route_id"`
	ServiceId  string  `db:"service_id" json:"service_id"`
	BlockId    string  `db:"block_id" json:"block_id"`
	Headsign   *string `db:"headsign" json:"headsign"`
	//StartTime and EndTime are schedule seconds for the trip's first departure and last arrival
	StartTime int `db:"start_time" json:"start_time"`
	EndTime   int `db:"end_time" json:"end_time"`
	//ScheduleBased is false for frequency based trips, which have no fixed schedule anchor
	ScheduleBased bool `db:"schedule_based" json:"schedule_based"`

	StopPaths []*StopPath `json:"stop_paths"`
}

// Length returns the geometric length of the whole trip in meters.
func (t *Trip) Length() float64 {
	total := 0.0
	for _, sp := range t.StopPaths {
		total += sp.Length
	}
	return total
}

// InterpolatedScheduleSeconds estimates the scheduled time at a position partway along
// a stop path, linearly between the previous stop's departure and this stop's arrival.
func (t *Trip) InterpolatedScheduleSeconds(stopPathIndex int, distanceIntoPath float64) int {
	if stopPathIndex < 0 || stopPathIndex >= len(t.StopPaths) {
		return t.StartTime
	}
	sp := t.StopPaths[stopPathIndex]

	previousDeparture := t.StartTime
	if stopPathIndex > 0 {
		previousDeparture = t.StopPaths[stopPathIndex-1].ScheduledDeparture
	}

	fraction := 0.0
	if sp.Length > 0 {
		fraction = distanceIntoPath / sp.Length
		if fraction > 1 {
			fraction = 1
		}
	}
	return previousDeparture + int(math.Round(float64(sp.ScheduledArrival-previousDeparture)*fraction))
}

// LastStopPath returns the final stop path on the trip, or nil for an empty trip.
func (t *Trip) LastStopPath() *StopPath {
	if len(t.StopPaths) == 0 {
		return nil
	}
	return t.StopPaths[len(t.StopPaths)-1]
}

// Block is an ordered list of trips a single vehicle is scheduled to run in a service day.
type Block struct {
	RevisionId int64  `db:"revision_id" json:"revision_id"`
	BlockId    string `db:"block_id" json:"block_id"`
	ServiceId  string `db:"service_id" json:"service_id"`

	Trips []*Trip `json:"trips"`
}

// FirstTrip returns the block's first trip or nil.
func (b *Block) FirstTrip() *Trip {
	if len(b.Trips) == 0 {
		return nil
	}
	return b.Trips[0]
}

// StartTime returns the schedule seconds of the block's first trip departure.
func (b *Block) StartTime() int {
	first := b.FirstTrip()
	if first == nil {
		return 0
	}
	return first.StartTime
}

// StartLocation returns the first geometry point of the block, or false when the block
// has no usable geometry.
func (b *Block) StartLocation() (Point, bool) {
	first := b.FirstTrip()
	if first == nil || len(first.StopPaths) == 0 || len(first.StopPaths[0].Points) == 0 {
		return Point{}, false
	}
	return first.StopPaths[0].Points[0], true
}

// TripIndex returns the position of tripId within the block, or -1 when absent.
func (b *Block) TripIndex(tripId string) int {
	for i, trip := range b.Trips {
		if trip.TripId == tripId {
			return i
		}
	}
	return -1
}

// Model is an immutable snapshot of the agency configuration for one revision and one
// service date. It is shared read-only by every vehicle worker, so it must never be
// mutated after Load returns it.
type Model struct {
	RevisionId  int64
	ServiceDate time.Time //12am of the service day, in the agency time zone

	blocksById   map[string]*Block
	tripsById    map[string]*Trip
	blockByTrip  map[string]*Block
	orderedBlock []*Block
}

// MakeModel assembles the lookup maps for a loaded set of blocks.
func MakeModel(revisionId int64, serviceDate time.Time, blocks []*Block) *Model {
	m := &Model{
		RevisionId:   revisionId,
		ServiceDate:  serviceDate,
		blocksById:   make(map[string]*Block),
		tripsById:    make(map[string]*Trip),
		blockByTrip:  make(map[string]*Block),
		orderedBlock: blocks,
	}
	for _, block := range blocks {
		m.blocksById[block.BlockId] = block
		for _, trip := range block.Trips {
			m.tripsById[trip.TripId] = trip
			m.blockByTrip[trip.TripId] = block
		}
	}
	return m
}

// Block returns the block with blockId or nil.
func (m *Model) Block(blockId string) *Block {
	return m.blocksById[blockId]
}

// Trip returns the trip with tripId or nil.
func (m *Model) Trip(tripId string) *Trip {
	return m.tripsById[tripId]
}

// BlockForTrip returns the block containing tripId or nil.
func (m *Model) BlockForTrip(tripId string) *Block {
	return m.blockByTrip[tripId]
}

// Blocks returns all blocks in load order. Callers must not modify the slice.
func (m *Model) Blocks() []*Block {
	return m.orderedBlock
}

// EpochTime converts schedule seconds on this model's service date to wall clock time.
func (m *Model) EpochTime(scheduleSeconds int) time.Time {
	return MakeScheduleTime(m.ServiceDate, scheduleSeconds)
}

// StaleRevisionError reports an operation that mixed records from different
// configuration revisions. It is fatal for the affected request and should trigger a
// reference model reload.
type StaleRevisionError struct {
	Expected int64
	Got      int64
}

func (e *StaleRevisionError) Error() string {
	return fmt.Sprintf("stale configuration revision: expected %d, got %d", e.Expected, e.Got)
}
