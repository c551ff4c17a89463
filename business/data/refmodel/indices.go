package refmodel

import "fmt"

// Indices locates a position along a block: the trip within the block, the stop path
// within the trip, the geometry segment within the stop path and the distance along
// that segment in meters.
type Indices struct {
	BlockId         string  `json:"block_id"`
	TripIndex       int     `json:"trip_index"`
	StopPathIndex   int     `json:"stop_path_index"`
	SegmentIndex    int     `json:"segment_index"`
	SegmentDistance float64 `json:"segment_distance"`
}

func (i Indices) String() string {
	return fmt.Sprintf("Indices{ block:%s trip:%d stopPath:%d segment:%d dist:%.1f }",
		i.BlockId, i.TripIndex, i.StopPathIndex, i.SegmentIndex, i.SegmentDistance)
}

// Cmp orders two Indices on the same block: -1 when i is behind o, 0 when equal,
// 1 when i is ahead of o. Comparing Indices from different blocks is meaningless and
// always returns 0.
func (i Indices) Cmp(o Indices) int {
	if i.BlockId != o.BlockId {
		return 0
	}
	if c := cmpInt(i.TripIndex, o.TripIndex); c != 0 {
		return c
	}
	if c := cmpInt(i.StopPathIndex, o.StopPathIndex); c != 0 {
		return c
	}
	if c := cmpInt(i.SegmentIndex, o.SegmentIndex); c != 0 {
		return c
	}
	switch {
	case i.SegmentDistance < o.SegmentDistance:
		return -1
	case i.SegmentDistance > o.SegmentDistance:
		return 1
	}
	return 0
}

// IsAheadOf returns true if i is strictly ahead of o on the same block.
func (i Indices) IsAheadOf(o Indices) bool {
	return i.Cmp(o) > 0
}

// Trip resolves the trip this Indices points at within model, or nil when the block or
// trip index is unknown.
func (i Indices) Trip(model *Model) *Trip {
	block := model.Block(i.BlockId)
	if block == nil || i.TripIndex < 0 || i.TripIndex >= len(block.Trips) {
		return nil
	}
	return block.Trips[i.TripIndex]
}

// StopPath resolves the stop path this Indices points at within model, or nil.
func (i Indices) StopPath(model *Model) *StopPath {
	trip := i.Trip(model)
	if trip == nil || i.StopPathIndex < 0 || i.StopPathIndex >= len(trip.StopPaths) {
		return nil
	}
	return trip.StopPaths[i.StopPathIndex]
}

// DistanceAlongTrip returns meters from the start of the trip for this Indices, or
// false when the position cannot be resolved in model.
func (i Indices) DistanceAlongTrip(model *Model) (float64, bool) {
	trip := i.Trip(model)
	if trip == nil || i.StopPathIndex < 0 || i.StopPathIndex >= len(trip.StopPaths) {
		return 0, false
	}
	total := 0.0
	for idx := 0; idx < i.StopPathIndex; idx++ {
		total += trip.StopPaths[idx].Length
	}
	sp := trip.StopPaths[i.StopPathIndex]
	return total + sp.DistanceAlong(i.SegmentIndex, i.SegmentDistance), true
}

// BackwardDistance returns how many meters i has regressed behind prior along the same
// trip, or 0 when i is at or ahead of prior. Positions on different trips never count
// as regression since a block moves forward through its trips.
func (i Indices) BackwardDistance(prior Indices, model *Model) float64 {
	if i.BlockId != prior.BlockId || i.TripIndex != prior.TripIndex {
		return 0
	}
	if i.Cmp(prior) >= 0 {
		return 0
	}
	cur, okCur := i.DistanceAlongTrip(model)
	prev, okPrev := prior.DistanceAlongTrip(model)
	if !okCur || !okPrev {
		return 0
	}
	return prev - cur
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
