// Package fleet owns the realtime state of every known vehicle. Writes arrive only
// from the per-vehicle serialized ingest workers; readers elsewhere get copied
// snapshots.
package fleet

import (
	"fmt"
	"time"

	"github.com/opentransit/avlcast/app/avl-monitor/match"
	"github.com/opentransit/avlcast/business/data/avl"
)

// MatchState is where a vehicle sits in the matching lifecycle.
type MatchState int

const (
	//Unassigned vehicles have reported without usable assignment information
	Unassigned MatchState = iota
	//Unmatched vehicles have an assignment but have never been located on its geometry
	Unmatched
	//Predictable vehicles are matched to their assigned block geometry
	Predictable
	//Unpredictable vehicles failed matching or were forced off predictions by command.
	//Last known position is retained and no new predictions are produced.
	Unpredictable
)

func (s MatchState) String() string {
	switch s {
	case Unmatched:
		return "UNMATCHED"
	case Predictable:
		return "PREDICTABLE"
	case Unpredictable:
		return "UNPREDICTABLE"
	}
	return "UNASSIGNED"
}

// VehicleState is everything the pipeline knows about one vehicle. One instance per
// vehicle id, owned by the Store; copies handed out by snapshot reads are detached.
type VehicleState struct {
	VehicleId string `json:"vehicle_id"`

	State MatchState `json:"state"`
	//Canceled is orthogonal to the match lifecycle: a canceled vehicle keeps matching
	//but its trip is flagged canceled downstream
	Canceled bool `json:"canceled"`

	BlockId string `json:"block_id"`
	TripId  string `json:"trip_id"`

	LastReport    *avl.AvlReport       `json:"last_report"`
	Match         *match.TemporalMatch `json:"match"`
	PreviousMatch *match.TemporalMatch `json:"previous_match"`

	//UnpredictableReason is set when an operator command or match failure made the
	//vehicle unpredictable
	UnpredictableReason string `json:"unpredictable_reason,omitempty"`

	//Virtual is true for the schedule based stand-in created for an unclaimed block
	Virtual bool `json:"virtual"`

	LastUpdated time.Time `json:"last_updated"`
}

func (vs *VehicleState) String() string {
	return fmt.Sprintf("VehicleState{ vehicle:%s state:%s block:%s trip:%s }",
		vs.VehicleId, vs.State, vs.BlockId, vs.TripId)
}

// IsPredictable returns true when the vehicle should feed predictions.
func (vs *VehicleState) IsPredictable() bool {
	return vs.State == Predictable && !vs.Canceled
}

// copy returns a detached copy. The report and matches are immutable after
// construction so sharing the pointers is safe.
func (vs *VehicleState) copy() *VehicleState {
	dup := *vs
	return &dup
}
