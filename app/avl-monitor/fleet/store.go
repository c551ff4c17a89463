package fleet

import (
	"log"
	"sync"
	"time"

	"github.com/opentransit/avlcast/app/avl-monitor/match"
	"github.com/opentransit/avlcast/business/data/avl"
)

// canceledTripKey identifies a trip instance for cancellation.
type canceledTripKey struct {
	tripId    string
	startTime string
}

// Store holds every VehicleState behind one mutex. Per-vehicle write serialization
// comes from ingest partitioning, so the lock only has to make individual operations
// atomic and keep snapshot reads consistent.
type Store struct {
	mu            sync.Mutex
	log           *log.Logger
	vehicles      map[string]*VehicleState
	byBlock       map[string]string //blockId -> vehicleId currently assigned
	canceledTrips map[canceledTripKey]bool
}

func MakeStore(log *log.Logger) *Store {
	return &Store{
		log:           log,
		vehicles:      make(map[string]*VehicleState),
		byBlock:       make(map[string]string),
		canceledTrips: make(map[canceledTripKey]bool),
	}
}

// Prior returns the vehicle's current match for use as the matcher's prior position,
// or nil when the vehicle is unknown or unmatched.
func (s *Store) Prior(vehicleId string) *match.TemporalMatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, present := s.vehicles[vehicleId]
	if !present {
		return nil
	}
	return vs.Match
}

// ApplyReport applies the outcome of matching a report. tm is nil when matching
// failed. Returns the previous and new current match for event generation, and the
// resulting snapshot. Called only from the vehicle's serialized worker.
func (s *Store) ApplyReport(report *avl.AvlReport, tm *match.TemporalMatch) (prev *match.TemporalMatch, snapshot *VehicleState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vs, present := s.vehicles[report.VehicleId]
	if !present {
		vs = &VehicleState{VehicleId: report.VehicleId}
		s.vehicles[report.VehicleId] = vs
	}

	//a real vehicle claiming a block supersedes the schedule based stand-in
	if report.HasAssignment() && !report.IsSchedBased() {
		s.removeVirtualForBlockLocked(report.AssignmentId)
	}

	vs.LastReport = report
	vs.Virtual = report.IsSchedBased()
	vs.LastUpdated = time.Now()

	if !report.HasAssignment() {
		vs.State = Unassigned
		if vs.BlockId != "" && s.byBlock[vs.BlockId] == vs.VehicleId {
			delete(s.byBlock, vs.BlockId)
		}
		vs.BlockId = ""
		vs.TripId = ""
		vs.Match = nil
		vs.PreviousMatch = nil
		return nil, vs.copy()
	}

	if tm == nil {
		if vs.Match == nil {
			//assigned but never located on the block geometry yet
			vs.State = Unmatched
			return nil, vs.copy()
		}
		//keep last known position, stop producing predictions
		vs.State = Unpredictable
		vs.UnpredictableReason = "no match found"
		return vs.Match, vs.copy()
	}

	//an assignment change discards the stale prior rather than pairing it with the
	//new match
	if vs.Match != nil && vs.Match.Indices.BlockId != tm.Indices.BlockId {
		vs.Match = nil
	}

	prev = vs.Match
	vs.PreviousMatch = vs.Match
	vs.Match = tm
	vs.State = Predictable
	vs.UnpredictableReason = ""
	//release the old block before claiming the new one
	if vs.BlockId != "" && vs.BlockId != tm.Indices.BlockId && s.byBlock[vs.BlockId] == vs.VehicleId {
		delete(s.byBlock, vs.BlockId)
	}
	vs.BlockId = tm.Indices.BlockId
	vs.TripId = tm.TripId
	vs.Canceled = s.canceledTrips[canceledTripKey{tripId: tm.TripId}]
	s.byBlock[vs.BlockId] = vs.VehicleId
	return prev, vs.copy()
}

// Snapshot returns a detached copy of one vehicle's state.
func (s *Store) Snapshot(vehicleId string) (*VehicleState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, present := s.vehicles[vehicleId]
	if !present {
		return nil, false
	}
	return vs.copy(), true
}

// SnapshotAll returns detached copies of every vehicle's state.
func (s *Store) SnapshotAll() []*VehicleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]*VehicleState, 0, len(s.vehicles))
	for _, vs := range s.vehicles {
		results = append(results, vs.copy())
	}
	return results
}

// SnapshotByBlock returns detached copies of the vehicles assigned to blockId.
func (s *Store) SnapshotByBlock(blockId string) []*VehicleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var results []*VehicleState
	for _, vs := range s.vehicles {
		if vs.BlockId == blockId {
			results = append(results, vs.copy())
		}
	}
	return results
}

// BlockHasVehicle reports whether any non-virtual predictable vehicle currently claims
// blockId. The schedule based sweep uses this to decide whether a stand-in is needed.
func (s *Store) BlockHasVehicle(blockId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, vs := range s.vehicles {
		if vs.BlockId == blockId && !vs.Virtual && vs.State != Unassigned {
			return true
		}
	}
	return false
}

// MakeUnpredictable forces a vehicle off predictions regardless of its match result.
// Returns false when the vehicle is unknown.
func (s *Store) MakeUnpredictable(vehicleId string, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, present := s.vehicles[vehicleId]
	if !present {
		return false
	}
	vs.State = Unpredictable
	vs.UnpredictableReason = reason
	vs.LastUpdated = time.Now()
	s.log.Printf("vehicle %s made unpredictable: %s", vehicleId, reason)
	return true
}

// CancelTrip flags a trip instance canceled. Vehicles currently on the trip are
// flagged immediately; vehicles matched to it later pick the flag up on arrival.
func (s *Store) CancelTrip(tripId string, startTime string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceledTrips[canceledTripKey{tripId: tripId}] = true
	s.canceledTrips[canceledTripKey{tripId: tripId, startTime: startTime}] = true
	for _, vs := range s.vehicles {
		if vs.TripId == tripId {
			vs.Canceled = true
			vs.LastUpdated = time.Now()
		}
	}
	s.log.Printf("trip %s (start %s) canceled", tripId, startTime)
}

// ReenableTrip clears a cancellation applied by CancelTrip.
func (s *Store) ReenableTrip(tripId string, startTime string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.canceledTrips, canceledTripKey{tripId: tripId})
	delete(s.canceledTrips, canceledTripKey{tripId: tripId, startTime: startTime})
	for _, vs := range s.vehicles {
		if vs.TripId == tripId {
			vs.Canceled = false
			vs.LastUpdated = time.Now()
		}
	}
	s.log.Printf("trip %s (start %s) reenabled", tripId, startTime)
}

// Unassign evicts a vehicle from the store. This is the only way a VehicleState is
// destroyed; schedule expiry alone never removes one.
func (s *Store) Unassign(vehicleId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, present := s.vehicles[vehicleId]
	if !present {
		return false
	}
	if s.byBlock[vs.BlockId] == vehicleId {
		delete(s.byBlock, vs.BlockId)
	}
	delete(s.vehicles, vehicleId)
	s.log.Printf("vehicle %s unassigned and evicted", vehicleId)
	return true
}

// RemoveVirtualForBlock removes the schedule based stand-in for blockId, if one
// exists. Used on real-vehicle claim and on stand-in timeout.
func (s *Store) RemoveVirtualForBlock(blockId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeVirtualForBlockLocked(blockId)
}

func (s *Store) removeVirtualForBlockLocked(blockId string) bool {
	for vehicleId, vs := range s.vehicles {
		if vs.Virtual && vs.BlockId == blockId {
			delete(s.vehicles, vehicleId)
			if s.byBlock[blockId] == vehicleId {
				delete(s.byBlock, blockId)
			}
			s.log.Printf("virtual vehicle %s removed from block %s", vehicleId, blockId)
			return true
		}
	}
	return false
}

// VehicleCount returns the number of tracked vehicles.
func (s *Store) VehicleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.vehicles)
}
