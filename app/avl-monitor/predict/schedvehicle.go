package predict

import (
	"fmt"
	"log"
	"time"

	"github.com/opentransit/avlcast/app/avl-monitor/fleet"
	"github.com/opentransit/avlcast/business/data/avl"
	"github.com/opentransit/avlcast/business/data/refmodel"
)

//schedVehicleSource marks fabricated reports in the durable record
const schedVehicleSource = "Schedule"

// SchedVehicleId returns the synthetic vehicle id for a block's stand-in.
func SchedVehicleId(blockId string) string {
	return fmt.Sprintf("block_%s_sched", blockId)
}

// SchedSettings tune the schedule based virtual vehicle sweep.
type SchedSettings struct {
	//BeforeStart is how far before a block's scheduled start a stand-in appears
	BeforeStart time.Duration
	//Timeout removes a stand-in this long after the scheduled start if no real
	//vehicle ever claimed the block
	Timeout time.Duration
}

// SchedVehicleSweep keeps predictions alive for imminent blocks no real vehicle has
// claimed yet, by fabricating a report at the block's start location. The stand-in is
// superseded the moment a real report claims the block and expires after Timeout.
type SchedVehicleSweep struct {
	log      *log.Logger
	model    *refmodel.Model
	store    *fleet.Store
	settings SchedSettings
	//submit feeds fabricated reports through the normal ingestion path so they get
	//the same matching and serialization as real ones
	submit func(report *avl.AvlReport) error
}

func MakeSchedVehicleSweep(log *log.Logger, model *refmodel.Model, store *fleet.Store,
	settings SchedSettings, submit func(report *avl.AvlReport) error) *SchedVehicleSweep {
	return &SchedVehicleSweep{
		log:      log,
		model:    model,
		store:    store,
		settings: settings,
		submit:   submit,
	}
}

// Sweep scans every block once: creates stand-ins for imminent unclaimed blocks and
// expires stand-ins that outlived their timeout.
func (s *SchedVehicleSweep) Sweep(now time.Time) {
	for _, block := range s.model.Blocks() {
		start := s.model.EpochTime(block.StartTime())
		switch {
		case now.After(start.Add(s.settings.Timeout)):
			if s.store.RemoveVirtualForBlock(block.BlockId) {
				s.log.Printf("schedule vehicle for block %s timed out %s past start",
					block.BlockId, s.settings.Timeout)
			}
		case now.After(start.Add(-s.settings.BeforeStart)):
			s.maybeCreate(block, now)
		}
	}
}

func (s *SchedVehicleSweep) maybeCreate(block *refmodel.Block, now time.Time) {
	if len(s.store.SnapshotByBlock(block.BlockId)) > 0 {
		//a real vehicle or an existing stand-in already covers the block
		return
	}
	location, ok := block.StartLocation()
	if !ok {
		return
	}
	report := &avl.AvlReport{
		VehicleId:      SchedVehicleId(block.BlockId),
		Time:           now,
		Latitude:       location.Lat,
		Longitude:      location.Lon,
		Source:         schedVehicleSource,
		AssignmentId:   block.BlockId,
		AssignmentType: avl.AssignmentSchedBlock,
	}
	if err := s.submit(report); err != nil {
		s.log.Printf("unable to submit schedule vehicle for block %s: %v", block.BlockId, err)
		return
	}
	s.log.Printf("created schedule vehicle %s for unclaimed block %s", report.VehicleId, block.BlockId)
}
