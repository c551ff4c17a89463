// Package pipeline wires the per-report processing chain: match, state update, event
// generation, cache updates and durable writes.
package pipeline

import (
	"errors"
	"log"
	"sync"

	"github.com/opentransit/avlcast/app/avl-monitor/events"
	"github.com/opentransit/avlcast/app/avl-monitor/fleet"
	"github.com/opentransit/avlcast/app/avl-monitor/match"
	"github.com/opentransit/avlcast/app/avl-monitor/statcache"
	"github.com/opentransit/avlcast/business/data/avl"
	"github.com/opentransit/avlcast/business/data/refmodel"
	"github.com/opentransit/avlcast/foundation/metrics"
)

// Pipeline runs the full chain for one report on the ingest worker that owns the
// vehicle. Everything it calls is either per-vehicle serialized, snapshot based or
// internally locked, so the chain itself holds no lock.
type Pipeline struct {
	log     *log.Logger
	metrics *metrics.Collector

	model     *refmodel.Model
	matcher   *match.Matcher
	store     *fleet.Store
	generator *events.Generator
	sink      *events.Sink

	scheduleAverages  *statcache.AverageCache
	frequencyAverages *statcache.AverageCache
	kalman            *statcache.KalmanErrorCache
	holding           *statcache.HoldingTimeCache

	//extractor pairs consecutive live events per vehicle; shared across workers
	extractorMu sync.Mutex
	extractor   *statcache.Extractor
}

func MakePipeline(log *log.Logger, m *metrics.Collector,
	model *refmodel.Model,
	matcher *match.Matcher,
	store *fleet.Store,
	generator *events.Generator,
	sink *events.Sink,
	scheduleAverages *statcache.AverageCache,
	frequencyAverages *statcache.AverageCache,
	kalman *statcache.KalmanErrorCache,
	holding *statcache.HoldingTimeCache) *Pipeline {
	return &Pipeline{
		log:               log,
		metrics:           m,
		model:             model,
		matcher:           matcher,
		store:             store,
		generator:         generator,
		sink:              sink,
		scheduleAverages:  scheduleAverages,
		frequencyAverages: frequencyAverages,
		kalman:            kalman,
		holding:           holding,
		extractor:         statcache.MakeExtractor(),
	}
}

// AdoptExtractor replaces the live pairing state with one carried over from a history
// replay, so the first live event pairs with the last replayed one instead of starting
// cold. Call before reports start flowing.
func (p *Pipeline) AdoptExtractor(x *statcache.Extractor) {
	if x == nil {
		return
	}
	p.extractorMu.Lock()
	p.extractor = x
	p.extractorMu.Unlock()
}

// HandleReport is the ingest worker handler. A failure anywhere in the chain affects
// only this vehicle; nothing here aborts the process.
func (p *Pipeline) HandleReport(report *avl.AvlReport) {
	//reports that regressed behind the vehicle's last processed GPS time carry no
	//information and would corrupt the match sequence
	if vs, present := p.store.Snapshot(report.VehicleId); present &&
		vs.LastReport != nil && !report.Time.After(vs.LastReport.Time) {
		return
	}

	p.sink.SubmitReport(report)

	if !report.HasAssignment() {
		p.store.ApplyReport(report, nil)
		return
	}

	tm, err := p.matcher.Match(report, p.store.Prior(report.VehicleId))
	if err != nil {
		if !errors.Is(err, match.ErrNoMatch) {
			p.log.Printf("match error for vehicle %s: %v", report.VehicleId, err)
		}
		p.metrics.MatchesFailed.Inc()
		p.store.ApplyReport(report, nil)
		return
	}
	p.metrics.MatchesFound.Inc()

	prev, _ := p.store.ApplyReport(report, tm)

	crossings := p.generator.Crossings(prev, tm)
	for _, event := range crossings {
		p.metrics.EventsGenerated.Inc()
		p.sink.SubmitEvent(event)
		p.updateCaches(event)
	}
}

// updateCaches folds one live event into the statistics caches through the same
// extractor logic history population uses.
func (p *Pipeline) updateCaches(event *avl.ArrivalDeparture) {
	p.extractorMu.Lock()
	travel, dwell := p.extractor.Consume(event)
	p.extractorMu.Unlock()

	revisionId := p.model.RevisionId
	if travel != nil {
		averages := p.scheduleAverages
		if trip := p.model.Trip(travel.TripId); trip != nil && !trip.ScheduleBased {
			averages = p.frequencyAverages
		}
		if err := averages.ObserveTravel(revisionId, travel); err != nil {
			p.log.Printf("average cache update failed: %v", err)
		}
		if err := p.kalman.ObserveTravel(revisionId, travel); err != nil {
			p.log.Printf("kalman cache update failed: %v", err)
		}
	}
	if dwell != nil {
		if err := p.holding.ObserveDwell(revisionId, dwell); err != nil {
			p.log.Printf("holding cache update failed: %v", err)
		}
	}
	p.metrics.CacheEntries.WithLabelValues("average").Set(float64(p.scheduleAverages.Len() + p.frequencyAverages.Len()))
	p.metrics.CacheEntries.WithLabelValues("kalman").Set(float64(p.kalman.Len()))
	p.metrics.CacheEntries.WithLabelValues("holding").Set(float64(p.holding.Len()))
}
