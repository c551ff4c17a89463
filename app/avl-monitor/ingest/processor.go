// Package ingest admits AVL reports into the pipeline: validation, admission control
// and the partitioned worker pool that serializes processing per vehicle.
package ingest

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/opentransit/avlcast/business/data/avl"
	"github.com/opentransit/avlcast/foundation/metrics"
)

// ErrQueueFull is returned by Submit when the target worker queue is at capacity.
// The caller may retry later; the report is not queued partially.
var ErrQueueFull = errors.New("ingest queue full")

// Settings configure admission control and the worker pool.
type Settings struct {
	//Workers is the fixed worker pool size; reports partition over it by vehicle id
	Workers int
	//QueueSize is each worker's bounded queue capacity
	QueueSize int
	Bounds    avl.ValidationBounds
	//MinSpeedForValidHeading clears (not rejects) heading on reports slower than this
	MinSpeedForValidHeading float64
	//UnpredictableAssignmentsRegEx matches assignment ids that should be treated as
	//no assignment at all, such as training or deadhead codes. Empty disables it.
	UnpredictableAssignmentsRegEx string
}

// Processor validates and dispatches reports. fnv32(vehicleId) mod Workers picks the
// queue, so all reports for one vehicle land on one worker and are processed one at a
// time in submission order. Different vehicles process fully in parallel.
type Processor struct {
	log      *log.Logger
	metrics  *metrics.Collector
	settings Settings
	//handler runs the full per-report pipeline chain on a worker goroutine
	handler func(report *avl.AvlReport)

	unpredictableRe *regexp.Regexp
	queues          []chan *avl.AvlReport
	wg              sync.WaitGroup
	once            sync.Once
}

// MakeProcessor builds the processor and starts its workers.
func MakeProcessor(log *log.Logger, m *metrics.Collector, settings Settings,
	handler func(report *avl.AvlReport)) (*Processor, error) {
	if settings.Workers < 1 {
		return nil, fmt.Errorf("ingest requires at least one worker, have %d", settings.Workers)
	}
	var unpredictableRe *regexp.Regexp
	if settings.UnpredictableAssignmentsRegEx != "" {
		var err error
		unpredictableRe, err = regexp.Compile(settings.UnpredictableAssignmentsRegEx)
		if err != nil {
			return nil, fmt.Errorf("unable to compile unpredictable assignments regex: %w", err)
		}
	}
	p := &Processor{
		log:             log,
		metrics:         m,
		settings:        settings,
		handler:         handler,
		unpredictableRe: unpredictableRe,
		queues:          make([]chan *avl.AvlReport, settings.Workers),
	}
	for i := range p.queues {
		p.queues[i] = make(chan *avl.AvlReport, settings.QueueSize)
		p.wg.Add(1)
		go p.work(p.queues[i])
	}
	return p, nil
}

// Submit validates report and dispatches it to its vehicle's worker. Returns a
// *avl.ValidationError for rejected reports and ErrQueueFull when the worker queue is
// at capacity; neither changes any vehicle state.
func (p *Processor) Submit(report *avl.AvlReport) error {
	now := time.Now()
	if err := report.Validate(p.settings.Bounds, now); err != nil {
		p.metrics.ReportsRejected.WithLabelValues("validation").Inc()
		p.log.Printf("report rejected: %v", err)
		return err
	}

	//heading from a near stationary vehicle is noise, clear it rather than reject
	if report.UsableHeading(p.settings.MinSpeedForValidHeading) == nil {
		report.Heading = nil
	}

	if p.unpredictableRe != nil && report.AssignmentId != "" &&
		p.unpredictableRe.MatchString(report.AssignmentId) {
		report.AssignmentId = ""
		report.AssignmentType = avl.AssignmentUnset
	}

	//the stamp must be in place before the worker can see the report, so stamp ahead
	//of the send and withdraw it when the queue turns the report away
	report.StampProcessed(now)

	select {
	case p.queueFor(report.VehicleId) <- report:
		p.metrics.ReportsAccepted.Inc()
		p.metrics.QueueDepth.Inc()
		return nil
	default:
		report.TimeProcessed = nil
		p.metrics.ReportsRejected.WithLabelValues("queue_full").Inc()
		return fmt.Errorf("%w: vehicle %s", ErrQueueFull, report.VehicleId)
	}
}

// SubmitBatch submits each report in order, returning the count accepted and the
// first error encountered.
func (p *Processor) SubmitBatch(reports []*avl.AvlReport) (int, error) {
	accepted := 0
	var firstErr error
	for _, report := range reports {
		if err := p.Submit(report); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		accepted++
	}
	return accepted, firstErr
}

func (p *Processor) queueFor(vehicleId string) chan *avl.AvlReport {
	h := fnv.New32a()
	_, _ = h.Write([]byte(vehicleId))
	return p.queues[h.Sum32()%uint32(len(p.queues))]
}

func (p *Processor) work(queue chan *avl.AvlReport) {
	defer p.wg.Done()
	for report := range queue {
		p.metrics.QueueDepth.Dec()
		started := time.Now()
		p.handler(report)
		p.metrics.ProcessDuration.Observe(time.Since(started).Seconds())
	}
}

// Shutdown stops accepting reports and waits for the workers to drain.
func (p *Processor) Shutdown() {
	p.once.Do(func() {
		for _, queue := range p.queues {
			close(queue)
		}
	})
	p.wg.Wait()
}
