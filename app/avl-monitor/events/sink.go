package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"

	"github.com/opentransit/avlcast/business/data/avl"
	"github.com/opentransit/avlcast/foundation/metrics"
)

const (
	//ArrivalDepartureSubject is the NATS subject derived stop events are published on
	ArrivalDepartureSubject = "avlcast.arrival-departure"
	//AvlReportSubject is the NATS subject accepted raw reports are published on
	AvlReportSubject = "avlcast.avl-report"
)

// sinkWriter performs the actual durable writes, separated so tests can observe the
// drain without a database.
type sinkWriter interface {
	writeEvent(event *avl.ArrivalDeparture) error
	writeReport(report *avl.AvlReport) error
}

// databaseWriter writes to postgres and mirrors each record onto NATS. A nil
// connection skips the corresponding half.
type databaseWriter struct {
	db       *sqlx.DB
	natsConn *nats.Conn
}

func (w *databaseWriter) writeEvent(event *avl.ArrivalDeparture) error {
	if w.db != nil {
		if err := avl.RecordArrivalDeparture(w.db, event); err != nil {
			return fmt.Errorf("unable to record arrival departure %s: %w", event, err)
		}
	}
	return w.publish(ArrivalDepartureSubject, event)
}

func (w *databaseWriter) writeReport(report *avl.AvlReport) error {
	if w.db != nil {
		if err := avl.RecordAvlReport(w.db, report); err != nil {
			return fmt.Errorf("unable to record avl report %s: %w", report, err)
		}
	}
	return w.publish(AvlReportSubject, report)
}

func (w *databaseWriter) publish(subject string, record interface{}) error {
	if w.natsConn == nil {
		return nil
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("unable to marshal record for %s: %w", subject, err)
	}
	if err = w.natsConn.Publish(subject, payload); err != nil {
		return fmt.Errorf("unable to publish to %s: %w", subject, err)
	}
	return nil
}

// sinkItem carries either an event or a report through the queue.
type sinkItem struct {
	event  *avl.ArrivalDeparture
	report *avl.AvlReport
}

// Sink is the bounded asynchronous writer for events and accepted reports. A single
// drain goroutine preserves submission order. When the queue is full, producers block
// up to maxWait and then the record is dropped with a logged error, so the ingest
// workers slow down under pressure but are never wedged.
type Sink struct {
	log     *log.Logger
	metrics *metrics.Collector
	writer  sinkWriter
	queue   chan sinkItem
	maxWait time.Duration

	wg   sync.WaitGroup
	once sync.Once
}

// MakeSink builds a Sink writing to db and natsConn (either may be nil) and starts its
// drain goroutine.
func MakeSink(log *log.Logger, m *metrics.Collector, db *sqlx.DB, natsConn *nats.Conn,
	queueSize int, maxWait time.Duration) *Sink {
	return makeSinkWithWriter(log, m, &databaseWriter{db: db, natsConn: natsConn}, queueSize, maxWait)
}

func makeSinkWithWriter(log *log.Logger, m *metrics.Collector, writer sinkWriter,
	queueSize int, maxWait time.Duration) *Sink {
	s := &Sink{
		log:     log,
		metrics: m,
		writer:  writer,
		queue:   make(chan sinkItem, queueSize),
		maxWait: maxWait,
	}
	s.wg.Add(1)
	go s.drain()
	return s
}

// SubmitEvent queues an arrival/departure for durable write.
func (s *Sink) SubmitEvent(event *avl.ArrivalDeparture) {
	s.submit(sinkItem{event: event})
}

// SubmitReport queues an accepted raw report for durable write.
func (s *Sink) SubmitReport(report *avl.AvlReport) {
	s.submit(sinkItem{report: report})
}

func (s *Sink) submit(item sinkItem) {
	select {
	case s.queue <- item:
		return
	default:
	}
	//queue full: pause the producer briefly rather than lose the record outright
	timer := time.NewTimer(s.maxWait)
	defer timer.Stop()
	select {
	case s.queue <- item:
	case <-timer.C:
		s.metrics.EventsDropped.Inc()
		s.log.Printf("sink queue full for %s, record dropped", s.maxWait)
	}
}

// Shutdown stops accepting records, drains the queue and waits for the writer.
func (s *Sink) Shutdown() {
	s.once.Do(func() {
		close(s.queue)
	})
	s.wg.Wait()
}

func (s *Sink) drain() {
	defer s.wg.Done()
	for item := range s.queue {
		var err error
		switch {
		case item.event != nil:
			err = s.writer.writeEvent(item.event)
			if err == nil {
				s.metrics.EventsWritten.Inc()
			}
		case item.report != nil:
			err = s.writer.writeReport(item.report)
		}
		if err != nil {
			s.log.Printf("sink write failed: %v", err)
		}
	}
}
