// Package metrics exposes prometheus instrumentation for the avl pipeline.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the prometheus instruments used across the pipeline.
type Collector struct {
	reg *prometheus.Registry

	ReportsAccepted prometheus.Counter
	ReportsRejected *prometheus.CounterVec // reason label: validation|queue_full
	QueueDepth      prometheus.Gauge

	MatchesFound  prometheus.Counter
	MatchesFailed prometheus.Counter

	EventsGenerated prometheus.Counter
	EventsWritten   prometheus.Counter
	EventsDropped   prometheus.Counter

	PredictionsServed  *prometheus.CounterVec // variant label: kalman|average|schedule
	PredictionsMissing prometheus.Counter

	CacheEntries *prometheus.GaugeVec // cache label

	ProcessDuration prometheus.Histogram
}

// NewCollector builds a Collector with its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ReportsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avlcast_reports_accepted_total",
			Help: "Total AVL reports accepted by ingestion.",
		}),
		ReportsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avlcast_reports_rejected_total",
			Help: "Total AVL reports rejected, by reason.",
		}, []string{"reason"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "avlcast_ingest_queue_depth",
			Help: "Reports currently waiting in ingestion worker queues.",
		}),
		MatchesFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avlcast_matches_total",
			Help: "Total successful spatial/temporal matches.",
		}),
		MatchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avlcast_match_failures_total",
			Help: "Total reports with no match within distance threshold.",
		}),
		EventsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avlcast_arrival_departure_events_total",
			Help: "Total arrival/departure events generated.",
		}),
		EventsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avlcast_events_written_total",
			Help: "Total events written to the durable sink.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avlcast_events_dropped_total",
			Help: "Total events dropped after exceeding the sink max wait.",
		}),
		PredictionsServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avlcast_predictions_served_total",
			Help: "Total predictions produced, by variant.",
		}, []string{"variant"}),
		PredictionsMissing: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avlcast_predictions_missing_total",
			Help: "Total prediction requests with insufficient history.",
		}),
		CacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "avlcast_cache_entries",
			Help: "Entries currently held, by cache.",
		}, []string{"cache"}),
		ProcessDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "avlcast_report_process_duration_seconds",
			Help:    "Duration of the full per-report pipeline chain.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}

	reg.MustRegister(
		c.ReportsAccepted, c.ReportsRejected, c.QueueDepth,
		c.MatchesFound, c.MatchesFailed,
		c.EventsGenerated, c.EventsWritten, c.EventsDropped,
		c.PredictionsServed, c.PredictionsMissing,
		c.CacheEntries, c.ProcessDuration,
	)

	return c
}

// Handler returns the http.Handler serving this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing /metrics on addr.
func (c *Collector) Serve(log *log.Logger, addr string) *http.Server {
	serveMux := http.NewServeMux()
	serveMux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: serveMux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
