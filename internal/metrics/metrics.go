// ============================================================================
// Beaver-Batch Metrics - Prometheus job metrics
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Metric groups:
//
//   1. Counters:
//      - batch_units_submitted_total      work units handed to the pool
//      - batch_units_completed_total      work units that succeeded
//      - batch_units_failed_total         work units that failed
//      - batch_ids_completed_total        identifiers covered by finished units
//      - batch_ids_spilled_total          identifiers written to the spill file
//      - batch_connection_errors_total    connectivity failures, by uri
//      - batch_connections_removed_total  connections dropped from the pool, by uri
//
//   2. Histogram:
//      - batch_unit_latency_seconds       work unit run time
//
//   3. Gauges:
//      - batch_tps_average / batch_tps_current
//      - batch_units_active / batch_units_queued
//      - batch_ids_expected
//      - batch_worker_threads
//
// Query examples:
//
//   # identifiers per second over the last minute
//   rate(batch_ids_completed_total[1m])
//
//   # unit failure ratio
//   rate(batch_units_failed_total[5m]) / rate(batch_units_submitted_total[5m])
//
//   # remaining identifiers
//   batch_ids_expected - batch_ids_completed_total
//
// Every method is a no-op on a nil *Collector, so components can take one
// optionally.
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

const namespace = "batch"

// Collector holds the job metrics
type Collector struct {
	unitsSubmitted prometheus.Counter
	unitsCompleted prometheus.Counter
	unitsFailed    prometheus.Counter
	idsCompleted   prometheus.Counter
	idsSpilled     prometheus.Counter

	connErrors  *prometheus.CounterVec
	connRemoved *prometheus.CounterVec

	unitLatency prometheus.Histogram

	avgTPS      prometheus.Gauge
	currentTPS  prometheus.Gauge
	unitsActive prometheus.Gauge
	unitsQueued prometheus.Gauge
	idsExpected prometheus.Gauge
	threads     prometheus.Gauge
}

// NewCollector creates the collector and registers it on reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		unitsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_submitted_total",
			Help:      "Total number of work units submitted to the worker pool",
		}),
		unitsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_completed_total",
			Help:      "Total number of work units completed successfully",
		}),
		unitsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_failed_total",
			Help:      "Total number of work units that failed",
		}),
		idsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ids_completed_total",
			Help:      "Total number of identifiers covered by finished work units",
		}),
		idsSpilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ids_spilled_total",
			Help:      "Total number of identifiers written to the spill file",
		}),
		connErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Total number of upstream connectivity failures",
		}, []string{"uri"}),
		connRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_removed_total",
			Help:      "Total number of upstream connections removed from the pool",
		}, []string{"uri"}),
		unitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_latency_seconds",
			Help:      "Work unit run time in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		avgTPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tps_average",
			Help:      "Average identifiers per second since the job started",
		}),
		currentTPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tps_current",
			Help:      "Identifiers per second over the last progress interval",
		}),
		unitsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units_active",
			Help:      "Work units currently running",
		}),
		unitsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units_queued",
			Help:      "Work units admitted but not yet started",
		}),
		idsExpected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ids_expected",
			Help:      "Identifiers the producer declared for this job",
		}),
		threads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_threads",
			Help:      "Configured worker pool size",
		}),
	}

	reg.MustRegister(
		c.unitsSubmitted,
		c.unitsCompleted,
		c.unitsFailed,
		c.idsCompleted,
		c.idsSpilled,
		c.connErrors,
		c.connRemoved,
		c.unitLatency,
		c.avgTPS,
		c.currentTPS,
		c.unitsActive,
		c.unitsQueued,
		c.idsExpected,
		c.threads,
	)
	return c
}

// RecordSubmitted counts one work unit handed to the pool
func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.unitsSubmitted.Inc()
}

// RecordCompletion accounts for one finished work unit
func (c *Collector) RecordCompletion(rec types.CompletionRecord) {
	if c == nil {
		return
	}
	if rec.Succeeded() {
		c.unitsCompleted.Inc()
	} else {
		c.unitsFailed.Inc()
	}
	c.idsCompleted.Add(float64(len(rec.IDs)))
	c.unitLatency.Observe(rec.Duration.Seconds())
}

// RecordSpill counts one identifier written to disk
func (c *Collector) RecordSpill() {
	if c == nil {
		return
	}
	c.idsSpilled.Inc()
}

// ConnectionError implements connpool.Observer
func (c *Collector) ConnectionError(uri string) {
	if c == nil {
		return
	}
	c.connErrors.WithLabelValues(uri).Inc()
}

// ConnectionRemoved implements connpool.Observer
func (c *Collector) ConnectionRemoved(uri string) {
	if c == nil {
		return
	}
	c.connRemoved.WithLabelValues(uri).Inc()
}

// SetThroughput updates the TPS gauges
func (c *Collector) SetThroughput(avg, current float64) {
	if c == nil {
		return
	}
	c.avgTPS.Set(avg)
	c.currentTPS.Set(current)
}

// UpdatePoolStats updates the worker pool gauges
func (c *Collector) UpdatePoolStats(active, queued int) {
	if c == nil {
		return
	}
	c.unitsActive.Set(float64(active))
	c.unitsQueued.Set(float64(queued))
}

// SetExpected records the declared identifier total
func (c *Collector) SetExpected(n int64) {
	if c == nil {
		return
	}
	c.idsExpected.Set(float64(n))
}

// SetThreads records the worker pool size
func (c *Collector) SetThreads(n int) {
	if c == nil {
		return
	}
	c.threads.Set(float64(n))
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
