// Package metrics exposes the worker's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the worker collectors on a private registry. A nil *Collector is
// valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	runsTotal     *prometheus.CounterVec
	runDuration   prometheus.Histogram
	assetFetches  *prometheus.CounterVec
	fetchAttempts prometheus.Histogram
	circuitState  prometheus.Gauge
	ticksSkipped  *prometheus.CounterVec
	publishErrors *prometheus.CounterVec
}

// NewCollector creates the collectors under namespace ("statsworker" when empty).
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "statsworker"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "runs_total",
			Help:      "Ingestion runs by result (succeeded, failed, skipped_circuit_open).",
		},
		[]string{"result"},
	)

	c.runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of ingestion runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
	)

	c.assetFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "asset_results_total",
			Help:      "Per-asset ingestion results by reason.",
		},
		[]string{"asset", "result"},
	)

	c.fetchAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetcher",
			Name:      "attempts",
			Help:      "Upstream attempts needed per asset fetch.",
			Buckets:   prometheus.LinearBuckets(1, 1, 5),
		},
	)

	c.circuitState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit state (0=closed, 1=open, 2=half_open).",
		},
	)

	c.ticksSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_skipped_total",
			Help:      "Ticks dropped without starting a run.",
		},
		[]string{"reason"},
	)

	c.publishErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "publish_errors_total",
			Help:      "Failed publishes by topic.",
		},
		[]string{"topic"},
	)

	c.registry.MustRegister(
		c.runsTotal,
		c.runDuration,
		c.assetFetches,
		c.fetchAttempts,
		c.circuitState,
		c.ticksSkipped,
		c.publishErrors,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)

	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordRun(result string, duration time.Duration) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(result).Inc()
	c.runDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordAsset(asset, result string, attempts int) {
	if c == nil {
		return
	}
	c.assetFetches.WithLabelValues(asset, result).Inc()
	if attempts > 0 {
		c.fetchAttempts.Observe(float64(attempts))
	}
}

func (c *Collector) SetCircuitState(state int) {
	if c == nil {
		return
	}
	c.circuitState.Set(float64(state))
}

func (c *Collector) RecordTickSkipped(reason string) {
	if c == nil {
		return
	}
	c.ticksSkipped.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordPublishError(topic string) {
	if c == nil {
		return
	}
	c.publishErrors.WithLabelValues(topic).Inc()
}
