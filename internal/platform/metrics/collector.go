// Package metrics exposes the aggregation engine's Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config names the metric namespace.
type Config struct {
	Namespace string
	Subsystem string
}

// Collector owns a registry and every metric the engine records. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	resourcesFetched *prometheus.CounterVec
	outcomes         *prometheus.CounterVec
	fetchRetries     *prometheus.CounterVec
	batches          *prometheus.CounterVec
	polls            *prometheus.CounterVec
	filesWritten     *prometheus.CounterVec
	bytesWritten     *prometheus.CounterVec
	patientDuration  prometheus.Histogram
}

// NewCollector registers all metrics with registry, creating a fresh one
// with process and Go runtime collectors when registry is nil.
func NewCollector(cfg Config, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "dpc"
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = "aggregation"
	}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	c := &Collector{
		registry:         registry,
		resourcesFetched: counter("resources_fetched_total", "Resources retrieved from BFD", "resource_type"),
		outcomes:         counter("operational_outcomes_total", "OperationOutcome records written in place of resources", "resource_type", "reason"),
		fetchRetries:     counter("fetch_retries_total", "Retried BFD requests", "resource_type"),
		batches:          counter("batches_total", "Batches finished, by final status", "status"),
		polls:            counter("queue_polls_total", "Queue claim attempts, by result", "result"),
		filesWritten:     counter("files_written_total", "Output file writes", "resource_type"),
		bytesWritten:     counter("bytes_written_total", "Bytes written to output files", "resource_type"),
		patientDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "patient_duration_seconds",
			Help:      "Time to fetch and write every resource type for one patient",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}

	registry.MustRegister(
		c.resourcesFetched,
		c.outcomes,
		c.fetchRetries,
		c.batches,
		c.polls,
		c.filesWritten,
		c.bytesWritten,
		c.patientDuration,
	)
	return c
}

func (c *Collector) ResourcesFetched(resourceType string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.resourcesFetched.WithLabelValues(resourceType).Add(float64(n))
}

func (c *Collector) OutcomeWritten(resourceType, reason string) {
	if c == nil {
		return
	}
	c.outcomes.WithLabelValues(resourceType, reason).Inc()
}

func (c *Collector) FetchRetried(resourceType string) {
	if c == nil {
		return
	}
	c.fetchRetries.WithLabelValues(resourceType).Inc()
}

func (c *Collector) BatchFinished(status string) {
	if c == nil {
		return
	}
	c.batches.WithLabelValues(status).Inc()
}

// Poll results.
const (
	PollClaimed = "claimed"
	PollEmpty   = "empty"
	PollError   = "error"
)

func (c *Collector) Polled(result string) {
	if c == nil {
		return
	}
	c.polls.WithLabelValues(result).Inc()
}

func (c *Collector) FileWritten(resourceType string, bytes int64) {
	if c == nil {
		return
	}
	c.filesWritten.WithLabelValues(resourceType).Inc()
	c.bytesWritten.WithLabelValues(resourceType).Add(float64(bytes))
}

func (c *Collector) PatientProcessed(d time.Duration) {
	if c == nil {
		return
	}
	c.patientDuration.Observe(d.Seconds())
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
