// Package metrics owns the Prometheus collector set for the inference
// service. All collectors register on a dedicated registry so tests can
// run isolated instances side by side.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var latencyBuckets = []float64{
	0.005, 0.01, 0.02, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10,
}

// Collector bundles the service's counters, histograms and gauges.
type Collector struct {
	registry *prometheus.Registry

	Requests *prometheus.CounterVec
	Errors   *prometheus.CounterVec
	Latency  *prometheus.HistogramVec

	Inflight *prometheus.GaugeVec
	Timeouts *prometheus.CounterVec

	Retries        *prometheus.CounterVec
	RetryExhausted *prometheus.CounterVec
}

// NewCollector creates a collector set on a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,

		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_requests_total",
			Help: "Total inference requests",
		}, []string{"model", "version"}),

		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_errors_total",
			Help: "Total inference errors",
		}, []string{"model", "version", "error_type"}),

		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inference_latency_seconds",
			Help:    "Inference latency",
			Buckets: latencyBuckets,
		}, []string{"model", "version"}),

		Inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "executor_inflight",
			Help: "Number of in-flight inference executions",
		}, []string{"device"}),

		Timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "executor_timeouts_total",
			Help: "Total executor timeouts",
		}, []string{"device"}),

		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_retries_total",
			Help: "Total inference attempts recorded, by retry reason",
		}, []string{"model", "version", "reason"}),

		RetryExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_retry_exhausted_total",
			Help: "Jobs that ran out of retry budget",
		}, []string{"model", "version"}),
	}

	registry.MustRegister(
		c.Requests, c.Errors, c.Latency,
		c.Inflight, c.Timeouts,
		c.Retries, c.RetryExhausted,
	)
	return c
}

// Registry exposes the underlying registry for gathering in tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
