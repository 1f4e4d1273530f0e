// Package metrics exposes Prometheus counters and histograms for gate
// verdicts, reconstructions and the HTTP layer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"meshgate/internal/gate"
	"meshgate/internal/reconstruct"
)

// Collector owns a private registry so several collectors can coexist in
// one process (tests, embedded use).
type Collector struct {
	registry *prometheus.Registry

	verdictsTotal    *prometheus.CounterVec
	classifyDuration prometheus.Histogram

	reconstructionsTotal    *prometheus.CounterVec
	reconstructionDuration  *prometheus.HistogramVec
	reconstructionsInFlight prometheus.Gauge

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a collector whose metrics live under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.verdictsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_verdicts_total",
			Help:      "Total number of gate verdicts",
		},
		[]string{"status", "code"},
	)

	c.classifyDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gate_classify_duration_seconds",
			Help:      "Time to classify one image",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	c.reconstructionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconstructions_total",
			Help:      "Total number of reconstructions by outcome",
		},
		[]string{"mode", "outcome"}, // outcome: success or an error kind
	)

	c.reconstructionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconstruction_duration_seconds",
			Help:      "Reconstruction wall-clock time in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 900, 1200, 1800},
		},
		[]string{"mode"},
	)

	c.reconstructionsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconstructions_in_flight",
			Help:      "Reconstructions currently running",
		},
	)

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	c.logger.Debug("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// ObserveVerdict records one gate verdict.
func (c *Collector) ObserveVerdict(v gate.GateVerdict, elapsed time.Duration) {
	code := v.Code
	if code == "" {
		code = "none"
	}
	c.verdictsTotal.WithLabelValues(string(v.Status), code).Inc()
	c.classifyDuration.Observe(elapsed.Seconds())
}

// ObserveReconstruction records one finished reconstruction.
func (c *Collector) ObserveReconstruction(mode string, res reconstruct.ArtifactResult, elapsed time.Duration) {
	outcome := "success"
	if !res.Success {
		outcome = string(res.ErrorKind)
	}
	c.reconstructionsTotal.WithLabelValues(mode, outcome).Inc()
	c.reconstructionDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// TrackInFlight increments the in-flight gauge and returns its release.
func (c *Collector) TrackInFlight() func() {
	c.reconstructionsInFlight.Inc()
	return c.reconstructionsInFlight.Dec
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
