// Package metrics provides Prometheus metrics for herald
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for herald. Each instance owns its
// registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// Controller metrics
	CommentsTotal      *prometheus.CounterVec
	PollErrorsTotal    prometheus.Counter
	ControllerRestarts prometheus.Counter

	// Publish metrics
	PublishTotal     *prometheus.CounterVec
	PublishDuration  *prometheus.HistogramVec
	PublishInFlight  prometheus.Gauge
	ReportEditErrors prometheus.Counter
}

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.CommentsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_comments_total",
			Help: "Comments seen by the controller, by result",
		},
		[]string{"result"},
	)

	m.PollErrorsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_poll_errors_total",
			Help: "Comment polls that failed",
		},
	)

	m.ControllerRestarts = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_controller_restarts_total",
			Help: "Times the supervisor restarted the controller",
		},
	)

	m.PublishTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_publish_total",
			Help: "Finished publish attempts, by outcome and failure kind",
		},
		[]string{"outcome", "kind"},
	)

	m.PublishDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_publish_duration_seconds",
			Help:    "Duration of publish attempts in seconds",
			Buckets: []float64{1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	m.PublishInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_publish_in_flight",
			Help: "Publish attempts dispatched and not yet finished",
		},
	)

	m.ReportEditErrors = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_report_edit_errors_total",
			Help: "Progress report edits that failed",
		},
	)

	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePublish records a finished publish attempt.
func (m *Metrics) ObservePublish(outcome, kind string, duration time.Duration) {
	m.PublishTotal.WithLabelValues(outcome, kind).Inc()
	m.PublishDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}
