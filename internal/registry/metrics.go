package registry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records registry activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	entries         *prometheus.GaugeVec
	apps            prometheus.Gauge
	passes          *prometheus.CounterVec
	passDuration    prometheus.Histogram
	forwarded       *prometheus.CounterVec
	forwardDuration *prometheus.HistogramVec
	sweptApps       prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Metrics{
		entries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flutter_mcp_registry_entries",
				Help: "Current number of dynamic registry entries",
			},
			[]string{"kind"},
		),
		apps: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "flutter_mcp_registry_apps",
				Help: "Current number of applications known to the registry",
			},
		),
		passes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flutter_mcp_registration_passes_total",
				Help: "Registration passes by trigger and outcome",
			},
			[]string{"trigger", "outcome"},
		),
		passDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flutter_mcp_registration_pass_duration_seconds",
				Help:    "Duration of completed registration passes in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		forwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flutter_mcp_forwarded_requests_total",
				Help: "Forwarded tool calls and resource reads by outcome",
			},
			[]string{"kind", "outcome"},
		),
		forwardDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flutter_mcp_forwarded_request_duration_seconds",
				Help:    "Round-trip time of forwarded requests in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind"},
		),
		sweptApps: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "flutter_mcp_registry_swept_apps_total",
				Help: "Applications removed by the stale sweep",
			},
		),
	}
}

func (m *Metrics) ObserveStats(stats Stats) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues("tool").Set(float64(stats.Tools))
	m.entries.WithLabelValues("resource").Set(float64(stats.Resources))
	m.apps.Set(float64(stats.Apps))
}

func (m *Metrics) ObservePass(trigger, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(trigger, outcome).Inc()
	if outcome == outcomeSuccess {
		m.passDuration.Observe(duration.Seconds())
	}
}

func (m *Metrics) ObserveForward(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.forwarded.WithLabelValues(kind, outcome).Inc()
	m.forwardDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *Metrics) ObserveSweep(removed int) {
	if m == nil || removed == 0 {
		return
	}
	m.sweptApps.Add(float64(removed))
}

const (
	outcomeSuccess  = "success"
	outcomeError    = "error"
	outcomeNotFound = "not_found"
	outcomeSkipped  = "skipped"
	outcomeNoAppID  = "missing_app_id"
)
