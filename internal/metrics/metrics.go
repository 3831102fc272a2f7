// Package metrics provides Prometheus instrumentation for the risk engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"RiskEngine/internal/domain"
)

const namespace = "riskengine"

// Metrics owns a private registry so several engines can coexist in tests.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runs             *prometheus.CounterVec
	detections       *prometheus.CounterVec
	packageDownloads *prometheus.CounterVec
	breakerChanges   *prometheus.CounterVec
	activityState    prometheus.Gauge
	riskLevel        prometheus.Gauge
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Risk runs by outcome.",
			},
			[]string{"outcome"},
		),
		detections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "detections_total",
				Help:      "Platform detection calls by result.",
			},
			[]string{"result"},
		),
		packageDownloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "package_downloads_total",
				Help:      "Package downloads by kind and result.",
			},
			[]string{"kind", "result"},
		),
		breakerChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "download_breaker_state_changes_total",
				Help:      "Distribution circuit breaker transitions by target state.",
			},
			[]string{"to"},
		),
		activityState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "activity_state",
			Help:      "Current engine activity state (0 idle, 1 riskRequested, 2 onlyDownloadsRequested, 3 downloading, 4 detecting).",
		}),
		riskLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "risk_level",
			Help:      "Combined risk level of the cached result (0 unknown, 1 low, 2 high).",
		}),
	}

	m.registry.MustRegister(
		m.runs,
		m.detections,
		m.packageDownloads,
		m.breakerChanges,
		m.activityState,
		m.riskLevel,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunFinished counts a finished risk run.
func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

// DetectionFinished counts a platform detection call.
func (m *Metrics) DetectionFinished(result string) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(result).Inc()
}

// PackageDownloaded counts a single package fetch.
func (m *Metrics) PackageDownloaded(kind domain.PackageKind, result string) {
	if m == nil {
		return
	}
	m.packageDownloads.WithLabelValues(string(kind), result).Inc()
}

// BreakerStateChanged counts a breaker transition.
func (m *Metrics) BreakerStateChanged(to string) {
	if m == nil {
		return
	}
	m.breakerChanges.WithLabelValues(to).Inc()
}

// SetActivityState records the engine's current state.
func (m *Metrics) SetActivityState(state domain.ActivityState) {
	if m == nil {
		return
	}
	m.activityState.Set(float64(state))
}

// SetRiskLevel records the cached combined level.
func (m *Metrics) SetRiskLevel(level domain.RiskLevel) {
	if m == nil {
		return
	}
	m.riskLevel.Set(float64(level))
}
