package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records viewer activity.
type Collector interface {
	RecordConnectAttempt(kind string, success bool)
	RecordTransportFailure(kind, class string)
	RecordNegotiatorState(state string)
	RecordPhase(phase string)
	RecordSettlement(status string)
	RecordEvent(eventType string)
}

// NoOp is a no-op implementation for when metrics aren't needed
type NoOp struct{}

func (NoOp) RecordConnectAttempt(kind string, success bool) {}
func (NoOp) RecordTransportFailure(kind, class string)      {}
func (NoOp) RecordNegotiatorState(state string)             {}
func (NoOp) RecordPhase(phase string)                       {}
func (NoOp) RecordSettlement(status string)                 {}
func (NoOp) RecordEvent(eventType string)                   {}

var negotiatorStates = []string{"idle", "fetching", "connecting", "attached", "degraded"}

// Metrics implements Collector with Prometheus collectors on a private registry.
type Metrics struct {
	registry          *prometheus.Registry
	connectAttempts   *prometheus.CounterVec
	transportFailures *prometheus.CounterVec
	negotiatorState   *prometheus.GaugeVec
	phaseChanges      *prometheus.CounterVec
	settlements       *prometheus.CounterVec
	events            *prometheus.CounterVec
}

// New creates and registers the viewer metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viewer_connect_attempts_total",
			Help: "Transport connect attempts by kind and result",
		}, []string{"kind", "result"}),
		transportFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viewer_transport_failures_total",
			Help: "Failures reported by attached transports",
		}, []string{"kind", "class"}),
		negotiatorState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "viewer_negotiator_state",
			Help: "1 for the negotiator's current state, 0 otherwise",
		}, []string{"state"}),
		phaseChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viewer_round_phase_changes_total",
			Help: "Round phase transitions applied",
		}, []string{"phase"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viewer_settlements_announced_total",
			Help: "Settlement announcements shown by status",
		}, []string{"status"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viewer_push_events_total",
			Help: "Push events received by type",
		}, []string{"type"}),
	}

	registry.MustRegister(
		m.connectAttempts,
		m.transportFailures,
		m.negotiatorState,
		m.phaseChanges,
		m.settlements,
		m.events,
	)
	return m
}

func (m *Metrics) RecordConnectAttempt(kind string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.connectAttempts.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) RecordTransportFailure(kind, class string) {
	m.transportFailures.WithLabelValues(kind, class).Inc()
}

func (m *Metrics) RecordNegotiatorState(state string) {
	for _, s := range negotiatorStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.negotiatorState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) RecordPhase(phase string) {
	m.phaseChanges.WithLabelValues(phase).Inc()
}

func (m *Metrics) RecordSettlement(status string) {
	m.settlements.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordEvent(eventType string) {
	m.events.WithLabelValues(eventType).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
