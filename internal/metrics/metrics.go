// Package metrics holds the Prometheus collectors for session, message and
// permission activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	MessagesUpserted    *prometheus.CounterVec
	PhaseTransitions    *prometheus.CounterVec
	PermissionsResolved *prometheus.CounterVec
	PermissionsPending  prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentdesk",
			Name:      "messages_upserted_total",
			Help:      "Messages written to the log, by outcome (inserted or merged).",
		}, []string{"outcome"}),
		PhaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentdesk",
			Name:      "phase_transitions_total",
			Help:      "Accepted session phase transitions, by target phase.",
		}, []string{"to"}),
		PermissionsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentdesk",
			Name:      "permission_requests_resolved_total",
			Help:      "Resolved permission requests, by status and reason.",
		}, []string{"status", "reason"}),
		PermissionsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentdesk",
			Name:      "permission_requests_pending",
			Help:      "Permission requests awaiting a decision in this process.",
		}),
	}
	m.registry.MustRegister(
		m.MessagesUpserted,
		m.PhaseTransitions,
		m.PermissionsResolved,
		m.PermissionsPending,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) MessageUpserted(inserted bool) {
	if m == nil {
		return
	}
	outcome := "merged"
	if inserted {
		outcome = "inserted"
	}
	m.MessagesUpserted.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PhaseTransition(to string) {
	if m == nil {
		return
	}
	m.PhaseTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) PermissionSubmitted() {
	if m == nil {
		return
	}
	m.PermissionsPending.Inc()
}

// PermissionResolved counts a resolution. wasPending is false for requests
// resolved by policy at submit time, which never counted as pending.
func (m *Metrics) PermissionResolved(status, reason string, wasPending bool) {
	if m == nil {
		return
	}
	m.PermissionsResolved.WithLabelValues(status, reason).Inc()
	if wasPending {
		m.PermissionsPending.Dec()
	}
}
