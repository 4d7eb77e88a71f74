package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.MessageUpserted(true)
	m.PhaseTransition("idle")
	m.PermissionSubmitted()
	m.PermissionResolved("granted", "policy", false)
}

func TestCounters(t *testing.T) {
	m := New()
	m.MessageUpserted(true)
	m.MessageUpserted(false)
	m.MessageUpserted(false)
	m.PermissionSubmitted()
	m.PermissionResolved("timed_out", "timeout", true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesUpserted.WithLabelValues("inserted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesUpserted.WithLabelValues("merged")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PermissionsPending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PermissionsResolved.WithLabelValues("timed_out", "timeout")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.PhaseTransition("running_agent")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agentdesk_phase_transitions_total")
}
