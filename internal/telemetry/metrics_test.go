package telemetry_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggydv12/overlay/internal/telemetry"
)

func TestCounters(t *testing.T) {
	m := telemetry.New()
	m.Sent("JOIN")
	m.Sent("JOIN")
	m.Received("NEW_PEER")
	m.Duplicate()
	m.Drop("malformed")
	m.Evicted(2)
	m.SetTableSize(5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesSent.WithLabelValues("JOIN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("NEW_PEER")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Duplicates))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dropped.WithLabelValues("malformed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Evictions))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.RoutingTableSize))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *telemetry.Metrics
	assert.NotPanics(t, func() {
		m.Sent("X")
		m.Received("X")
		m.Duplicate()
		m.Ack()
		m.SetPending(1)
	})
	assert.NotNil(t, m.Handler())
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := telemetry.New(), telemetry.New()
	a.Duplicate()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Duplicates))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := telemetry.New()
	m.Sent("PING")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `overlay_messages_sent_total{type="PING"} 1`)
}
