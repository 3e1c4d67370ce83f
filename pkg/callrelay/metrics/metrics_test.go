package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallLifecycleMetrics(t *testing.T) {
	m := New("test")
	m.RecordCallStart()
	m.RecordCallStart()
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CallsActive))

	m.RecordCallEnd("far_end_closed", 3*time.Second)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CallsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CallsTotal.WithLabelValues("far_end_closed")))
}

func TestCountersAndHandler(t *testing.T) {
	m := New("")
	m.RecordAudio("inbound", 160)
	m.RecordAudio("inbound", 0)
	m.RecordBargeIn()
	m.RecordProviderEvent("session.updated")
	m.RecordAgentAudioDropped()
	m.RecordHandoff("delivered")
	m.RecordStatusCallback("completed")
	m.RecordCallPlaced("ok")

	assert.Equal(t, float64(160), testutil.ToFloat64(m.AudioBytes.WithLabelValues("inbound")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BargeInsTotal))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), "callrelay_barge_ins_total 1"))
}

func TestNilMetricsIsInert(t *testing.T) {
	var m *Metrics
	m.RecordCallStart()
	m.RecordCallEnd("x", time.Second)
	m.RecordAudio("outbound", 10)
	m.RecordProviderEvent("x")
	m.MonitorConnected()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
