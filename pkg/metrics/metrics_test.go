package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.FrameReceived("IotWhem")
		m.FrameDropped("unknown_model")
		m.FieldDropped()
		m.EnergyCorrected()
		m.NegativeDelta()
		m.UnanchoredDelta()
		m.FloodReclassified()
		m.Reconnect("silence")
		m.SetSessionState("live")
		m.SetSubscriptions(3)
		m.Pull(true)
		m.Stale(1)
		m.SinkPublished("mqtt")
		m.SinkError("kafka")
	})

	h := m.WrapHandler("x", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.FrameReceived("IotWhem")
	m.FrameReceived("IotWhem")
	m.FrameReceived("")
	m.Reconnect("proactive")
	m.Pull(false)

	assert.InDelta(t, 2, testutil.ToFloat64(m.framesReceived.WithLabelValues("IotWhem")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.framesReceived.WithLabelValues("none")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.reconnects.WithLabelValues("proactive")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.pulls.WithLabelValues("error")), 1e-9)
}

func TestSetSessionState_OneHot(t *testing.T) {
	m := New(nil)

	m.SetSessionState("live")

	for _, s := range SessionStates {
		want := 0.0
		if s == "live" {
			want = 1
		}
		assert.InDelta(t, want, testutil.ToFloat64(m.sessionState.WithLabelValues(s)), 1e-9, s)
	}
}

func TestHandler(t *testing.T) {
	m := New(nil)
	m.FieldDropped()

	h := m.WrapHandler("metrics", m.Handler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "panelsync_fields_dropped_total 1")
	assert.InDelta(t, 1, testutil.ToFloat64(m.httpRequests.WithLabelValues("metrics", "200")), 1e-9)
}
