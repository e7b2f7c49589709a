package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/germanamz/panelsync/pkg/aggregate"
	"github.com/germanamz/panelsync/pkg/catalog"
	"github.com/germanamz/panelsync/pkg/devicestate"
	"github.com/germanamz/panelsync/pkg/metrics"
	"github.com/germanamz/panelsync/pkg/supervisor"
	"github.com/germanamz/panelsync/pkg/telemetry"
)

type fakeReader struct {
	cat    *catalog.Catalog
	states map[string]devicestate.Snapshot
	energy map[string]float64
	status supervisor.Status
}

func (f *fakeReader) Catalog() *catalog.Catalog { return f.cat }

func (f *fakeReader) States() []devicestate.Snapshot {
	out := make([]devicestate.Snapshot, 0, len(f.states))
	for _, s := range f.states {
		out = append(out, s)
	}
	return out
}

func (f *fakeReader) State(id string) (devicestate.Snapshot, bool) {
	s, ok := f.states[id]
	return s, ok
}

func (f *fakeReader) LifetimeEnergy(id string, m telemetry.Metric) (float64, bool) {
	v, ok := f.energy[id+"/"+string(m)]
	return v, ok
}

func (f *fakeReader) DailyEnergy(id string, m telemetry.Metric) (float64, bool) {
	v, ok := f.energy[id+"/"+string(m)+"/daily"]
	return v, ok
}

func (f *fakeReader) Totals(hubID string) (aggregate.Totals, bool) {
	if hubID != "whem" {
		return aggregate.Totals{}, false
	}
	return aggregate.Totals{Power: 1500, Current: 12.5, Energy: 40, Daily: 3, Source: aggregate.SourceClamps}, true
}

func (f *fakeReader) Session() supervisor.Status { return f.status }

func newReader(t *testing.T) *fakeReader {
	t.Helper()

	cat, err := catalog.New(
		catalog.Entry{ID: "whem", Family: catalog.FamilyHubGen2, Firmware: "2.0.13"},
		catalog.Entry{ID: "wb1", Name: "Kitchen", Family: catalog.FamilyBreaker, Hub: "whem"},
	)
	require.NoError(t, err)

	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	return &fakeReader{
		cat: cat,
		states: map[string]devicestate.Snapshot{
			"wb1": {
				DeviceID:  "wb1",
				UpdatedAt: at,
				Fields: devicestate.Fields{
					telemetry.Power:        devicestate.Number(240, at),
					telemetry.BreakerState: {Text: "ManualON", UpdatedAt: at},
				},
			},
		},
		energy: map[string]float64{
			"wb1/energy":       108,
			"wb1/energy/daily": 8,
		},
		status: supervisor.Status{State: supervisor.Live, StateName: "live", Topics: 2},
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	r := newReader(t)
	h := New(r, Options{}).Handler()

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Health{Status: "ok", State: "live"}, decode[Health](t, rec))

	r.status = supervisor.Status{State: supervisor.Reconnecting, StateName: "reconnecting"}
	rec = get(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode[Health](t, rec).Status)
}

func TestSession(t *testing.T) {
	h := New(newReader(t), Options{}).Handler()

	rec := get(t, h, "/v1/session")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "live", body["state"])
	assert.InDelta(t, 2, body["topics"], 0)
}

func TestDevices(t *testing.T) {
	h := New(newReader(t), Options{}).Handler()

	rec := get(t, h, "/v1/devices")
	require.Equal(t, http.StatusOK, rec.Code)

	devices := decode[[]Device](t, rec)
	require.Len(t, devices, 2)
	assert.Equal(t, "whem", devices[0].ID)
	assert.Nil(t, devices[0].Values)
	assert.Equal(t, "Kitchen", devices[1].Name)
	assert.Equal(t, "ManualON", devices[1].Values["breaker_state"])
}

func TestDevice(t *testing.T) {
	h := New(newReader(t), Options{}).Handler()

	rec := get(t, h, "/v1/devices/wb1")
	require.Equal(t, http.StatusOK, rec.Code)
	d := decode[Device](t, rec)
	assert.Equal(t, "breaker", d.Family)
	assert.InDelta(t, 240, d.Values["power"], 0)

	rec = get(t, h, "/v1/devices/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnergy(t *testing.T) {
	h := New(newReader(t), Options{}).Handler()

	rec := get(t, h, "/v1/devices/wb1/energy/energy")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Energy{ID: "wb1", Metric: "energy", Lifetime: 108, Daily: 8}, decode[Energy](t, rec))

	rec = get(t, h, "/v1/devices/wb1/energy/power")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, h, "/v1/devices/wb1/energy/energy_2")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTotals(t *testing.T) {
	h := New(newReader(t), Options{}).Handler()

	rec := get(t, h, "/v1/hubs/whem/totals")
	require.Equal(t, http.StatusOK, rec.Code)
	tot := decode[HubTotals](t, rec)
	assert.InDelta(t, 1500, tot.Power, 0)
	assert.Equal(t, "clamps", tot.Source)

	rec = get(t, h, "/v1/hubs/wb1/totals")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	h := New(newReader(t), Options{}).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/devices", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsAndAccessLog(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	var access bytes.Buffer
	h := New(newReader(t), Options{Metrics: m, AccessLog: &access}).Handler()

	require.Equal(t, http.StatusOK, get(t, h, "/v1/devices").Code)

	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `route="/v1/devices"`)
	assert.Contains(t, access.String(), "GET /v1/devices")
}
