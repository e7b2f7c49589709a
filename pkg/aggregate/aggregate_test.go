package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/germanamz/panelsync/pkg/catalog"
	"github.com/germanamz/panelsync/pkg/devicestate"
	"github.com/germanamz/panelsync/pkg/telemetry"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeEnergy map[string]float64

func (f fakeEnergy) Lifetime(id string, m telemetry.Metric) (float64, bool) {
	v, ok := f[id+"/"+string(m)]
	return v, ok
}

func (f fakeEnergy) Daily(id string, m telemetry.Metric) (float64, bool) {
	v, ok := f[id+"/"+string(m)+"/daily"]
	return v, ok
}

func setup(t *testing.T) (*Aggregator, *devicestate.Store, fakeEnergy) {
	t.Helper()

	cat, err := catalog.New(
		catalog.Entry{ID: "hub", Family: catalog.FamilyHubGen2},
		catalog.Entry{ID: "b1", Family: catalog.FamilyBreaker, Hub: "hub", Position: 1},
		catalog.Entry{ID: "b2", Family: catalog.FamilyBreaker, Hub: "hub", Position: 3, Poles: 2},
		catalog.Entry{ID: "ct", Family: catalog.FamilyClamp, Hub: "hub"},
	)
	require.NoError(t, err)

	store := devicestate.New(nil)
	energy := fakeEnergy{}
	return New(store, energy, catalog.NewHolder(cat), Options{}), store, energy
}

func TestRefresh_BreakersWhenNoClampData(t *testing.T) {
	a, store, energy := setup(t)

	store.Apply("b1", devicestate.Fields{
		telemetry.Power:   devicestate.Number(100, t0),
		telemetry.Current: devicestate.Number(1, t0),
	}, t0)
	store.Apply("b2", devicestate.Fields{
		telemetry.Power:    devicestate.Number(200, t0),
		telemetry.Power2:   devicestate.Number(210, t0),
		telemetry.Current:  devicestate.Number(2, t0),
		telemetry.Current2: devicestate.Number(2, t0),
	}, t0)
	energy["b1/energy"] = 10
	energy["b2/energy"] = 20
	energy["b2/energy_2"] = 21
	energy["b1/energy/daily"] = 1

	got, ok := a.Refresh("hub", t0)
	require.True(t, ok)

	assert.Equal(t, SourceBreakers, got.Source)
	assert.InDelta(t, 510, got.Power, 1e-9)
	assert.InDelta(t, 3, got.Current, 1e-9)
	assert.InDelta(t, 51, got.Energy, 1e-9)
	assert.InDelta(t, 1, got.Daily, 1e-9)

	snap, ok := store.Get("hub")
	require.True(t, ok)
	assert.Equal(t, "breakers", snap.Fields[telemetry.AggregateSource].Text)
	p, _ := snap.Number(telemetry.TotalPower)
	assert.InDelta(t, 510, p, 1e-9)
}

func TestRefresh_ClampsWhenRecent(t *testing.T) {
	a, store, energy := setup(t)

	store.Apply("b1", devicestate.Fields{telemetry.Power: devicestate.Number(100, t0)}, t0)
	store.Apply("ct", devicestate.Fields{
		telemetry.Power:    devicestate.Number(300, t0),
		telemetry.Power2:   devicestate.Number(400, t0),
		telemetry.Current:  devicestate.Number(3, t0),
		telemetry.Current2: devicestate.Number(4, t0),
	}, t0)
	energy["ct/energy"] = 5
	energy["ct/energy_2"] = 6

	got, ok := a.Refresh("hub", t0.Add(10*time.Minute))
	require.True(t, ok)

	assert.Equal(t, SourceClamps, got.Source)
	assert.InDelta(t, 700, got.Power, 1e-9)
	assert.InDelta(t, 7, got.Current, 1e-9)
	assert.InDelta(t, 11, got.Energy, 1e-9)
}

func TestRefresh_StaleClampsFallBackToBreakers(t *testing.T) {
	a, store, _ := setup(t)

	store.Apply("ct", devicestate.Fields{telemetry.Power: devicestate.Number(300, t0)}, t0)
	store.Apply("b1", devicestate.Fields{telemetry.Power: devicestate.Number(100, t0)}, t0.Add(20*time.Minute))

	got, ok := a.Refresh("hub", t0.Add(20*time.Minute))
	require.True(t, ok)
	assert.Equal(t, SourceBreakers, got.Source)
	assert.InDelta(t, 100, got.Power, 1e-9)
}

func TestRefresh_TotalEnergyHeldWithinSource(t *testing.T) {
	a, store, energy := setup(t)

	store.Apply("b1", devicestate.Fields{telemetry.Power: devicestate.Number(1, t0)}, t0)
	energy["b1/energy"] = 10
	_, ok := a.Refresh("hub", t0)
	require.True(t, ok)

	energy["b1/energy"] = 9.999
	got, _ := a.Refresh("hub", t0)
	assert.InDelta(t, 10, got.Energy, 1e-9)
}

func TestRefresh_NotAHub(t *testing.T) {
	a, _, _ := setup(t)

	_, ok := a.Refresh("b1", t0)
	assert.False(t, ok)

	_, ok = a.Refresh("missing", t0)
	assert.False(t, ok)
}

func TestRefresh_NoData(t *testing.T) {
	a, store, _ := setup(t)

	_, ok := a.Refresh("hub", t0)
	assert.False(t, ok)

	_, ok = store.Get("hub")
	assert.False(t, ok)
}
