// Package aggregate computes hub-level totals. A hub whose clamps reported
// recently is summed over its clamps, otherwise over its child breakers.
package aggregate

import (
	"log/slog"
	"sync"
	"time"

	"github.com/germanamz/panelsync/pkg/catalog"
	"github.com/germanamz/panelsync/pkg/devicestate"
	"github.com/germanamz/panelsync/pkg/telemetry"
)

// DefaultClampWindow is how recently a clamp must have reported for the hub
// totals to be taken from clamps.
const DefaultClampWindow = 15 * time.Minute

// Source names where the totals came from.
type Source string

const (
	SourceClamps   Source = "clamps"
	SourceBreakers Source = "breakers"
)

// EnergyReader exposes reconciled energy totals.
type EnergyReader interface {
	Lifetime(deviceID string, m telemetry.Metric) (float64, bool)
	Daily(deviceID string, m telemetry.Metric) (float64, bool)
}

// Totals are the computed sums of one hub.
type Totals struct {
	Power   float64
	Current float64
	Energy  float64
	Daily   float64
	Source  Source
}

// Options configures an Aggregator.
type Options struct {
	ClampWindow time.Duration
	Logger      *slog.Logger
}

// Aggregator writes hub totals into the device state store.
type Aggregator struct {
	store   *devicestate.Store
	energy  EnergyReader
	catalog *catalog.Holder
	window  time.Duration
	log     *slog.Logger

	mu        sync.Mutex
	highWater map[string]highWater
}

type highWater struct {
	source Source
	energy float64
}

// New creates an Aggregator.
func New(store *devicestate.Store, energy EnergyReader, cat *catalog.Holder, opts Options) *Aggregator {
	if opts.ClampWindow <= 0 {
		opts.ClampWindow = DefaultClampWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Aggregator{
		store:     store,
		energy:    energy,
		catalog:   cat,
		window:    opts.ClampWindow,
		log:       opts.Logger,
		highWater: make(map[string]highWater),
	}
}

// Compute returns the totals of hubID as of at without writing them. ok is
// false when the hub has no clamps or breakers with data.
func (a *Aggregator) Compute(hubID string, at time.Time) (Totals, bool) {
	cat := a.catalog.Load()

	if clamps := cat.Clamps(hubID); a.clampsFresh(clamps, at) {
		return a.sum(clamps, SourceClamps)
	}

	return a.sum(cat.Breakers(hubID), SourceBreakers)
}

// Refresh recomputes the totals of hubID and writes them to the store. The
// total energy never decreases while the source stays the same.
func (a *Aggregator) Refresh(hubID string, at time.Time) (Totals, bool) {
	entry, ok := a.catalog.Load().Lookup(hubID)
	if !ok || !entry.Family.IsHub() {
		return Totals{}, false
	}

	t, ok := a.Compute(hubID, at)
	if !ok {
		return Totals{}, false
	}

	a.mu.Lock()
	hw := a.highWater[hubID]
	if hw.source == t.Source && t.Energy < hw.energy {
		t.Energy = hw.energy
	} else if hw.source != t.Source && hw.source != "" {
		a.log.Debug("aggregate: source changed", "hub", hubID, "from", hw.source, "to", t.Source)
	}
	a.highWater[hubID] = highWater{source: t.Source, energy: t.Energy}
	a.mu.Unlock()

	a.store.Apply(hubID, devicestate.Fields{
		telemetry.TotalPower:       devicestate.Number(t.Power, at),
		telemetry.TotalCurrent:     devicestate.Number(t.Current, at),
		telemetry.TotalEnergy:      devicestate.Number(t.Energy, at),
		telemetry.TotalEnergyDaily: devicestate.Number(t.Daily, at),
		telemetry.AggregateSource:  {Text: string(t.Source), UpdatedAt: at},
	}, at)

	return t, true
}

// Retain forgets hubs not in ids.
func (a *Aggregator) Retain(ids []string) {
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for id := range a.highWater {
		if _, ok := keep[id]; !ok {
			delete(a.highWater, id)
		}
	}
}

func (a *Aggregator) clampsFresh(clamps []catalog.Entry, at time.Time) bool {
	for _, c := range clamps {
		snap, ok := a.store.Get(c.ID)
		if ok && at.Sub(snap.UpdatedAt) <= a.window {
			return true
		}
	}
	return false
}

// sum adds up both legs or both poles of every device. Current of a two-pole
// breaker is counted once since both poles carry the same series current.
func (a *Aggregator) sum(devices []catalog.Entry, src Source) (Totals, bool) {
	t := Totals{Source: src}
	found := false

	for _, d := range devices {
		snap, ok := a.store.Get(d.ID)
		if ok {
			found = true
			t.Power += value(snap, telemetry.Power) + value(snap, telemetry.Power2)
			t.Current += value(snap, telemetry.Current)
			if src == SourceClamps {
				t.Current += value(snap, telemetry.Current2)
			}
		}

		for _, m := range []telemetry.Metric{telemetry.Energy, telemetry.Energy2} {
			if lt, ok := a.energy.Lifetime(d.ID, m); ok {
				found = true
				t.Energy += lt
			}
			if daily, ok := a.energy.Daily(d.ID, m); ok {
				t.Daily += daily
			}
		}
	}

	return t, found
}

func value(s devicestate.Snapshot, m telemetry.Metric) float64 {
	v, _ := s.Number(m)
	return v
}
