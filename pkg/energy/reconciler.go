// Package energy turns a mixture of absolute counter snapshots (pull path) and
// period deltas (push path) into monotonic lifetime totals and
// midnight-anchored daily totals, one record per device and energy metric.
//
// The value exposed to consumers never decreases: it is the maximum of the
// internal total and the highest value ever exposed. The internal total itself
// may move down when an authoritative absolute reading corrects drift.
package energy

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/germanamz/panelsync/pkg/telemetry"
)

// DefaultRegressionTolerance is the amount (kWh) by which an absolute reading
// may sit below the accumulated total before it is treated as a correction
// rather than rounding noise. It is an approximation of the upstream
// counter's rounding and can be tuned through Options.
const DefaultRegressionTolerance = 0.001

var (
	// ErrNotEnergy is returned by Apply for samples of a non-energy metric.
	ErrNotEnergy = errors.New("energy: not an energy metric")
	// ErrNotFinite is returned by Apply for NaN or infinite values.
	ErrNotFinite = errors.New("energy: value is not finite")
)

// Key identifies one record.
type Key struct {
	DeviceID string
	Metric   telemetry.Metric
}

func (k Key) String() string { return k.DeviceID + "/" + string(k.Metric) }

// Reading is the externally visible result of one Apply call.
type Reading struct {
	Lifetime   float64 // exposed lifetime total, never decreasing
	Daily      float64 // Lifetime minus the current day's baseline, floored at 0
	Known      bool    // the record holds at least one accepted sample
	Corrected  bool    // an absolute reading moved the internal total down
	Rejected   bool    // a negative delta was dropped
	Unanchored bool    // a delta arrived before any absolute reading and was dropped
	Clamped    bool    // the internal total sits below the exposed value
}

// Options configures a Reconciler.
type Options struct {
	Tolerance float64        // regression tolerance; 0 uses DefaultRegressionTolerance
	Location  *time.Location // midnight boundary zone; nil uses time.Local
	Logger    *slog.Logger
}

type record struct {
	mu          sync.Mutex
	seen        bool
	lifetime    float64
	highWater   float64
	baseline    float64
	baselineDay string
	lastDeltaAt time.Time
}

// Reconciler owns every energy record. It is safe for concurrent use; updates
// to one record are serialized.
type Reconciler struct {
	tolerance float64
	loc       *time.Location
	log       *slog.Logger

	mu      sync.RWMutex
	records map[Key]*record

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// New creates a Reconciler.
func New(opts Options) *Reconciler {
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultRegressionTolerance
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Reconciler{
		tolerance: opts.Tolerance,
		loc:       opts.Location,
		log:       opts.Logger,
		records:   make(map[Key]*record),
		nowFunc:   time.Now,
	}
}

// SetNowFunc overrides the time source (for testing).
func (r *Reconciler) SetNowFunc(fn func() time.Time) { r.nowFunc = fn }

func (r *Reconciler) day(t time.Time) string {
	return t.In(r.loc).Format(time.DateOnly)
}

// record returns the record for k, creating it when create is set.
func (r *Reconciler) record(k Key, create bool) *record {
	r.mu.RLock()
	rec, ok := r.records[k]
	r.mu.RUnlock()
	if ok || !create {
		return rec
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok = r.records[k]; ok {
		return rec
	}
	rec = &record{}
	r.records[k] = rec

	return rec
}

// Apply reconciles one energy sample and returns the exposed values.
func (r *Reconciler) Apply(s telemetry.Sample) (Reading, error) {
	if !s.Metric.IsEnergy() {
		return Reading{}, fmt.Errorf("%w: %s", ErrNotEnergy, s.Metric)
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return Reading{}, fmt.Errorf("%w: %s %v", ErrNotFinite, s.Metric, s.Value)
	}

	at := s.At
	if at.IsZero() {
		at = r.nowFunc()
	}

	k := Key{DeviceID: s.DeviceID, Metric: s.Metric}
	isDelta := s.Kind == telemetry.Delta

	// Deltas never create a record: they only count on top of an absolute
	// anchor.
	rec := r.record(k, !isDelta)
	if rec == nil {
		return r.unanchored(k, s.Value), nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	day := r.day(at)
	var out Reading

	switch s.Kind {
	case telemetry.Delta:
		if !rec.seen {
			return r.unanchored(k, s.Value), nil
		}
		if s.Value < 0 {
			r.log.Debug("energy: rejected negative delta",
				slog.String("key", k.String()), slog.Float64("delta", s.Value))
			out = rec.reading(day)
			out.Rejected = true
			return out, nil
		}
		rec.lifetime += s.Value
		rec.lastDeltaAt = at
	default:
		if rec.seen && s.Value < rec.lifetime-r.tolerance {
			r.log.Debug("energy: authoritative lower reading",
				slog.String("key", k.String()),
				slog.Float64("accumulated", rec.lifetime),
				slog.Float64("absolute", s.Value))
			out.Corrected = true
		}
		rec.lifetime = s.Value
	}

	rec.seen = true
	exposed := max(rec.lifetime, rec.highWater)
	rec.highWater = exposed

	if rec.baselineDay != day {
		// First sample of the day, or no baseline at all: daily tracking
		// restarts from zero here.
		rec.baseline = exposed
		rec.baselineDay = day
	}

	read := rec.reading(day)
	read.Corrected = out.Corrected
	read.Clamped = rec.lifetime < exposed

	return read, nil
}

func (r *Reconciler) unanchored(k Key, v float64) Reading {
	if v < 0 {
		return Reading{Rejected: true}
	}
	r.log.Debug("energy: dropped delta without an absolute reading",
		slog.String("key", k.String()), slog.Float64("delta", v))
	return Reading{Unanchored: true}
}

// reading must be called with rec.mu held.
func (rec *record) reading(day string) Reading {
	if !rec.seen {
		return Reading{}
	}

	out := Reading{Lifetime: rec.highWater, Known: true}
	if rec.baselineDay == day {
		out.Daily = max(0, rec.highWater-rec.baseline)
	}

	return out
}

// Lifetime returns the exposed lifetime total for a device metric.
func (r *Reconciler) Lifetime(deviceID string, m telemetry.Metric) (float64, bool) {
	rec := r.record(Key{DeviceID: deviceID, Metric: m}, false)
	if rec == nil {
		return 0, false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	return rec.highWater, rec.seen
}

// Daily returns the exposed daily total for a device metric. A record whose
// baseline was taken on an earlier day reports zero until its next sample.
func (r *Reconciler) Daily(deviceID string, m telemetry.Metric) (float64, bool) {
	rec := r.record(Key{DeviceID: deviceID, Metric: m}, false)
	if rec == nil {
		return 0, false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	read := rec.reading(r.day(r.nowFunc()))

	return read.Daily, read.Known
}

// Internal returns the internal (unclamped) total. Diagnostics only.
func (r *Reconciler) Internal(deviceID string, m telemetry.Metric) (float64, bool) {
	rec := r.record(Key{DeviceID: deviceID, Metric: m}, false)
	if rec == nil {
		return 0, false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	return rec.lifetime, rec.seen
}

// RollDay snapshots every record's baseline to its current exposed value. The
// engine calls it at local midnight.
func (r *Reconciler) RollDay(now time.Time) int {
	day := r.day(now)

	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	n := 0
	for _, rec := range recs {
		rec.mu.Lock()
		if rec.seen {
			rec.baseline = rec.highWater
			rec.baselineDay = day
			n++
		}
		rec.mu.Unlock()
	}

	return n
}

// Retain discards records of devices not in ids.
func (r *Reconciler) Retain(ids []string) int {
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for k := range r.records {
		if _, ok := keep[k.DeviceID]; !ok {
			delete(r.records, k)
			removed++
		}
	}

	return removed
}

// Keys returns the keys of every record.
func (r *Reconciler) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]Key, 0, len(r.records))
	for k := range r.records {
		keys = append(keys, k)
	}

	return keys
}
