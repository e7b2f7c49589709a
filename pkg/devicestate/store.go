// Package devicestate holds the last known good value of every field of every
// mirrored device. Writers are the subscription router and the polling
// fallback; readers are external consumers. Each write replaces a set of fields
// of one device atomically and is followed by a change notification.
package devicestate

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/germanamz/panelsync/pkg/telemetry"
)

// Field is the latest value of one metric.
type Field struct {
	Value     float64   `json:"value,omitempty"`
	Text      string    `json:"text,omitempty"`
	Numeric   bool      `json:"numeric"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FieldFromSample converts a sample into a stored field.
func FieldFromSample(s telemetry.Sample) Field {
	return Field{Value: s.Value, Text: s.Text, Numeric: s.Numeric, UpdatedAt: s.At}
}

// Number builds a numeric field.
func Number(v float64, at time.Time) Field {
	return Field{Value: v, Numeric: true, UpdatedAt: at}
}

// Fields maps metrics to their latest values.
type Fields map[telemetry.Metric]Field

// Snapshot is a consistent copy of one device's state.
type Snapshot struct {
	DeviceID  string    `json:"device_id"`
	Fields    Fields    `json:"fields"`
	Stale     bool      `json:"stale"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Number returns the numeric value of m.
func (s Snapshot) Number(m telemetry.Metric) (float64, bool) {
	f, ok := s.Fields[m]
	if !ok || !f.Numeric {
		return 0, false
	}
	return f.Value, true
}

// Values flattens the fields into metric name to number or text.
func (s Snapshot) Values() map[string]any {
	out := make(map[string]any, len(s.Fields))
	for m, f := range s.Fields {
		if f.Numeric {
			out[string(m)] = f.Value
		} else {
			out[string(m)] = f.Text
		}
	}
	return out
}

// ChangeKind says why a notification fired.
type ChangeKind string

const (
	ChangeUpdated ChangeKind = "updated"
	ChangeStale   ChangeKind = "stale"
	ChangeRemoved ChangeKind = "removed"
)

// Change describes one committed write.
type Change struct {
	Kind     ChangeKind
	DeviceID string
	Metrics  []telemetry.Metric // metrics written by this change, sorted
	Snapshot Snapshot           // state after the change
}

// NotifyFunc is called after every committed change, outside the store lock.
type NotifyFunc func(Change)

type device struct {
	fields    Fields
	stale     bool
	updatedAt time.Time
}

// Store is a thread-safe keyed snapshot. The zero value is ready to use.
type Store struct {
	mu      sync.RWMutex
	once    sync.Once
	signal  chan struct{}
	devices map[string]*device
	notify  NotifyFunc
}

// New creates a Store that calls notify after each change. notify may be nil.
func New(notify NotifyFunc) *Store {
	s := &Store{notify: notify}
	s.init()
	return s
}

// init ensures internal structures are allocated.
func (s *Store) init() {
	s.once.Do(func() {
		s.devices = make(map[string]*device)
		s.signal = make(chan struct{})
	})
}

// broadcast wakes goroutines blocked in Wait. Must be called with mu held.
func (s *Store) broadcast() {
	close(s.signal)
	s.signal = make(chan struct{})
}

// Apply writes fields for one device in a single step and clears its stale
// flag. An empty field set is a no-op.
func (s *Store) Apply(deviceID string, fields Fields, at time.Time) {
	if len(fields) == 0 {
		return
	}
	s.init()

	s.mu.Lock()
	d, ok := s.devices[deviceID]
	if !ok {
		d = &device{fields: make(Fields, len(fields))}
		s.devices[deviceID] = d
	}
	maps.Copy(d.fields, fields)
	d.stale = false
	if at.After(d.updatedAt) {
		d.updatedAt = at
	}
	snap := d.snapshot(deviceID)
	s.broadcast()
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeUpdated, DeviceID: deviceID, Metrics: sortedMetrics(fields), Snapshot: snap})
}

// Get returns a copy of the device's state.
func (s *Store) Get(deviceID string) (Snapshot, bool) {
	s.init()
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return Snapshot{}, false
	}

	return d.snapshot(deviceID), true
}

// IDs returns a sorted slice of all device ids with state.
func (s *Store) IDs() []string {
	s.init()
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// All returns a copy of every device's state, sorted by id.
func (s *Store) All() []Snapshot {
	s.init()
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Snapshot, 0, len(s.devices))
	for id, d := range s.devices {
		out = append(out, d.snapshot(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })

	return out
}

// Sweep flags every device whose last update is older than maxAge as stale.
// It returns the ids that flipped to stale during this call.
func (s *Store) Sweep(now time.Time, maxAge time.Duration) []string {
	s.init()

	var changes []Change
	s.mu.Lock()
	for id, d := range s.devices {
		if d.stale || now.Sub(d.updatedAt) <= maxAge {
			continue
		}
		d.stale = true
		changes = append(changes, Change{Kind: ChangeStale, DeviceID: id, Snapshot: d.snapshot(id)})
	}
	if len(changes) > 0 {
		s.broadcast()
	}
	s.mu.Unlock()

	sort.Slice(changes, func(i, j int) bool { return changes[i].DeviceID < changes[j].DeviceID })
	ids := make([]string, len(changes))
	for i, c := range changes {
		ids[i] = c.DeviceID
		s.emit(c)
	}

	return ids
}

// Retain removes every device not in ids.
func (s *Store) Retain(ids []string) []string {
	s.init()

	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}

	var removed []string
	s.mu.Lock()
	for id := range s.devices {
		if _, ok := keep[id]; !ok {
			delete(s.devices, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		s.broadcast()
	}
	s.mu.Unlock()

	sort.Strings(removed)
	for _, id := range removed {
		s.emit(Change{Kind: ChangeRemoved, DeviceID: id, Snapshot: Snapshot{DeviceID: id}})
	}

	return removed
}

// Wait blocks until deviceID has state or ctx is cancelled.
func (s *Store) Wait(ctx context.Context, deviceID string) (Snapshot, error) {
	s.init()

	for {
		s.mu.RLock()
		d, ok := s.devices[deviceID]
		var snap Snapshot
		if ok {
			snap = d.snapshot(deviceID)
		}
		sig := s.signal
		s.mu.RUnlock()

		if ok {
			return snap, nil
		}

		select {
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		case <-sig:
		}
	}
}

func (s *Store) emit(c Change) {
	if s.notify != nil {
		s.notify(c)
	}
}

// snapshot copies d. Must be called with the store lock held.
func (d *device) snapshot(id string) Snapshot {
	return Snapshot{
		DeviceID:  id,
		Fields:    maps.Clone(d.fields),
		Stale:     d.stale,
		UpdatedAt: d.updatedAt,
	}
}

func sortedMetrics(f Fields) []telemetry.Metric {
	out := make([]telemetry.Metric, 0, len(f))
	for m := range f {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
