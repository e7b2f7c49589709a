package devicestate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/germanamz/panelsync/pkg/telemetry"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func TestZeroValueStore(t *testing.T) {
	var s Store

	_, ok := s.Get("missing")
	assert.False(t, ok)
	assert.Empty(t, s.IDs())
}

func TestFieldFromSample(t *testing.T) {
	text := FieldFromSample(telemetry.Text("b1", telemetry.BreakerState, "ManualOFF", t0))
	assert.Equal(t, Field{Text: "ManualOFF", UpdatedAt: t0}, text)

	num := FieldFromSample(telemetry.Number("b1", telemetry.Power, 42, telemetry.Absolute, t0))
	assert.Equal(t, Number(42, t0), num)
}

func TestApplyAndGet(t *testing.T) {
	s := New(nil)

	s.Apply("b1", Fields{
		telemetry.Power:        Number(120, t0),
		telemetry.BreakerState: {Text: "ManualON", UpdatedAt: t0},
	}, t0)

	snap, ok := s.Get("b1")
	require.True(t, ok)
	assert.Equal(t, "b1", snap.DeviceID)
	assert.Equal(t, t0, snap.UpdatedAt)
	assert.False(t, snap.Stale)

	p, ok := snap.Number(telemetry.Power)
	require.True(t, ok)
	assert.InDelta(t, 120, p, 1e-9)
	assert.Equal(t, "ManualON", snap.Fields[telemetry.BreakerState].Text)

	_, ok = snap.Number(telemetry.BreakerState)
	assert.False(t, ok)
}

func TestApply_MergesFields(t *testing.T) {
	s := New(nil)

	s.Apply("b1", Fields{telemetry.Power: Number(1, t0)}, t0)
	s.Apply("b1", Fields{telemetry.Current: Number(2, t0.Add(time.Second))}, t0.Add(time.Second))

	snap, _ := s.Get("b1")
	assert.Len(t, snap.Fields, 2)
	assert.Equal(t, t0.Add(time.Second), snap.UpdatedAt)
}

func TestApply_EmptyIsNoop(t *testing.T) {
	calls := 0
	s := New(func(Change) { calls++ })

	s.Apply("b1", nil, t0)

	assert.Zero(t, calls)
	assert.Empty(t, s.IDs())
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := New(nil)
	s.Apply("b1", Fields{telemetry.Power: Number(1, t0)}, t0)

	snap, _ := s.Get("b1")
	snap.Fields[telemetry.Power] = Number(99, t0)

	again, _ := s.Get("b1")
	p, _ := again.Number(telemetry.Power)
	assert.InDelta(t, 1, p, 1e-9)
}

func TestNotify(t *testing.T) {
	var got []Change
	s := New(func(c Change) { got = append(got, c) })

	s.Apply("b1", Fields{telemetry.Power: Number(1, t0), telemetry.Current: Number(2, t0)}, t0)

	require.Len(t, got, 1)
	assert.Equal(t, ChangeUpdated, got[0].Kind)
	assert.Equal(t, []telemetry.Metric{telemetry.Current, telemetry.Power}, got[0].Metrics)
	assert.Len(t, got[0].Snapshot.Fields, 2)
}

func TestSweep(t *testing.T) {
	var kinds []ChangeKind
	s := New(func(c Change) { kinds = append(kinds, c.Kind) })

	s.Apply("old", Fields{telemetry.Power: Number(1, t0)}, t0)
	s.Apply("new", Fields{telemetry.Power: Number(1, t0)}, t0.Add(30*time.Minute))

	stale := s.Sweep(t0.Add(31*time.Minute), 20*time.Minute)
	assert.Equal(t, []string{"old"}, stale)

	snap, _ := s.Get("old")
	assert.True(t, snap.Stale)

	// Already stale devices do not flip again.
	assert.Empty(t, s.Sweep(t0.Add(32*time.Minute), 20*time.Minute))

	// A write clears the flag.
	s.Apply("old", Fields{telemetry.Power: Number(2, t0)}, t0.Add(33*time.Minute))
	snap, _ = s.Get("old")
	assert.False(t, snap.Stale)

	assert.Equal(t, []ChangeKind{ChangeUpdated, ChangeUpdated, ChangeStale, ChangeUpdated}, kinds)
}

func TestRetain(t *testing.T) {
	s := New(nil)
	s.Apply("a", Fields{telemetry.Power: Number(1, t0)}, t0)
	s.Apply("b", Fields{telemetry.Power: Number(1, t0)}, t0)
	s.Apply("c", Fields{telemetry.Power: Number(1, t0)}, t0)

	removed := s.Retain([]string{"b"})

	assert.Equal(t, []string{"a", "c"}, removed)
	assert.Equal(t, []string{"b"}, s.IDs())
}

func TestAll(t *testing.T) {
	s := New(nil)
	s.Apply("z", Fields{telemetry.Power: Number(1, t0)}, t0)
	s.Apply("a", Fields{telemetry.Power: Number(1, t0)}, t0)

	all := s.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].DeviceID)
	assert.Equal(t, "z", all[1].DeviceID)
}

func TestWait(t *testing.T) {
	s := New(nil)

	done := make(chan Snapshot, 1)
	go func() {
		snap, err := s.Wait(context.Background(), "b1")
		if err == nil {
			done <- snap
		}
	}()

	time.Sleep(10 * time.Millisecond)
	s.Apply("b1", Fields{telemetry.Power: Number(1, t0)}, t0)

	select {
	case snap := <-done:
		assert.Equal(t, "b1", snap.DeviceID)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return")
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	s := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Wait(ctx, "never")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// Concurrent readers must always observe both fields of a write together.
func TestApply_AtomicPerDevice(t *testing.T) {
	s := New(nil)
	s.Apply("b1", Fields{telemetry.Power: Number(0, t0), telemetry.Current: Number(0, t0)}, t0)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Go(func() {
		for i := 1; i <= 500; i++ {
			v := float64(i)
			s.Apply("b1", Fields{telemetry.Power: Number(v, t0), telemetry.Current: Number(v, t0)}, t0)
		}
		close(stop)
	})

	for range 4 {
		wg.Go(func() {
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap, _ := s.Get("b1")
				p, _ := snap.Number(telemetry.Power)
				c, _ := snap.Number(telemetry.Current)
				if p != c {
					t.Errorf("torn read: power=%v current=%v", p, c)
					return
				}
			}
		})
	}

	wg.Wait()
}

func TestSnapshotValues(t *testing.T) {
	snap := Snapshot{Fields: Fields{
		telemetry.Power:        Number(120, t0),
		telemetry.BreakerState: {Text: "ManualON", UpdatedAt: t0},
	}}

	assert.Equal(t, map[string]any{"power": 120.0, "breaker_state": "ManualON"}, snap.Values())
}
