package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/germanamz/panelsync/pkg/devicestate"
	"github.com/germanamz/panelsync/pkg/telemetry"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func update(metrics ...telemetry.Metric) devicestate.Change {
	return devicestate.Change{
		Kind:     devicestate.ChangeUpdated,
		DeviceID: "wb1",
		Metrics:  metrics,
		Snapshot: devicestate.Snapshot{
			DeviceID: "wb1",
			Fields: devicestate.Fields{
				telemetry.Power:                devicestate.Number(240, t0),
				telemetry.Energy:               devicestate.Number(1008, t0),
				telemetry.Energy.Daily():       devicestate.Number(8, t0),
				telemetry.TotalEnergy:          devicestate.Number(5000, t0),
				telemetry.TotalEnergyDaily:     devicestate.Number(12, t0),
				telemetry.EnergyImport:         devicestate.Number(3, t0),
				telemetry.EnergyImport.Daily(): devicestate.Number(1, t0),
			},
		},
	}
}

func TestReadings(t *testing.T) {
	got := Readings(update(telemetry.Energy, telemetry.Energy.Daily(), telemetry.Power, telemetry.TotalEnergy))

	assert.Equal(t, []Reading{
		{Device: "wb1", Metric: "energy", Lifetime: 1008, Daily: 8, At: t0},
		{Device: "wb1", Metric: "total_energy", Lifetime: 5000, Daily: 12, At: t0},
	}, got)

	assert.Empty(t, Readings(update(telemetry.Power)))

	stale := update(telemetry.Energy)
	stale.Kind = devicestate.ChangeStale
	assert.Empty(t, Readings(stale))
}

func TestPublishKeysByDevice(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, Options{})

	require.NoError(t, s.Publish(context.Background(), update(telemetry.Energy, telemetry.EnergyImport)))

	require.Len(t, w.msgs, 2)
	for _, m := range w.msgs {
		assert.Equal(t, "wb1", string(m.Key))
		assert.Equal(t, t0, m.Time)
	}

	var r Reading
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &r))
	assert.Equal(t, "energy_import", r.Metric)
	assert.Equal(t, 3.0, r.Lifetime)
	assert.Equal(t, 1.0, r.Daily)
}

func TestPublishSkipsChangesWithoutEnergy(t *testing.T) {
	w := &fakeWriter{err: errors.New("must not be called")}
	s := New(w, Options{})

	assert.NoError(t, s.Publish(context.Background(), update(telemetry.Power)))
}

func TestPublishError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	s := New(w, Options{})

	err := s.Publish(context.Background(), update(telemetry.Energy))
	assert.ErrorContains(t, err, "leader not available")
}

func TestNewWriter(t *testing.T) {
	_, err := NewWriter(Options{Topic: "energy"})
	assert.Error(t, err)

	w, err := NewWriter(Options{Brokers: []string{"localhost:9092"}, Topic: "panelsync.energy"})
	require.NoError(t, err)
	assert.Equal(t, "panelsync.energy", w.Topic)
	assert.IsType(t, &kafka.Hash{}, w.Balancer)
}

func TestClose(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, Options{})

	require.NoError(t, s.Close())
	assert.True(t, w.closed)
	assert.Equal(t, "kafka", s.Name())
}
