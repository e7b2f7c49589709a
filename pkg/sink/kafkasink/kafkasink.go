// Package kafkasink streams energy readings to Kafka. Each reading is one
// message keyed by device id, so all readings of a device land on the same
// partition in commit order.
package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/germanamz/panelsync/pkg/devicestate"
	"github.com/germanamz/panelsync/pkg/telemetry"
)

// Writer is the part of kafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Options configures the sink.
type Options struct {
	Brokers []string
	Topic   string
	Logger  *slog.Logger
}

// Reading is the JSON body of one message.
type Reading struct {
	Device   string    `json:"device"`
	Metric   string    `json:"metric"`
	Lifetime float64   `json:"lifetime_kwh"`
	Daily    float64   `json:"daily_kwh"`
	At       time.Time `json:"at"`
}

// Sink publishes energy readings.
type Sink struct {
	writer Writer
	log    *slog.Logger
}

// NewWriter builds a synchronous hash-balanced writer for opts.
func NewWriter(opts Options) (*kafka.Writer, error) {
	if len(opts.Brokers) == 0 || opts.Topic == "" {
		return nil, errors.New("kafkasink: brokers and topic are required")
	}

	return &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        false,
	}, nil
}

// New creates a Sink over w.
func New(w Writer, opts Options) *Sink {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Sink{writer: w, log: opts.Logger}
}

// Name identifies the sink in logs and metrics.
func (s *Sink) Name() string { return "kafka" }

// Publish writes one message per energy metric touched by c. Changes without
// energy are skipped.
func (s *Sink) Publish(ctx context.Context, c devicestate.Change) error {
	readings := Readings(c)
	if len(readings) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(readings))
	for _, r := range readings {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("kafkasink: marshal %s: %w", r.Device, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(r.Device), Value: data, Time: r.At})
	}

	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafkasink: write %s: %w", c.DeviceID, err)
	}

	return nil
}

// Readings extracts the energy readings of an update.
func Readings(c devicestate.Change) []Reading {
	if c.Kind != devicestate.ChangeUpdated {
		return nil
	}

	var out []Reading
	for _, m := range c.Metrics {
		var daily telemetry.Metric
		switch {
		case m.IsEnergy():
			daily = m.Daily()
		case m == telemetry.TotalEnergy:
			daily = telemetry.TotalEnergyDaily
		default:
			continue
		}

		f, ok := c.Snapshot.Fields[m]
		if !ok || !f.Numeric {
			continue
		}
		d, _ := c.Snapshot.Number(daily)

		out = append(out, Reading{
			Device:   c.DeviceID,
			Metric:   string(m),
			Lifetime: f.Value,
			Daily:    d,
			At:       f.UpdatedAt,
		})
	}

	return out
}

// Close flushes and closes the writer.
func (s *Sink) Close() error {
	return s.writer.Close()
}
