package engine

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/germanamz/panelsync/pkg/sink/kafkasink"
	"github.com/germanamz/panelsync/pkg/sink/mqttsink"
)

// SinkFactory creates a Sink from the configuration, or returns nil when the
// sink is not configured.
type SinkFactory func(cfg Config, log *slog.Logger) (Sink, error)

var (
	factoryMu   sync.RWMutex
	factories   = map[string]SinkFactory{}
	defaultsReg sync.Once
)

func ensureDefaults() {
	defaultsReg.Do(func() {
		factories["mqtt"] = newMQTTSink
		factories["kafka"] = newKafkaSink
	})
}

// RegisterSink registers a sink factory under the given kind. It can be
// called before BuildSinks to add sinks beyond MQTT and Kafka.
func RegisterSink(kind string, factory SinkFactory) {
	ensureDefaults()

	factoryMu.Lock()
	defer factoryMu.Unlock()

	factories[kind] = factory
}

// BuildSinks creates every configured sink. On error, sinks already created
// are closed.
func BuildSinks(cfg Config, log *slog.Logger) ([]Sink, error) {
	ensureDefaults()

	factoryMu.RLock()
	kinds := make([]string, 0, len(factories))
	fs := make([]SinkFactory, 0, len(factories))
	for kind, f := range factories {
		kinds = append(kinds, kind)
		fs = append(fs, f)
	}
	factoryMu.RUnlock()

	var sinks []Sink
	for i, f := range fs {
		s, err := f(cfg, log)
		if err != nil {
			for _, built := range sinks {
				_ = built.Close()
			}
			return nil, fmt.Errorf("engine: sink %q: %w", kinds[i], err)
		}
		if s != nil {
			sinks = append(sinks, s)
		}
	}

	return sinks, nil
}

func newMQTTSink(cfg Config, log *slog.Logger) (Sink, error) {
	if cfg.MQTT.Broker == "" {
		return nil, nil
	}

	s, err := mqttsink.Connect(mqttsink.Options{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		QoS:         byte(cfg.MQTT.QoS),
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	return s, nil
}

func newKafkaSink(cfg Config, log *slog.Logger) (Sink, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, nil
	}

	opts := kafkasink.Options{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic, Logger: log}
	w, err := kafkasink.NewWriter(opts)
	if err != nil {
		return nil, err
	}

	return kafkasink.New(w, opts), nil
}
