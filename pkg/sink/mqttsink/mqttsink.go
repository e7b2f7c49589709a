// Package mqttsink mirrors device state to an MQTT broker. Each device has one
// retained topic, <prefix>/<device id>/state, holding its latest snapshot; a
// removed device has its retained message cleared.
package mqttsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/germanamz/panelsync/pkg/devicestate"
)

// DefaultTopicPrefix is used when Options.TopicPrefix is empty.
const DefaultTopicPrefix = "panelsync"

const connectTimeout = 10 * time.Second

// Client is the part of mqtt.Client the sink uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	Disconnect(quiesce uint)
}

// Options configures the sink.
type Options struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Logger      *slog.Logger
}

// Sink publishes device snapshots as retained MQTT messages.
type Sink struct {
	client Client
	prefix string
	qos    byte
	log    *slog.Logger
}

// message is the JSON body of a state topic.
type message struct {
	Device    string         `json:"device"`
	Stale     bool           `json:"stale"`
	UpdatedAt time.Time      `json:"updated_at"`
	Values    map[string]any `json:"values"`
}

// Connect dials the broker and returns a Sink using that connection.
func Connect(opts Options) (*Sink, error) {
	if opts.Broker == "" {
		return nil, errors.New("mqttsink: broker is required")
	}

	clientID := opts.ClientID
	if clientID == "" {
		clientID = "panelsync"
	}

	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(connectTimeout)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}

	client := mqtt.NewClient(co)
	tok := client.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqttsink: connect %s: timed out", opts.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqttsink: connect %s: %w", opts.Broker, err)
	}

	return New(client, opts), nil
}

// New creates a Sink over an existing client.
func New(client Client, opts Options) *Sink {
	prefix := strings.Trim(opts.TopicPrefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Sink{client: client, prefix: prefix, qos: opts.QoS, log: opts.Logger}
}

// Name identifies the sink in logs and metrics.
func (s *Sink) Name() string { return "mqtt" }

// Topic returns the state topic of a device.
func (s *Sink) Topic(deviceID string) string {
	return s.prefix + "/" + deviceID + "/state"
}

// Publish writes the device snapshot of c, or clears it when the device was
// removed.
func (s *Sink) Publish(ctx context.Context, c devicestate.Change) error {
	var payload []byte
	if c.Kind != devicestate.ChangeRemoved {
		var err error
		payload, err = json.Marshal(message{
			Device:    c.DeviceID,
			Stale:     c.Snapshot.Stale,
			UpdatedAt: c.Snapshot.UpdatedAt,
			Values:    c.Snapshot.Values(),
		})
		if err != nil {
			return fmt.Errorf("mqttsink: marshal %s: %w", c.DeviceID, err)
		}
	}

	tok := s.client.Publish(s.Topic(c.DeviceID), s.qos, true, payload)
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqttsink: publish %s: %w", c.DeviceID, ctx.Err())
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqttsink: publish %s: %w", c.DeviceID, err)
	}

	return nil
}

// Close disconnects from the broker.
func (s *Sink) Close() error {
	s.client.Disconnect(250)
	return nil
}
