// Package transport talks to the cloud service. The push side is a websocket
// that carries subscriptions out and notifications in; the pull side is a
// REST API that returns full device state and accepts control writes.
//
// The rest of the engine depends only on the [Dialer], [Conn], [Puller] and
// [Controller] interfaces; [Client] implements all of them.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrTimeout is returned by Conn.Receive when no frame arrived in time.
	ErrTimeout = errors.New("transport: receive timeout")
	// ErrClosed is returned once the connection is gone.
	ErrClosed = errors.New("transport: connection closed")
)

// Topic is one push subscription, e.g. IotWhem/1000_1A2B.
type Topic struct {
	Model string
	ID    string
}

func (t Topic) String() string { return t.Model + "/" + t.ID }

// Payload is a decoded JSON object as delivered by either channel.
type Payload map[string]any

// Frame is one inbound push message. Frames that are not device
// notifications (acks, pings) carry an empty Model.
type Frame struct {
	Model string
	ID    string
	Data  Payload
	At    time.Time
}

// Conn is one open push connection.
type Conn interface {
	// Send subscribes to a topic.
	Send(ctx context.Context, t Topic) error
	// Receive returns the next frame, ErrTimeout when none arrived within
	// timeout, or ErrClosed when the connection is gone.
	Receive(ctx context.Context, timeout time.Duration) (Frame, error)
	// Close tears the connection down. It is safe to call more than once.
	Close() error
}

// Dialer opens push connections.
type Dialer interface {
	Open(ctx context.Context) (Conn, error)
}

// Puller fetches the authoritative state of one device.
type Puller interface {
	Pull(ctx context.Context, model, id string) (Payload, error)
}

// Controller writes the streaming flag of a hub.
type Controller interface {
	SetStreaming(ctx context.Context, model, id string, on bool) error
}

// envelope is the wire shape of a push notification.
type envelope struct {
	Notification *struct {
		ModelName string          `json:"modelName"`
		ModelID   json.RawMessage `json:"modelId"`
		Data      Payload         `json:"data"`
	} `json:"notification"`
}

// subscribeMessage is the wire shape of a subscription request.
type subscribeMessage struct {
	Type         string            `json:"type"`
	Subscription subscriptionTopic `json:"subscription"`
}

type subscriptionTopic struct {
	ModelName string `json:"modelName"`
	ModelID   string `json:"modelId"`
}

// DecodeFrame parses one push message.
func DecodeFrame(data []byte, at time.Time) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("transport: decode frame: %w", err)
	}

	f := Frame{At: at}
	if env.Notification == nil {
		return f, nil
	}

	f.Model = env.Notification.ModelName
	f.ID = rawID(env.Notification.ModelID)
	f.Data = env.Notification.Data
	if f.Data == nil {
		f.Data = Payload{}
	}

	return f, nil
}

// rawID accepts both string and numeric ids.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}

	return ""
}

// ID returns the payload's "id" field as a string.
func (p Payload) ID() string {
	switch v := p["id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// Children returns the nested objects under key, e.g. "ResidentialBreaker".
// Elements that are not objects are skipped.
func (p Payload) Children(key string) []Payload {
	arr, ok := p[key].([]any)
	if !ok {
		return nil
	}

	out := make([]Payload, 0, len(arr))
	for _, el := range arr {
		if m, ok := el.(map[string]any); ok {
			out = append(out, Payload(m))
		}
	}

	return out
}
