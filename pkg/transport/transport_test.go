package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame_Notification(t *testing.T) {
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	raw := `{"notification":{"modelName":"IotWhem","modelId":"1000_AB","data":{"rmsVoltageA":121.5,"IotCt":[{"id":7,"activePower":300}]}}}`

	f, err := DecodeFrame([]byte(raw), at)
	require.NoError(t, err)

	assert.Equal(t, "IotWhem", f.Model)
	assert.Equal(t, "1000_AB", f.ID)
	assert.Equal(t, at, f.At)
	assert.InDelta(t, 121.5, f.Data["rmsVoltageA"], 1e-9)

	cts := f.Data.Children("IotCt")
	require.Len(t, cts, 1)
	assert.Equal(t, "7", cts[0].ID())
}

func TestDecodeFrame_NumericModelID(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"notification":{"modelName":"IotCt","modelId":42,"data":{}}}`), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "42", f.ID)
}

func TestDecodeFrame_NonNotification(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"status","status":"ready"}`), time.Now())
	require.NoError(t, err)
	assert.Empty(t, f.Model)
}

func TestDecodeFrame_Invalid(t *testing.T) {
	_, err := DecodeFrame([]byte(`{nope`), time.Now())
	assert.Error(t, err)
}

func TestPayloadChildren_SkipsNonObjects(t *testing.T) {
	p := Payload{"ResidentialBreaker": []any{map[string]any{"id": "b1"}, "junk", 3.0}}
	kids := p.Children("ResidentialBreaker")
	require.Len(t, kids, 1)
	assert.Equal(t, "b1", kids[0].ID())
	assert.Nil(t, p.Children("IotCt"))
}

func TestPull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/IotWhems/1000_AB", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1000_AB","version":"2.0.13","rmsVoltageA":120.1}`))
	}))
	defer srv.Close()

	c := New(srv.URL, Auth{Token: "tok"}, srv.Client())
	p, err := c.Pull(context.Background(), "IotWhem", "1000_AB")
	require.NoError(t, err)

	assert.Equal(t, "1000_AB", p.ID())
	assert.Equal(t, "2.0.13", p["version"])
}

func TestPull_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	c := New(srv.URL, Auth{}, srv.Client())
	_, err := c.Pull(context.Background(), "ResidentialBreaker", "b1")

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.Code)
	assert.Equal(t, "slow down", se.Body)
	assert.Equal(t, 7*time.Second, se.RetryAfter)
}

func TestSetStreaming(t *testing.T) {
	var bodies []map[string]any
	var paths []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		b, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(b, &m)
		bodies = append(bodies, m)
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, Auth{Token: "tok"}, srv.Client())
	ctx := context.Background()

	require.NoError(t, c.SetStreaming(ctx, "IotWhem", "w1", true))
	require.NoError(t, c.SetStreaming(ctx, "IotWhem", "w1", false))
	require.NoError(t, c.SetStreaming(ctx, "ResidentialBreakerPanel", "p1", true))

	assert.Equal(t, []string{"/IotWhems/w1", "/IotWhems/w1", "/ResidentialBreakerPanels/p1"}, paths)
	assert.InDelta(t, 1, bodies[0]["bandwidth"], 1e-9)
	assert.InDelta(t, 0, bodies[1]["bandwidth"], 1e-9)
	assert.Equal(t, true, bodies[2]["bandwidthEnabled"])
}

func TestSetStreaming_UnsupportedModel(t *testing.T) {
	c := New("http://unused", Auth{}, nil)
	err := c.SetStreaming(context.Background(), "ResidentialBreaker", "b1", true)
	assert.ErrorContains(t, err, "no streaming flag")
}

func TestNewRequest_CustomHeader(t *testing.T) {
	c := New("https://api.example.com/", Auth{Token: "k", Header: "X-Token"}, nil)
	c.Headers = map[string]string{"X-Client": "panelsync"}

	req, err := c.NewRequest(context.Background(), http.MethodGet, "/x", nil)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/x", req.URL.String())
	assert.Equal(t, "k", req.Header.Get("X-Token"))
	assert.Empty(t, req.Header.Get("Authorization"))
	assert.Equal(t, "panelsync", req.Header.Get("X-Client"))
}

func TestSocketURL(t *testing.T) {
	assert.Equal(t, "wss://api.example.com/socket", New("https://api.example.com", Auth{}, nil).socketURL())

	c := New("http://localhost:8080", Auth{}, nil)
	c.SocketURL = "http://localhost:9090/ws"
	assert.Equal(t, "ws://localhost:9090/ws", c.socketURL())
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, ParseRetryAfter("3"))
	assert.Zero(t, ParseRetryAfter(""))
	assert.Zero(t, ParseRetryAfter("garbage"))
}

// wsServer subscribes-then-notifies: for every subscription it echoes one
// notification for the same topic.
func wsServer(t *testing.T, gotAuth chan<- string) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotAuth != nil {
			gotAuth <- r.Header.Get("Authorization")
		}

		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = ws.CloseNow() }()

		ctx := r.Context()
		for {
			var msg subscribeMessage
			if err := wsjson.Read(ctx, ws, &msg); err != nil {
				return
			}
			if msg.Subscription.ModelID == "hangup" {
				_ = ws.Close(websocket.StatusNormalClosure, "bye")
				return
			}

			note := map[string]any{"notification": map[string]any{
				"modelName": msg.Subscription.ModelName,
				"modelId":   msg.Subscription.ModelID,
				"data":      map[string]any{"power": 42},
			}}
			if err := wsjson.Write(ctx, ws, note); err != nil {
				return
			}
		}
	}))
}

func TestOpen_SubscribeAndReceive(t *testing.T) {
	auth := make(chan string, 1)
	srv := wsServer(t, auth)
	defer srv.Close()

	c := New(srv.URL, Auth{Token: "tok"}, nil)
	c.SocketURL = srv.URL

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := c.Open(ctx)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	assert.Equal(t, "Bearer tok", <-auth)

	require.NoError(t, conn.Send(ctx, Topic{Model: "ResidentialBreaker", ID: "b1"}))

	f, err := conn.Receive(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ResidentialBreaker", f.Model)
	assert.Equal(t, "b1", f.ID)
	assert.InDelta(t, 42, f.Data["power"], 1e-9)
}

func TestReceive_TimeoutKeepsConnectionUsable(t *testing.T) {
	srv := wsServer(t, nil)
	defer srv.Close()

	c := New(srv.URL, Auth{}, nil)
	c.SocketURL = srv.URL

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := c.Open(ctx)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.Receive(ctx, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, conn.Send(ctx, Topic{Model: "IotWhem", ID: "w1"}))
	f, err := conn.Receive(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "w1", f.ID)
}

func TestReceive_ServerHangupIsClosed(t *testing.T) {
	srv := wsServer(t, nil)
	defer srv.Close()

	c := New(srv.URL, Auth{}, nil)
	c.SocketURL = srv.URL

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := c.Open(ctx)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.Send(ctx, Topic{Model: "IotWhem", ID: "hangup"}))

	_, err = conn.Receive(ctx, 2*time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClose_Idempotent(t *testing.T) {
	srv := wsServer(t, nil)
	defer srv.Close()

	c := New(srv.URL, Auth{}, nil)
	c.SocketURL = srv.URL

	conn, err := c.Open(context.Background())
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	_, err = conn.Receive(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}
