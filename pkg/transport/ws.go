package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsConn adapts a websocket to Conn. A single reader goroutine owns the
// socket's read side and hands frames over a channel, so a receive timeout
// never cancels an in-flight read (which would close the socket).
type wsConn struct {
	ws     *websocket.Conn
	frames chan Frame
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	readErr error

	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	ctx, cancel := context.WithCancel(context.Background())

	c := &wsConn{
		ws:     ws,
		frames: make(chan Frame, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.readLoop(ctx)

	return c
}

func (c *wsConn) readLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.frames)

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		f, err := DecodeFrame(data, time.Now())
		if err != nil {
			// Undecodable payloads still prove the socket is alive.
			f = Frame{At: time.Now()}
		}

		select {
		case c.frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

// Send writes a subscription request.
func (c *wsConn) Send(ctx context.Context, t Topic) error {
	msg := subscribeMessage{
		Type:         "subscribe",
		Subscription: subscriptionTopic{ModelName: t.Model, ModelID: t.ID},
	}

	if err := wsjson.Write(ctx, c.ws, msg); err != nil {
		if c.isClosed() {
			return ErrClosed
		}
		return fmt.Errorf("transport: subscribe %s: %w", t, err)
	}

	return nil
}

// Receive waits up to timeout for the next frame.
func (c *wsConn) Receive(ctx context.Context, timeout time.Duration) (Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f, ok := <-c.frames:
		if !ok {
			return Frame{}, c.closedErr()
		}
		return f, nil
	case <-timer.C:
		return Frame{}, ErrTimeout
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Close tears the socket down without waiting for the close handshake and
// returns once the reader goroutine has exited. Teardown is best effort: a
// socket that already failed has nothing left to report.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.CloseNow()
		<-c.done
	})

	return nil
}

func (c *wsConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *wsConn) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readErr == nil {
		return ErrClosed
	}

	return fmt.Errorf("%w: %w", ErrClosed, c.readErr)
}
