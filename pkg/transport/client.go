package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Auth holds the bearer credential supplied by the login collaborator.
type Auth struct {
	Token  string // Credential value.
	Header string // Header name (default: "Authorization").
	Scheme string // Scheme prefix (default: "Bearer" when Header is "Authorization").
}

// StatusError is returned for non-2xx REST responses.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration // parsed from Retry-After, zero when absent
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: unexpected status %d: %s", e.Code, e.Body)
}

// ParseRetryAfter parses the Retry-After header value as either seconds
// (integer) or an HTTP-date. Returns zero if unparseable or in the past.
func ParseRetryAfter(val string) time.Duration {
	if val == "" {
		return 0
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(val); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// DefaultReadLimit bounds a single push message. Full-state floods of a large
// panel are well above the websocket library's 32 KiB default.
const DefaultReadLimit = 4 << 20

// Client is the HTTP + websocket implementation of the transport interfaces.
type Client struct {
	BaseURL    string            // REST base URL (no trailing slash).
	SocketURL  string            // Push endpoint; derived from BaseURL + "/socket" when empty.
	Auth       Auth              // Credential applied to every request and the socket handshake.
	HTTPClient *http.Client      // HTTP client; falls back to a client with a 30s timeout.
	Headers    map[string]string // Extra headers applied to every request.
	ReadLimit  int64             // Max push message size; 0 uses DefaultReadLimit.

	clientOnce    sync.Once
	defaultClient *http.Client
}

var (
	_ Dialer     = (*Client)(nil)
	_ Puller     = (*Client)(nil)
	_ Controller = (*Client)(nil)
)

// New creates a Client. A nil client falls back to a default at call time.
func New(baseURL string, auth Auth, client *http.Client) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Auth:       auth,
		HTTPClient: client,
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}

	c.clientOnce.Do(func() {
		c.defaultClient = &http.Client{Timeout: 30 * time.Second}
	})

	return c.defaultClient
}

// applyHeaders sets auth and custom headers on h.
func (c *Client) applyHeaders(h http.Header) {
	if c.Auth.Token != "" {
		header := c.Auth.Header
		if header == "" {
			header = "Authorization"
		}

		value := c.Auth.Token
		if header == "Authorization" {
			scheme := c.Auth.Scheme
			if scheme == "" {
				scheme = "Bearer"
			}

			value = scheme + " " + value
		} else if c.Auth.Scheme != "" {
			value = c.Auth.Scheme + " " + value
		}

		h.Set(header, value)
	}

	for k, v := range c.Headers {
		h.Set(k, v)
	}
}

// NewRequest builds an *http.Request with the base URL, auth and custom
// headers already applied.
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}

	c.applyHeaders(req.Header)
	req.Header.Set("Accept", "application/json")

	return req, nil
}

// Do sends the request using the configured HTTP client.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient().Do(req) //nolint:gosec // URL is built from trusted BaseURL config, not user input.
}

// doJSON sends a request with an optional JSON body, checks for a 2xx status
// and decodes the response into dest when dest is non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, payload, dest any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := c.NewRequest(ctx, method, path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{
			Code:       resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	if dest == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

// GetJSON sends a GET to path and decodes the response into dest.
func (c *Client) GetJSON(ctx context.Context, path string, dest any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, dest)
}

// PutJSON sends payload as a JSON PUT to path. The response body is
// discarded when dest is nil.
func (c *Client) PutJSON(ctx context.Context, path string, payload, dest any) error {
	return c.doJSON(ctx, http.MethodPut, path, payload, dest)
}

// resourcePath returns the REST path of one device, e.g. /IotWhems/1000_1.
func resourcePath(model, id string) string {
	return "/" + model + "s/" + url.PathEscape(id)
}

// Pull fetches the full state of one device.
func (c *Client) Pull(ctx context.Context, model, id string) (Payload, error) {
	var p Payload
	if err := c.GetJSON(ctx, resourcePath(model, id), &p); err != nil {
		return nil, fmt.Errorf("transport: pull %s/%s: %w", model, id, err)
	}
	if p == nil {
		p = Payload{}
	}

	return p, nil
}

// streamingBody returns the control write that switches streaming for a hub
// model. Energy monitor hubs take a numeric bandwidth level; panels take a
// boolean flag.
func streamingBody(model string, on bool) (map[string]any, error) {
	switch model {
	case "IotWhem":
		level := 0
		if on {
			level = 1
		}
		return map[string]any{"bandwidth": level}, nil
	case "ResidentialBreakerPanel":
		return map[string]any{"bandwidthEnabled": on}, nil
	default:
		return nil, fmt.Errorf("transport: model %q has no streaming flag", model)
	}
}

// SetStreaming switches the streaming flag of a hub.
func (c *Client) SetStreaming(ctx context.Context, model, id string, on bool) error {
	body, err := streamingBody(model, on)
	if err != nil {
		return err
	}

	if err := c.PutJSON(ctx, resourcePath(model, id), body, nil); err != nil {
		return fmt.Errorf("transport: set streaming %s/%s: %w", model, id, err)
	}

	return nil
}

// socketURL converts the configured endpoint to a websocket URL: https
// becomes wss, http becomes ws. URLs that already use ws/wss are left
// unchanged.
func (c *Client) socketURL() string {
	u := c.SocketURL
	if u == "" {
		u = c.BaseURL + "/socket"
	}

	if strings.HasPrefix(u, "https://") {
		return "wss://" + u[len("https://"):]
	}
	if strings.HasPrefix(u, "http://") {
		return "ws://" + u[len("http://"):]
	}

	return u
}

// Open dials the push endpoint with auth and custom headers applied.
func (c *Client) Open(ctx context.Context) (Conn, error) {
	h := make(http.Header)
	c.applyHeaders(h)

	ws, resp, err := websocket.Dial(ctx, c.socketURL(), &websocket.DialOptions{
		HTTPClient: c.httpClient(),
		HTTPHeader: h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("transport: dial websocket: %w", err)
	}

	limit := c.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	ws.SetReadLimit(limit)

	return newWSConn(ws), nil
}
