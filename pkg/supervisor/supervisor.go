// Package supervisor keeps the push channel alive. It owns one session at a
// time: connect, subscribe, then run the session-scoped tasks (reader,
// proactive reconnect, silence watchdog, streaming keepalive) until something
// asks for a reconnect. A reconnect fully quiesces the old session before the
// new one is installed.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/germanamz/panelsync/pkg/catalog"
	"github.com/germanamz/panelsync/pkg/metrics"
	"github.com/germanamz/panelsync/pkg/router"
	"github.com/germanamz/panelsync/pkg/transport"
)

// ServerSessionLimit is the hard lifetime the cloud service enforces on a
// push session. Proactive reconnects must happen before it.
const ServerSessionLimit = 60 * time.Minute

// State is the lifecycle state of the supervisor.
type State int

const (
	Disconnected State = iota
	Connecting
	Subscribing
	Live
	Reconnecting
	Stopped
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribing:
		return "subscribing"
	case Live:
		return "live"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reconnect reasons.
const (
	ReasonProactive = "proactive"
	ReasonSilence   = "silence"
	ReasonTransport = "transport"
	ReasonCatalog   = "catalog"
)

// Timings holds every interval the supervisor uses.
type Timings struct {
	ProactiveReconnect time.Duration // must be shorter than ServerSessionLimit
	WatchdogPeriod     time.Duration
	SilenceThreshold   time.Duration
	KeepalivePeriod    time.Duration
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	DialTimeout        time.Duration
	SendTimeout        time.Duration
	ControlTimeout     time.Duration
}

// DefaultTimings returns the production defaults.
func DefaultTimings() Timings {
	return Timings{
		ProactiveReconnect: 55 * time.Minute,
		WatchdogPeriod:     30 * time.Second,
		SilenceThreshold:   90 * time.Second,
		KeepalivePeriod:    60 * time.Second,
		BackoffBase:        10 * time.Second,
		BackoffMax:         5 * time.Minute,
		DialTimeout:        30 * time.Second,
		SendTimeout:        10 * time.Second,
		ControlTimeout:     10 * time.Second,
	}
}

// Validate checks the timing invariants.
func (t Timings) Validate() error {
	if t.ProactiveReconnect <= 0 || t.ProactiveReconnect >= ServerSessionLimit {
		return fmt.Errorf("supervisor: proactive reconnect %s must be in (0, %s)", t.ProactiveReconnect, ServerSessionLimit)
	}
	if t.WatchdogPeriod <= 0 {
		return errors.New("supervisor: watchdog period must be positive")
	}
	if t.SilenceThreshold <= t.WatchdogPeriod {
		return fmt.Errorf("supervisor: silence threshold %s must exceed watchdog period %s", t.SilenceThreshold, t.WatchdogPeriod)
	}
	if t.KeepalivePeriod <= 0 {
		return errors.New("supervisor: keepalive period must be positive")
	}
	if t.BackoffBase <= 0 || t.BackoffMax < t.BackoffBase {
		return fmt.Errorf("supervisor: backoff base %s and cap %s are inconsistent", t.BackoffBase, t.BackoffMax)
	}
	return nil
}

func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	if t.DialTimeout <= 0 {
		t.DialTimeout = d.DialTimeout
	}
	if t.SendTimeout <= 0 {
		t.SendTimeout = d.SendTimeout
	}
	if t.ControlTimeout <= 0 {
		t.ControlTimeout = d.ControlTimeout
	}
	return t
}

// Router is the part of the subscription router the supervisor drives.
type Router interface {
	Topics() []transport.Topic
	Route(f transport.Frame) int
	Flags() *router.StreamingFlags
}

// Options configures a Supervisor.
type Options struct {
	Timings Timings
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State             State     `json:"-"`
	StateName         string    `json:"state"`
	SessionID         string    `json:"session_id,omitempty"`
	StartedAt         time.Time `json:"started_at,omitzero"`
	LastFrame         time.Time `json:"last_frame,omitzero"`
	NextProactive     time.Time `json:"next_proactive,omitzero"`
	Topics            int       `json:"topics"`
	Reconnects        int       `json:"reconnects"`
	DisconnectedSince time.Time `json:"disconnected_since,omitzero"`
}

type session struct {
	id            string
	conn          transport.Conn
	startedAt     time.Time
	nextProactive time.Time
	topics        []transport.Topic
	lastFrame     atomic.Int64 // unix nanoseconds

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *session) touch(t time.Time) { s.lastFrame.Store(t.UnixNano()) }

func (s *session) last() time.Time { return time.Unix(0, s.lastFrame.Load()) }

// Supervisor owns the push session lifecycle.
type Supervisor struct {
	dialer  transport.Dialer
	control transport.Controller
	router  Router
	catalog *catalog.Holder
	timings Timings
	log     *slog.Logger
	metrics *metrics.Metrics

	// reconnectMu is held for the whole reconnect procedure. Triggers use
	// TryLock so a trigger during a reconnect is dropped, not queued.
	reconnectMu sync.Mutex
	trigger     chan string

	mu             sync.Mutex
	state          State
	sess           *session
	reconnects     int
	disconnectedAt time.Time
	lastTopics     []transport.Topic
	failing        bool

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
	// sleepFunc is used for testing; defaults to a context-aware sleep.
	sleepFunc func(ctx context.Context, d time.Duration) error
	// randFunc returns a random float64 in [0,1); used for jitter.
	randFunc func() float64
}

// New creates a Supervisor. control may be nil, in which case streaming flags
// are never written.
func New(dialer transport.Dialer, control transport.Controller, r Router, cat *catalog.Holder, opts Options) (*Supervisor, error) {
	if err := opts.Timings.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Supervisor{
		dialer:    dialer,
		control:   control,
		router:    r,
		catalog:   cat,
		timings:   opts.Timings.withDefaults(),
		log:       opts.Logger,
		metrics:   opts.Metrics,
		trigger:   make(chan string, 1),
		nowFunc:   time.Now,
		sleepFunc: contextSleep,
		randFunc:  rand.Float64,
	}, nil
}

// SetNowFunc overrides the time source (for testing).
func (s *Supervisor) SetNowFunc(fn func() time.Time) { s.nowFunc = fn }

// SetSleepFunc overrides the backoff sleep (for testing).
func (s *Supervisor) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	s.sleepFunc = fn
}

// SetRandFunc overrides the jitter source (for testing).
func (s *Supervisor) SetRandFunc(fn func() float64) { s.randFunc = fn }

// Run connects and keeps the push channel alive until ctx is cancelled.
// Connection failures are retried forever; Run only returns on shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.disconnectedAt = s.nowFunc()
	s.mu.Unlock()

	s.reconnectMu.Lock()
	err := s.establish(ctx)
	s.reconnectMu.Unlock()

	for err == nil {
		s.resubscribeIfStale()

		select {
		case <-ctx.Done():
			err = ctx.Err()
		case reason := <-s.trigger:
			err = s.reconnect(ctx, reason)
		}
	}

	s.shutdown()

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// RequestReconnect asks for the current session to be replaced. It reports
// whether the request was accepted; requests while no session is live or a
// reconnect is already running are dropped.
func (s *Supervisor) RequestReconnect(reason string) bool {
	if !s.reconnectMu.TryLock() {
		s.log.Debug("supervisor: reconnect already in progress", "reason", reason)
		return false
	}
	defer s.reconnectMu.Unlock()

	if s.State() != Live {
		return false
	}

	select {
	case s.trigger <- reason:
		return true
	default:
		return false
	}
}

// resubscribeIfStale requests a catalog reconnect when the catalog changed
// while a reconnect was running, so the live session never keeps an outdated
// subscription set.
func (s *Supervisor) resubscribeIfStale() {
	s.mu.Lock()
	var subscribed []transport.Topic
	if s.sess != nil {
		subscribed = s.sess.topics
	}
	s.mu.Unlock()

	if subscribed == nil || slices.Equal(subscribed, s.router.Topics()) {
		return
	}
	s.RequestReconnect(ReasonCatalog)
}

func (s *Supervisor) reconnect(ctx context.Context, reason string) error {
	s.reconnectMu.Lock()
	defer s.reconnectMu.Unlock()

	switch reason {
	case ReasonSilence, ReasonTransport:
		s.log.Warn("supervisor: push channel lost, reconnecting", "reason", reason)
		s.failing = true
	default:
		s.log.Info("supervisor: reconnecting push channel", "reason", reason)
	}

	s.metrics.Reconnect(reason)
	s.setState(Reconnecting)
	s.teardown()

	// Triggers raised by the old session's tasks before they stopped are
	// stale now.
	select {
	case <-s.trigger:
	default:
	}

	s.mu.Lock()
	s.reconnects++
	s.mu.Unlock()

	return s.establish(ctx)
}

// establish connects and subscribes, retrying with backoff until a session is
// live or ctx ends.
func (s *Supervisor) establish(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.connect(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.setState(Disconnected)
		delay := s.backoff(attempt)

		if !s.failing {
			s.failing = true
			s.log.Warn("supervisor: push connection failed, retrying", "error", err, "retry_in", delay)
		} else {
			s.log.Debug("supervisor: push connection retry failed", "error", err, "attempt", attempt+1, "retry_in", delay)
		}

		if err := s.sleepFunc(ctx, delay); err != nil {
			return err
		}
	}
}

// connect opens one session, subscribes using the current catalog and starts
// the session-scoped tasks.
func (s *Supervisor) connect(ctx context.Context) error {
	s.setState(Connecting)

	dialCtx, cancel := context.WithTimeout(ctx, s.timings.DialTimeout)
	conn, err := s.dialer.Open(dialCtx)
	cancel()
	if err != nil {
		return err
	}

	s.setState(Subscribing)

	topics := s.router.Topics()
	for _, t := range topics {
		sendCtx, cancel := context.WithTimeout(ctx, s.timings.SendTimeout)
		err := conn.Send(sendCtx, t)
		cancel()
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("supervisor: subscribe %s: %w", t, err)
		}
	}

	now := s.nowFunc()
	sessCtx, sessCancel := context.WithCancel(ctx)
	sess := &session{
		id:            uuid.NewString(),
		conn:          conn,
		startedAt:     now,
		nextProactive: now.Add(s.timings.ProactiveReconnect),
		topics:        topics,
		cancel:        sessCancel,
	}
	sess.touch(now)

	s.mu.Lock()
	if diff := router.DiffTopics(s.lastTopics, topics); diff != "" && s.lastTopics != nil {
		s.log.Debug("supervisor: subscription set changed", "diff", diff)
	}
	s.lastTopics = topics
	s.sess = sess
	s.state = Live
	s.disconnectedAt = time.Time{}
	recovered := s.failing
	s.failing = false
	s.mu.Unlock()

	s.metrics.SetSessionState(Live.String())
	s.metrics.SetSubscriptions(len(topics))

	if recovered {
		s.log.Info("supervisor: push channel recovered", "session", sess.id, "topics", len(topics))
	} else {
		s.log.Info("supervisor: push session live", "session", sess.id, "topics", len(topics))
	}

	sess.wg.Go(func() { s.readLoop(sessCtx, sess) })
	sess.wg.Go(func() { s.proactiveLoop(sessCtx) })
	sess.wg.Go(func() { s.watchdogLoop(sessCtx, sess) })
	sess.wg.Go(func() { s.keepaliveLoop(sessCtx) })

	return nil
}

// teardown cancels the current session, closes its connection and waits until
// every session task has exited.
func (s *Supervisor) teardown() {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	if s.disconnectedAt.IsZero() {
		s.disconnectedAt = s.nowFunc()
	}
	s.mu.Unlock()

	if sess == nil {
		return
	}

	sess.cancel()
	_ = sess.conn.Close()
	sess.wg.Wait()

	s.metrics.SetSubscriptions(0)
}

func (s *Supervisor) shutdown() {
	s.teardown()

	ctx, cancel := context.WithTimeout(context.Background(), s.timings.ControlTimeout)
	defer cancel()
	s.disableStreaming(ctx)

	s.setState(Stopped)
	s.log.Info("supervisor: stopped")
}

func (s *Supervisor) readLoop(ctx context.Context, sess *session) {
	for {
		f, err := sess.conn.Receive(ctx, s.timings.WatchdogPeriod)
		switch {
		case err == nil:
			sess.touch(s.nowFunc())
			s.router.Route(f)
		case errors.Is(err, transport.ErrTimeout):
		case ctx.Err() != nil:
			return
		default:
			s.log.Debug("supervisor: receive failed", "session", sess.id, "error", err)
			s.insist(ctx, ReasonTransport)
			return
		}
	}
}

func (s *Supervisor) proactiveLoop(ctx context.Context) {
	t := time.NewTimer(s.timings.ProactiveReconnect)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
		s.insist(ctx, ReasonProactive)
	}
}

// insist repeats a reconnect request until one is accepted or the session
// ends. A request can be refused while the session is still being installed.
func (s *Supervisor) insist(ctx context.Context, reason string) {
	t := time.NewTicker(s.timings.WatchdogPeriod)
	defer t.Stop()

	for !s.RequestReconnect(reason) {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Supervisor) watchdogLoop(ctx context.Context, sess *session) {
	t := time.NewTicker(s.timings.WatchdogPeriod)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			silent := s.nowFunc().Sub(sess.last())
			if silent > s.timings.SilenceThreshold {
				s.log.Debug("supervisor: push channel silent", "session", sess.id, "silent_for", silent)
				if s.RequestReconnect(ReasonSilence) {
					return
				}
			}
		}
	}
}

func (s *Supervisor) keepaliveLoop(ctx context.Context) {
	s.enableHubGen1(ctx)
	s.toggleHubGen2(ctx)

	t := time.NewTicker(s.timings.KeepalivePeriod)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.toggleHubGen2(ctx)
		}
	}
}

// toggleHubGen2 switches streaming off then on for every hub-gen-2 hub, which
// makes the hub push fresh energy data.
func (s *Supervisor) toggleHubGen2(ctx context.Context) {
	if s.control == nil {
		return
	}

	flags := s.router.Flags()
	for _, hub := range s.catalog.Load().Hubs() {
		if hub.Family != catalog.FamilyHubGen2 || ctx.Err() != nil {
			continue
		}

		if err := s.setStreaming(ctx, hub, false); err != nil {
			s.log.Debug("supervisor: keepalive toggle failed", "hub", hub.ID, "error", err)
			continue
		}
		flags.Set(hub.ID, false)

		if err := s.setStreaming(ctx, hub, true); err != nil {
			s.log.Debug("supervisor: keepalive toggle failed", "hub", hub.ID, "error", err)
			continue
		}
		flags.Set(hub.ID, true)
	}
}

// enableHubGen1 turns streaming on once per session for hub-gen-1 panels.
func (s *Supervisor) enableHubGen1(ctx context.Context) {
	if s.control == nil {
		return
	}

	flags := s.router.Flags()
	for _, hub := range s.catalog.Load().Hubs() {
		if hub.Family != catalog.FamilyHubGen1 || ctx.Err() != nil {
			continue
		}

		if err := s.setStreaming(ctx, hub, true); err != nil {
			s.log.Debug("supervisor: enable streaming failed", "hub", hub.ID, "error", err)
			continue
		}
		flags.Set(hub.ID, true)
	}
}

// disableStreaming switches streaming off on every hub. Best effort.
func (s *Supervisor) disableStreaming(ctx context.Context) {
	if s.control == nil {
		return
	}

	flags := s.router.Flags()
	for _, hub := range s.catalog.Load().Hubs() {
		if err := s.setStreaming(ctx, hub, false); err != nil {
			s.log.Debug("supervisor: disable streaming failed", "hub", hub.ID, "error", err)
		}
		flags.Set(hub.ID, false)
	}
}

func (s *Supervisor) setStreaming(ctx context.Context, hub catalog.Entry, on bool) error {
	cctx, cancel := context.WithTimeout(ctx, s.timings.ControlTimeout)
	defer cancel()

	return s.control.SetStreaming(cctx, hub.Family.Model(), hub.ID, on)
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()

	s.metrics.SetSessionState(st.String())
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:             s.state,
		StateName:         s.state.String(),
		Reconnects:        s.reconnects,
		DisconnectedSince: s.disconnectedAt,
	}
	if s.sess != nil {
		st.SessionID = s.sess.id
		st.StartedAt = s.sess.startedAt
		st.LastFrame = s.sess.last()
		st.NextProactive = s.sess.nextProactive
		st.Topics = len(s.sess.topics)
	}

	return st
}

// DisconnectedFor returns how long no session has been live as of now. It is
// zero while a session is live and before Run is called.
func (s *Supervisor) DisconnectedFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess != nil || s.disconnectedAt.IsZero() {
		return 0
	}

	return now.Sub(s.disconnectedAt)
}
