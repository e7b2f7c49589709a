// Package poller pulls the authoritative state of every catalog entry on a
// fixed interval, and once per push outage. Pulled energy values are absolute
// readings, so each cycle also corrects any drift in pushed deltas.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/germanamz/panelsync/pkg/catalog"
	"github.com/germanamz/panelsync/pkg/metrics"
	"github.com/germanamz/panelsync/pkg/transport"
)

// Defaults.
const (
	DefaultInterval    = 10 * time.Minute
	DefaultCheckPeriod = 30 * time.Second
	DefaultPullTimeout = 30 * time.Second
	DefaultRetryDelay  = 5 * time.Second
)

// Applier consumes pulled payloads.
type Applier interface {
	ApplyPull(e catalog.Entry, p transport.Payload, at time.Time) int
}

// Outage reports how long the push channel has been down.
type Outage interface {
	DisconnectedFor(now time.Time) time.Duration
}

// Options configures a Poller. Zero durations use the defaults.
type Options struct {
	Interval    time.Duration
	CheckPeriod time.Duration
	PullTimeout time.Duration
	RetryDelay  time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics

	// OnCycle runs after every completed cycle.
	OnCycle func(Result)
}

// Result summarises one poll cycle.
type Result struct {
	Reason   string
	Pulled   int
	Failed   int
	Written  int
	Duration time.Duration
}

// Poller runs the pull loop.
type Poller struct {
	puller  transport.Puller
	catalog *catalog.Holder
	applier Applier
	outage  Outage
	opts    Options
	log     *slog.Logger

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
	// sleepFunc is used for testing; defaults to a context-aware sleep.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// New creates a Poller. outage may be nil, which disables outage polls.
func New(puller transport.Puller, cat *catalog.Holder, applier Applier, outage Outage, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.CheckPeriod <= 0 {
		opts.CheckPeriod = DefaultCheckPeriod
	}
	if opts.PullTimeout <= 0 {
		opts.PullTimeout = DefaultPullTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Poller{
		puller:    puller,
		catalog:   cat,
		applier:   applier,
		outage:    outage,
		opts:      opts,
		log:       opts.Logger,
		nowFunc:   time.Now,
		sleepFunc: contextSleep,
	}
}

// SetNowFunc overrides the time source (for testing).
func (p *Poller) SetNowFunc(fn func() time.Time) { p.nowFunc = fn }

// SetSleepFunc overrides the retry sleep (for testing).
func (p *Poller) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	p.sleepFunc = fn
}

// Run polls once immediately, then on every interval and once per outage
// episode, until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.PollAll(ctx, "startup")
	last := p.nowFunc()
	inOutage := false

	t := time.NewTicker(p.opts.CheckPeriod)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}

		now := p.nowFunc()

		var down time.Duration
		if p.outage != nil {
			down = p.outage.DisconnectedFor(now)
		}
		if down == 0 {
			inOutage = false
		}

		switch {
		case now.Sub(last) >= p.opts.Interval:
			p.PollAll(ctx, "interval")
			last = p.nowFunc()
		case down > p.opts.Interval && !inOutage:
			p.log.Info("poller: push channel down, polling now", "down_for", down)
			inOutage = true
			p.PollAll(ctx, "outage")
			last = p.nowFunc()
		}
	}
}

// PollAll pulls every catalog entry once.
func (p *Poller) PollAll(ctx context.Context, reason string) Result {
	start := p.nowFunc()
	res := Result{Reason: reason}

	for _, e := range p.catalog.Load().Entries() {
		if ctx.Err() != nil {
			break
		}

		payload, err := p.pull(ctx, e)
		p.opts.Metrics.Pull(err == nil)
		if err != nil {
			if ctx.Err() == nil {
				p.log.Debug("poller: pull failed", "id", e.ID, "model", e.Family.Model(), "error", err)
			}
			res.Failed++
			continue
		}

		// A result that arrives after shutdown is dropped.
		if ctx.Err() != nil {
			break
		}

		res.Pulled++
		res.Written += p.applier.ApplyPull(e, payload, p.nowFunc())
	}

	res.Duration = p.nowFunc().Sub(start)
	p.opts.Metrics.PollDuration(res.Duration)

	switch {
	case res.Failed > 0 && res.Pulled == 0:
		p.log.Warn("poller: every pull failed", "reason", reason, "failed", res.Failed)
	default:
		p.log.Debug("poller: cycle done", "reason", reason,
			"pulled", res.Pulled, "failed", res.Failed, "written", res.Written, "duration", res.Duration)
	}

	if p.opts.OnCycle != nil && ctx.Err() == nil {
		p.opts.OnCycle(res)
	}

	return res
}

// pull fetches one entry with a timeout and a single delayed retry. A
// Retry-After hint longer than the retry delay is honoured up to the poll
// interval.
func (p *Poller) pull(ctx context.Context, e catalog.Entry) (transport.Payload, error) {
	payload, err := p.pullOnce(ctx, e)
	if err == nil || ctx.Err() != nil {
		return payload, err
	}

	delay := p.opts.RetryDelay
	var se *transport.StatusError
	if errors.As(err, &se) && se.RetryAfter > delay {
		delay = min(se.RetryAfter, p.opts.Interval)
	}

	if err := p.sleepFunc(ctx, delay); err != nil {
		return nil, err
	}

	return p.pullOnce(ctx, e)
}

func (p *Poller) pullOnce(ctx context.Context, e catalog.Entry) (transport.Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.PullTimeout)
	defer cancel()

	return p.puller.Pull(ctx, e.Family.Model(), e.ID)
}

func contextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
