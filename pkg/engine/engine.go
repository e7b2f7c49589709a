package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/germanamz/panelsync/pkg/aggregate"
	"github.com/germanamz/panelsync/pkg/catalog"
	"github.com/germanamz/panelsync/pkg/devicestate"
	"github.com/germanamz/panelsync/pkg/energy"
	"github.com/germanamz/panelsync/pkg/metrics"
	"github.com/germanamz/panelsync/pkg/poller"
	"github.com/germanamz/panelsync/pkg/router"
	"github.com/germanamz/panelsync/pkg/supervisor"
	"github.com/germanamz/panelsync/pkg/telemetry"
	"github.com/germanamz/panelsync/pkg/transport"
)

// Options supplies collaborators that are not part of the YAML config. Nil
// transport fields are served by a transport.Client built from cfg.Cloud.
type Options struct {
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Catalog    *catalog.Catalog // overrides cfg.CatalogFile
	Dialer     transport.Dialer
	Puller     transport.Puller
	Controller transport.Controller
	Sinks      []Sink
}

// Engine is the composition root that wires the sync components together
// and exposes a read API over the resulting state.
type Engine struct {
	cfg     Config
	timings Timings
	log     *slog.Logger
	metrics *metrics.Metrics
	events  *EventBus
	sinks   []Sink

	catalog    *catalog.Holder
	energy     *energy.Reconciler
	energyFile *energy.FileStore
	store      *devicestate.Store
	aggregator *aggregate.Aggregator
	router     *router.Router
	supervisor *supervisor.Supervisor
	poller     *poller.Poller

	loc *time.Location

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// New creates an Engine from the given configuration. It validates the
// config, loads the catalog and restores persisted energy state.
func New(cfg Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timings, err := cfg.ParseTimings()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	e := &Engine{
		cfg:     cfg,
		timings: timings,
		log:     opts.Logger,
		metrics: opts.Metrics,
		events:  NewEventBus(),
		sinks:   opts.Sinks,
		loc:     loc,
		nowFunc: time.Now,
	}

	cat := opts.Catalog
	if cat == nil && cfg.CatalogFile != "" {
		if cat, err = catalog.LoadFile(e.resolve(cfg.CatalogFile)); err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}
	e.catalog = catalog.NewHolder(cat)

	e.energy = energy.New(energy.Options{
		Tolerance: cfg.Energy.RegressionTolerance,
		Location:  loc,
		Logger:    e.log,
	})
	if cfg.StateFile != "" {
		e.energyFile = energy.NewFileStore(e.resolve(cfg.StateFile))
		st, err := e.energyFile.Load()
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		if n := e.energy.Restore(st); n > 0 {
			e.log.Info("engine: restored energy state", "records", n, "path", e.energyFile.Path())
		}
		if n := e.energy.Retain(e.catalog.Load().IDs()); n > 0 {
			e.log.Info("engine: discarded energy state of removed devices", "records", n)
		}
	}

	e.store = devicestate.New(e.onChange)
	e.aggregator = aggregate.New(e.store, e.energy, e.catalog, aggregate.Options{
		ClampWindow: cfg.ClampWindow(),
		Logger:      e.log,
	})

	e.router = router.New(e.catalog, e.store, e.energy, router.NewStreamingFlags(), router.Options{
		SplitThreshold:    cfg.SplitThreshold(),
		FloodRatio:        cfg.Router.FloodRatio,
		CalculatedCurrent: cfg.Router.CalculatedCurrent,
		Voltage208:        cfg.Router.Voltage208,
		Logger:            e.log,
		Metrics:           e.metrics,
		OnHubUpdated:      e.onHubUpdated,
		OnPolicyChange:    e.onPolicyChange,
	})

	dialer, puller, control := opts.Dialer, opts.Puller, opts.Controller
	if dialer == nil || puller == nil || control == nil {
		client := transport.New(cfg.Cloud.BaseURL, transport.Auth{
			Token:  cfg.Cloud.Token,
			Header: cfg.Cloud.AuthHeader,
			Scheme: cfg.Cloud.AuthScheme,
		}, nil)
		client.SocketURL = cfg.Cloud.SocketURL

		if dialer == nil {
			dialer = client
		}
		if puller == nil {
			puller = client
		}
		if control == nil {
			control = client
		}
	}

	e.supervisor, err = supervisor.New(dialer, control, e.router, e.catalog, supervisor.Options{
		Timings: timings.Supervisor,
		Logger:  e.log,
		Metrics: e.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e.poller = poller.New(puller, e.catalog, e.router, e.supervisor, poller.Options{
		Interval:    timings.PollInterval,
		CheckPeriod: timings.PollCheckPeriod,
		PullTimeout: timings.PullTimeout,
		RetryDelay:  timings.PullRetryDelay,
		Logger:      e.log,
		Metrics:     e.metrics,
		OnCycle:     e.onPollCycle,
	})

	return e, nil
}

func (e *Engine) resolve(path string) string {
	if filepath.IsAbs(path) || e.cfg.Dir == "" {
		return path
	}
	return filepath.Join(e.cfg.Dir, path)
}

// Run starts the supervisor, the poller, the sinks and the housekeeping loops
// and blocks until ctx is cancelled. On return every task has stopped and the
// energy state has been saved.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.log.Info("engine: starting", "devices", e.catalog.Load().Len(), "sinks", len(e.sinks))

	subs := make([]*Subscription, len(e.sinks))
	for i := range e.sinks {
		subs[i] = e.events.Subscribe(256)
	}

	var wg sync.WaitGroup
	wg.Go(func() { _ = e.supervisor.Run(ctx) })
	wg.Go(func() { _ = e.poller.Run(ctx) })
	wg.Go(func() { e.midnightLoop(ctx) })
	wg.Go(func() { e.staleLoop(ctx) })
	for i, s := range e.sinks {
		sub := subs[i]
		wg.Go(func() { e.runSink(ctx, s, sub) })
	}

	<-ctx.Done()
	wg.Wait()

	for i, s := range e.sinks {
		e.events.Unsubscribe(subs[i])
		if err := s.Close(); err != nil {
			e.log.Warn("engine: close sink", "sink", s.Name(), "error", err)
		}
	}

	if err := e.Persist(); err != nil {
		e.log.Warn("engine: save energy state", "error", err)
	}

	e.log.Info("engine: stopped")

	return nil
}

// UpdateCatalog replaces the catalog, drops every record of removed devices
// and asks the supervisor to resubscribe. It returns the removed ids.
func (e *Engine) UpdateCatalog(c *catalog.Catalog) []string {
	if c == nil {
		c = catalog.Empty()
	}

	prev := e.catalog.Store(c)
	removed := c.Removed(prev)
	ids := c.IDs()

	e.energy.Retain(ids)
	e.store.Retain(ids)
	e.aggregator.Retain(ids)
	e.router.Flags().Retain(ids)

	e.log.Info("engine: catalog updated", "devices", c.Len(), "removed", len(removed))
	e.events.Publish(Event{Kind: EventCatalogUpdated, Timestamp: e.nowFunc(), Data: removed})

	e.supervisor.RequestReconnect(supervisor.ReasonCatalog)

	return removed
}

// ReloadCatalog reads the configured catalog file again and applies it with
// UpdateCatalog. It returns the removed ids.
func (e *Engine) ReloadCatalog() ([]string, error) {
	if e.cfg.CatalogFile == "" {
		return nil, errors.New("engine: reload catalog: no catalog file configured")
	}

	c, err := catalog.LoadFile(e.resolve(e.cfg.CatalogFile))
	if err != nil {
		return nil, fmt.Errorf("engine: reload catalog: %w", err)
	}

	return e.UpdateCatalog(c), nil
}

// Persist saves the energy state when a state file is configured.
func (e *Engine) Persist() error {
	if e.energyFile == nil {
		return nil
	}
	return e.energyFile.Save(e.energy.Snapshot())
}

// RollDay starts a new day for every energy record and saves the state.
func (e *Engine) RollDay(at time.Time) int {
	n := e.energy.RollDay(at)
	e.log.Info("engine: daily energy rolled", "records", n, "day", at.In(e.loc).Format(time.DateOnly))

	if err := e.Persist(); err != nil {
		e.log.Warn("engine: save energy state", "error", err)
	}
	e.events.Publish(Event{Kind: EventDayRolled, Timestamp: at})

	return n
}

// PollNow pulls every catalog entry once.
func (e *Engine) PollNow(ctx context.Context) poller.Result {
	return e.poller.PollAll(ctx, "manual")
}

// --- read API ---

// Events returns the engine's event bus.
func (e *Engine) Events() *EventBus { return e.events }

// Metrics returns the metrics collector, which may be nil.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Catalog returns the current catalog.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog.Load() }

// State returns the snapshot of one device.
func (e *Engine) State(id string) (devicestate.Snapshot, bool) { return e.store.Get(id) }

// States returns every device snapshot, sorted by id.
func (e *Engine) States() []devicestate.Snapshot { return e.store.All() }

// Wait blocks until the device has state or ctx ends.
func (e *Engine) Wait(ctx context.Context, id string) (devicestate.Snapshot, error) {
	return e.store.Wait(ctx, id)
}

// LifetimeEnergy returns the exposed lifetime value of an energy metric.
func (e *Engine) LifetimeEnergy(id string, m telemetry.Metric) (float64, bool) {
	if !m.IsEnergy() {
		return 0, false
	}
	return e.energy.Lifetime(id, m)
}

// DailyEnergy returns today's value of an energy metric.
func (e *Engine) DailyEnergy(id string, m telemetry.Metric) (float64, bool) {
	if !m.IsEnergy() {
		return 0, false
	}
	return e.energy.Daily(id, m)
}

// Totals computes the current totals of a hub without writing them.
func (e *Engine) Totals(hubID string) (aggregate.Totals, bool) {
	return e.aggregator.Compute(hubID, e.nowFunc())
}

// Session returns the push session status.
func (e *Engine) Session() supervisor.Status { return e.supervisor.Status() }

// --- callbacks ---

func (e *Engine) onChange(c devicestate.Change) {
	kind := EventDeviceUpdated
	switch c.Kind {
	case devicestate.ChangeStale:
		kind = EventDeviceStale
	case devicestate.ChangeRemoved:
		kind = EventDeviceRemoved
	}

	e.events.Publish(Event{Kind: kind, DeviceID: c.DeviceID, Timestamp: c.Snapshot.UpdatedAt, Data: c})
}

func (e *Engine) onHubUpdated(hubID string, at time.Time) {
	e.aggregator.Refresh(hubID, at)
}

// onPolicyChange records new hub firmware in the catalog, which resubscribes
// with the topic set the firmware needs.
func (e *Engine) onPolicyChange(hubID, firmware string) {
	entries := e.catalog.Load().Entries()
	for i := range entries {
		if entries[i].ID == hubID {
			entries[i].Firmware = firmware
		}
	}

	c, err := catalog.New(entries...)
	if err != nil {
		e.log.Warn("engine: rebuild catalog", "hub", hubID, "error", err)
		return
	}

	e.UpdateCatalog(c)
}

func (e *Engine) onPollCycle(r poller.Result) {
	e.events.Publish(Event{Kind: EventPollCompleted, Timestamp: e.nowFunc(), Data: r})

	if err := e.Persist(); err != nil {
		e.log.Warn("engine: save energy state", "error", err)
	}
}

// --- loops ---

func (e *Engine) midnightLoop(ctx context.Context) {
	for {
		now := e.nowFunc().In(e.loc)
		y, m, d := now.Date()
		next := time.Date(y, m, d+1, 0, 0, 0, 0, e.loc)

		t := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		e.RollDay(e.nowFunc())
	}
}

func (e *Engine) staleLoop(ctx context.Context) {
	t := time.NewTicker(e.timings.PollCheckPeriod)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		e.sweep(e.nowFunc())
	}
}

// sweep flags devices without a recent update and counts the transitions.
func (e *Engine) sweep(now time.Time) []string {
	flipped := e.store.Sweep(now, e.timings.StaleAfter)
	if len(flipped) > 0 {
		e.log.Debug("engine: devices went stale", "ids", flipped)
		e.metrics.Stale(len(flipped))
	}

	return flipped
}
