// Package router maps the device catalog onto push topics and turns inbound
// payloads into tagged samples. Energy samples go through the reconciler;
// every device touched by a payload gets one atomic state write.
package router

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/germanamz/panelsync/pkg/catalog"
	"github.com/germanamz/panelsync/pkg/devicestate"
	"github.com/germanamz/panelsync/pkg/energy"
	"github.com/germanamz/panelsync/pkg/metrics"
	"github.com/germanamz/panelsync/pkg/telemetry"
	"github.com/germanamz/panelsync/pkg/transport"
)

// DefaultFloodRatio is the share of the current lifetime above which a pushed
// energy value is taken as a full counter value rather than a period delta.
const DefaultFloodRatio = 0.5

// Nominal voltages used to derive current from power.
const (
	nominalSinglePole = 120.0
	nominalTwoPole    = 240.0
	nominalTwoPole208 = 208.0
)

// Reconciler is the part of the energy reconciler the router uses.
type Reconciler interface {
	Apply(s telemetry.Sample) (energy.Reading, error)
	Lifetime(deviceID string, m telemetry.Metric) (float64, bool)
}

// Options configures a Router.
type Options struct {
	SplitThreshold    catalog.Version // nil uses DefaultSplitThreshold
	FloodRatio        float64         // 0 uses DefaultFloodRatio
	CalculatedCurrent bool            // derive breaker current from power and voltage
	Voltage208        bool            // two-pole breakers run on a 208V system
	Logger            *slog.Logger
	Metrics           *metrics.Metrics

	// OnHubUpdated runs after a payload wrote any device of a hub.
	OnHubUpdated func(hubID string, at time.Time)
	// OnPolicyChange runs when a hub reports firmware that changes its
	// subscription policy.
	OnPolicyChange func(hubID, firmware string)
}

// Router demultiplexes payloads into the state store.
type Router struct {
	catalog *catalog.Holder
	store   *devicestate.Store
	energy  Reconciler
	flags   *StreamingFlags
	opts    Options
	log     *slog.Logger

	mu       sync.Mutex
	reported map[string]string // hub id -> firmware already reported

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// New creates a Router.
func New(cat *catalog.Holder, store *devicestate.Store, rec Reconciler, flags *StreamingFlags, opts Options) *Router {
	if opts.SplitThreshold == nil {
		opts.SplitThreshold = DefaultSplitThreshold
	}
	if opts.FloodRatio <= 0 {
		opts.FloodRatio = DefaultFloodRatio
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if flags == nil {
		flags = NewStreamingFlags()
	}

	return &Router{
		catalog:  cat,
		store:    store,
		energy:   rec,
		flags:    flags,
		opts:     opts,
		log:      opts.Logger,
		reported: make(map[string]string),
		nowFunc:  time.Now,
	}
}

// SetNowFunc overrides the time source (for testing).
func (r *Router) SetNowFunc(fn func() time.Time) { r.nowFunc = fn }

// Flags returns the streaming flag set the router reads.
func (r *Router) Flags() *StreamingFlags { return r.flags }

// Topics returns the subscription set of the current catalog.
func (r *Router) Topics() []transport.Topic {
	return Topics(r.catalog.Load(), r.opts.SplitThreshold)
}

// Route handles one push frame and returns the number of devices written.
func (r *Router) Route(f transport.Frame) int {
	r.opts.Metrics.FrameReceived(f.Model)
	if f.Model == "" {
		r.log.Debug("router: dropping undecodable frame", "id", f.ID)
		r.opts.Metrics.FrameDropped("undecodable")
		return 0
	}

	fam, ok := catalog.FamilyForModel(f.Model)
	if !ok {
		r.log.Debug("router: dropping frame of unknown model", "model", f.Model, "id", f.ID)
		r.opts.Metrics.FrameDropped("unknown_model")
		return 0
	}

	at := f.At
	if at.IsZero() {
		at = r.nowFunc()
	}

	data := f.Data
	if f.ID != "" && data.ID() != f.ID {
		data = withID(data, f.ID)
	}

	return r.dispatch(fam, data, at, true)
}

// ApplyPull handles the pulled state of one catalog entry. Every energy
// value on this path is an absolute counter reading.
func (r *Router) ApplyPull(e catalog.Entry, p transport.Payload, at time.Time) int {
	if p.ID() == "" {
		p = withID(p, e.ID)
	}
	return r.dispatch(e.Family, p, at, false)
}

func withID(p transport.Payload, id string) transport.Payload {
	out := make(transport.Payload, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	out["id"] = id
	return out
}

// dispatch writes a payload and its nested children, then refreshes the
// owning hubs once each.
func (r *Router) dispatch(fam catalog.Family, data transport.Payload, at time.Time, push bool) int {
	cat := r.catalog.Load()
	hubs := make(map[string]struct{})

	n := r.apply(cat, fam, data, at, push, hubs)

	if r.opts.OnHubUpdated != nil {
		for id := range hubs {
			r.opts.OnHubUpdated(id, at)
		}
	}

	return n
}

func (r *Router) apply(cat *catalog.Catalog, fam catalog.Family, data transport.Payload, at time.Time, push bool, hubs map[string]struct{}) int {
	n := 0

	if fam.IsHub() {
		for _, key := range childKeys {
			childFam, _ := catalog.FamilyForModel(key)
			for _, child := range data.Children(key) {
				n += r.apply(cat, childFam, child, at, push, hubs)
			}
		}
	}

	if r.write(cat, fam, data, at, push, hubs) {
		n++
	}

	return n
}

// write builds the field set of one device and commits it in a single store
// write.
func (r *Router) write(cat *catalog.Catalog, fam catalog.Family, data transport.Payload, at time.Time, push bool, hubs map[string]struct{}) bool {
	id := data.ID()
	e, ok := cat.Lookup(id)
	if !ok {
		r.log.Debug("router: dropping payload of unknown device", "model", fam.Model(), "id", id)
		r.opts.Metrics.FrameDropped("unknown_device")
		return false
	}
	if e.Family != fam {
		r.log.Debug("router: dropping payload with mismatched family",
			"id", id, "catalog", e.Family, "payload", fam)
		r.opts.Metrics.FrameDropped("family_mismatch")
		return false
	}

	hub, hasHub := cat.HubOf(id)
	streaming := push && hasHub && r.flags.Active(hub.ID)

	fields := make(devicestate.Fields)
	table := fieldTable[fam]

	for key, raw := range data {
		fd, ok := table[key]
		if !ok || raw == nil {
			continue
		}

		if fd.text {
			s, ok := parseText(raw)
			if !ok {
				r.dropField(id, key)
				continue
			}
			fields[fd.metric] = devicestate.FieldFromSample(telemetry.Text(id, fd.metric, s, at))
			continue
		}

		v, ok := parseNumber(raw)
		if !ok {
			r.dropField(id, key)
			continue
		}

		if fd.metric.IsEnergy() {
			r.applyEnergy(e, fd.metric, v, streaming, at, fields)
			continue
		}

		fields[fd.metric] = devicestate.FieldFromSample(telemetry.Number(id, fd.metric, v, telemetry.Absolute, at))
	}

	if fam == catalog.FamilyBreaker && r.opts.CalculatedCurrent {
		r.deriveCurrent(cat, e, fields, at)
	}
	if fam == catalog.FamilyHubGen2 {
		r.checkFirmware(e, fields)
	}

	if hasHub {
		hubs[hub.ID] = struct{}{}
	}
	if len(fields) == 0 {
		return false
	}

	r.store.Apply(id, fields, at)

	return true
}

func (r *Router) dropField(id, key string) {
	r.log.Debug("router: dropping unparseable field", "id", id, "field", key)
	r.opts.Metrics.FieldDropped()
}

// applyEnergy tags one energy value, reconciles it and adds the exposed
// lifetime and daily values to fields.
func (r *Router) applyEnergy(e catalog.Entry, m telemetry.Metric, v float64, streaming bool, at time.Time, fields devicestate.Fields) {
	kind := telemetry.Absolute
	if streaming {
		kind = telemetry.Delta
		if cur, ok := r.energy.Lifetime(e.ID, m); ok && cur > 0 && v > cur*r.opts.FloodRatio {
			r.log.Debug("router: treating pushed energy as full counter value",
				"id", e.ID, "metric", m, "value", v, "lifetime", cur)
			r.opts.Metrics.FloodReclassified()
			kind = telemetry.Absolute
		}
	}

	read, err := r.energy.Apply(telemetry.Number(e.ID, m, v, kind, at))
	if err != nil {
		r.log.Debug("router: energy sample rejected", "id", e.ID, "metric", m, "error", err)
		return
	}
	if read.Rejected {
		r.opts.Metrics.NegativeDelta()
	}
	if read.Unanchored {
		r.opts.Metrics.UnanchoredDelta()
	}
	if read.Corrected {
		r.opts.Metrics.EnergyCorrected()
	}
	if !read.Known {
		return
	}

	fields[m] = devicestate.Number(read.Lifetime, at)
	fields[m.Daily()] = devicestate.Number(read.Daily, at)
}

// deriveCurrent replaces the reported current of a breaker with power over
// voltage. Two-pole breakers use the nominal two-leg voltage; single-pole
// breakers use their own voltage, then their hub's leg voltage, then 120V.
func (r *Router) deriveCurrent(cat *catalog.Catalog, e catalog.Entry, fields devicestate.Fields, at time.Time) {
	power, ok := number(fields, telemetry.Power)
	if !ok {
		return
	}

	prev, _ := r.store.Get(e.ID)

	var divisor float64
	if e.Poles == 2 {
		p2, ok := number(fields, telemetry.Power2)
		if !ok {
			p2, _ = prev.Number(telemetry.Power2)
		}
		power += p2

		divisor = nominalTwoPole
		if r.opts.Voltage208 {
			divisor = nominalTwoPole208
		}
	} else {
		divisor = nominalSinglePole

		v, ok := number(fields, telemetry.Voltage)
		if !ok {
			v, ok = prev.Number(telemetry.Voltage)
		}

		if ok && v > 0 {
			divisor = v
		} else if hv, ok := r.hubLegVoltage(cat, e); ok {
			divisor = hv
		}
	}

	fields[telemetry.Current] = devicestate.Number(math.Round(power/divisor*100)/100, at)
}

func (r *Router) hubLegVoltage(cat *catalog.Catalog, e catalog.Entry) (float64, bool) {
	hub, ok := cat.HubOf(e.ID)
	if !ok {
		return 0, false
	}

	snap, ok := r.store.Get(hub.ID)
	if !ok {
		return 0, false
	}

	m := telemetry.Voltage
	if e.LegOf() == "2" {
		m = telemetry.Voltage2
	}

	v, ok := snap.Number(m)
	return v, ok && v > 0
}

// checkFirmware reports a hub whose reported firmware moves it across the
// subscription policy threshold.
func (r *Router) checkFirmware(e catalog.Entry, fields devicestate.Fields) {
	f, ok := fields[telemetry.Firmware]
	if !ok || f.Text == "" || f.Text == e.Firmware || r.opts.OnPolicyChange == nil {
		return
	}

	updated := e
	updated.Firmware = f.Text
	if NeedsBreakerTopics(e, r.opts.SplitThreshold) == NeedsBreakerTopics(updated, r.opts.SplitThreshold) {
		return
	}

	r.mu.Lock()
	if r.reported[e.ID] == f.Text {
		r.mu.Unlock()
		return
	}
	r.reported[e.ID] = f.Text
	r.mu.Unlock()

	r.log.Info("router: hub firmware changed subscription policy",
		"hub", e.ID, "from", e.Firmware, "to", f.Text)
	r.opts.OnPolicyChange(e.ID, f.Text)
}

func number(f devicestate.Fields, m telemetry.Metric) (float64, bool) {
	v, ok := f[m]
	if !ok || !v.Numeric {
		return 0, false
	}
	return v.Value, true
}
