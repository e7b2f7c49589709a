// Package metrics exposes engine counters to Prometheus. Every method is safe
// to call on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "panelsync"

// Metrics holds every collector the engine updates.
type Metrics struct {
	gatherer prometheus.Gatherer

	framesReceived    *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	fieldsDropped     prometheus.Counter
	energyCorrections prometheus.Counter
	negativeDeltas    prometheus.Counter
	unanchoredDeltas  prometheus.Counter
	floodReclassified prometheus.Counter
	reconnects        *prometheus.CounterVec
	sessionState      *prometheus.GaugeVec
	subscriptions     prometheus.Gauge
	pulls             *prometheus.CounterVec
	pollDuration      prometheus.Histogram
	staleDevices      prometheus.Counter
	sinkPublished     *prometheus.CounterVec
	sinkErrors        *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// SessionStates lists the label values of the session state gauge.
var SessionStates = []string{"disconnected", "connecting", "subscribing", "live", "reconnecting", "stopped"}

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		gatherer: reg,
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Push frames received by wire model.",
		}, []string{"model"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Push payloads dropped by reason.",
		}, []string{"reason"}),
		fieldsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fields_dropped_total",
			Help:      "Individual field values that could not be parsed.",
		}),
		energyCorrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "energy_corrections_total",
			Help:      "Absolute readings that moved an internal energy total down.",
		}),
		negativeDeltas: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "energy_negative_deltas_total",
			Help:      "Negative energy deltas rejected.",
		}),
		unanchoredDeltas: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "energy_unanchored_deltas_total",
			Help:      "Energy deltas dropped because no absolute reading anchored the record yet.",
		}),
		floodReclassified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "energy_flood_reclassified_total",
			Help:      "Push energy values reclassified from delta to absolute.",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Push session reconnects by trigger.",
		}, []string{"reason"}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current push session state, 0 otherwise.",
		}, []string{"state"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Topics subscribed on the live session.",
		}),
		pulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pulls_total",
			Help:      "REST pulls by result.",
		}, []string{"result"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of a full polling pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		staleDevices: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_transitions_total",
			Help:      "Devices flagged stale.",
		}),
		sinkPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_published_total",
			Help:      "Messages published by sink.",
		}, []string{"sink"}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Publish failures by sink.",
		}, []string{"sink"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP API request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.framesReceived,
		m.framesDropped,
		m.fieldsDropped,
		m.energyCorrections,
		m.negativeDeltas,
		m.unanchoredDeltas,
		m.floodReclassified,
		m.reconnects,
		m.sessionState,
		m.subscriptions,
		m.pulls,
		m.pollDuration,
		m.staleDevices,
		m.sinkPublished,
		m.sinkErrors,
		m.httpRequests,
		m.httpDuration,
	)

	m.SetSessionState("disconnected")

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameReceived(model string) {
	if m == nil {
		return
	}
	if model == "" {
		model = "none"
	}
	m.framesReceived.WithLabelValues(model).Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) FieldDropped() {
	if m == nil {
		return
	}
	m.fieldsDropped.Inc()
}

func (m *Metrics) EnergyCorrected() {
	if m == nil {
		return
	}
	m.energyCorrections.Inc()
}

func (m *Metrics) NegativeDelta() {
	if m == nil {
		return
	}
	m.negativeDeltas.Inc()
}

func (m *Metrics) UnanchoredDelta() {
	if m == nil {
		return
	}
	m.unanchoredDeltas.Inc()
}

func (m *Metrics) FloodReclassified() {
	if m == nil {
		return
	}
	m.floodReclassified.Inc()
}

func (m *Metrics) Reconnect(reason string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(reason).Inc()
}

// SetSessionState marks state as current and clears the others.
func (m *Metrics) SetSessionState(state string) {
	if m == nil {
		return
	}
	for _, s := range SessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.sessionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

func (m *Metrics) Pull(success bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !success {
		result = "error"
	}
	m.pulls.WithLabelValues(result).Inc()
}

func (m *Metrics) PollDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.pollDuration.Observe(d.Seconds())
}

func (m *Metrics) Stale(n int) {
	if m == nil {
		return
	}
	m.staleDevices.Add(float64(n))
}

func (m *Metrics) SinkPublished(sink string) {
	if m == nil {
		return
	}
	m.sinkPublished.WithLabelValues(sink).Inc()
}

func (m *Metrics) SinkError(sink string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(sink).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler records request counts and durations for route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
