// Package httpapi serves the engine's read API over HTTP: session status,
// device state, energy values, hub totals and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/germanamz/panelsync/pkg/aggregate"
	"github.com/germanamz/panelsync/pkg/catalog"
	"github.com/germanamz/panelsync/pkg/devicestate"
	"github.com/germanamz/panelsync/pkg/metrics"
	"github.com/germanamz/panelsync/pkg/supervisor"
	"github.com/germanamz/panelsync/pkg/telemetry"
)

// Reader is the part of the engine the API reads from.
type Reader interface {
	Catalog() *catalog.Catalog
	States() []devicestate.Snapshot
	State(id string) (devicestate.Snapshot, bool)
	LifetimeEnergy(id string, m telemetry.Metric) (float64, bool)
	DailyEnergy(id string, m telemetry.Metric) (float64, bool)
	Totals(hubID string) (aggregate.Totals, bool)
	Session() supervisor.Status
}

// Options configures a Server.
type Options struct {
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	AccessLog io.Writer // nil disables access logging
}

// Server is the HTTP read API.
type Server struct {
	reader  Reader
	metrics *metrics.Metrics
	log     *slog.Logger
	handler http.Handler
}

// Device is the JSON view of one catalog entry and its state.
type Device struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Family    string         `json:"family"`
	Hub       string         `json:"hub,omitempty"`
	Firmware  string         `json:"firmware,omitempty"`
	Stale     bool           `json:"stale"`
	UpdatedAt time.Time      `json:"updated_at,omitzero"`
	Values    map[string]any `json:"values,omitempty"`
}

// Energy is the JSON view of one energy metric.
type Energy struct {
	ID       string  `json:"id"`
	Metric   string  `json:"metric"`
	Lifetime float64 `json:"lifetime_kwh"`
	Daily    float64 `json:"daily_kwh"`
}

// HubTotals is the JSON view of a hub's computed totals.
type HubTotals struct {
	ID      string  `json:"id"`
	Power   float64 `json:"power_w"`
	Current float64 `json:"current_a"`
	Energy  float64 `json:"energy_kwh"`
	Daily   float64 `json:"daily_kwh"`
	Source  string  `json:"source"`
}

// Health is the body of /healthz.
type Health struct {
	Status string `json:"status"`
	State  string `json:"state"`
}

// New creates a Server over r.
func New(r Reader, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{reader: r, metrics: opts.Metrics, log: opts.Logger}

	router := mux.NewRouter()
	s.handle(router, "/healthz", s.health)
	s.handle(router, "/v1/session", s.session)
	s.handle(router, "/v1/devices", s.devices)
	s.handle(router, "/v1/devices/{id}", s.device)
	s.handle(router, "/v1/devices/{id}/energy/{metric}", s.energy)
	s.handle(router, "/v1/hubs/{id}/totals", s.totals)
	router.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)

	var h http.Handler = router
	h = handlers.CompressHandler(h)
	if opts.AccessLog != nil {
		h = handlers.LoggingHandler(opts.AccessLog, h)
	}
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.log}))(h)
	s.handler = h

	return s
}

func (s *Server) handle(r *mux.Router, route string, fn http.HandlerFunc) {
	r.Handle(route, s.metrics.WrapHandler(route, fn)).Methods(http.MethodGet)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.log.Info("httpapi: listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	st := s.reader.Session()
	h := Health{Status: "ok", State: st.StateName}
	code := http.StatusOK
	if st.State != supervisor.Live {
		h.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, h)
}

func (s *Server) session(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.reader.Session())
}

func (s *Server) devices(w http.ResponseWriter, _ *http.Request) {
	entries := s.reader.Catalog().Entries()
	out := make([]Device, 0, len(entries))
	for _, e := range entries {
		out = append(out, s.view(e))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) device(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	e, ok := s.reader.Catalog().Lookup(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown device "+id)
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(e))
}

func (s *Server) energy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, m := vars["id"], telemetry.Metric(vars["metric"])

	if !m.IsEnergy() {
		s.writeError(w, http.StatusBadRequest, string(m)+" is not an energy metric")
		return
	}

	lifetime, ok := s.reader.LifetimeEnergy(id, m)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no "+string(m)+" reading for "+id)
		return
	}
	daily, _ := s.reader.DailyEnergy(id, m)

	s.writeJSON(w, http.StatusOK, Energy{ID: id, Metric: string(m), Lifetime: lifetime, Daily: daily})
}

func (s *Server) totals(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, ok := s.reader.Totals(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no totals for "+id)
		return
	}

	s.writeJSON(w, http.StatusOK, HubTotals{
		ID:      id,
		Power:   t.Power,
		Current: t.Current,
		Energy:  t.Energy,
		Daily:   t.Daily,
		Source:  string(t.Source),
	})
}

func (s *Server) view(e catalog.Entry) Device {
	d := Device{
		ID:       e.ID,
		Name:     e.Name,
		Family:   string(e.Family),
		Hub:      e.Hub,
		Firmware: e.Firmware,
	}
	if snap, ok := s.reader.State(e.ID); ok {
		d.Stale = snap.Stale
		d.UpdatedAt = snap.UpdatedAt
		d.Values = snap.Values()
	}
	return d
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("httpapi: write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

// recoveryLogger routes recovered panics to slog.
type recoveryLogger struct{ log *slog.Logger }

func (l recoveryLogger) Println(v ...any) {
	l.log.Error("httpapi: recovered from panic", "panic", v)
}
