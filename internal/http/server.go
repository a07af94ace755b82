package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
)

type Options struct {
	Accounts presence.Accounts
	Fares    *fare.Estimator
	Dispatch dispatch.Config
	Gateway  gateway.Options
	Logger   *slog.Logger
	// Ready reports dependency health for /ready; nil means always ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	Presence *presence.Store
	Dispatch *dispatch.Coordinator
	Gateway  *gateway.Gateway
	Fares    *fare.Estimator

	logger *slog.Logger
	ready  func(ctx context.Context) error
	mux    *mux.Router
}

// NewServer wires the presence store, socket gateway and dispatch
// coordinator together and registers the routes.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fares := opts.Fares
	if fares == nil {
		fares = &fare.Estimator{}
	}

	store := presence.NewStore(opts.Accounts, logger)
	bridge := &socketBridge{presence: store, log: logger.With("component", "socket")}
	gw := gateway.New(bridge, opts.Gateway, logger)
	coord := dispatch.NewCoordinator(store, gw, opts.Dispatch, logger)
	bridge.dispatch = coord
	coord.AddObserver(&riderNotifier{gw: gw, log: logger})

	s := &Server{
		Presence: store,
		Dispatch: coord,
		Gateway:  gw,
		Fares:    fares,
		logger:   logger,
		ready:    opts.Ready,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/fare", s.handleFare).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/captains/{id}/presence", s.handlePresence).Methods(http.MethodGet)
	api.HandleFunc("/captains/{id}/availability", s.handleAvailability).Methods(http.MethodPost)

	s.mux.Handle("/ws", s.Gateway)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { s.writeText(w, http.StatusOK, "ok") }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	s.writeText(w, http.StatusOK, "ready")
}

func (s *Server) writeText(w http.ResponseWriter, code int, body string) {
	w.WriteHeader(code)
	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Warn("response_write_failed", "status", code, "error", err)
	}
}

// SamplePresence refreshes the per-status captain gauge until ctx ends.
func (s *Server) SamplePresence(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		counts := s.Presence.Counts()
		for _, status := range []presence.Status{presence.StatusOffline, presence.StatusIdle, presence.StatusOffered, presence.StatusBusy} {
			observability.CaptainsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Shutdown closes sockets and expires searching requests.
func (s *Server) Shutdown() {
	s.Dispatch.Shutdown()
	s.Gateway.Close()
}
