// Package health exposes the bridge's liveness, readiness and metrics over
// HTTP. The handlers are read-only views over the snapshot the core
// publishes; nothing here mutates bridge state.
package health

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/petrosa/binance-nats-bridge/pkg/bridge"
)

// Probe is the view of the bridge the handlers read.
type Probe interface {
	Ready() bool
	Healthy() bool
	Snapshot() bridge.Snapshot
}

// Server serves the health surface on its own listener.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// NewServer builds the health server. reg is the prometheus registry backing
// /metrics; when nil the default registry is used.
func NewServer(addr string, probe Probe, reg *prometheus.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !probe.Healthy() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		snap := probe.Snapshot()
		body := map[string]any{
			"ready":          probe.Ready(),
			"upstream_state": snap.UpstreamState,
			"bus_state":      snap.BusState,
		}
		status := http.StatusOK
		if !probe.Ready() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, body)
	})

	r.Get("/state", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, probe.Snapshot())
	})

	var metricsHandler http.Handler
	if reg != nil {
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	} else {
		metricsHandler = promhttp.Handler()
	}
	r.Handle("/metrics", metricsHandler)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start serves until Shutdown is called. It returns only abnormal listener
// errors.
func (s *Server) Start() error {
	s.logger.Info("Health server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
