package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/matheus3301/spark/internal/outbox"
	"github.com/matheus3301/spark/internal/status"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer exposes /metrics and /healthz over HTTP.
type MetricsServer struct {
	srv    *http.Server
	logger *zap.Logger
}

type healthResponse struct {
	State string       `json:"state"`
	Since time.Time    `json:"since"`
	Queue outbox.Stats `json:"queue"`
}

// NewMetricsServer builds the router. It does not listen until Start.
func NewMetricsServer(addr string, reg *prometheus.Registry, machine *status.Machine, queue *outbox.Queue, logger *zap.Logger) *MetricsServer {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{
			State: string(machine.Current()),
			Since: machine.Since(),
			Queue: queue.Stats(),
		}
		w.Header().Set("Content-Type", "application/json")
		if !machine.Online() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the router, for tests.
func (m *MetricsServer) Handler() http.Handler {
	return m.srv.Handler
}

// Start listens on the configured address and serves in the background.
func (m *MetricsServer) Start() error {
	ln, err := net.Listen("tcp", m.srv.Addr)
	if err != nil {
		return err
	}
	m.logger.Info("metrics server starting", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down.
func (m *MetricsServer) Stop(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
