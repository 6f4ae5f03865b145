package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jstaube/pgrig/pkg/config"
)

// MetricsServer serves Prometheus metrics over HTTP. The zero of the
// feature is a nil server; every method is safe on nil.
type MetricsServer struct {
	server *http.Server
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewMetricsServer builds a server from the profile's metrics section. A
// nil config means metrics are disabled and the returned server is nil.
func NewMetricsServer(cfg *config.PrometheusConfig, logger *slog.Logger) *MetricsServer {
	if cfg == nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.GetPath(), promhttp.Handler())

	return &MetricsServer{
		server: &http.Server{
			Addr:    cfg.GetListen(),
			Handler: mux,
		},
		mux:    mux,
		logger: logger,
	}
}

// Mux exposes the server's mux so diagnostics such as the flight recorder
// can mount their endpoints beside the metrics path.
func (s *MetricsServer) Mux() *http.ServeMux {
	if s == nil {
		return nil
	}
	return s.mux
}

// Start begins serving in a goroutine and returns immediately. Use
// Shutdown to stop.
func (s *MetricsServer) Start() {
	if s == nil {
		return
	}
	go func() {
		s.logger.Info("metrics server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// Shutdown stops the server, waiting for in-flight scrapes up to the
// context deadline.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Addr returns the configured listen address.
func (s *MetricsServer) Addr() string {
	if s == nil {
		return ""
	}
	return s.server.Addr
}

// Enabled reports whether metrics serving is configured.
func (s *MetricsServer) Enabled() bool {
	return s != nil
}

func (s *MetricsServer) String() string {
	if s == nil {
		return "MetricsServer(disabled)"
	}
	return fmt.Sprintf("MetricsServer(addr=%s)", s.server.Addr)
}
