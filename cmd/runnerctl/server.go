package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/terrpan/runnerctl/internal/health"
)

// newRegistry returns a registry with the Go runtime and process
// collectors registered.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// diagnosticsHandler serves /healthz and /metrics.
func diagnosticsHandler(reg *prometheus.Registry, status *health.Status) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", status.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

// startDiagnostics listens on addr and serves the diagnostics endpoints in
// the background.  The returned function shuts the server down.
func startDiagnostics(addr string, reg *prometheus.Registry, status *health.Status, logger *slog.Logger) (func(context.Context) error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("diagnostics listener on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           diagnosticsHandler(reg, status),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("diagnostics server failed", slog.String("error", err.Error()))
		}
	}()

	logger.Info("diagnostics server listening", slog.String("addr", ln.Addr().String()))
	return srv.Shutdown, nil
}
