package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-keylock/v1/config"
	"github.com/mirkobrombin/go-keylock/v1/metrics"
)

// startTelemetry installs the stdout trace exporter and the metrics endpoint
// when enabled. The returned function flushes and stops both.
func startTelemetry(_ context.Context, cfg config.Telemetry, log *slog.Logger) (func(context.Context) error, error) {
	var stops []func(context.Context) error

	if cfg.TraceStdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		stops = append(stops, tp.Shutdown)
	}

	if cfg.MetricsAddr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterLockMetrics(reg)
		ln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return nil, errors.Join(err, shutdownAll(context.Background(), stops))
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("keylock: metrics server stopped", "error", err)
			}
		}()
		log.Info("keylock: serving metrics", "addr", ln.Addr().String())
		stops = append(stops, srv.Shutdown)
	}

	return func(ctx context.Context) error { return shutdownAll(ctx, stops) }, nil
}

func shutdownAll(ctx context.Context, stops []func(context.Context) error) error {
	var errs []error
	for i := len(stops) - 1; i >= 0; i-- {
		errs = append(errs, stops[i](ctx))
	}
	return errors.Join(errs...)
}
