package scrivd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"pkt.systems/pslog"
)

// Telemetry owns the metric pipeline and its HTTP listeners for one
// process. A nil Telemetry is valid and means everything is disabled.
type Telemetry struct {
	meterProvider *sdkmetric.MeterProvider
	metricsServer *http.Server
	metricsLn     net.Listener
	pprofServer   *http.Server
	pprofLn       net.Listener
	logger        pslog.Logger
}

// SetupTelemetry wires the OpenTelemetry metric provider to a
// Prometheus registry served on metricsListen, and optionally a pprof
// listener. Both empty means telemetry stays off and nil is returned.
func SetupTelemetry(ctx context.Context, metricsListen, pprofListen string, logger pslog.Logger) (*Telemetry, error) {
	metricsListen = strings.TrimSpace(metricsListen)
	pprofListen = strings.TrimSpace(pprofListen)
	if metricsListen == "" && pprofListen == "" {
		return nil, nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	t := &Telemetry{logger: logger}

	if metricsListen != "" {
		res, err := resource.New(ctx,
			resource.WithSchemaURL(semconv.SchemaURL),
			resource.WithAttributes(semconv.ServiceName("scrivd")),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: build resource: %w", err)
		}
		registry := prometheus.NewRegistry()
		exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("telemetry: start prometheus exporter: %w", err)
		}
		t.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(t.meterProvider)
		handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		t.metricsServer, t.metricsLn, err = startHTTPListener(metricsListen, "/metrics", handler, logger)
		if err != nil {
			_ = t.meterProvider.Shutdown(ctx)
			return nil, err
		}
		logger.Info("telemetry.metrics.enabled", "listen", metricsListen)
	}

	if pprofListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		ln, err := net.Listen("tcp", pprofListen)
		if err != nil {
			_ = t.Shutdown(ctx)
			return nil, fmt.Errorf("telemetry: pprof listen: %w", err)
		}
		srv := &http.Server{Handler: mux}
		go serveHTTP(srv, ln, logger)
		t.pprofServer, t.pprofLn = srv, ln
		logger.Info("telemetry.pprof.enabled", "listen", pprofListen)
	}

	return t, nil
}

func startHTTPListener(addr, path string, handler http.Handler, logger pslog.Logger) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	srv := &http.Server{Handler: mux}
	go serveHTTP(srv, ln, logger)
	return srv, ln, nil
}

func serveHTTP(srv *http.Server, ln net.Listener, logger pslog.Logger) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if logger != nil {
			logger.Warn("telemetry.serve_error", "error", err)
		}
	}
}

// Shutdown flushes the metric pipeline and closes the listeners.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
		}
	}
	for _, srv := range []*http.Server{t.metricsServer, t.pprofServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	for _, ln := range []net.Listener{t.metricsLn, t.pprofLn} {
		if ln != nil {
			_ = ln.Close()
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if t.logger != nil {
		t.logger.Info("telemetry.shutdown.complete")
	}
	return nil
}
