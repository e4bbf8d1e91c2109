// Package telemetry installs the process-wide OpenTelemetry providers that
// the store and runtime spans and instruments report to.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/sbl8/tessera/config"
)

// ServiceName identifies tessera in exported telemetry.
const ServiceName = "tessera"

// ErrUnknownExporter is returned for an exporter name Setup cannot build.
var ErrUnknownExporter = errors.New("unknown exporter")

// Providers holds what Setup installed.
type Providers struct {
	// Handler serves Prometheus metrics when the prometheus exporter is
	// selected, nil otherwise.
	Handler http.Handler

	// Addr is the bound metrics address, empty if none is served.
	Addr string

	shutdown []func(context.Context) error
}

// Shutdown flushes and stops every installed provider.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.shutdown) - 1; i >= 0; i-- {
		if err := p.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Options redirects stdout exporters, mainly for tests.
type Options struct {
	Writer io.Writer
	Logger *slog.Logger
}

// Setup installs the trace and metric providers selected by cfg as the otel
// globals. With both exporters set to "none" it is a no-op.
func Setup(ctx context.Context, cfg config.TelemetryConfig, opts Options) (*Providers, error) {
	if ctx == nil {
		return nil, errors.New("telemetry: nil context")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	res := resource.NewWithAttributes("", attribute.String("service.name", ServiceName))
	p := &Providers{}

	if cfg.TraceExporter != "" && cfg.TraceExporter != "none" {
		tp, err := newTracerProvider(cfg.TraceExporter, res, opts.Writer)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		otel.SetTracerProvider(tp)
		p.shutdown = append(p.shutdown, tp.Shutdown)
	}

	if cfg.MetricExporter != "" && cfg.MetricExporter != "none" {
		mp, handler, err := newMeterProvider(cfg.MetricExporter, res, opts.Writer)
		if err != nil {
			p.Shutdown(ctx)
			return nil, fmt.Errorf("init meter: %w", err)
		}
		otel.SetMeterProvider(mp)
		p.shutdown = append(p.shutdown, mp.Shutdown)
		p.Handler = handler
	}

	if p.Handler != nil && cfg.MetricsAddr != "" {
		if err := p.serve(cfg.MetricsAddr, logger); err != nil {
			p.Shutdown(ctx)
			return nil, err
		}
	}
	return p, nil
}

func newTracerProvider(name string, res *resource.Resource, w io.Writer) (*sdktrace.TracerProvider, error) {
	if name != "stdout" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, name)
	}
	var topts []stdouttrace.Option
	if w != nil {
		topts = append(topts, stdouttrace.WithWriter(w))
	}
	exp, err := stdouttrace.New(topts...)
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

func newMeterProvider(name string, res *resource.Resource, w io.Writer) (*sdkmetric.MeterProvider, http.Handler, error) {
	switch name {
	case "prometheus":
		reg := prometheus.NewRegistry()
		exp, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		// store metrics live in the default registry
		gatherers := prometheus.Gatherers{reg, prometheus.DefaultGatherer}
		handler := promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exp),
		), handler, nil

	case "stdout":
		var mopts []stdoutmetric.Option
		if w != nil {
			mopts = append(mopts, stdoutmetric.WithWriter(w))
		}
		exp, err := stdoutmetric.New(mopts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		), nil, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnknownExporter, name)
}

// serve exposes Handler at /metrics on addr until Shutdown.
func (p *Providers) serve(addr string, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	p.Addr = ln.Addr().String()
	logger.Info("serving metrics", slog.String("addr", p.Addr))
	p.shutdown = append(p.shutdown, srv.Shutdown)
	return nil
}
