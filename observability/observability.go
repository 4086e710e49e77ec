// Package observability sets up OpenTelemetry for digitalvault processes.
// Traces go to an OTLP gRPC collector. Metrics are exposed on a Prometheus
// scrape endpoint, which only long-running processes open.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"digitalvault/config"
	"digitalvault/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	defaultCollector   = "localhost:4317"
	defaultMetricsAddr = ":9464"
	defaultMetricsPath = "/metrics"
)

// Options names the process and chooses what it exports.
type Options struct {
	ServiceName    string
	ServiceVersion string
	// ServeMetrics opens the scrape endpoint. A one-shot CLI run exits
	// before any scrape, so it leaves this off and its meters stay no-op.
	ServeMetrics bool
}

// Provider owns the exporters installed by Init.
type Provider struct {
	traces   *sdktrace.TracerProvider
	meters   *sdkmetric.MeterProvider
	scrape   *http.Server
	listener net.Listener
}

// Init installs the global tracer and meter providers selected by
// cfg.Observability and opts. A failing exporter is reported in the
// returned error; the others still run, and the Provider is never nil.
func Init(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts Options) (*Provider, error) {
	obs := cfg.Observability
	p := &Provider{}
	wantMetrics := obs.Metrics.Enabled && opts.ServeMetrics

	if obs.Metrics.Enabled && !opts.ServeMetrics {
		logger.Debug("%s does not serve metrics; meters stay no-op", opts.ServiceName)
	}
	if !obs.Tracing.Enabled && !wantMetrics {
		logger.Debug("Telemetry off for %s", opts.ServiceName)
		return p, nil
	}

	name := opts.ServiceName
	if obs.Tracing.ServiceName != "" {
		name = obs.Tracing.ServiceName
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
		semconv.ServiceVersion(opts.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.Service.Environment),
	))
	if err != nil {
		return p, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	var errs []error
	if obs.Tracing.Enabled {
		if err := p.startTracing(ctx, obs.Tracing, res); err != nil {
			logger.Warn("Tracing exporter unavailable: %v", err)
			errs = append(errs, err)
		} else {
			logger.Startup("Tracing %s to %s", name, collector(obs.Tracing))
		}
	}
	if wantMetrics {
		if err := p.serveMetrics(ctx, obs.Metrics, res, logger); err != nil {
			logger.Warn("Metrics exporter unavailable: %v", err)
			errs = append(errs, err)
		} else {
			logger.Startup("Metrics for %s on %s%s", name, p.listener.Addr(), metricsPath(obs.Metrics))
		}
	}
	return p, errors.Join(errs...)
}

// Tracing reports whether spans are exported.
func (p *Provider) Tracing() bool {
	return p.traces != nil
}

// MetricsAddr returns the bound scrape address, or "" when not serving.
func (p *Provider) MetricsAddr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Shutdown stops the scrape endpoint and flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.scrape != nil {
		if err := p.scrape.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("metrics endpoint shutdown: %w", err))
		}
	}
	if p.meters != nil {
		if err := p.meters.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	if p.traces != nil {
		if err := p.traces.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func collector(c config.TracingConfig) string {
	if c.Endpoint == "" {
		return defaultCollector
	}
	return c.Endpoint
}

func metricsPath(c config.MetricsConfig) string {
	path := c.Path
	if path == "" {
		return defaultMetricsPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

func (p *Provider) startTracing(ctx context.Context, c config.TracingConfig, res *resource.Resource) error {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(collector(c)),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("otlp trace exporter: %w", err)
	}
	p.traces = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(p.traces)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) serveMetrics(ctx context.Context, c config.MetricsConfig, res *resource.Resource, logger *logging.Logger) error {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return fmt.Errorf("prometheus exporter: %w", err)
	}
	meters := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	addr := c.Address
	if addr == "" {
		addr = defaultMetricsAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = meters.Shutdown(ctx)
		return fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(metricsPath(c), promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	p.scrape = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	p.listener = ln
	p.meters = meters
	otel.SetMeterProvider(meters)

	go func() {
		if err := p.scrape.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics endpoint stopped: %v", err)
		}
	}()
	return nil
}
