// Package telemetry sets up OpenTelemetry tracing and metrics for the server
// and provides the HTTP middleware that feeds them. Spans and metrics are
// always recorded in-process; they leave the process only when an OTLP
// endpoint is configured.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/telemed/telemed/internal/platform/telemetry"

// TelemetryConfig holds the telemetry settings.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is the collector's gRPC address; empty keeps telemetry
	// in-process.
	OTLPEndpoint    string
	SampleRate      float64
	MetricsInterval time.Duration
	RuntimeMetrics  bool
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "telemed-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1.0
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 15 * time.Second
	}
}

// Option adds a span processor or metric reader, mainly for tests.
type Option func(*options)

type options struct {
	spanProcessors []sdktrace.SpanProcessor
	metricReaders  []sdkmetric.Reader
}

func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) { o.spanProcessors = append(o.spanProcessors, sp) }
}

func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.metricReaders = append(o.metricReaders, r) }
}

// Provider owns the SDK tracer and meter providers and the HTTP instruments.
type Provider struct {
	cfg            TelemetryConfig
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	propagator     propagation.TextMapPropagator

	tracer   trace.Tracer
	requests metric.Int64Counter
	duration metric.Float64Histogram
	active   metric.Int64UpDownCounter
	reqSize  metric.Int64Histogram
	respSize metric.Int64Histogram
}

// NewProvider builds the SDK providers. Exporters are created lazily by the
// gRPC client, so an unreachable collector does not fail startup.
func NewProvider(ctx context.Context, cfg TelemetryConfig, opts ...Option) (*Provider, error) {
	cfg.applyDefaults()
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if cfg.OTLPEndpoint != "" {
		traceExporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(traceExporter))

		metricExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(cfg.MetricsInterval))))
	}
	for _, sp := range o.spanProcessors {
		traceOpts = append(traceOpts, sdktrace.WithSpanProcessor(sp))
	}
	for _, r := range o.metricReaders {
		meterOpts = append(meterOpts, sdkmetric.WithReader(r))
	}

	p := &Provider{
		cfg:            cfg,
		tracerProvider: sdktrace.NewTracerProvider(traceOpts...),
		meterProvider:  sdkmetric.NewMeterProvider(meterOpts...),
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
	p.tracer = p.tracerProvider.Tracer(instrumentationName)

	if err := p.initInstruments(); err != nil {
		return nil, errors.Join(err, p.Shutdown(ctx))
	}
	if cfg.RuntimeMetrics {
		if err := runtime.Start(runtime.WithMeterProvider(p.meterProvider)); err != nil {
			return nil, errors.Join(err, p.Shutdown(ctx))
		}
	}
	return p, nil
}

func (p *Provider) initInstruments() error {
	meter := p.meterProvider.Meter(instrumentationName)
	var err error
	if p.requests, err = meter.Int64Counter("http.server.request.count",
		metric.WithDescription("Number of HTTP requests")); err != nil {
		return err
	}
	if p.duration, err = meter.Float64Histogram("http.server.request.duration",
		metric.WithDescription("HTTP request duration"), metric.WithUnit("s")); err != nil {
		return err
	}
	if p.active, err = meter.Int64UpDownCounter("http.server.active_requests",
		metric.WithDescription("In-flight HTTP requests")); err != nil {
		return err
	}
	if p.reqSize, err = meter.Int64Histogram("http.server.request.size",
		metric.WithDescription("HTTP request body size"), metric.WithUnit("By")); err != nil {
		return err
	}
	if p.respSize, err = meter.Int64Histogram("http.server.response.size",
		metric.WithDescription("HTTP response body size"), metric.WithUnit("By")); err != nil {
		return err
	}
	return nil
}

// Install makes this provider the process-wide otel tracer, meter and
// propagator, so packages using otel.Tracer and otel.Meter report through it.
func (p *Provider) Install() {
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(p.propagator)
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(p.tracerProvider.Shutdown(ctx), p.meterProvider.Shutdown(ctx))
}

// Resource returns the resource attributes attached to all telemetry.
func (p *Provider) Resource() map[string]string {
	return map[string]string{
		"service.name":           p.cfg.ServiceName,
		"service.version":        p.cfg.ServiceVersion,
		"deployment.environment": p.cfg.Environment,
	}
}

// TracingMiddleware starts a server span per request, continuing any trace
// the caller propagated. The span is named after the route pattern.
func (p *Provider) TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			route := routeOf(c)

			ctx := p.propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			attrs := []attribute.KeyValue{
				attribute.String("http.method", req.Method),
				attribute.String("http.route", route),
				attribute.String("http.target", req.URL.Path),
			}
			if id := c.Param("id"); id != "" {
				attrs = append(attrs, attribute.String("session.id", id))
			}
			ctx, span := p.tracer.Start(ctx, "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			status := statusOf(c, err)
			span.SetAttributes(attribute.Int("http.status_code", status))
			if err != nil {
				span.RecordError(err)
			}
			if status >= 500 {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
			return err
		}
	}
}

// MetricsMiddleware records request count, duration, sizes and in-flight
// requests, labelled by method, route pattern and status.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := req.Context()
			route := routeOf(c)
			inflight := metric.WithAttributes(attribute.String("http.method", req.Method))

			p.active.Add(ctx, 1, inflight)
			start := time.Now()

			err := next(c)

			p.active.Add(ctx, -1, inflight)
			labels := metric.WithAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.route", route),
				attribute.String("http.status_code", strconv.Itoa(statusOf(c, err))),
			)
			p.requests.Add(ctx, 1, labels)
			p.duration.Record(ctx, time.Since(start).Seconds(), labels)
			if req.ContentLength > 0 {
				p.reqSize.Record(ctx, req.ContentLength, labels)
			}
			if size := c.Response().Size; size > 0 {
				p.respSize.Record(ctx, size, labels)
			}
			return err
		}
	}
}

func routeOf(c echo.Context) string {
	if route := c.Path(); route != "" {
		return route
	}
	return c.Request().URL.Path
}

func statusOf(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
