package observability

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ongoingai/tracebridge/internal/bridge"
	"github.com/ongoingai/tracebridge/internal/config"
	"github.com/ongoingai/tracebridge/internal/correlation"
	"github.com/ongoingai/tracebridge/internal/trace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ongoingai/tracebridge"

// Runtime exposes OpenTelemetry HTTP wrappers and the bridge's metric hooks.
// A zero or disabled Runtime is safe to use; every hook becomes a no-op.
type Runtime struct {
	enabled bool
	routes  []string
	tracer  oteltrace.Tracer

	runsEnqueued       metric.Int64Counter
	runsDelivered      metric.Int64Counter
	runsRequeued       metric.Int64Counter
	runsDropped        metric.Int64Counter
	runsAbandoned      metric.Int64Counter
	invocationsDropped metric.Int64Counter
	invocationsFailed  metric.Int64Counter
	flushDuration      metric.Float64Histogram

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers and runtime hooks. routePrefixes
// are the proxied provider prefixes used to keep span names low-cardinality.
func Setup(ctx context.Context, cfg config.OTelConfig, routePrefixes []string, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runtime := &Runtime{routes: normalizeRoutePrefixes(routePrefixes)}
	if !cfg.Enabled {
		return runtime, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)
	exportTimeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond
	metricInterval := time.Duration(cfg.MetricExportIntervalMS) * time.Millisecond

	var otlpEndpoint string
	insecure := cfg.Insecure
	if cfg.TracesEnabled || cfg.MetricsEnabled {
		endpoint, inferredInsecure, err := normalizeOTLPEndpoint(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		otlpEndpoint = endpoint
		if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
			// an explicit scheme wins over the insecure toggle
			insecure = inferredInsecure
		}
	}

	if cfg.TracesEnabled {
		traceExporterOptions := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if insecure {
			traceExporterOptions = append(traceExporterOptions, otlptracehttp.WithInsecure())
		}
		traceExporter, err := otlptracehttp.New(ctx, traceExporterOptions...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
			sdktrace.WithBatcher(newScrubbingExporter(traceExporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
	}

	var readers []sdkmetric.Option
	if cfg.MetricsEnabled {
		metricExporterOptions := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(otlpEndpoint),
			otlpmetrichttp.WithTimeout(exportTimeout),
		}
		if insecure {
			metricExporterOptions = append(metricExporterOptions, otlpmetrichttp.WithInsecure())
		}
		metricExporter, err := otlpmetrichttp.New(ctx, metricExporterOptions...)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}
		readers = append(readers, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(metricInterval),
			sdkmetric.WithTimeout(exportTimeout),
		)))
	}
	if len(readers) > 0 {
		meterProvider := sdkmetric.NewMeterProvider(append(readers, sdkmetric.WithResource(res))...)
		otel.SetMeterProvider(meterProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})

	runtime.tracer = otel.Tracer(instrumentationName)
	runtime.registerInstruments(otel.Meter(instrumentationName), logger)
	runtime.enabled = true

	if logger != nil {
		logger.Info(
			"opentelemetry enabled",
			"otel_endpoint", otlpEndpoint,
			"otel_traces_enabled", cfg.TracesEnabled,
			"otel_metrics_enabled", cfg.MetricsEnabled,
			"otel_sampling_ratio", cfg.SamplingRatio,
		)
	}
	return runtime, nil
}

func (r *Runtime) registerInstruments(meter metric.Meter, logger *slog.Logger) {
	counter := func(name, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description))
		if err != nil && logger != nil {
			logger.Warn("failed to create opentelemetry counter", "metric", name, "error", err)
		}
		return c
	}

	r.runsEnqueued = counter("tracebridge.runs.enqueued_total", "Count of runs accepted into the delivery queue.")
	r.runsDelivered = counter("tracebridge.runs.delivered_total", "Count of runs accepted by the ingestion backend.")
	r.runsRequeued = counter("tracebridge.runs.requeued_total", "Count of runs returned to the queue after a failed flush.")
	r.runsDropped = counter("tracebridge.runs.dropped_total", "Count of runs evicted because the delivery queue was at capacity.")
	r.runsAbandoned = counter("tracebridge.runs.abandoned_total", "Count of runs left undelivered at shutdown.")
	r.invocationsDropped = counter("tracebridge.invocations.dropped_total", "Count of invocations dropped because the bridge queue was full or inactive.")
	r.invocationsFailed = counter("tracebridge.invocations.failed_total", "Count of invocations that failed correlation or assembly.")

	histogram, err := meter.Float64Histogram(
		"tracebridge.flush.duration",
		metric.WithDescription("Duration of one batch flush to the ingestion backend."),
		metric.WithUnit("s"),
	)
	if err != nil && logger != nil {
		logger.Warn("failed to create opentelemetry histogram", "metric", "tracebridge.flush.duration", "error", err)
	}
	r.flushDuration = histogram
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// WrapHTTPHandler wraps an inbound HTTP handler with OpenTelemetry spans.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(
		next,
		"tracebridge.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return r.serverSpanName(req.Method, req.URL.Path)
		}),
	)
}

// SpanEnrichmentMiddleware adds the gateway correlation id and caller
// identity headers to the active span and marks 5xx responses as errors.
func (r *Runtime) SpanEnrichmentMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusCapturingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(recorder, req)

		span := oteltrace.SpanFromContext(req.Context())
		if span == nil || !span.IsRecording() {
			return
		}

		statusCode := recorder.StatusCode()
		if statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("http %d", statusCode))
		}

		attrs := make([]attribute.KeyValue, 0, 3)
		if correlationID, ok := correlation.FromContext(req.Context()); ok {
			attrs = append(attrs, attribute.String("tracebridge.correlation_id", correlationID))
		}
		if sessionID := strings.TrimSpace(req.Header.Get("X-Session-ID")); sessionID != "" {
			attrs = append(attrs, attribute.String("tracebridge.session_id", sessionID))
		}
		if adapter := strings.TrimSpace(req.Header.Get("X-Adapter")); adapter != "" {
			attrs = append(attrs, attribute.String("tracebridge.adapter", adapter))
		}
		if len(attrs) > 0 {
			span.SetAttributes(attrs...)
		}
	})
}

// WrapHTTPTransport wraps an outbound HTTP transport with OpenTelemetry spans.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !r.Enabled() {
		return base
	}
	return otelhttp.NewTransport(
		base,
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return r.clientSpanName(req.Method, req.URL)
		}),
	)
}

// PipelineMetrics returns delivery pipeline callbacks that feed the runtime's
// instruments. Each flush also becomes a span.
func (r *Runtime) PipelineMetrics() *trace.PipelineMetrics {
	if !r.Enabled() {
		return nil
	}
	add := func(counter metric.Int64Counter) func(int) {
		return func(count int) {
			if counter == nil || count <= 0 {
				return
			}
			counter.Add(context.Background(), int64(count))
		}
	}
	return &trace.PipelineMetrics{
		OnEnqueue: add(r.runsEnqueued),
		OnDeliver: add(r.runsDelivered),
		OnRequeue: add(r.runsRequeued),
		OnDrop:    add(r.runsDropped),
		OnAbandon: add(r.runsAbandoned),
		OnFlushStart: func(batchSize int) func(error) {
			_, span := r.tracer.Start(context.Background(), "tracebridge.flush",
				oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
				oteltrace.WithAttributes(attribute.Int("tracebridge.batch_size", batchSize)),
			)
			return func(err error) {
				if err != nil {
					span.SetStatus(codes.Error, ScrubCredentials(err.Error()))
					span.SetAttributes(attribute.String("tracebridge.error_class", trace.ClassifyDeliveryError(err)))
				}
				span.End()
			}
		},
		OnFlush: func(batchSize int, duration time.Duration) {
			if r.flushDuration == nil {
				return
			}
			r.flushDuration.Record(context.Background(), duration.Seconds(),
				metric.WithAttributes(attribute.Int("batch_size", batchSize)),
			)
		},
	}
}

// BridgeMetrics returns the invocation callbacks for a bridge.Service,
// including the pipeline callbacks.
func (r *Runtime) BridgeMetrics() *bridge.Metrics {
	if !r.Enabled() {
		return nil
	}
	record := func(counter metric.Int64Counter) func(int) {
		return func(count int) {
			if counter != nil && count > 0 {
				counter.Add(context.Background(), int64(count))
			}
		}
	}
	return &bridge.Metrics{
		OnInvocationDropped: record(r.invocationsDropped),
		OnInvocationFailed:  record(r.invocationsFailed),
		Pipeline:            r.PipelineMetrics(),
	}
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}
	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

func normalizeRoutePrefixes(prefixes []string) []string {
	out := make([]string, 0, len(prefixes)+1)
	for _, prefix := range append([]string{"/api"}, prefixes...) {
		prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
		if prefix != "" {
			out = append(out, prefix)
		}
	}
	return out
}

func (r *Runtime) routePatternForPath(path string) string {
	if r != nil {
		for _, prefix := range r.routes {
			if path == prefix || strings.HasPrefix(path, prefix+"/") {
				return prefix + "/*"
			}
		}
	}
	return "/other"
}

func (r *Runtime) serverSpanName(method, path string) string {
	return normalizedMethod(method) + " " + r.routePatternForPath(path)
}

// clientSpanName names outbound spans after the upstream host and the last
// path segment, e.g. "POST api.smith.langchain.com /runs".
func (r *Runtime) clientSpanName(method string, target *url.URL) string {
	if target == nil {
		return normalizedMethod(method)
	}
	segment := target.Path
	if idx := strings.LastIndex(segment, "/"); idx >= 0 {
		segment = segment[idx:]
	}
	if segment == "" {
		segment = "/"
	}
	return normalizedMethod(method) + " " + target.Host + " " + segment
}

func normalizedMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "UNKNOWN"
	}
	return method
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusCapturingResponseWriter) Unwrap() http.ResponseWriter {
	if w == nil {
		return nil
	}
	return w.ResponseWriter
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusCapturingResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusCapturingResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

// Flush keeps streamed provider responses flowing through the wrapper.
func (w *statusCapturingResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusCapturingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}

func (w *statusCapturingResponseWriter) ReadFrom(r io.Reader) (int64, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	readerFrom, ok := w.ResponseWriter.(io.ReaderFrom)
	if !ok {
		return io.Copy(w.ResponseWriter, r)
	}
	return readerFrom.ReadFrom(r)
}
