package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ongoingai/tracebridge/internal/config"
	"github.com/ongoingai/tracebridge/internal/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNormalizeOTLPEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		input         string
		wantEndpoint  string
		wantInsecure  bool
		wantErrSubstr string
	}{
		{name: "host and port", input: "collector:4318", wantEndpoint: "collector:4318"},
		{name: "http url", input: "http://collector:4318", wantEndpoint: "collector:4318", wantInsecure: true},
		{name: "https url", input: "https://collector:4318", wantEndpoint: "collector:4318"},
		{name: "invalid scheme", input: "ftp://collector:4318", wantErrSubstr: "scheme must be http or https"},
		{name: "empty endpoint", input: "   ", wantErrSubstr: "must not be empty"},
		{name: "missing host", input: "http://", wantErrSubstr: "must include host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			endpoint, insecure, err := normalizeOTLPEndpoint(tt.input)
			if tt.wantErrSubstr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErrSubstr) {
					t.Fatalf("error=%v, want substring %q", err, tt.wantErrSubstr)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeOTLPEndpoint() error: %v", err)
			}
			if endpoint != tt.wantEndpoint || insecure != tt.wantInsecure {
				t.Fatalf("got (%q, %v), want (%q, %v)", endpoint, insecure, tt.wantEndpoint, tt.wantInsecure)
			}
		})
	}
}

func TestRoutePatternForPath(t *testing.T) {
	t.Parallel()

	runtime := &Runtime{routes: normalizeRoutePrefixes([]string{"/openai/", "/anthropic", " "})}
	tests := map[string]string{
		"/openai/v1/chat/completions": "/openai/*",
		"/openai":                     "/openai/*",
		"/openaiish/v1":               "/other",
		"/anthropic/v1/messages":      "/anthropic/*",
		"/api/health":                 "/api/*",
		"/metrics":                    "/other",
	}
	for path, want := range tests {
		if got := runtime.routePatternForPath(path); got != want {
			t.Fatalf("routePatternForPath(%q)=%q, want %q", path, got, want)
		}
	}
}

func TestSpanNames(t *testing.T) {
	t.Parallel()

	runtime := &Runtime{routes: normalizeRoutePrefixes([]string{"/openai"})}
	if got := runtime.serverSpanName("", "/openai/v1/chat/completions"); got != "UNKNOWN /openai/*" {
		t.Fatalf("server span name=%q", got)
	}
	target, _ := url.Parse("https://api.smith.langchain.com/runs")
	if got := runtime.clientSpanName(http.MethodPost, target); got != "POST api.smith.langchain.com /runs" {
		t.Fatalf("client span name=%q", got)
	}
	target, _ = url.Parse("https://api.openai.com/v1/chat/completions")
	if got := runtime.clientSpanName(http.MethodPost, target); got != "POST api.openai.com /completions" {
		t.Fatalf("client span name=%q", got)
	}
}

func TestSpanEnrichmentMiddleware(t *testing.T) {
	tests := []struct {
		name          string
		statusCode    int
		headers       map[string]string
		correlationID string
		wantError     bool
		wantAttrs     map[string]string
	}{
		{
			name:          "5xx with session sets error status and attributes",
			statusCode:    http.StatusBadGateway,
			correlationID: "corr-otel-1",
			headers:       map[string]string{"X-Session-ID": "session-1", "X-Adapter": "langchain"},
			wantError:     true,
			wantAttrs: map[string]string{
				"tracebridge.correlation_id": "corr-otel-1",
				"tracebridge.session_id":     "session-1",
				"tracebridge.adapter":        "langchain",
			},
		},
		{
			name:       "4xx does not set error status",
			statusCode: http.StatusNotFound,
			headers:    map[string]string{"X-Session-ID": "session-2"},
			wantAttrs:  map[string]string{"tracebridge.session_id": "session-2"},
		},
		{
			name:       "whitespace-only headers are omitted",
			statusCode: http.StatusOK,
			headers:    map[string]string{"X-Session-ID": "  ", "X-Adapter": " "},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldTP := otel.GetTracerProvider()
			defer otel.SetTracerProvider(oldTP)

			recorder := tracetest.NewSpanRecorder()
			tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
			otel.SetTracerProvider(tp)
			defer func() { _ = tp.Shutdown(context.Background()) }()

			runtime := &Runtime{enabled: true, routes: normalizeRoutePrefixes([]string{"/openai"})}
			handler := runtime.WrapHTTPHandler(runtime.SpanEnrichmentMiddleware(
				http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(tt.statusCode)
				}),
			))

			req := httptest.NewRequest(http.MethodPost, "/openai/v1/chat/completions", nil)
			for key, value := range tt.headers {
				req.Header.Set(key, value)
			}
			if tt.correlationID != "" {
				req = req.WithContext(correlation.WithContext(req.Context(), tt.correlationID))
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)

			spans := recorder.Ended()
			if len(spans) != 1 {
				t.Fatalf("ended spans=%d, want 1", len(spans))
			}
			span := spans[0]
			if span.Name() != "POST /openai/*" {
				t.Fatalf("span name=%q, want POST /openai/*", span.Name())
			}
			if tt.wantError != (span.Status().Code == codes.Error) {
				t.Fatalf("span status=%v, want error=%v", span.Status().Code, tt.wantError)
			}

			attrs := make(map[string]string)
			for key, value := range spanAttrMap(span) {
				if strings.HasPrefix(key, "tracebridge.") {
					attrs[key] = value
				}
			}
			if len(attrs) != len(tt.wantAttrs) {
				t.Fatalf("attrs=%v, want %v", attrs, tt.wantAttrs)
			}
			for key, want := range tt.wantAttrs {
				if got := attrs[key]; got != want {
					t.Fatalf("attr %q=%q, want %q", key, got, want)
				}
			}
		})
	}
}

func newInstrumentedRuntime(t *testing.T) (*Runtime, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	recorder := tracetest.NewSpanRecorder()
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() {
		_ = meterProvider.Shutdown(context.Background())
		_ = tracerProvider.Shutdown(context.Background())
	})

	runtime := &Runtime{enabled: true, tracer: tracerProvider.Tracer("test")}
	runtime.registerInstruments(meterProvider.Meter("test"), nil)
	return runtime, reader, recorder
}

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()

	var metrics metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &metrics); err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	sums := make(map[string]int64)
	for _, scope := range metrics.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, point := range data.DataPoints {
					sums[m.Name] += point.Value
				}
			case metricdata.Histogram[float64]:
				for _, point := range data.DataPoints {
					sums[m.Name] += int64(point.Count)
				}
			}
		}
	}
	return sums
}

func TestPipelineMetricsFeedCounters(t *testing.T) {
	t.Parallel()

	runtime, reader, recorder := newInstrumentedRuntime(t)
	metrics := runtime.PipelineMetrics()

	metrics.OnEnqueue(5)
	metrics.OnDeliver(3)
	metrics.OnRequeue(2)
	metrics.OnDrop(1)
	metrics.OnAbandon(2)
	metrics.OnEnqueue(0)
	metrics.OnFlush(3, 25*time.Millisecond)
	metrics.OnFlushStart(3)(nil)
	metrics.OnFlushStart(2)(errors.New("deliver run r1: x-api-key lsv2_pt_0123456789abcdef rejected: connection refused"))

	sums := collectSums(t, reader)
	want := map[string]int64{
		"tracebridge.runs.enqueued_total":  5,
		"tracebridge.runs.delivered_total": 3,
		"tracebridge.runs.requeued_total":  2,
		"tracebridge.runs.dropped_total":   1,
		"tracebridge.runs.abandoned_total": 2,
		"tracebridge.flush.duration":       1,
	}
	for name, value := range want {
		if sums[name] != value {
			t.Fatalf("%s=%d, want %d (all=%v)", name, sums[name], value, sums)
		}
	}

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("flush spans=%d, want 2", len(spans))
	}
	if spans[0].Status().Code == codes.Error {
		t.Fatal("successful flush span marked as error")
	}
	failed := spans[1]
	if failed.Status().Code != codes.Error {
		t.Fatalf("failed flush status=%v, want error", failed.Status().Code)
	}
	if strings.Contains(failed.Status().Description, "lsv2_") {
		t.Fatalf("status description leaked api key: %q", failed.Status().Description)
	}
	if got := spanAttrMap(failed)["tracebridge.error_class"]; got != "connection" {
		t.Fatalf("error_class=%q, want connection", got)
	}
}

func TestBridgeMetricsCountInvocations(t *testing.T) {
	t.Parallel()

	runtime, reader, _ := newInstrumentedRuntime(t)
	metrics := runtime.BridgeMetrics()
	if metrics.Pipeline == nil {
		t.Fatal("bridge metrics missing pipeline callbacks")
	}
	metrics.OnInvocationDropped(4)
	metrics.OnInvocationFailed(1)

	sums := collectSums(t, reader)
	if sums["tracebridge.invocations.dropped_total"] != 4 {
		t.Fatalf("dropped=%d, want 4", sums["tracebridge.invocations.dropped_total"])
	}
	if sums["tracebridge.invocations.failed_total"] != 1 {
		t.Fatalf("failed=%d, want 1", sums["tracebridge.invocations.failed_total"])
	}
}

func TestRuntimeGuardsDoNotPanic(t *testing.T) {
	t.Parallel()

	var nilRuntime *Runtime
	disabled := &Runtime{}
	for _, runtime := range []*Runtime{nilRuntime, disabled} {
		if runtime.Enabled() {
			t.Fatal("Enabled()=true, want false")
		}
		if runtime.PipelineMetrics() != nil || runtime.BridgeMetrics() != nil {
			t.Fatal("disabled runtime returned metric callbacks")
		}
		if runtime.WrapHTTPTransport(nil) != http.DefaultTransport {
			t.Fatal("disabled runtime wrapped the transport")
		}
		handler := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		if runtime.WrapHTTPHandler(handler) == nil || runtime.SpanEnrichmentMiddleware(handler) == nil {
			t.Fatal("disabled runtime returned nil handler")
		}
		if err := runtime.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown() error: %v", err)
		}
	}
}

func TestSetupDisabledIsNoop(t *testing.T) {
	t.Parallel()

	runtime, err := Setup(context.Background(), config.OTelConfig{Enabled: false}, []string{"/openai"}, "test", nil)
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	if runtime.Enabled() {
		t.Fatal("disabled config produced an enabled runtime")
	}
	if got := runtime.routePatternForPath("/openai/v1/chat/completions"); got != "/openai/*" {
		t.Fatalf("route pattern=%q, want /openai/*", got)
	}
}

func TestSetupRejectsInvalidEndpoint(t *testing.T) {
	t.Parallel()

	_, err := Setup(context.Background(), config.OTelConfig{
		Enabled:         true,
		Endpoint:        "ftp://collector:4318",
		ServiceName:     "tracebridge",
		TracesEnabled:   true,
		SamplingRatio:   1,
		ExportTimeoutMS: 1000,
	}, nil, "test", nil)
	if err == nil || !strings.Contains(err.Error(), "scheme must be http or https") {
		t.Fatalf("Setup() error=%v, want scheme error", err)
	}
}

func TestSetupExportsTracesToCollector(t *testing.T) {
	received := make(chan string, 16)
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case received <- r.URL.Path:
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()

	oldTP := otel.GetTracerProvider()
	oldMP := otel.GetMeterProvider()
	defer func() {
		otel.SetTracerProvider(oldTP)
		otel.SetMeterProvider(oldMP)
	}()

	runtime, err := Setup(context.Background(), config.OTelConfig{
		Enabled:                true,
		Endpoint:               collector.URL,
		ServiceName:            "tracebridge-test",
		TracesEnabled:          true,
		MetricsEnabled:         true,
		SamplingRatio:          1,
		ExportTimeoutMS:        2000,
		MetricExportIntervalMS: 60000,
	}, []string{"/openai"}, "test", nil)
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}

	runtime.PipelineMetrics().OnFlushStart(1)(nil)
	runtime.PipelineMetrics().OnDeliver(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := runtime.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	paths := map[string]bool{}
	for len(received) > 0 {
		paths[<-received] = true
	}
	if !paths["/v1/traces"] || !paths["/v1/metrics"] {
		t.Fatalf("collector paths=%v, want /v1/traces and /v1/metrics", paths)
	}
}

func TestStatusCapturingResponseWriterUnwrapSupportsResponseController(t *testing.T) {
	t.Parallel()

	base := &deadlineAwareResponseWriter{header: make(http.Header)}
	wrapped := &statusCapturingResponseWriter{ResponseWriter: base}

	controller := http.NewResponseController(wrapped)
	deadline := time.Now().Add(250 * time.Millisecond)
	if err := controller.SetWriteDeadline(deadline); err != nil {
		t.Fatalf("SetWriteDeadline() error: %v", err)
	}
	if base.writeDeadlineCalls != 1 || !base.lastWriteDeadline.Equal(deadline) {
		t.Fatalf("deadline calls=%d last=%v, want 1 and %v", base.writeDeadlineCalls, base.lastWriteDeadline, deadline)
	}
	if wrapped.StatusCode() != http.StatusOK {
		t.Fatalf("default status=%d, want 200", wrapped.StatusCode())
	}
	wrapped.WriteHeader(http.StatusTeapot)
	wrapped.WriteHeader(http.StatusOK)
	if wrapped.StatusCode() != http.StatusTeapot {
		t.Fatalf("status=%d, want first written status", wrapped.StatusCode())
	}
}

type deadlineAwareResponseWriter struct {
	header             http.Header
	statusCode         int
	writeDeadlineCalls int
	lastWriteDeadline  time.Time
}

func (w *deadlineAwareResponseWriter) Header() http.Header {
	return w.header
}

func (w *deadlineAwareResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return len(p), nil
}

func (w *deadlineAwareResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
}

func (w *deadlineAwareResponseWriter) SetWriteDeadline(deadline time.Time) error {
	w.writeDeadlineCalls++
	w.lastWriteDeadline = deadline
	return nil
}

func spanAttrMap(span sdktrace.ReadOnlySpan) map[string]string {
	attrs := make(map[string]string)
	for _, a := range span.Attributes() {
		attrs[string(a.Key)] = a.Value.Emit()
	}
	return attrs
}
