package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ongoingai/tracebridge/internal/bridge"
	"github.com/ongoingai/tracebridge/internal/correlation"
	"github.com/ongoingai/tracebridge/internal/trace"
)

type stubDiagnosticsReader struct {
	snapshot bridge.Diagnostics
}

func (s *stubDiagnosticsReader) Diagnostics() bridge.Diagnostics {
	return s.snapshot
}

func activeDiagnostics() bridge.Diagnostics {
	lastFlush := time.Date(2026, 2, 22, 3, 4, 5, 0, time.UTC)
	return bridge.Diagnostics{
		State:                   bridge.StateActive,
		InvocationQueueCapacity: 1024,
		InvocationQueueDepth:    3,
		InvocationsReceived:     120,
		InvocationsDropped:      2,
		InvocationsProcessed:    117,
		InvocationsFailed:       1,
		Correlation:             correlation.AnchorCacheStats{Hits: 40, Misses: 77},
		Pipeline: trace.PipelineDiagnostics{
			BatchSize:               20,
			FlushIntervalMS:         1000,
			QueueCapacity:           10000,
			QueueDepth:              12,
			QueueDepthHighWatermark: 300,
			QueuePressureState:      trace.QueuePressureOK,
			EnqueuedTotal:           150,
			DeliveredTotal:          138,
			RequeuedTotal:           6,
			FlushesTotal:            9,
			FlushFailuresTotal:      1,
			LastFlushAt:             &lastFlush,
			SpoolDriver:             "sqlite",
		},
	}
}

func serve(handler http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestRouterHealthReflectsBridgeState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		reader     DiagnosticsReader
		wantStatus string
		wantState  string
	}{
		{name: "active", reader: &stubDiagnosticsReader{snapshot: activeDiagnostics()}, wantStatus: "ok", wantState: "active"},
		{name: "shut down", reader: &stubDiagnosticsReader{snapshot: bridge.Diagnostics{State: bridge.StateShutdown}}, wantStatus: "degraded", wantState: "shutdown"},
		{name: "no bridge", reader: nil, wantStatus: "ok"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := serve(NewRouter(RouterOptions{AppVersion: "v1.2.3", Diagnostics: tt.reader}), http.MethodGet, "/api/health")
			if rec.Code != http.StatusOK {
				t.Fatalf("status=%d, want 200", rec.Code)
			}
			var body healthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode health response: %v", err)
			}
			if body.Status != tt.wantStatus || body.BridgeState != tt.wantState {
				t.Fatalf("status=%q state=%q, want %q %q", body.Status, body.BridgeState, tt.wantStatus, tt.wantState)
			}
			if body.Version != "v1.2.3" {
				t.Fatalf("version=%q, want v1.2.3", body.Version)
			}
		})
	}
}

func TestRouterTracePipelineDiagnostics(t *testing.T) {
	t.Parallel()

	handler := NewRouter(RouterOptions{
		AppVersion:  "dev",
		Diagnostics: &stubDiagnosticsReader{snapshot: activeDiagnostics()},
	})
	rec := serve(handler, http.MethodGet, "/api/diagnostics/trace-pipeline")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}

	var body struct {
		SchemaVersion string         `json:"schema_version"`
		GeneratedAt   time.Time      `json:"generated_at"`
		Diagnostics   map[string]any `json:"diagnostics"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode diagnostics response: %v", err)
	}
	if body.SchemaVersion != tracePipelineDiagnosticsSchemaVersion {
		t.Fatalf("schema_version=%q, want %q", body.SchemaVersion, tracePipelineDiagnosticsSchemaVersion)
	}
	if body.GeneratedAt.IsZero() {
		t.Fatal("generated_at is zero")
	}
	if body.Diagnostics["state"] != "active" {
		t.Fatalf("state=%v, want active", body.Diagnostics["state"])
	}
	pipeline, ok := body.Diagnostics["pipeline"].(map[string]any)
	if !ok {
		t.Fatalf("pipeline=%T, want object", body.Diagnostics["pipeline"])
	}
	if pipeline["delivered_total"] != float64(138) {
		t.Fatalf("delivered_total=%v, want 138", pipeline["delivered_total"])
	}
	if pipeline["spool_driver"] != "sqlite" {
		t.Fatalf("spool_driver=%v, want sqlite", pipeline["spool_driver"])
	}
	cache, ok := body.Diagnostics["correlation"].(map[string]any)
	if !ok || cache["hits"] != float64(40) {
		t.Fatalf("correlation=%v, want hits 40", body.Diagnostics["correlation"])
	}
}

func TestRouterTracePipelineDiagnosticsUnavailable(t *testing.T) {
	t.Parallel()

	rec := serve(NewRouter(RouterOptions{AppVersion: "dev"}), http.MethodGet, "/api/diagnostics/trace-pipeline")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRouterMetricsExposeDiagnostics(t *testing.T) {
	t.Parallel()

	rec := serve(NewRouter(RouterOptions{
		AppVersion:  "dev",
		Diagnostics: &stubDiagnosticsReader{snapshot: activeDiagnostics()},
		MetricsPath: "/metrics",
	}), http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}

	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	text := string(body)
	for _, want := range []string{
		"tracebridge_bridge_active 1",
		"tracebridge_invocations_dropped_total 2",
		"tracebridge_run_queue_depth 12",
		"tracebridge_runs_delivered_total 138",
		"tracebridge_runs_requeued_total 6",
		"tracebridge_flush_failures_total 1",
		"tracebridge_correlation_cache_misses_total 77",
		"# TYPE tracebridge_runs_enqueued_total counter",
		"# TYPE tracebridge_invocation_queue_depth gauge",
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestRouterMetricsWithoutBridgeServesRuntimeOnly(t *testing.T) {
	t.Parallel()

	rec := serve(NewRouter(RouterOptions{AppVersion: "dev", MetricsPath: "/metrics"}), http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "tracebridge_") {
		t.Fatal("bridge metrics exposed without a diagnostics reader")
	}
}

func TestRouterOmitsMetricsWithoutPath(t *testing.T) {
	t.Parallel()

	rec := serve(NewRouter(RouterOptions{
		AppVersion:  "dev",
		Diagnostics: &stubDiagnosticsReader{snapshot: activeDiagnostics()},
	}), http.MethodGet, "/metrics")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}

func TestRouterCORSAndValidation(t *testing.T) {
	t.Parallel()

	handler := NewRouter(RouterOptions{AppVersion: "dev"})

	preflight := serve(handler, http.MethodOptions, "/api/health")
	if preflight.Code != http.StatusNoContent {
		t.Fatalf("preflight status=%d, want %d", preflight.Code, http.StatusNoContent)
	}
	if got := preflight.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin=%q, want *", got)
	}

	post := serve(handler, http.MethodPost, "/api/health")
	if post.Code != http.StatusMethodNotAllowed {
		t.Fatalf("post status=%d, want %d", post.Code, http.StatusMethodNotAllowed)
	}
	if got := post.Header().Get("Allow"); got != "GET, OPTIONS" {
		t.Fatalf("allow=%q, want GET, OPTIONS", got)
	}

	if rec := serve(handler, http.MethodGet, "/api/unknown"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown path status=%d, want 404", rec.Code)
	}

	root := serve(handler, http.MethodGet, "/")
	var payload map[string]string
	if err := json.Unmarshal(root.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode root response: %v", err)
	}
	if payload["name"] != "tracebridge" {
		t.Fatalf("name=%q, want tracebridge", payload["name"])
	}
}
