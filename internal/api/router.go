// Package api serves the gateway's own endpoints: health, pipeline
// diagnostics and Prometheus metrics.
package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/ongoingai/tracebridge/internal/bridge"
)

// DiagnosticsReader exposes the bridge's point-in-time diagnostics.
type DiagnosticsReader interface {
	Diagnostics() bridge.Diagnostics
}

type RouterOptions struct {
	AppVersion  string
	Diagnostics DiagnosticsReader
	// MetricsPath mounts the Prometheus handler when set.
	MetricsPath string
}

func NewRouter(options RouterOptions) http.Handler {
	mux := http.NewServeMux()
	known := map[string]bool{"/": true, "/api/health": true, "/api/diagnostics/trace-pipeline": true}
	mux.Handle("GET /api/health", HealthHandler(HealthOptions{
		Version:     options.AppVersion,
		StartedAt:   time.Now().UTC(),
		Diagnostics: options.Diagnostics,
	}))
	mux.Handle("GET /api/diagnostics/trace-pipeline", TracePipelineDiagnosticsHandler(TracePipelineDiagnosticsOptions{
		Reader: options.Diagnostics,
	}))
	if options.MetricsPath != "" {
		mux.Handle("GET "+options.MetricsPath, MetricsHandler(options.Diagnostics))
		known[options.MetricsPath] = true
	}
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "tracebridge",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})
	return withCORS(onlyGET(known, mux))
}

var internalErrorBody = []byte(`{"error":"internal server error"}` + "\n")

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	body, err := sonic.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write(internalErrorBody)
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// onlyGET answers non-GET requests to the known paths with a JSON 405.
func onlyGET(known map[string]bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if known[r.URL.Path] && r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, OPTIONS")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
