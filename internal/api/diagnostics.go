package api

import (
	"net/http"
	"time"

	"github.com/ongoingai/tracebridge/internal/bridge"
)

const tracePipelineDiagnosticsSchemaVersion = "trace-pipeline-diagnostics.v1"

type TracePipelineDiagnosticsOptions struct {
	Reader DiagnosticsReader
}

// TracePipelineDiagnosticsHandler serves one diagnostics snapshot per call,
// or 503 when no bridge is wired in.
func TracePipelineDiagnosticsHandler(options TracePipelineDiagnosticsOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if options.Reader == nil {
			writeError(w, http.StatusServiceUnavailable, "trace pipeline diagnostics unavailable")
			return
		}
		writeJSON(w, http.StatusOK, struct {
			SchemaVersion string             `json:"schema_version"`
			GeneratedAt   time.Time          `json:"generated_at"`
			Diagnostics   bridge.Diagnostics `json:"diagnostics"`
		}{
			SchemaVersion: tracePipelineDiagnosticsSchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Diagnostics:   options.Reader.Diagnostics(),
		})
	})
}
