package api

import (
	"net/http"
	"time"

	"github.com/ongoingai/tracebridge/internal/bridge"
)

type HealthOptions struct {
	Version     string
	StartedAt   time.Time
	Diagnostics DiagnosticsReader
}

type healthResponse struct {
	Status             string `json:"status"`
	Version            string `json:"version"`
	UptimeSec          int64  `json:"uptime_sec"`
	BridgeState        string `json:"bridge_state,omitempty"`
	QueuePressureState string `json:"queue_pressure_state,omitempty"`
	SpoolDriver        string `json:"spool_driver,omitempty"`
}

// HealthHandler reports "ok" while the bridge is active and "degraded" when
// it is not accepting invocations. The proxy keeps serving either way, so
// the status code stays 200.
func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {

		response := healthResponse{
			Status:    "ok",
			Version:   options.Version,
			UptimeSec: int64(time.Since(options.StartedAt).Seconds()),
		}
		if options.Diagnostics != nil {
			diagnostics := options.Diagnostics.Diagnostics()
			response.BridgeState = diagnostics.State
			response.QueuePressureState = diagnostics.Pipeline.QueuePressureState
			response.SpoolDriver = diagnostics.Pipeline.SpoolDriver
			if diagnostics.State != bridge.StateActive {
				response.Status = "degraded"
			}
		}
		writeJSON(w, http.StatusOK, response)
	})
}
