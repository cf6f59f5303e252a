package trace

import "time"

const (
	RunTypeLLM   = "llm"
	RunTypeTool  = "tool"
	RunTypeChain = "chain"
)

// Run is one node of a trace tree as accepted by the ingestion backend's
// runs endpoint. Runs are immutable once assembled.
type Run struct {
	ID             string         `json:"id"`
	TraceID        string         `json:"trace_id,omitempty"`
	Name           string         `json:"name"`
	RunType        string         `json:"run_type"`
	ParentRunID    string         `json:"parent_run_id,omitempty"`
	SessionName    string         `json:"session_name,omitempty"`
	StartTime      time.Time      `json:"start_time"`
	EndTime        *time.Time     `json:"end_time,omitempty"`
	ExecutionOrder int            `json:"execution_order"`
	Inputs         map[string]any `json:"inputs"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	Error          string         `json:"error,omitempty"`
	Tags           []string       `json:"tags"`
	Extra          map[string]any `json:"extra"`
}

// Metadata returns the extra.metadata map, or nil when the run has none.
func (r *Run) Metadata() map[string]any {
	if r == nil || r.Extra == nil {
		return nil
	}
	metadata, _ := r.Extra["metadata"].(map[string]any)
	return metadata
}

// OrderTime returns the best-effort ordering timestamp for a run.
func (r *Run) OrderTime() time.Time {
	if r == nil {
		return time.Time{}
	}
	if !r.StartTime.IsZero() {
		return r.StartTime.UTC()
	}
	if r.EndTime != nil {
		return r.EndTime.UTC()
	}
	return time.Time{}
}
