// Package invocation describes one completed gateway exchange in the shape
// the correlator and record assembler consume.
package invocation

import (
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Invocation is a completed proxied model call. Response is nil when the
// upstream call failed before producing a decodable body.
type Invocation struct {
	Request    openai.ChatCompletionRequest
	Response   *openai.ChatCompletionResponse
	Metrics    Metrics
	Identity   Identity
	Routing    Routing
	Experiment Experiment
	Client     Client
	RetryCount int
	StatusCode int
	Err        error
}

type Metrics struct {
	StartTime    time.Time
	EndTime      time.Time
	DurationMS   int64
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	// EstimatedCostUSD is zero when the model has no known pricing.
	EstimatedCostUSD float64
}

type Identity struct {
	RequestID string
	UserID    string
	SessionID string
	// CorrelationID is the gateway request id, distinct from a caller-supplied
	// request id when both are present.
	CorrelationID string
}

type Routing struct {
	Provider string
	Model    string
	Adapter  string
}

type Experiment struct {
	ID      string
	Variant string
}

type Client struct {
	IP        string
	UserAgent string
}

// Streamed reports whether the caller asked for a streamed response.
func (inv Invocation) Streamed() bool {
	return inv.Request.Stream
}

// ResponseMessages flattens the response choices into their messages in
// choice order.
func (inv Invocation) ResponseMessages() []openai.ChatCompletionMessage {
	if inv.Response == nil {
		return nil
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(inv.Response.Choices))
	for _, choice := range inv.Response.Choices {
		messages = append(messages, choice.Message)
	}
	return messages
}

// Model prefers the routed model and falls back to the model named in the
// request, then the one reported by the upstream response.
func (inv Invocation) Model() string {
	if inv.Routing.Model != "" {
		return inv.Routing.Model
	}
	if inv.Request.Model != "" {
		return inv.Request.Model
	}
	if inv.Response != nil {
		return inv.Response.Model
	}
	return ""
}

// ErrorMessage returns the failure text, or "" when the invocation succeeded.
func (inv Invocation) ErrorMessage() string {
	if inv.Err == nil {
		return ""
	}
	return inv.Err.Error()
}
