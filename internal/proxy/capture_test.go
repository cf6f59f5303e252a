package proxy

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ongoingai/tracebridge/internal/invocation"
	"github.com/ongoingai/tracebridge/internal/providers"
)

type recordingInvocationHandler struct {
	mu          sync.Mutex
	invocations []invocation.Invocation
	reject      bool
}

func (h *recordingInvocationHandler) Handle(inv invocation.Invocation) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reject {
		return false
	}
	h.invocations = append(h.invocations, inv)
	return true
}

func (h *recordingInvocationHandler) received() []invocation.Invocation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]invocation.Invocation(nil), h.invocations...)
}

const (
	openAIChatRequest  = `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hello"}]}`
	openAIChatResponse = `{"id":"chatcmpl-1","object":"chat.completion","created":1700000000,"model":"gpt-4o-mini",` +
		`"choices":[{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],` +
		`"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`
)

func chatExchange(path string) *CapturedExchange {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &CapturedExchange{
		Context:    context.Background(),
		Method:     http.MethodPost,
		Path:       path,
		StatusCode: http.StatusOK,
		RequestHeaders: http.Header{
			"User-Agent":   []string{"openai-python/1.0"},
			"X-Session-Id": []string{"sess-1"},
		},
		RequestBody:     []byte(openAIChatRequest),
		ResponseHeaders: http.Header{"Content-Type": []string{"application/json"}},
		ResponseBody:    []byte(openAIChatResponse),
		StartedAt:       started,
		CompletedAt:     started.Add(420 * time.Millisecond),
		DurationMS:      420,
		CorrelationID:   "req-corr-1",
		ClientIP:        "203.0.113.7",
	}
}

func TestInvocationSinkBuildsInvocationFromChatExchange(t *testing.T) {
	t.Parallel()

	handler := &recordingInvocationHandler{}
	sink := NewInvocationSink(NewRouter(DefaultRoutes()), providers.DefaultRegistry(), handler, discardLogger())

	exchange := chatExchange("/openai/v1/chat/completions")
	exchange.RequestHeaders.Set(HeaderRequestID, "caller-req-9")
	exchange.RequestHeaders.Set(HeaderUserID, "user-42")
	exchange.RequestHeaders.Set(HeaderExperimentID, "exp-7")
	exchange.RequestHeaders.Set(HeaderExperimentVariant, "b")
	exchange.RequestHeaders.Set(HeaderAdapter, "langchain")
	exchange.RequestHeaders.Set(HeaderRetryCount, "2")
	sink(exchange)

	got := handler.received()
	if len(got) != 1 {
		t.Fatalf("invocations=%d, want 1", len(got))
	}
	inv := got[0]
	if inv.Identity.RequestID != "caller-req-9" || inv.Identity.CorrelationID != "req-corr-1" {
		t.Fatalf("identity=%+v", inv.Identity)
	}
	if inv.Identity.SessionID != "sess-1" || inv.Identity.UserID != "user-42" {
		t.Fatalf("identity=%+v", inv.Identity)
	}
	if inv.Routing.Provider != "openai" || inv.Routing.Model != "gpt-4o-mini" || inv.Routing.Adapter != "langchain" {
		t.Fatalf("routing=%+v", inv.Routing)
	}
	if inv.Experiment.ID != "exp-7" || inv.Experiment.Variant != "b" {
		t.Fatalf("experiment=%+v", inv.Experiment)
	}
	if inv.RetryCount != 2 {
		t.Fatalf("retry count=%d, want 2", inv.RetryCount)
	}
	if inv.Client.IP != "203.0.113.7" || inv.Client.UserAgent != "openai-python/1.0" {
		t.Fatalf("client=%+v", inv.Client)
	}
	if inv.Metrics.TotalTokens != 8 || inv.Metrics.InputTokens != 5 || inv.Metrics.OutputTokens != 3 {
		t.Fatalf("metrics=%+v", inv.Metrics)
	}
	if inv.Metrics.DurationMS != 420 || !inv.Metrics.EndTime.Equal(exchange.CompletedAt) {
		t.Fatalf("timing=%+v", inv.Metrics)
	}
	if inv.Response == nil || inv.Response.Choices[0].Message.Content != "hi there" {
		t.Fatalf("response=%+v", inv.Response)
	}
	if inv.Err != nil {
		t.Fatalf("err=%v, want nil", inv.Err)
	}
}

func TestInvocationSinkFallsBackToCorrelationIDForRequestID(t *testing.T) {
	t.Parallel()

	handler := &recordingInvocationHandler{}
	sink := NewInvocationSink(NewRouter(DefaultRoutes()), nil, handler, discardLogger())
	sink(chatExchange("/openai/v1/chat/completions"))

	got := handler.received()
	if len(got) != 1 {
		t.Fatalf("invocations=%d, want 1", len(got))
	}
	if got[0].Identity.RequestID != "req-corr-1" {
		t.Fatalf("request id=%q, want req-corr-1", got[0].Identity.RequestID)
	}
	if got[0].RetryCount != 0 {
		t.Fatalf("retry count=%d, want 0", got[0].RetryCount)
	}
}

func TestInvocationSinkRecordsUpstreamError(t *testing.T) {
	t.Parallel()

	handler := &recordingInvocationHandler{}
	sink := NewInvocationSink(NewRouter(DefaultRoutes()), providers.DefaultRegistry(), handler, discardLogger())

	exchange := chatExchange("/openai/v1/chat/completions")
	exchange.StatusCode = http.StatusTooManyRequests
	exchange.ResponseBody = []byte(`{"error":{"message":"rate limited","type":"rate_limit_error"}}`)
	sink(exchange)

	got := handler.received()
	if len(got) != 1 {
		t.Fatalf("invocations=%d, want 1", len(got))
	}
	if got[0].Err == nil {
		t.Fatal("err=nil, want upstream error")
	}
	if got[0].StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status=%d, want %d", got[0].StatusCode, http.StatusTooManyRequests)
	}
	if got[0].Response != nil {
		t.Fatalf("response=%+v, want nil", got[0].Response)
	}
}

func TestInvocationSinkIgnoresNonChatExchanges(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*CapturedExchange)
	}{
		{name: "models listing", mutate: func(e *CapturedExchange) {
			e.Method = http.MethodGet
			e.Path = "/openai/v1/models"
		}},
		{name: "embeddings", mutate: func(e *CapturedExchange) { e.Path = "/openai/v1/embeddings" }},
		{name: "unrouted path", mutate: func(e *CapturedExchange) { e.Path = "/api/health" }},
		{name: "openai path on anthropic route", mutate: func(e *CapturedExchange) { e.Path = "/anthropic/v1/chat/completions" }},
		{name: "truncated request", mutate: func(e *CapturedExchange) { e.RequestBodyTruncated = true }},
		{name: "truncated response", mutate: func(e *CapturedExchange) { e.ResponseBodyTruncated = true }},
		{name: "empty request body", mutate: func(e *CapturedExchange) { e.RequestBody = nil }},
		{name: "undecodable request", mutate: func(e *CapturedExchange) { e.RequestBody = []byte(`{not json`) }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			handler := &recordingInvocationHandler{}
			sink := NewInvocationSink(NewRouter(DefaultRoutes()), providers.DefaultRegistry(), handler, discardLogger())
			exchange := chatExchange("/openai/v1/chat/completions")
			tt.mutate(exchange)
			sink(exchange)

			if got := handler.received(); len(got) != 0 {
				t.Fatalf("invocations=%d, want 0", len(got))
			}
		})
	}
}

func TestInvocationSinkDecodesAnthropicMessages(t *testing.T) {
	t.Parallel()

	handler := &recordingInvocationHandler{}
	sink := NewInvocationSink(NewRouter(DefaultRoutes()), providers.DefaultRegistry(), handler, discardLogger())

	exchange := chatExchange("/anthropic/v1/messages")
	exchange.RequestBody = []byte(`{"model":"claude-3-5-sonnet-20241022","max_tokens":256,"messages":[{"role":"user","content":"hello"}]}`)
	exchange.ResponseBody = []byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-sonnet-20241022",` +
		`"content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn","usage":{"input_tokens":4,"output_tokens":2}}`)
	sink(exchange)

	got := handler.received()
	if len(got) != 1 {
		t.Fatalf("invocations=%d, want 1", len(got))
	}
	if got[0].Routing.Provider != "anthropic" {
		t.Fatalf("provider=%q, want anthropic", got[0].Routing.Provider)
	}
	if got[0].Metrics.InputTokens != 4 || got[0].Metrics.OutputTokens != 2 {
		t.Fatalf("metrics=%+v", got[0].Metrics)
	}
}

func TestInvocationSinkToleratesRejectedInvocations(t *testing.T) {
	t.Parallel()

	handler := &recordingInvocationHandler{reject: true}
	sink := NewInvocationSink(NewRouter(DefaultRoutes()), providers.DefaultRegistry(), handler, discardLogger())
	sink(chatExchange("/openai/v1/chat/completions"))
	sink(nil)

	if got := handler.received(); len(got) != 0 {
		t.Fatalf("invocations=%d, want 0", len(got))
	}
}

func TestParseRetryCount(t *testing.T) {
	t.Parallel()

	tests := map[string]int{"": 0, "3": 3, " 1 ": 1, "-2": 0, "many": 0}
	for raw, want := range tests {
		if got := parseRetryCount(raw); got != want {
			t.Fatalf("parseRetryCount(%q)=%d, want %d", raw, got, want)
		}
	}
}
