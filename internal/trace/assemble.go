package trace

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ongoingai/tracebridge/internal/correlation"
	"github.com/ongoingai/tracebridge/internal/invocation"
	openai "github.com/sashabaranov/go-openai"
)

// MarkerTag is the first tag on every run produced by this gateway.
const MarkerTag = "tracebridge"

// Assembler converts a correlated invocation into one llm run followed by
// any tool runs it spawned.
type Assembler struct {
	SessionName string
	NewID       func() string
	Now         func() time.Time
}

func NewAssembler(sessionName string) *Assembler {
	return &Assembler{
		SessionName: sessionName,
		NewID:       uuid.NewString,
		Now:         time.Now,
	}
}

// Assemble returns the runs for inv in enqueue order: the llm run first,
// then its tool children ordered by execution order.
func (a *Assembler) Assemble(inv invocation.Invocation, link correlation.Link) []*Run {
	now := a.now()
	model := inv.Model()

	start := inv.Metrics.StartTime
	end := inv.Metrics.EndTime
	if end.IsZero() {
		end = now
	}
	if start.IsZero() {
		start = end
	}
	start = start.UTC()
	end = end.UTC()

	llm := &Run{
		ID:             a.newID(),
		RunType:        RunTypeLLM,
		ParentRunID:    link.ParentRunID,
		SessionName:    a.SessionName,
		StartTime:      start,
		EndTime:        &end,
		ExecutionOrder: 1,
		Inputs:         llmInputs(inv.Request),
		Outputs:        llmOutputs(inv.Response),
		Error:          inv.ErrorMessage(),
		Tags:           llmTags(inv, link, model),
		Extra:          map[string]any{"metadata": llmMetadata(inv, link, model)},
	}
	if link.IsToolCallback {
		llm.Name = "Tool response - " + model
		if link.ParentRunID != "" {
			// Siblings of the root's tool runs: follow every call in the
			// conversation so far.
			llm.ExecutionOrder = len(distinctToolCalls(inv.Request.Messages)) + 1
		}
	} else {
		llm.Name = model + " completion"
	}
	llm.TraceID = link.TraceID()
	if llm.TraceID == "" {
		llm.TraceID = llm.ID
	}

	runs := []*Run{llm}
	if !link.ResponseUsesTools || link.IsToolCallback {
		return runs
	}

	merged := make([]openai.ChatCompletionMessage, 0, len(inv.Request.Messages)+1)
	merged = append(merged, inv.Request.Messages...)
	merged = append(merged, inv.ResponseMessages()...)
	for i, call := range distinctToolCalls(merged) {
		name := strings.TrimSpace(call.Function.Name)
		toolEnd := end
		runs = append(runs, &Run{
			ID:             a.newID(),
			TraceID:        llm.TraceID,
			Name:           toolRunName(name),
			RunType:        RunTypeTool,
			ParentRunID:    llm.ID,
			SessionName:    a.SessionName,
			StartTime:      start,
			EndTime:        &toolEnd,
			ExecutionOrder: i + 1,
			Inputs: map[string]any{
				"function_name": name,
				"arguments":     call.Function.Arguments,
			},
			Tags: []string{MarkerTag, "tool"},
			Extra: map[string]any{
				"tool_call_id": call.ID,
				"request_id":   inv.Identity.RequestID,
				"user_id":      inv.Identity.UserID,
			},
		})
	}
	return runs
}

func (a *Assembler) newID() string {
	if a.NewID != nil {
		return a.NewID()
	}
	return uuid.NewString()
}

func (a *Assembler) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func toolRunName(functionName string) string {
	if functionName == "" {
		return "tool"
	}
	return functionName
}

// distinctToolCalls collects tool calls across messages in order, keeping
// the first occurrence of each tool call id.
func distinctToolCalls(messages []openai.ChatCompletionMessage) []openai.ToolCall {
	var calls []openai.ToolCall
	seen := make(map[string]struct{})
	for _, message := range messages {
		for _, call := range message.ToolCalls {
			if call.ID != "" {
				if _, dup := seen[call.ID]; dup {
					continue
				}
				seen[call.ID] = struct{}{}
			}
			calls = append(calls, call)
		}
	}
	return calls
}

func llmInputs(req openai.ChatCompletionRequest) map[string]any {
	inputs := map[string]any{
		"messages":          req.Messages,
		"model":             req.Model,
		"temperature":       req.Temperature,
		"max_tokens":        maxTokens(req),
		"top_p":             req.TopP,
		"frequency_penalty": req.FrequencyPenalty,
		"presence_penalty":  req.PresencePenalty,
		"stream":            req.Stream,
	}
	if len(req.Tools) > 0 {
		inputs["tools"] = req.Tools
	}
	return inputs
}

func maxTokens(req openai.ChatCompletionRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return req.MaxCompletionTokens
}

func llmOutputs(resp *openai.ChatCompletionResponse) map[string]any {
	if resp == nil {
		return nil
	}
	outputs := map[string]any{
		"choices": resp.Choices,
		"usage":   resp.Usage,
	}
	if resp.SystemFingerprint != "" {
		outputs["system_fingerprint"] = resp.SystemFingerprint
	}
	return outputs
}

func llmTags(inv invocation.Invocation, link correlation.Link, model string) []string {
	tags := []string{MarkerTag}
	if provider := strings.TrimSpace(inv.Routing.Provider); provider != "" {
		tags = append(tags, provider)
	}
	if model != "" {
		tags = append(tags, model)
	}
	if adapter := strings.TrimSpace(inv.Routing.Adapter); adapter != "" {
		tags = append(tags, "adapter:"+adapter)
	}
	if experiment := strings.TrimSpace(inv.Experiment.ID); experiment != "" {
		tags = append(tags, "experiment:"+experiment)
	}
	if inv.Streamed() {
		tags = append(tags, "streaming")
	}
	if link.IsToolUsage {
		tags = append(tags, "tool_usage")
	}
	return tags
}

func llmMetadata(inv invocation.Invocation, link correlation.Link, model string) map[string]any {
	metadata := map[string]any{
		"interaction_id":   link.InteractionID,
		"target_model":     model,
		"target_provider":  inv.Routing.Provider,
		"duration_ms":      inv.Metrics.DurationMS,
		"input_tokens":     inv.Metrics.InputTokens,
		"output_tokens":    inv.Metrics.OutputTokens,
		"total_tokens":     inv.Metrics.TotalTokens,
		"retry_count":      inv.RetryCount,
		"is_tool_callback": link.IsToolCallback,
		"is_tool_usage":    link.IsToolUsage,
	}
	optional := map[string]string{
		"request_id":         inv.Identity.RequestID,
		"correlation_id":     inv.Identity.CorrelationID,
		"user_id":            inv.Identity.UserID,
		"session_id":         inv.Identity.SessionID,
		"adapter":            inv.Routing.Adapter,
		"client_ip":          inv.Client.IP,
		"user_agent":         inv.Client.UserAgent,
		"experiment_id":      inv.Experiment.ID,
		"experiment_variant": inv.Experiment.Variant,
		"finish_reason":      lastFinishReason(inv.Response),
	}
	for key, value := range optional {
		if value != "" {
			metadata[key] = value
		}
	}
	if inv.StatusCode > 0 {
		metadata["status_code"] = inv.StatusCode
	}
	if inv.Metrics.EstimatedCostUSD > 0 {
		metadata["estimated_cost_usd"] = inv.Metrics.EstimatedCostUSD
	}
	return metadata
}

func lastFinishReason(resp *openai.ChatCompletionResponse) string {
	if resp == nil || len(resp.Choices) == 0 {
		return ""
	}
	return string(resp.Choices[len(resp.Choices)-1].FinishReason)
}
