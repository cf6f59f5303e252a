package providers

import (
	"encoding/json"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// AnthropicProvider decodes Messages API payloads. tool_use blocks become
// assistant tool calls and tool_result blocks become tool role messages so
// both dialects correlate the same way.
type AnthropicProvider struct{}

func (AnthropicProvider) Name() string {
	return "anthropic"
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	System        json.RawMessage    `json:"system"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float32           `json:"temperature"`
	TopP          *float32           `json:"top_p"`
	StopSequences []string           `json:"stop_sequences"`
	Stream        bool               `json:"stream"`
	Tools         []anthropicTool    `json:"tools"`
	Metadata      struct {
		UserID string `json:"user_id"`
	} `json:"metadata"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Role       string           `json:"role"`
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

func (AnthropicProvider) DecodeRequest(body []byte) (openai.ChatCompletionRequest, error) {
	var raw anthropicRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	request := openai.ChatCompletionRequest{
		Model:     raw.Model,
		MaxTokens: raw.MaxTokens,
		Stream:    raw.Stream,
		Stop:      raw.StopSequences,
		User:      raw.Metadata.UserID,
	}
	if raw.Temperature != nil {
		request.Temperature = *raw.Temperature
	}
	if raw.TopP != nil {
		request.TopP = *raw.TopP
	}

	if system := textFromContent(raw.System); system != "" {
		request.Messages = append(request.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, message := range raw.Messages {
		request.Messages = append(request.Messages, normalizeAnthropicMessage(message)...)
	}

	for _, tool := range raw.Tools {
		definition := &openai.FunctionDefinition{
			Name:        tool.Name,
			Description: tool.Description,
		}
		if len(tool.InputSchema) > 0 {
			definition.Parameters = tool.InputSchema
		}
		request.Tools = append(request.Tools, openai.Tool{Type: openai.ToolTypeFunction, Function: definition})
	}
	return request, nil
}

// normalizeAnthropicMessage expands one Messages API turn. A user turn that
// carries tool results yields one tool message per result followed by any
// remaining user text.
func normalizeAnthropicMessage(message anthropicMessage) []openai.ChatCompletionMessage {
	blocks, isString := contentBlocks(message.Content)
	if isString {
		return []openai.ChatCompletionMessage{{Role: message.Role, Content: textFromContent(message.Content)}}
	}

	var (
		out       []openai.ChatCompletionMessage
		text      []string
		toolCalls []openai.ToolCall
	)
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				text = append(text, block.Text)
			}
		case "tool_use":
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   block.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      block.Name,
					Arguments: toolArguments(block.Input),
				},
			})
		case "tool_result":
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: block.ToolUseID,
				Content:    textFromContent(block.Content),
			})
		}
	}

	if len(text) > 0 || len(toolCalls) > 0 || len(out) == 0 {
		out = append(out, openai.ChatCompletionMessage{
			Role:      message.Role,
			Content:   strings.Join(text, "\n"),
			ToolCalls: toolCalls,
		})
	}
	return out
}

func (AnthropicProvider) DecodeResponse(body []byte) (*openai.ChatCompletionResponse, error) {
	var raw anthropicResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	if raw.Type != "" && raw.Type != "message" {
		return nil, errors.New("body is not a message")
	}

	message := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
	var text []string
	for _, block := range raw.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			message.ToolCalls = append(message.ToolCalls, openai.ToolCall{
				ID:   block.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      block.Name,
					Arguments: toolArguments(block.Input),
				},
			})
		}
	}
	message.Content = strings.Join(text, "")

	return &openai.ChatCompletionResponse{
		ID:     raw.ID,
		Object: "chat.completion",
		Model:  raw.Model,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      message,
			FinishReason: anthropicFinishReason(raw.StopReason),
		}},
		Usage: openai.Usage{
			PromptTokens:     raw.Usage.InputTokens,
			CompletionTokens: raw.Usage.OutputTokens,
			TotalTokens:      raw.Usage.InputTokens + raw.Usage.OutputTokens,
		},
	}, nil
}

type anthropicStreamEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index"`
	Message      anthropicResponse `json:"message"`
	ContentBlock anthropicBlock    `json:"content_block"`
	Delta        struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

func (AnthropicProvider) DecodeStream(body []byte) (*openai.ChatCompletionResponse, error) {
	folder := newStreamFolder()
	// Content block indexes count text and tool_use blocks together; tool
	// calls are renumbered densely in block order.
	toolIndexes := make(map[int]int)
	for _, event := range parseSSEEvents(body) {
		var payload anthropicStreamEvent
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			continue
		}
		switch payload.Type {
		case "message_start":
			folder.setMeta(payload.Message.ID, payload.Message.Model, 0)
			folder.setRole(0, openai.ChatMessageRoleAssistant)
			folder.setUsage(payload.Message.Usage.InputTokens, payload.Message.Usage.OutputTokens, 0)
		case "content_block_start":
			switch payload.ContentBlock.Type {
			case "text":
				folder.appendContent(0, payload.ContentBlock.Text)
			case "tool_use":
				callIndex := len(toolIndexes)
				toolIndexes[payload.Index] = callIndex
				folder.toolCallDelta(0, callIndex, payload.ContentBlock.ID, payload.ContentBlock.Name, "")
			}
		case "content_block_delta":
			switch payload.Delta.Type {
			case "text_delta":
				folder.appendContent(0, payload.Delta.Text)
			case "input_json_delta":
				if callIndex, ok := toolIndexes[payload.Index]; ok {
					folder.toolCallDelta(0, callIndex, "", "", payload.Delta.PartialJSON)
				}
			}
		case "message_delta":
			folder.setFinish(0, anthropicFinishReason(payload.Delta.StopReason))
			folder.setUsage(0, payload.Usage.OutputTokens, 0)
		}
	}
	if !folder.sawChunk {
		return nil, errNoStreamEvents
	}
	response := folder.response()
	for i := range response.Choices {
		for j := range response.Choices[i].Message.ToolCalls {
			if response.Choices[i].Message.ToolCalls[j].Function.Arguments == "" {
				response.Choices[i].Message.ToolCalls[j].Function.Arguments = "{}"
			}
		}
	}
	return response, nil
}

func (AnthropicProvider) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	rates, ok := anthropicPricingForModel(model)
	if !ok {
		return 0
	}

	return (float64(inputTokens)/1000)*rates.inputPer1K + (float64(outputTokens)/1000)*rates.outputPer1K
}

func anthropicFinishReason(stopReason string) openai.FinishReason {
	switch stopReason {
	case "":
		return ""
	case "end_turn", "stop_sequence":
		return openai.FinishReasonStop
	case "tool_use":
		return openai.FinishReasonToolCalls
	case "max_tokens":
		return openai.FinishReasonLength
	default:
		return openai.FinishReason(stopReason)
	}
}

// contentBlocks decodes a content field that is either a string or a block
// list. isString reports the former.
func contentBlocks(raw json.RawMessage) (blocks []anthropicBlock, isString bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, true
	}
	if strings.HasPrefix(trimmed, "\"") {
		return nil, true
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, true
	}
	return blocks, false
}

func textFromContent(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	blocks, isString := contentBlocks(raw)
	if isString {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func toolArguments(input json.RawMessage) string {
	trimmed := strings.TrimSpace(string(input))
	if trimmed == "" || trimmed == "null" {
		return "{}"
	}
	return trimmed
}

type anthropicPricing struct {
	inputPer1K  float64
	outputPer1K float64
}

type anthropicPricingRule struct {
	prefix string
	rates  anthropicPricing
}

var anthropicExactPricing = map[string]anthropicPricing{
	// USD per 1K tokens.
	"claude-opus-4-1":           {inputPer1K: 0.015, outputPer1K: 0.075},
	"claude-sonnet-4-20250514":  {inputPer1K: 0.003, outputPer1K: 0.015},
	"claude-haiku-4-5-20251001": {inputPer1K: 0.001, outputPer1K: 0.005},
	"claude-3-5-haiku-20241022": {inputPer1K: 0.0008, outputPer1K: 0.004},
}

var anthropicPrefixPricing = []anthropicPricingRule{
	{prefix: "claude-opus-4-1-", rates: anthropicPricing{inputPer1K: 0.015, outputPer1K: 0.075}},
	{prefix: "claude-opus-4-", rates: anthropicPricing{inputPer1K: 0.015, outputPer1K: 0.075}},
	{prefix: "claude-sonnet-4-", rates: anthropicPricing{inputPer1K: 0.003, outputPer1K: 0.015}},
	{prefix: "claude-haiku-4-5-", rates: anthropicPricing{inputPer1K: 0.001, outputPer1K: 0.005}},
	{prefix: "claude-3-7-sonnet-", rates: anthropicPricing{inputPer1K: 0.003, outputPer1K: 0.015}},
	{prefix: "claude-3-5-sonnet-", rates: anthropicPricing{inputPer1K: 0.003, outputPer1K: 0.015}},
	{prefix: "claude-3-5-haiku-", rates: anthropicPricing{inputPer1K: 0.0008, outputPer1K: 0.004}},
	{prefix: "claude-3-opus-", rates: anthropicPricing{inputPer1K: 0.015, outputPer1K: 0.075}},
	{prefix: "claude-3-haiku-", rates: anthropicPricing{inputPer1K: 0.00025, outputPer1K: 0.00125}},
}

func anthropicPricingForModel(model string) (anthropicPricing, bool) {
	model = strings.TrimSpace(strings.ToLower(model))
	if model == "" {
		return anthropicPricing{}, false
	}

	if rates, ok := anthropicExactPricing[model]; ok {
		return rates, true
	}

	for _, rule := range anthropicPrefixPricing {
		if strings.HasPrefix(model, rule.prefix) {
			return rule.rates, true
		}
	}

	return anthropicPricing{}, false
}
