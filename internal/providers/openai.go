package providers

import (
	"encoding/json"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

var errNoStreamEvents = errors.New("stream body has no decodable events")

type OpenAIProvider struct{}

func (OpenAIProvider) Name() string {
	return "openai"
}

func (OpenAIProvider) DecodeRequest(body []byte) (openai.ChatCompletionRequest, error) {
	var request openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &request); err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	return request, nil
}

func (OpenAIProvider) DecodeResponse(body []byte) (*openai.ChatCompletionResponse, error) {
	var response openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, err
	}
	if response.ID == "" && len(response.Choices) == 0 {
		return nil, errors.New("body is not a chat completion")
	}
	return &response, nil
}

func (OpenAIProvider) DecodeStream(body []byte) (*openai.ChatCompletionResponse, error) {
	folder := newStreamFolder()
	for _, event := range parseSSEEvents(body) {
		var chunk openai.ChatCompletionStreamResponse
		if err := json.Unmarshal(event.Data, &chunk); err != nil {
			continue
		}
		folder.setMeta(chunk.ID, chunk.Model, chunk.Created)
		if chunk.SystemFingerprint != "" {
			folder.systemFingerprint = chunk.SystemFingerprint
		}
		for _, choice := range chunk.Choices {
			folder.setRole(choice.Index, choice.Delta.Role)
			folder.appendContent(choice.Index, choice.Delta.Content)
			for position, call := range choice.Delta.ToolCalls {
				index := position
				if call.Index != nil {
					index = *call.Index
				}
				folder.toolCallDelta(choice.Index, index, call.ID, call.Function.Name, call.Function.Arguments)
			}
			folder.setFinish(choice.Index, choice.FinishReason)
		}
		if chunk.Usage != nil {
			folder.setUsage(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens, chunk.Usage.TotalTokens)
		}
	}
	if !folder.sawChunk {
		return nil, errNoStreamEvents
	}
	return folder.response(), nil
}

var openAIPricing = map[string]struct {
	inputPer1K  float64
	outputPer1K float64
}{
	// USD per 1K tokens.
	"gpt-4o":       {inputPer1K: 0.0025, outputPer1K: 0.01},
	"gpt-4o-mini":  {inputPer1K: 0.00015, outputPer1K: 0.0006},
	"gpt-4.1":      {inputPer1K: 0.002, outputPer1K: 0.008},
	"gpt-4.1-mini": {inputPer1K: 0.0004, outputPer1K: 0.0016},
	"gpt-4.1-nano": {inputPer1K: 0.0001, outputPer1K: 0.0004},
	"o3-mini":      {inputPer1K: 0.0011, outputPer1K: 0.0044},
}

// EstimateCost prices a call by exact model name, then by the longest known
// prefix so dated snapshots like gpt-4o-2024-08-06 resolve.
func (OpenAIProvider) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	model = strings.TrimSpace(strings.ToLower(model))
	rates, ok := openAIPricing[model]
	if !ok {
		best := ""
		for name := range openAIPricing {
			if strings.HasPrefix(model, name+"-") && len(name) > len(best) {
				best = name
			}
		}
		if best == "" {
			return 0
		}
		rates = openAIPricing[best]
	}
	return (float64(inputTokens)/1000)*rates.inputPer1K + (float64(outputTokens)/1000)*rates.outputPer1K
}
