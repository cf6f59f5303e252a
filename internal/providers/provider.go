package providers

import (
	"errors"
	"fmt"
	"mime"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Provider decodes one upstream API dialect into the OpenAI chat shape the
// correlator and assembler work with.
type Provider interface {
	Name() string
	DecodeRequest(body []byte) (openai.ChatCompletionRequest, error)
	DecodeResponse(body []byte) (*openai.ChatCompletionResponse, error)
	// DecodeStream folds a complete SSE body into a single response.
	DecodeStream(body []byte) (*openai.ChatCompletionResponse, error)
	EstimateCost(model string, inputTokens, outputTokens int) float64
}

// Usage is the token accounting for one exchange.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Decoded is a captured exchange after provider decoding.
type Decoded struct {
	Request  openai.ChatCompletionRequest
	Response *openai.ChatCompletionResponse
	Usage    Usage
	CostUSD  float64
	// UpstreamError is set when the upstream answered with an error status.
	UpstreamError string
}

var ErrEmptyRequest = errors.New("request body is empty")

// Decode turns captured request and response bodies into a Decoded exchange.
// A response that cannot be decoded leaves Response nil; only an undecodable
// request is an error.
func Decode(p Provider, requestBody, responseBody []byte, responseContentType string, statusCode int) (Decoded, error) {
	if len(strings.TrimSpace(string(requestBody))) == 0 {
		return Decoded{}, ErrEmptyRequest
	}
	request, err := p.DecodeRequest(requestBody)
	if err != nil {
		return Decoded{}, fmt.Errorf("decode %s request: %w", p.Name(), err)
	}
	decoded := Decoded{Request: request}

	if statusCode >= 400 {
		decoded.UpstreamError = upstreamErrorMessage(statusCode, responseBody)
		return decoded, nil
	}

	var response *openai.ChatCompletionResponse
	if isEventStream(responseContentType) || (request.Stream && looksLikeSSE(responseBody)) {
		response, err = p.DecodeStream(responseBody)
	} else {
		response, err = p.DecodeResponse(responseBody)
	}
	if err != nil || response == nil {
		return decoded, nil
	}
	decoded.Response = response

	usage := Usage{
		InputTokens:  response.Usage.PromptTokens,
		OutputTokens: response.Usage.CompletionTokens,
		TotalTokens:  response.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	decoded.Usage = usage

	model := response.Model
	if model == "" {
		model = request.Model
	}
	decoded.CostUSD = p.EstimateCost(model, usage.InputTokens, usage.OutputTokens)
	return decoded, nil
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "text/event-stream")
	}
	return mediaType == "text/event-stream"
}

func looksLikeSSE(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "data:") || strings.HasPrefix(trimmed, "event:")
}
