package providers

import (
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// streamFolder accumulates streamed deltas into one chat completion. Content
// is concatenated per choice, tool call fragments are merged by their index
// and the last usage and finish reason seen win.
type streamFolder struct {
	id                string
	model             string
	created           int64
	systemFingerprint string
	choices           map[int]*foldedChoice
	usage             openai.Usage
	sawChunk          bool
}

type foldedChoice struct {
	role      string
	content   strings.Builder
	toolCalls map[int]*openai.ToolCall
	finish    openai.FinishReason
}

func newStreamFolder() *streamFolder {
	return &streamFolder{choices: make(map[int]*foldedChoice)}
}

func (f *streamFolder) choice(index int) *foldedChoice {
	f.sawChunk = true
	choice, ok := f.choices[index]
	if !ok {
		choice = &foldedChoice{toolCalls: make(map[int]*openai.ToolCall)}
		f.choices[index] = choice
	}
	return choice
}

func (f *streamFolder) setMeta(id, model string, created int64) {
	f.sawChunk = true
	if id != "" && f.id == "" {
		f.id = id
	}
	if model != "" {
		f.model = model
	}
	if created != 0 && f.created == 0 {
		f.created = created
	}
}

func (f *streamFolder) setRole(choiceIndex int, role string) {
	if role == "" {
		return
	}
	f.choice(choiceIndex).role = role
}

func (f *streamFolder) appendContent(choiceIndex int, text string) {
	if text == "" {
		return
	}
	f.choice(choiceIndex).content.WriteString(text)
}

func (f *streamFolder) toolCallDelta(choiceIndex, callIndex int, id, name, arguments string) {
	choice := f.choice(choiceIndex)
	call, ok := choice.toolCalls[callIndex]
	if !ok {
		index := callIndex
		call = &openai.ToolCall{Index: &index, Type: openai.ToolTypeFunction}
		choice.toolCalls[callIndex] = call
	}
	if id != "" {
		call.ID = id
	}
	if name != "" {
		call.Function.Name = name
	}
	call.Function.Arguments += arguments
}

func (f *streamFolder) setFinish(choiceIndex int, reason openai.FinishReason) {
	if reason == "" {
		return
	}
	f.choice(choiceIndex).finish = reason
}

func (f *streamFolder) setUsage(input, output, total int) {
	f.sawChunk = true
	if input > 0 {
		f.usage.PromptTokens = input
	}
	if output > 0 {
		f.usage.CompletionTokens = output
	}
	if total > 0 {
		f.usage.TotalTokens = total
	} else {
		f.usage.TotalTokens = f.usage.PromptTokens + f.usage.CompletionTokens
	}
}

func (f *streamFolder) response() *openai.ChatCompletionResponse {
	indexes := make([]int, 0, len(f.choices))
	for index := range f.choices {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	choices := make([]openai.ChatCompletionChoice, 0, len(indexes))
	for _, index := range indexes {
		folded := f.choices[index]
		role := folded.role
		if role == "" {
			role = openai.ChatMessageRoleAssistant
		}
		message := openai.ChatCompletionMessage{
			Role:    role,
			Content: folded.content.String(),
		}
		if len(folded.toolCalls) > 0 {
			callIndexes := make([]int, 0, len(folded.toolCalls))
			for callIndex := range folded.toolCalls {
				callIndexes = append(callIndexes, callIndex)
			}
			sort.Ints(callIndexes)
			for _, callIndex := range callIndexes {
				call := *folded.toolCalls[callIndex]
				call.Index = nil
				message.ToolCalls = append(message.ToolCalls, call)
			}
		}
		choices = append(choices, openai.ChatCompletionChoice{
			Index:        index,
			Message:      message,
			FinishReason: folded.finish,
		})
	}

	return &openai.ChatCompletionResponse{
		ID:                f.id,
		Object:            "chat.completion",
		Created:           f.created,
		Model:             f.model,
		Choices:           choices,
		Usage:             f.usage,
		SystemFingerprint: f.systemFingerprint,
	}
}
