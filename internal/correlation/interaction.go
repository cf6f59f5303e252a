// Package correlation links independently received gateway invocations into
// one interaction so that tool callbacks can be attached beneath the llm call
// that requested the tool.
package correlation

import (
	openai "github.com/sashabaranov/go-openai"
)

// UnknownSession is the interaction id used when nothing else identifies the
// exchange.
const UnknownSession = "unknown_session"

// IsToolCallback reports whether a request is feeding tool results or tool
// call metadata back to the model.
func IsToolCallback(messages []openai.ChatCompletionMessage) bool {
	for _, message := range messages {
		if len(message.ToolCalls) > 0 || message.ToolCallID != "" {
			return true
		}
	}
	return false
}

// HasToolUsage reports whether any message uses tools, either as a tool role
// message or by carrying tool calls.
func HasToolUsage(messages []openai.ChatCompletionMessage) bool {
	for _, message := range messages {
		if message.Role == openai.ChatMessageRoleTool || len(message.ToolCalls) > 0 {
			return true
		}
	}
	return false
}

// FirstToolCallID scans messages in order and returns the first tool call id
// found. Within one message, its tool calls are consulted before its
// tool_call_id.
func FirstToolCallID(messages []openai.ChatCompletionMessage) string {
	for _, message := range messages {
		for _, call := range message.ToolCalls {
			if call.ID != "" {
				return call.ID
			}
		}
		if message.ToolCallID != "" {
			return message.ToolCallID
		}
	}
	return ""
}

// InteractionID derives the interaction id for one request/response pair and
// reports whether the request is a tool callback. It is a pure function of
// its arguments.
func InteractionID(request, response []openai.ChatCompletionMessage, sessionID, requestID string) (string, bool) {
	if IsToolCallback(request) {
		if id := FirstToolCallID(request); id != "" {
			return id, true
		}
		return fallbackID(sessionID, requestID), true
	}
	if HasToolUsage(response) {
		if id := FirstToolCallID(response); id != "" {
			return id, false
		}
	}
	return fallbackID(sessionID, requestID), false
}

func fallbackID(sessionID, requestID string) string {
	if sessionID != "" {
		return sessionID
	}
	if requestID != "" {
		return requestID
	}
	return UnknownSession
}
