package providers

import (
	"encoding/json"
	"fmt"
	"strings"
)

const maxUpstreamErrorLength = 512

func parseJSONMap(raw []byte) (map[string]any, bool) {
	value := strings.TrimSpace(string(raw))
	if value == "" {
		return nil, false
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(value), &out); err != nil {
		return nil, false
	}
	return out, true
}

// sseEvent is one server-sent event with its optional event name.
type sseEvent struct {
	Name string
	Data []byte
}

// parseSSEEvents splits a full SSE body into events. Multi-line data fields
// are joined with newlines and the [DONE] sentinel is dropped.
func parseSSEEvents(body []byte) []sseEvent {
	normalized := strings.ReplaceAll(string(body), "\r\n", "\n")
	var (
		events    []sseEvent
		name      string
		dataLines []string
	)
	emit := func() {
		if len(dataLines) > 0 {
			data := strings.Join(dataLines, "\n")
			if strings.TrimSpace(data) != "[DONE]" {
				events = append(events, sseEvent{Name: name, Data: []byte(data)})
			}
		}
		name = ""
		dataLines = dataLines[:0]
	}
	for _, line := range strings.Split(normalized, "\n") {
		switch {
		case strings.TrimSpace(line) == "":
			emit()
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	emit()
	return events
}

// upstreamErrorMessage extracts error.message from an OpenAI or Anthropic
// error body, falling back to the raw body.
func upstreamErrorMessage(statusCode int, body []byte) string {
	message := ""
	if payload, ok := parseJSONMap(body); ok {
		switch typed := payload["error"].(type) {
		case map[string]any:
			message, _ = typed["message"].(string)
		case string:
			message = typed
		}
		if message == "" {
			message, _ = payload["message"].(string)
		}
	}
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	if len(message) > maxUpstreamErrorLength {
		message = message[:maxUpstreamErrorLength]
	}
	if message == "" {
		return fmt.Sprintf("upstream returned status %d", statusCode)
	}
	return fmt.Sprintf("upstream returned status %d: %s", statusCode, message)
}
