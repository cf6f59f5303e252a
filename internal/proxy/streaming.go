package proxy

import (
	"mime"
	"net/http"
	"strings"
)

// IsSSE reports whether headers announce a server-sent event stream.
func IsSSE(headers http.Header) bool {
	raw := headers.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(raw))
		return strings.HasPrefix(mediaType, "text/event-stream")
	}
	return mediaType == "text/event-stream"
}

// StreamBuffer keeps the leading bytes of a streamed response in wire order
// and counts every write, including the ones past the limit.
type StreamBuffer struct {
	limit     int
	data      []byte
	writes    int
	truncated bool
}

func newStreamBuffer(limit int) StreamBuffer {
	return StreamBuffer{limit: max(limit, 0)}
}

// Add copies chunk; the caller may reuse it afterwards.
func (b *StreamBuffer) Add(chunk []byte) {
	b.writes++
	if len(chunk) == 0 {
		return
	}
	room := b.limit - len(b.data)
	if room < len(chunk) {
		b.truncated = true
		chunk = chunk[:max(room, 0)]
	}
	b.data = append(b.data, chunk...)
}

func (b *StreamBuffer) Bytes() []byte {
	return append([]byte(nil), b.data...)
}

func (b *StreamBuffer) Count() int { return b.writes }

func (b *StreamBuffer) Truncated() bool { return b.truncated }
