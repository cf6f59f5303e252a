package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// HeaderName carries the request id to the upstream provider and back to the
// caller. When the caller sends no X-Tracebridge-Request-ID of its own the
// same value becomes the invocation's request id.
const HeaderName = "X-Tracebridge-Request-ID"

const maxIDLen = 128

// inboundHeaders are tried in order for a request whose context has no id yet.
var inboundHeaders = []string{HeaderName, "X-Request-ID", "X-Correlation-ID"}

type requestIDKey struct{}

// EnsureRequest returns req carrying a request id in both its context and its
// HeaderName header, reusing an id already in the context or a valid inbound
// header before minting one.
func EnsureRequest(req *http.Request) (*http.Request, string) {
	if req == nil {
		return nil, ""
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	id, ok := FromContext(req.Context())
	if !ok {
		if id = FromHeaders(req.Header); id == "" {
			id = NewID()
		}
		req = req.WithContext(context.WithValue(req.Context(), requestIDKey{}, id))
	}
	req.Header.Set(HeaderName, id)
	return req, id
}

// WithContext stores id when it is usable and returns ctx unchanged otherwise.
func WithContext(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if id = cleanID(id); id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	raw, _ := ctx.Value(requestIDKey{}).(string)
	id := cleanID(raw)
	return id, id != ""
}

func FromHeaders(headers http.Header) string {
	for _, name := range inboundHeaders {
		if id := cleanID(headers.Get(name)); id != "" {
			return id
		}
	}
	return ""
}

// NewID mints a time-ordered id so generated ids sort by arrival in logs and
// run metadata.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "req-" + uuid.NewString()
	}
	return "req-" + id.String()
}

// cleanID trims raw and caps it at maxIDLen. Anything outside [A-Za-z0-9-_.:]
// makes the whole value unusable, since it is echoed into headers and tags.
func cleanID(raw string) string {
	id := strings.TrimSpace(raw)
	if len(id) > maxIDLen {
		id = id[:maxIDLen]
	}
	if strings.IndexFunc(id, invalidIDRune) >= 0 {
		return ""
	}
	return id
}

func invalidIDRune(r rune) bool {
	switch {
	case 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z', '0' <= r && r <= '9':
		return false
	case r == '-', r == '_', r == '.', r == ':':
		return false
	}
	return true
}
