package proxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/tracebridge/internal/correlation"
)

const defaultMaxBodySize = 1 << 20

type BodyCaptureOptions struct {
	// MaxBodySize bounds the bytes kept per body; the proxied stream itself
	// is never truncated.
	MaxBodySize int
}

// CapturedExchange is one proxied request and response as seen by the
// gateway, bodies bounded by BodyCaptureOptions.MaxBodySize.
type CapturedExchange struct {
	Context               context.Context
	Method                string
	Path                  string
	StatusCode            int
	RequestHeaders        http.Header
	RequestBody           []byte
	RequestBodyTruncated  bool
	ResponseHeaders       http.Header
	ResponseBody          []byte
	ResponseBodyTruncated bool
	Streaming             bool
	StreamChunks          int
	TimeToFirstTokenMS    int64
	StartedAt             time.Time
	CompletedAt           time.Time
	DurationMS            int64
	CorrelationID         string
	ClientIP              string
}

type BodyCaptureSink func(*CapturedExchange)

// BodyCaptureMiddleware hands every completed exchange to sink once next has
// returned. A nil sink disables capture entirely.
func BodyCaptureMiddleware(options BodyCaptureOptions, sink BodyCaptureSink, next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if sink == nil {
		return next
	}
	limit := options.MaxBodySize
	if limit <= 0 {
		limit = defaultMaxBodySize
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, id := correlation.EnsureRequest(r)
		started := time.Now()

		reqBody, body, reqTruncated, err := captureRequestBody(r.Body, limit)
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		r.Body = body

		tee := newCaptureResponseWriter(w, limit, started)
		next.ServeHTTP(tee, r)
		completed := time.Now()

		exchange := &CapturedExchange{
			Context:               r.Context(),
			Method:                r.Method,
			Path:                  r.URL.Path,
			StatusCode:            tee.code,
			RequestHeaders:        r.Header.Clone(),
			RequestBody:           reqBody,
			RequestBodyTruncated:  reqTruncated,
			ResponseHeaders:       tee.Header().Clone(),
			ResponseBody:          tee.Body(),
			ResponseBodyTruncated: tee.captured.Truncated(),
			StartedAt:             started,
			CompletedAt:           completed,
			DurationMS:            completed.Sub(started).Milliseconds(),
			CorrelationID:         id,
			ClientIP:              clientIP(r),
		}
		if exchange.StatusCode == 0 {
			exchange.StatusCode = http.StatusOK
		}
		if tee.streaming() {
			exchange.Streaming = true
			exchange.StreamChunks = tee.captured.Count()
			exchange.TimeToFirstTokenMS = microsecondsToRoundedMilliseconds(tee.firstWriteUS)
		}
		sink(exchange)
	})
}

// clientIP prefers the first X-Forwarded-For hop over the peer address.
func clientIP(r *http.Request) string {
	if hops := r.Header.Get("X-Forwarded-For"); hops != "" {
		first, _, _ := strings.Cut(hops, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// captureRequestBody reads at most limit+1 bytes up front and returns a
// body that replays them before continuing with the original reader.
func captureRequestBody(body io.ReadCloser, limit int) ([]byte, io.ReadCloser, bool, error) {
	if body == nil || body == http.NoBody {
		return nil, http.NoBody, false, nil
	}

	limit = max(limit, 0)
	head, err := io.ReadAll(io.LimitReader(body, int64(limit)+1))
	if err != nil {
		_ = body.Close()
		return nil, nil, false, err
	}
	n := len(head)

	replay := struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), body), body}

	truncated := n > limit
	if truncated {
		n = limit
	}
	return bytes.Clone(head[:n]), replay, truncated, nil
}

// captureResponseWriter forwards every write and keeps a bounded copy of
// what the client actually received.
type captureResponseWriter struct {
	http.ResponseWriter
	code         int
	captured     StreamBuffer
	sse          bool
	startedAt    time.Time
	firstWriteUS int64
}

func newCaptureResponseWriter(w http.ResponseWriter, limit int, startedAt time.Time) *captureResponseWriter {
	return &captureResponseWriter{
		ResponseWriter: w,
		captured:       newStreamBuffer(limit),
		startedAt:      startedAt,
		firstWriteUS:   -1,
	}
}

func (w *captureResponseWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
		w.sse = IsSSE(w.Header())
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureResponseWriter) Write(p []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
		w.sse = IsSSE(w.Header())
	}
	n, err := w.ResponseWriter.Write(p)
	if n > 0 {
		if w.firstWriteUS < 0 {
			w.firstWriteUS = time.Since(w.startedAt).Microseconds()
		}
		w.captured.Add(p[:n])
	}
	return n, err
}

func (w *captureResponseWriter) Flush() {
	_ = http.NewResponseController(w.ResponseWriter).Flush()
}

func (w *captureResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *captureResponseWriter) Body() []byte { return w.captured.Bytes() }

func (w *captureResponseWriter) streaming() bool {
	return w.sse || IsSSE(w.Header())
}

func microsecondsToRoundedMilliseconds(us int64) int64 {
	if us <= 0 {
		return 0
	}
	return (us + 999) / 1000
}
