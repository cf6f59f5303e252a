package proxy

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ongoingai/tracebridge/internal/correlation"
)

// LoggingMiddleware assigns the correlation id, echoes it in the response
// and writes one access log record per request.
func LoggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if next == nil {
		next = http.NotFoundHandler()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, id := correlation.EnsureRequest(r)
		if id != "" {
			w.Header().Set(correlation.HeaderName, id)
		}

		began := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		logger.InfoContext(r.Context(), "request complete",
			"correlation_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status(),
			"latency_ms", time.Since(began).Milliseconds(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) Flush() {
	_ = http.NewResponseController(w.ResponseWriter).Flush()
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}
