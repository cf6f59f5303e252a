package proxy

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ongoingai/tracebridge/internal/invocation"
	"github.com/ongoingai/tracebridge/internal/providers"
)

// Request headers a caller sets to attach identity and routing metadata to
// the traced run.
const (
	HeaderRequestID         = "X-Request-ID"
	HeaderSessionID         = "X-Session-ID"
	HeaderUserID            = "X-User-ID"
	HeaderExperimentID      = "X-Experiment-ID"
	HeaderExperimentVariant = "X-Experiment-Variant"
	HeaderAdapter           = "X-Adapter"
	HeaderRetryCount        = "X-Retry-Count"
)

// InvocationHandler accepts decoded invocations without blocking.
type InvocationHandler interface {
	Handle(invocation.Invocation) bool
}

var chatEndpoints = map[string]string{
	"openai":    "/chat/completions",
	"anthropic": "/messages",
}

// NewInvocationSink decodes captured chat exchanges with the route's provider
// and passes the resulting invocation to handler. Other exchanges are ignored.
func NewInvocationSink(router *Router, registry *providers.Registry, handler InvocationHandler, logger *slog.Logger) BodyCaptureSink {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = providers.DefaultRegistry()
	}

	return func(exchange *CapturedExchange) {
		if exchange == nil || handler == nil || router == nil {
			return
		}
		route, ok := router.Match(exchange.Path)
		if !ok || !isChatExchange(route, exchange) {
			return
		}
		ctx := exchange.Context
		logAttrs := []any{
			"provider", route.Provider,
			"correlation_id", exchange.CorrelationID,
		}
		if exchange.RequestBodyTruncated || exchange.ResponseBodyTruncated {
			logger.WarnContext(ctx, "skipping trace for truncated exchange", logAttrs...)
			return
		}
		provider, ok := registry.Get(route.Provider)
		if !ok {
			logger.WarnContext(ctx, "no decoder registered for provider", logAttrs...)
			return
		}

		decoded, err := providers.Decode(
			provider,
			exchange.RequestBody,
			exchange.ResponseBody,
			exchange.ResponseHeaders.Get("Content-Type"),
			exchange.StatusCode,
		)
		if err != nil {
			logger.WarnContext(ctx, "skipping trace for undecodable exchange", append(logAttrs, "error", err)...)
			return
		}

		if !handler.Handle(buildInvocation(route, exchange, decoded)) {
			logger.DebugContext(ctx, "invocation not accepted for tracing", logAttrs...)
		}
	}
}

func isChatExchange(route Route, exchange *CapturedExchange) bool {
	if exchange.Method != http.MethodPost {
		return false
	}
	suffix, ok := chatEndpoints[route.Provider]
	if !ok {
		return false
	}
	upstreamPath := stripPathPrefix(exchange.Path, route.Prefix)
	return strings.HasSuffix(strings.TrimRight(upstreamPath, "/"), suffix)
}

func buildInvocation(route Route, exchange *CapturedExchange, decoded providers.Decoded) invocation.Invocation {
	headers := exchange.RequestHeaders
	requestID := strings.TrimSpace(headers.Get(HeaderRequestID))
	if requestID == "" {
		requestID = exchange.CorrelationID
	}

	inv := invocation.Invocation{
		Request:  decoded.Request,
		Response: decoded.Response,
		Metrics: invocation.Metrics{
			StartTime:        exchange.StartedAt,
			EndTime:          exchange.CompletedAt,
			DurationMS:       exchange.DurationMS,
			InputTokens:      decoded.Usage.InputTokens,
			OutputTokens:     decoded.Usage.OutputTokens,
			TotalTokens:      decoded.Usage.TotalTokens,
			EstimatedCostUSD: decoded.CostUSD,
		},
		Identity: invocation.Identity{
			RequestID:     requestID,
			UserID:        strings.TrimSpace(headers.Get(HeaderUserID)),
			SessionID:     strings.TrimSpace(headers.Get(HeaderSessionID)),
			CorrelationID: exchange.CorrelationID,
		},
		Routing: invocation.Routing{
			Provider: route.Provider,
			Model:    decoded.Request.Model,
			Adapter:  strings.TrimSpace(headers.Get(HeaderAdapter)),
		},
		Experiment: invocation.Experiment{
			ID:      strings.TrimSpace(headers.Get(HeaderExperimentID)),
			Variant: strings.TrimSpace(headers.Get(HeaderExperimentVariant)),
		},
		Client: invocation.Client{
			IP:        exchange.ClientIP,
			UserAgent: headers.Get("User-Agent"),
		},
		RetryCount: parseRetryCount(headers.Get(HeaderRetryCount)),
		StatusCode: exchange.StatusCode,
	}
	if decoded.UpstreamError != "" {
		inv.Err = errors.New(decoded.UpstreamError)
	}
	return inv
}

func parseRetryCount(raw string) int {
	count, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || count < 0 {
		return 0
	}
	return count
}
