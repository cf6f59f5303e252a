// Package proxy forwards provider traffic to its upstream and captures each
// exchange for tracing.
package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
)

type HandlerOptions struct {
	Transport http.RoundTripper
}

func NewHandler(routes []Route, logger *slog.Logger, next http.Handler) (http.Handler, error) {
	return NewHandlerWithOptions(routes, logger, next, HandlerOptions{})
}

// NewHandlerWithOptions proxies requests under each route prefix to the
// route's upstream with the prefix stripped. Other requests go to next.
func NewHandlerWithOptions(routes []Route, logger *slog.Logger, next http.Handler, options HandlerOptions) (http.Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if next == nil {
		next = http.NotFoundHandler()
	}

	g := &gateway{router: NewRouter(routes), next: next, upstreams: make(map[string]*httputil.ReverseProxy)}
	for _, route := range g.router.routes {
		upstream, err := newUpstreamProxy(route, logger, options.Transport)
		if err != nil {
			return nil, err
		}
		g.upstreams[route.Prefix] = upstream
	}
	return g, nil
}

type gateway struct {
	router    *Router
	upstreams map[string]*httputil.ReverseProxy
	next      http.Handler
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if route, ok := g.router.Match(r.URL.Path); ok {
		g.upstreams[route.Prefix].ServeHTTP(w, r)
		return
	}
	g.next.ServeHTTP(w, r)
}

func newUpstreamProxy(route Route, logger *slog.Logger, transport http.RoundTripper) (*httputil.ReverseProxy, error) {
	target, err := url.Parse(route.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream for %q: %w", route.Prefix, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream for %q: %q", route.Prefix, route.Upstream)
	}

	return &httputil.ReverseProxy{
		Transport: transport,
		// Stream chunks to the caller as soon as the upstream writes them.
		FlushInterval: -1,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = stripPathPrefix(pr.In.URL.Path, route.Prefix)
			pr.Out.URL.RawPath = ""
			pr.SetURL(target)
			pr.SetXForwarded()
			// Captured bodies must be plain text, so the transport handles
			// compression on its own.
			pr.Out.Header.Del("Accept-Encoding")
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, proxyErr error) {
			logger.ErrorContext(req.Context(), "upstream request failed",
				"provider", route.Provider,
				"upstream", target.Host,
				"path", req.URL.Path,
				"error", proxyErr,
			)
			http.Error(w, "upstream request failed", http.StatusBadGateway)
		},
	}, nil
}
