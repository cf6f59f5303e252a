package proxy

import (
	"strings"

	"github.com/ongoingai/tracebridge/internal/config"
)

// Route maps a gateway path prefix to one provider's upstream.
type Route struct {
	Provider string
	Prefix   string
	Upstream string
}

type Router struct {
	routes []Route
}

func NewRouter(routes []Route) *Router {
	normalized := make([]Route, 0, len(routes))
	for _, route := range routes {
		route.Prefix = normalizePrefix(route.Prefix)
		normalized = append(normalized, route)
	}
	return &Router{routes: normalized}
}

// RoutesFromConfig returns the provider routes configured for the gateway.
func RoutesFromConfig(providers config.ProvidersConfig) []Route {
	return []Route{
		{Provider: "openai", Prefix: providers.OpenAI.Prefix, Upstream: providers.OpenAI.Upstream},
		{Provider: "anthropic", Prefix: providers.Anthropic.Prefix, Upstream: providers.Anthropic.Upstream},
	}
}

func DefaultRoutes() []Route {
	return RoutesFromConfig(config.Default().Providers)
}

func (r *Router) Match(path string) (Route, bool) {
	for _, route := range r.routes {
		if hasPathPrefix(path, route.Prefix) {
			return route, true
		}
	}
	return Route{}, false
}

// Prefixes lists the normalized route prefixes in configuration order.
func (r *Router) Prefixes() []string {
	prefixes := make([]string, 0, len(r.routes))
	for _, route := range r.routes {
		prefixes = append(prefixes, route.Prefix)
	}
	return prefixes
}

// normalizePrefix returns a leading-slash prefix without a trailing slash.
func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if len(prefix) > 1 {
		prefix = strings.TrimRight(prefix, "/")
	}
	return prefix
}

func hasPathPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func stripPathPrefix(path, prefix string) string {
	if !hasPathPrefix(path, prefix) || prefix == "/" {
		return path
	}
	stripped := strings.TrimPrefix(path, prefix)
	if !strings.HasPrefix(stripped, "/") {
		return "/" + stripped
	}
	return stripped
}
