package providers

import (
	"maps"
	"slices"
	"strings"
)

// Registry maps a route's provider name to the adapter that decodes its
// traffic. Names are case-insensitive.
type Registry struct {
	byName map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{byName: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.byName[registryKey(p.Name())] = p
	}
	return r
}

// DefaultRegistry knows the OpenAI chat completions and Anthropic messages
// adapters.
func DefaultRegistry() *Registry {
	return NewRegistry(OpenAIProvider{}, AnthropicProvider{})
}

func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.byName[registryKey(name)]
	return p, ok
}

func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.byName))
}

func registryKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
