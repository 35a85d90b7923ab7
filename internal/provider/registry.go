package provider

import (
	"strings"

	"github.com/rs/zerolog/log"
)

// RouteKey is a client-supplied upstream selector parsed into its parts.
type RouteKey struct {
	Kind      string
	ProfileID string
}

// ParseRouteKey splits "kind:profileId". Unknown kinds parse as empty, which
// resolvers treat as the default.
func ParseRouteKey(s string) RouteKey {
	kind, profile, found := strings.Cut(s, ":")
	if !found {
		profile = ""
	}
	switch kind {
	case KindOpenAICompatible, KindAnthropic, KindCodexOAuth:
		return RouteKey{Kind: kind, ProfileID: profile}
	default:
		return RouteKey{}
	}
}

// Registry holds the configured provider profiles keyed by kind and id.
type Registry struct {
	providers map[string]Provider // "kind:id"
	defaults  map[string]string   // kind -> first registered id
	firstKind string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		defaults:  make(map[string]string),
	}
}

// Register adds a profile. The first profile of each kind becomes that
// kind's default; the very first registration becomes the global default.
func (r *Registry) Register(p Provider) {
	key := p.Kind() + ":" + p.Name()
	r.providers[key] = p
	if _, ok := r.defaults[p.Kind()]; !ok {
		r.defaults[p.Kind()] = p.Name()
	}
	if r.firstKind == "" {
		r.firstKind = p.Kind()
	}
	log.Info().Str("kind", p.Kind()).Str("profile", p.Name()).Msg("provider registered")
}

// Resolve maps a route key to a provider. Unknown or missing keys fall back
// to the first profile of the default kind.
func (r *Registry) Resolve(key RouteKey) (Provider, error) {
	kind := key.Kind
	if kind == "" {
		kind = r.firstKind
	}
	profile := key.ProfileID
	if profile == "" {
		profile = r.defaults[kind]
	}
	p, ok := r.providers[kind+":"+profile]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return p, nil
}

// Close closes every registered provider.
func (r *Registry) Close() {
	for _, p := range r.providers {
		if err := p.Close(); err != nil {
			log.Warn().Err(err).Str("profile", p.Name()).Msg("provider close failed")
		}
	}
}
