// Package auth produces upstream authentication headers and resolves the
// gateway's own bearer token.
package auth

// MissingCredentialError reports that a provider profile has no usable
// credential. Hint is a user-facing message describing where to put one.
type MissingCredentialError struct {
	Provider string
	Hint     string
}

func (e *MissingCredentialError) Error() string {
	if e.Hint != "" {
		return e.Hint
	}
	return "missing credential for provider " + e.Provider
}

// HeaderSource yields the HTTP headers that authenticate a request to an
// upstream provider.
type HeaderSource interface {
	Headers() (map[string]string, error)
}

// StaticAPIKey is a HeaderSource backed by a fixed API key. When Header is
// "Authorization" and Bearer is set, the key is sent as a bearer token.
type StaticAPIKey struct {
	Provider string
	Key      string
	Header   string
	Bearer   bool
	Hint     string
}

// Headers implements HeaderSource.
func (s StaticAPIKey) Headers() (map[string]string, error) {
	if s.Key == "" {
		return nil, &MissingCredentialError{Provider: s.Provider, Hint: s.Hint}
	}
	if s.Header == "Authorization" && s.Bearer {
		return map[string]string{"Authorization": "Bearer " + s.Key}, nil
	}
	return map[string]string{s.Header: s.Key}, nil
}

// NoAuth is a HeaderSource for upstreams that need no credentials (local
// OpenAI-compatible servers, the codex app-server).
type NoAuth struct{}

// Headers implements HeaderSource.
func (NoAuth) Headers() (map[string]string, error) {
	return map[string]string{}, nil
}
