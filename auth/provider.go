// Package auth builds provider authorization requests, runs the browser
// round trip, and exchanges the returned code with the backend.
package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Provider identifies a supported identity provider.
type Provider string

const (
	Google    Provider = "google"
	Microsoft Provider = "microsoft"
)

// Providers lists every supported provider.
var Providers = []Provider{Google, Microsoft}

// ErrUnknownProvider is returned for provider names outside Providers.
var ErrUnknownProvider = errors.New("auth: unknown provider")

// ParseProvider parses a provider name, ignoring case.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
	}
	return p, nil
}

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	switch p {
	case Google, Microsoft:
		return true
	}
	return false
}

func (p Provider) String() string {
	return string(p)
}

// DefaultScopes are requested when a ProviderConfig names none.
var DefaultScopes = []string{"openid", "profile", "email"}

// ProviderConfig is the static request configuration of one provider.
type ProviderConfig struct {
	// ClientID identifies the client to the authorization bridge. It is the
	// provider name unless the bridge is configured otherwise.
	ClientID    string
	Scopes      []string
	RedirectURI string
}

// DefaultConfig returns the configuration used for p when the caller only
// knows its redirect URI.
func DefaultConfig(p Provider, redirectURI string) ProviderConfig {
	return ProviderConfig{
		ClientID:    string(p),
		Scopes:      append([]string(nil), DefaultScopes...),
		RedirectURI: redirectURI,
	}
}

// Registry holds one Request per provider, built once at startup.
type Registry struct {
	requests map[Provider]*Request
}

// NewRegistry creates a new, empty Registry.
func NewRegistry() *Registry {
	return &Registry{requests: make(map[Provider]*Request)}
}

// Register adds req under its provider, replacing any earlier one.
func (r *Registry) Register(req *Request) {
	r.requests[req.Provider()] = req
}

// Get retrieves the Request for p.
func (r *Registry) Get(p Provider) (*Request, bool) {
	req, ok := r.requests[p]
	return req, ok
}

// Providers returns the registered providers in name order.
func (r *Registry) Providers() []Provider {
	ps := make([]Provider, 0, len(r.requests))
	for p := range r.requests {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
	return ps
}
