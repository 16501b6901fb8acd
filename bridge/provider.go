package bridge

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/mnehpets/zkauth/auth"
)

// Provider is an upstream identity provider the bridge forwards to.
type Provider struct {
	name   auth.Provider
	config *oauth2.Config
}

// NewProvider creates a new Provider instance.
func NewProvider(name auth.Provider, config *oauth2.Config) *Provider {
	return &Provider{name: name, config: config}
}

// Name returns the provider name clients send as client_id.
func (p *Provider) Name() auth.Provider {
	return p.name
}

// Config returns the oauth2.Config for the provider.
func (p *Provider) Config() *oauth2.Config {
	return p.config
}

// Registry manages the set of registered providers.
type Registry struct {
	providers map[auth.Provider]*Provider
}

// NewRegistry creates a new, empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[auth.Provider]*Provider),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p *Provider) {
	r.providers[p.Name()] = p
}

// Get retrieves a provider by name.
func (r *Registry) Get(name auth.Provider) (*Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	return len(r.providers)
}

// OIDCProviderOption configures OIDC discovery.
type OIDCProviderOption func(*oidcOptions)

type oidcOptions struct {
	skipIssuerCheck bool
}

// WithSkipIssuerCheck accepts a discovery document whose issuer differs
// from the discovery URL. Microsoft's multi-tenant /common endpoint needs it.
func WithSkipIssuerCheck() OIDCProviderOption {
	return func(o *oidcOptions) {
		o.skipIssuerCheck = true
	}
}

// RegisterOIDCProvider discovers the endpoints of issuer and registers them
// under name.
func (r *Registry) RegisterOIDCProvider(ctx context.Context, name auth.Provider, issuer, clientID string, scopes []string, redirectURL string, opts ...OIDCProviderOption) error {
	var o oidcOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.skipIssuerCheck {
		ctx = oidc.InsecureIssuerURLContext(ctx, issuer)
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return fmt.Errorf("failed to query provider %q: %v", issuer, err)
	}

	r.RegisterOAuth2Provider(name, &oauth2.Config{
		ClientID:    clientID,
		Endpoint:    provider.Endpoint(),
		RedirectURL: redirectURL,
		Scopes:      scopes,
	})
	return nil
}

// RegisterOAuth2Provider registers a provider with static endpoints.
func (r *Registry) RegisterOAuth2Provider(name auth.Provider, config *oauth2.Config) {
	r.Register(NewProvider(name, config))
}

// StaticEndpoint returns the well-known endpoint of name, for use when
// discovery is disabled.
func StaticEndpoint(name auth.Provider) (oauth2.Endpoint, bool) {
	switch name {
	case auth.Google:
		return endpoints.Google, true
	case auth.Microsoft:
		return endpoints.AzureAD("common"), true
	}
	return oauth2.Endpoint{}, false
}

// Issuer returns the OIDC issuer used for discovery of name.
func Issuer(name auth.Provider) string {
	switch name {
	case auth.Google:
		return "https://accounts.google.com"
	case auth.Microsoft:
		return "https://login.microsoftonline.com/common/v2.0"
	}
	return ""
}
