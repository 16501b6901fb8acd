package auth

import (
	"maps"
	"sort"
	"strings"

	"golang.org/x/oauth2"
)

const (
	// AuthorizePath is the backend route that forwards to the provider.
	AuthorizePath = "/api/auth/authorize"
	// CallbackPath is the backend route the provider redirects back to.
	CallbackPath = "/api/auth/callback"
	// TokenPath is the backend route that exchanges a code for an identity.
	TokenPath = "/api/auth/token"
)

// Extra authorization parameter names.
const (
	ParamProvider = "provider"
	ParamNonce    = "nonce"
	ParamPlatform = "platform"
	ParamPrompt   = "prompt"
)

// SelectAccount asks the provider to show its account chooser.
const SelectAccount = "select_account"

// Platform tags the kind of client starting a sign-in.
type Platform string

const (
	PlatformWeb    Platform = "web"
	PlatformMobile Platform = "mobile"
)

// Params are extra authorization parameters.
type Params map[string]string

// BackendEndpoint returns the OAuth endpoint of the auth backend at
// backendURL.
func BackendEndpoint(backendURL string) oauth2.Endpoint {
	base := strings.TrimRight(backendURL, "/")
	return oauth2.Endpoint{
		AuthURL:  base + AuthorizePath,
		TokenURL: base + TokenPath,
	}
}

// Request is an immutable authorization request for one provider.
//
// A Request is built once per provider. Parameters that change between
// sign-ins, such as the nonce, are bound with WithExtraParams immediately
// before prompting, which returns a new Request and leaves the receiver
// unchanged.
type Request struct {
	provider Provider
	config   oauth2.Config
	extra    Params
}

// NewRequest returns the Request for provider p.
func NewRequest(p Provider, cfg ProviderConfig, endpoint oauth2.Endpoint) *Request {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = string(p)
	}
	return &Request{
		provider: p,
		config: oauth2.Config{
			ClientID:    clientID,
			Endpoint:    endpoint,
			RedirectURL: cfg.RedirectURI,
			Scopes:      append([]string(nil), scopes...),
		},
		extra: Params{ParamProvider: string(p), ParamPrompt: SelectAccount},
	}
}

// Provider returns the provider the request targets.
func (r *Request) Provider() Provider {
	return r.provider
}

// RedirectURI returns the URI the browser returns to.
func (r *Request) RedirectURI() string {
	return r.config.RedirectURL
}

// Scopes returns a copy of the requested scopes.
func (r *Request) Scopes() []string {
	return append([]string(nil), r.config.Scopes...)
}

// Param returns the extra parameter key, or "" if unset.
func (r *Request) Param(key string) string {
	return r.extra[key]
}

// WithExtraParams returns a copy of r with params merged over its extra
// parameters.
func (r *Request) WithExtraParams(params Params) *Request {
	c := *r
	c.config.Scopes = append([]string(nil), r.config.Scopes...)
	c.extra = maps.Clone(r.extra)
	maps.Copy(c.extra, params)
	return &c
}

// AuthURL renders the authorization URL for state.
func (r *Request) AuthURL(state string) string {
	keys := make([]string, 0, len(r.extra))
	for k := range r.extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	opts := make([]oauth2.AuthCodeOption, 0, len(keys))
	for _, k := range keys {
		if v := r.extra[k]; v != "" {
			opts = append(opts, oauth2.SetAuthURLParam(k, v))
		}
	}
	return r.config.AuthCodeURL(state, opts...)
}
