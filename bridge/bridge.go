// Package bridge serves the backend routes a zkLogin client talks to
// besides the token exchange: the authorization redirect bridge, the nonce
// provisioning endpoint, and a health check.
//
// The bridge forwards /api/auth/authorize to the upstream provider with the
// client's platform folded into the state, and /api/auth/callback undoes the
// fold, returning the browser to either the web redirect page or the mobile
// app scheme.
package bridge

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/mnehpets/zkauth/auth"
	"github.com/mnehpets/zkauth/endpoint"
	"github.com/mnehpets/zkauth/epoch"
	"github.com/mnehpets/zkauth/jsonrpc"
	"github.com/mnehpets/zkauth/middleware"
	"github.com/mnehpets/zkauth/zklogin"
)

const (
	// HealthPath reports liveness.
	HealthPath = "/api/auth/health"
	// RPCPath serves the development epoch RPC when enabled.
	RPCPath = "/rpc"

	// stateSeparator joins the platform and the client state.
	stateSeparator = "|"
	defaultScope   = "openid profile email"
)

// Options configures a Server.
type Options struct {
	// PublicURL is the externally visible base URL of the bridge. The
	// provider redirects to PublicURL + auth.CallbackPath.
	PublicURL string
	// WebRedirect receives web sign-ins. Defaults to PublicURL + "/redirect".
	WebRedirect string
	// AppScheme is the custom URL scheme of the mobile app, without "://".
	AppScheme string
	// CORSOrigins lists origins allowed to call the JSON routes.
	CORSOrigins []string
	// DisableHSTS omits Strict-Transport-Security, for plain-HTTP development.
	DisableHSTS bool
	// EpochSource, when set, is served as a JSON-RPC node on RPCPath.
	EpochSource epoch.Source
	Logger      zerolog.Logger
}

// Server holds the bridge routes.
type Server struct {
	registry    *Registry
	publicURL   string
	webRedirect string
	appScheme   string
	headers     *middleware.APIHeadersProcessor
	logger      *middleware.RequestLogger
	epochs      epoch.Source
}

// New returns a Server forwarding to the providers in reg.
func New(reg *Registry, opts Options) *Server {
	public := strings.TrimRight(opts.PublicURL, "/")
	web := opts.WebRedirect
	if web == "" {
		web = public + "/redirect"
	}
	var hopts []middleware.APIHeadersOption
	if opts.DisableHSTS {
		hopts = append(hopts, middleware.WithoutHSTS())
	}
	if len(opts.CORSOrigins) > 0 {
		hopts = append(hopts, middleware.WithCORS(opts.CORSOrigins...))
	}
	return &Server{
		registry:    reg,
		publicURL:   public,
		webRedirect: web,
		appScheme:   strings.TrimSuffix(opts.AppScheme, "://"),
		headers:     middleware.NewAPIHeadersProcessor(hopts...),
		logger:      middleware.NewRequestLogger(opts.Logger),
		epochs:      opts.EpochSource,
	}
}

// CallbackURL is the redirect URI registered with upstream providers.
func (s *Server) CallbackURL() string {
	return s.publicURL + auth.CallbackPath
}

// Handler returns the routes of the bridge.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET "+auth.AuthorizePath, endpoint.Handler(s.Authorize, s.logger))
	mux.Handle("GET "+auth.CallbackPath, endpoint.Handler(s.Callback, s.logger))
	mux.Handle(HealthPath, endpoint.Handler(s.Health, s.logger, s.headers))
	provision := endpoint.Handler(s.Provision, s.logger, s.headers)
	mux.Handle("POST "+zklogin.ProvisionPath, provision)
	mux.Handle("OPTIONS "+zklogin.ProvisionPath, provision)
	if s.epochs != nil {
		rpc := jsonrpc.NewServer()
		rpc.Handle(epoch.SystemStateMethod, epoch.Handler(s.epochs))
		mux.Handle(RPCPath, endpoint.Handler(rpc.Endpoint, s.logger))
	}
	return mux
}

// AuthorizeParams are the query parameters of the authorize route.
type AuthorizeParams struct {
	ClientID    string `query:"client_id" validate:"required"`
	RedirectURI string `query:"redirect_uri"`
	Scope       string `query:"scope"`
	State       string `query:"state"`
	Nonce       string `query:"nonce"`
	Platform    string `query:"platform"`
}

// Authorize forwards the browser to the upstream provider.
func (s *Server) Authorize(w http.ResponseWriter, r *http.Request, p AuthorizeParams) (endpoint.Renderer, error) {
	name, err := auth.ParseProvider(p.ClientID)
	if err != nil {
		return nil, endpoint.Error(http.StatusBadRequest, "Invalid client", err)
	}
	prov, ok := s.registry.Get(name)
	if !ok {
		return nil, endpoint.Error(http.StatusBadRequest, "Invalid client", nil)
	}

	platform := auth.Platform(p.Platform)
	if platform != auth.PlatformWeb && platform != auth.PlatformMobile {
		platform = s.detectPlatform(p.RedirectURI)
	}
	scope := p.Scope
	if scope == "" {
		scope = defaultScope
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("redirect_uri", s.CallbackURL()),
		oauth2.SetAuthURLParam("scope", scope),
		oauth2.SetAuthURLParam(auth.ParamPrompt, auth.SelectAccount),
	}
	if p.Nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam(auth.ParamNonce, p.Nonce))
	}
	target := prov.Config().AuthCodeURL(string(platform)+stateSeparator+p.State, opts...)

	zerolog.Ctx(r.Context()).Debug().
		Str("provider", name.String()).
		Str("platform", string(platform)).
		Msg("forwarding to provider")
	return &endpoint.RedirectRenderer{URL: target}, nil
}

// detectPlatform infers the client platform from its redirect URI.
func (s *Server) detectPlatform(redirectURI string) auth.Platform {
	switch {
	case s.appScheme != "" && strings.HasPrefix(redirectURI, s.appScheme+"://"):
		return auth.PlatformMobile
	case strings.HasPrefix(redirectURI, "http://localhost"),
		strings.HasPrefix(redirectURI, "http://127.0.0.1"),
		strings.HasPrefix(redirectURI, "https://"),
		redirectURI == s.publicURL:
		return auth.PlatformWeb
	case strings.Contains(redirectURI, "://") && !strings.HasPrefix(redirectURI, "http"):
		return auth.PlatformMobile
	}
	return auth.PlatformWeb
}

// CallbackParams are the query parameters the provider redirects with.
type CallbackParams struct {
	State            string `query:"state"`
	Code             string `query:"code"`
	Error            string `query:"error"`
	ErrorDescription string `query:"error_description"`
}

// Callback returns the browser to the client that started the sign-in.
func (s *Server) Callback(w http.ResponseWriter, r *http.Request, p CallbackParams) (endpoint.Renderer, error) {
	if p.State == "" {
		return nil, endpoint.Error(http.StatusBadRequest, "Invalid state", nil)
	}
	platform, state, ok := strings.Cut(p.State, stateSeparator)
	if !ok {
		return nil, endpoint.Error(http.StatusBadRequest, "Invalid state", nil)
	}

	q := url.Values{}
	q.Set("code", p.Code)
	q.Set("state", state)
	if p.Error != "" {
		q.Set("error", p.Error)
		if p.ErrorDescription != "" {
			q.Set("error_description", p.ErrorDescription)
		}
	}

	base := s.webRedirect
	if auth.Platform(platform) == auth.PlatformMobile {
		if s.appScheme == "" {
			return nil, endpoint.Error(http.StatusBadRequest, "Invalid state", nil)
		}
		base = s.appScheme + "://redirect"
	}
	return &endpoint.RedirectRenderer{URL: appendQuery(base, q)}, nil
}

func appendQuery(base string, q url.Values) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}

// HealthStatus is the body of the health route.
type HealthStatus struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

// Health reports that the server is up.
func (s *Server) Health(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	return &endpoint.JSONRenderer{Value: HealthStatus{
		Status:    "ok",
		Timestamp: endpoint.Now().UnixMilli(),
		Message:   "Server is healthy",
	}}, nil
}

// ProvisionParams carry the body of the provisioning route.
type ProvisionParams struct {
	Body zklogin.ProvisionRequest `body:"json"`
}

// Provision issues fresh ephemeral material bound to the requested epoch.
func (s *Server) Provision(w http.ResponseWriter, r *http.Request, p ProvisionParams) (endpoint.Renderer, error) {
	payload, err := zklogin.NewPayload(*p.Body.Epoch)
	if err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "failed to generate zk provider", err)
	}
	zerolog.Ctx(r.Context()).Info().
		Uint64("epoch", *p.Body.Epoch).
		Uint64("max_epoch", payload.MaxEpoch).
		Msg("issued ephemeral material")
	return endpoint.OK(payload), nil
}
