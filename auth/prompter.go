package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/browser"
	"github.com/rs/zerolog"
)

// Prompter runs the interactive provider round trip for one Request.
type Prompter interface {
	Prompt(ctx context.Context, req *Request) Response
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, req *Request) Response

func (f PrompterFunc) Prompt(ctx context.Context, req *Request) Response {
	return f(ctx, req)
}

// errorAccessDenied is the OAuth error code sent when the user declines.
const errorAccessDenied = "access_denied"

// LoopbackPrompter opens the system browser at the authorization URL and
// waits for the redirect on a loopback HTTP listener bound to the request's
// redirect URI.
type LoopbackPrompter struct {
	open   func(url string) error
	logger zerolog.Logger
}

// LoopbackOption configures a LoopbackPrompter.
type LoopbackOption func(*LoopbackPrompter)

// WithBrowser replaces the function used to open the authorization URL.
func WithBrowser(open func(url string) error) LoopbackOption {
	return func(p *LoopbackPrompter) {
		p.open = open
	}
}

// WithPrompterLogger sets the logger.
func WithPrompterLogger(l zerolog.Logger) LoopbackOption {
	return func(p *LoopbackPrompter) {
		p.logger = l
	}
}

// NewLoopbackPrompter returns a LoopbackPrompter that uses the system
// browser.
func NewLoopbackPrompter(opts ...LoopbackOption) *LoopbackPrompter {
	p := &LoopbackPrompter{
		open:   browser.OpenURL,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Prompt implements Prompter. Cancelling ctx resolves to Cancel.
func (p *LoopbackPrompter) Prompt(ctx context.Context, req *Request) Response {
	u, err := url.Parse(req.RedirectURI())
	if err != nil || u.Scheme != "http" || !isLoopback(u.Hostname()) {
		return Failure(fmt.Errorf("auth: redirect URI %q is not a loopback http URL", req.RedirectURI()))
	}

	state, err := generateState()
	if err != nil {
		return Failure(fmt.Errorf("auth: generate state: %w", err))
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", u.Host)
	if err != nil {
		return Failure(fmt.Errorf("auth: listen on %s: %w", u.Host, err))
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	results := make(chan Response, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		resp := callbackResponse(r.URL.Query(), state)
		select {
		case results <- resp:
		default:
			http.Error(w, "sign-in already completed", http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if resp.Type == ResponseSuccess {
			io.WriteString(w, "Signed in. You can close this window.\n")
		} else {
			io.WriteString(w, "Sign-in did not complete. You can close this window.\n")
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error().Err(err).Msg("loopback listener failed")
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	p.logger.Debug().
		Str("provider", req.Provider().String()).
		Str("redirect_uri", req.RedirectURI()).
		Msg("opening browser")
	if err := p.open(req.AuthURL(state)); err != nil {
		return Failure(fmt.Errorf("auth: open browser: %w", err))
	}

	select {
	case resp := <-results:
		return resp
	case <-ctx.Done():
		return Cancel()
	}
}

// callbackResponse classifies the redirect query parameters.
func callbackResponse(q url.Values, state string) Response {
	if code := q.Get("error"); code != "" {
		if code == errorAccessDenied {
			return Cancel()
		}
		return Failure(&ProviderError{Code: code, Description: q.Get("error_description")})
	}
	got := q.Get("state")
	if got == "" || !equalConstantTime(got, state) {
		return Failure(ErrStateMismatch)
	}
	code := q.Get("code")
	if code == "" {
		return Failure(errors.New("auth: redirect carried no code"))
	}
	return Success(code, got)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
