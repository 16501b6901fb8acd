package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

func TestParseProvider(t *testing.T) {
	tests := []struct {
		in      string
		want    Provider
		wantErr bool
	}{
		{"google", Google, false},
		{" Microsoft ", Microsoft, false},
		{"GOOGLE", Google, false},
		{"github", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseProvider(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownProvider) {
				t.Errorf("ParseProvider(%q) error = %v, want ErrUnknownProvider", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseProvider(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestRequest_WithExtraParamsIsCopy(t *testing.T) {
	base := NewRequest(Google, DefaultConfig(Google, "http://127.0.0.1:8765/callback"), BackendEndpoint("https://api.example.com/"))
	bound := base.WithExtraParams(Params{ParamNonce: "n0nce", ParamPlatform: string(PlatformWeb)})

	if base.Param(ParamNonce) != "" {
		t.Errorf("base request gained nonce %q", base.Param(ParamNonce))
	}
	if bound.Param(ParamNonce) != "n0nce" {
		t.Errorf("bound nonce = %q", bound.Param(ParamNonce))
	}

	u, err := url.Parse(bound.AuthURL("st"))
	if err != nil {
		t.Fatal(err)
	}
	if got := u.Scheme + "://" + u.Host + u.Path; got != "https://api.example.com"+AuthorizePath {
		t.Errorf("auth URL base = %q", got)
	}
	q := u.Query()
	want := map[string]string{
		"client_id":     "google",
		"redirect_uri":  "http://127.0.0.1:8765/callback",
		"response_type": "code",
		"scope":         "openid profile email",
		"state":         "st",
		"provider":      "google",
		"prompt":        "select_account",
		"nonce":         "n0nce",
		"platform":      "web",
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Errorf("param %s = %q, want %q", k, q.Get(k), v)
		}
	}

	if strings.Contains(base.AuthURL("st"), "nonce=") {
		t.Error("base auth URL carries a nonce")
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	ep := BackendEndpoint("http://backend")
	reg.Register(NewRequest(Microsoft, DefaultConfig(Microsoft, "http://localhost/cb"), ep))
	reg.Register(NewRequest(Google, DefaultConfig(Google, "http://localhost/cb"), ep))

	if got := reg.Providers(); len(got) != 2 || got[0] != Google || got[1] != Microsoft {
		t.Errorf("Providers() = %v", got)
	}
	req, ok := reg.Get(Microsoft)
	if !ok || req.Provider() != Microsoft {
		t.Errorf("Get(Microsoft) = %v, %v", req, ok)
	}
	if _, ok := reg.Get("github"); ok {
		t.Error("Get(github) found a request")
	}
}

func TestCallbackResponse(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  ResponseType
		err   error
	}{
		{"success", "code=abc&state=s1", ResponseSuccess, nil},
		{"denied", "error=access_denied&state=s1", ResponseCancel, nil},
		{"provider error", "error=server_error&error_description=boom", ResponseError, nil},
		{"state mismatch", "code=abc&state=other", ResponseError, ErrStateMismatch},
		{"missing state", "code=abc", ResponseError, ErrStateMismatch},
		{"missing code", "state=s1", ResponseError, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := url.ParseQuery(tt.query)
			got := callbackResponse(q, "s1")
			if got.Type != tt.want {
				t.Fatalf("type = %v, want %v", got.Type, tt.want)
			}
			if tt.err != nil && !errors.Is(got.Err, tt.err) {
				t.Errorf("err = %v, want %v", got.Err, tt.err)
			}
			if tt.name == "provider error" {
				var pe *ProviderError
				if !errors.As(got.Err, &pe) || pe.Code != "server_error" || pe.Description != "boom" {
					t.Errorf("err = %v, want ProviderError", got.Err)
				}
			}
		})
	}
}

func freeLoopbackAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestLoopbackPrompter_Success(t *testing.T) {
	redirect := "http://" + freeLoopbackAddr(t) + "/callback"
	req := NewRequest(Google, DefaultConfig(Google, redirect), BackendEndpoint("http://backend"))

	open := func(authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		q := u.Query()
		go func() {
			resp, err := http.Get(q.Get("redirect_uri") + "?code=the-code&state=" + url.QueryEscape(q.Get("state")))
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got := NewLoopbackPrompter(WithBrowser(open)).Prompt(ctx, req)
	if got.Type != ResponseSuccess || got.Code != "the-code" {
		t.Fatalf("Prompt() = %+v, want success with code", got)
	}
}

func TestLoopbackPrompter_CancelledContext(t *testing.T) {
	redirect := "http://" + freeLoopbackAddr(t) + "/callback"
	req := NewRequest(Google, DefaultConfig(Google, redirect), BackendEndpoint("http://backend"))

	ctx, cancel := context.WithCancel(context.Background())
	open := func(string) error {
		cancel()
		return nil
	}
	if got := NewLoopbackPrompter(WithBrowser(open)).Prompt(ctx, req); got.Type != ResponseCancel {
		t.Fatalf("Prompt() = %+v, want cancel", got)
	}
}

func TestLoopbackPrompter_RejectsNonLoopbackRedirect(t *testing.T) {
	opened := false
	p := NewLoopbackPrompter(WithBrowser(func(string) error { opened = true; return nil }))
	for _, redirect := range []string{"https://example.com/cb", "myapp://redirect", "http://10.0.0.1:80/cb"} {
		req := NewRequest(Google, DefaultConfig(Google, redirect), BackendEndpoint("http://backend"))
		if got := p.Prompt(context.Background(), req); got.Type != ResponseError {
			t.Errorf("Prompt(%s) = %v, want error", redirect, got.Type)
		}
	}
	if opened {
		t.Error("browser opened for a non-loopback redirect")
	}
}

func tokenServer(t *testing.T, status int, body string, seen *TokenRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != TokenPath || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if seen != nil {
			json.NewDecoder(r.Body).Decode(seen)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExchanger_Exchange(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		rejected bool
		missing  bool
		wantErr  bool
		wantName string
		wantPic  string
	}{
		{
			name:     "snake case",
			status:   200,
			body:     `{"user_id":"u1","id_token":"tok","salt":"s1","name":"Ada","photo_url":"https://p/1"}`,
			wantName: "Ada",
			wantPic:  "https://p/1",
		},
		{
			name:    "camel case",
			status:  200,
			body:    `{"userId":"u1","idToken":"tok","salt":"s1","photoUrl":"https://p/2"}`,
			wantPic: "https://p/2",
		},
		{"missing salt", 200, `{"user_id":"u1","id_token":"tok"}`, true, true, true, "", ""},
		{"missing id token", 200, `{"user_id":"u1","salt":"s1"}`, true, true, true, "", ""},
		{"server error", 500, `{"error":"nope"}`, true, false, true, "", ""},
		{"unauthorized", 401, ``, true, false, true, "", ""},
		{"malformed", 200, `{"user_id":`, false, false, true, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen TokenRequest
			srv := tokenServer(t, tt.status, tt.body, &seen)
			id, err := NewExchanger(srv.URL).Exchange(context.Background(), ExchangeRequest{Provider: Google, Code: "c0de"})
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Exchange() = %+v, want error", id)
				}
				if got := errors.Is(err, ErrExchangeRejected); got != tt.rejected {
					t.Errorf("errors.Is(err, ErrExchangeRejected) = %v, want %v (%v)", got, tt.rejected, err)
				}
				if got := errors.Is(err, ErrMissingFields); got != tt.missing {
					t.Errorf("errors.Is(err, ErrMissingFields) = %v, want %v", got, tt.missing)
				}
				return
			}
			if err != nil {
				t.Fatalf("Exchange() error = %v", err)
			}
			if id.UserID != "u1" || id.IDToken != "tok" || id.Salt != "s1" {
				t.Errorf("identity = %+v", id)
			}
			if got := deref(id.Name); got != tt.wantName {
				t.Errorf("name = %q, want %q", got, tt.wantName)
			}
			if got := deref(id.PhotoURL); got != tt.wantPic {
				t.Errorf("photo = %q, want %q", got, tt.wantPic)
			}
			if id.Mail != nil {
				t.Errorf("mail = %q, want nil", *id.Mail)
			}
			want := TokenRequest{Provider: "google", Code: "c0de", RedirectURI: srv.URL + CallbackPath, Scope: "openid profile email"}
			if seen != want {
				t.Errorf("request body = %+v, want %+v", seen, want)
			}
		})
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type idTokenIssuer struct {
	issuer string
	signer jose.Signer
	pub    crypto.PublicKey
}

func newIDTokenIssuer(t *testing.T) *idTokenIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		t.Fatal(err)
	}
	return &idTokenIssuer{issuer: "https://issuer.example.com", signer: signer, pub: &key.PublicKey}
}

func (i *idTokenIssuer) mint(t *testing.T, extra map[string]any) string {
	t.Helper()
	claims := jwt.Claims{
		Subject:  "user123",
		Issuer:   i.issuer,
		Audience: jwt.Audience{"client-id"},
		Expiry:   jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}
	raw, err := jwt.Signed(i.signer).Claims(claims).Claims(extra).Serialize()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func (i *idTokenIssuer) verifier() *oidc.IDTokenVerifier {
	return oidc.NewVerifier(i.issuer, &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{i.pub}}, &oidc.Config{ClientID: "client-id"})
}

func TestExchanger_VerifiesNonce(t *testing.T) {
	iss := newIDTokenIssuer(t)

	tests := []struct {
		name      string
		nonce     string
		wantErr   error
		wantEmail string
	}{
		{"matching nonce", "expected", nil, "ada@example.com"},
		{"wrong nonce", "other", ErrNonceMismatch, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := iss.mint(t, map[string]any{"nonce": "expected", "email": "ada@example.com", "email_verified": true})
			body, _ := json.Marshal(map[string]string{"user_id": "u1", "id_token": raw, "salt": "s1"})
			srv := tokenServer(t, 200, string(body), nil)

			ex := NewExchanger(srv.URL, WithVerifier(Google, iss.verifier()))
			id, err := ex.Exchange(context.Background(), ExchangeRequest{Provider: Google, Code: "c", Nonce: tt.nonce})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) || !errors.Is(err, ErrExchangeRejected) {
					t.Fatalf("Exchange() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Exchange() error = %v", err)
			}
			if deref(id.Mail) != tt.wantEmail {
				t.Errorf("mail = %q, want %q", deref(id.Mail), tt.wantEmail)
			}
		})
	}
}

func TestExchanger_RejectsForgedToken(t *testing.T) {
	trusted := newIDTokenIssuer(t)
	forger := newIDTokenIssuer(t)

	body, _ := json.Marshal(map[string]string{"user_id": "u1", "id_token": forger.mint(t, map[string]any{"nonce": "x"}), "salt": "s1"})
	srv := tokenServer(t, 200, string(body), nil)

	ex := NewExchanger(srv.URL, WithVerifier(Google, trusted.verifier()))
	if _, err := ex.Exchange(context.Background(), ExchangeRequest{Provider: Google, Code: "c"}); !errors.Is(err, ErrExchangeRejected) {
		t.Fatalf("Exchange() error = %v, want ErrExchangeRejected", err)
	}

	// Tokens from providers without a verifier pass through unchecked.
	if _, err := ex.Exchange(context.Background(), ExchangeRequest{Provider: Microsoft, Code: "c"}); err != nil {
		t.Fatalf("Exchange(microsoft) error = %v", err)
	}
}
