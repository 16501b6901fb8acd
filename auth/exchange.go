package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

var (
	// ErrExchangeRejected is returned when the backend refuses the code or
	// answers without a usable identity.
	ErrExchangeRejected = errors.New("auth: token exchange rejected")
	// ErrMissingFields is wrapped by ErrExchangeRejected when a required
	// identity field is absent from an otherwise successful response.
	ErrMissingFields = errors.New("auth: token response missing required fields")
	// ErrNonceMismatch is wrapped by ErrExchangeRejected when the ID token
	// was not issued for the nonce bound into the request.
	ErrNonceMismatch = errors.New("auth: id token nonce mismatch")
)

// maxTokenResponseBytes bounds the size of a token response body.
const maxTokenResponseBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// IDTokenVerifier verifies a raw ID token. *oidc.IDTokenVerifier satisfies it.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// TokenRequest is the body posted to the backend token endpoint.
type TokenRequest struct {
	Provider    string `json:"provider"`
	Code        string `json:"code"`
	RedirectURI string `json:"redirect_uri"`
	Scope       string `json:"scope"`
}

// Identity is the identity returned by a successful exchange.
type Identity struct {
	UserID   string `validate:"required"`
	IDToken  string `validate:"required"`
	Salt     string `validate:"required"`
	Name     *string
	Mail     *string
	PhotoURL *string
}

// MarshalZerologObject logs the identity without its ID token.
func (id *Identity) MarshalZerologObject(e *zerolog.Event) {
	e.Str("user_id", id.UserID).
		Bool("has_id_token", id.IDToken != "").
		Bool("has_name", id.Name != nil).
		Bool("has_mail", id.Mail != nil).
		Bool("has_photo_url", id.PhotoURL != nil)
}

// tokenResponse accepts both snake_case and camelCase field names.
type tokenResponse struct {
	UserID        string  `json:"user_id"`
	UserIDCamel   string  `json:"userId"`
	IDToken       string  `json:"id_token"`
	IDTokenCamel  string  `json:"idToken"`
	Salt          string  `json:"salt"`
	Name          *string `json:"name"`
	Mail          *string `json:"mail"`
	PhotoURL      *string `json:"photo_url"`
	PhotoURLCamel *string `json:"photoUrl"`
}

func (t *tokenResponse) identity() *Identity {
	return &Identity{
		UserID:   firstNonEmpty(t.UserID, t.UserIDCamel),
		IDToken:  firstNonEmpty(t.IDToken, t.IDTokenCamel),
		Salt:     t.Salt,
		Name:     nonEmpty(t.Name),
		Mail:     nonEmpty(t.Mail),
		PhotoURL: nonEmpty(firstNonNil(t.PhotoURL, t.PhotoURLCamel)),
	}
}

// ExchangeRequest names one code to exchange.
type ExchangeRequest struct {
	Provider Provider
	Code     string
	Scopes   []string
	// Nonce is compared against the ID token's nonce claim when a verifier
	// is configured for Provider.
	Nonce string
}

// Exchanger trades authorization codes for identities at the backend.
type Exchanger struct {
	tokenURL    string
	redirectURI string
	client      *http.Client
	verifiers   map[Provider]IDTokenVerifier
	logger      zerolog.Logger
}

// ExchangerOption configures an Exchanger.
type ExchangerOption func(*Exchanger)

// WithExchangeClient sets the HTTP client used for the exchange.
func WithExchangeClient(c *http.Client) ExchangerOption {
	return func(e *Exchanger) {
		e.client = c
	}
}

// WithVerifier verifies ID tokens issued by p before accepting them.
func WithVerifier(p Provider, v IDTokenVerifier) ExchangerOption {
	return func(e *Exchanger) {
		e.verifiers[p] = v
	}
}

// WithExchangerLogger sets the logger.
func WithExchangerLogger(l zerolog.Logger) ExchangerOption {
	return func(e *Exchanger) {
		e.logger = l
	}
}

// NewExchanger returns an Exchanger for the backend at backendURL. The
// redirect URI sent with each exchange is the backend callback route.
func NewExchanger(backendURL string, opts ...ExchangerOption) *Exchanger {
	base := strings.TrimRight(backendURL, "/")
	e := &Exchanger{
		tokenURL:    base + TokenPath,
		redirectURI: base + CallbackPath,
		client:      http.DefaultClient,
		verifiers:   make(map[Provider]IDTokenVerifier),
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Exchange posts the code to the backend and returns the identity.
// Backend refusals and incomplete identities wrap ErrExchangeRejected; any
// other error is a transport or decoding failure.
func (e *Exchanger) Exchange(ctx context.Context, xr ExchangeRequest) (*Identity, error) {
	scopes := xr.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	body, err := json.Marshal(TokenRequest{
		Provider:    string(xr.Provider),
		Code:        xr.Code,
		RedirectURI: e.redirectURI,
		Scope:       strings.Join(scopes, " "),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxTokenResponseBytes))
		return nil, fmt.Errorf("%w: status %d", ErrExchangeRejected, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTokenResponseBytes)).Decode(&tr); err != nil {
		return nil, fmt.Errorf("auth: decode token response: %w", err)
	}
	id := tr.identity()
	if err := validate.Struct(id); err != nil {
		return nil, fmt.Errorf("%w: %w: %s", ErrExchangeRejected, ErrMissingFields, missingFields(err))
	}

	if v, ok := e.verifiers[xr.Provider]; ok {
		if err := e.verify(ctx, v, id, xr.Nonce); err != nil {
			return nil, err
		}
	}

	e.logger.Debug().Str("provider", xr.Provider.String()).Object("identity", id).Msg("token exchanged")
	return id, nil
}

// verify checks the ID token and fills name and mail from its claims when
// the backend omitted them.
func (e *Exchanger) verify(ctx context.Context, v IDTokenVerifier, id *Identity, nonce string) error {
	token, err := v.Verify(ctx, id.IDToken)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExchangeRejected, err)
	}
	if nonce != "" && !equalConstantTime(token.Nonce, nonce) {
		return fmt.Errorf("%w: %w", ErrExchangeRejected, ErrNonceMismatch)
	}
	if id.Mail == nil {
		if email, ok := verifiedEmail(token); ok {
			id.Mail = &email
		}
	}
	if id.Name == nil {
		var claims struct {
			Name string `json:"name"`
		}
		if err := token.Claims(&claims); err == nil && claims.Name != "" {
			id.Name = &claims.Name
		}
	}
	return nil
}

// verifiedEmail returns the email address from the ID token if the
// email_verified claim is true.
func verifiedEmail(token *oidc.IDToken) (string, bool) {
	var claims oidc.UserInfo
	if err := token.Claims(&claims); err != nil {
		return "", false
	}
	if !claims.EmailVerified || claims.Email == "" {
		return "", false
	}
	return claims.Email, true
}

func missingFields(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		names = append(names, fe.Field())
	}
	return strings.Join(names, ", ")
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonNil(vs ...*string) *string {
	for _, v := range vs {
		if v != nil {
			return v
		}
	}
	return nil
}

func nonEmpty(v *string) *string {
	if v == nil || *v == "" {
		return nil
	}
	return v
}
