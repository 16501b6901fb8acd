package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mnehpets/zkauth/auth"
	"github.com/mnehpets/zkauth/store"
)

// Exchanger trades an authorization code for an identity.
// *auth.Exchanger satisfies it.
type Exchanger interface {
	Exchange(ctx context.Context, req auth.ExchangeRequest) (*auth.Identity, error)
}

// ResponseHandler turns provider responses into a persisted identity. It is
// the only writer of the identity keys apart from sign-out.
type ResponseHandler struct {
	exchanger Exchanger
	store     store.KeyValueStore
	logger    zerolog.Logger

	mu         sync.Mutex
	exchanging map[auth.Provider]bool
}

// HandlerOption configures a ResponseHandler.
type HandlerOption func(*ResponseHandler)

// WithHandlerLogger sets the logger.
func WithHandlerLogger(l zerolog.Logger) HandlerOption {
	return func(h *ResponseHandler) {
		h.logger = l
	}
}

// NewResponseHandler returns a ResponseHandler exchanging codes through ex
// and persisting identities into s.
func NewResponseHandler(ex Exchanger, s store.KeyValueStore, opts ...HandlerOption) *ResponseHandler {
	h := &ResponseHandler{
		exchanger:  ex,
		store:      s,
		logger:     zerolog.Nop(),
		exchanging: make(map[auth.Provider]bool),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Exchanging reports whether an exchange for p is in flight.
func (h *ResponseHandler) Exchanging(p auth.Provider) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exchanging[p]
}

func (h *ResponseHandler) begin(p auth.Provider) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exchanging[p] {
		return false
	}
	h.exchanging[p] = true
	return true
}

func (h *ResponseHandler) end(p auth.Provider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.exchanging, p)
}

// commitFunc runs write, or refuses with an error without running it.
type commitFunc func(write func() error) error

func commitAlways(write func() error) error {
	return write()
}

// Handle consumes resp, the answer to req. On success the identity is
// written in a single Update and returned. Cancel yields ErrCancelled.
func (h *ResponseHandler) Handle(ctx context.Context, req *auth.Request, resp auth.Response) (*AuthData, error) {
	return h.handle(ctx, req, resp, commitAlways)
}

func (h *ResponseHandler) handle(ctx context.Context, req *auth.Request, resp auth.Response, commit commitFunc) (*AuthData, error) {
	provider := req.Provider()
	log := h.logger.With().Str("provider", provider.String()).Logger()

	switch resp.Type {
	case auth.ResponseCancel:
		log.Info().Str("category", "auth.cancel").Msg("sign-in cancelled")
		return nil, ErrCancelled
	case auth.ResponseError:
		log.Warn().Str("category", "auth.provider_error").Err(resp.Err).Msg("provider returned an error")
		return nil, fmt.Errorf("session: provider: %w", resp.Err)
	}

	if !h.begin(provider) {
		return nil, ErrSignInInProgress
	}
	defer h.end(provider)

	id, err := h.exchanger.Exchange(ctx, auth.ExchangeRequest{
		Provider: provider,
		Code:     resp.Code,
		Scopes:   req.Scopes(),
		Nonce:    req.Param(auth.ParamNonce),
	})
	if err != nil {
		log.Error().Str("category", "auth.exchange_failed").Err(err).Msg("token exchange failed")
		return nil, err
	}

	data := &AuthData{
		UserID:   id.UserID,
		IDToken:  id.IDToken,
		Provider: provider,
		Salt:     id.Salt,
		Name:     id.Name,
		Mail:     id.Mail,
		PhotoURL: id.PhotoURL,
	}
	if !data.Complete() {
		log.Error().Str("category", "auth.exchange_failed").Object("identity", data).Msg("incomplete identity")
		return nil, fmt.Errorf("%w: %w", auth.ErrExchangeRejected, auth.ErrMissingFields)
	}

	changes := data.changes()
	if err := h.reconcile(ctx, data, changes); err != nil {
		log.Error().Str("category", "auth.exchange_failed").Err(err).Msg("read stored identity")
		return nil, err
	}
	err = commit(func() error { return h.store.Update(ctx, changes) })
	if errors.Is(err, ErrSignedOut) {
		log.Info().Msg("identity dropped: signed out during exchange")
		return nil, err
	}
	if err != nil {
		log.Error().Str("category", "auth.exchange_failed").Err(err).Msg("persist identity")
		return nil, fmt.Errorf("session: persist identity: %w", err)
	}

	log.Info().Object("identity", data).Msg("signed in")
	return data, nil
}

// reconcile adjusts changes against the stored identity. A different user
// loses the previous user's optional fields; the same user keeps an already
// assigned salt.
func (h *ResponseHandler) reconcile(ctx context.Context, data *AuthData, changes store.Changes) error {
	values, err := store.ReadAll(ctx, h.store, []string{store.KeyUserID, store.KeySalt})
	if err != nil {
		return err
	}
	if values[store.KeyUserID] != data.UserID {
		for _, k := range []string{store.KeyName, store.KeyMail, store.KeyPhotoURL} {
			if _, ok := changes[k]; !ok {
				changes.Remove(k)
			}
		}
		return nil
	}
	stored, ok := values[store.KeySalt]
	if !ok || stored == data.Salt {
		return nil
	}
	h.logger.Warn().Str("user_id", data.UserID).Msg("backend returned a different salt; keeping the stored one")
	delete(changes, store.KeySalt)
	data.Salt = stored
	return nil
}
