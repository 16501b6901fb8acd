// Package session is the facade the rest of an application uses for zkLogin
// sign-in: the current identity, the current ephemeral material, loading
// flags, and the sign-in and sign-out operations.
//
// A Manager is constructed once at process start and passed to its users.
// It wires the epoch checker, the provider prompt and the response handler
// together:
//
//	SignIn → Checker.CheckAndRefresh → Request.WithExtraParams(nonce)
//	       → Prompter.Prompt → ResponseHandler.Handle → store.Update
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mnehpets/zkauth/auth"
	"github.com/mnehpets/zkauth/store"
	"github.com/mnehpets/zkauth/zklogin"
)

var (
	// ErrNotReady is returned by SignIn when no usable ephemeral material
	// could be obtained.
	ErrNotReady = errors.New("session: zklogin material not ready")
	// ErrSignInInProgress is returned when a sign-in with the same provider
	// is already running.
	ErrSignInInProgress = errors.New("session: sign-in already in progress")
	// ErrCancelled is returned when the user abandoned the provider prompt.
	ErrCancelled = errors.New("session: sign-in cancelled")
	// ErrSignedOut is returned by a SignIn that SignOut overtook. Nothing
	// from that sign-in is persisted.
	ErrSignedOut = errors.New("session: signed out during sign-in")
)

// SignInFailedMessage is the only failure text shown to users.
const SignInFailedMessage = "Sign-in failed. Please try again."

// UserMessage returns the text to show for a SignIn error. Only a rejected
// token exchange is surfaced; every other cause returns "".
func UserMessage(err error) string {
	if errors.Is(err, auth.ErrExchangeRejected) {
		return SignInFailedMessage
	}
	return ""
}

// EpochChecker keeps ephemeral material valid. *zklogin.Checker satisfies it.
type EpochChecker interface {
	CheckAndRefresh(ctx context.Context) zklogin.CheckResult
}

// Snapshot is a consistent view of the Manager state.
type Snapshot struct {
	Auth      *AuthData
	Ephemeral *zklogin.EphemeralData
	// Loaded is false until the identity keys have been read.
	Loaded bool
	// EphemeralLoaded is false until the ephemeral keys have been read.
	EphemeralLoaded bool
	// Authenticating is true while a token exchange is in flight.
	Authenticating bool
}

// IsLoading reports identity store I/O or a token exchange in progress.
func (s Snapshot) IsLoading() bool {
	return !s.Loaded || s.Authenticating
}

// IsEphemeralLoading reports ephemeral store I/O in progress.
func (s Snapshot) IsEphemeralLoading() bool {
	return !s.EphemeralLoaded
}

// Options are the collaborators of a Manager.
type Options struct {
	// Store holds every key of Layout, normally a *store.Router.
	Store store.KeyValueStore
	// Layout lists the keys SignOut clears. Defaults to store.DefaultLayout.
	Layout   store.Layout
	Checker  EpochChecker
	Requests *auth.Registry
	Prompter auth.Prompter
	Handler  *ResponseHandler
	// Platform is sent with every authorization request. Defaults to web.
	Platform auth.Platform
	Logger   zerolog.Logger
}

// Manager is the session facade. It is safe for concurrent use.
type Manager struct {
	store    store.KeyValueStore
	layout   store.Layout
	checker  EpochChecker
	requests *auth.Registry
	prompter auth.Prompter
	handler  *ResponseHandler
	platform auth.Platform
	logger   zerolog.Logger

	// writeMu orders identity commits against SignOut.
	writeMu sync.Mutex

	mu sync.Mutex
	// generation counts completed sign-outs. It is written with both
	// writeMu and mu held, so either lock suffices to read it.
	generation uint64
	snap       Snapshot
	signingIn map[auth.Provider]bool
	observers map[int]func(Snapshot)
	nextObs   int
}

// New returns a Manager. Call Start before use.
func New(opts Options) *Manager {
	layout := opts.Layout
	if layout == nil {
		layout = store.DefaultLayout()
	}
	platform := opts.Platform
	if platform == "" {
		platform = auth.PlatformWeb
	}
	return &Manager{
		store:     opts.Store,
		layout:    layout,
		checker:   opts.Checker,
		requests:  opts.Requests,
		prompter:  opts.Prompter,
		handler:   opts.Handler,
		platform:  platform,
		logger:    opts.Logger,
		signingIn: make(map[auth.Provider]bool),
		observers: make(map[int]func(Snapshot)),
	}
}

// Start loads the stored identity and ephemeral material, then runs the
// epoch check once so material is ready before the first sign-in. A failed
// pre-warm is logged, not returned.
func (m *Manager) Start(ctx context.Context) error {
	var errs []error

	values, err := store.ReadAll(ctx, m.store, IdentityKeys)
	if err != nil {
		m.logger.Error().Err(err).Msg("load identity")
		errs = append(errs, fmt.Errorf("session: load identity: %w", err))
	}
	m.update(func(s *Snapshot) {
		s.Auth = authDataFromValues(values)
		s.Loaded = true
	})

	eph, err := zklogin.Load(ctx, m.store)
	if err != nil {
		m.logger.Error().Err(err).Msg("load ephemeral material")
		errs = append(errs, fmt.Errorf("session: load ephemeral material: %w", err))
	}
	m.update(func(s *Snapshot) {
		s.Ephemeral = eph
		s.EphemeralLoaded = true
	})

	if res := m.checker.CheckAndRefresh(ctx); res.Success {
		m.update(func(s *Snapshot) { s.Ephemeral = res.Data })
	} else {
		m.logger.Warn().Msg("ephemeral material not ready at startup")
	}
	return errors.Join(errs...)
}

// SignIn runs the provider flow for p. The epoch check always runs first;
// if it fails SignIn returns ErrNotReady without prompting.
func (m *Manager) SignIn(ctx context.Context, p auth.Provider) error {
	req, ok := m.requests.Get(p)
	if !ok {
		return fmt.Errorf("%w: %q", auth.ErrUnknownProvider, p)
	}
	if !m.beginSignIn(p) {
		return ErrSignInInProgress
	}
	defer m.endSignIn(p)

	log := m.logger.With().Str("provider", p.String()).Logger()
	gen := m.currentGeneration()

	res := m.checker.CheckAndRefresh(ctx)
	if !res.Success || res.Data == nil {
		log.Error().Msg("sign-in aborted: no valid nonce")
		return ErrNotReady
	}
	m.update(func(s *Snapshot) { s.Ephemeral = res.Data })

	bound := req.WithExtraParams(auth.Params{
		auth.ParamNonce:    res.Data.Nonce,
		auth.ParamPlatform: string(m.platform),
	})
	resp := m.prompter.Prompt(ctx, bound)

	if resp.Type == auth.ResponseSuccess {
		if m.currentGeneration() != gen {
			log.Info().Msg("sign-in dropped: signed out while prompting")
			return ErrSignedOut
		}
		m.update(func(s *Snapshot) { s.Authenticating = true })
	}
	data, err := m.handler.handle(ctx, bound, resp, m.commitIf(gen))
	if err != nil {
		m.update(func(s *Snapshot) { s.Authenticating = false })
		return err
	}

	// Re-read so optional fields kept from an earlier sign-in are visible.
	values, rerr := store.ReadAll(ctx, m.store, IdentityKeys)
	if a := authDataFromValues(values); rerr == nil && a != nil {
		data = a
	}
	stale := false
	m.update(func(s *Snapshot) {
		s.Authenticating = false
		if m.generation != gen {
			stale = true
			return
		}
		s.Auth = data
	})
	if stale {
		return ErrSignedOut
	}
	return nil
}

func (m *Manager) currentGeneration() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// commitIf returns a commit function that runs a write only if no SignOut
// completed since generation gen.
func (m *Manager) commitIf(gen uint64) commitFunc {
	return func(write func() error) error {
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
		if m.currentGeneration() != gen {
			return ErrSignedOut
		}
		return write()
	}
}

func (m *Manager) beginSignIn(p auth.Provider) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signingIn[p] || m.handler.Exchanging(p) {
		return false
	}
	m.signingIn[p] = true
	return true
}

func (m *Manager) endSignIn(p auth.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.signingIn, p)
}

// SignOut deletes every key of the layout in one Update and clears both
// views together. If the Update fails nothing is cleared. A SignIn still in
// flight when SignOut completes persists nothing and returns ErrSignedOut.
func (m *Manager) SignOut(ctx context.Context) error {
	changes := store.Changes{}
	for _, k := range m.layout.All() {
		changes.Remove(k)
	}
	m.writeMu.Lock()
	if err := m.store.Update(ctx, changes); err != nil {
		m.writeMu.Unlock()
		m.logger.Error().Err(err).Msg("sign-out failed")
		return fmt.Errorf("session: sign out: %w", err)
	}
	m.mu.Lock()
	m.generation++
	m.mu.Unlock()
	m.writeMu.Unlock()

	m.update(func(s *Snapshot) {
		s.Auth = nil
		s.Ephemeral = nil
	})
	m.logger.Info().Msg("signed out")
	return nil
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// AuthData returns the current identity, or nil.
func (m *Manager) AuthData() *AuthData {
	return m.Snapshot().Auth
}

// EphemeralData returns the current ephemeral material, or nil.
func (m *Manager) EphemeralData() *zklogin.EphemeralData {
	return m.Snapshot().Ephemeral
}

// IsLoading reports identity store I/O or a token exchange in progress.
func (m *Manager) IsLoading() bool {
	return m.Snapshot().IsLoading()
}

// IsEphemeralLoading reports ephemeral store I/O in progress.
func (m *Manager) IsEphemeralLoading() bool {
	return m.Snapshot().IsEphemeralLoading()
}

// Subscribe registers fn to receive every new Snapshot. Observers run
// synchronously, in registration order, outside the Manager lock. The
// returned function removes fn.
func (m *Manager) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// update mutates the snapshot under the lock and notifies observers.
func (m *Manager) update(fn func(*Snapshot)) {
	m.mu.Lock()
	fn(&m.snap)
	snap := m.snap
	ids := make([]int, 0, len(m.observers))
	for id := range m.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	obs := make([]func(Snapshot), 0, len(ids))
	for _, id := range ids {
		obs = append(obs, m.observers[id])
	}
	m.mu.Unlock()

	for _, fn := range obs {
		fn(snap)
	}
}
