package zklogin

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mnehpets/zkauth/epoch"
	"github.com/mnehpets/zkauth/store"
)

// NonceProvisioner issues new material for an epoch.
type NonceProvisioner interface {
	Provision(ctx context.Context, epoch uint64) (*Payload, error)
}

// CheckResult is the outcome of CheckAndRefresh.
type CheckResult struct {
	Success bool
	// NewNonce is set only when new material was provisioned.
	NewNonce string
	// Data is the material usable after the check, nil on failure.
	Data *EphemeralData
	// Epoch is the network epoch the check ran against.
	Epoch uint64
}

// Checker keeps the stored material usable for the current network epoch.
// It is the only writer of the ephemeral keys and maxEpoch apart from
// sign-out.
type Checker struct {
	mu          sync.Mutex
	source      epoch.Source
	provisioner NonceProvisioner
	store       store.KeyValueStore
	logger      zerolog.Logger
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithCheckerLogger sets the logger for epoch and provisioning failures.
func WithCheckerLogger(l zerolog.Logger) CheckerOption {
	return func(c *Checker) {
		c.logger = l
	}
}

// NewChecker returns a Checker reading epochs from source, provisioning
// through provisioner and persisting into s.
func NewChecker(source epoch.Source, provisioner NonceProvisioner, s store.KeyValueStore, opts ...CheckerOption) *Checker {
	c := &Checker{
		source:      source,
		provisioner: provisioner,
		store:       s,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckAndRefresh reuses the stored material while it is valid for the
// current epoch and provisions new material otherwise. Failures are logged
// and reported as Success false; it never returns an error.
func (c *Checker) CheckAndRefresh(ctx context.Context) CheckResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.source.CurrentEpoch(ctx)
	if err != nil {
		c.logger.Error().Str("category", "zk.epoch_failed").Err(err).Msg("fetch current epoch")
		return CheckResult{}
	}

	existing, err := Load(ctx, c.store)
	if err != nil {
		c.logger.Error().Str("category", "zk.epoch_failed").Err(err).Msg("read ephemeral material")
		return CheckResult{Epoch: current}
	}
	if existing.Valid(current) {
		return CheckResult{Success: true, Data: existing, Epoch: current}
	}

	log := c.logger.With().Uint64("epoch", current).Logger()
	if existing != nil {
		log.Info().Object("expired", existing).Msg("ephemeral material expired")
	}

	payload, err := c.provisioner.Provision(ctx, current)
	if err != nil {
		log.Error().Str("category", "zk.epoch_failed").Err(err).Msg("provision ephemeral material")
		return CheckResult{Epoch: current}
	}
	data := payload.Data()
	if !data.Complete() {
		log.Error().Str("category", "zk.epoch_failed").Msg("provisioned material incomplete")
		return CheckResult{Epoch: current}
	}
	if err := c.store.Update(ctx, data.Changes()); err != nil {
		log.Error().Str("category", "zk.epoch_failed").Err(err).Msg("persist ephemeral material")
		return CheckResult{Epoch: current}
	}

	log.Info().Object("material", data).Msg("ephemeral material provisioned")
	return CheckResult{Success: true, NewNonce: data.Nonce, Data: data, Epoch: current}
}
