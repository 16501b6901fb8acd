package zklogin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/mnehpets/zkauth/endpoint"
)

// ProvisionPath is the backend route that issues new material.
const ProvisionPath = "/api/zk/get_zk_provider"

const (
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 3
	// DefaultBaseDelay is multiplied by the attempt number to get the wait
	// before the next attempt.
	DefaultBaseDelay = time.Second
)

// ErrProvisionFailed is returned when every provisioning attempt failed.
var ErrProvisionFailed = errors.New("zklogin: provisioning failed")

var validate = validator.New(validator.WithRequiredStructEnabled())

// ProvisionRequest is the body sent to ProvisionPath.
type ProvisionRequest struct {
	Epoch *uint64 `json:"epoch" validate:"required"`
}

// Provisioner fetches new material from the backend.
type Provisioner struct {
	url        string
	client     *http.Client
	maxRetries uint64
	baseDelay  time.Duration
	logger     zerolog.Logger
}

// ProvisionerOption configures a Provisioner.
type ProvisionerOption func(*Provisioner)

// WithHTTPClient sets the HTTP client used for provisioning calls.
func WithHTTPClient(c *http.Client) ProvisionerOption {
	return func(p *Provisioner) {
		p.client = c
	}
}

// WithRetry sets the retry bound and the base delay between attempts.
func WithRetry(maxRetries uint64, baseDelay time.Duration) ProvisionerOption {
	return func(p *Provisioner) {
		p.maxRetries = maxRetries
		p.baseDelay = baseDelay
	}
}

// WithProvisionerLogger sets the logger for retry and failure reports.
func WithProvisionerLogger(l zerolog.Logger) ProvisionerOption {
	return func(p *Provisioner) {
		p.logger = l
	}
}

// NewProvisioner returns a Provisioner for the backend at backendURL.
func NewProvisioner(backendURL string, opts ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		url:        strings.TrimRight(backendURL, "/") + ProvisionPath,
		client:     http.DefaultClient,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Provision requests material for epoch. Failed attempts are retried with a
// delay of baseDelay times the attempt number. The returned MaxEpoch is the
// server's value.
func (p *Provisioner) Provision(ctx context.Context, epoch uint64) (*Payload, error) {
	attempt := 0
	backoff := retry.WithMaxRetries(p.maxRetries, retry.BackoffFunc(func() (time.Duration, bool) {
		return p.baseDelay * time.Duration(attempt), false
	}))

	var payload *Payload
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		got, err := p.fetch(ctx, epoch)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			p.logger.Warn().
				Str("category", "zk.provision_retry").
				Int("attempt", attempt).
				Uint64("max_attempts", p.maxRetries+1).
				Err(err).
				Msg("nonce provisioning attempt failed")
			return retry.RetryableError(err)
		}
		payload = got
		return nil
	})
	if err != nil {
		p.logger.Error().
			Str("category", "zk.provision_retry").
			Int("attempts", attempt).
			Err(err).
			Msg("nonce provisioning gave up")
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrProvisionFailed, attempt, err)
	}
	return payload, nil
}

func (p *Provisioner) fetch(ctx context.Context, epoch uint64) (*Payload, error) {
	body, err := json.Marshal(ProvisionRequest{Epoch: &epoch})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var env endpoint.Envelope[*Payload]
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !env.Success || env.Data == nil {
		msg := env.Error
		if msg == "" {
			msg = "response unsuccessful"
		}
		return nil, errors.New(msg)
	}
	if err := validate.Struct(env.Data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return env.Data, nil
}
