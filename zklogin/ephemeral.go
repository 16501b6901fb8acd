package zklogin

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/mnehpets/zkauth/store"
)

// EphemeralData is the material of the active zkLogin round.
type EphemeralData struct {
	Randomness          string
	Nonce               string
	EphemeralPublicKey  string
	EphemeralPrivateKey string
	// MaxEpoch is the last network epoch at which the material is usable.
	MaxEpoch uint64
}

// EphemeralKeys are the store keys that hold EphemeralData.
var EphemeralKeys = []string{
	store.KeyRandomness,
	store.KeyNonce,
	store.KeyEphemeralPublicKey,
	store.KeyEphemeralPrivateKey,
	store.KeyMaxEpoch,
}

// Complete reports whether all four material fields are present.
func (d *EphemeralData) Complete() bool {
	return d != nil &&
		d.Randomness != "" &&
		d.Nonce != "" &&
		d.EphemeralPublicKey != "" &&
		d.EphemeralPrivateKey != ""
}

// Valid reports whether d is complete and still usable at epoch.
func (d *EphemeralData) Valid(epoch uint64) bool {
	return d.Complete() && d.MaxEpoch >= epoch
}

// MarshalZerologObject logs d without its private key.
func (d *EphemeralData) MarshalZerologObject(e *zerolog.Event) {
	e.Str("nonce", d.Nonce).
		Uint64("max_epoch", d.MaxEpoch).
		Str("public_key", d.EphemeralPublicKey).
		Bool("has_private_key", d.EphemeralPrivateKey != "")
}

// Changes returns the store writes that persist d. MaxEpoch is written
// alongside the four material fields so they are replaced together.
func (d *EphemeralData) Changes() store.Changes {
	return store.Changes{}.
		Put(store.KeyRandomness, d.Randomness).
		Put(store.KeyNonce, d.Nonce).
		Put(store.KeyEphemeralPublicKey, d.EphemeralPublicKey).
		Put(store.KeyEphemeralPrivateKey, d.EphemeralPrivateKey).
		Put(store.KeyMaxEpoch, strconv.FormatUint(d.MaxEpoch, 10))
}

// FromValues builds EphemeralData from stored values. It returns nil unless
// all four material fields are present; a missing or malformed maxEpoch
// reads as 0, which no live epoch validates against except genesis.
func FromValues(values map[string]string) *EphemeralData {
	d := &EphemeralData{
		Randomness:          values[store.KeyRandomness],
		Nonce:               values[store.KeyNonce],
		EphemeralPublicKey:  values[store.KeyEphemeralPublicKey],
		EphemeralPrivateKey: values[store.KeyEphemeralPrivateKey],
	}
	if !d.Complete() {
		return nil
	}
	if v, ok := values[store.KeyMaxEpoch]; ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			d.MaxEpoch = n
		}
	}
	return d
}

// Load reads EphemeralData from s. It returns nil, nil when the material is
// absent or incomplete.
func Load(ctx context.Context, s store.KeyValueStore) (*EphemeralData, error) {
	values, err := store.ReadAll(ctx, s, EphemeralKeys)
	if err != nil {
		return nil, err
	}
	return FromValues(values), nil
}

// Data converts p to EphemeralData.
func (p *Payload) Data() *EphemeralData {
	return &EphemeralData{
		Randomness:          p.Randomness,
		Nonce:               p.Nonce,
		EphemeralPublicKey:  p.EphemeralPublicKey,
		EphemeralPrivateKey: p.EphemeralPrivateKey,
		MaxEpoch:            p.MaxEpoch,
	}
}
