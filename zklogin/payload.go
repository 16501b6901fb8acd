// Package zklogin provisions and validates the single-use key material of a
// zkLogin round: an ephemeral Ed25519 keypair, randomness, and the nonce that
// binds both to a maximum network epoch.
package zklogin

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"

	"github.com/iden3/go-iden3-crypto/poseidon"
)

// EpochWindow is how many epochs past the current one new material stays
// valid.
const EpochWindow = 2

// ed25519Flag is the signature scheme flag prefixed to Ed25519 keys.
const ed25519Flag = 0x00

// nonceBytes is the length of the encoded nonce before base64url encoding.
const nonceBytes = 20

// ErrInvalidPayload reports provisioned material that is incomplete or
// malformed.
var ErrInvalidPayload = errors.New("zklogin: invalid payload")

// Payload is the material returned by the nonce provisioning endpoint.
//
// Clients treat the key fields as opaque strings: backends may encode the
// private key as base64 or as a bech32 "suiprivkey1..." string. Only
// payloads minted by NewPayload decode with PrivateKey and Verify.
type Payload struct {
	Nonce               string `json:"nonce" validate:"required"`
	MaxEpoch            uint64 `json:"maxEpoch" validate:"required"`
	Randomness          string `json:"randomness" validate:"required,numeric"`
	EphemeralPublicKey  string `json:"ephemeralPublicKey" validate:"required"`
	EphemeralPrivateKey string `json:"ephemeralPrivateKey" validate:"required"`
}

// NewPayload generates fresh material for a round starting at epoch. The
// returned MaxEpoch is epoch + EpochWindow.
func NewPayload(epoch uint64) (*Payload, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("zklogin: generate keypair: %w", err)
	}
	randomness, err := GenerateRandomness()
	if err != nil {
		return nil, err
	}
	maxEpoch := epoch + EpochWindow
	nonce, err := ComputeNonce(pub, maxEpoch, randomness)
	if err != nil {
		return nil, err
	}

	return &Payload{
		Nonce:               nonce,
		MaxEpoch:            maxEpoch,
		Randomness:          randomness,
		EphemeralPublicKey:  base64.StdEncoding.EncodeToString(pub),
		EphemeralPrivateKey: base64.StdEncoding.EncodeToString(append([]byte{ed25519Flag}, priv.Seed()...)),
	}, nil
}

// GenerateRandomness returns 128 random bits as a decimal string.
func GenerateRandomness() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("zklogin: generate randomness: %w", err)
	}
	return new(big.Int).SetBytes(b).String(), nil
}

// ComputeNonce derives the nonce for pub, maxEpoch and randomness:
//
//	base64url(low 20 bytes of Poseidon(pk >> 128, pk mod 2^128, maxEpoch, randomness))
//
// where pk is the flag-prefixed public key read as a big-endian integer.
func ComputeNonce(pub ed25519.PublicKey, maxEpoch uint64, randomness string) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: public key length %d", ErrInvalidPayload, len(pub))
	}
	r, ok := new(big.Int).SetString(randomness, 10)
	if !ok || r.Sign() < 0 {
		return "", fmt.Errorf("%w: randomness is not a decimal integer", ErrInvalidPayload)
	}

	pk := new(big.Int).SetBytes(append([]byte{ed25519Flag}, pub...))
	shift := new(big.Int).Lsh(big.NewInt(1), 128)
	hi, lo := new(big.Int).QuoRem(pk, shift, new(big.Int))

	h, err := poseidon.Hash([]*big.Int{hi, lo, new(big.Int).SetUint64(maxEpoch), r})
	if err != nil {
		return "", fmt.Errorf("zklogin: poseidon: %w", err)
	}

	buf := make([]byte, 32)
	h.FillBytes(buf)
	return base64.RawURLEncoding.EncodeToString(buf[len(buf)-nonceBytes:]), nil
}

// Verify checks that p's nonce matches its public key, maxEpoch and
// randomness.
func (p *Payload) Verify() error {
	pub, err := base64.StdEncoding.DecodeString(p.EphemeralPublicKey)
	if err != nil {
		return fmt.Errorf("%w: public key: %v", ErrInvalidPayload, err)
	}
	want, err := ComputeNonce(pub, p.MaxEpoch, p.Randomness)
	if err != nil {
		return err
	}
	if want != p.Nonce {
		return fmt.Errorf("%w: nonce does not match key material", ErrInvalidPayload)
	}
	return nil
}

// PrivateKey decodes the ephemeral private key.
func (p *Payload) PrivateKey() (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(p.EphemeralPrivateKey)
	if err != nil || len(raw) != 1+ed25519.SeedSize || raw[0] != ed25519Flag {
		return nil, fmt.Errorf("%w: private key encoding", ErrInvalidPayload)
	}
	return ed25519.NewKeyFromSeed(raw[1:]), nil
}
