package store

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the key length (in bytes) for the default AEAD.
const KeySize = chacha20poly1305.KeySize

// maxSealedLen bounds how much sealed data Open will decode.
const maxSealedLen = 1 << 20

// ErrSealerConfig reports an unusable Sealer configuration.
var ErrSealerConfig = errors.New("store: invalid sealer configuration")

// Sealer encrypts and authenticates values at rest.
//
// Format: [keyID] "." base64url(nonce || AEAD.Seal(plaintext, aad))
//
// Key rotation: keys holds every accepted key; keyID selects the key used for
// sealing. Values sealed under an older key still open as long as that key is
// present in keys.
type Sealer struct {
	keyID   string
	keys    map[string][]byte
	newAEAD func(key []byte) (cipher.AEAD, error)
}

// SealerOption configures a Sealer.
type SealerOption func(*Sealer)

// WithAEAD replaces the default XChaCha20-Poly1305 AEAD factory.
func WithAEAD(f func(key []byte) (cipher.AEAD, error)) SealerOption {
	return func(s *Sealer) {
		s.newAEAD = f
	}
}

// NewSealer creates a Sealer that seals with keys[keyID].
func NewSealer(keyID string, keys map[string][]byte, opts ...SealerOption) (*Sealer, error) {
	s := &Sealer{
		keyID:   keyID,
		keys:    keys,
		newAEAD: chacha20poly1305.NewX,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.keys == nil || s.newAEAD == nil {
		return nil, ErrSealerConfig
	}
	if _, ok := s.keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrSealerConfig, keyID)
	}
	for id, k := range s.keys {
		if strings.Contains(id, ".") {
			return nil, fmt.Errorf("%w: key id %q contains '.'", ErrSealerConfig, id)
		}
		if _, err := s.newAEAD(k); err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", ErrSealerConfig, id, err)
		}
	}
	return s, nil
}

// Seal encrypts plain. aad binds the sealed value to its context (for example
// the file it is written to).
func (s *Sealer) Seal(plain, aad []byte) ([]byte, error) {
	aead, err := s.newAEAD(s.keys[s.keyID])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nonce, nonce, plain, aad)
	return []byte(s.keyID + "." + base64.RawURLEncoding.EncodeToString(sealed)), nil
}

// Open decrypts a value produced by Seal. Any tampering, unknown key id or
// aad mismatch yields ErrCorrupt.
func (s *Sealer) Open(value, aad []byte) ([]byte, error) {
	if len(value) == 0 || len(value) > maxSealedLen {
		return nil, ErrCorrupt
	}
	keyID, enc, ok := strings.Cut(string(value), ".")
	if !ok || keyID == "" || enc == "" {
		return nil, ErrCorrupt
	}
	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown key id %q", ErrCorrupt, keyID)
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, ErrCorrupt
	}
	aead, err := s.newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCorrupt
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrCorrupt
	}
	return plain, nil
}
