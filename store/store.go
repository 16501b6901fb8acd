// Package store provides the key/value storage used for identity facts and
// ephemeral zkLogin key material.
//
// Every backend implements KeyValueStore. Which backend holds a key is decided
// once, per key, by a Layout (see Router), never by the call site:
//
//   - Durable keys survive restarts (File, SQL).
//   - Session keys live only as long as the current process (Memory).
//
// All values are strings; numbers are stored as decimal strings.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrCorrupt is returned when persisted data cannot be opened or decoded.
	ErrCorrupt = errors.New("store: corrupt data")
	// ErrUnknownKey is returned by Router for keys that are not in its Layout.
	ErrUnknownKey = errors.New("store: unknown key")
)

// KeyValueStore is the storage contract shared by all backends.
type KeyValueStore interface {
	// Get returns the value for key. ok is false if the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set stores value under key.
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Update applies all changes or none of them.
	Update(ctx context.Context, changes Changes) error
}

// Changes is a batch of writes for Update. A nil value deletes the key.
type Changes map[string]*string

// Put records a write of value under key and returns c.
func (c Changes) Put(key, value string) Changes {
	v := value
	c[key] = &v
	return c
}

// Remove records a deletion of key and returns c.
func (c Changes) Remove(key string) Changes {
	c[key] = nil
	return c
}

// Keys returns the keys touched by c in sorted order.
func (c Changes) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// apply mutates m according to c.
func (c Changes) apply(m map[string]string) {
	for k, v := range c {
		if v == nil {
			delete(m, k)
			continue
		}
		m[k] = *v
	}
}

// Policy selects the storage discipline for a key.
type Policy int

const (
	// Durable values survive process restarts.
	Durable Policy = iota
	// Session values are dropped when the process ends.
	Session
)

func (p Policy) String() string {
	switch p {
	case Durable:
		return "durable"
	case Session:
		return "session"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Persisted keys.
const (
	KeyUserID              = "userId"
	KeyIDToken             = "idToken"
	KeyProvider            = "provider"
	KeyName                = "name"
	KeyMail                = "mail"
	KeyPhotoURL            = "photoUrl"
	KeySalt                = "salt"
	KeyMaxEpoch            = "maxEpoch"
	KeyRandomness          = "randomness"
	KeyEphemeralPublicKey  = "ephemeralPublicKey"
	KeyEphemeralPrivateKey = "ephemeralPrivateKey"
	KeyNonce               = "nonce"
)

// Layout assigns a Policy to every key a Router accepts.
type Layout map[string]Policy

// DefaultLayout returns the layout for zkLogin sessions: identity facts and the
// epoch bound are durable, the single-use key material is session scoped.
func DefaultLayout() Layout {
	return Layout{
		KeyUserID:              Durable,
		KeyIDToken:             Durable,
		KeyProvider:            Durable,
		KeyName:                Durable,
		KeyMail:                Durable,
		KeyPhotoURL:            Durable,
		KeySalt:                Durable,
		KeyMaxEpoch:            Durable,
		KeyRandomness:          Session,
		KeyEphemeralPublicKey:  Session,
		KeyEphemeralPrivateKey: Session,
		KeyNonce:               Session,
	}
}

// Keys returns the keys with policy p in sorted order.
func (l Layout) Keys(p Policy) []string {
	var keys []string
	for k, kp := range l {
		if kp == p {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// All returns every key in the layout in sorted order.
func (l Layout) All() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ReadAll reads keys from s and returns the ones that are present.
func ReadAll(ctx context.Context, s KeyValueStore, keys []string) (map[string]string, error) {
	values := make(map[string]string, len(keys))
	for _, k := range keys {
		v, ok, err := s.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", k, err)
		}
		if ok {
			values[k] = v
		}
	}
	return values, nil
}
