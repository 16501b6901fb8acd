package store

import (
	"context"
	"fmt"
)

// Router is a KeyValueStore that sends each key to the backend chosen by its
// Layout policy.
type Router struct {
	layout   Layout
	backends map[Policy]KeyValueStore
}

// NewRouter returns a Router over a durable and a session backend.
func NewRouter(layout Layout, durable, session KeyValueStore) *Router {
	return &Router{
		layout: layout,
		backends: map[Policy]KeyValueStore{
			Durable: durable,
			Session: session,
		},
	}
}

// Layout returns the router's key layout.
func (r *Router) Layout() Layout {
	return r.layout
}

// Backend returns the backend for policy p.
func (r *Router) Backend(p Policy) KeyValueStore {
	return r.backends[p]
}

func (r *Router) route(key string) (KeyValueStore, error) {
	p, ok := r.layout[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return r.backends[p], nil
}

func (r *Router) Get(ctx context.Context, key string) (string, bool, error) {
	b, err := r.route(key)
	if err != nil {
		return "", false, err
	}
	return b.Get(ctx, key)
}

func (r *Router) Set(ctx context.Context, key, value string) error {
	b, err := r.route(key)
	if err != nil {
		return err
	}
	return b.Set(ctx, key, value)
}

func (r *Router) Delete(ctx context.Context, key string) error {
	b, err := r.route(key)
	if err != nil {
		return err
	}
	return b.Delete(ctx, key)
}

// Update splits changes per backend. Session changes are applied first; if
// the durable write then fails, the session keys are restored to their
// previous values before the error is returned.
func (r *Router) Update(ctx context.Context, changes Changes) error {
	split := map[Policy]Changes{}
	for k, v := range changes {
		p, ok := r.layout[k]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownKey, k)
		}
		if split[p] == nil {
			split[p] = Changes{}
		}
		split[p][k] = v
	}

	sessionChanges, durableChanges := split[Session], split[Durable]
	switch {
	case len(sessionChanges) == 0 && len(durableChanges) == 0:
		return nil
	case len(sessionChanges) == 0:
		return r.backends[Durable].Update(ctx, durableChanges)
	case len(durableChanges) == 0:
		return r.backends[Session].Update(ctx, sessionChanges)
	}

	session := r.backends[Session]
	previous := Changes{}
	for _, k := range sessionChanges.Keys() {
		v, ok, err := session.Get(ctx, k)
		if err != nil {
			return fmt.Errorf("snapshot %q: %w", k, err)
		}
		if ok {
			previous.Put(k, v)
		} else {
			previous.Remove(k)
		}
	}

	if err := session.Update(ctx, sessionChanges); err != nil {
		return err
	}
	if err := r.backends[Durable].Update(ctx, durableChanges); err != nil {
		if rerr := session.Update(context.WithoutCancel(ctx), previous); rerr != nil {
			return fmt.Errorf("%w (restoring session keys: %v)", err, rerr)
		}
		return err
	}
	return nil
}

var _ KeyValueStore = (*Router)(nil)
