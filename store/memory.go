package store

import (
	"context"
	"sync"
)

// Memory is a session-scoped KeyValueStore. Its contents disappear with the
// process, which is what single-use key material needs.
type Memory struct {
	mu   sync.Mutex
	data map[string]string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Update(_ context.Context, changes Changes) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	changes.apply(m.data)
	return nil
}

var _ KeyValueStore = (*Memory)(nil)
