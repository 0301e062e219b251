// Package kv defines the persistent key-value store the offline subsystem
// keeps its snapshots in, plus the in-memory, Badger and Redis backends.
// The SQLite backend lives in internal/store.
package kv

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by GetItem when the key has never been set.
var ErrNotFound = errors.New("kv: key not found")

// Store is an asynchronous, fallible key-value store. Values are opaque.
type Store interface {
	GetItem(ctx context.Context, key string) ([]byte, error)
	SetItem(ctx context.Context, key string, value []byte) error
	RemoveItem(ctx context.Context, key string) error
	Close() error
}

// Memory is a Store backed by a map. It loses everything on restart and is
// meant for tests and ephemeral profiles.
type Memory struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string][]byte)}
}

func (m *Memory) GetItem(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) SetItem(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) RemoveItem(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *Memory) Close() error { return nil }
