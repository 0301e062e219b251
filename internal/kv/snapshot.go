package kv

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	// Nanosecond RFC3339 keeps retry timestamps exact across restarts.
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano, Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// Marshal encodes v in the snapshot encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes snapshot bytes into v.
func Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

// Snapshotter persists a whole-state snapshot under one key. Writes are
// serialized and each one captures the state at the moment it runs, so the
// last completed write always reflects the newest state and no update is lost.
type Snapshotter struct {
	store Store
	key   string
	mu    sync.Mutex
}

// NewSnapshotter binds a snapshot key in store.
func NewSnapshotter(store Store, key string) *Snapshotter {
	return &Snapshotter{store: store, key: key}
}

// Save captures the current state with capture and writes it.
func (s *Snapshotter) Save(ctx context.Context, capture func() any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := Marshal(capture())
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", s.key, err)
	}
	if err := s.store.SetItem(ctx, s.key, data); err != nil {
		return fmt.Errorf("write snapshot %s: %w", s.key, err)
	}
	return nil
}

// Load reads the snapshot into v. It returns ErrNotFound if none was saved.
func (s *Snapshotter) Load(ctx context.Context, v any) error {
	return LoadSnapshot(ctx, s.store, s.key, v)
}

// Clear removes the snapshot.
func (s *Snapshotter) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.RemoveItem(ctx, s.key)
}

// LoadSnapshot reads and decodes the snapshot stored under key.
func LoadSnapshot(ctx context.Context, store Store, key string, v any) error {
	data, err := store.GetItem(ctx, key)
	if err != nil {
		return err
	}
	if err := Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return nil
}
