package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Badger is a Store on top of an embedded Badger database. All keys are
// namespaced under Prefix so several stores can share one database.
type Badger struct {
	Prefix []byte
	db     *badger.DB
	owned  bool
}

// OpenBadger opens (or creates) a Badger database in dir. An empty dir opens
// an in-memory database.
func OpenBadger(dir string) (*Badger, error) {
	opt := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opt = opt.WithInMemory(true)
	}
	db, err := badger.Open(opt)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db, owned: true}, nil
}

// NewBadger wraps an already open database. Close leaves db open.
func NewBadger(db *badger.DB, prefix []byte) *Badger {
	return &Badger{db: db, Prefix: prefix}
}

func (b *Badger) key(k string) []byte {
	return append(append([]byte(nil), b.Prefix...), k...)
}

func (b *Badger) GetItem(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s: %w", key, err)
	}
	return out, nil
}

func (b *Badger) SetItem(_ context.Context, key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.key(key), value)
	})
	if err != nil {
		return fmt.Errorf("badger set %s: %w", key, err)
	}
	return nil
}

func (b *Badger) RemoveItem(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.key(key))
	})
	if err != nil {
		return fmt.Errorf("badger delete %s: %w", key, err)
	}
	return nil
}

// Close closes the database if this store opened it.
func (b *Badger) Close() error {
	if !b.owned {
		return nil
	}
	return b.db.Close()
}
