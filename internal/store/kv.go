package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/spark/internal/kv"
)

var _ kv.Store = (*DB)(nil)

// GetItem returns the value stored under key, or kv.ErrNotFound.
func (db *DB) GetItem(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

// SetItem upserts key.
func (db *DB) SetItem(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// RemoveItem deletes key. Missing keys are not an error.
func (db *DB) RemoveItem(ctx context.Context, key string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// KeyInfo describes one kv row without its value.
type KeyInfo struct {
	Key       string    `json:"key"`
	Size      int       `json:"size"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Keys lists the stored keys that start with prefix, ordered by key.
func (db *DB) Keys(ctx context.Context, prefix string) ([]KeyInfo, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT key, length(value), updated_at FROM kv
		WHERE key LIKE ? ESCAPE '\'
		ORDER BY key`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []KeyInfo
	for rows.Next() {
		var k KeyInfo
		var ms int64
		if err := rows.Scan(&k.Key, &k.Size, &ms); err != nil {
			return nil, err
		}
		k.UpdatedAt = time.UnixMilli(ms)
		out = append(out, k)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
