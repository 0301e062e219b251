package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/matheus3301/spark/internal/config"
	"github.com/matheus3301/spark/internal/kv"
	"github.com/matheus3301/spark/internal/profile"
	"github.com/matheus3301/spark/internal/store"
)

// openStore opens the profile's persistent store for reading. The badger
// backend cannot be opened while the daemon holds it.
func openStore(ctx context.Context, name string) (kv.Store, error) {
	cfg, err := config.Load(profile.ConfigPath(name))
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg, profile.EnvPath(name)); err != nil {
		return nil, err
	}

	switch cfg.Storage.Backend {
	case "sqlite":
		path := profile.DBPath(name)
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("profile %q has no data yet (%s)", name, path)
		}
		return store.Open(path)
	case "badger":
		db, err := kv.OpenBadger(profile.BadgerDir(name))
		if err != nil {
			return nil, fmt.Errorf("open badger store (stop the daemon first): %w", err)
		}
		return db, nil
	case "redis":
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return kv.DialRedis(ctx, cfg.Storage.RedisURL, cfg.Storage.RedisPrefix)
	case "memory":
		return nil, fmt.Errorf("profile %q uses the memory backend; nothing is persisted", name)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}
