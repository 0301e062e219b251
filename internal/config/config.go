package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Global represents ~/.spark/config.toml.
type Global struct {
	DefaultProfile string `toml:"default_profile"`
}

// Duration is a time.Duration written as "30s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is a profile's config.toml.
type Config struct {
	UserID  string        `toml:"user_id"`
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Cache   CacheConfig   `toml:"cache"`
	Queue   QueueConfig   `toml:"queue"`
	Sync    SyncConfig    `toml:"sync"`
	Metrics MetricsConfig `toml:"metrics"`
}

type ServerConfig struct {
	BaseURL     string `toml:"base_url"`
	RealtimeURL string `toml:"realtime_url"`
	// Token is passed through as a bearer token; it is never refreshed here.
	Token                string   `toml:"api_token,omitempty"`
	Timeout              Duration `toml:"timeout"`
	ReconnectBaseDelay   Duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay    Duration `toml:"reconnect_max_delay"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
}

type StorageConfig struct {
	// Backend is one of sqlite, badger, redis or memory.
	Backend     string `toml:"backend"`
	RedisURL    string `toml:"redis_url,omitempty"`
	RedisPrefix string `toml:"redis_prefix,omitempty"`
}

type CacheConfig struct {
	MaxConversations int      `toml:"max_conversations"`
	MaxMessages      int      `toml:"max_messages"`
	MaxAge           Duration `toml:"max_age"`
	SweepInterval    Duration `toml:"sweep_interval"`
}

type QueueConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
	BatchSize   int      `toml:"batch_size"`
}

type SyncConfig struct {
	Policy     string   `toml:"policy"`
	Interval   Duration `toml:"interval"`
	FetchLimit int      `toml:"fetch_limit"`
	// Hydrate is how many archived conversations are loaded into the cache
	// at startup.
	Hydrate int `toml:"hydrate"`
}

type MetricsConfig struct {
	// Addr is the listen address of /metrics. Empty disables it.
	Addr string `toml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:              "http://localhost:8080/api/v1",
			RealtimeURL:          "ws://localhost:8080/ws",
			Timeout:              Duration{15 * time.Second},
			ReconnectBaseDelay:   Duration{time.Second},
			ReconnectMaxDelay:    Duration{30 * time.Second},
			MaxReconnectAttempts: 0,
		},
		Storage: StorageConfig{Backend: "sqlite", RedisPrefix: "spark:"},
		Cache: CacheConfig{
			MaxConversations: 50,
			MaxMessages:      100,
			MaxAge:           Duration{30 * time.Minute},
			SweepInterval:    Duration{5 * time.Minute},
		},
		Queue: QueueConfig{
			MaxAttempts: 5,
			BaseDelay:   Duration{time.Second},
			MaxDelay:    Duration{30 * time.Second},
			BatchSize:   5,
		},
		Sync: SyncConfig{
			Policy:     "server",
			Interval:   Duration{30 * time.Second},
			FetchLimit: 50,
			Hydrate:    20,
		},
	}
}

// Load reads a profile config from path on top of Default. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from the environment. Values in envFile (a .env
// file, optional) apply first; the process environment wins over both.
func ApplyEnv(cfg *Config, envFile string) error {
	fileEnv := map[string]string{}
	if envFile != "" {
		m, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			fileEnv = m
		case !errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("read %s: %w", envFile, err)
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileEnv[key]
		return v, ok
	}

	strs := map[string]*string{
		"SPARK_USER_ID":         &cfg.UserID,
		"SPARK_SERVER_URL":      &cfg.Server.BaseURL,
		"SPARK_REALTIME_URL":    &cfg.Server.RealtimeURL,
		"SPARK_API_TOKEN":       &cfg.Server.Token,
		"SPARK_STORAGE_BACKEND": &cfg.Storage.Backend,
		"SPARK_REDIS_URL":       &cfg.Storage.RedisURL,
		"SPARK_METRICS_ADDR":    &cfg.Metrics.Addr,
		"SPARK_SYNC_POLICY":     &cfg.Sync.Policy,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	if v, ok := lookup("SPARK_QUEUE_MAX_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SPARK_QUEUE_MAX_ATTEMPTS: %w", err)
		}
		cfg.Queue.MaxAttempts = n
	}
	return nil
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case "sqlite", "badger", "memory":
	case "redis":
		if c.Storage.RedisURL == "" {
			errs = append(errs, errors.New("storage.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}
	switch c.Sync.Policy {
	case "server", "client", "manual":
	default:
		errs = append(errs, fmt.Errorf("unknown sync.policy %q", c.Sync.Policy))
	}
	if c.Server.BaseURL == "" {
		errs = append(errs, errors.New("server.base_url is required"))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("queue.max_attempts must be at least 1"))
	}
	if c.Queue.MaxDelay.Duration < c.Queue.BaseDelay.Duration {
		errs = append(errs, errors.New("queue.max_delay must not be below queue.base_delay"))
	}
	if c.Cache.MaxConversations < 1 || c.Cache.MaxMessages < 1 {
		errs = append(errs, errors.New("cache limits must be positive"))
	}
	return errors.Join(errs...)
}

// LoadGlobal reads the global config. Returns zero config and error if file missing.
func LoadGlobal(path string) (*Global, error) {
	var cfg Global
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes v as TOML to path, creating parent dirs as needed.
func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
