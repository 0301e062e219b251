package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/spark/internal/api"
	"github.com/matheus3301/spark/internal/bus"
	"github.com/matheus3301/spark/internal/cache"
	"github.com/matheus3301/spark/internal/config"
	"github.com/matheus3301/spark/internal/kv"
	"github.com/matheus3301/spark/internal/lock"
	"github.com/matheus3301/spark/internal/logging"
	"github.com/matheus3301/spark/internal/outbox"
	"github.com/matheus3301/spark/internal/profile"
	"github.com/matheus3301/spark/internal/realtime"
	"github.com/matheus3301/spark/internal/status"
	"github.com/matheus3301/spark/internal/store"
	intsync "github.com/matheus3301/spark/internal/sync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	// Config overrides loading config.toml and the environment.
	Config *config.Config
	Debug  bool
	Quiet  bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideKV,
			provideRegistry,
			provideCache,
			provideAPI,
			provideRealtime,
			provideQueue,
			provideSyncManager,
			provideArchive,
			NewServer,
			provideMetricsServer,
			provideWatcher,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(profile.ConfigPath(p.Profile)); err != nil {
			return nil, err
		}
		if err := config.ApplyEnv(cfg, profile.EnvPath(p.Profile)); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Path:    profile.LogPath(p.Profile),
		Profile: p.Profile,
		Debug:   p.Debug,
		Quiet:   p.Quiet,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore opens spark.db. It depends on the lock so the database is
// never opened by a second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, result, err := store.OpenMigrated(dbPath)
	if err != nil {
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// provideKV picks the persistent store for queue and sync snapshots.
func provideKV(p Params, cfg *config.Config, db *store.DB, logger *zap.Logger) (kv.Store, error) {
	logger.Info("persistent store", zap.String("backend", cfg.Storage.Backend))
	switch cfg.Storage.Backend {
	case "sqlite":
		return db, nil
	case "badger":
		return kv.OpenBadger(profile.BadgerDir(p.Profile))
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return kv.DialRedis(ctx, cfg.Storage.RedisURL, cfg.Storage.RedisPrefix)
	case "memory":
		return kv.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

func provideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func provideCache(cfg *config.Config, logger *zap.Logger) *cache.Cache {
	return cache.New(cache.Options{
		MaxConversations: cfg.Cache.MaxConversations,
		MaxMessages:      cfg.Cache.MaxMessages,
		MaxAge:           cfg.Cache.MaxAge.Duration,
		SweepInterval:    cfg.Cache.SweepInterval.Duration,
	}, logger.Named("cache"))
}

func provideAPI(cfg *config.Config, logger *zap.Logger) *api.Client {
	return api.NewClient(cfg.Server.BaseURL,
		api.WithToken(cfg.Server.Token),
		api.WithTimeout(cfg.Server.Timeout.Duration),
		api.WithLogger(logger.Named("api")),
	)
}

func provideRealtime(cfg *config.Config, logger *zap.Logger) *realtime.WSClient {
	return realtime.NewWSClient(realtime.Config{
		URL:                  cfg.Server.RealtimeURL,
		Token:                cfg.Server.Token,
		ReconnectBaseDelay:   cfg.Server.ReconnectBaseDelay.Duration,
		ReconnectMaxDelay:    cfg.Server.ReconnectMaxDelay.Duration,
		MaxReconnectAttempts: cfg.Server.MaxReconnectAttempts,
	}, logger.Named("realtime"))
}

func provideQueue(cfg *config.Config, store kv.Store, client *api.Client, c *cache.Cache, b *bus.Bus, reg *prometheus.Registry, logger *zap.Logger) *outbox.Queue {
	return outbox.New(store, client, c, b, outbox.NewMetrics(reg), logger.Named("outbox"), outbox.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseDelay:   cfg.Queue.BaseDelay.Duration,
		MaxDelay:    cfg.Queue.MaxDelay.Duration,
		BatchSize:   cfg.Queue.BatchSize,
	})
}

func provideSyncManager(cfg *config.Config, store kv.Store, client *api.Client, ch *realtime.WSClient, c *cache.Cache, b *bus.Bus, reg *prometheus.Registry, logger *zap.Logger) (*intsync.Manager, error) {
	policy, err := intsync.ParsePolicy(cfg.Sync.Policy)
	if err != nil {
		return nil, err
	}
	return intsync.NewManager(c, client, ch, b, store, intsync.NewMetrics(reg), logger.Named("sync"), intsync.Options{
		Policy:     policy,
		Interval:   cfg.Sync.Interval.Duration,
		FetchLimit: cfg.Sync.FetchLimit,
	}), nil
}

func provideArchive(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Archive {
	return intsync.NewArchive(db, b, logger.Named("archive"))
}

// provideMetricsServer returns nil when metrics.addr is empty.
func provideMetricsServer(cfg *config.Config, reg *prometheus.Registry, m *status.Machine, q *outbox.Queue, logger *zap.Logger) *MetricsServer {
	if cfg.Metrics.Addr == "" {
		return nil
	}
	return NewMetricsServer(cfg.Metrics.Addr, reg, m, q, logger.Named("metrics"))
}

func provideWatcher(cfg *config.Config, ch *realtime.WSClient, m *status.Machine, b *bus.Bus, q *outbox.Queue, srv *Server, logger *zap.Logger) *watcher {
	return newWatcher(ch, m, b, q, srv.SetOnline, true,
		cfg.Server.ReconnectBaseDelay.Duration, cfg.Server.ReconnectMaxDelay.Duration, logger.Named("watcher"))
}

type lifecycleParams struct {
	fx.In

	Config  *config.Config
	Server  *Server
	Metrics *MetricsServer
	Lock    *lock.Lock
	DB      *store.DB
	Store   kv.Store
	Cache   *cache.Cache
	Channel *realtime.WSClient
	Queue   *outbox.Queue
	Sync    *intsync.Manager
	Archive *intsync.Archive
	Watcher *watcher
	Logger  *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	logger := p.Logger
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if n, err := intsync.Hydrate(ctx, p.DB, p.Cache, p.Config.Sync.Hydrate, p.Config.Cache.MaxMessages); err != nil {
				logger.Warn("cache hydration failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("cache hydrated", zap.Int("conversations", n))
			}

			// The archive subscribes before anything can emit.
			p.Archive.Start(context.Background())
			p.Queue.Initialize(ctx)
			p.Sync.Initialize(ctx, p.Config.UserID)

			go func() {
				if err := p.Server.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()
			if p.Metrics != nil {
				if err := p.Metrics.Start(); err != nil {
					return fmt.Errorf("metrics server: %w", err)
				}
			}

			p.Watcher.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Watcher.Stop()
			_ = p.Channel.Disconnect()
			p.Sync.Destroy()
			p.Queue.Destroy()
			p.Archive.Stop()
			p.Cache.Destroy()
			if p.Metrics != nil {
				if err := p.Metrics.Stop(ctx); err != nil {
					logger.Warn("error stopping metrics server", zap.Error(err))
				}
			}
			p.Server.Stop(ctx)
			if p.Store != kv.Store(p.DB) {
				if err := p.Store.Close(); err != nil {
					logger.Warn("error closing persistent store", zap.Error(err))
				}
			}
			if err := p.DB.Close(); err != nil {
				logger.Warn("error closing database", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
