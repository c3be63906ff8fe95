// Package app assembles the storage, queue and delivery components from
// configuration. cmd/api and cmd/worker share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nexuscomm/webhooks/internal/config"
	"github.com/nexuscomm/webhooks/internal/database"
	"github.com/nexuscomm/webhooks/internal/queue"
	"github.com/nexuscomm/webhooks/internal/ratelimit"
	"github.com/nexuscomm/webhooks/internal/server"
	"github.com/nexuscomm/webhooks/internal/webhook"
	"github.com/nexuscomm/webhooks/migrations"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Storage and queue backends
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"

	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// App holds the wired components of one process
type App struct {
	Config     *config.Config
	Store      webhook.Store
	Queue      queue.Queue
	Lifecycle  *webhook.Lifecycle
	Registry   *webhook.Registry
	Dispatcher *webhook.Dispatcher
	Publisher  *webhook.Publisher
	Inbound    *webhook.InboundVerifier
	Limiter    *ratelimit.Limiter

	checks  []func(ctx context.Context) error
	closers []func()
}

// New opens the configured backends and builds the delivery components.
// On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Lifecycle: webhook.NewLifecycle()}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openQueue(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.openLimiter(ctx)

	a.Registry = webhook.NewRegistry(a.Store, a.Lifecycle)
	a.Dispatcher = webhook.NewDispatcher(a.Store, DispatcherConfig(&cfg.Webhook))
	a.closers = append(a.closers, a.Dispatcher.Close)
	a.Registry.OnDelete(a.Dispatcher.Forget)
	a.Publisher = webhook.NewPublisher(a.Registry, a.Queue)
	a.Inbound = webhook.NewInboundVerifier(a.Store, nil)

	return a, nil
}

// DispatcherConfig maps webhook settings onto the dispatcher
func DispatcherConfig(cfg *config.WebhookConfig) webhook.DispatcherConfig {
	timeouts := webhook.DefaultTimeoutPolicy()
	if cfg.MinTimeout > 0 {
		timeouts.Min = cfg.MinTimeout
	}
	if cfg.MaxTimeout > 0 {
		timeouts.Max = cfg.MaxTimeout
	}

	dc := webhook.DispatcherConfig{
		UserAgent:         cfg.UserAgent,
		BaseBackoff:       cfg.BaseBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		ResponseBodyLimit: cfg.ResponseBodyLimit,
		Timeouts:          timeouts,
	}
	if cfg.BreakerEnabled {
		bc := webhook.DefaultBreakerConfig()
		if cfg.BreakerFailures > 0 {
			bc.ConsecutiveFailures = cfg.BreakerFailures
		}
		if cfg.BreakerOpenPeriod > 0 {
			bc.OpenPeriod = cfg.BreakerOpenPeriod
		}
		dc.Breakers = webhook.NewBreakerSet(bc)
	}
	return dc
}

func (a *App) openStore(ctx context.Context) error {
	dbCfg := &a.Config.Database
	switch dbCfg.Driver {
	case DriverPostgres, "":
		if dbCfg.AutoMigrate {
			if err := database.RunMigrations(dbCfg.URL, migrations.FS, "."); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
		}
		db, err := database.New(dbCfg.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		a.Store = webhook.NewPostgresStore(db.Pool)
		a.checks = append(a.checks, db.Health)
		a.closers = append(a.closers, db.Close)

	case DriverSQLite:
		db, err := database.OpenSQLite(dbCfg.SQLitePath)
		if err != nil {
			return err
		}
		store := webhook.NewSQLiteStore(db)
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return err
		}
		a.Store = store
		a.checks = append(a.checks, db.PingContext)
		a.closers = append(a.closers, func() { db.Close() })
		log.Info().Str("path", dbCfg.SQLitePath).Msg("SQLite store opened")

	case DriverMemory:
		a.Store = webhook.NewMemoryStore()
		log.Warn().Msg("Using in-memory store; endpoints and delivery logs are not persisted")

	default:
		return fmt.Errorf("unknown database driver %q", dbCfg.Driver)
	}
	return nil
}

func (a *App) openQueue(ctx context.Context) error {
	switch a.Config.Webhook.QueueBackend {
	case QueueMemory, "":
		q := queue.NewMemoryQueue()
		a.Queue = q
		a.closers = append(a.closers, func() { q.Close() })

	case QueueRedis:
		q, err := queue.NewRedisQueueFromURL(a.Config.Redis.URL, a.Config.Webhook.ClaimLease)
		if err != nil {
			return err
		}
		// only lapsed leases come back; peers' live claims are untouched
		if _, err := q.Recover(ctx); err != nil {
			q.Close()
			return fmt.Errorf("failed to recover claimed jobs: %w", err)
		}
		a.Queue = q
		a.checks = append(a.checks, func(ctx context.Context) error {
			return q.Client().Ping(ctx).Err()
		})
		a.closers = append(a.closers, func() { q.Close() })

	default:
		return fmt.Errorf("unknown queue backend %q", a.Config.Webhook.QueueBackend)
	}
	return nil
}

// openLimiter reuses the queue's Redis client when there is one. The limiter
// fails open, so an unreachable Redis is logged and not fatal.
func (a *App) openLimiter(ctx context.Context) {
	if !a.Config.Redis.Enabled {
		return
	}

	var client *redis.Client
	if rq, ok := a.Queue.(*queue.RedisQueue); ok {
		client = rq.Client()
	} else {
		opts, err := redis.ParseURL(a.Config.Redis.URL)
		if err != nil {
			log.Error().Err(err).Msg("Invalid Redis URL; inbound rate limiting disabled")
			return
		}
		client = redis.NewClient(opts)
		a.closers = append(a.closers, func() { client.Close() })
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("Redis unreachable; inbound rate limiting fails open")
	}
	a.Limiter = ratelimit.New(client, &a.Config.RateLimit)
}

// NewWorkerPool builds a pool consuming the app's queue
func (a *App) NewWorkerPool() *webhook.WorkerPool {
	return webhook.NewWorkerPool(a.Queue, a.Store, a.Dispatcher, a.Lifecycle, &webhook.WorkerPoolConfig{
		Workers:         a.Config.Webhook.Workers,
		PollInterval:    a.Config.Webhook.PollInterval,
		ReclaimInterval: a.Config.Webhook.ReclaimInterval,
	})
}

// Services exposes the components the HTTP server needs
func (a *App) Services() *server.Services {
	return &server.Services{
		Registry:   a.Registry,
		Logs:       a.Store,
		Dispatcher: a.Dispatcher,
		Publisher:  a.Publisher,
		Inbound:    a.Inbound,
		Limiter:    a.Limiter,
		Health:     a.Health,
	}
}

// Health checks every backend that can become unreachable
func (a *App) Health(ctx context.Context) error {
	var errs []error
	for _, check := range a.checks {
		if err := check(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases backends in reverse order of opening
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
