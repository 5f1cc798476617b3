// Package bootstrap opens the storage and cache backends selected by the
// configuration and assembles the engine on top of them.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"qms/queue-engine/internal/cache"
	memorycache "qms/queue-engine/internal/cache/memory"
	rediscache "qms/queue-engine/internal/cache/redis"
	"qms/queue-engine/internal/config"
	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/notify"
	"qms/queue-engine/internal/store"
	memorystore "qms/queue-engine/internal/store/memory"
	"qms/queue-engine/internal/store/postgres"
)

const streamMaxLen = 10000

func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

type Backends struct {
	Store    store.Store
	Postgres *postgres.Store
	Cache    cache.Cache
	Redis    goredis.UniversalClient

	closers []func()
}

// Open connects to Postgres when DB_DSN is set and to Redis when REDIS_ADDR
// is set, falling back to the in-process implementations otherwise.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backends, error) {
	b := &Backends{}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("db ping: %w", err)
		}
		b.closers = append(b.closers, pool.Close)
		b.Postgres = postgres.NewStore(pool, postgres.Options{
			LockTimeout: cfg.LockTimeout,
			TxTimeout:   cfg.TxTimeout,
			Logger:      logger,
		})
		b.Store = b.Postgres
	} else {
		logger.Warn("DB_DSN not set, using in-memory store")
		b.Store = memorystore.New(memorystore.WithLockTimeout(cfg.LockTimeout))
	}

	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		rc := rediscache.New(client, rediscache.WithLogger(logger))
		if err := rc.Ping(ctx); err != nil {
			logger.Warn("redis unreachable at startup", "addr", cfg.RedisAddr, "error", err)
		}
		b.closers = append(b.closers, func() { _ = client.Close() })
		b.Redis = client
		b.Cache = rc
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process cache")
		b.Cache = memorycache.New()
	}
	return b, nil
}

// Migrate applies the schema when running on Postgres.
func (b *Backends) Migrate(ctx context.Context) error {
	if b.Postgres == nil {
		return nil
	}
	return b.Postgres.Migrate(ctx)
}

func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// Engine builds the engine with the cache layer, notification fan-out and
// message bus wired to these backends.
func (b *Backends) Engine(cfg config.Config, logger *slog.Logger) (*engine.Engine, error) {
	placement, err := engine.ParsePlacement(cfg.HighPriorityPlacement)
	if err != nil {
		return nil, err
	}

	var bus notify.Bus = notify.LogBus{Logger: logger}
	if b.Redis != nil {
		bus = notify.NewStreamBus(b.Redis, cfg.EventStream, streamMaxLen)
	}

	return engine.New(b.Store, engine.Options{
		Cache: cache.NewLayer(b.Cache, cache.WithLogger(logger)),
		Notifier: notify.NewFanout(b.Cache,
			notify.WithBuffer(notify.DefaultBuffer, cfg.NotifyBufferCapacity),
			notify.WithFanoutLogger(logger),
		),
		Bus:                bus,
		Policy:             engine.Policy{High: placement},
		RecomputeEstimates: cfg.RecomputeEstimates,
		InfoTTL:            cfg.InfoTTL,
		StateTTL:           cfg.StateTTL,
		Logger:             logger,
	}), nil
}
