// Package app wires configuration, storage and the ledger for the binaries.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"example.com/ledger/internal/cache"
	"example.com/ledger/internal/catalog"
	"example.com/ledger/internal/config"
	"example.com/ledger/internal/domain"
	"example.com/ledger/internal/logging"
	"example.com/ledger/internal/persistence/memory"
	"example.com/ledger/internal/persistence/postgres"
)

// App holds the long-lived dependencies shared by the binaries.
type App struct {
	Log    *logging.Logger
	Cfg    config.Config
	Pool   *pgxpool.Pool
	Store  domain.Store
	Ledger *domain.Ledger

	redis   *redis.Client
	closers []func()
}

// New opens the configured store, applies migrations when running on
// Postgres, loads the achievement catalog and builds the ledger.
func New(ctx context.Context, cfg config.Config, log *logging.Logger) (*App, error) {
	a := &App{Log: log, Cfg: cfg}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	definitions := catalog.Default()
	if cfg.CatalogPath != "" {
		loaded, err := catalog.Load(cfg.CatalogPath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("load achievement catalog: %w", err)
		}
		definitions = loaded
	}

	opts := []domain.Option{
		domain.WithLocation(cfg.Location()),
		domain.WithRetry(cfg.MaxAttempts, cfg.RetryBackoff),
		domain.WithLogger(log.With("component", "ledger")),
	}

	if cfg.RedisAddr != "" {
		rdb, err := cache.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			// The cache is an optimisation; run without it.
			log.Warn("tally cache disabled", "addr", cfg.RedisAddr, "error", err)
		} else {
			a.redis = rdb
			a.closers = append(a.closers, func() { _ = rdb.Close() })
			opts = append(opts, domain.WithTallyCache(cache.NewRedisTallyCache(rdb, cfg.TallyCacheTTL)))
		}
	}

	a.Ledger = domain.NewLedger(a.Store, domain.NewEvaluator(definitions), opts...)
	log.Info("ledger ready",
		"store", cfg.StoreDriver, "achievements", len(definitions),
		"timezone", cfg.Timezone, "tally_cache", a.redis != nil)
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Cfg.StoreDriver {
	case config.StoreDriverMemory:
		a.Store = memory.NewStore(memory.WithLockTimeout(a.Cfg.LockTimeout))
		return nil
	case config.StoreDriverPostgres:
		pool, err := OpenPool(ctx, a.Cfg)
		if err != nil {
			return err
		}
		a.Pool = pool
		a.closers = append(a.closers, pool.Close)

		applied, err := postgres.Migrate(ctx, pool)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		if len(applied) > 0 {
			a.Log.Info("applied migrations", "migrations", applied)
		}
		a.Store = postgres.NewStore(pool, a.Cfg.LockTimeout)
		return nil
	}
	return fmt.Errorf("unknown store driver %q", a.Cfg.StoreDriver)
}

// OpenPool connects to Postgres and verifies the connection.
func OpenPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Close releases everything New opened, in reverse order.
func (a *App) Close() {
	if a == nil {
		return
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
