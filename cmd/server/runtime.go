package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cafepos/internal/config"
	"cafepos/internal/lease"
	"cafepos/internal/store"
	"cafepos/internal/store/memory"
	"cafepos/internal/store/sqlstore"
	"cafepos/internal/store/surreal"
	"cafepos/internal/syncq"
)

// runtime owns the long-lived connections of one process.
type runtime struct {
	primary store.Backend
	driver  *syncq.Driver
	closers []func() error
	log     *zap.Logger
}

func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.log.Warn("close error", zap.Error(err))
		}
	}
}

func openRuntime(ctx context.Context, cfg config.Config, log *zap.Logger, withSync bool) (*runtime, error) {
	rt := &runtime{log: log}

	openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	primary, err := openPrimary(openCtx, cfg, log)
	if err != nil {
		return nil, err
	}
	rt.primary = primary
	rt.closers = append(rt.closers, primary.Close)

	if !withSync {
		return rt, nil
	}

	replica := surreal.NewReplica(surrealConfig(cfg), surreal.WithLogger(log))
	rt.closers = append(rt.closers, replica.Close)

	syncLease := openLease(openCtx, cfg, log)
	if closer, ok := syncLease.(interface{ Close() error }); ok {
		rt.closers = append(rt.closers, closer.Close)
	}

	rt.driver = syncq.New(primary, replica, syncConfig(cfg),
		syncq.WithLogger(log),
		syncq.WithLease(syncLease))
	return rt, nil
}

// openPrimary opens the configured primary store. SQL backends apply pending
// migrations as part of opening.
func openPrimary(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		log.Warn("primary store: in-memory, data is lost on exit")
		return memory.New(), nil
	case config.BackendSQLite:
		s, err := sqlstore.Open(ctx, sqlstore.SQLite, cfg.Storage.SQLitePath, sqlstore.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.Storage.SQLitePath, err)
		}
		log.Info("primary store: sqlite", zap.String("path", cfg.Storage.SQLitePath))
		return s, nil
	case config.BackendPostgres:
		s, err := sqlstore.Open(ctx, sqlstore.Postgres, cfg.Storage.DatabaseURL, sqlstore.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start: %w", err)
		}
		log.Info("primary store: postgres")
		return s, nil
	case config.BackendSurreal:
		s, err := surreal.Open(ctx, surrealConfig(cfg), surreal.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("open surreal: %w", err)
		}
		log.Info("primary store: surreal", zap.String("url", cfg.Surreal.URL))
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// openLease picks the redis lease when configured and reachable. Pushes are
// idempotent upserts, so an unreachable redis degrades to the no-op lease.
func openLease(ctx context.Context, cfg config.Config, log *zap.Logger) lease.Lease {
	if cfg.Redis.Addr == "" {
		log.Info("sync lease: none")
		return lease.Noop{}
	}
	r := lease.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err := r.Ping(ctx); err != nil {
		log.Warn("redis unavailable, sync runs without a lease", zap.Error(err))
		_ = r.Close()
		return lease.Noop{}
	}
	log.Info("sync lease: redis", zap.String("addr", cfg.Redis.Addr))
	return r
}

func surrealConfig(cfg config.Config) surreal.Config {
	return surreal.Config{
		URL:         cfg.Surreal.URL,
		Namespace:   cfg.Surreal.Namespace,
		Database:    cfg.Surreal.Database,
		Username:    cfg.Surreal.Username,
		Password:    cfg.Surreal.Password,
		MaxInValues: cfg.Surreal.MaxInValues,
	}
}
