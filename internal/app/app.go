// Package app wires the settlement service from configuration for the
// long-running processes.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"flagplant/internal/cache"
	"flagplant/internal/config"
	"flagplant/internal/db"
	"flagplant/internal/game"
	"flagplant/internal/ledger"
	"flagplant/internal/notify"
)

// Runtime is a built service plus the resources it holds.
type Runtime struct {
	Service *game.Service
	Store   ledger.Store
	closers []func()
}

func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// Build opens the ledger store, the net worth cache and the announcer
// named by cfg and returns the service on top of them.
func Build(ctx context.Context, cfg config.Common, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{}
	store, err := rt.openStore(ctx, cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Store = store

	var kv cache.Store = cache.NewMemoryStore()
	if cfg.RedisURL != "" {
		rs, err := cache.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = rs.Close() })
		kv = rs
		logger.Info("net worth cache on redis")
	}

	opts := []game.Option{
		game.WithParams(cfg.Game),
		game.WithNetWorthCache(cache.NewNetWorth(kv, cfg.NetWorthTTL, cfg.Game.Location)),
	}
	if cfg.DiscordToken != "" && cfg.DiscordChannelID != "" {
		d, err := notify.NewDiscord(cfg.DiscordToken, cfg.DiscordChannelID, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		opts = append(opts, game.WithAnnouncer(d))
		logger.Info("winner announcements on discord", "channel_id", cfg.DiscordChannelID)
	}

	svc, err := game.NewService(store, logger, opts...)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("build service: %w", err)
	}
	rt.Service = svc
	return rt, nil
}

func (r *Runtime) openStore(ctx context.Context, cfg config.Common, logger *slog.Logger) (ledger.Store, error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory ledger store, data is lost on exit")
		return ledger.NewMemoryStore(), nil
	}
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	r.closers = append(r.closers, pool.Close)
	if cfg.Migrate {
		if err := db.Migrate(ctx, pool); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return ledger.NewPostgresStore(pool), nil
}
