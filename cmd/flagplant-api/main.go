package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flagplant/internal/api"
	"flagplant/internal/app"
	"flagplant/internal/auth"
	"flagplant/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	rt, err := app.Build(ctx, cfg.Common, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer rt.Close()

	if cfg.SeedPlayers {
		if err := rt.Service.SeedDefaults(ctx); err != nil {
			logger.Error("seed players failed", "err", err)
			os.Exit(1)
		}
	}

	var supabase *auth.SupabaseClient
	if cfg.SupabaseURL != "" && cfg.SupabaseAnonKey != "" {
		supabase = auth.NewSupabaseClient(cfg.SupabaseURL, cfg.SupabaseAnonKey)
	}
	verifier, err := auth.NewVerifier(cfg.SupabaseJWTSecret, supabase)
	if err != nil {
		logger.Error("auth setup failed", "err", err)
		os.Exit(1)
	}

	server := api.New(logger, verifier, supabase, rt.Service)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("flagplant api listening", "addr", cfg.Addr, "store", cfg.Store)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}
