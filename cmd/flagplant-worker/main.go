package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"flagplant/internal/app"
	"flagplant/internal/config"
	"flagplant/internal/game"
	"flagplant/internal/ledger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWorkerFromEnv()
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
	svc := rt.Service

	if cfg.RunOnce {
		day := closeDate(svc, time.Now())
		if cfg.Date != "" {
			day, _ = game.ParseTradeDate(cfg.Date)
		}
		if err := runClose(ctx, logger, svc, day); err != nil {
			os.Exit(1)
		}
		logger.Info("worker run-once completed", "trade_date", day.Format(ledger.DateLayout))
		return
	}

	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(cfg.Game.Location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(cfg.CronSpec, func() {
		_ = runClose(ctx, logger, svc, closeDate(svc, time.Now()))
	}); err != nil {
		logger.Error("bad close schedule", "spec", cfg.CronSpec, "err", err)
		os.Exit(1)
	}
	c.Start()
	logger.Info("worker started", "schedule", cfg.CronSpec, "timezone", cfg.Game.Location.String())

	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info("worker shutdown")
}

// closeDate is the market date that ended before now: the close settles
// yesterday's trading.
func closeDate(svc *game.Service, now time.Time) time.Time {
	return game.TradeDateFor(now, svc.Params().Location).AddDate(0, 0, -1)
}

func runClose(ctx context.Context, logger *slog.Logger, svc *game.Service, day time.Time) error {
	log := logger.With("trade_date", day.Format(ledger.DateLayout))
	res, err := svc.RunDailyClose(ctx, day, false)
	var stepErr *game.StepError
	switch {
	case errors.As(err, &stepErr):
		log.Error("daily close halted", "step", stepErr.Step, "detail", stepErr.Detail, "err", stepErr.Err)
		return err
	case errors.Is(err, game.ErrCloseInProgress):
		log.Warn("daily close already running elsewhere")
		return err
	case err != nil:
		log.Error("daily close failed", "err", err)
		return err
	}
	log.Info("daily close complete", "run_id", res.RunID, "steps", len(res.Steps))
	return nil
}
