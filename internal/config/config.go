package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"flagplant/internal/game"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Common is shared by the API and the worker.
type Common struct {
	Store       string
	DatabaseURL string
	Migrate     bool
	RedisURL    string
	NetWorthTTL time.Duration
	Game        game.Params

	DiscordToken     string
	DiscordChannelID string
}

type APIConfig struct {
	Common
	Addr              string
	SupabaseURL       string
	SupabaseAnonKey   string
	SupabaseJWTSecret string
	SeedPlayers       bool
}

type WorkerConfig struct {
	Common
	RunOnce  bool
	Date     string
	CronSpec string
}

type CLIConfig struct {
	APIBaseURL string
}

func LoadAPIFromEnv() (APIConfig, error) {
	common, err := loadCommon()
	if err != nil {
		return APIConfig{}, err
	}
	addr := strings.TrimSpace(os.Getenv("PORT"))
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("FLAGPLANT_API_ADDR", ":8080")
	}
	cfg := APIConfig{
		Common:            common,
		Addr:              addr,
		SupabaseURL:       strings.TrimRight(strings.TrimSpace(os.Getenv("SUPABASE_URL")), "/"),
		SupabaseAnonKey:   strings.TrimSpace(os.Getenv("SUPABASE_ANON_KEY")),
		SupabaseJWTSecret: strings.TrimSpace(os.Getenv("SUPABASE_JWT_SECRET")),
		SeedPlayers:       envBoolDefault("FLAGPLANT_SEED_PLAYERS", true),
	}
	if cfg.SupabaseJWTSecret == "" && (cfg.SupabaseURL == "" || cfg.SupabaseAnonKey == "") {
		return cfg, fmt.Errorf("SUPABASE_JWT_SECRET or SUPABASE_URL and SUPABASE_ANON_KEY are required")
	}
	return cfg, nil
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	common, err := loadCommon()
	if err != nil {
		return WorkerConfig{}, err
	}
	cfg := WorkerConfig{
		Common:   common,
		RunOnce:  envBoolDefault("FLAGPLANT_WORKER_RUN_ONCE", false),
		Date:     strings.TrimSpace(os.Getenv("FLAGPLANT_WORKER_DATE")),
		CronSpec: envDefault("FLAGPLANT_CLOSE_CRON", "0 5 0 * * *"),
	}
	if cfg.Date != "" {
		if _, err := game.ParseTradeDate(cfg.Date); err != nil {
			return cfg, fmt.Errorf("FLAGPLANT_WORKER_DATE: %w", err)
		}
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("FPK_API_BASE_URL", "http://localhost:8080"), "/"),
	}
}

func loadCommon() (Common, error) {
	cfg := Common{
		Store:       strings.ToLower(envDefault("FLAGPLANT_STORE", StorePostgres)),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Migrate:     envBoolDefault("FLAGPLANT_MIGRATE", true),
		RedisURL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
		NetWorthTTL: envDurationDefault("FLAGPLANT_NETWORTH_TTL", 24*time.Hour),

		DiscordToken:     strings.TrimSpace(os.Getenv("DISCORD_BOT_TOKEN")),
		DiscordChannelID: strings.TrimSpace(os.Getenv("DISCORD_CHANNEL_ID")),
	}
	switch cfg.Store {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return cfg, fmt.Errorf("DATABASE_URL is required")
		}
	case StoreMemory:
	default:
		return cfg, fmt.Errorf("FLAGPLANT_STORE must be %q or %q, got %q", StorePostgres, StoreMemory, cfg.Store)
	}
	params, err := loadParams()
	if err != nil {
		return cfg, err
	}
	cfg.Game = params
	return cfg, nil
}

func loadParams() (game.Params, error) {
	p := game.DefaultParams()
	if tz := strings.TrimSpace(os.Getenv("FLAGPLANT_TIMEZONE")); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return p, fmt.Errorf("FLAGPLANT_TIMEZONE: %w", err)
		}
		p.Location = loc
	}
	var err error
	if p.StarterFlags, err = envDecimalDefault("FLAGPLANT_STARTER_FLAGS", p.StarterFlags); err != nil {
		return p, err
	}
	if p.MultiplierFloor, err = envDecimalDefault("FLAGPLANT_MULTIPLIER_FLOOR", p.MultiplierFloor); err != nil {
		return p, err
	}
	if p.MultiplierCeiling, err = envDecimalDefault("FLAGPLANT_MULTIPLIER_CEILING", p.MultiplierCeiling); err != nil {
		return p, err
	}
	if p.MinPrice, err = envDecimalDefault("FLAGPLANT_MIN_PRICE", p.MinPrice); err != nil {
		return p, err
	}
	if raw := strings.TrimSpace(os.Getenv("FLAGPLANT_REWARD_CURVE")); raw != "" {
		if p.RewardCurve, err = game.ParseRewardCurve(raw); err != nil {
			return p, fmt.Errorf("FLAGPLANT_REWARD_CURVE: %w", err)
		}
	}
	p.WinnerCount = envIntDefault("FLAGPLANT_WINNER_COUNT", p.WinnerCount)
	p.CloseStaleAfter = envDurationDefault("FLAGPLANT_CLOSE_STALE_AFTER", p.CloseStaleAfter)
	return p, nil
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// envDecimalDefault rejects malformed values; money settings should not silently fall back.
func envDecimalDefault(key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
