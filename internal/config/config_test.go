package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAPIFromEnvMemoryStore(t *testing.T) {
	t.Setenv("FLAGPLANT_STORE", "memory")
	t.Setenv("PORT", "9090")
	t.Setenv("SUPABASE_JWT_SECRET", "s3cret")
	t.Setenv("FLAGPLANT_REWARD_CURVE", "10,5")
	t.Setenv("FLAGPLANT_WINNER_COUNT", "2")
	t.Setenv("FLAGPLANT_TIMEZONE", "UTC")
	t.Setenv("FLAGPLANT_NETWORTH_TTL", "1h")

	cfg, err := LoadAPIFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, time.Hour, cfg.NetWorthTTL)
	assert.Equal(t, 2, cfg.Game.WinnerCount)
	require.Len(t, cfg.Game.RewardCurve, 2)
	assert.Equal(t, "10", cfg.Game.RewardCurve[0].String())
	assert.Equal(t, time.UTC, cfg.Game.Location)
}

func TestLoadAPIFromEnvRequiresDatabaseForPostgres(t *testing.T) {
	t.Setenv("FLAGPLANT_STORE", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SUPABASE_JWT_SECRET", "s3cret")
	_, err := LoadAPIFromEnv()
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestLoadAPIFromEnvRequiresAuth(t *testing.T) {
	t.Setenv("FLAGPLANT_STORE", "memory")
	t.Setenv("SUPABASE_JWT_SECRET", "")
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_ANON_KEY", "")
	_, err := LoadAPIFromEnv()
	assert.Error(t, err)
}

func TestLoadWorkerFromEnv(t *testing.T) {
	t.Setenv("FLAGPLANT_STORE", "memory")
	t.Setenv("FLAGPLANT_WORKER_RUN_ONCE", "true")
	t.Setenv("FLAGPLANT_WORKER_DATE", "2026-03-02")
	t.Setenv("FLAGPLANT_MIN_PRICE", "0.05")

	cfg, err := LoadWorkerFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.RunOnce)
	assert.Equal(t, "0 5 0 * * *", cfg.CronSpec)
	assert.Equal(t, "0.05", cfg.Game.MinPrice.String())

	t.Setenv("FLAGPLANT_WORKER_DATE", "03/02/2026")
	_, err = LoadWorkerFromEnv()
	assert.Error(t, err)

	t.Setenv("FLAGPLANT_WORKER_DATE", "")
	t.Setenv("FLAGPLANT_MIN_PRICE", "cheap")
	_, err = LoadWorkerFromEnv()
	assert.ErrorContains(t, err, "FLAGPLANT_MIN_PRICE")
}
