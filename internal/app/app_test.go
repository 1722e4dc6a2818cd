package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flagplant/internal/config"
	"flagplant/internal/game"
)

func TestBuildMemoryRuntime(t *testing.T) {
	params := game.DefaultParams()
	params.Location = time.UTC
	rt, err := Build(context.Background(), config.Common{
		Store:       config.StoreMemory,
		NetWorthTTL: time.Hour,
		Game:        params,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer rt.Close()

	ctx := context.Background()
	require.NoError(t, rt.Service.SeedDefaults(ctx))
	require.NoError(t, rt.Service.EnsureUser(ctx, "u1", "ana"))
	nw, err := rt.Service.NetWorth(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "1000", nw.String())
}
