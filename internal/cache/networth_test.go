package cache

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetWorthBucketRollsAtEight(t *testing.T) {
	c := NewNetWorth(NewMemoryStore(), time.Hour, time.UTC)
	before := time.Date(2026, 3, 2, 7, 59, 0, 0, time.UTC)
	after := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-01", c.Bucket(before))
	assert.Equal(t, "2026-03-02", c.Bucket(after))
	assert.Equal(t, "networth:u1:2026-03-02", c.Key("u1", after))
}

func TestNetWorthRoundTripAndInvalidate(t *testing.T) {
	ctx := context.Background()
	c := NewNetWorth(NewMemoryStore(), time.Hour, time.UTC)
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	_, ok, err := c.Get(ctx, "u1", at)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "u1", at, decimal.RequireFromString("123.45")))
	v, ok, err := c.Get(ctx, "u1", at)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "123.45", v.String())

	_, ok, err = c.Get(ctx, "u1", at.Add(24*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "next bucket is a miss")

	require.NoError(t, c.Invalidate(ctx, []string{"u1", "u2"}, at))
	_, ok, err = c.Get(ctx, "u1", at)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	_, ok, _ := s.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = s.Get(ctx, "k")
	assert.False(t, ok)
}
