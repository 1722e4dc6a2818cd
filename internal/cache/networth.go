package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// bucketOffset moves the bucket boundary from midnight to 08:00 market time.
const bucketOffset = 8 * time.Hour

// NetWorth caches per-user net worth under networth:{user}:{bucket}. The
// bucket is the market date of at-8h, so cached values roll over at 08:00.
type NetWorth struct {
	store Store
	ttl   time.Duration
	loc   *time.Location
}

func NewNetWorth(store Store, ttl time.Duration, loc *time.Location) *NetWorth {
	if loc == nil {
		loc = time.UTC
	}
	return &NetWorth{store: store, ttl: ttl, loc: loc}
}

func (c *NetWorth) Bucket(at time.Time) string {
	return at.In(c.loc).Add(-bucketOffset).Format("2006-01-02")
}

func (c *NetWorth) Key(userID string, at time.Time) string {
	return fmt.Sprintf("networth:%s:%s", userID, c.Bucket(at))
}

func (c *NetWorth) Get(ctx context.Context, userID string, at time.Time) (decimal.Decimal, bool, error) {
	raw, ok, err := c.store.Get(ctx, c.Key(userID, at))
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	v, err := decimal.NewFromString(string(raw))
	if err != nil {
		// A corrupt entry is a miss; drop it so the next read recomputes.
		_ = c.store.Delete(ctx, c.Key(userID, at))
		return decimal.Zero, false, nil
	}
	return v, true, nil
}

func (c *NetWorth) Put(ctx context.Context, userID string, at time.Time, v decimal.Decimal) error {
	return c.store.Set(ctx, c.Key(userID, at), []byte(v.String()), c.ttl)
}

func (c *NetWorth) Invalidate(ctx context.Context, userIDs []string, at time.Time) error {
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, c.Key(id, at))
	}
	return c.store.Delete(ctx, keys...)
}
