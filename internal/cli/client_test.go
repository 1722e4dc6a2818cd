package cli

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flagplant/internal/auth"
)

func TestClientDecodesEnvelopes(t *testing.T) {
	var gotIdem, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdem = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/v1/orders/sell" {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"version": 1,
				"error":   map[string]any{"code": "duplicate_idempotency", "message": "duplicate"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"version": 1, "kind": "order", "rows": map[string]any{"order_id": "o-1"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	env, err := c.PlaceOrder(context.Background(), "tok", "buy", "ace", "10", "", "idem-1")
	require.NoError(t, err)
	assert.Equal(t, "order", env.Kind)
	assert.Equal(t, "idem-1", gotIdem)
	assert.Equal(t, "Bearer tok", gotAuth)
	var row struct {
		OrderID string `json:"order_id"`
	}
	require.NoError(t, env.Decode(&row))
	assert.Equal(t, "o-1", row.OrderID)

	_, err = c.PlaceOrder(context.Background(), "tok", "sell", "ace", "10", "", "idem-2")
	require.Error(t, err)
	assert.True(t, IsAPIError(err))
	assert.True(t, HasCode(err, "duplicate_idempotency"))
}

func TestSessionFileRoundTrip(t *testing.T) {
	t.Setenv("FPK_HOME", t.TempDir())
	sf, err := OpenSessionFile()
	require.NoError(t, err)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	_, err = sf.Load(now)
	assert.ErrorIs(t, err, ErrNoSession)

	sess := SessionFrom(auth.Session{
		AccessToken: "tok",
		ExpiresIn:   3600,
		User:        auth.Identity{UserID: "u1", Email: "ana@example.com", Username: "ana"},
	}, now)
	require.NoError(t, sf.Save(sess))

	got, err := sf.Load(now.Add(59 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "ana", got.Username)

	_, err = sf.Load(now.Add(time.Hour))
	assert.ErrorIs(t, err, ErrSessionExpired)

	require.NoError(t, sf.Clear())
	require.NoError(t, sf.Clear())
	_, err = sf.Load(now)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSessionWithoutExpiryNeverExpires(t *testing.T) {
	s := SessionFrom(auth.Session{AccessToken: "tok"}, time.Now())
	assert.True(t, s.ExpiresAt.IsZero())
	assert.False(t, s.Expired(time.Now().AddDate(10, 0, 0)))
}
