package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flagplant/internal/auth"
	"flagplant/internal/cache"
	"flagplant/internal/game"
	"flagplant/internal/ledger"
)

type tokenVerifier map[string]auth.Identity

func (v tokenVerifier) Verify(_ context.Context, token string) (auth.Identity, error) {
	id, ok := v[token]
	if !ok {
		return auth.Identity{}, auth.ErrUnauthorized
	}
	return id, nil
}

type harness struct {
	t     *testing.T
	store *ledger.MemoryStore
	svc   *game.Service
	srv   *httptest.Server
}

func newHarness(t *testing.T, opts ...game.Option) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := ledger.NewMemoryStore()
	svc, err := game.NewService(store, logger, opts...)
	require.NoError(t, err)
	require.NoError(t, svc.SeedDefaults(context.Background()))

	verifier := tokenVerifier{
		"alice-token": {UserID: "alice", Email: "alice@example.com"},
		"admin-token": {UserID: "root", Username: "root"},
	}
	srv := httptest.NewServer(New(logger, verifier, nil, svc).Handler())
	t.Cleanup(srv.Close)

	require.NoError(t, svc.EnsureUser(context.Background(), "root", "root"))
	require.NoError(t, store.SetRole("root", ledger.RoleAdmin))
	return &harness{t: t, store: store, svc: svc, srv: srv}
}

type response struct {
	Version int             `json:"version"`
	Kind    string          `json:"kind"`
	Rows    json.RawMessage `json:"rows"`
	Error   *errorBody      `json:"error"`
}

func (h *harness) do(method, path, token, body string, headers ...string) (int, response) {
	h.t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(h.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	var out response
	require.NoError(h.t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t)
	status, out := h.do(http.MethodGet, "/v1/portfolio", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, out.Error)
	assert.Equal(t, Version, out.Version)
	assert.Equal(t, "unauthorized", out.Error.Code)

	status, _ = h.do(http.MethodGet, "/v1/portfolio", "bogus", "")
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestFirstRequestCreatesWallet(t *testing.T) {
	h := newHarness(t)
	status, out := h.do(http.MethodGet, "/v1/me", "alice-token", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "profile", out.Kind)

	var p ledger.Profile
	require.NoError(t, json.Unmarshal(out.Rows, &p))
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, ledger.RoleUser, p.Role)
}

func TestPlaceOrderAndIdempotency(t *testing.T) {
	h := newHarness(t)
	body := `{"player_id":"ace-ramos","flags_amount":"100"}`

	status, out := h.do(http.MethodPost, "/v1/orders/buy", "alice-token", body, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, status, "%+v", out.Error)
	assert.Equal(t, "order", out.Kind)
	var order game.OrderResult
	require.NoError(t, json.Unmarshal(out.Rows, &order))
	assert.Equal(t, ledger.StatusPending, order.Status)
	assert.Equal(t, "900", order.AvailableAfter.String())

	status, out = h.do(http.MethodPost, "/v1/orders/buy", "alice-token", body, "Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusConflict, status)
	require.NotNil(t, out.Error)
	assert.Equal(t, "duplicate_idempotency", out.Error.Code)

	status, out = h.do(http.MethodPost, "/v1/orders/buy", "alice-token", `{"player_id":"ace-ramos","flags_amount":"5000"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "insufficient_funds", out.Error.Code)

	status, out = h.do(http.MethodPost, "/v1/orders/buy", "alice-token", `{"player_id":"ace-ramos","flags_amount":"-1"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", out.Error.Code)

	status, out = h.do(http.MethodPost, "/v1/orders/sell", "alice-token", `{"player_id":"nobody","flags_amount":"1"}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", out.Error.Code)

	status, out = h.do(http.MethodDelete, "/v1/orders/"+order.OrderID, "alice-token", "")
	require.Equal(t, http.StatusOK, status)
	var cancelled struct {
		Cancelled bool `json:"cancelled"`
	}
	require.NoError(t, json.Unmarshal(out.Rows, &cancelled))
	assert.True(t, cancelled.Cancelled)

	status, out = h.do(http.MethodDelete, "/v1/orders/"+order.OrderID, "alice-token", "")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(out.Rows, &cancelled))
	assert.False(t, cancelled.Cancelled, "second cancel is a no-op")
}

func TestAdminRoutes(t *testing.T) {
	h := newHarness(t)

	status, out := h.do(http.MethodPost, "/v1/admin/close", "alice-token", "")
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", out.Error.Code)

	status, out = h.do(http.MethodPost, "/v1/orders/buy", "alice-token", `{"player_id":"ace-ramos","flags_amount":"120"}`)
	require.Equal(t, http.StatusCreated, status, "%+v", out.Error)

	status, out = h.do(http.MethodGet, "/v1/admin/pending/buy", "admin-token", "")
	require.Equal(t, http.StatusOK, status)
	var pending []game.PendingBuySummary
	require.NoError(t, json.Unmarshal(out.Rows, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "alice", pending[0].UserID)

	status, out = h.do(http.MethodPost, "/v1/admin/close", "admin-token", "")
	require.Equal(t, http.StatusOK, status, "%+v", out.Error)
	assert.Equal(t, "daily_close", out.Kind)
	var res game.CloseResult
	require.NoError(t, json.Unmarshal(out.Rows, &res))
	assert.Len(t, res.Steps, len(game.CloseSteps))

	status, out = h.do(http.MethodGet, "/v1/admin/close/diagnostics", "admin-token", "")
	require.Equal(t, http.StatusOK, status)
	var diag game.CloseDiagnostics
	require.NoError(t, json.Unmarshal(out.Rows, &diag))
	require.NotNil(t, diag.Run)
	assert.Equal(t, ledger.RunFinished, diag.Run.Status)
	assert.Zero(t, diag.PendingBuyCount)

	status, out = h.do(http.MethodGet, "/v1/portfolio", "alice-token", "")
	require.Equal(t, http.StatusOK, status)
	var pf game.Portfolio
	require.NoError(t, json.Unmarshal(out.Rows, &pf))
	require.Len(t, pf.Holdings, 1)
	assert.Equal(t, "10", pf.Holdings[0].Units.String())

	status, out = h.do(http.MethodPost, "/v1/admin/clear/sideways", "admin-token", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, out = h.do(http.MethodGet, "/v1/admin/repricing/preview?trade_date=03-02-2026", "admin-token", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "trade_date", out.Error.Field)
}

func TestNetWorthServedFromCache(t *testing.T) {
	nw := cache.NewNetWorth(cache.NewMemoryStore(), time.Hour, time.UTC)
	h := newHarness(t, game.WithNetWorthCache(nw))

	status, out := h.do(http.MethodGet, "/v1/portfolio/networth", "alice-token", "")
	require.Equal(t, http.StatusOK, status, "%+v", out.Error)
	assert.Equal(t, "net_worth", out.Kind)
	var row game.NetWorthRow
	require.NoError(t, json.Unmarshal(out.Rows, &row))
	assert.Equal(t, "alice", row.UserID)
	assert.True(t, row.NetWorth.Equal(decimal.NewFromInt(1000)), "got %s", row.NetWorth)

	require.NoError(t, h.store.InTx(context.Background(), func(tx ledger.Tx) error {
		_, err := tx.AdjustWallet(context.Background(), "alice", decimal.NewFromInt(-400), time.Now())
		return err
	}))

	status, out = h.do(http.MethodGet, "/v1/portfolio/networth", "alice-token", "")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(out.Rows, &row))
	assert.True(t, row.NetWorth.Equal(decimal.NewFromInt(1000)), "cached value within the bucket, got %s", row.NetWorth)

	status, out = h.do(http.MethodGet, "/v1/portfolio", "alice-token", "")
	require.Equal(t, http.StatusOK, status)
	var pf game.Portfolio
	require.NoError(t, json.Unmarshal(out.Rows, &pf))
	assert.True(t, pf.NetWorth.Equal(decimal.NewFromInt(600)), "full snapshot is always live, got %s", pf.NetWorth)
}
