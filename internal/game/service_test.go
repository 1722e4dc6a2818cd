package game

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flagplant/internal/ledger"
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *ledger.MemoryStore
	svc   *Service

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: ledger.NewMemoryStore(),
		now:   time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
	}
	params := DefaultParams()
	params.Location = time.UTC
	opts = append([]Option{WithParams(params), WithClock(f.tick)}, opts...)
	svc, err := NewService(f.store, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

// tick advances the clock one second per read so created_at is strictly increasing.
func (f *fixture) tick() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(time.Second)
	return f.now
}

func (f *fixture) day() time.Time {
	return time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
}

func (f *fixture) user(id string, flags string) {
	f.t.Helper()
	require.NoError(f.t, f.store.InTx(f.ctx, func(tx ledger.Tx) error {
		return tx.EnsureUser(f.ctx, id, "user_"+id, dec(flags), f.tick())
	}))
}

func (f *fixture) player(id, price, baseline string) {
	f.t.Helper()
	require.NoError(f.t, f.store.InTx(f.ctx, func(tx ledger.Tx) error {
		return tx.UpsertPlayer(f.ctx, ledger.Player{
			ID: id, Name: "Player " + id, Active: true,
			SeedPrice: dec(price), CurrentPrice: dec(price), BaselineCapital: dec(baseline),
		})
	}))
}

func (f *fixture) holding(userID, playerID, units, avg string) {
	f.t.Helper()
	require.NoError(f.t, f.store.InTx(f.ctx, func(tx ledger.Tx) error {
		return tx.SaveHolding(f.ctx, ledger.Holding{UserID: userID, PlayerID: playerID, Units: dec(units), AvgCostBasis: dec(avg)})
	}))
}

func (f *fixture) wallet(userID string) decimal.Decimal {
	f.t.Helper()
	var w ledger.Wallet
	require.NoError(f.t, f.store.View(f.ctx, func(tx ledger.Tx) error {
		var err error
		w, err = tx.Wallet(f.ctx, userID)
		return err
	}))
	return w.LiquidFlags
}

func (f *fixture) units(userID, playerID string) (ledger.Holding, bool) {
	f.t.Helper()
	var h ledger.Holding
	var found bool
	require.NoError(f.t, f.store.View(f.ctx, func(tx ledger.Tx) error {
		var err error
		h, err = tx.Holding(f.ctx, userID, playerID)
		if errors.Is(err, ledger.ErrNotFound) {
			return nil
		}
		found = err == nil
		return err
	}))
	return h, found
}

func (f *fixture) buy(userID, playerID, flags string) (OrderResult, error) {
	return f.svc.PlaceBuyOrder(f.ctx, OrderInput{UserID: userID, PlayerID: playerID, FlagsAmount: dec(flags), TradeDate: f.day()})
}

func (f *fixture) sell(userID, playerID, flags string) (OrderResult, error) {
	return f.svc.PlaceSellOrder(f.ctx, OrderInput{UserID: userID, PlayerID: playerID, FlagsAmount: dec(flags), TradeDate: f.day()})
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	assert.Truef(t, got.Equal(dec(want)), "%s: got %s want %s", msg, got, want)
}

func TestBuyAdmissionRespectsAvailableFunds(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "100")
	f.player("p1", "10", "1000")

	_, err := f.buy("u1", "p1", "150")
	require.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = f.buy("u1", "p1", "100")
	require.NoError(t, err)

	_, err = f.buy("u1", "p1", "1")
	require.ErrorIs(t, err, ErrInsufficientFunds)

	assertDec(t, "100", f.wallet("u1"), "admission must not touch the wallet")
}

func TestBuyAdmissionValidation(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "100")
	f.player("p1", "10", "0")

	_, err := f.buy("u1", "p1", "0")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "flags_amount", verr.Field)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.buy("u1", "nope", "5")
	assert.ErrorIs(t, err, ErrPlayerNotFound)

	_, err = f.svc.UpsertPlayer(f.ctx, PlayerInput{ID: "p1", Name: "Player p1", Active: false})
	require.NoError(t, err)
	_, err = f.buy("u1", "p1", "5")
	assert.ErrorIs(t, err, ErrPlayerInactive)
}

func TestIdempotencyKeyRejectsReplay(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "100")
	f.player("p1", "10", "0")

	in := OrderInput{UserID: "u1", PlayerID: "p1", FlagsAmount: dec("10"), IdempotencyKey: "k-1"}
	_, err := f.svc.PlaceBuyOrder(f.ctx, in)
	require.NoError(t, err)
	_, err = f.svc.PlaceBuyOrder(f.ctx, in)
	require.ErrorIs(t, err, ErrDuplicateIdempotency)

	orders, err := f.svc.ListUserOrders(f.ctx, "u1", "", 10)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestSellAdmissionFixesUnits(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "0")
	f.player("p1", "10", "0")
	f.holding("u1", "p1", "10", "8")

	res, err := f.sell("u1", "p1", "60")
	require.NoError(t, err)
	require.True(t, res.UnitsAmount.Valid)
	assertDec(t, "6", res.UnitsAmount.Decimal, "estimated units")

	_, err = f.sell("u1", "p1", "50")
	require.ErrorIs(t, err, ErrInsufficientUnits)

	_, err = f.sell("u1", "p1", "40")
	require.NoError(t, err)

	avail, err := f.svc.GetTradingAvailability(f.ctx, "u1", "p1")
	require.NoError(t, err)
	assertDec(t, "10", avail.PendingSellUnits, "pending sell units")
	assertDec(t, "0", avail.AvailableUnits, "available units")
}

func TestClearingBuyArithmetic(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "100")
	f.player("p1", "10", "1000")

	_, err := f.buy("u1", "p1", "100")
	require.NoError(t, err)

	sum, err := f.svc.ClearPendingOrders(f.ctx, ledger.SideBuy, f.day())
	require.NoError(t, err)
	assert.EqualValues(t, 1, sum.Executed)
	require.Len(t, sum.Rows, 1)
	assert.Equal(t, ledger.StatusExecuted, sum.Rows[0].Status)

	h, ok := f.units("u1", "p1")
	require.True(t, ok)
	assertDec(t, "10", h.Units, "units")
	assertDec(t, "10", h.AvgCostBasis, "avg cost")
	assertDec(t, "0", f.wallet("u1"), "wallet")
}

func TestClearingAverageCostBasis(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "50")
	f.player("p1", "20", "0")
	f.holding("u1", "p1", "10", "10")

	_, err := f.buy("u1", "p1", "50")
	require.NoError(t, err)
	_, err = f.svc.ClearPendingOrders(f.ctx, ledger.SideBuy, f.day())
	require.NoError(t, err)

	h, ok := f.units("u1", "p1")
	require.True(t, ok)
	assertDec(t, "12.5", h.Units, "units")
	assertDec(t, "12", h.AvgCostBasis, "avg cost")
}

func TestClearingRevalidatesFunds(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "100")
	f.player("p1", "10", "0")

	first, err := f.buy("u1", "p1", "60")
	require.NoError(t, err)
	second, err := f.buy("u1", "p1", "40")
	require.NoError(t, err)

	// Funds drop after admission.
	require.NoError(t, f.store.InTx(f.ctx, func(tx ledger.Tx) error {
		_, err := tx.AdjustWallet(f.ctx, "u1", dec("-30"), time.Now())
		return err
	}))

	sum, err := f.svc.ClearPendingOrders(f.ctx, ledger.SideBuy, f.day())
	require.NoError(t, err)
	require.Len(t, sum.Rows, 2)
	assert.Equal(t, first.OrderID, sum.Rows[0].OrderID)
	assert.Equal(t, ledger.StatusExecuted, sum.Rows[0].Status)
	assert.Equal(t, second.OrderID, sum.Rows[1].OrderID)
	assert.Equal(t, ledger.StatusFailed, sum.Rows[1].Status)
	assert.Contains(t, sum.Rows[1].Note, "insufficient funds")
	assertDec(t, "10", f.wallet("u1"), "wallet after one fill")
}

func TestClearingPartialSellFailureKeepsEarlierFill(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "0")
	f.player("p1", "10", "0")
	f.holding("u1", "p1", "10", "10")

	_, err := f.sell("u1", "p1", "60")
	require.NoError(t, err)
	_, err = f.sell("u1", "p1", "40")
	require.NoError(t, err)

	// Holding shrinks below the second order before clearing.
	f.holding("u1", "p1", "7", "10")

	sum, err := f.svc.ClearPendingOrders(f.ctx, ledger.SideSell, f.day())
	require.NoError(t, err)
	require.Len(t, sum.Rows, 2)
	assert.Equal(t, ledger.StatusExecuted, sum.Rows[0].Status)
	assert.Equal(t, ledger.StatusFailed, sum.Rows[1].Status)
	assert.Contains(t, sum.Rows[1].Note, "insufficient units")

	h, ok := f.units("u1", "p1")
	require.True(t, ok)
	assertDec(t, "1", h.Units, "units left")
	assertDec(t, "10", h.AvgCostBasis, "sells leave avg cost")
	assertDec(t, "60", f.wallet("u1"), "proceeds")
}

func TestSellUsesClearingPriceAndClosesPosition(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "0")
	f.player("p1", "10", "0")
	f.holding("u1", "p1", "5", "10")

	_, err := f.sell("u1", "p1", "50")
	require.NoError(t, err)
	_, err = f.svc.OverridePlayerPrice(f.ctx, PriceOverrideInput{PlayerID: "p1", NewPrice: dec("12"), Reason: "correction", Actor: "admin"})
	require.NoError(t, err)

	_, err = f.svc.ClearPendingOrders(f.ctx, ledger.SideSell, f.day())
	require.NoError(t, err)
	assertDec(t, "60", f.wallet("u1"), "5 units at 12")
	_, ok := f.units("u1", "p1")
	assert.False(t, ok, "position should be removed at zero units")
}

func TestClearingNeverRefillsExecutedOrders(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "100")
	f.player("p1", "10", "0")
	_, err := f.buy("u1", "p1", "30")
	require.NoError(t, err)

	first, err := f.svc.ClearPendingOrders(f.ctx, ledger.SideBuy, f.day())
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.Executed)

	second, err := f.svc.ClearPendingOrders(f.ctx, ledger.SideBuy, f.day())
	require.NoError(t, err)
	assert.Empty(t, second.Rows)
	assertDec(t, "70", f.wallet("u1"), "single debit")
}

func TestClearingSkipsLaterTradeDates(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "100")
	f.player("p1", "10", "0")
	_, err := f.svc.PlaceBuyOrder(f.ctx, OrderInput{UserID: "u1", PlayerID: "p1", FlagsAmount: dec("10"), TradeDate: f.day().AddDate(0, 0, 1)})
	require.NoError(t, err)

	sum, err := f.svc.ClearPendingOrders(f.ctx, ledger.SideBuy, f.day())
	require.NoError(t, err)
	assert.Empty(t, sum.Rows)

	sum, err = f.svc.ClearPendingOrders(f.ctx, ledger.SideBuy, f.day().AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.EqualValues(t, 1, sum.Executed)
}

func TestCancelPendingOrder(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "100")
	f.user("u2", "100")
	f.player("p1", "10", "0")
	o, err := f.buy("u1", "p1", "10")
	require.NoError(t, err)

	_, err = f.svc.CancelPendingOrder(f.ctx, "u2", o.OrderID)
	require.ErrorIs(t, err, ErrForbidden)

	ok, err := f.svc.CancelPendingOrder(f.ctx, "u1", o.OrderID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.CancelPendingOrder(f.ctx, "u1", o.OrderID)
	require.NoError(t, err)
	assert.False(t, ok, "second cancel reports already processed")

	sum, err := f.svc.ClearPendingOrders(f.ctx, ledger.SideBuy, f.day())
	require.NoError(t, err)
	assert.Empty(t, sum.Rows)
	assertDec(t, "100", f.wallet("u1"), "cancelled order never debits")
}

func TestCancelAfterExecutionReportsFalse(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "100")
	f.player("p1", "10", "0")
	o, err := f.buy("u1", "p1", "10")
	require.NoError(t, err)
	_, err = f.svc.ClearPendingOrders(f.ctx, ledger.SideBuy, f.day())
	require.NoError(t, err)

	ok, err := f.svc.CancelPendingOrder(f.ctx, "u1", o.OrderID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRepricingApplyIsIdempotentPerDate(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "1000")
	f.player("p1", "10", "1000")
	_, err := f.buy("u1", "p1", "100")
	require.NoError(t, err)
	_, err = f.svc.ClearPendingOrders(f.ctx, ledger.SideBuy, f.day())
	require.NoError(t, err)

	preview, err := f.svc.PreviewPlayerRepricing(f.ctx, f.day())
	require.NoError(t, err)
	require.Len(t, preview, 1)
	// 100 net flow over 1000 baseline + 10 units * 10 invested.
	assertDec(t, "100", preview[0].NetFlowFlags, "net flow")
	assertDec(t, "1100", preview[0].EffectiveCapital, "effective capital")

	applied, err := f.svc.ApplyPlayerRepricing(f.ctx, f.day())
	require.NoError(t, err)
	assert.Equal(t, preview[0].PostPrice.String(), applied[0].PostPrice.String())
	assert.False(t, applied[0].AlreadyApplied)

	again, err := f.svc.ApplyPlayerRepricing(f.ctx, f.day())
	require.NoError(t, err)
	assert.True(t, again[0].AlreadyApplied)

	players, err := f.svc.ListPlayers(f.ctx, true)
	require.NoError(t, err)
	assert.True(t, players[0].CurrentPrice.Equal(applied[0].PostPrice))

	hist, err := f.svc.GetPlayerPriceHistory(f.ctx, "p1", 10)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestRepricingNetFlowUsesOrderAmounts(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "0")
	f.player("p1", "10", "1000")
	f.holding("u1", "p1", "10", "10")

	_, err := f.sell("u1", "p1", "50")
	require.NoError(t, err)
	_, err = f.svc.OverridePlayerPrice(f.ctx, PriceOverrideInput{PlayerID: "p1", NewPrice: dec("20"), Reason: "correction", Actor: "admin"})
	require.NoError(t, err)
	_, err = f.svc.ClearPendingOrders(f.ctx, ledger.SideSell, f.day())
	require.NoError(t, err)
	assertDec(t, "100", f.wallet("u1"), "5 units cleared at 20")

	preview, err := f.svc.PreviewPlayerRepricing(f.ctx, f.day())
	require.NoError(t, err)
	require.Len(t, preview, 1)
	assertDec(t, "-50", preview[0].NetFlowFlags, "net flow counts the sell's flags_amount, not its proceeds")
}

func TestOverridePlayerPriceRequiresReason(t *testing.T) {
	f := newFixture(t)
	f.player("p1", "10", "0")
	_, err := f.svc.OverridePlayerPrice(f.ctx, PriceOverrideInput{PlayerID: "p1", NewPrice: dec("5"), Actor: "admin"})
	require.ErrorIs(t, err, ErrValidation)

	out, err := f.svc.OverridePlayerPrice(f.ctx, PriceOverrideInput{PlayerID: "p1", NewPrice: dec("5"), Reason: "fix", Actor: "admin"})
	require.NoError(t, err)
	assertDec(t, "10", out.PreviousPrice, "previous")
	assertDec(t, "5", out.NewPrice, "new")

	hist, err := f.svc.GetPlayerPriceHistory(f.ctx, "p1", 10)
	require.NoError(t, err)
	assert.Empty(t, hist, "override is not a repricing event")
}

type recordingAnnouncer struct {
	mu     sync.Mutex
	boards []WinnerBoard
}

func (r *recordingAnnouncer) AnnounceWinners(_ context.Context, b WinnerBoard) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.boards = append(r.boards, b)
	return errors.New("channel unavailable")
}

func seedOpinions(f *fixture) {
	f.t.Helper()
	base := f.day().Add(13 * time.Hour)
	f.store.PutOpinion("o1", "u1", "first take", f.day(), base)
	f.store.PutOpinion("o2", "u2", "second take", f.day(), base.Add(time.Minute))
	for _, v := range []string{"a", "b", "c"} {
		require.NoError(f.t, f.store.RecordVote("o2", v))
	}
	require.NoError(f.t, f.store.RecordVote("o1", "a"))
}

func TestPublishWinnersPaysOnce(t *testing.T) {
	ann := &recordingAnnouncer{}
	f := newFixture(t, WithAnnouncer(ann))
	f.user("u1", "0")
	f.user("u2", "0")
	seedOpinions(f)

	first, err := f.svc.PublishDailyWinners(f.ctx, f.day())
	require.NoError(t, err)
	assert.False(t, first.AlreadyPublished)
	require.Len(t, first.Rows, 2)
	assert.Equal(t, "u2", first.Rows[0].UserID)

	second, err := f.svc.PublishDailyWinners(f.ctx, f.day())
	require.NoError(t, err)
	assert.True(t, second.AlreadyPublished)
	assert.Len(t, second.Rows, 2)

	assertDec(t, "500", f.wallet("u2"), "rank 1 reward")
	assertDec(t, "300", f.wallet("u1"), "rank 2 reward")
	assert.Len(t, ann.boards, 1, "announcer only sees the fresh publication")

	boards, err := f.svc.GetRecentWinnerBoards(f.ctx, 7)
	require.NoError(t, err)
	require.Len(t, boards, 1)
	assert.Equal(t, "second take", boards[0].Winners[0].Body)

	profile, err := f.svc.GetPublicProfileSnapshot(f.ctx, "u2")
	require.NoError(t, err)
	require.NotNil(t, profile.LatestWin)
	assert.Equal(t, 1, profile.LatestWin.Rank)
}

type ledgerState struct {
	wallets  []ledger.Wallet
	holdings []ledger.Holding
	players  []ledger.Player
	orders   []ledger.Order
}

func snapshotState(f *fixture) ledgerState {
	f.t.Helper()
	var st ledgerState
	require.NoError(f.t, f.store.View(f.ctx, func(tx ledger.Tx) error {
		var err error
		if st.wallets, err = tx.Wallets(f.ctx); err != nil {
			return err
		}
		if st.holdings, err = tx.AllHoldings(f.ctx); err != nil {
			return err
		}
		if st.players, err = tx.Players(f.ctx, false); err != nil {
			return err
		}
		st.orders, err = tx.Orders(f.ctx, ledger.OrderFilter{})
		return err
	}))
	return st
}

func TestRunDailyCloseTwiceIsNoop(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "200")
	f.user("u2", "100")
	f.player("p1", "10", "500")
	f.player("p2", "5", "500")
	f.holding("u2", "p2", "20", "5")
	seedOpinions(f)

	_, err := f.buy("u1", "p1", "150")
	require.NoError(t, err)
	_, err = f.sell("u2", "p2", "50")
	require.NoError(t, err)

	first, err := f.svc.RunDailyClose(f.ctx, f.day(), false)
	require.NoError(t, err)
	require.Len(t, first.Steps, len(CloseSteps))
	for i, st := range first.Steps {
		assert.Equal(t, CloseSteps[i], st.Step)
		assert.Equal(t, ledger.StepSuccess, st.Status)
	}
	after := snapshotState(f)

	second, err := f.svc.RunDailyClose(f.ctx, f.day(), false)
	require.NoError(t, err)
	for _, st := range second.Steps {
		assert.True(t, st.Skipped, st.Step)
		assert.Zero(t, st.AffectedCount, st.Step)
	}
	assert.Equal(t, after, snapshotState(f))

	diag, err := f.svc.GetDailyCloseDiagnostics(f.ctx, f.day())
	require.NoError(t, err)
	require.NotNil(t, diag.Run)
	assert.Equal(t, ledger.RunFinished, diag.Run.Status)
	assert.Zero(t, diag.PendingBuyCount)
	assert.Zero(t, diag.PendingSellCount)
	assert.EqualValues(t, 2, diag.PublishedWinners)
	assert.EqualValues(t, 2, diag.RepricedPlayers)
	assert.EqualValues(t, 2, diag.Snapshots)

	hist, err := f.svc.GetUserPortfolioHistory(f.ctx, "u1", 7)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Len(t, hist[0].Holdings, 1)
}

func TestRunDailyCloseForcedRerunStaysIdempotent(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "100")
	f.user("u2", "0")
	f.player("p1", "10", "100")
	seedOpinions(f)
	_, err := f.buy("u1", "p1", "50")
	require.NoError(t, err)

	_, err = f.svc.RunDailyClose(f.ctx, f.day(), false)
	require.NoError(t, err)
	before := snapshotState(f)

	forced, err := f.svc.RunDailyClose(f.ctx, f.day(), true)
	require.NoError(t, err)
	for _, st := range forced.Steps {
		assert.False(t, st.Skipped)
		if st.Step != StepSelectWinners {
			assert.Zero(t, st.AffectedCount, st.Step)
		}
	}
	assert.Equal(t, before, snapshotState(f))
}

// failingStore fails every SetPlayerPrice call.
type failingStore struct {
	*ledger.MemoryStore
}

type failingTx struct {
	ledger.Tx
}

func (failingTx) SetPlayerPrice(context.Context, string, decimal.Decimal, time.Time) error {
	return errors.New("disk full")
}

func (s failingStore) InTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.MemoryStore.InTx(ctx, func(tx ledger.Tx) error { return fn(failingTx{tx}) })
}

func TestRunDailyCloseStopsAtFailedStep(t *testing.T) {
	mem := ledger.NewMemoryStore()
	params := DefaultParams()
	params.Location = time.UTC
	clock := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	svc, err := NewService(failingStore{mem}, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithParams(params), WithClock(func() time.Time { return clock }))
	require.NoError(t, err)
	f := &fixture{t: t, ctx: context.Background(), store: mem, svc: svc, now: clock}
	f.user("u1", "100")
	f.player("p1", "10", "100")
	_, err = f.buy("u1", "p1", "20")
	require.NoError(t, err)

	res, err := svc.RunDailyClose(f.ctx, f.day(), false)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepRepricePlayers, stepErr.Step)
	require.Len(t, res.Steps, 5)
	assert.Equal(t, ledger.StepFailed, res.Steps[4].Status)

	diag, err := svc.GetDailyCloseDiagnostics(f.ctx, f.day())
	require.NoError(t, err)
	assert.Equal(t, ledger.RunFailed, diag.Run.Status)
	assert.Equal(t, ledger.StepSuccess, diag.Steps[2].Status, "buy clearing kept")
	assert.Equal(t, ledger.StepFailed, diag.Steps[4].Status)
	assert.Equal(t, ledger.StepQueued, diag.Steps[5].Status, "snapshot never ran")
	assertDec(t, "80", f.wallet("u1"), "executed buy survives the failed step")
}

func TestRunDailyCloseMutualExclusion(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.InTx(f.ctx, func(tx ledger.Tx) error {
		return tx.ClaimCloseRun(f.ctx, f.day(), "other-run", f.now, time.Hour)
	}))
	_, err := f.svc.RunDailyClose(f.ctx, f.day(), false)
	require.ErrorIs(t, err, ErrCloseInProgress)
}

type memCache struct {
	mu          sync.Mutex
	values      map[string]decimal.Decimal
	invalidated []string
}

func (c *memCache) Get(_ context.Context, userID string, _ time.Time) (decimal.Decimal, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[userID]
	return v, ok, nil
}

func (c *memCache) Put(_ context.Context, userID string, _ time.Time, v decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[userID] = v
	return nil
}

func (c *memCache) Invalidate(_ context.Context, userIDs []string, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range userIDs {
		delete(c.values, id)
	}
	c.invalidated = append(c.invalidated, userIDs...)
	return nil
}

func TestNetWorthCacheInvalidatedByClose(t *testing.T) {
	cache := &memCache{values: map[string]decimal.Decimal{}}
	f := newFixture(t, WithNetWorthCache(cache))
	f.user("u1", "100")
	f.player("p1", "10", "0")

	nw, err := f.svc.NetWorth(f.ctx, "u1")
	require.NoError(t, err)
	assertDec(t, "100", nw, "net worth")
	assert.Contains(t, cache.values, "u1")

	_, err = f.svc.RunDailyClose(f.ctx, f.day(), false)
	require.NoError(t, err)
	assert.NotContains(t, cache.values, "u1")
	assert.Contains(t, cache.invalidated, "u1")
}

func TestInvariantsHoldAcrossMixedActivity(t *testing.T) {
	f := newFixture(t)
	users := []string{"u1", "u2", "u3"}
	for _, u := range users {
		f.user(u, "100")
	}
	f.player("p1", "4", "50")
	f.player("p2", "9", "50")

	amounts := []string{"30", "45", "25", "60", "10"}
	for day := 0; day < 3; day++ {
		td := f.day().AddDate(0, 0, day)
		for i, u := range users {
			pid := []string{"p1", "p2"}[(i+day)%2]
			_, _ = f.svc.PlaceBuyOrder(f.ctx, OrderInput{UserID: u, PlayerID: pid, FlagsAmount: dec(amounts[(i+day)%len(amounts)]), TradeDate: td})
			_, _ = f.svc.PlaceSellOrder(f.ctx, OrderInput{UserID: u, PlayerID: pid, FlagsAmount: dec(amounts[(i+day+1)%len(amounts)]), TradeDate: td})
		}
		_, err := f.svc.RunDailyClose(f.ctx, td, false)
		require.NoError(t, err)

		st := snapshotState(f)
		for _, w := range st.wallets {
			assert.False(t, w.LiquidFlags.IsNegative(), "wallet %s negative", w.UserID)
		}
		for _, h := range st.holdings {
			assert.False(t, h.Units.IsNegative(), "holding %s/%s negative", h.UserID, h.PlayerID)
		}
		for _, p := range st.players {
			assert.True(t, p.CurrentPrice.IsPositive(), "price %s", p.ID)
		}
	}

	board, err := f.svc.GetLeaderboardSnapshot(f.ctx, 10)
	require.NoError(t, err)
	require.Len(t, board, 3)
	for i := 1; i < len(board); i++ {
		assert.True(t, board[i-1].NetWorth.GreaterThanOrEqual(board[i].NetWorth))
	}
}

func TestPendingSummaries(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "100")
	f.user("u2", "100")
	f.player("p1", "10", "0")
	f.holding("u2", "p1", "5", "10")

	_, err := f.buy("u1", "p1", "20")
	require.NoError(t, err)
	_, err = f.buy("u1", "p1", "30")
	require.NoError(t, err)
	_, err = f.sell("u2", "p1", "20")
	require.NoError(t, err)

	buys, err := f.svc.PreviewPendingBuyOrders(f.ctx, f.day())
	require.NoError(t, err)
	require.Len(t, buys, 1)
	assert.EqualValues(t, 2, buys[0].PendingOrderCount)
	assertDec(t, "50", buys[0].PendingFlagsTotal, "pending buy flags")
	assert.Equal(t, "user_u1", buys[0].Username)

	sells, err := f.svc.PreviewPendingSellOrders(f.ctx, f.day())
	require.NoError(t, err)
	require.Len(t, sells, 1)
	assertDec(t, "2", sells[0].PendingUnitsTotal, "pending units")
	assertDec(t, "20", sells[0].EstimatedFlagsTotal, "estimated flags")
}

func TestMarketStatsAndProfileHoldings(t *testing.T) {
	f := newFixture(t)
	f.user("u1", "10")
	f.player("p1", "10", "0")
	f.player("p2", "2", "0")
	f.holding("u1", "p1", "3", "8")
	f.holding("u1", "p2", "0.001", "2")

	stats, err := f.svc.GetPlayerMarketStats(f.ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "p1", stats[0].PlayerID)
	assert.EqualValues(t, 1, stats[0].HolderCount)
	assertDec(t, "30", stats[0].InvestedCapital, "invested")

	holdings, err := f.svc.GetPublicProfileHoldings(f.ctx, "u1")
	require.NoError(t, err)
	require.Len(t, holdings, 1, "residual position hidden")

	profile, err := f.svc.GetPublicProfileSnapshot(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, profile.HoldingCount)
	require.NotNil(t, profile.TopHolding)
	assert.Equal(t, "p1", profile.TopHolding.PlayerID)
	require.NotNil(t, holdings[0].UnrealizedReturnPct)
	assertDec(t, "25", *holdings[0].UnrealizedReturnPct, "return pct")
}

func TestEnsureUserGrantsStarterFlagsOnce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.EnsureUser(f.ctx, "u9", "newbie"))
	assertDec(t, "1000", f.wallet("u9"), "starter")
	p, err := f.svc.Profile(f.ctx, "u9")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", p.CreatedAt.Format(ledger.DateLayout), "created_at follows the service clock")

	require.NoError(t, f.store.InTx(f.ctx, func(tx ledger.Tx) error {
		_, err := tx.AdjustWallet(f.ctx, "u9", dec("-400"), time.Now())
		return err
	}))
	require.NoError(t, f.svc.EnsureUser(f.ctx, "u9", "newbie"))
	assertDec(t, "600", f.wallet("u9"), "no second grant")

	require.ErrorIs(t, f.svc.RequireAdmin(f.ctx, "u9"), ErrForbidden)
	require.NoError(t, f.store.SetRole("u9", ledger.RoleAdmin))
	require.NoError(t, f.svc.RequireAdmin(f.ctx, "u9"))
}
