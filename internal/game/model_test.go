package game

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"flagplant/internal/ledger"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestWeightedAverageCost(t *testing.T) {
	tests := []struct {
		oldUnits, oldAvg, flags, fill string
		want                          string
	}{
		{"0", "0", "100", "10", "10"},
		{"10", "10", "50", "2.5", "12"},
		{"3", "4", "0", "0", "4"},
	}
	for _, tc := range tests {
		got := weightedAverageCost(dec(tc.oldUnits), dec(tc.oldAvg), dec(tc.flags), dec(tc.fill))
		if !got.Equal(dec(tc.want)) {
			t.Fatalf("avg(%s@%s + %s for %s) got=%s want=%s", tc.oldUnits, tc.oldAvg, tc.flags, tc.fill, got, tc.want)
		}
	}
}

func TestRepriceClampsToCeiling(t *testing.T) {
	p := DefaultParams()
	row := reprice(repriceInputs{
		player:     ledger.Player{ID: "p1", CurrentPrice: dec("10"), BaselineCapital: dec("100")},
		buyFlags:   dec("1000000"),
		sellFlags:  decimal.Zero,
		totalUnits: decimal.Zero,
	}, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), p)

	if !row.EffectiveCapital.Equal(dec("100")) {
		t.Fatalf("effective capital got=%s want=100", row.EffectiveCapital)
	}
	if !row.PriceMultiplier.Equal(dec("1.2")) {
		t.Fatalf("multiplier got=%s want=1.2", row.PriceMultiplier)
	}
	if !row.PostPrice.Equal(dec("12")) {
		t.Fatalf("post price got=%s want=12", row.PostPrice)
	}
	if !row.Clamped {
		t.Fatalf("expected clamped row")
	}
}

func TestRepriceFloorAndMinPrice(t *testing.T) {
	p := DefaultParams()
	p.MultiplierFloor = dec("-0.99")
	row := reprice(repriceInputs{
		player:     ledger.Player{ID: "p1", CurrentPrice: dec("0.5"), BaselineCapital: dec("10")},
		sellFlags:  dec("500"),
		buyFlags:   decimal.Zero,
		totalUnits: decimal.Zero,
	}, time.Time{}, p)
	if !row.PostPrice.Equal(p.MinPrice) {
		t.Fatalf("post price got=%s want min %s", row.PostPrice, p.MinPrice)
	}
}

func TestRepriceWithoutCapitalKeepsPrice(t *testing.T) {
	row := reprice(repriceInputs{
		player:     ledger.Player{ID: "p1", CurrentPrice: dec("7")},
		buyFlags:   decimal.Zero,
		sellFlags:  decimal.Zero,
		totalUnits: decimal.Zero,
	}, time.Time{}, DefaultParams())
	if !row.PriceMultiplier.Equal(decimal.NewFromInt(1)) || !row.PostPrice.Equal(dec("7")) {
		t.Fatalf("got multiplier=%s post=%s", row.PriceMultiplier, row.PostPrice)
	}
}

func TestRankWinners(t *testing.T) {
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	tallies := []ledger.VoteTally{
		{OpinionID: "o1", UserID: "u1", Votes: 3, SubmittedAt: base.Add(2 * time.Minute)},
		{OpinionID: "o2", UserID: "u2", Votes: 5, SubmittedAt: base.Add(3 * time.Minute)},
		{OpinionID: "o3", UserID: "u3", Votes: 3, SubmittedAt: base.Add(1 * time.Minute)},
		{OpinionID: "o4", UserID: "u4", Votes: 0, SubmittedAt: base},
	}
	p := DefaultParams()
	got := rankWinners(tallies, 2, p)
	if len(got) != 2 {
		t.Fatalf("got %d winners want 2", len(got))
	}
	if got[0].OpinionID != "o2" || got[1].OpinionID != "o3" {
		t.Fatalf("unexpected order: %s, %s", got[0].OpinionID, got[1].OpinionID)
	}
	if !got[0].RewardFlags.Equal(dec("500")) || !got[1].RewardFlags.Equal(dec("300")) {
		t.Fatalf("unexpected rewards: %s, %s", got[0].RewardFlags, got[1].RewardFlags)
	}
}

func TestValuePortfolioShares(t *testing.T) {
	players := map[string]ledger.Player{"p1": {ID: "p1", Name: "Ace", CurrentPrice: dec("20")}}
	pf := valuePortfolio(
		ledger.Wallet{UserID: "u1", LiquidFlags: dec("50")},
		[]ledger.Holding{{UserID: "u1", PlayerID: "p1", Units: dec("2.5"), AvgCostBasis: dec("12")}},
		players,
	)
	if !pf.MarketValue.Equal(dec("50")) || !pf.CostBasisValue.Equal(dec("30")) {
		t.Fatalf("market=%s cost=%s", pf.MarketValue, pf.CostBasisValue)
	}
	if !pf.UnrealizedPnL.Equal(dec("20")) || !pf.NetWorth.Equal(dec("100")) {
		t.Fatalf("pnl=%s net=%s", pf.UnrealizedPnL, pf.NetWorth)
	}
	if pf.LiquidSharePct == nil || !pf.LiquidSharePct.Equal(dec("50")) {
		t.Fatalf("liquid share got=%v want 50", pf.LiquidSharePct)
	}

	empty := valuePortfolio(ledger.Wallet{UserID: "u2", LiquidFlags: decimal.Zero}, nil, players)
	if empty.LiquidSharePct != nil || empty.InvestedSharePct != nil {
		t.Fatalf("expected nil shares for zero net worth")
	}
}

func TestParseRewardCurve(t *testing.T) {
	got, err := ParseRewardCurve("500, 300,200")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 || !got[1].Equal(dec("300")) {
		t.Fatalf("got %v", got)
	}
	if _, err := ParseRewardCurve("100,-5"); err == nil {
		t.Fatalf("expected negative entry to fail")
	}
}

func TestTradeDateFor(t *testing.T) {
	loc, err := time.LoadLocation(MarketTimezone)
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	// 02:00 UTC on the 3rd is still the 2nd in New York.
	got := TradeDateFor(time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC), loc)
	if got.Format(ledger.DateLayout) != "2026-03-02" {
		t.Fatalf("got %s", got.Format(ledger.DateLayout))
	}
}

func TestSanitizeUsername(t *testing.T) {
	if got := sanitizeUsername("jane.doe@example.com", "abc"); got != "janedoe" {
		t.Fatalf("got %q", got)
	}
	if got := sanitizeUsername("!!", "1234-5678-90ab"); got != "player_12345678" {
		t.Fatalf("got %q", got)
	}
}
