package game

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"flagplant/internal/ledger"
)

const (
	// AmountPlaces is the scale every persisted flag, unit and price amount is rounded to.
	AmountPlaces = 8

	DefaultWinnerCount = 5
	MarketTimezone     = "America/New_York"

	// HoldingDisplayFloor hides residual positions from profile views.
	HoldingDisplayFloor = "0.005"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientUnits    = errors.New("insufficient units")
	ErrPlayerInactive       = errors.New("player is not active")
	ErrPlayerNotFound       = errors.New("player not found")
	ErrOrderNotFound        = errors.New("order not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrForbidden            = errors.New("forbidden")
	ErrTxConflict           = errors.New("transaction conflict, retry exhausted")
	ErrDuplicateIdempotency = ledger.ErrDuplicateIdempotency
	ErrCloseInProgress      = ledger.ErrCloseInProgress
)

// ValidationError reports bad input shape or range. It is returned before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// StepError is a daily close step failure. The pipeline stops at the first one.
type StepError struct {
	Step   string
	Detail string
	Err    error
}

func (e *StepError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("daily close step %s failed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("daily close step %s failed (%s): %v", e.Step, e.Detail, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Params are the tunables of the settlement core.
type Params struct {
	StarterFlags      decimal.Decimal
	WinnerCount       int
	RewardCurve       []decimal.Decimal
	MultiplierFloor   decimal.Decimal
	MultiplierCeiling decimal.Decimal
	MinPrice          decimal.Decimal
	CloseStaleAfter   time.Duration
	Location          *time.Location
}

func DefaultParams() Params {
	loc, err := time.LoadLocation(MarketTimezone)
	if err != nil {
		loc = time.UTC
	}
	return Params{
		StarterFlags: decimal.NewFromInt(1000),
		WinnerCount:  DefaultWinnerCount,
		RewardCurve: []decimal.Decimal{
			decimal.NewFromInt(500),
			decimal.NewFromInt(300),
			decimal.NewFromInt(200),
			decimal.NewFromInt(100),
			decimal.NewFromInt(50),
		},
		MultiplierFloor:   decimal.RequireFromString("-0.20"),
		MultiplierCeiling: decimal.RequireFromString("0.20"),
		MinPrice:          decimal.RequireFromString("0.01"),
		CloseStaleAfter:   30 * time.Minute,
		Location:          loc,
	}
}

func (p Params) validate() error {
	if p.StarterFlags.IsNegative() {
		return invalid("starter_flags", "must be >= 0")
	}
	if p.WinnerCount <= 0 {
		return invalid("winner_count", "must be > 0")
	}
	for i, r := range p.RewardCurve {
		if r.IsNegative() {
			return invalid("reward_curve", fmt.Sprintf("rank %d reward is negative", i+1))
		}
	}
	if p.MultiplierFloor.GreaterThan(decimal.Zero) || p.MultiplierCeiling.LessThan(decimal.Zero) {
		return invalid("multiplier_bounds", "floor must be <= 0 <= ceiling")
	}
	if p.MultiplierFloor.LessThanOrEqual(decimal.NewFromInt(-1)) {
		return invalid("multiplier_floor", "must be > -1 so prices stay positive")
	}
	if !p.MinPrice.IsPositive() {
		return invalid("min_price", "must be > 0")
	}
	return nil
}

// RewardForRank returns the reward for a 1-based rank; ranks beyond the curve earn nothing.
func (p Params) RewardForRank(rank int) decimal.Decimal {
	if rank < 1 || rank > len(p.RewardCurve) {
		return decimal.Zero
	}
	return p.RewardCurve[rank-1]
}

// ParseRewardCurve reads a comma separated list such as "500,300,200".
func ParseRewardCurve(raw string) ([]decimal.Decimal, error) {
	var out []decimal.Decimal
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := decimal.NewFromString(part)
		if err != nil {
			return nil, fmt.Errorf("reward curve entry %q: %w", part, err)
		}
		if v.IsNegative() {
			return nil, fmt.Errorf("reward curve entry %q is negative", part)
		}
		out = append(out, v)
	}
	return out, nil
}

// TradeDateFor is the civil market date containing t.
func TradeDateFor(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return ledger.CivilDate(t.In(loc))
}

// ParseTradeDate accepts YYYY-MM-DD.
func ParseTradeDate(raw string) (time.Time, error) {
	d, err := time.Parse(ledger.DateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, invalid("trade_date", "expected YYYY-MM-DD")
	}
	return d, nil
}

func round(d decimal.Decimal) decimal.Decimal {
	return d.Round(AmountPlaces)
}

// weightedAverageCost folds a buy fill into an existing position's average cost.
func weightedAverageCost(oldUnits, oldAvg, flags, fillUnits decimal.Decimal) decimal.Decimal {
	total := oldUnits.Add(fillUnits)
	if !total.IsPositive() {
		return decimal.Zero
	}
	return round(oldUnits.Mul(oldAvg).Add(flags).Div(total))
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// share returns part/whole as a percentage, or nil when whole <= 0.
func share(part, whole decimal.Decimal) *decimal.Decimal {
	if !whole.IsPositive() {
		return nil
	}
	v := part.Div(whole).Mul(decimal.NewFromInt(100)).Round(4)
	return &v
}

func validateID(field, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return invalid(field, "is required")
	}
	if len(id) > 128 {
		return invalid(field, "is too long")
	}
	return nil
}

func validatePositive(field string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return invalid(field, "must be > 0")
	}
	if !round(v).IsPositive() {
		return invalid(field, "is below the smallest tradable amount")
	}
	return nil
}
