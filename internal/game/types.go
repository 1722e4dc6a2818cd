package game

import (
	"time"

	"github.com/shopspring/decimal"

	"flagplant/internal/ledger"
)

type OrderInput struct {
	UserID         string
	PlayerID       string
	FlagsAmount    decimal.Decimal
	TradeDate      time.Time
	IdempotencyKey string
}

type OrderResult struct {
	OrderID        string              `json:"order_id"`
	UserID         string              `json:"user_id"`
	PlayerID       string              `json:"player_id"`
	Side           ledger.OrderSide    `json:"order_type"`
	Status         ledger.OrderStatus  `json:"status"`
	FlagsAmount    decimal.Decimal     `json:"flags_amount"`
	UnitsAmount    decimal.NullDecimal `json:"units_amount"`
	PriceAtEntry   decimal.Decimal     `json:"price_at_entry"`
	TradeDate      string              `json:"trade_date"`
	AvailableAfter decimal.Decimal     `json:"available_after"`
}

type ClearingRow struct {
	OrderID      string              `json:"order_id"`
	UserID       string              `json:"user_id"`
	PlayerID     string              `json:"player_id"`
	Side         ledger.OrderSide    `json:"order_type"`
	Status       ledger.OrderStatus  `json:"status"`
	FlagsAmount  decimal.Decimal     `json:"flags_amount"`
	UnitsAmount  decimal.NullDecimal `json:"units_amount"`
	SettledFlags decimal.NullDecimal `json:"settled_flags"`
	Note         string              `json:"note"`
}

type ClearingSummary struct {
	Side      ledger.OrderSide `json:"order_type"`
	TradeDate string           `json:"trade_date"`
	Executed  int64            `json:"executed"`
	Failed    int64            `json:"failed"`
	Skipped   int64            `json:"skipped"`
	Deferred  int64            `json:"deferred"`
	Rows      []ClearingRow    `json:"rows"`
}

type PendingBuySummary struct {
	UserID            string          `json:"user_id"`
	Username          string          `json:"username"`
	PendingOrderCount int64           `json:"pending_order_count"`
	PendingFlagsTotal decimal.Decimal `json:"pending_flags_total"`
}

type PendingSellSummary struct {
	UserID              string          `json:"user_id"`
	Username            string          `json:"username"`
	PendingOrderCount   int64           `json:"pending_order_count"`
	PendingFlagsTotal   decimal.Decimal `json:"pending_flags_total"`
	PendingUnitsTotal   decimal.Decimal `json:"pending_units_total"`
	EstimatedFlagsTotal decimal.Decimal `json:"estimated_flags_total"`
}

type RepricingRow struct {
	PlayerID         string          `json:"player_id"`
	PlayerName       string          `json:"player_name"`
	SnapshotDate     string          `json:"snapshot_date"`
	PrePrice         decimal.Decimal `json:"pre_price"`
	PostPrice        decimal.Decimal `json:"post_price"`
	BuyFlags         decimal.Decimal `json:"buy_flags"`
	SellFlags        decimal.Decimal `json:"sell_flags"`
	NetFlowFlags     decimal.Decimal `json:"net_flow_flags"`
	TotalUnits       decimal.Decimal `json:"total_units"`
	InvestedCapital  decimal.Decimal `json:"invested_capital"`
	EffectiveCapital decimal.Decimal `json:"effective_capital"`
	PriceMultiplier  decimal.Decimal `json:"price_multiplier"`
	Clamped          bool            `json:"clamped"`
	AlreadyApplied   bool            `json:"already_applied"`
}

type PriceOverrideInput struct {
	PlayerID string
	NewPrice decimal.Decimal
	Reason   string
	Actor    string
}

type WinnerCandidate struct {
	Rank          int             `json:"rank"`
	UserID        string          `json:"user_id"`
	Username      string          `json:"username"`
	OpinionID     string          `json:"opinion_id"`
	Body          string          `json:"body"`
	VotesReceived int64           `json:"votes_received"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	RewardFlags   decimal.Decimal `json:"reward_flags"`
}

type PublishResult struct {
	WinnerDate       string                     `json:"winner_date"`
	AlreadyPublished bool                       `json:"already_published"`
	Rows             []ledger.WinnerPublication `json:"rows"`
}

type WinnerBoard struct {
	WinnerDate string           `json:"winner_date"`
	Winners    []WinnerBoardRow `json:"winners"`
}

type WinnerBoardRow struct {
	Rank          int             `json:"rank"`
	UserID        string          `json:"user_id"`
	Username      string          `json:"username"`
	OpinionID     string          `json:"opinion_id"`
	Body          string          `json:"body"`
	VotesReceived int64           `json:"votes_received"`
	RewardFlags   decimal.Decimal `json:"reward_flags"`
}

type StepResult struct {
	Step          string            `json:"step"`
	Status        ledger.StepStatus `json:"status"`
	Detail        string            `json:"detail"`
	AffectedCount int64             `json:"affected_count"`
	Skipped       bool              `json:"skipped"`
}

type CloseResult struct {
	TradeDate string       `json:"trade_date"`
	RunID     string       `json:"run_id"`
	Steps     []StepResult `json:"steps"`
}

type CloseDiagnostics struct {
	TradeDate        string                `json:"trade_date"`
	Run              *ledger.CloseRun      `json:"run,omitempty"`
	Steps            []ledger.CloseJobStep `json:"steps"`
	PendingBuyCount  int64                 `json:"pending_buy_count"`
	PendingSellCount int64                 `json:"pending_sell_count"`
	PublishedWinners int64                 `json:"published_winners"`
	RepricedPlayers  int64                 `json:"repriced_players"`
	Snapshots        int64                 `json:"snapshots"`
}

type HoldingView struct {
	PlayerID            string           `json:"player_id"`
	PlayerName          string           `json:"player_name"`
	Units               decimal.Decimal  `json:"units"`
	AvgCostBasis        decimal.Decimal  `json:"avg_cost_basis"`
	CurrentPrice        decimal.Decimal  `json:"current_price"`
	CostBasisValue      decimal.Decimal  `json:"cost_basis_value"`
	MarketValue         decimal.Decimal  `json:"market_value"`
	UnrealizedPnL       decimal.Decimal  `json:"unrealized_pnl"`
	UnrealizedReturnPct *decimal.Decimal `json:"unrealized_return_pct"`
}

// NetWorthRow is a user's net worth as served from the daily cache bucket.
type NetWorthRow struct {
	UserID   string          `json:"user_id"`
	NetWorth decimal.Decimal `json:"net_worth"`
}

type Portfolio struct {
	UserID           string           `json:"user_id"`
	LiquidFlags      decimal.Decimal  `json:"liquid_flags"`
	CostBasisValue   decimal.Decimal  `json:"cost_basis_value"`
	MarketValue      decimal.Decimal  `json:"market_value"`
	UnrealizedPnL    decimal.Decimal  `json:"unrealized_pnl"`
	NetWorth         decimal.Decimal  `json:"net_worth"`
	LiquidSharePct   *decimal.Decimal `json:"liquid_share_pct"`
	InvestedSharePct *decimal.Decimal `json:"invested_share_pct"`
	Holdings         []HoldingView    `json:"holdings"`
}

type TopHolding struct {
	PlayerID   string          `json:"player_id"`
	PlayerName string          `json:"player_name"`
	Value      decimal.Decimal `json:"value"`
}

type LatestWin struct {
	WinnerDate    string          `json:"winner_date"`
	Rank          int             `json:"rank"`
	VotesReceived int64           `json:"votes_received"`
	RewardFlags   decimal.Decimal `json:"reward_flags"`
}

type PublicProfile struct {
	UserID              string           `json:"user_id"`
	Username            string           `json:"username"`
	LiquidFlags         decimal.Decimal  `json:"liquid_flags"`
	HoldingsValue       decimal.Decimal  `json:"holdings_value"`
	CostBasisValue      decimal.Decimal  `json:"cost_basis_value"`
	UnrealizedPnL       decimal.Decimal  `json:"unrealized_pnl"`
	UnrealizedReturnPct *decimal.Decimal `json:"unrealized_return_pct"`
	NetWorth            decimal.Decimal  `json:"net_worth"`
	LiquidSharePct      *decimal.Decimal `json:"liquid_share_pct"`
	InvestedSharePct    *decimal.Decimal `json:"invested_share_pct"`
	HoldingCount        int              `json:"holding_count"`
	TopHolding          *TopHolding      `json:"top_holding,omitempty"`
	LatestWin           *LatestWin       `json:"latest_win,omitempty"`
}

type LeaderboardRow struct {
	Rank          int64           `json:"rank"`
	UserID        string          `json:"user_id"`
	Username      string          `json:"username"`
	NetWorth      decimal.Decimal `json:"net_worth"`
	LiquidFlags   decimal.Decimal `json:"liquid_flags"`
	HoldingsValue decimal.Decimal `json:"holdings_value"`
	HoldingCount  int             `json:"holding_count"`
}

type PlayerStats struct {
	PlayerID        string          `json:"player_id"`
	PlayerName      string          `json:"player_name"`
	Active          bool            `json:"active"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	HolderCount     int64           `json:"holder_count"`
	TotalUnits      decimal.Decimal `json:"total_units"`
	InvestedCapital decimal.Decimal `json:"invested_capital"`
}

type Availability struct {
	UserID           string          `json:"user_id"`
	PlayerID         string          `json:"player_id"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	LiquidFlags      decimal.Decimal `json:"liquid_flags"`
	PendingBuyFlags  decimal.Decimal `json:"pending_buy_flags"`
	AvailableFlags   decimal.Decimal `json:"available_flags"`
	HeldUnits        decimal.Decimal `json:"held_units"`
	PendingSellUnits decimal.Decimal `json:"pending_sell_units"`
	AvailableUnits   decimal.Decimal `json:"available_units"`
}
