package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

func (s OrderSide) Valid() bool {
	return s == SideBuy || s == SideSell
}

type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusExecuted  OrderStatus = "executed"
	StatusCancelled OrderStatus = "cancelled"
	StatusFailed    OrderStatus = "failed"
)

// Terminal reports whether no further transition is legal from s.
func (s OrderStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusCancelled || s == StatusFailed
}

type StepStatus string

const (
	StepQueued  StepStatus = "queued"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// DustUnits is the holding size at or below which a position is treated as closed.
var DustUnits = decimal.New(1, -6)

type Profile struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type Wallet struct {
	UserID      string          `json:"user_id"`
	LiquidFlags decimal.Decimal `json:"liquid_flags"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type Holding struct {
	UserID       string          `json:"user_id"`
	PlayerID     string          `json:"player_id"`
	Units        decimal.Decimal `json:"units"`
	AvgCostBasis decimal.Decimal `json:"avg_cost_basis"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type Player struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Active          bool            `json:"active"`
	SeedPrice       decimal.Decimal `json:"seed_price"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	BaselineCapital decimal.Decimal `json:"baseline_capital"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type Order struct {
	ID           string              `json:"id"`
	Seq          int64               `json:"-"`
	UserID       string              `json:"user_id"`
	PlayerID     string              `json:"player_id"`
	Side         OrderSide           `json:"order_type"`
	Status       OrderStatus         `json:"status"`
	FlagsAmount  decimal.Decimal     `json:"flags_amount"`
	UnitsAmount  decimal.NullDecimal `json:"units_amount"`
	SettledFlags decimal.NullDecimal `json:"settled_flags"`
	TradeDate    time.Time           `json:"trade_date"`
	SettledDate  *time.Time          `json:"settled_date,omitempty"`
	Note         string              `json:"note,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	ExecutedAt   *time.Time          `json:"executed_at,omitempty"`
}

// Settlement is the single transition applied to a pending order.
type Settlement struct {
	OrderID      string
	Status       OrderStatus
	UnitsAmount  decimal.NullDecimal
	SettledFlags decimal.NullDecimal
	SettledDate  *time.Time
	Note         string
	At           time.Time
}

type PendingFilter struct {
	Side        OrderSide
	ThroughDate time.Time
	UserID      string
	PlayerID    string
}

type OrderFilter struct {
	UserID string
	Status OrderStatus
	Limit  int
}

type PriceHistory struct {
	PlayerID         string          `json:"player_id"`
	SnapshotDate     time.Time       `json:"snapshot_date"`
	PrePrice         decimal.Decimal `json:"pre_price"`
	PostPrice        decimal.Decimal `json:"post_price"`
	NetFlowFlags     decimal.Decimal `json:"net_flow_flags"`
	TotalUnits       decimal.Decimal `json:"total_units"`
	EffectiveCapital decimal.Decimal `json:"effective_capital"`
	PriceMultiplier  decimal.Decimal `json:"price_multiplier"`
	CreatedAt        time.Time       `json:"created_at"`
}

type PriceOverride struct {
	ID            string          `json:"id"`
	PlayerID      string          `json:"player_id"`
	PreviousPrice decimal.Decimal `json:"previous_price"`
	NewPrice      decimal.Decimal `json:"new_price"`
	Reason        string          `json:"reason"`
	Actor         string          `json:"actor"`
	CreatedAt     time.Time       `json:"created_at"`
}

// VoteTally is one opinion's vote count for a date, as reported by the voting tables.
type VoteTally struct {
	OpinionID   string    `json:"opinion_id"`
	UserID      string    `json:"user_id"`
	Body        string    `json:"body"`
	Votes       int64     `json:"votes"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type WinnerPublication struct {
	WinnerDate    time.Time       `json:"winner_date"`
	Rank          int             `json:"rank"`
	UserID        string          `json:"user_id"`
	OpinionID     string          `json:"opinion_id"`
	VotesReceived int64           `json:"votes_received"`
	RewardFlags   decimal.Decimal `json:"reward_flags"`
	PublishedAt   time.Time       `json:"published_at"`
}

type CloseJobStep struct {
	TradeDate     time.Time  `json:"trade_date"`
	Step          string     `json:"step"`
	Status        StepStatus `json:"status"`
	Detail        string     `json:"detail"`
	AffectedCount int64      `json:"affected_count"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

type CloseRun struct {
	TradeDate  time.Time  `json:"trade_date"`
	RunID      string     `json:"run_id"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

const (
	RunRunning  = "running"
	RunFinished = "finished"
	RunFailed   = "failed"
)

type SnapshotHolding struct {
	PlayerID   string          `json:"player_id"`
	PlayerName string          `json:"player_name"`
	Units      decimal.Decimal `json:"units"`
	Value      decimal.Decimal `json:"value"`
}

type PortfolioSnapshot struct {
	UserID              string            `json:"user_id"`
	SnapDate            time.Time         `json:"snap_date"`
	UnplantedFlagsClose decimal.Decimal   `json:"unplanted_flags_close"`
	PlantedValueClose   decimal.Decimal   `json:"planted_value_close"`
	TotalValueClose     decimal.Decimal   `json:"total_value_close"`
	Holdings            []SnapshotHolding `json:"holdings"`
	CreatedAt           time.Time         `json:"created_at"`
}

// CivilDate truncates t to midnight UTC of its calendar date.
func CivilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

const DateLayout = "2006-01-02"
