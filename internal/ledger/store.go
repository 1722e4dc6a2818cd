package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrSerialization        = errors.New("transaction serialization conflict")
	ErrReadOnly             = errors.New("write attempted in read-only transaction")
	ErrNegativeBalance      = errors.New("wallet balance would go negative")
	ErrDuplicateIdempotency = errors.New("duplicate idempotency key")
	ErrCloseInProgress      = errors.New("daily close already running for trade date")
	ErrAlreadyExists        = errors.New("row already exists")
)

// Store runs units of work against the ledger. InTx work is atomic and
// serializable; View work may not write.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
}

type Tx interface {
	EnsureUser(ctx context.Context, userID, username string, starterFlags decimal.Decimal, at time.Time) error
	Profile(ctx context.Context, userID string) (Profile, error)
	Profiles(ctx context.Context, userIDs []string) (map[string]Profile, error)

	Wallet(ctx context.Context, userID string) (Wallet, error)
	Wallets(ctx context.Context) ([]Wallet, error)
	// AdjustWallet adds delta (possibly negative) to the balance and
	// returns ErrNegativeBalance without writing if the result would be < 0.
	AdjustWallet(ctx context.Context, userID string, delta decimal.Decimal, at time.Time) (Wallet, error)

	Holding(ctx context.Context, userID, playerID string) (Holding, error)
	HoldingsByUser(ctx context.Context, userID string) ([]Holding, error)
	AllHoldings(ctx context.Context) ([]Holding, error)
	// SaveHolding upserts h, deleting the row when units fall to DustUnits or below.
	SaveHolding(ctx context.Context, h Holding) error

	Player(ctx context.Context, id string) (Player, error)
	Players(ctx context.Context, activeOnly bool) ([]Player, error)
	UpsertPlayer(ctx context.Context, p Player) error
	SetPlayerPrice(ctx context.Context, id string, price decimal.Decimal, at time.Time) error

	ClaimIdempotency(ctx context.Context, userID, key, action string) error
	InsertOrder(ctx context.Context, o Order) (Order, error)
	Order(ctx context.Context, id string) (Order, error)
	Orders(ctx context.Context, f OrderFilter) ([]Order, error)
	PendingOrders(ctx context.Context, f PendingFilter) ([]Order, error)
	// SettleOrder moves a pending order to s.Status. It reports false when the
	// order was no longer pending.
	SettleOrder(ctx context.Context, s Settlement) (bool, error)
	// ExecutedFlow sums flags_amount of the player's orders executed by the
	// close of date, per side.
	ExecutedFlow(ctx context.Context, playerID string, date time.Time) (buys, sells decimal.Decimal, err error)

	PriceHistory(ctx context.Context, playerID string, date time.Time) (PriceHistory, error)
	PriceSeries(ctx context.Context, playerID string, limit int) ([]PriceHistory, error)
	PriceHistoryCount(ctx context.Context, date time.Time) (int64, error)
	InsertPriceHistory(ctx context.Context, h PriceHistory) error
	InsertPriceOverride(ctx context.Context, o PriceOverride) error

	VoteTallies(ctx context.Context, date time.Time) ([]VoteTally, error)
	OpinionBodies(ctx context.Context, opinionIDs []string) (map[string]string, error)

	Publications(ctx context.Context, date time.Time) ([]WinnerPublication, error)
	PublicationsSince(ctx context.Context, since time.Time) ([]WinnerPublication, error)
	LatestPublicationForUser(ctx context.Context, userID string) (WinnerPublication, error)
	InsertPublication(ctx context.Context, p WinnerPublication) error

	CloseRun(ctx context.Context, date time.Time) (CloseRun, error)
	// ClaimCloseRun marks date as running under runID. A running marker older
	// than staleAfter is taken over; a fresher one yields ErrCloseInProgress.
	ClaimCloseRun(ctx context.Context, date time.Time, runID string, at time.Time, staleAfter time.Duration) error
	FinishCloseRun(ctx context.Context, date time.Time, runID, status string, at time.Time) error
	CloseSteps(ctx context.Context, date time.Time) ([]CloseJobStep, error)
	SaveCloseStep(ctx context.Context, s CloseJobStep) error

	// InsertPortfolioSnapshot writes s unless a row for (user, date) exists.
	InsertPortfolioSnapshot(ctx context.Context, s PortfolioSnapshot) (bool, error)
	PortfolioSnapshotCount(ctx context.Context, date time.Time) (int64, error)
	PortfolioHistory(ctx context.Context, userID string, since time.Time) ([]PortfolioSnapshot, error)
}
