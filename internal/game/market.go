package game

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"flagplant/internal/ledger"
)

type PlayerInput struct {
	ID              string
	Name            string
	Active          bool
	SeedPrice       decimal.Decimal
	BaselineCapital decimal.Decimal
}

// UpsertPlayer lists a player or updates its name, active flag and baseline
// capital. The price of an existing player is never touched here.
func (s *Service) UpsertPlayer(ctx context.Context, in PlayerInput) (ledger.Player, error) {
	if err := validateID("player_id", in.ID); err != nil {
		return ledger.Player{}, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return ledger.Player{}, invalid("name", "is required")
	}
	if in.BaselineCapital.IsNegative() {
		return ledger.Player{}, invalid("baseline_capital", "must be >= 0")
	}

	var out ledger.Player
	err := s.withTx(ctx, func(tx ledger.Tx) error {
		now := s.now().UTC()
		existing, err := tx.Player(ctx, in.ID)
		switch {
		case err == nil:
			out = existing
		case errors.Is(err, ledger.ErrNotFound):
			if err := validatePositive("seed_price", in.SeedPrice); err != nil {
				return err
			}
			seed := round(in.SeedPrice)
			out = ledger.Player{ID: in.ID, SeedPrice: seed, CurrentPrice: seed}
		default:
			return err
		}
		out.Name = in.Name
		out.Active = in.Active
		out.BaselineCapital = round(in.BaselineCapital)
		out.UpdatedAt = now
		return tx.UpsertPlayer(ctx, out)
	})
	return out, err
}

func (s *Service) ListPlayers(ctx context.Context, activeOnly bool) ([]ledger.Player, error) {
	var out []ledger.Player
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		out, err = tx.Players(ctx, activeOnly)
		return err
	})
	return out, err
}

// GetPlayerMarketStats reports holders and invested capital at current prices per player.
func (s *Service) GetPlayerMarketStats(ctx context.Context) ([]PlayerStats, error) {
	var out []PlayerStats
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		players, err := tx.Players(ctx, false)
		if err != nil {
			return err
		}
		holdings, err := tx.AllHoldings(ctx)
		if err != nil {
			return err
		}
		stats := make(map[string]*PlayerStats, len(players))
		for _, p := range players {
			stats[p.ID] = &PlayerStats{
				PlayerID:        p.ID,
				PlayerName:      p.Name,
				Active:          p.Active,
				CurrentPrice:    p.CurrentPrice,
				TotalUnits:      decimal.Zero,
				InvestedCapital: decimal.Zero,
			}
		}
		for _, h := range holdings {
			st, ok := stats[h.PlayerID]
			if !ok {
				continue
			}
			st.HolderCount++
			st.TotalUnits = st.TotalUnits.Add(h.Units)
		}
		for _, p := range players {
			st := stats[p.ID]
			st.InvestedCapital = round(st.TotalUnits.Mul(p.CurrentPrice))
			out = append(out, *st)
		}
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].InvestedCapital.GreaterThan(out[j].InvestedCapital)
		})
		return nil
	})
	return out, err
}

// GetPlayerPriceHistory returns repricing rows, newest first.
func (s *Service) GetPlayerPriceHistory(ctx context.Context, playerID string, limit int) ([]ledger.PriceHistory, error) {
	if err := validateID("player_id", playerID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 365 {
		limit = 30
	}
	var out []ledger.PriceHistory
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		if _, err := tx.Player(ctx, playerID); err != nil {
			return lookupErr(err, ErrPlayerNotFound)
		}
		var err error
		out, err = tx.PriceSeries(ctx, playerID, limit)
		return err
	})
	return out, err
}

// GetTradingAvailability reports what the user can still commit to new
// orders on a player, net of pending orders.
func (s *Service) GetTradingAvailability(ctx context.Context, userID, playerID string) (Availability, error) {
	out := Availability{UserID: userID, PlayerID: playerID}
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		player, err := tx.Player(ctx, playerID)
		if err != nil {
			return lookupErr(err, ErrPlayerNotFound)
		}
		w, err := tx.Wallet(ctx, userID)
		if err != nil {
			return lookupErr(err, ErrUserNotFound)
		}
		buys, err := tx.PendingOrders(ctx, ledger.PendingFilter{Side: ledger.SideBuy, UserID: userID})
		if err != nil {
			return err
		}
		sells, err := tx.PendingOrders(ctx, ledger.PendingFilter{Side: ledger.SideSell, UserID: userID, PlayerID: playerID})
		if err != nil {
			return err
		}
		held := decimal.Zero
		h, err := tx.Holding(ctx, userID, playerID)
		switch {
		case err == nil:
			held = h.Units
		case !errors.Is(err, ledger.ErrNotFound):
			return err
		}

		out.CurrentPrice = player.CurrentPrice
		out.LiquidFlags = w.LiquidFlags
		out.PendingBuyFlags = sumFlags(buys)
		out.AvailableFlags = decimal.Max(w.LiquidFlags.Sub(out.PendingBuyFlags), decimal.Zero)
		out.HeldUnits = held
		out.PendingSellUnits = sumUnits(sells)
		out.AvailableUnits = decimal.Max(held.Sub(out.PendingSellUnits), decimal.Zero)
		return nil
	})
	return out, err
}

// ListUserOrders lists a user's orders newest first, optionally by status.
func (s *Service) ListUserOrders(ctx context.Context, userID string, status ledger.OrderStatus, limit int) ([]ledger.Order, error) {
	switch status {
	case "", ledger.StatusPending, ledger.StatusExecuted, ledger.StatusCancelled, ledger.StatusFailed:
	default:
		return nil, invalid("status", "must be pending, executed, cancelled or failed")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []ledger.Order
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		out, err = tx.Orders(ctx, ledger.OrderFilter{UserID: userID, Status: status, Limit: limit})
		return err
	})
	return out, err
}

// PreviewPendingBuyOrders aggregates the buys the next clearing of tradeDate would see, per user.
func (s *Service) PreviewPendingBuyOrders(ctx context.Context, tradeDate time.Time) ([]PendingBuySummary, error) {
	day := s.tradeDateOrToday(tradeDate)
	var out []PendingBuySummary
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		orders, err := tx.PendingOrders(ctx, ledger.PendingFilter{Side: ledger.SideBuy, ThroughDate: day})
		if err != nil {
			return err
		}
		byUser := map[string]*PendingBuySummary{}
		var ids []string
		for _, o := range orders {
			row, ok := byUser[o.UserID]
			if !ok {
				row = &PendingBuySummary{UserID: o.UserID, PendingFlagsTotal: decimal.Zero}
				byUser[o.UserID] = row
				ids = append(ids, o.UserID)
			}
			row.PendingOrderCount++
			row.PendingFlagsTotal = row.PendingFlagsTotal.Add(o.FlagsAmount)
		}
		names, err := usernames(ctx, tx, ids)
		if err != nil {
			return err
		}
		for _, id := range ids {
			row := byUser[id]
			row.Username = names[id]
			out = append(out, *row)
		}
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].PendingFlagsTotal.GreaterThan(out[j].PendingFlagsTotal)
		})
		return nil
	})
	return out, err
}

// PreviewPendingSellOrders aggregates pending sells per user with the
// proceeds they would raise at current prices.
func (s *Service) PreviewPendingSellOrders(ctx context.Context, tradeDate time.Time) ([]PendingSellSummary, error) {
	day := s.tradeDateOrToday(tradeDate)
	var out []PendingSellSummary
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		orders, err := tx.PendingOrders(ctx, ledger.PendingFilter{Side: ledger.SideSell, ThroughDate: day})
		if err != nil {
			return err
		}
		players, err := tx.Players(ctx, false)
		if err != nil {
			return err
		}
		prices := playerIndex(players)
		byUser := map[string]*PendingSellSummary{}
		var ids []string
		for _, o := range orders {
			row, ok := byUser[o.UserID]
			if !ok {
				row = &PendingSellSummary{
					UserID:              o.UserID,
					PendingFlagsTotal:   decimal.Zero,
					PendingUnitsTotal:   decimal.Zero,
					EstimatedFlagsTotal: decimal.Zero,
				}
				byUser[o.UserID] = row
				ids = append(ids, o.UserID)
			}
			units := o.UnitsAmount.Decimal
			row.PendingOrderCount++
			row.PendingFlagsTotal = row.PendingFlagsTotal.Add(o.FlagsAmount)
			row.PendingUnitsTotal = row.PendingUnitsTotal.Add(units)
			row.EstimatedFlagsTotal = row.EstimatedFlagsTotal.Add(round(units.Mul(prices[o.PlayerID].CurrentPrice)))
		}
		names, err := usernames(ctx, tx, ids)
		if err != nil {
			return err
		}
		for _, id := range ids {
			row := byUser[id]
			row.Username = names[id]
			out = append(out, *row)
		}
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].EstimatedFlagsTotal.GreaterThan(out[j].EstimatedFlagsTotal)
		})
		return nil
	})
	return out, err
}
