package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"flagplant/internal/ledger"
)

const noteAlreadyProcessed = "already processed"

// errLostRace aborts a settlement transaction whose order left pending underneath it.
var errLostRace = errors.New("order left pending state during settlement")

// ClearPendingOrders settles every pending order of one side with a trade
// date on or before tradeDate, oldest first. Each order commits on its own:
// a business failure marks that order failed and the batch moves on.
// Infrastructure errors leave the order pending and are counted as deferred.
func (s *Service) ClearPendingOrders(ctx context.Context, side ledger.OrderSide, tradeDate time.Time) (ClearingSummary, error) {
	if !side.Valid() {
		return ClearingSummary{}, invalid("order_type", "must be buy or sell")
	}
	day := s.tradeDateOrToday(tradeDate)
	out := ClearingSummary{Side: side, TradeDate: day.Format(ledger.DateLayout), Rows: []ClearingRow{}}

	var pending []ledger.Order
	if err := s.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		pending, err = tx.PendingOrders(ctx, ledger.PendingFilter{Side: side, ThroughDate: day})
		return err
	}); err != nil {
		return out, err
	}

	for _, o := range pending {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		var row ClearingRow
		err := s.withTx(ctx, func(tx ledger.Tx) error {
			var err error
			row, err = s.settleOne(ctx, tx, o.ID, day)
			return err
		})
		switch {
		case err == nil:
		case errors.Is(err, errLostRace):
			row = clearingRow(o, ledger.StatusPending, noteAlreadyProcessed)
		case ctx.Err() != nil:
			return out, err
		default:
			s.log.Warn("order settlement deferred", "order_id", o.ID, "order_type", side, "err", err)
			row = clearingRow(o, ledger.StatusPending, "deferred: "+err.Error())
			out.Deferred++
			out.Rows = append(out.Rows, row)
			continue
		}

		switch {
		case row.Note == noteAlreadyProcessed:
			out.Skipped++
		case row.Status == ledger.StatusExecuted:
			out.Executed++
		case row.Status == ledger.StatusFailed:
			out.Failed++
			s.log.Warn("order failed at clearing", "order_id", row.OrderID, "user_id", row.UserID, "note", row.Note)
		}
		out.Rows = append(out.Rows, row)
	}

	s.log.Info("clearing finished",
		"order_type", side,
		"trade_date", out.TradeDate,
		"executed", out.Executed,
		"failed", out.Failed,
		"skipped", out.Skipped,
		"deferred", out.Deferred,
	)
	return out, nil
}

func (s *Service) settleOne(ctx context.Context, tx ledger.Tx, orderID string, day time.Time) (ClearingRow, error) {
	o, err := tx.Order(ctx, orderID)
	if err != nil {
		return ClearingRow{}, err
	}
	if o.Status != ledger.StatusPending {
		return clearingRow(o, o.Status, noteAlreadyProcessed), nil
	}
	switch o.Side {
	case ledger.SideBuy:
		return s.settleBuy(ctx, tx, o, day)
	case ledger.SideSell:
		return s.settleSell(ctx, tx, o, day)
	default:
		return s.failOrder(ctx, tx, o, "unknown order type "+string(o.Side))
	}
}

func (s *Service) settleBuy(ctx context.Context, tx ledger.Tx, o ledger.Order, day time.Time) (ClearingRow, error) {
	player, err := tx.Player(ctx, o.PlayerID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return s.failOrder(ctx, tx, o, "player not found")
		}
		return ClearingRow{}, err
	}
	if !player.Active {
		return s.failOrder(ctx, tx, o, "player is not active")
	}
	wallet, err := tx.Wallet(ctx, o.UserID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return s.failOrder(ctx, tx, o, "wallet not found")
		}
		return ClearingRow{}, err
	}
	if o.FlagsAmount.GreaterThan(wallet.LiquidFlags) {
		return s.failOrder(ctx, tx, o, fmt.Sprintf("insufficient funds: needs %s, wallet holds %s", o.FlagsAmount, wallet.LiquidFlags))
	}
	fill := round(o.FlagsAmount.Div(player.CurrentPrice))
	if !fill.IsPositive() {
		return s.failOrder(ctx, tx, o, "fill rounds to zero units at price "+player.CurrentPrice.String())
	}

	now := s.now().UTC()
	if _, err := tx.AdjustWallet(ctx, o.UserID, o.FlagsAmount.Neg(), now); err != nil {
		return ClearingRow{}, err
	}
	h, err := tx.Holding(ctx, o.UserID, o.PlayerID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return ClearingRow{}, err
	}
	if errors.Is(err, ledger.ErrNotFound) {
		h = ledger.Holding{UserID: o.UserID, PlayerID: o.PlayerID, Units: decimal.Zero, AvgCostBasis: decimal.Zero}
	}
	h.AvgCostBasis = weightedAverageCost(h.Units, h.AvgCostBasis, o.FlagsAmount, fill)
	h.Units = h.Units.Add(fill)
	h.UpdatedAt = now
	if err := tx.SaveHolding(ctx, h); err != nil {
		return ClearingRow{}, err
	}

	return s.executeOrder(ctx, tx, o, fill, o.FlagsAmount, day, now)
}

func (s *Service) settleSell(ctx context.Context, tx ledger.Tx, o ledger.Order, day time.Time) (ClearingRow, error) {
	if !o.UnitsAmount.Valid || !o.UnitsAmount.Decimal.IsPositive() {
		return s.failOrder(ctx, tx, o, "sell order has no unit amount")
	}
	units := o.UnitsAmount.Decimal
	player, err := tx.Player(ctx, o.PlayerID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return s.failOrder(ctx, tx, o, "player not found")
		}
		return ClearingRow{}, err
	}
	h, err := tx.Holding(ctx, o.UserID, o.PlayerID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return ClearingRow{}, err
	}
	if errors.Is(err, ledger.ErrNotFound) || units.GreaterThan(h.Units) {
		held := decimal.Zero
		if err == nil {
			held = h.Units
		}
		return s.failOrder(ctx, tx, o, fmt.Sprintf("insufficient units: needs %s, holding %s", units, held))
	}

	now := s.now().UTC()
	proceeds := round(units.Mul(player.CurrentPrice))
	if _, err := tx.AdjustWallet(ctx, o.UserID, proceeds, now); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return s.failOrder(ctx, tx, o, "wallet not found")
		}
		return ClearingRow{}, err
	}
	h.Units = h.Units.Sub(units)
	h.UpdatedAt = now
	if err := tx.SaveHolding(ctx, h); err != nil {
		return ClearingRow{}, err
	}

	return s.executeOrder(ctx, tx, o, units, proceeds, day, now)
}

func (s *Service) executeOrder(ctx context.Context, tx ledger.Tx, o ledger.Order, units, settled decimal.Decimal, day, now time.Time) (ClearingRow, error) {
	ok, err := tx.SettleOrder(ctx, ledger.Settlement{
		OrderID:      o.ID,
		Status:       ledger.StatusExecuted,
		UnitsAmount:  decimal.NewNullDecimal(units),
		SettledFlags: decimal.NewNullDecimal(settled),
		SettledDate:  &day,
		At:           now,
	})
	if err != nil {
		return ClearingRow{}, err
	}
	if !ok {
		return ClearingRow{}, errLostRace
	}
	o.UnitsAmount = decimal.NewNullDecimal(units)
	o.SettledFlags = decimal.NewNullDecimal(settled)
	return clearingRow(o, ledger.StatusExecuted, ""), nil
}

func (s *Service) failOrder(ctx context.Context, tx ledger.Tx, o ledger.Order, note string) (ClearingRow, error) {
	ok, err := tx.SettleOrder(ctx, ledger.Settlement{
		OrderID: o.ID,
		Status:  ledger.StatusFailed,
		Note:    note,
		At:      s.now().UTC(),
	})
	if err != nil {
		return ClearingRow{}, err
	}
	if !ok {
		return ClearingRow{}, errLostRace
	}
	return clearingRow(o, ledger.StatusFailed, note), nil
}

func clearingRow(o ledger.Order, status ledger.OrderStatus, note string) ClearingRow {
	return ClearingRow{
		OrderID:      o.ID,
		UserID:       o.UserID,
		PlayerID:     o.PlayerID,
		Side:         o.Side,
		Status:       status,
		FlagsAmount:  o.FlagsAmount,
		UnitsAmount:  o.UnitsAmount,
		SettledFlags: o.SettledFlags,
		Note:         note,
	}
}
