package game

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"flagplant/internal/ledger"
)

func (in *OrderInput) validate() error {
	if err := validateID("user_id", in.UserID); err != nil {
		return err
	}
	if err := validateID("player_id", in.PlayerID); err != nil {
		return err
	}
	return validatePositive("flags_amount", in.FlagsAmount)
}

// PlaceBuyOrder admits a pending buy sized in flags. Units are fixed at
// clearing against the clearing-time price. Nothing is reserved on the
// wallet; availability is recomputed from pending orders on every call.
func (s *Service) PlaceBuyOrder(ctx context.Context, in OrderInput) (OrderResult, error) {
	var out OrderResult
	if err := in.validate(); err != nil {
		return out, err
	}
	flags := round(in.FlagsAmount)
	tradeDate := s.tradeDateOrToday(in.TradeDate)

	err := s.withTx(ctx, func(tx ledger.Tx) error {
		if in.IdempotencyKey != "" {
			if err := tx.ClaimIdempotency(ctx, in.UserID, in.IdempotencyKey, "buy"); err != nil {
				return err
			}
		}
		player, err := tx.Player(ctx, in.PlayerID)
		if err != nil {
			return lookupErr(err, ErrPlayerNotFound)
		}
		if !player.Active {
			return ErrPlayerInactive
		}
		wallet, err := tx.Wallet(ctx, in.UserID)
		if err != nil {
			return lookupErr(err, ErrUserNotFound)
		}
		pending, err := tx.PendingOrders(ctx, ledger.PendingFilter{Side: ledger.SideBuy, UserID: in.UserID})
		if err != nil {
			return err
		}
		available := wallet.LiquidFlags.Sub(sumFlags(pending))
		if flags.GreaterThan(available) {
			return fmt.Errorf("%w: requested %s flags, available %s", ErrInsufficientFunds, flags, decimal.Max(available, decimal.Zero))
		}

		o, err := tx.InsertOrder(ctx, ledger.Order{
			UserID:      in.UserID,
			PlayerID:    player.ID,
			Side:        ledger.SideBuy,
			Status:      ledger.StatusPending,
			FlagsAmount: flags,
			TradeDate:   tradeDate,
			CreatedAt:   s.now().UTC(),
		})
		if err != nil {
			return err
		}
		out = orderResult(o, player.CurrentPrice)
		out.AvailableAfter = available.Sub(flags)
		return nil
	})
	if err != nil {
		return OrderResult{}, err
	}
	s.log.Info("buy order admitted", "order_id", out.OrderID, "user_id", in.UserID, "player_id", in.PlayerID, "flags", out.FlagsAmount)
	return out, nil
}

// PlaceSellOrder admits a pending sell. The unit amount is estimated from
// the current price and stays fixed through clearing.
func (s *Service) PlaceSellOrder(ctx context.Context, in OrderInput) (OrderResult, error) {
	var out OrderResult
	if err := in.validate(); err != nil {
		return out, err
	}
	flags := round(in.FlagsAmount)
	tradeDate := s.tradeDateOrToday(in.TradeDate)

	err := s.withTx(ctx, func(tx ledger.Tx) error {
		if in.IdempotencyKey != "" {
			if err := tx.ClaimIdempotency(ctx, in.UserID, in.IdempotencyKey, "sell"); err != nil {
				return err
			}
		}
		player, err := tx.Player(ctx, in.PlayerID)
		if err != nil {
			return lookupErr(err, ErrPlayerNotFound)
		}
		if _, err := tx.Wallet(ctx, in.UserID); err != nil {
			return lookupErr(err, ErrUserNotFound)
		}
		units := round(flags.Div(player.CurrentPrice))
		if !units.IsPositive() {
			return invalid("flags_amount", "converts to zero units at the current price")
		}

		held := decimal.Zero
		h, err := tx.Holding(ctx, in.UserID, in.PlayerID)
		switch {
		case err == nil:
			held = h.Units
		case !errors.Is(err, ledger.ErrNotFound):
			return err
		}
		pending, err := tx.PendingOrders(ctx, ledger.PendingFilter{Side: ledger.SideSell, UserID: in.UserID, PlayerID: in.PlayerID})
		if err != nil {
			return err
		}
		available := held.Sub(sumUnits(pending))
		if units.GreaterThan(available) {
			// Rounding on a full exit can overshoot by a hair; sell what is there.
			if available.IsPositive() && units.Sub(available).LessThanOrEqual(ledger.DustUnits) {
				units = available
			} else {
				return fmt.Errorf("%w: requested %s units, available %s", ErrInsufficientUnits, units, decimal.Max(available, decimal.Zero))
			}
		}

		o, err := tx.InsertOrder(ctx, ledger.Order{
			UserID:      in.UserID,
			PlayerID:    player.ID,
			Side:        ledger.SideSell,
			Status:      ledger.StatusPending,
			FlagsAmount: flags,
			UnitsAmount: decimal.NewNullDecimal(units),
			TradeDate:   tradeDate,
			CreatedAt:   s.now().UTC(),
		})
		if err != nil {
			return err
		}
		out = orderResult(o, player.CurrentPrice)
		out.AvailableAfter = available.Sub(units)
		return nil
	})
	if err != nil {
		return OrderResult{}, err
	}
	s.log.Info("sell order admitted", "order_id", out.OrderID, "user_id", in.UserID, "player_id", in.PlayerID, "units", out.UnitsAmount.Decimal)
	return out, nil
}

// CancelPendingOrder cancels a pending order owned by actorID (or any order
// for an admin). It reports false when the order was already processed.
func (s *Service) CancelPendingOrder(ctx context.Context, actorID, orderID string) (bool, error) {
	if err := validateID("order_id", orderID); err != nil {
		return false, err
	}
	var cancelled bool
	err := s.withTx(ctx, func(tx ledger.Tx) error {
		cancelled = false
		o, err := tx.Order(ctx, orderID)
		if err != nil {
			return lookupErr(err, ErrOrderNotFound)
		}
		if o.UserID != actorID {
			p, err := tx.Profile(ctx, actorID)
			if err != nil || p.Role != ledger.RoleAdmin {
				return ErrForbidden
			}
		}
		now := s.now().UTC()
		cancelled, err = tx.SettleOrder(ctx, ledger.Settlement{
			OrderID: o.ID,
			Status:  ledger.StatusCancelled,
			Note:    "cancelled by " + actorID,
			At:      now,
		})
		return err
	})
	if err != nil {
		return false, err
	}
	s.log.Info("cancel pending order", "order_id", orderID, "actor", actorID, "cancelled", cancelled)
	return cancelled, nil
}

func orderResult(o ledger.Order, price decimal.Decimal) OrderResult {
	return OrderResult{
		OrderID:      o.ID,
		UserID:       o.UserID,
		PlayerID:     o.PlayerID,
		Side:         o.Side,
		Status:       o.Status,
		FlagsAmount:  o.FlagsAmount,
		UnitsAmount:  o.UnitsAmount,
		PriceAtEntry: price,
		TradeDate:    o.TradeDate.Format(ledger.DateLayout),
	}
}

func sumFlags(orders []ledger.Order) decimal.Decimal {
	total := decimal.Zero
	for _, o := range orders {
		total = total.Add(o.FlagsAmount)
	}
	return total
}

func sumUnits(orders []ledger.Order) decimal.Decimal {
	total := decimal.Zero
	for _, o := range orders {
		if o.UnitsAmount.Valid {
			total = total.Add(o.UnitsAmount.Decimal)
		}
	}
	return total
}

// lookupErr maps a ledger miss to the domain error for the missing entity.
func lookupErr(err, domain error) error {
	if errors.Is(err, ledger.ErrNotFound) {
		return domain
	}
	return err
}
