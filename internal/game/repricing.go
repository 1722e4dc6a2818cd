package game

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flagplant/internal/ledger"
)

// repriceInputs is everything the price formula reads for one player.
type repriceInputs struct {
	player     ledger.Player
	buyFlags   decimal.Decimal
	sellFlags  decimal.Decimal
	totalUnits decimal.Decimal
}

// reprice derives the post-close price. Preview and apply both call it with
// the same inputs, so a preview always matches what apply would write.
func reprice(in repriceInputs, day time.Time, p Params) RepricingRow {
	pre := in.player.CurrentPrice
	net := in.buyFlags.Sub(in.sellFlags)
	invested := round(in.totalUnits.Mul(pre))
	effective := in.player.BaselineCapital.Add(invested)

	ratio := decimal.Zero
	if effective.IsPositive() {
		ratio = net.Div(effective)
	}
	bounded := clamp(ratio, p.MultiplierFloor, p.MultiplierCeiling)
	multiplier := round(decimal.NewFromInt(1).Add(bounded))
	post := decimal.Max(round(pre.Mul(multiplier)), p.MinPrice)

	return RepricingRow{
		PlayerID:         in.player.ID,
		PlayerName:       in.player.Name,
		SnapshotDate:     day.Format(ledger.DateLayout),
		PrePrice:         pre,
		PostPrice:        post,
		BuyFlags:         in.buyFlags,
		SellFlags:        in.sellFlags,
		NetFlowFlags:     net,
		TotalUnits:       in.totalUnits,
		InvestedCapital:  invested,
		EffectiveCapital: effective,
		PriceMultiplier:  multiplier,
		Clamped:          !bounded.Equal(ratio),
	}
}

func historyRow(p ledger.Player, h ledger.PriceHistory) RepricingRow {
	return RepricingRow{
		PlayerID:         p.ID,
		PlayerName:       p.Name,
		SnapshotDate:     h.SnapshotDate.Format(ledger.DateLayout),
		PrePrice:         h.PrePrice,
		PostPrice:        h.PostPrice,
		NetFlowFlags:     h.NetFlowFlags,
		TotalUnits:       h.TotalUnits,
		InvestedCapital:  h.EffectiveCapital.Sub(p.BaselineCapital),
		EffectiveCapital: h.EffectiveCapital,
		PriceMultiplier:  h.PriceMultiplier,
		AlreadyApplied:   true,
	}
}

func (s *Service) repricingRows(ctx context.Context, tx ledger.Tx, day time.Time) ([]RepricingRow, error) {
	players, err := tx.Players(ctx, true)
	if err != nil {
		return nil, err
	}
	holdings, err := tx.AllHoldings(ctx)
	if err != nil {
		return nil, err
	}
	units := map[string]decimal.Decimal{}
	for _, h := range holdings {
		units[h.PlayerID] = units[h.PlayerID].Add(h.Units)
	}

	rows := make([]RepricingRow, 0, len(players))
	for _, p := range players {
		existing, err := tx.PriceHistory(ctx, p.ID, day)
		if err == nil {
			rows = append(rows, historyRow(p, existing))
			continue
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return nil, err
		}
		buys, sells, err := tx.ExecutedFlow(ctx, p.ID, day)
		if err != nil {
			return nil, err
		}
		rows = append(rows, reprice(repriceInputs{
			player:     p,
			buyFlags:   buys,
			sellFlags:  sells,
			totalUnits: units[p.ID],
		}, day, s.params))
	}
	return rows, nil
}

// PreviewPlayerRepricing computes the repricing of every active player for
// tradeDate without writing anything.
func (s *Service) PreviewPlayerRepricing(ctx context.Context, tradeDate time.Time) ([]RepricingRow, error) {
	day := s.tradeDateOrToday(tradeDate)
	var rows []RepricingRow
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		rows, err = s.repricingRows(ctx, tx, day)
		return err
	})
	return rows, err
}

// ApplyPlayerRepricing writes the previewed prices and one history row per
// player. Players already repriced for tradeDate are returned untouched.
func (s *Service) ApplyPlayerRepricing(ctx context.Context, tradeDate time.Time) ([]RepricingRow, error) {
	day := s.tradeDateOrToday(tradeDate)
	var rows []RepricingRow
	err := s.withTx(ctx, func(tx ledger.Tx) error {
		var err error
		rows, err = s.repricingRows(ctx, tx, day)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		for _, r := range rows {
			if r.AlreadyApplied {
				continue
			}
			if err := tx.SetPlayerPrice(ctx, r.PlayerID, r.PostPrice, now); err != nil {
				return err
			}
			if err := tx.InsertPriceHistory(ctx, ledger.PriceHistory{
				PlayerID:         r.PlayerID,
				SnapshotDate:     day,
				PrePrice:         r.PrePrice,
				PostPrice:        r.PostPrice,
				NetFlowFlags:     r.NetFlowFlags,
				TotalUnits:       r.TotalUnits,
				EffectiveCapital: r.EffectiveCapital,
				PriceMultiplier:  r.PriceMultiplier,
				CreatedAt:        now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("repricing applied", "trade_date", day.Format(ledger.DateLayout), "players", countApplied(rows))
	return rows, nil
}

func countApplied(rows []RepricingRow) int64 {
	var n int64
	for _, r := range rows {
		if !r.AlreadyApplied {
			n++
		}
	}
	return n
}

// OverridePlayerPrice sets a price by hand. It bypasses the multiplier and
// writes an audit row instead of a price history row.
func (s *Service) OverridePlayerPrice(ctx context.Context, in PriceOverrideInput) (ledger.PriceOverride, error) {
	var out ledger.PriceOverride
	if err := validateID("player_id", in.PlayerID); err != nil {
		return out, err
	}
	if err := validatePositive("new_price", in.NewPrice); err != nil {
		return out, err
	}
	in.Reason = strings.TrimSpace(in.Reason)
	if in.Reason == "" {
		return out, invalid("reason", "is required")
	}
	if err := validateID("actor", in.Actor); err != nil {
		return out, err
	}

	err := s.withTx(ctx, func(tx ledger.Tx) error {
		p, err := tx.Player(ctx, in.PlayerID)
		if err != nil {
			return lookupErr(err, ErrPlayerNotFound)
		}
		now := s.now().UTC()
		price := round(in.NewPrice)
		if err := tx.SetPlayerPrice(ctx, p.ID, price, now); err != nil {
			return err
		}
		out = ledger.PriceOverride{
			ID:            uuid.NewString(),
			PlayerID:      p.ID,
			PreviousPrice: p.CurrentPrice,
			NewPrice:      price,
			Reason:        in.Reason,
			Actor:         in.Actor,
			CreatedAt:     now,
		}
		return tx.InsertPriceOverride(ctx, out)
	})
	if err != nil {
		return ledger.PriceOverride{}, err
	}
	s.log.Warn("player price overridden",
		"player_id", out.PlayerID,
		"previous_price", out.PreviousPrice,
		"new_price", out.NewPrice,
		"actor", out.Actor,
		"reason", out.Reason,
	)
	return out, nil
}
