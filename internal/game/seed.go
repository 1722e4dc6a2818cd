package game

import (
	"context"

	"github.com/shopspring/decimal"

	"flagplant/internal/ledger"
)

// SeedDefaults lists the starter roster when no players exist yet.
func (s *Service) SeedDefaults(ctx context.Context) error {
	existing, err := s.ListPlayers(ctx, false)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	seed := []struct {
		ID       string
		Name     string
		Price    int64
		Baseline int64
	}{
		{"ace-ramos", "Ace Ramos", 12, 5000},
		{"bree-okafor", "Bree Okafor", 10, 5000},
		{"cal-lindqvist", "Cal Lindqvist", 8, 4000},
		{"dee-marchetti", "Dee Marchetti", 15, 6000},
		{"eli-park", "Eli Park", 9, 4000},
		{"faye-dubois", "Faye Dubois", 11, 5000},
		{"gus-nakamura", "Gus Nakamura", 7, 3500},
		{"hana-silva", "Hana Silva", 14, 6000},
	}
	return s.withTx(ctx, func(tx ledger.Tx) error {
		now := s.now().UTC()
		for _, row := range seed {
			price := decimal.NewFromInt(row.Price)
			if err := tx.UpsertPlayer(ctx, ledger.Player{
				ID:              row.ID,
				Name:            row.Name,
				Active:          true,
				SeedPrice:       price,
				CurrentPrice:    price,
				BaselineCapital: decimal.NewFromInt(row.Baseline),
				UpdatedAt:       now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}
