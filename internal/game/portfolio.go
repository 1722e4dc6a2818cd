package game

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"flagplant/internal/ledger"
)

var holdingDisplayFloor = decimal.RequireFromString(HoldingDisplayFloor)

// valuePortfolio is the pure valuation of a wallet and its holdings at
// current prices. Holdings for unknown players are valued at zero.
func valuePortfolio(w ledger.Wallet, holdings []ledger.Holding, players map[string]ledger.Player) Portfolio {
	out := Portfolio{
		UserID:         w.UserID,
		LiquidFlags:    w.LiquidFlags,
		CostBasisValue: decimal.Zero,
		MarketValue:    decimal.Zero,
		Holdings:       make([]HoldingView, 0, len(holdings)),
	}
	for _, h := range holdings {
		p := players[h.PlayerID]
		cost := round(h.Units.Mul(h.AvgCostBasis))
		value := round(h.Units.Mul(p.CurrentPrice))
		out.Holdings = append(out.Holdings, HoldingView{
			PlayerID:            h.PlayerID,
			PlayerName:          p.Name,
			Units:               h.Units,
			AvgCostBasis:        h.AvgCostBasis,
			CurrentPrice:        p.CurrentPrice,
			CostBasisValue:      cost,
			MarketValue:         value,
			UnrealizedPnL:       value.Sub(cost),
			UnrealizedReturnPct: share(value.Sub(cost), cost),
		})
		out.CostBasisValue = out.CostBasisValue.Add(cost)
		out.MarketValue = out.MarketValue.Add(value)
	}
	sort.SliceStable(out.Holdings, func(i, j int) bool {
		return out.Holdings[i].MarketValue.GreaterThan(out.Holdings[j].MarketValue)
	})
	out.UnrealizedPnL = out.MarketValue.Sub(out.CostBasisValue)
	out.NetWorth = out.LiquidFlags.Add(out.MarketValue)
	out.LiquidSharePct = share(out.LiquidFlags, out.NetWorth)
	out.InvestedSharePct = share(out.MarketValue, out.NetWorth)
	return out
}

func playerIndex(players []ledger.Player) map[string]ledger.Player {
	out := make(map[string]ledger.Player, len(players))
	for _, p := range players {
		out[p.ID] = p
	}
	return out
}

func loadPortfolio(ctx context.Context, tx ledger.Tx, userID string) (Portfolio, error) {
	w, err := tx.Wallet(ctx, userID)
	if err != nil {
		return Portfolio{}, lookupErr(err, ErrUserNotFound)
	}
	holdings, err := tx.HoldingsByUser(ctx, userID)
	if err != nil {
		return Portfolio{}, err
	}
	players, err := tx.Players(ctx, false)
	if err != nil {
		return Portfolio{}, err
	}
	return valuePortfolio(w, holdings, playerIndex(players)), nil
}

// GetUserPortfolioSnapshot values the user's wallet and holdings at current prices.
func (s *Service) GetUserPortfolioSnapshot(ctx context.Context, userID string) (Portfolio, error) {
	var out Portfolio
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		out, err = loadPortfolio(ctx, tx, userID)
		return err
	})
	if err != nil {
		return Portfolio{}, err
	}
	s.rememberNetWorth(ctx, userID, out.NetWorth)
	return out, nil
}

func visibleHoldings(hs []HoldingView) []HoldingView {
	out := make([]HoldingView, 0, len(hs))
	for _, h := range hs {
		if h.Units.GreaterThan(holdingDisplayFloor) {
			out = append(out, h)
		}
	}
	return out
}

// GetPublicProfileSnapshot is the summary shown on another user's profile.
func (s *Service) GetPublicProfileSnapshot(ctx context.Context, userID string) (PublicProfile, error) {
	var out PublicProfile
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		profile, err := tx.Profile(ctx, userID)
		if err != nil {
			return lookupErr(err, ErrUserNotFound)
		}
		pf, err := loadPortfolio(ctx, tx, userID)
		if err != nil {
			return err
		}
		visible := visibleHoldings(pf.Holdings)
		out = PublicProfile{
			UserID:              userID,
			Username:            profile.Username,
			LiquidFlags:         pf.LiquidFlags,
			HoldingsValue:       pf.MarketValue,
			CostBasisValue:      pf.CostBasisValue,
			UnrealizedPnL:       pf.UnrealizedPnL,
			UnrealizedReturnPct: share(pf.UnrealizedPnL, pf.CostBasisValue),
			NetWorth:            pf.NetWorth,
			LiquidSharePct:      pf.LiquidSharePct,
			InvestedSharePct:    pf.InvestedSharePct,
			HoldingCount:        len(visible),
		}
		if len(visible) > 0 {
			top := visible[0]
			out.TopHolding = &TopHolding{PlayerID: top.PlayerID, PlayerName: top.PlayerName, Value: top.MarketValue}
		}

		win, err := tx.LatestPublicationForUser(ctx, userID)
		switch {
		case err == nil:
			out.LatestWin = &LatestWin{
				WinnerDate:    win.WinnerDate.Format(ledger.DateLayout),
				Rank:          win.Rank,
				VotesReceived: win.VotesReceived,
				RewardFlags:   win.RewardFlags,
			}
		case !errors.Is(err, ledger.ErrNotFound):
			return err
		}
		return nil
	})
	return out, err
}

// GetPublicProfileHoldings lists the user's visible holdings, largest first.
func (s *Service) GetPublicProfileHoldings(ctx context.Context, userID string) ([]HoldingView, error) {
	var out []HoldingView
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		pf, err := loadPortfolio(ctx, tx, userID)
		if err != nil {
			return err
		}
		out = visibleHoldings(pf.Holdings)
		return nil
	})
	return out, err
}

// GetLeaderboardSnapshot ranks every wallet by net worth.
func (s *Service) GetLeaderboardSnapshot(ctx context.Context, limit int) ([]LeaderboardRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []LeaderboardRow
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		pfs, err := allPortfolios(ctx, tx)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(pfs))
		for _, pf := range pfs {
			ids = append(ids, pf.UserID)
		}
		names, err := usernames(ctx, tx, ids)
		if err != nil {
			return err
		}
		sort.SliceStable(pfs, func(i, j int) bool {
			if !pfs[i].NetWorth.Equal(pfs[j].NetWorth) {
				return pfs[i].NetWorth.GreaterThan(pfs[j].NetWorth)
			}
			return pfs[i].UserID < pfs[j].UserID
		})
		if len(pfs) > limit {
			pfs = pfs[:limit]
		}
		var rank int64 = 1
		for _, pf := range pfs {
			rows = append(rows, LeaderboardRow{
				Rank:          rank,
				UserID:        pf.UserID,
				Username:      names[pf.UserID],
				NetWorth:      pf.NetWorth,
				LiquidFlags:   pf.LiquidFlags,
				HoldingsValue: pf.MarketValue,
				HoldingCount:  len(visibleHoldings(pf.Holdings)),
			})
			rank++
		}
		return nil
	})
	return rows, err
}

func allPortfolios(ctx context.Context, tx ledger.Tx) ([]Portfolio, error) {
	wallets, err := tx.Wallets(ctx)
	if err != nil {
		return nil, err
	}
	holdings, err := tx.AllHoldings(ctx)
	if err != nil {
		return nil, err
	}
	players, err := tx.Players(ctx, false)
	if err != nil {
		return nil, err
	}
	byUser := map[string][]ledger.Holding{}
	for _, h := range holdings {
		byUser[h.UserID] = append(byUser[h.UserID], h)
	}
	index := playerIndex(players)
	out := make([]Portfolio, 0, len(wallets))
	for _, w := range wallets {
		out = append(out, valuePortfolio(w, byUser[w.UserID], index))
	}
	return out, nil
}

// SnapshotPortfolios records one closing valuation per wallet for
// snapDate. Wallets that already have a row for the date are left alone.
func (s *Service) SnapshotPortfolios(ctx context.Context, snapDate time.Time) (int64, error) {
	day := s.tradeDateOrToday(snapDate)
	var inserted int64
	err := s.withTx(ctx, func(tx ledger.Tx) error {
		inserted = 0
		pfs, err := allPortfolios(ctx, tx)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		for _, pf := range pfs {
			holdings := make([]ledger.SnapshotHolding, 0, len(pf.Holdings))
			for _, h := range pf.Holdings {
				holdings = append(holdings, ledger.SnapshotHolding{
					PlayerID:   h.PlayerID,
					PlayerName: h.PlayerName,
					Units:      h.Units,
					Value:      h.MarketValue,
				})
			}
			ok, err := tx.InsertPortfolioSnapshot(ctx, ledger.PortfolioSnapshot{
				UserID:              pf.UserID,
				SnapDate:            day,
				UnplantedFlagsClose: pf.LiquidFlags,
				PlantedValueClose:   pf.MarketValue,
				TotalValueClose:     pf.NetWorth,
				Holdings:            holdings,
				CreatedAt:           now,
			})
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}
		return nil
	})
	return inserted, err
}

// GetUserPortfolioHistory returns closing snapshots for the last lookbackDays, oldest first.
func (s *Service) GetUserPortfolioHistory(ctx context.Context, userID string, lookbackDays int) ([]ledger.PortfolioSnapshot, error) {
	if lookbackDays <= 0 || lookbackDays > 3650 {
		lookbackDays = 30
	}
	since := s.Today().AddDate(0, 0, -lookbackDays)
	var out []ledger.PortfolioSnapshot
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		out, err = tx.PortfolioHistory(ctx, userID, since)
		return err
	})
	return out, err
}

// NetWorth serves a user's net worth from the cache when a value for the
// current bucket exists, and computes and stores it otherwise.
func (s *Service) NetWorth(ctx context.Context, userID string) (decimal.Decimal, error) {
	if s.cache != nil {
		v, ok, err := s.cache.Get(ctx, userID, s.now())
		if err != nil {
			s.log.Warn("net worth cache read failed", "user_id", userID, "err", err)
		} else if ok {
			return v, nil
		}
	}
	pf, err := s.GetUserPortfolioSnapshot(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return pf.NetWorth, nil
}

func (s *Service) rememberNetWorth(ctx context.Context, userID string, v decimal.Decimal) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(ctx, userID, s.now(), v); err != nil {
		s.log.Warn("net worth cache write failed", "user_id", userID, "err", err)
	}
}

func (s *Service) invalidateNetWorth(ctx context.Context) {
	if s.cache == nil {
		return
	}
	var ids []string
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		wallets, err := tx.Wallets(ctx)
		for _, w := range wallets {
			ids = append(ids, w.UserID)
		}
		return err
	})
	if err == nil {
		err = s.cache.Invalidate(ctx, ids, s.now())
	}
	if err != nil {
		s.log.Warn("net worth cache invalidation failed", "err", err)
	}
}
