package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"flagplant/internal/game"
	"flagplant/internal/ledger"
)

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if s.supabase == nil {
		writeError(w, http.StatusNotImplemented, "unsupported", "password signup is not configured", "")
		return
	}
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Username string `json:"username"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error(), "")
		return
	}
	session, err := s.supabase.SignUp(r.Context(), strings.TrimSpace(in.Email), in.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, "signup_failed", err.Error(), "")
		return
	}
	if session.User.UserID != "" {
		if err := s.game.EnsureUser(r.Context(), session.User.UserID, in.Username); err != nil {
			s.writeDomainError(w, err)
			return
		}
	}
	writeRows(w, http.StatusCreated, "session", session)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.supabase == nil {
		writeError(w, http.StatusNotImplemented, "unsupported", "password login is not configured", "")
		return
	}
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error(), "")
		return
	}
	session, err := s.supabase.Login(r.Context(), strings.TrimSpace(in.Email), in.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error(), "")
		return
	}
	if err := s.game.EnsureUser(r.Context(), session.User.UserID, displayName(session.User)); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "session", session)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p, err := s.game.Profile(r.Context(), identity(r.Context()).UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "profile", p)
}

func (s *Server) handlePlayers(w http.ResponseWriter, r *http.Request) {
	out, err := s.game.ListPlayers(r.Context(), boolParam(r, "active"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "players", out)
}

func (s *Server) handlePlayerStats(w http.ResponseWriter, r *http.Request) {
	out, err := s.game.GetPlayerMarketStats(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "player_stats", out)
}

func (s *Server) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	out, err := s.game.GetPlayerPriceHistory(r.Context(), chi.URLParam(r, "id"), intParam(r, "limit", 30))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "price_history", out)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	out, err := s.game.GetTradingAvailability(r.Context(), identity(r.Context()).UserID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "availability", out)
}

type orderRequest struct {
	PlayerID    string          `json:"player_id"`
	FlagsAmount decimal.Decimal `json:"flags_amount"`
	TradeDate   string          `json:"trade_date,omitempty"`
}

func (s *Server) handlePlaceOrder(side ledger.OrderSide) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in orderRequest
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "validation", err.Error(), "")
			return
		}
		var tradeDate time.Time
		if in.TradeDate != "" {
			d, err := game.ParseTradeDate(in.TradeDate)
			if err != nil {
				s.writeDomainError(w, err)
				return
			}
			tradeDate = d
		}
		order := game.OrderInput{
			UserID:         identity(r.Context()).UserID,
			PlayerID:       strings.TrimSpace(in.PlayerID),
			FlagsAmount:    in.FlagsAmount,
			TradeDate:      tradeDate,
			IdempotencyKey: idempotencyKey(r),
		}
		var (
			out game.OrderResult
			err error
		)
		if side == ledger.SideBuy {
			out, err = s.game.PlaceBuyOrder(r.Context(), order)
		} else {
			out, err = s.game.PlaceSellOrder(r.Context(), order)
		}
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeRows(w, http.StatusCreated, "order", out)
	}
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	status := ledger.OrderStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	out, err := s.game.ListUserOrders(r.Context(), identity(r.Context()).UserID, status, intParam(r, "limit", 50))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "orders", out)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ok, err := s.game.CancelPendingOrder(r.Context(), identity(r.Context()).UserID, orderID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "cancel", map[string]any{"order_id": orderID, "cancelled": ok})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	out, err := s.game.GetUserPortfolioSnapshot(r.Context(), identity(r.Context()).UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "portfolio", out)
}

func (s *Server) handleNetWorth(w http.ResponseWriter, r *http.Request) {
	userID := identity(r.Context()).UserID
	v, err := s.game.NetWorth(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "net_worth", game.NetWorthRow{UserID: userID, NetWorth: v})
}

func (s *Server) handlePortfolioHistory(w http.ResponseWriter, r *http.Request) {
	out, err := s.game.GetUserPortfolioHistory(r.Context(), identity(r.Context()).UserID, intParam(r, "days", 30))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "portfolio_history", out)
}

func (s *Server) handlePublicProfile(w http.ResponseWriter, r *http.Request) {
	out, err := s.game.GetPublicProfileSnapshot(r.Context(), chi.URLParam(r, "user_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "public_profile", out)
}

func (s *Server) handlePublicHoldings(w http.ResponseWriter, r *http.Request) {
	out, err := s.game.GetPublicProfileHoldings(r.Context(), chi.URLParam(r, "user_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "public_holdings", out)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	out, err := s.game.GetLeaderboardSnapshot(r.Context(), intParam(r, "limit", 100))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "leaderboard", out)
}

func (s *Server) handleRecentWinners(w http.ResponseWriter, r *http.Request) {
	out, err := s.game.GetRecentWinnerBoards(r.Context(), intParam(r, "days", 7))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "winner_boards", out)
}

func (s *Server) handlePendingBuys(w http.ResponseWriter, r *http.Request) {
	day, err := dateParam(r, "trade_date")
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out, err := s.game.PreviewPendingBuyOrders(r.Context(), day)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "pending_buys", out)
}

func (s *Server) handlePendingSells(w http.ResponseWriter, r *http.Request) {
	day, err := dateParam(r, "trade_date")
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out, err := s.game.PreviewPendingSellOrders(r.Context(), day)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "pending_sells", out)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	side := ledger.OrderSide(chi.URLParam(r, "side"))
	if !side.Valid() {
		writeError(w, http.StatusBadRequest, "validation", "side must be buy or sell", "")
		return
	}
	day, err := dateParam(r, "trade_date")
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out, err := s.game.ClearPendingOrders(r.Context(), side, day)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "clearing", out)
}

func (s *Server) handleRepricingPreview(w http.ResponseWriter, r *http.Request) {
	day, err := dateParam(r, "trade_date")
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out, err := s.game.PreviewPlayerRepricing(r.Context(), day)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "repricing", out)
}

func (s *Server) handleRepricingApply(w http.ResponseWriter, r *http.Request) {
	day, err := dateParam(r, "trade_date")
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out, err := s.game.ApplyPlayerRepricing(r.Context(), day)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "repricing", out)
}

func (s *Server) handleUpsertPlayer(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ID              string          `json:"id"`
		Name            string          `json:"name"`
		Active          *bool           `json:"active"`
		SeedPrice       decimal.Decimal `json:"seed_price"`
		BaselineCapital decimal.Decimal `json:"baseline_capital"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error(), "")
		return
	}
	active := true
	if in.Active != nil {
		active = *in.Active
	}
	out, err := s.game.UpsertPlayer(r.Context(), game.PlayerInput{
		ID:              strings.TrimSpace(in.ID),
		Name:            in.Name,
		Active:          active,
		SeedPrice:       in.SeedPrice,
		BaselineCapital: in.BaselineCapital,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "player", out)
}

func (s *Server) handleOverridePrice(w http.ResponseWriter, r *http.Request) {
	var in struct {
		NewPrice decimal.Decimal `json:"new_price"`
		Reason   string          `json:"reason"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error(), "")
		return
	}
	out, err := s.game.OverridePlayerPrice(r.Context(), game.PriceOverrideInput{
		PlayerID: chi.URLParam(r, "id"),
		NewPrice: in.NewPrice,
		Reason:   in.Reason,
		Actor:    identity(r.Context()).UserID,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "price_override", out)
}

func (s *Server) handleWinnerPreview(w http.ResponseWriter, r *http.Request) {
	day, err := dateParam(r, "date")
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out, err := s.game.GetDailyWinnerPreview(r.Context(), day)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "winner_candidates", out)
}

func (s *Server) handleWinnerPublish(w http.ResponseWriter, r *http.Request) {
	day, err := dateParam(r, "date")
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out, err := s.game.PublishDailyWinners(r.Context(), day)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "winner_publication", out)
}

func (s *Server) handleRunClose(w http.ResponseWriter, r *http.Request) {
	day, err := dateParam(r, "trade_date")
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out, err := s.game.RunDailyClose(r.Context(), day, boolParam(r, "force"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "daily_close", out)
}

func (s *Server) handleCloseDiagnostics(w http.ResponseWriter, r *http.Request) {
	day, err := dateParam(r, "trade_date")
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out, err := s.game.GetDailyCloseDiagnostics(r.Context(), day)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRows(w, http.StatusOK, "close_diagnostics", out)
}
