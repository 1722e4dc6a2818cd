package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"flagplant/internal/auth"
	"flagplant/internal/game"
	"flagplant/internal/ledger"
)

// Version is the envelope version every response carries.
const Version = 1

type contextKey string

const identityKey contextKey = "identity"

type Server struct {
	log      *slog.Logger
	verifier auth.Verifier
	supabase *auth.SupabaseClient
	game     *game.Service
	mux      *chi.Mux
}

// New builds the router. supabase may be nil, which disables the
// password login and signup routes.
func New(logger *slog.Logger, verifier auth.Verifier, supabase *auth.SupabaseClient, svc *game.Service) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		log:      logger,
		verifier: verifier,
		supabase: supabase,
		game:     svc,
		mux:      chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeRows(w, http.StatusOK, "health", map[string]any{"ok": true})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/signup", s.handleSignup)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/me", s.handleMe)
			r.Get("/players", s.handlePlayers)
			r.Get("/players/stats", s.handlePlayerStats)
			r.Get("/players/{id}/history", s.handlePriceHistory)
			r.Get("/players/{id}/availability", s.handleAvailability)

			r.Post("/orders/buy", s.handlePlaceOrder(ledger.SideBuy))
			r.Post("/orders/sell", s.handlePlaceOrder(ledger.SideSell))
			r.Get("/orders", s.handleListOrders)
			r.Delete("/orders/{id}", s.handleCancelOrder)

			r.Get("/portfolio", s.handlePortfolio)
			r.Get("/portfolio/history", s.handlePortfolioHistory)
			r.Get("/portfolio/networth", s.handleNetWorth)
			r.Get("/profiles/{user_id}", s.handlePublicProfile)
			r.Get("/profiles/{user_id}/holdings", s.handlePublicHoldings)
			r.Get("/leaderboard", s.handleLeaderboard)
			r.Get("/winners/recent", s.handleRecentWinners)

			r.Route("/admin", func(r chi.Router) {
				r.Use(s.adminOnly)
				r.Get("/pending/buy", s.handlePendingBuys)
				r.Get("/pending/sell", s.handlePendingSells)
				r.Post("/clear/{side}", s.handleClear)
				r.Get("/repricing/preview", s.handleRepricingPreview)
				r.Post("/repricing/apply", s.handleRepricingApply)
				r.Post("/players", s.handleUpsertPlayer)
				r.Post("/players/{id}/price", s.handleOverridePrice)
				r.Get("/winners/preview", s.handleWinnerPreview)
				r.Post("/winners/publish", s.handleWinnerPublish)
				r.Post("/close", s.handleRunClose)
				r.Get("/close/diagnostics", s.handleCloseDiagnostics)
			})
		})
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token", "")
			return
		}
		id, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token", "")
			return
		}
		if err := s.game.EnsureUser(r.Context(), id.UserID, displayName(id)); err != nil {
			s.writeDomainError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.game.RequireAdmin(r.Context(), identity(r.Context()).UserID); err != nil {
			s.writeDomainError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func identity(ctx context.Context) auth.Identity {
	id, _ := ctx.Value(identityKey).(auth.Identity)
	return id
}

func displayName(id auth.Identity) string {
	if id.Username != "" {
		return id.Username
	}
	if at := strings.IndexByte(id.Email, '@'); at > 0 {
		return id.Email[:at]
	}
	return ""
}

type envelope struct {
	Version int    `json:"version"`
	Kind    string `json:"kind"`
	Rows    any    `json:"rows"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Step    string `json:"step,omitempty"`
	Field   string `json:"field,omitempty"`
}

type errorEnvelope struct {
	Version int       `json:"version"`
	Error   errorBody `json:"error"`
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var verr *game.ValidationError
	var serr *game.StepError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Version: Version, Error: errorBody{
			Code: "validation", Message: verr.Error(), Field: verr.Field,
		}})
	case errors.Is(err, game.ErrInsufficientFunds):
		writeError(w, http.StatusBadRequest, "insufficient_funds", err.Error(), "")
	case errors.Is(err, game.ErrInsufficientUnits):
		writeError(w, http.StatusBadRequest, "insufficient_units", err.Error(), "")
	case errors.Is(err, game.ErrPlayerInactive):
		writeError(w, http.StatusBadRequest, "player_inactive", err.Error(), "")
	case errors.Is(err, game.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error(), "")
	case errors.Is(err, game.ErrPlayerNotFound), errors.Is(err, game.ErrOrderNotFound),
		errors.Is(err, game.ErrUserNotFound), errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), "")
	case errors.Is(err, game.ErrDuplicateIdempotency):
		writeError(w, http.StatusConflict, "duplicate_idempotency", err.Error(), "")
	case errors.Is(err, game.ErrCloseInProgress):
		writeError(w, http.StatusConflict, "close_in_progress", err.Error(), "")
	case errors.Is(err, game.ErrTxConflict):
		writeError(w, http.StatusConflict, "tx_conflict", err.Error(), "")
	case errors.As(err, &serr):
		s.log.Error("daily close failed", "step", serr.Step, "err", serr.Err)
		writeError(w, http.StatusInternalServerError, "step_failed", serr.Error(), serr.Step)
	default:
		s.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error", "")
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeRows(w http.ResponseWriter, status int, kind string, rows any) {
	writeJSON(w, status, envelope{Version: Version, Kind: kind, Rows: rows})
}

func writeError(w http.ResponseWriter, status int, code, message, step string) {
	writeJSON(w, status, errorEnvelope{Version: Version, Error: errorBody{
		Code:    code,
		Message: strings.TrimSpace(message),
		Step:    step,
	}})
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// dateParam reads an optional YYYY-MM-DD query value. Empty means today.
func dateParam(r *http.Request, name string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}, nil
	}
	return game.ParseTradeDate(raw)
}

func intParam(r *http.Request, name string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get(name)))
	if err != nil {
		return fallback
	}
	return n
}

func boolParam(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get(name)))
	return b
}
