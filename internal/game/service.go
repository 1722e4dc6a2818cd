package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"flagplant/internal/ledger"
)

var usernameRE = regexp.MustCompile(`^[a-zA-Z0-9_]{3,24}$`)

// NetWorthCache stores computed net worth per user and time bucket.
type NetWorthCache interface {
	Get(ctx context.Context, userID string, at time.Time) (decimal.Decimal, bool, error)
	Put(ctx context.Context, userID string, at time.Time, v decimal.Decimal) error
	Invalidate(ctx context.Context, userIDs []string, at time.Time) error
}

// Announcer is told about freshly published daily winners.
type Announcer interface {
	AnnounceWinners(ctx context.Context, board WinnerBoard) error
}

type Service struct {
	store     ledger.Store
	log       *slog.Logger
	params    Params
	now       func() time.Time
	cache     NetWorthCache
	announcer Announcer
}

type Option func(*Service)

func WithParams(p Params) Option {
	return func(s *Service) { s.params = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithNetWorthCache(c NetWorthCache) Option {
	return func(s *Service) { s.cache = c }
}

func WithAnnouncer(a Announcer) Option {
	return func(s *Service) { s.announcer = a }
}

func NewService(store ledger.Store, logger *slog.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:  store,
		log:    logger,
		params: DefaultParams(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.params.Location == nil {
		s.params.Location = time.UTC
	}
	if err := s.params.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) Params() Params {
	return s.params
}

// Today is the current trade date in the market timezone.
func (s *Service) Today() time.Time {
	return TradeDateFor(s.now(), s.params.Location)
}

func (s *Service) tradeDateOrToday(d time.Time) time.Time {
	if d.IsZero() {
		return s.Today()
	}
	return ledger.CivilDate(d)
}

// withTx runs fn in a serializable ledger transaction, retrying on
// serialization conflicts with a doubling backoff.
func (s *Service) withTx(ctx context.Context, fn func(ledger.Tx) error) error {
	const maxAttempts = 8
	retryDelay := 75 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := s.store.InTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ledger.ErrSerialization) {
			return err
		}
		if attempt == maxAttempts-1 {
			return ErrTxConflict
		}
		s.log.Debug("serialization conflict, retrying", "attempt", attempt+1, "delay", retryDelay)
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < 1200*time.Millisecond {
			retryDelay *= 2
		}
	}
	return ErrTxConflict
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// EnsureUser creates the profile and the starter wallet on first sight of a user.
func (s *Service) EnsureUser(ctx context.Context, userID, username string) error {
	if err := validateID("user_id", userID); err != nil {
		return err
	}
	username = strings.TrimSpace(username)
	if !usernameRE.MatchString(username) {
		username = sanitizeUsername(username, userID)
	}
	return s.withTx(ctx, func(tx ledger.Tx) error {
		return tx.EnsureUser(ctx, userID, username, s.params.StarterFlags, s.now())
	})
}

func sanitizeUsername(raw, userID string) string {
	if at := strings.Index(raw, "@"); at > 0 {
		raw = raw[:at]
	}
	var b strings.Builder
	for _, r := range raw {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
		if b.Len() >= 24 {
			break
		}
	}
	out := b.String()
	if len(out) < 3 {
		id := strings.ReplaceAll(userID, "-", "")
		if len(id) > 8 {
			id = id[:8]
		}
		out = "player_" + id
	}
	return out
}

func (s *Service) Profile(ctx context.Context, userID string) (ledger.Profile, error) {
	var p ledger.Profile
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		p, err = tx.Profile(ctx, userID)
		return err
	})
	if errors.Is(err, ledger.ErrNotFound) {
		return p, ErrUserNotFound
	}
	return p, err
}

// RequireAdmin returns ErrForbidden unless userID has the admin role.
func (s *Service) RequireAdmin(ctx context.Context, userID string) error {
	p, err := s.Profile(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return ErrForbidden
	}
	if err != nil {
		return err
	}
	if p.Role != ledger.RoleAdmin {
		return fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	return nil
}

func usernames(ctx context.Context, tx ledger.Tx, userIDs []string) (map[string]string, error) {
	profiles, err := tx.Profiles(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(profiles))
	for id, p := range profiles {
		out[id] = p.Username
	}
	return out, nil
}
