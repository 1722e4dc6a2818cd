package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx, forUpdate: " FOR UPDATE"}); err != nil {
		return classify(err)
	}
	return classify(tx.Commit(ctx))
}

func (s *PostgresStore) View(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return classify(err)
	}
	return tx.Commit(ctx)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %w", ErrSerialization, err)
		case "25006":
			return fmt.Errorf("%w: %w", ErrReadOnly, err)
		}
	}
	return err
}

type pgTx struct {
	tx        pgx.Tx
	forUpdate string
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (t *pgTx) EnsureUser(ctx context.Context, userID, username string, starterFlags decimal.Decimal, at time.Time) error {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO flagplant.profiles (user_id, username, role, created_at)
		VALUES ($1, $2, 'user', $3)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, username, at.UTC()); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO flagplant.wallets (user_id, liquid_flags, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, starterFlags, at.UTC())
	return err
}

func (t *pgTx) Profile(ctx context.Context, userID string) (Profile, error) {
	var p Profile
	err := t.tx.QueryRow(ctx, `
		SELECT user_id, username, role, created_at
		FROM flagplant.profiles
		WHERE user_id = $1
	`, userID).Scan(&p.UserID, &p.Username, &p.Role, &p.CreatedAt)
	return p, notFound(err)
}

func (t *pgTx) Profiles(ctx context.Context, userIDs []string) (map[string]Profile, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT user_id, username, role, created_at
		FROM flagplant.profiles
		WHERE user_id = ANY($1)
	`, userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Profile, len(userIDs))
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.UserID, &p.Username, &p.Role, &p.CreatedAt); err != nil {
			return nil, err
		}
		out[p.UserID] = p
	}
	return out, rows.Err()
}

func (t *pgTx) Wallet(ctx context.Context, userID string) (Wallet, error) {
	var w Wallet
	err := t.tx.QueryRow(ctx, `
		SELECT user_id, liquid_flags, updated_at
		FROM flagplant.wallets
		WHERE user_id = $1`+t.forUpdate,
		userID).Scan(&w.UserID, &w.LiquidFlags, &w.UpdatedAt)
	return w, notFound(err)
}

func (t *pgTx) Wallets(ctx context.Context) ([]Wallet, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT user_id, liquid_flags, updated_at
		FROM flagplant.wallets
		ORDER BY user_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Wallet
	for rows.Next() {
		var w Wallet
		if err := rows.Scan(&w.UserID, &w.LiquidFlags, &w.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (t *pgTx) AdjustWallet(ctx context.Context, userID string, delta decimal.Decimal, at time.Time) (Wallet, error) {
	w, err := t.Wallet(ctx, userID)
	if err != nil {
		return Wallet{}, err
	}
	next := w.LiquidFlags.Add(delta)
	if next.IsNegative() {
		return w, ErrNegativeBalance
	}
	if _, err := t.tx.Exec(ctx, `
		UPDATE flagplant.wallets
		SET liquid_flags = $1, updated_at = $2
		WHERE user_id = $3
	`, next, at, userID); err != nil {
		return Wallet{}, err
	}
	w.LiquidFlags = next
	w.UpdatedAt = at
	return w, nil
}

const holdingColumns = `user_id, player_id, units, avg_cost_basis, updated_at`

func scanHolding(row pgx.Row) (Holding, error) {
	var h Holding
	err := row.Scan(&h.UserID, &h.PlayerID, &h.Units, &h.AvgCostBasis, &h.UpdatedAt)
	return h, err
}

func (t *pgTx) Holding(ctx context.Context, userID, playerID string) (Holding, error) {
	h, err := scanHolding(t.tx.QueryRow(ctx, `
		SELECT `+holdingColumns+`
		FROM flagplant.holdings
		WHERE user_id = $1 AND player_id = $2`+t.forUpdate,
		userID, playerID))
	return h, notFound(err)
}

func (t *pgTx) queryHoldings(ctx context.Context, sql string, args ...any) ([]Holding, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (t *pgTx) HoldingsByUser(ctx context.Context, userID string) ([]Holding, error) {
	return t.queryHoldings(ctx, `
		SELECT `+holdingColumns+`
		FROM flagplant.holdings
		WHERE user_id = $1
		ORDER BY player_id
	`, userID)
}

func (t *pgTx) AllHoldings(ctx context.Context) ([]Holding, error) {
	return t.queryHoldings(ctx, `
		SELECT `+holdingColumns+`
		FROM flagplant.holdings
		ORDER BY user_id, player_id
	`)
}

func (t *pgTx) SaveHolding(ctx context.Context, h Holding) error {
	if h.Units.LessThanOrEqual(DustUnits) {
		_, err := t.tx.Exec(ctx, `
			DELETE FROM flagplant.holdings
			WHERE user_id = $1 AND player_id = $2
		`, h.UserID, h.PlayerID)
		return err
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO flagplant.holdings (user_id, player_id, units, avg_cost_basis, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, player_id)
		DO UPDATE SET units = EXCLUDED.units, avg_cost_basis = EXCLUDED.avg_cost_basis, updated_at = EXCLUDED.updated_at
	`, h.UserID, h.PlayerID, h.Units, h.AvgCostBasis, h.UpdatedAt)
	return err
}

const playerColumns = `id, name, active, seed_price, current_price, baseline_capital, updated_at`

func scanPlayer(row pgx.Row) (Player, error) {
	var p Player
	err := row.Scan(&p.ID, &p.Name, &p.Active, &p.SeedPrice, &p.CurrentPrice, &p.BaselineCapital, &p.UpdatedAt)
	return p, err
}

func (t *pgTx) Player(ctx context.Context, id string) (Player, error) {
	p, err := scanPlayer(t.tx.QueryRow(ctx, `
		SELECT `+playerColumns+`
		FROM flagplant.players
		WHERE id = $1`+t.forUpdate,
		id))
	return p, notFound(err)
}

func (t *pgTx) Players(ctx context.Context, activeOnly bool) ([]Player, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+playerColumns+`
		FROM flagplant.players
		WHERE active OR NOT $1
		ORDER BY name, id
	`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *pgTx) UpsertPlayer(ctx context.Context, p Player) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO flagplant.players (id, name, active, seed_price, current_price, baseline_capital, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    active = EXCLUDED.active,
		    baseline_capital = EXCLUDED.baseline_capital,
		    updated_at = EXCLUDED.updated_at
	`, p.ID, p.Name, p.Active, p.SeedPrice, p.CurrentPrice, p.BaselineCapital, p.UpdatedAt)
	return err
}

func (t *pgTx) SetPlayerPrice(ctx context.Context, id string, price decimal.Decimal, at time.Time) error {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE flagplant.players
		SET current_price = $1, updated_at = $2
		WHERE id = $3
	`, price, at, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) ClaimIdempotency(ctx context.Context, userID, key, action string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("idempotency key is required")
	}
	cmd, err := t.tx.Exec(ctx, `
		INSERT INTO flagplant.idempotency_keys (user_id, key, action, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, key) DO NOTHING
	`, userID, key, action)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrDuplicateIdempotency
	}
	return nil
}

const orderColumns = `id, seq, user_id, player_id, order_type, status, flags_amount, units_amount,
	settled_flags, trade_date, settled_date, note, created_at, executed_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	var id uuid.UUID
	err := row.Scan(&id, &o.Seq, &o.UserID, &o.PlayerID, &o.Side, &o.Status, &o.FlagsAmount, &o.UnitsAmount,
		&o.SettledFlags, &o.TradeDate, &o.SettledDate, &o.Note, &o.CreatedAt, &o.ExecutedAt)
	o.ID = id.String()
	return o, err
}

func (t *pgTx) InsertOrder(ctx context.Context, o Order) (Order, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.TradeDate = CivilDate(o.TradeDate)
	err := t.tx.QueryRow(ctx, `
		INSERT INTO flagplant.orders (id, user_id, player_id, order_type, status, flags_amount, units_amount, trade_date, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq
	`, o.ID, o.UserID, o.PlayerID, o.Side, o.Status, o.FlagsAmount, o.UnitsAmount, o.TradeDate, o.Note, o.CreatedAt).Scan(&o.Seq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Order{}, ErrAlreadyExists
		}
		return Order{}, err
	}
	return o, nil
}

func (t *pgTx) Order(ctx context.Context, id string) (Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Order{}, ErrNotFound
	}
	o, err := scanOrder(t.tx.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM flagplant.orders
		WHERE id = $1`+t.forUpdate,
		id))
	return o, notFound(err)
}

func (t *pgTx) queryOrders(ctx context.Context, sql string, args ...any) ([]Order, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (t *pgTx) Orders(ctx context.Context, f OrderFilter) ([]Order, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	return t.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM flagplant.orders
		WHERE ($1 = '' OR user_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, seq DESC
		LIMIT $3
	`, f.UserID, string(f.Status), limit)
}

func (t *pgTx) PendingOrders(ctx context.Context, f PendingFilter) ([]Order, error) {
	var through *time.Time
	if !f.ThroughDate.IsZero() {
		d := CivilDate(f.ThroughDate)
		through = &d
	}
	return t.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM flagplant.orders
		WHERE status = 'pending'
		  AND ($1 = '' OR order_type = $1)
		  AND ($2::date IS NULL OR trade_date <= $2::date)
		  AND ($3 = '' OR user_id = $3)
		  AND ($4 = '' OR player_id = $4)
		ORDER BY created_at, seq
	`, string(f.Side), through, f.UserID, f.PlayerID)
}

func (t *pgTx) SettleOrder(ctx context.Context, s Settlement) (bool, error) {
	if _, err := uuid.Parse(s.OrderID); err != nil {
		return false, ErrNotFound
	}
	var settled *time.Time
	if s.SettledDate != nil {
		d := CivilDate(*s.SettledDate)
		settled = &d
	}
	cmd, err := t.tx.Exec(ctx, `
		UPDATE flagplant.orders
		SET status = $1,
		    units_amount = COALESCE($2, units_amount),
		    settled_flags = $3,
		    settled_date = $4,
		    note = $5,
		    executed_at = $6
		WHERE id = $7 AND status = 'pending'
	`, s.Status, s.UnitsAmount, s.SettledFlags, settled, s.Note, s.At, s.OrderID)
	if err != nil {
		return false, err
	}
	if cmd.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM flagplant.orders WHERE id = $1)`, s.OrderID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (t *pgTx) ExecutedFlow(ctx context.Context, playerID string, date time.Time) (decimal.Decimal, decimal.Decimal, error) {
	var buys, sells decimal.Decimal
	err := t.tx.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(flags_amount) FILTER (WHERE order_type = 'buy'), 0),
			COALESCE(SUM(flags_amount) FILTER (WHERE order_type = 'sell'), 0)
		FROM flagplant.orders
		WHERE player_id = $1 AND status = 'executed' AND settled_date = $2
	`, playerID, CivilDate(date)).Scan(&buys, &sells)
	return buys, sells, err
}

const historyColumns = `player_id, snapshot_date, pre_price, post_price, net_flow_flags, total_units,
	effective_capital, price_multiplier, created_at`

func scanHistory(row pgx.Row) (PriceHistory, error) {
	var h PriceHistory
	err := row.Scan(&h.PlayerID, &h.SnapshotDate, &h.PrePrice, &h.PostPrice, &h.NetFlowFlags, &h.TotalUnits,
		&h.EffectiveCapital, &h.PriceMultiplier, &h.CreatedAt)
	return h, err
}

func (t *pgTx) PriceHistory(ctx context.Context, playerID string, date time.Time) (PriceHistory, error) {
	h, err := scanHistory(t.tx.QueryRow(ctx, `
		SELECT `+historyColumns+`
		FROM flagplant.price_history
		WHERE player_id = $1 AND snapshot_date = $2
	`, playerID, CivilDate(date)))
	return h, notFound(err)
}

func (t *pgTx) PriceSeries(ctx context.Context, playerID string, limit int) ([]PriceHistory, error) {
	if limit <= 0 {
		limit = 365
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+historyColumns+`
		FROM flagplant.price_history
		WHERE player_id = $1
		ORDER BY snapshot_date DESC
		LIMIT $2
	`, playerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PriceHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (t *pgTx) PriceHistoryCount(ctx context.Context, date time.Time) (int64, error) {
	var n int64
	err := t.tx.QueryRow(ctx, `SELECT COUNT(1) FROM flagplant.price_history WHERE snapshot_date = $1`, CivilDate(date)).Scan(&n)
	return n, err
}

func (t *pgTx) InsertPriceHistory(ctx context.Context, h PriceHistory) error {
	cmd, err := t.tx.Exec(ctx, `
		INSERT INTO flagplant.price_history (player_id, snapshot_date, pre_price, post_price, net_flow_flags,
			total_units, effective_capital, price_multiplier, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (player_id, snapshot_date) DO NOTHING
	`, h.PlayerID, CivilDate(h.SnapshotDate), h.PrePrice, h.PostPrice, h.NetFlowFlags,
		h.TotalUnits, h.EffectiveCapital, h.PriceMultiplier, h.CreatedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (t *pgTx) InsertPriceOverride(ctx context.Context, o PriceOverride) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO flagplant.price_overrides (id, player_id, previous_price, new_price, reason, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, o.ID, o.PlayerID, o.PreviousPrice, o.NewPrice, o.Reason, o.Actor, o.CreatedAt)
	return err
}

func (t *pgTx) VoteTallies(ctx context.Context, date time.Time) ([]VoteTally, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT o.id, o.user_id, o.body, COUNT(v.voter_id), o.submitted_at
		FROM flagplant.opinions o
		LEFT JOIN flagplant.opinion_votes v ON v.opinion_id = o.id
		WHERE o.opinion_date = $1
		GROUP BY o.id, o.user_id, o.body, o.submitted_at
		ORDER BY o.id
	`, CivilDate(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VoteTally
	for rows.Next() {
		var v VoteTally
		if err := rows.Scan(&v.OpinionID, &v.UserID, &v.Body, &v.Votes, &v.SubmittedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (t *pgTx) OpinionBodies(ctx context.Context, opinionIDs []string) (map[string]string, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, body FROM flagplant.opinions WHERE id = ANY($1)`, opinionIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string, len(opinionIDs))
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		out[id] = body
	}
	return out, rows.Err()
}

const publicationColumns = `winner_date, rank, user_id, opinion_id, votes_received, reward_flags, published_at`

func (t *pgTx) queryPublications(ctx context.Context, sql string, args ...any) ([]WinnerPublication, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WinnerPublication
	for rows.Next() {
		var p WinnerPublication
		if err := rows.Scan(&p.WinnerDate, &p.Rank, &p.UserID, &p.OpinionID, &p.VotesReceived, &p.RewardFlags, &p.PublishedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *pgTx) Publications(ctx context.Context, date time.Time) ([]WinnerPublication, error) {
	return t.queryPublications(ctx, `
		SELECT `+publicationColumns+`
		FROM flagplant.daily_winners
		WHERE winner_date = $1
		ORDER BY rank
	`, CivilDate(date))
}

func (t *pgTx) PublicationsSince(ctx context.Context, since time.Time) ([]WinnerPublication, error) {
	return t.queryPublications(ctx, `
		SELECT `+publicationColumns+`
		FROM flagplant.daily_winners
		WHERE winner_date >= $1
		ORDER BY winner_date DESC, rank
	`, CivilDate(since))
}

func (t *pgTx) LatestPublicationForUser(ctx context.Context, userID string) (WinnerPublication, error) {
	rows, err := t.queryPublications(ctx, `
		SELECT `+publicationColumns+`
		FROM flagplant.daily_winners
		WHERE user_id = $1
		ORDER BY winner_date DESC, rank
		LIMIT 1
	`, userID)
	if err != nil {
		return WinnerPublication{}, err
	}
	if len(rows) == 0 {
		return WinnerPublication{}, ErrNotFound
	}
	return rows[0], nil
}

func (t *pgTx) InsertPublication(ctx context.Context, p WinnerPublication) error {
	cmd, err := t.tx.Exec(ctx, `
		INSERT INTO flagplant.daily_winners (winner_date, rank, user_id, opinion_id, votes_received, reward_flags, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING
	`, CivilDate(p.WinnerDate), p.Rank, p.UserID, p.OpinionID, p.VotesReceived, p.RewardFlags, p.PublishedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (t *pgTx) CloseRun(ctx context.Context, date time.Time) (CloseRun, error) {
	var r CloseRun
	var runID uuid.UUID
	err := t.tx.QueryRow(ctx, `
		SELECT trade_date, run_id, status, started_at, finished_at
		FROM flagplant.close_runs
		WHERE trade_date = $1
	`, CivilDate(date)).Scan(&r.TradeDate, &runID, &r.Status, &r.StartedAt, &r.FinishedAt)
	r.RunID = runID.String()
	return r, notFound(err)
}

func (t *pgTx) ClaimCloseRun(ctx context.Context, date time.Time, runID string, at time.Time, staleAfter time.Duration) error {
	day := CivilDate(date)
	// Serialises claimants for the same date even before the row exists.
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('flagplant.close:' || $1::text))`, day.Format(DateLayout)); err != nil {
		return err
	}
	existing, err := t.CloseRun(ctx, day)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil && existing.Status == RunRunning && existing.RunID != runID && at.Sub(existing.StartedAt) < staleAfter {
		return ErrCloseInProgress
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO flagplant.close_runs (trade_date, run_id, status, started_at, finished_at)
		VALUES ($1, $2, $3, $4, NULL)
		ON CONFLICT (trade_date) DO UPDATE
		SET run_id = EXCLUDED.run_id, status = EXCLUDED.status, started_at = EXCLUDED.started_at, finished_at = NULL
	`, day, runID, RunRunning, at)
	return err
}

func (t *pgTx) FinishCloseRun(ctx context.Context, date time.Time, runID, status string, at time.Time) error {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE flagplant.close_runs
		SET status = $1, finished_at = $2
		WHERE trade_date = $3 AND run_id = $4
	`, status, at, CivilDate(date), runID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) CloseSteps(ctx context.Context, date time.Time) ([]CloseJobStep, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT trade_date, step_name, status, detail, affected_count, started_at, finished_at, error
		FROM flagplant.close_job_steps
		WHERE trade_date = $1
		ORDER BY step_name
	`, CivilDate(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CloseJobStep
	for rows.Next() {
		var s CloseJobStep
		if err := rows.Scan(&s.TradeDate, &s.Step, &s.Status, &s.Detail, &s.AffectedCount, &s.StartedAt, &s.FinishedAt, &s.Error); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *pgTx) SaveCloseStep(ctx context.Context, s CloseJobStep) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO flagplant.close_job_steps (trade_date, step_name, status, detail, affected_count, started_at, finished_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (trade_date, step_name) DO UPDATE
		SET status = EXCLUDED.status,
		    detail = EXCLUDED.detail,
		    affected_count = EXCLUDED.affected_count,
		    started_at = EXCLUDED.started_at,
		    finished_at = EXCLUDED.finished_at,
		    error = EXCLUDED.error
	`, CivilDate(s.TradeDate), s.Step, s.Status, s.Detail, s.AffectedCount, s.StartedAt, s.FinishedAt, s.Error)
	return err
}

func (t *pgTx) InsertPortfolioSnapshot(ctx context.Context, s PortfolioSnapshot) (bool, error) {
	holdings := s.Holdings
	if holdings == nil {
		holdings = []SnapshotHolding{}
	}
	raw, err := json.Marshal(holdings)
	if err != nil {
		return false, err
	}
	cmd, err := t.tx.Exec(ctx, `
		INSERT INTO flagplant.portfolio_snapshots (user_id, snap_date, unplanted_flags_close, planted_value_close,
			total_value_close, holdings_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, snap_date) DO NOTHING
	`, s.UserID, CivilDate(s.SnapDate), s.UnplantedFlagsClose, s.PlantedValueClose, s.TotalValueClose, raw, s.CreatedAt)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (t *pgTx) PortfolioSnapshotCount(ctx context.Context, date time.Time) (int64, error) {
	var n int64
	err := t.tx.QueryRow(ctx, `SELECT COUNT(1) FROM flagplant.portfolio_snapshots WHERE snap_date = $1`, CivilDate(date)).Scan(&n)
	return n, err
}

func (t *pgTx) PortfolioHistory(ctx context.Context, userID string, since time.Time) ([]PortfolioSnapshot, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT user_id, snap_date, unplanted_flags_close, planted_value_close, total_value_close, holdings_json, created_at
		FROM flagplant.portfolio_snapshots
		WHERE user_id = $1 AND snap_date >= $2
		ORDER BY snap_date
	`, userID, CivilDate(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PortfolioSnapshot
	for rows.Next() {
		var s PortfolioSnapshot
		var raw []byte
		if err := rows.Scan(&s.UserID, &s.SnapDate, &s.UnplantedFlagsClose, &s.PlantedValueClose, &s.TotalValueClose, &raw, &s.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &s.Holdings); err != nil {
			return nil, fmt.Errorf("decode holdings_json for %s: %w", s.UserID, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
