package ledger

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps the whole ledger in process. Transactions hold the
// store lock for their full duration and work on a private copy that
// replaces the live state only when fn returns nil.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type holdingKey struct{ user, player string }

type dateKey struct {
	id   string
	date string
}

type memOpinion struct {
	id          string
	userID      string
	body        string
	date        string
	submittedAt time.Time
}

type memVote struct{ opinionID, voterID string }

type memState struct {
	profiles     map[string]Profile
	wallets      map[string]Wallet
	holdings     map[holdingKey]Holding
	players      map[string]Player
	orders       map[string]Order
	orderSeq     int64
	idempotency  map[dateKey]string
	history      map[dateKey]PriceHistory
	overrides    []PriceOverride
	opinions     map[string]memOpinion
	votes        []memVote
	publications []WinnerPublication
	runs         map[string]CloseRun
	steps        map[dateKey]CloseJobStep
	snapshots    map[dateKey]PortfolioSnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		profiles:    map[string]Profile{},
		wallets:     map[string]Wallet{},
		holdings:    map[holdingKey]Holding{},
		players:     map[string]Player{},
		orders:      map[string]Order{},
		idempotency: map[dateKey]string{},
		history:     map[dateKey]PriceHistory{},
		opinions:    map[string]memOpinion{},
		runs:        map[string]CloseRun{},
		steps:       map[dateKey]CloseJobStep{},
		snapshots:   map[dateKey]PortfolioSnapshot{},
	}}
}

func (st *memState) clone() *memState {
	return &memState{
		profiles:     maps.Clone(st.profiles),
		wallets:      maps.Clone(st.wallets),
		holdings:     maps.Clone(st.holdings),
		players:      maps.Clone(st.players),
		orders:       maps.Clone(st.orders),
		orderSeq:     st.orderSeq,
		idempotency:  maps.Clone(st.idempotency),
		history:      maps.Clone(st.history),
		overrides:    slices.Clone(st.overrides),
		opinions:     maps.Clone(st.opinions),
		votes:        slices.Clone(st.votes),
		publications: slices.Clone(st.publications),
		runs:         maps.Clone(st.runs),
		steps:        maps.Clone(st.steps),
		snapshots:    maps.Clone(st.snapshots),
	}
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(&memTx{st: work, writable: true}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memTx{st: m.state})
}

// PutOpinion registers an opinion submitted for date. The voting subsystem
// owns these rows in production; the memory store accepts them directly.
func (m *MemoryStore) PutOpinion(id, userID, body string, date, submittedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.opinions[id] = memOpinion{
		id:          id,
		userID:      userID,
		body:        body,
		date:        dateString(date),
		submittedAt: submittedAt,
	}
}

func (m *MemoryStore) RecordVote(opinionID, voterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.opinions[opinionID]; !ok {
		return fmt.Errorf("opinion %s: %w", opinionID, ErrNotFound)
	}
	for _, v := range m.state.votes {
		if v.opinionID == opinionID && v.voterID == voterID {
			return ErrAlreadyExists
		}
	}
	m.state.votes = append(m.state.votes, memVote{opinionID: opinionID, voterID: voterID})
	return nil
}

func (m *MemoryStore) SetRole(userID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.state.profiles[userID]
	if !ok {
		return ErrNotFound
	}
	p.Role = role
	m.state.profiles[userID] = p
	return nil
}

type memTx struct {
	st       *memState
	writable bool
}

func (t *memTx) write() error {
	if !t.writable {
		return ErrReadOnly
	}
	return nil
}

func dateString(t time.Time) string {
	return CivilDate(t).Format(DateLayout)
}

func (t *memTx) EnsureUser(_ context.Context, userID, username string, starterFlags decimal.Decimal, at time.Time) error {
	if err := t.write(); err != nil {
		return err
	}
	now := at.UTC()
	if _, ok := t.st.profiles[userID]; !ok {
		t.st.profiles[userID] = Profile{UserID: userID, Username: username, Role: RoleUser, CreatedAt: now}
	}
	if _, ok := t.st.wallets[userID]; !ok {
		t.st.wallets[userID] = Wallet{UserID: userID, LiquidFlags: starterFlags, UpdatedAt: now}
	}
	return nil
}

func (t *memTx) Profile(_ context.Context, userID string) (Profile, error) {
	p, ok := t.st.profiles[userID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (t *memTx) Profiles(_ context.Context, userIDs []string) (map[string]Profile, error) {
	out := make(map[string]Profile, len(userIDs))
	for _, id := range userIDs {
		if p, ok := t.st.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (t *memTx) Wallet(_ context.Context, userID string) (Wallet, error) {
	w, ok := t.st.wallets[userID]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return w, nil
}

func (t *memTx) Wallets(_ context.Context) ([]Wallet, error) {
	out := slices.Collect(maps.Values(t.st.wallets))
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (t *memTx) AdjustWallet(_ context.Context, userID string, delta decimal.Decimal, at time.Time) (Wallet, error) {
	if err := t.write(); err != nil {
		return Wallet{}, err
	}
	w, ok := t.st.wallets[userID]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	next := w.LiquidFlags.Add(delta)
	if next.IsNegative() {
		return w, ErrNegativeBalance
	}
	w.LiquidFlags = next
	w.UpdatedAt = at
	t.st.wallets[userID] = w
	return w, nil
}

func (t *memTx) Holding(_ context.Context, userID, playerID string) (Holding, error) {
	h, ok := t.st.holdings[holdingKey{userID, playerID}]
	if !ok {
		return Holding{}, ErrNotFound
	}
	return h, nil
}

func (t *memTx) HoldingsByUser(_ context.Context, userID string) ([]Holding, error) {
	var out []Holding
	for k, h := range t.st.holdings {
		if k.user == userID {
			out = append(out, h)
		}
	}
	sortHoldings(out)
	return out, nil
}

func (t *memTx) AllHoldings(_ context.Context) ([]Holding, error) {
	out := slices.Collect(maps.Values(t.st.holdings))
	sortHoldings(out)
	return out, nil
}

func sortHoldings(hs []Holding) {
	sort.Slice(hs, func(i, j int) bool {
		if hs[i].UserID != hs[j].UserID {
			return hs[i].UserID < hs[j].UserID
		}
		return hs[i].PlayerID < hs[j].PlayerID
	})
}

func (t *memTx) SaveHolding(_ context.Context, h Holding) error {
	if err := t.write(); err != nil {
		return err
	}
	if h.Units.IsNegative() || h.AvgCostBasis.IsNegative() {
		return fmt.Errorf("holding %s/%s: negative units or cost basis", h.UserID, h.PlayerID)
	}
	k := holdingKey{h.UserID, h.PlayerID}
	if h.Units.LessThanOrEqual(DustUnits) {
		delete(t.st.holdings, k)
		return nil
	}
	t.st.holdings[k] = h
	return nil
}

func (t *memTx) Player(_ context.Context, id string) (Player, error) {
	p, ok := t.st.players[id]
	if !ok {
		return Player{}, ErrNotFound
	}
	return p, nil
}

func (t *memTx) Players(_ context.Context, activeOnly bool) ([]Player, error) {
	var out []Player
	for _, p := range t.st.players {
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) UpsertPlayer(_ context.Context, p Player) error {
	if err := t.write(); err != nil {
		return err
	}
	if !p.CurrentPrice.IsPositive() {
		return fmt.Errorf("player %s: price must be > 0", p.ID)
	}
	t.st.players[p.ID] = p
	return nil
}

func (t *memTx) SetPlayerPrice(_ context.Context, id string, price decimal.Decimal, at time.Time) error {
	if err := t.write(); err != nil {
		return err
	}
	p, ok := t.st.players[id]
	if !ok {
		return ErrNotFound
	}
	if !price.IsPositive() {
		return fmt.Errorf("player %s: price must be > 0", id)
	}
	p.CurrentPrice = price
	p.UpdatedAt = at
	t.st.players[id] = p
	return nil
}

func (t *memTx) ClaimIdempotency(_ context.Context, userID, key, action string) error {
	if err := t.write(); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("idempotency key is required")
	}
	k := dateKey{id: userID, date: key}
	if _, ok := t.st.idempotency[k]; ok {
		return ErrDuplicateIdempotency
	}
	t.st.idempotency[k] = action
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, o Order) (Order, error) {
	if err := t.write(); err != nil {
		return Order{}, err
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if _, ok := t.st.orders[o.ID]; ok {
		return Order{}, ErrAlreadyExists
	}
	t.st.orderSeq++
	o.Seq = t.st.orderSeq
	o.TradeDate = CivilDate(o.TradeDate)
	t.st.orders[o.ID] = o
	return o, nil
}

func (t *memTx) Order(_ context.Context, id string) (Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

func (t *memTx) Orders(_ context.Context, f OrderFilter) ([]Order, error) {
	var out []Order
	for _, o := range t.st.orders {
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Seq > out[j].Seq
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *memTx) PendingOrders(_ context.Context, f PendingFilter) ([]Order, error) {
	var out []Order
	for _, o := range t.st.orders {
		if o.Status != StatusPending {
			continue
		}
		if f.Side != "" && o.Side != f.Side {
			continue
		}
		if !f.ThroughDate.IsZero() && o.TradeDate.After(CivilDate(f.ThroughDate)) {
			continue
		}
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if f.PlayerID != "" && o.PlayerID != f.PlayerID {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (t *memTx) SettleOrder(_ context.Context, s Settlement) (bool, error) {
	if err := t.write(); err != nil {
		return false, err
	}
	o, ok := t.st.orders[s.OrderID]
	if !ok {
		return false, ErrNotFound
	}
	if o.Status != StatusPending {
		return false, nil
	}
	o.Status = s.Status
	if s.UnitsAmount.Valid {
		o.UnitsAmount = s.UnitsAmount
	}
	o.SettledFlags = s.SettledFlags
	if s.SettledDate != nil {
		d := CivilDate(*s.SettledDate)
		o.SettledDate = &d
	}
	o.Note = s.Note
	at := s.At
	o.ExecutedAt = &at
	t.st.orders[o.ID] = o
	return true, nil
}

func (t *memTx) ExecutedFlow(_ context.Context, playerID string, date time.Time) (decimal.Decimal, decimal.Decimal, error) {
	buys, sells := decimal.Zero, decimal.Zero
	day := CivilDate(date)
	for _, o := range t.st.orders {
		if o.PlayerID != playerID || o.Status != StatusExecuted || o.SettledDate == nil {
			continue
		}
		if !o.SettledDate.Equal(day) {
			continue
		}
		switch o.Side {
		case SideBuy:
			buys = buys.Add(o.FlagsAmount)
		case SideSell:
			sells = sells.Add(o.FlagsAmount)
		}
	}
	return buys, sells, nil
}

func (t *memTx) PriceHistory(_ context.Context, playerID string, date time.Time) (PriceHistory, error) {
	h, ok := t.st.history[dateKey{playerID, dateString(date)}]
	if !ok {
		return PriceHistory{}, ErrNotFound
	}
	return h, nil
}

func (t *memTx) PriceSeries(_ context.Context, playerID string, limit int) ([]PriceHistory, error) {
	var out []PriceHistory
	for k, h := range t.st.history {
		if k.id == playerID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SnapshotDate.After(out[j].SnapshotDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) PriceHistoryCount(_ context.Context, date time.Time) (int64, error) {
	day := dateString(date)
	var n int64
	for k := range t.st.history {
		if k.date == day {
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertPriceHistory(_ context.Context, h PriceHistory) error {
	if err := t.write(); err != nil {
		return err
	}
	k := dateKey{h.PlayerID, dateString(h.SnapshotDate)}
	if _, ok := t.st.history[k]; ok {
		return ErrAlreadyExists
	}
	h.SnapshotDate = CivilDate(h.SnapshotDate)
	t.st.history[k] = h
	return nil
}

func (t *memTx) InsertPriceOverride(_ context.Context, o PriceOverride) error {
	if err := t.write(); err != nil {
		return err
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	t.st.overrides = append(t.st.overrides, o)
	return nil
}

func (t *memTx) VoteTallies(_ context.Context, date time.Time) ([]VoteTally, error) {
	day := dateString(date)
	counts := map[string]int64{}
	for _, v := range t.st.votes {
		counts[v.opinionID]++
	}
	var out []VoteTally
	for _, op := range t.st.opinions {
		if op.date != day {
			continue
		}
		out = append(out, VoteTally{
			OpinionID:   op.id,
			UserID:      op.userID,
			Body:        op.body,
			Votes:       counts[op.id],
			SubmittedAt: op.submittedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpinionID < out[j].OpinionID })
	return out, nil
}

func (t *memTx) OpinionBodies(_ context.Context, opinionIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(opinionIDs))
	for _, id := range opinionIDs {
		if op, ok := t.st.opinions[id]; ok {
			out[id] = op.body
		}
	}
	return out, nil
}

func (t *memTx) Publications(_ context.Context, date time.Time) ([]WinnerPublication, error) {
	day := CivilDate(date)
	var out []WinnerPublication
	for _, p := range t.st.publications {
		if p.WinnerDate.Equal(day) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

func (t *memTx) PublicationsSince(_ context.Context, since time.Time) ([]WinnerPublication, error) {
	from := CivilDate(since)
	var out []WinnerPublication
	for _, p := range t.st.publications {
		if !p.WinnerDate.Before(from) {
			out = append(out, p)
		}
	}
	sortPublications(out)
	return out, nil
}

func sortPublications(ps []WinnerPublication) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].WinnerDate.Equal(ps[j].WinnerDate) {
			return ps[i].WinnerDate.After(ps[j].WinnerDate)
		}
		return ps[i].Rank < ps[j].Rank
	})
}

func (t *memTx) LatestPublicationForUser(_ context.Context, userID string) (WinnerPublication, error) {
	var mine []WinnerPublication
	for _, p := range t.st.publications {
		if p.UserID == userID {
			mine = append(mine, p)
		}
	}
	if len(mine) == 0 {
		return WinnerPublication{}, ErrNotFound
	}
	sortPublications(mine)
	return mine[0], nil
}

func (t *memTx) InsertPublication(_ context.Context, p WinnerPublication) error {
	if err := t.write(); err != nil {
		return err
	}
	p.WinnerDate = CivilDate(p.WinnerDate)
	for _, existing := range t.st.publications {
		if !existing.WinnerDate.Equal(p.WinnerDate) {
			continue
		}
		if existing.Rank == p.Rank || (existing.UserID == p.UserID && existing.OpinionID == p.OpinionID) {
			return ErrAlreadyExists
		}
	}
	t.st.publications = append(t.st.publications, p)
	return nil
}

func (t *memTx) CloseRun(_ context.Context, date time.Time) (CloseRun, error) {
	r, ok := t.st.runs[dateString(date)]
	if !ok {
		return CloseRun{}, ErrNotFound
	}
	return r, nil
}

func (t *memTx) ClaimCloseRun(_ context.Context, date time.Time, runID string, at time.Time, staleAfter time.Duration) error {
	if err := t.write(); err != nil {
		return err
	}
	day := dateString(date)
	if r, ok := t.st.runs[day]; ok && r.Status == RunRunning && r.RunID != runID {
		if at.Sub(r.StartedAt) < staleAfter {
			return ErrCloseInProgress
		}
	}
	t.st.runs[day] = CloseRun{TradeDate: CivilDate(date), RunID: runID, Status: RunRunning, StartedAt: at}
	return nil
}

func (t *memTx) FinishCloseRun(_ context.Context, date time.Time, runID, status string, at time.Time) error {
	if err := t.write(); err != nil {
		return err
	}
	day := dateString(date)
	r, ok := t.st.runs[day]
	if !ok || r.RunID != runID {
		return ErrNotFound
	}
	r.Status = status
	r.FinishedAt = &at
	t.st.runs[day] = r
	return nil
}

func (t *memTx) CloseSteps(_ context.Context, date time.Time) ([]CloseJobStep, error) {
	day := dateString(date)
	var out []CloseJobStep
	for k, s := range t.st.steps {
		if k.date == day {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

func (t *memTx) SaveCloseStep(_ context.Context, s CloseJobStep) error {
	if err := t.write(); err != nil {
		return err
	}
	s.TradeDate = CivilDate(s.TradeDate)
	t.st.steps[dateKey{s.Step, dateString(s.TradeDate)}] = s
	return nil
}

func (t *memTx) InsertPortfolioSnapshot(_ context.Context, s PortfolioSnapshot) (bool, error) {
	if err := t.write(); err != nil {
		return false, err
	}
	k := dateKey{s.UserID, dateString(s.SnapDate)}
	if _, ok := t.st.snapshots[k]; ok {
		return false, nil
	}
	s.SnapDate = CivilDate(s.SnapDate)
	s.Holdings = slices.Clone(s.Holdings)
	t.st.snapshots[k] = s
	return true, nil
}

func (t *memTx) PortfolioSnapshotCount(_ context.Context, date time.Time) (int64, error) {
	day := dateString(date)
	var n int64
	for k := range t.st.snapshots {
		if k.date == day {
			n++
		}
	}
	return n, nil
}

func (t *memTx) PortfolioHistory(_ context.Context, userID string, since time.Time) ([]PortfolioSnapshot, error) {
	from := CivilDate(since)
	var out []PortfolioSnapshot
	for k, s := range t.st.snapshots {
		if k.id == userID && !s.SnapDate.Before(from) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SnapDate.Before(out[j].SnapDate) })
	return out, nil
}
