package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/updownhq/engine/internal/domain"
)

// The fakes below reproduce the stores' conditional-update semantics under a
// mutex, so the service tests exercise the same race outcomes the SQL
// implementations guarantee.

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session

	claimCalls int
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*domain.Session)}
}

func (f *fakeSessionStore) put(s domain.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := s
	f.sessions[s.ID] = &cp
}

func (f *fakeSessionStore) get(id string) domain.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.sessions[id]
}

func (f *fakeSessionStore) InsertBatch(_ context.Context, sessions []domain.Session) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	created := 0
	for _, s := range sessions {
		if _, exists := f.sessions[s.ID]; exists {
			continue
		}
		cp := s
		f.sessions[s.ID] = &cp
		created++
	}
	return created, nil
}

func (f *fakeSessionStore) GetByID(_ context.Context, id string) (domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrNotFound
	}
	return *s, nil
}

func (f *fakeSessionStore) CountUpcoming(_ context.Context, after time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sessions {
		if s.StartTime.After(after) {
			n++
		}
	}
	return n, nil
}

func (f *fakeSessionStore) LatestStartTime(_ context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest time.Time
	for _, s := range f.sessions {
		if s.StartTime.After(latest) {
			latest = s.StartTime
		}
	}
	return latest, nil
}

func (f *fakeSessionStore) ListCurrentAndUpcoming(_ context.Context, now time.Time, limit int) ([]domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Session
	for _, s := range f.sessions {
		if s.EndTime.After(now) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeSessionStore) ListExpiredUnsettled(_ context.Context, now time.Time, limit int) ([]domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Session
	for _, s := range f.sessions {
		if !s.EndTime.After(now) && s.Status != domain.SessionSettled {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeSessionStore) SetOverrideOutcome(_ context.Context, id string, outcome domain.Direction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if s.Status == domain.SessionSettled {
		return domain.ErrAlreadySettled
	}
	s.Outcome = outcome
	s.OutcomeSource = domain.OutcomeSourceOverride
	return nil
}

func (f *fakeSessionStore) ResolveOutcome(_ context.Context, id string, fallback domain.Direction) (domain.Direction, domain.OutcomeSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return "", "", domain.ErrNotFound
	}
	if s.Outcome == "" {
		s.Outcome = fallback
		s.OutcomeSource = domain.OutcomeSourceEngine
	}
	return s.Outcome, s.OutcomeSource, nil
}

func (f *fakeSessionStore) Claim(_ context.Context, id string, now time.Time, staleBefore time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimCalls++
	s, ok := f.sessions[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if s.Status == domain.SessionSettled {
		return false, nil
	}
	if s.Status == domain.SessionResolving && s.ClaimedAt != nil && !s.ClaimedAt.Before(staleBefore) {
		return false, nil
	}
	s.Status = domain.SessionResolving
	claimed := now
	s.ClaimedAt = &claimed
	return true, nil
}

func (f *fakeSessionStore) Finalize(_ context.Context, id string, now time.Time, agg domain.SessionAggregates) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if s.Status != domain.SessionResolving {
		return false, nil
	}
	s.Status = domain.SessionSettled
	s.TradeCount = agg.TradeCount
	s.WinCount = agg.WinCount
	s.LoseCount = agg.LoseCount
	s.TotalPaid = agg.TotalPaid
	s.TotalForfeited = agg.TotalForfeited
	settled := now
	s.SettledAt = &settled
	return true, nil
}

func (f *fakeSessionStore) ListSettledBefore(_ context.Context, before time.Time) ([]domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Session
	for _, s := range f.sessions {
		if s.Status == domain.SessionSettled && s.EndTime.Before(before) {
			out = append(out, *s)
		}
	}
	return out, nil
}

var _ domain.SessionStore = (*fakeSessionStore)(nil)

type fakeTradeStore struct {
	mu     sync.Mutex
	trades map[string]*domain.Trade

	insertErr error
}

func newFakeTradeStore() *fakeTradeStore {
	return &fakeTradeStore{trades: make(map[string]*domain.Trade)}
}

func (f *fakeTradeStore) put(t domain.Trade) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := t
	f.trades[t.ID] = &cp
}

func (f *fakeTradeStore) get(id string) domain.Trade {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.trades[id]
}

func (f *fakeTradeStore) Insert(_ context.Context, t domain.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	cp := t
	f.trades[t.ID] = &cp
	return nil
}

func (f *fakeTradeStore) GetByID(_ context.Context, id string) (domain.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trades[id]
	if !ok {
		return domain.Trade{}, domain.ErrNotFound
	}
	return *t, nil
}

func (f *fakeTradeStore) ListPendingBySession(_ context.Context, sessionID string) ([]domain.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Trade
	for _, t := range f.trades {
		if t.SessionID == sessionID && t.Status == domain.TradePending {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeTradeStore) CountPending(_ context.Context, sessionID, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.trades {
		if t.SessionID == sessionID && t.UserID == userID && t.Status == domain.TradePending {
			n++
		}
	}
	return n, nil
}

func (f *fakeTradeStore) MarkSettled(_ context.Context, id string, result domain.TradeResult, profit int64, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trades[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if t.Status != domain.TradePending {
		return false, nil
	}
	t.Status = domain.TradeSettled
	t.Result = result
	t.Profit = profit
	settled := now
	t.SettledAt = &settled
	return true, nil
}

func (f *fakeTradeStore) Reopen(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trades[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Status = domain.TradePending
	t.Result = ""
	t.Profit = 0
	t.SettledAt = nil
	return nil
}

func (f *fakeTradeStore) ListByUser(_ context.Context, userID string, opts domain.ListOpts) ([]domain.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Trade
	for _, t := range f.trades {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, opts), nil
}

func (f *fakeTradeStore) ListBySession(_ context.Context, sessionID string, opts domain.ListOpts) ([]domain.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Trade
	for _, t := range f.trades {
		if t.SessionID == sessionID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, opts), nil
}

func (f *fakeTradeStore) AggregateBySession(_ context.Context, sessionID string) (domain.SessionAggregates, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var agg domain.SessionAggregates
	for _, t := range f.trades {
		if t.SessionID != sessionID || t.Status != domain.TradeSettled {
			continue
		}
		agg.TradeCount++
		switch t.Result {
		case domain.TradeWin:
			agg.WinCount++
			agg.TotalPaid += t.Profit
		case domain.TradeLose:
			agg.LoseCount++
			agg.TotalForfeited += t.Amount
		}
	}
	return agg, nil
}

func (f *fakeTradeStore) ListSettledBefore(_ context.Context, before time.Time) ([]domain.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Trade
	for _, t := range f.trades {
		if t.Status == domain.TradeSettled && t.SettledAt != nil && t.SettledAt.Before(before) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeTradeStore) DeleteSettledBefore(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, t := range f.trades {
		if t.Status == domain.TradeSettled && t.SettledAt != nil && t.SettledAt.Before(before) {
			delete(f.trades, id)
			n++
		}
	}
	return n, nil
}

func paginate(trades []domain.Trade, opts domain.ListOpts) []domain.Trade {
	if opts.Offset > 0 {
		if opts.Offset >= len(trades) {
			return nil
		}
		trades = trades[opts.Offset:]
	}
	if opts.Limit > 0 && len(trades) > opts.Limit {
		trades = trades[:opts.Limit]
	}
	return trades
}

var _ domain.TradeStore = (*fakeTradeStore)(nil)

type fakeBalanceStore struct {
	mu       sync.Mutex
	balances map[string]*domain.Balance

	settleWinErr  error
	settleLoseErr error
	// settleWinErrUser scopes settleWinErr to one user; empty fails all.
	settleWinErrUser string
}

func newFakeBalanceStore() *fakeBalanceStore {
	return &fakeBalanceStore{balances: make(map[string]*domain.Balance)}
}

func (f *fakeBalanceStore) set(userID string, available, frozen int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[userID] = &domain.Balance{UserID: userID, Available: available, Frozen: frozen}
}

func (f *fakeBalanceStore) snapshot(userID string) domain.Balance {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[userID]
	if !ok {
		return domain.Balance{UserID: userID}
	}
	return *b
}

func (f *fakeBalanceStore) Get(_ context.Context, userID string) (domain.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[userID]
	if !ok {
		return domain.Balance{}, domain.ErrNotFound
	}
	return *b, nil
}

func (f *fakeBalanceStore) Credit(_ context.Context, userID string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[userID]
	if !ok {
		b = &domain.Balance{UserID: userID}
		f.balances[userID] = b
	}
	b.Available += amount
	return nil
}

func (f *fakeBalanceStore) Reserve(_ context.Context, userID string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[userID]
	if !ok || b.Available < amount {
		return domain.ErrInsufficientBalance
	}
	b.Available -= amount
	b.Frozen += amount
	return nil
}

func (f *fakeBalanceStore) ReleaseReservation(_ context.Context, userID string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[userID]
	if !ok || b.Frozen < amount {
		return domain.ErrLedgerInvariant
	}
	b.Frozen -= amount
	b.Available += amount
	return nil
}

func (f *fakeBalanceStore) SettleWin(_ context.Context, userID string, stake, profit int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settleWinErr != nil && (f.settleWinErrUser == "" || f.settleWinErrUser == userID) {
		return f.settleWinErr
	}
	b, ok := f.balances[userID]
	if !ok || b.Frozen < stake {
		return domain.ErrLedgerInvariant
	}
	b.Frozen -= stake
	b.Available += stake + profit
	return nil
}

func (f *fakeBalanceStore) SettleLose(_ context.Context, userID string, stake int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settleLoseErr != nil {
		return f.settleLoseErr
	}
	b, ok := f.balances[userID]
	if !ok || b.Frozen < stake {
		return domain.ErrLedgerInvariant
	}
	b.Frozen -= stake
	return nil
}

func (f *fakeBalanceStore) RepairIfNegative(_ context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[userID]
	if !ok {
		return false, nil
	}
	repaired := false
	if b.Available < 0 {
		b.Available = 0
		repaired = true
	}
	if b.Frozen < 0 {
		b.Frozen = 0
		repaired = true
	}
	return repaired, nil
}

var _ domain.BalanceStore = (*fakeBalanceStore)(nil)
