package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/updownhq/engine/internal/domain"
)

type fakeGuard struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (g *fakeGuard) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return false, g.err
	}
	if g.seen == nil {
		g.seen = make(map[string]bool)
	}
	if g.seen[key] {
		return false, nil
	}
	g.seen[key] = true
	return true, nil
}

type fakeLimiter struct {
	mu    sync.Mutex
	count map[string]int
}

func (l *fakeLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == nil {
		l.count = make(map[string]int)
	}
	l.count[key]++
	return l.count[key] <= limit, nil
}

func openSession(sessions *fakeSessionStore, now time.Time) domain.Session {
	start := now.Truncate(time.Minute)
	s := domain.Session{
		ID:        domain.SessionID(start),
		StartTime: start,
		EndTime:   start.Add(time.Minute),
		Status:    domain.SessionOpen,
		CreatedAt: start,
	}
	sessions.put(s)
	return s
}

func testTradeService(sessions *fakeSessionStore, trades *fakeTradeStore, balances *fakeBalanceStore, now time.Time, cfg TradeConfig) *TradeService {
	return NewTradeService(trades, sessions, balances, nil, nil, nil, fixedClock(now), cfg, testLogger())
}

func TestPlaceTradeReservesStake(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 10, 0, time.UTC)
	sessions := newFakeSessionStore()
	trades := newFakeTradeStore()
	balances := newFakeBalanceStore()
	sess := openSession(sessions, now)
	balances.set("alice", 1000, 0)

	svc := testTradeService(sessions, trades, balances, now, TradeConfig{MinAmount: 1})

	trade, err := svc.PlaceTrade(context.Background(), "alice", sess.ID, domain.DirectionUp, 100)
	if err != nil {
		t.Fatalf("PlaceTrade: %v", err)
	}
	if trade.Status != domain.TradePending || trade.Amount != 100 {
		t.Errorf("trade = %+v", trade)
	}

	bal := balances.snapshot("alice")
	if bal.Available != 900 || bal.Frozen != 100 {
		t.Errorf("balance = %+v, want available 900 frozen 100", bal)
	}
	if got := trades.get(trade.ID); got.Direction != domain.DirectionUp {
		t.Errorf("stored trade = %+v", got)
	}
}

func TestPlaceTradeInsufficientBalance(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 10, 0, time.UTC)
	sessions := newFakeSessionStore()
	trades := newFakeTradeStore()
	balances := newFakeBalanceStore()
	sess := openSession(sessions, now)
	balances.set("alice", 50, 0)

	svc := testTradeService(sessions, trades, balances, now, TradeConfig{MinAmount: 1})

	_, err := svc.PlaceTrade(context.Background(), "alice", sess.ID, domain.DirectionUp, 100)
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if bal := balances.snapshot("alice"); bal.Available != 50 || bal.Frozen != 0 {
		t.Errorf("balance changed on rejection: %+v", bal)
	}
}

func TestPlaceTradeConcurrentCannotOverdraw(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 10, 0, time.UTC)
	sessions := newFakeSessionStore()
	trades := newFakeTradeStore()
	balances := newFakeBalanceStore()
	sess := openSession(sessions, now)
	// Enough for exactly three 100-unit stakes.
	balances.set("alice", 300, 0)

	svc := testTradeService(sessions, trades, balances, now, TradeConfig{MinAmount: 1})

	const attempts = 10
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.PlaceTrade(context.Background(), "alice", sess.ID, domain.DirectionUp, 100)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	placed, rejected := 0, 0
	for err := range results {
		switch {
		case err == nil:
			placed++
		case errors.Is(err, domain.ErrInsufficientBalance):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if placed != 3 || rejected != 7 {
		t.Errorf("placed = %d rejected = %d, want 3/7", placed, rejected)
	}
	if bal := balances.snapshot("alice"); bal.Available != 0 || bal.Frozen != 300 {
		t.Errorf("balance = %+v, want available 0 frozen 300", bal)
	}
}

func TestPlaceTradeRejectsClosedAndExpiredSessions(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 10, 0, time.UTC)
	sessions := newFakeSessionStore()
	trades := newFakeTradeStore()
	balances := newFakeBalanceStore()
	balances.set("alice", 1000, 0)

	svc := testTradeService(sessions, trades, balances, now, TradeConfig{MinAmount: 1})

	// Unknown session.
	if _, err := svc.PlaceTrade(context.Background(), "alice", "2605011299", domain.DirectionUp, 100); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown session err = %v, want ErrNotFound", err)
	}

	// Claimed by settlement.
	resolving := openSession(sessions, now)
	sessions.mu.Lock()
	sessions.sessions[resolving.ID].Status = domain.SessionResolving
	sessions.mu.Unlock()
	if _, err := svc.PlaceTrade(context.Background(), "alice", resolving.ID, domain.DirectionUp, 100); !errors.Is(err, domain.ErrSessionNotOpen) {
		t.Errorf("resolving session err = %v, want ErrSessionNotOpen", err)
	}

	// Still open in the store but past its end time.
	ended := expiredSession(sessions, now)
	if _, err := svc.PlaceTrade(context.Background(), "alice", ended.ID, domain.DirectionUp, 100); !errors.Is(err, domain.ErrSessionExpired) {
		t.Errorf("ended session err = %v, want ErrSessionExpired", err)
	}

	if bal := balances.snapshot("alice"); bal.Available != 1000 {
		t.Errorf("balance changed on rejections: %+v", bal)
	}
}

func TestPlaceTradeValidation(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 10, 0, time.UTC)
	sessions := newFakeSessionStore()
	sess := openSession(sessions, now)
	balances := newFakeBalanceStore()
	balances.set("alice", 1000, 0)

	svc := testTradeService(sessions, newFakeTradeStore(), balances, now, TradeConfig{MinAmount: 10})

	if _, err := svc.PlaceTrade(context.Background(), "alice", sess.ID, "sideways", 100); err == nil {
		t.Error("expected error for invalid direction")
	}
	if _, err := svc.PlaceTrade(context.Background(), "alice", sess.ID, domain.DirectionUp, 5); err == nil {
		t.Error("expected error for amount below minimum")
	}
	if _, err := svc.PlaceTrade(context.Background(), "alice", sess.ID, domain.DirectionUp, -50); err == nil {
		t.Error("expected error for negative amount")
	}
}

func TestPlaceTradeSessionCheckPrecedesWagerValidation(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 10, 0, time.UTC)
	sessions := newFakeSessionStore()
	balances := newFakeBalanceStore()
	balances.set("alice", 1000, 0)

	svc := testTradeService(sessions, newFakeTradeStore(), balances, now, TradeConfig{MinAmount: 10})

	// A bad wager against a missing session reports the missing session.
	if _, err := svc.PlaceTrade(context.Background(), "alice", "2605011299", "sideways", 5); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	// Same for an expired one.
	ended := expiredSession(sessions, now)
	if _, err := svc.PlaceTrade(context.Background(), "alice", ended.ID, domain.DirectionUp, 5); !errors.Is(err, domain.ErrSessionExpired) {
		t.Errorf("err = %v, want ErrSessionExpired", err)
	}
}

func TestPlaceTradePendingCap(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 10, 0, time.UTC)
	sessions := newFakeSessionStore()
	trades := newFakeTradeStore()
	balances := newFakeBalanceStore()
	sess := openSession(sessions, now)
	balances.set("alice", 1000, 0)

	svc := testTradeService(sessions, trades, balances, now, TradeConfig{
		MinAmount:            1,
		MaxPendingPerSession: 2,
	})

	for i := 0; i < 2; i++ {
		if _, err := svc.PlaceTrade(context.Background(), "alice", sess.ID, domain.DirectionUp, 10); err != nil {
			t.Fatalf("trade %d: %v", i, err)
		}
	}
	_, err := svc.PlaceTrade(context.Background(), "alice", sess.ID, domain.DirectionDown, 10)
	if !errors.Is(err, domain.ErrPendingCapReached) {
		t.Fatalf("err = %v, want ErrPendingCapReached", err)
	}
}

func TestPlaceTradeDuplicateGuard(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 10, 0, time.UTC)
	sessions := newFakeSessionStore()
	trades := newFakeTradeStore()
	balances := newFakeBalanceStore()
	sess := openSession(sessions, now)
	balances.set("alice", 1000, 0)

	guard := &fakeGuard{}
	svc := NewTradeService(trades, sessions, balances, guard, nil, nil, fixedClock(now), TradeConfig{
		MinAmount:       1,
		DuplicateWindow: 5 * time.Second,
	}, testLogger())

	if _, err := svc.PlaceTrade(context.Background(), "alice", sess.ID, domain.DirectionUp, 100); err != nil {
		t.Fatalf("first placement: %v", err)
	}
	_, err := svc.PlaceTrade(context.Background(), "alice", sess.ID, domain.DirectionUp, 100)
	if !errors.Is(err, domain.ErrDuplicateTrade) {
		t.Fatalf("err = %v, want ErrDuplicateTrade", err)
	}

	// A different amount is not a duplicate.
	if _, err := svc.PlaceTrade(context.Background(), "alice", sess.ID, domain.DirectionUp, 200); err != nil {
		t.Errorf("different amount rejected: %v", err)
	}
}

func TestPlaceTradeGuardOutageDoesNotBlock(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 10, 0, time.UTC)
	sessions := newFakeSessionStore()
	trades := newFakeTradeStore()
	balances := newFakeBalanceStore()
	sess := openSession(sessions, now)
	balances.set("alice", 1000, 0)

	guard := &fakeGuard{err: errors.New("redis down")}
	svc := NewTradeService(trades, sessions, balances, guard, nil, nil, fixedClock(now), TradeConfig{
		MinAmount:       1,
		DuplicateWindow: 5 * time.Second,
	}, testLogger())

	if _, err := svc.PlaceTrade(context.Background(), "alice", sess.ID, domain.DirectionUp, 100); err != nil {
		t.Fatalf("placement with guard down: %v", err)
	}
}

func TestPlaceTradeRateLimited(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 10, 0, time.UTC)
	sessions := newFakeSessionStore()
	trades := newFakeTradeStore()
	balances := newFakeBalanceStore()
	sess := openSession(sessions, now)
	balances.set("alice", 1000, 0)

	svc := NewTradeService(trades, sessions, balances, nil, &fakeLimiter{}, nil, fixedClock(now), TradeConfig{
		MinAmount:  1,
		RateLimit:  2,
		RateWindow: time.Minute,
	}, testLogger())

	for i := 0; i < 2; i++ {
		if _, err := svc.PlaceTrade(context.Background(), "alice", sess.ID, domain.DirectionUp, int64(10+i)); err != nil {
			t.Fatalf("trade %d: %v", i, err)
		}
	}
	_, err := svc.PlaceTrade(context.Background(), "alice", sess.ID, domain.DirectionUp, 30)
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestPlaceTradeReleasesReservationOnInsertFailure(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 10, 0, time.UTC)
	sessions := newFakeSessionStore()
	trades := newFakeTradeStore()
	balances := newFakeBalanceStore()
	sess := openSession(sessions, now)
	balances.set("alice", 1000, 0)
	trades.insertErr = errors.New("disk full")

	svc := testTradeService(sessions, trades, balances, now, TradeConfig{MinAmount: 1})

	if _, err := svc.PlaceTrade(context.Background(), "alice", sess.ID, domain.DirectionUp, 100); err == nil {
		t.Fatal("expected insert failure")
	}
	// The reserved stake must be handed back.
	if bal := balances.snapshot("alice"); bal.Available != 1000 || bal.Frozen != 0 {
		t.Errorf("balance = %+v, want fully released", bal)
	}
}
