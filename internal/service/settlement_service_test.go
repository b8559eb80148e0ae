package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/updownhq/engine/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock(t time.Time) domain.Clock {
	return domain.ClockFunc(func() time.Time { return t })
}

func testSettlementService(sessions *fakeSessionStore, trades *fakeTradeStore, balances *fakeBalanceStore, now time.Time) *SettlementService {
	return NewSettlementService(sessions, trades, balances, nil, nil, fixedClock(now), SettlementConfig{
		PayoutRatio: 0.9,
		ClaimLease:  30 * time.Second,
	}, testLogger())
}

// expiredSession seeds an open session that ended one minute before now.
func expiredSession(sessions *fakeSessionStore, now time.Time) domain.Session {
	start := now.Add(-2 * time.Minute)
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

func pendingTrade(trades *fakeTradeStore, id, sessionID, userID string, dir domain.Direction, amount int64) {
	trades.put(domain.Trade{
		ID:        id,
		SessionID: sessionID,
		UserID:    userID,
		Direction: dir,
		Amount:    amount,
		Status:    domain.TradePending,
	})
}

func TestRunPassSettlesWinner(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	sessions := newFakeSessionStore()
	trades := newFakeTradeStore()
	balances := newFakeBalanceStore()

	sess := expiredSession(sessions, now)
	pendingTrade(trades, "t1", sess.ID, "alice", domain.DirectionUp, 100)
	balances.set("alice", 900, 100)

	svc := testSettlementService(sessions, trades, balances, now)
	svc.draw = func() domain.Direction { return domain.DirectionUp }

	result, err := svc.RunPass(context.Background(), now)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if result.SettledSessions != 1 || result.Wins != 1 || result.Losses != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	// Stake 100 at payout 0.9: profit 90, stake returned.
	bal := balances.snapshot("alice")
	if bal.Available != 900+100+90 {
		t.Errorf("available = %d, want %d", bal.Available, 1090)
	}
	if bal.Frozen != 0 {
		t.Errorf("frozen = %d, want 0", bal.Frozen)
	}

	tr := trades.get("t1")
	if tr.Status != domain.TradeSettled || tr.Result != domain.TradeWin || tr.Profit != 90 {
		t.Errorf("trade = %+v", tr)
	}

	got := sessions.get(sess.ID)
	if got.Status != domain.SessionSettled {
		t.Errorf("session status = %q, want settled", got.Status)
	}
	if got.TradeCount != 1 || got.WinCount != 1 || got.TotalPaid != 90 {
		t.Errorf("aggregates = %+v", got)
	}
}

func TestRunPassSettlesLoser(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	sessions := newFakeSessionStore()
	trades := newFakeTradeStore()
	balances := newFakeBalanceStore()

	sess := expiredSession(sessions, now)
	pendingTrade(trades, "t1", sess.ID, "bob", domain.DirectionDown, 100)
	balances.set("bob", 900, 100)

	svc := testSettlementService(sessions, trades, balances, now)
	svc.draw = func() domain.Direction { return domain.DirectionUp }

	result, err := svc.RunPass(context.Background(), now)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if result.Losses != 1 || result.Wins != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	// The losing stake is forfeited from frozen; available is untouched.
	bal := balances.snapshot("bob")
	if bal.Available != 900 || bal.Frozen != 0 {
		t.Errorf("balance = %+v", bal)
	}

	got := sessions.get(sess.ID)
	if got.LoseCount != 1 || got.TotalForfeited != 100 {
		t.Errorf("aggregates = %+v", got)
	}
}

func TestRunPassOverrideOutcomeWins(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	sessions := newFakeSessionStore()
	trades := newFakeTradeStore()
	balances := newFakeBalanceStore()

	sess := expiredSession(sessions, now)
	if err := sessions.SetOverrideOutcome(context.Background(), sess.ID, domain.DirectionDown); err != nil {
		t.Fatalf("SetOverrideOutcome: %v", err)
	}
	pendingTrade(trades, "t1", sess.ID, "alice", domain.DirectionDown, 50)
	balances.set("alice", 0, 50)

	svc := testSettlementService(sessions, trades, balances, now)
	// The draw disagrees with the override; the override must win.
	svc.draw = func() domain.Direction { return domain.DirectionUp }

	if _, err := svc.RunPass(context.Background(), now); err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	got := sessions.get(sess.ID)
	if got.Outcome != domain.DirectionDown || got.OutcomeSource != domain.OutcomeSourceOverride {
		t.Errorf("outcome = %q source = %q, want down/override", got.Outcome, got.OutcomeSource)
	}
	tr := trades.get("t1")
	if tr.Result != domain.TradeWin {
		t.Errorf("trade result = %q, want win", tr.Result)
	}
}

func TestRunPassProfitRoundsDown(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	sessions := newFakeSessionStore()
	trades := newFakeTradeStore()
	balances := newFakeBalanceStore()

	sess := expiredSession(sessions, now)
	// 7 * 0.9 = 6.3, profit must floor to 6.
	pendingTrade(trades, "t1", sess.ID, "alice", domain.DirectionUp, 7)
	balances.set("alice", 0, 7)

	svc := testSettlementService(sessions, trades, balances, now)
	svc.draw = func() domain.Direction { return domain.DirectionUp }

	if _, err := svc.RunPass(context.Background(), now); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if tr := trades.get("t1"); tr.Profit != 6 {
		t.Errorf("profit = %d, want 6", tr.Profit)
	}
	if bal := balances.snapshot("alice"); bal.Available != 13 {
		t.Errorf("available = %d, want 13", bal.Available)
	}
}

func TestRunPassIdempotentAcrossInstances(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	sessions := newFakeSessionStore()
	trades := newFakeTradeStore()
	balances := newFakeBalanceStore()

	sess := expiredSession(sessions, now)
	pendingTrade(trades, "t1", sess.ID, "alice", domain.DirectionUp, 100)
	balances.set("alice", 0, 100)

	first := testSettlementService(sessions, trades, balances, now)
	first.draw = func() domain.Direction { return domain.DirectionUp }
	if _, err := first.RunPass(context.Background(), now); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	// A second instance (empty fast-path set, as after a restart) re-runs
	// against the same stores and must change nothing.
	second := testSettlementService(sessions, trades, balances, now.Add(time.Second))
	second.draw = func() domain.Direction { return domain.DirectionDown }
	result, err := second.RunPass(context.Background(), now.Add(time.Second))
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if result.SettledSessions != 0 || result.SettledTrades != 0 {
		t.Fatalf("second pass settled again: %+v", result)
	}

	if bal := balances.snapshot("alice"); bal.Available != 190 || bal.Frozen != 0 {
		t.Errorf("balance after double pass = %+v", bal)
	}
	if got := sessions.get(sess.ID); got.Outcome != domain.DirectionUp {
		t.Errorf("outcome changed on re-run: %q", got.Outcome)
	}
}

func TestRunPassConcurrentSettlesOnce(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	sessions := newFakeSessionStore()
	trades := newFakeTradeStore()
	balances := newFakeBalanceStore()

	sess := expiredSession(sessions, now)
	for _, id := range []string{"t1", "t2", "t3"} {
		pendingTrade(trades, id, sess.ID, "alice-"+id, domain.DirectionUp, 100)
		balances.set("alice-"+id, 0, 100)
	}

	const passes = 8
	var wg sync.WaitGroup
	for i := 0; i < passes; i++ {
		svc := testSettlementService(sessions, trades, balances, now)
		svc.draw = func() domain.Direction { return domain.DirectionUp }
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.RunPass(context.Background(), now); err != nil {
				t.Errorf("RunPass: %v", err)
			}
		}()
	}
	wg.Wait()

	// Exactly one pass settled each trade: every winner is paid once.
	for _, id := range []string{"t1", "t2", "t3"} {
		bal := balances.snapshot("alice-" + id)
		if bal.Available != 190 || bal.Frozen != 0 {
			t.Errorf("user alice-%s balance = %+v, want available 190", id, bal)
		}
	}
	if got := sessions.get(sess.ID); got.Status != domain.SessionSettled || got.TradeCount != 3 {
		t.Errorf("session = %+v", got)
	}
}

func TestRunPassLedgerFailureLeavesSessionRetryable(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	sessions := newFakeSessionStore()
	trades := newFakeTradeStore()
	balances := newFakeBalanceStore()

	sess := expiredSession(sessions, now)
	pendingTrade(trades, "t1", sess.ID, "alice", domain.DirectionUp, 100)
	balances.set("alice", 0, 100)
	balances.settleWinErr = errors.New("connection reset")

	svc := testSettlementService(sessions, trades, balances, now)
	svc.draw = func() domain.Direction { return domain.DirectionUp }

	result, err := svc.RunPass(context.Background(), now)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if len(result.Errors) == 0 || result.SettledSessions != 0 {
		t.Fatalf("expected failed pass, got %+v", result)
	}

	// The trade went back to pending and the session was not finalized.
	if tr := trades.get("t1"); tr.Status != domain.TradePending {
		t.Fatalf("trade status = %q, want pending", tr.Status)
	}
	if got := sessions.get(sess.ID); got.Status != domain.SessionResolving {
		t.Fatalf("session status = %q, want resolving", got.Status)
	}

	// After the claim lease expires a later pass retries and completes.
	balances.settleWinErr = nil
	later := now.Add(time.Minute)
	retry := testSettlementService(sessions, trades, balances, later)
	retry.draw = func() domain.Direction { return domain.DirectionDown } // ignored, outcome already fixed

	result, err = retry.RunPass(context.Background(), later)
	if err != nil {
		t.Fatalf("retry pass: %v", err)
	}
	if result.SettledSessions != 1 || result.Wins != 1 {
		t.Fatalf("retry result: %+v", result)
	}
	if bal := balances.snapshot("alice"); bal.Available != 190 {
		t.Errorf("available = %d, want 190", bal.Available)
	}
}

func TestRunPassRetryAggregatesCoverEarlierTrades(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	sessions := newFakeSessionStore()
	trades := newFakeTradeStore()
	balances := newFakeBalanceStore()

	sess := expiredSession(sessions, now)
	pendingTrade(trades, "t1", sess.ID, "alice", domain.DirectionUp, 100)
	pendingTrade(trades, "t2", sess.ID, "bob", domain.DirectionUp, 100)
	balances.set("alice", 0, 100)
	balances.set("bob", 0, 100)

	// Alice's payout lands, bob's ledger call fails, the session stays
	// resolving with only t2 pending again.
	balances.settleWinErr = errors.New("connection reset")
	balances.settleWinErrUser = "bob"

	svc := testSettlementService(sessions, trades, balances, now)
	svc.draw = func() domain.Direction { return domain.DirectionUp }

	result, err := svc.RunPass(context.Background(), now)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if result.SettledTrades != 1 || result.SettledSessions != 0 {
		t.Fatalf("first pass result: %+v", result)
	}

	// The retrying pass settles only t2 itself, but the finalized session
	// must count both trades.
	balances.settleWinErr = nil
	later := now.Add(time.Minute)
	retry := testSettlementService(sessions, trades, balances, later)

	result, err = retry.RunPass(context.Background(), later)
	if err != nil {
		t.Fatalf("retry pass: %v", err)
	}
	if result.SettledSessions != 1 || result.SettledTrades != 1 {
		t.Fatalf("retry result: %+v", result)
	}

	got := sessions.get(sess.ID)
	if got.TradeCount != 2 || got.WinCount != 2 || got.LoseCount != 0 {
		t.Errorf("counts = %d/%d/%d, want 2/2/0", got.TradeCount, got.WinCount, got.LoseCount)
	}
	if got.TotalPaid != 180 {
		t.Errorf("total_paid = %d, want 180", got.TotalPaid)
	}
	for _, user := range []string{"alice", "bob"} {
		if bal := balances.snapshot(user); bal.Available != 190 || bal.Frozen != 0 {
			t.Errorf("%s balance = %+v, want 190 available", user, bal)
		}
	}
}

func TestRunPassLiveClaimBlocksSecondCaller(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	sessions := newFakeSessionStore()
	trades := newFakeTradeStore()
	balances := newFakeBalanceStore()

	sess := expiredSession(sessions, now)
	// Another pass claimed the session moments ago and is still working.
	claimed, err := sessions.Claim(context.Background(), sess.ID, now.Add(-time.Second), now.Add(-30*time.Second))
	if err != nil || !claimed {
		t.Fatalf("seed claim: %v claimed=%t", err, claimed)
	}
	pendingTrade(trades, "t1", sess.ID, "alice", domain.DirectionUp, 100)
	balances.set("alice", 0, 100)

	svc := testSettlementService(sessions, trades, balances, now)
	result, err := svc.RunPass(context.Background(), now)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if result.Skipped != 1 || result.SettledTrades != 0 {
		t.Fatalf("expected skip while claim live, got %+v", result)
	}
	if tr := trades.get("t1"); tr.Status != domain.TradePending {
		t.Errorf("trade touched while session claimed elsewhere: %+v", tr)
	}
}

func TestRunPassEmptySessionFinalizes(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	sessions := newFakeSessionStore()
	trades := newFakeTradeStore()
	balances := newFakeBalanceStore()

	sess := expiredSession(sessions, now)

	svc := testSettlementService(sessions, trades, balances, now)
	svc.draw = func() domain.Direction { return domain.DirectionUp }

	result, err := svc.RunPass(context.Background(), now)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if result.SettledSessions != 1 {
		t.Fatalf("result: %+v", result)
	}
	got := sessions.get(sess.ID)
	if got.Status != domain.SessionSettled || got.TradeCount != 0 {
		t.Errorf("session = %+v", got)
	}
	// A session with no trades still gets an outcome on record.
	if got.Outcome == "" || got.OutcomeSource != domain.OutcomeSourceEngine {
		t.Errorf("outcome = %q source = %q", got.Outcome, got.OutcomeSource)
	}
}

func TestRunPassRecentSetSkipsStoreRoundTrip(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	sessions := newFakeSessionStore()
	trades := newFakeTradeStore()
	balances := newFakeBalanceStore()

	sess := expiredSession(sessions, now)

	svc := testSettlementService(sessions, trades, balances, now)
	svc.draw = func() domain.Direction { return domain.DirectionUp }

	if _, err := svc.RunPass(context.Background(), now); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	claimsAfterFirst := sessions.claimCalls

	// Finalize raced nothing, but ListExpiredUnsettled no longer returns the
	// session; force the fast path by listing it again via a stale status.
	// Re-running immediately must not issue another claim for it.
	sessions.mu.Lock()
	sessions.sessions[sess.ID].Status = domain.SessionResolving
	sessions.mu.Unlock()

	if _, err := svc.RunPass(context.Background(), now); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if sessions.claimCalls != claimsAfterFirst {
		t.Errorf("claim calls = %d, want %d (fast path should skip)", sessions.claimCalls, claimsAfterFirst)
	}
}

func TestProfitFor(t *testing.T) {
	cases := []struct {
		amount int64
		ratio  float64
		want   int64
	}{
		{100, 0.9, 90},
		{7, 0.9, 6},
		{1, 0.9, 0},
		{0, 0.9, 0},
		{33, 0.9, 29},
	}
	for _, c := range cases {
		if got := profitFor(c.amount, c.ratio); got != c.want {
			t.Errorf("profitFor(%d, %v) = %d, want %d", c.amount, c.ratio, got, c.want)
		}
	}
}
