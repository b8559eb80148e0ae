package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/updownhq/engine/internal/domain"
)

// Alerter is the slice of the notifier that the settlement engine needs.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// SettlementConfig holds the settlement engine's policy knobs.
type SettlementConfig struct {
	// PayoutRatio is the profit multiplier on a winning stake
	// (0.9 means a stake of 10 wins 9).
	PayoutRatio float64
	// ClaimLease is how long a resolving claim is honored before another
	// pass may take the session over. It must comfortably exceed the time
	// one session takes to settle.
	ClaimLease time.Duration
	// MaxSessionsPerPass bounds how many expired sessions one pass handles.
	MaxSessionsPerPass int
	// RecentTTL is how long a finished session id stays in the in-process
	// fast-path set.
	RecentTTL time.Duration
}

// PassResult summarizes one settlement pass. A pass never aborts on a single
// failure; errors are collected here instead.
type PassResult struct {
	Examined        int      `json:"examined"`
	SettledSessions int      `json:"settled_sessions"`
	SettledTrades   int      `json:"settled_trades"`
	Wins            int      `json:"wins"`
	Losses          int      `json:"losses"`
	Skipped         int      `json:"skipped"`
	Errors          []string `json:"errors,omitempty"`
}

// SettlementService settles expired sessions. It is triggered redundantly —
// by the scheduler, the on-demand endpoint, and client polls — and any number
// of invocations may run concurrently: every transition it performs is a
// conditional store update, so for each session and each trade exactly one
// caller's write wins and the rest fall through harmlessly.
type SettlementService struct {
	sessions domain.SessionStore
	trades   domain.TradeStore
	balances domain.BalanceStore
	bus      domain.SignalBus // optional
	alerter  Alerter          // optional
	clock    domain.Clock
	cfg      SettlementConfig
	draw     func() domain.Direction
	recent   *recentSet
	logger   *slog.Logger
}

// NewSettlementService creates a SettlementService.
func NewSettlementService(
	sessions domain.SessionStore,
	trades domain.TradeStore,
	balances domain.BalanceStore,
	bus domain.SignalBus,
	alerter Alerter,
	clock domain.Clock,
	cfg SettlementConfig,
	logger *slog.Logger,
) *SettlementService {
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 30 * time.Second
	}
	if cfg.MaxSessionsPerPass <= 0 {
		cfg.MaxSessionsPerPass = 50
	}
	if cfg.RecentTTL <= 0 {
		cfg.RecentTTL = 5 * time.Minute
	}
	return &SettlementService{
		sessions: sessions,
		trades:   trades,
		balances: balances,
		bus:      bus,
		alerter:  alerter,
		clock:    clock,
		cfg:      cfg,
		draw:     randomDirection,
		recent:   newRecentSet(cfg.RecentTTL),
		logger:   logger,
	}
}

// RunPass settles every session whose round has ended and which is not yet
// terminal. Safe to invoke repeatedly and concurrently; re-running after any
// number of prior passes (including interrupted ones) produces no duplicate
// effects.
func (s *SettlementService) RunPass(ctx context.Context, now time.Time) (PassResult, error) {
	var result PassResult

	candidates, err := s.sessions.ListExpiredUnsettled(ctx, now, s.cfg.MaxSessionsPerPass)
	if err != nil {
		return result, fmt.Errorf("settlement: list candidates: %w", err)
	}
	result.Examined = len(candidates)

	for _, sess := range candidates {
		// Fast path: skip sessions this process just finished. Purely a
		// latency shortcut; a restarted or second instance goes through the
		// claim below and is still safe.
		if s.recent.Contains(sess.ID) {
			result.Skipped++
			continue
		}
		s.settleSession(ctx, now, sess.ID, &result)
	}

	if result.SettledSessions > 0 || len(result.Errors) > 0 {
		s.logger.InfoContext(ctx, "settlement: pass complete",
			slog.Int("examined", result.Examined),
			slog.Int("settled_sessions", result.SettledSessions),
			slog.Int("settled_trades", result.SettledTrades),
			slog.Int("skipped", result.Skipped),
			slog.Int("errors", len(result.Errors)),
		)
	}
	if len(result.Errors) > 0 && s.alerter != nil {
		_ = s.alerter.Notify(ctx, "settlement_errors", "Settlement pass errors",
			fmt.Sprintf("%d error(s) in settlement pass: %v", len(result.Errors), result.Errors))
	}

	return result, nil
}

// settleSession runs the claim → resolve → settle → finalize sequence for
// one session, accumulating into result.
func (s *SettlementService) settleSession(ctx context.Context, now time.Time, sessionID string, result *PassResult) {
	// Claim: the linchpin. One concurrent caller wins the conditional
	// transition; everyone else treats the session as handled. A claim left
	// behind by an interrupted pass expires after the lease and is taken
	// over here.
	claimed, err := s.sessions.Claim(ctx, sessionID, now, now.Add(-s.cfg.ClaimLease))
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("claim %s: %v", sessionID, err))
		return
	}
	if !claimed {
		result.Skipped++
		return
	}

	// Resolve the outcome: an earlier override wins; otherwise the random
	// draw is persisted before any trade is touched, so a re-run of this
	// session is deterministic from here on.
	outcome, source, err := s.sessions.ResolveOutcome(ctx, sessionID, s.draw())
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("resolve %s: %v", sessionID, err))
		return
	}

	pending, err := s.trades.ListPendingBySession(ctx, sessionID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list pending %s: %v", sessionID, err))
		return
	}

	failed := 0
	for _, t := range pending {
		won := t.Direction == outcome
		tradeResult := domain.TradeLose
		var profit int64
		if won {
			tradeResult = domain.TradeWin
			profit = profitFor(t.Amount, s.cfg.PayoutRatio)
		}

		flipped, err := s.trades.MarkSettled(ctx, t.ID, tradeResult, profit, now)
		if err != nil {
			failed++
			result.Errors = append(result.Errors, fmt.Sprintf("settle trade %s: %v", t.ID, err))
			continue
		}
		if !flipped {
			// Another pass already settled it.
			continue
		}

		var ledgerErr error
		if won {
			ledgerErr = s.balances.SettleWin(ctx, t.UserID, t.Amount, profit)
		} else {
			ledgerErr = s.balances.SettleLose(ctx, t.UserID, t.Amount)
		}
		if ledgerErr != nil {
			failed++
			result.Errors = append(result.Errors, fmt.Sprintf("ledger %s trade %s: %v", t.UserID, t.ID, ledgerErr))
			s.handleLedgerFailure(ctx, t, ledgerErr)
			continue
		}

		result.SettledTrades++
		if won {
			result.Wins++
		} else {
			result.Losses++
		}
	}

	if failed > 0 {
		// Leave the session in resolving: the failed trades are pending
		// again, and once the claim lease expires a later pass re-claims
		// the session and retries exactly those trades.
		s.logger.WarnContext(ctx, "settlement: session left unfinalized",
			slog.String("session_id", sessionID),
			slog.Int("failed_trades", failed),
		)
		return
	}

	// Aggregate over the trades table rather than this pass's own work:
	// after a partial failure the retrying pass settles only the reopened
	// trades, but the totals must cover everything settled for the session.
	agg, err := s.trades.AggregateBySession(ctx, sessionID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("aggregate %s: %v", sessionID, err))
		return
	}

	finalized, err := s.sessions.Finalize(ctx, sessionID, now, agg)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("finalize %s: %v", sessionID, err))
		return
	}
	if !finalized {
		result.Skipped++
		return
	}

	result.SettledSessions++
	s.recent.Add(sessionID)

	s.logger.InfoContext(ctx, "settlement: session settled",
		slog.String("session_id", sessionID),
		slog.String("outcome", string(outcome)),
		slog.String("outcome_source", string(source)),
		slog.Int("trades", agg.TradeCount),
		slog.Int("wins", agg.WinCount),
		slog.Int("losses", agg.LoseCount),
		slog.Int64("total_paid", agg.TotalPaid),
		slog.Int64("total_forfeited", agg.TotalForfeited),
	)
	s.publishSettledEvent(ctx, sessionID, outcome, source, agg)

	if agg.TradeCount > 0 && s.alerter != nil {
		_ = s.alerter.Notify(ctx, "settlement_completed", "Session settled",
			fmt.Sprintf("session %s outcome %s (%s): %d trades, %d wins, %d losses, paid %d, forfeited %d",
				sessionID, outcome, source, agg.TradeCount, agg.WinCount, agg.LoseCount,
				agg.TotalPaid, agg.TotalForfeited))
	}
}

// handleLedgerFailure reverts the trade to pending so a later pass retries
// it, and escalates invariant violations.
func (s *SettlementService) handleLedgerFailure(ctx context.Context, t domain.Trade, ledgerErr error) {
	if err := s.trades.Reopen(ctx, t.ID); err != nil {
		s.logger.ErrorContext(ctx, "settlement: reopen trade failed",
			slog.String("trade_id", t.ID),
			slog.String("error", err.Error()),
		)
	}

	if errors.Is(ledgerErr, domain.ErrLedgerInvariant) {
		s.logger.ErrorContext(ctx, "settlement: ledger invariant violation",
			slog.String("user_id", t.UserID),
			slog.String("trade_id", t.ID),
			slog.Int64("stake", t.Amount),
			slog.String("error", ledgerErr.Error()),
		)
		repaired, err := s.balances.RepairIfNegative(ctx, t.UserID)
		if err != nil {
			s.logger.ErrorContext(ctx, "settlement: balance repair failed",
				slog.String("user_id", t.UserID),
				slog.String("error", err.Error()),
			)
		} else if repaired {
			s.logger.WarnContext(ctx, "settlement: negative balance clamped to zero",
				slog.String("user_id", t.UserID),
			)
		}
		if s.alerter != nil {
			_ = s.alerter.Notify(ctx, "ledger_invariant", "Ledger invariant violation",
				fmt.Sprintf("user %s trade %s: %v (repaired=%t)", t.UserID, t.ID, ledgerErr, repaired))
		}
	}
}

func (s *SettlementService) publishSettledEvent(ctx context.Context, sessionID string, outcome domain.Direction, source domain.OutcomeSource, agg domain.SessionAggregates) {
	if s.bus == nil {
		return
	}
	evt, _ := json.Marshal(map[string]any{
		"event":           "session_settled",
		"session_id":      sessionID,
		"outcome":         string(outcome),
		"outcome_source":  string(source),
		"trade_count":     agg.TradeCount,
		"win_count":       agg.WinCount,
		"lose_count":      agg.LoseCount,
		"total_paid":      agg.TotalPaid,
		"total_forfeited": agg.TotalForfeited,
	})
	if err := s.bus.Publish(ctx, "settlements", evt); err != nil {
		s.logger.WarnContext(ctx, "settlement: publish event failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.StreamAppend(ctx, "settlements", evt); err != nil {
		s.logger.WarnContext(ctx, "settlement: stream append failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}

// profitFor computes the winner's profit: floor(amount × ratio).
func profitFor(amount int64, ratio float64) int64 {
	return int64(math.Floor(float64(amount) * ratio))
}
