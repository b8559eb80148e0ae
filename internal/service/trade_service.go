package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/updownhq/engine/internal/domain"
)

// TradeConfig holds trade placement policy knobs.
type TradeConfig struct {
	// MinAmount is the smallest accepted stake.
	MinAmount int64
	// MaxPendingPerSession caps how many pending trades one user may hold in
	// a single session. Zero disables the cap.
	MaxPendingPerSession int
	// DuplicateWindow is the best-effort suppression window for repeated
	// identical submissions.
	DuplicateWindow time.Duration
	// RateLimit / RateWindow bound placements per user.
	RateLimit  int
	RateWindow time.Duration
}

// TradeService validates and records wagers. Double-spend protection lives
// entirely in the ledger's conditional reserve; the duplicate guard and rate
// limiter in front of it are best-effort hygiene.
type TradeService struct {
	trades   domain.TradeStore
	sessions domain.SessionStore
	balances domain.BalanceStore
	guard    domain.DuplicateGuard // optional
	limiter  domain.RateLimiter    // optional
	bus      domain.SignalBus      // optional
	clock    domain.Clock
	cfg      TradeConfig
	logger   *slog.Logger
}

// NewTradeService creates a TradeService.
func NewTradeService(
	trades domain.TradeStore,
	sessions domain.SessionStore,
	balances domain.BalanceStore,
	guard domain.DuplicateGuard,
	limiter domain.RateLimiter,
	bus domain.SignalBus,
	clock domain.Clock,
	cfg TradeConfig,
	logger *slog.Logger,
) *TradeService {
	return &TradeService{
		trades:   trades,
		sessions: sessions,
		balances: balances,
		guard:    guard,
		limiter:  limiter,
		bus:      bus,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// PlaceTrade validates a wager against an open, unexpired session and the
// user's available balance, reserves the stake, and records the trade as
// pending. Rejections carry a domain sentinel the HTTP layer maps to a
// status code.
func (s *TradeService) PlaceTrade(ctx context.Context, userID, sessionID string, direction domain.Direction, amount int64) (domain.Trade, error) {
	now := s.clock.Now()

	// The session checks come first, so a bad wager against a missing or
	// closed session reports the session problem, not the wager problem.
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Trade{}, domain.ErrNotFound
		}
		return domain.Trade{}, fmt.Errorf("trade_service: get session %q: %w", sessionID, err)
	}
	if sess.Status != domain.SessionOpen {
		return domain.Trade{}, domain.ErrSessionNotOpen
	}
	// Settlement is asynchronous: the round may be over before the status
	// moves, so the end time is checked independently.
	if sess.Expired(now) {
		return domain.Trade{}, domain.ErrSessionExpired
	}

	if !direction.Valid() {
		return domain.Trade{}, fmt.Errorf("trade_service: invalid direction %q", direction)
	}
	if amount < s.cfg.MinAmount || amount <= 0 {
		return domain.Trade{}, fmt.Errorf("trade_service: amount %d below minimum %d", amount, s.cfg.MinAmount)
	}

	// Best-effort double-click suppression across instances.
	if s.guard != nil && s.cfg.DuplicateWindow > 0 {
		key := fmt.Sprintf("trade:%s:%s:%s:%d", userID, sessionID, direction, amount)
		fresh, err := s.guard.Claim(ctx, key, s.cfg.DuplicateWindow)
		if err != nil {
			// The guard is an optimization; placement proceeds without it.
			s.logger.WarnContext(ctx, "trade_service: duplicate guard unavailable",
				slog.String("error", err.Error()),
			)
		} else if !fresh {
			return domain.Trade{}, domain.ErrDuplicateTrade
		}
	}

	if s.limiter != nil && s.cfg.RateLimit > 0 {
		allowed, err := s.limiter.Allow(ctx, "trades:"+userID, s.cfg.RateLimit, s.cfg.RateWindow)
		if err != nil {
			return domain.Trade{}, fmt.Errorf("trade_service: rate limiter: %w", err)
		}
		if !allowed {
			return domain.Trade{}, domain.ErrRateLimited
		}
	}

	if s.cfg.MaxPendingPerSession > 0 {
		pending, err := s.trades.CountPending(ctx, sessionID, userID)
		if err != nil {
			return domain.Trade{}, fmt.Errorf("trade_service: count pending: %w", err)
		}
		if pending >= s.cfg.MaxPendingPerSession {
			return domain.Trade{}, domain.ErrPendingCapReached
		}
	}

	// The conditional reserve is the one true defense against concurrent
	// double-spending.
	if err := s.balances.Reserve(ctx, userID, amount); err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			return domain.Trade{}, domain.ErrInsufficientBalance
		}
		return domain.Trade{}, fmt.Errorf("trade_service: reserve stake: %w", err)
	}

	trade := domain.Trade{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		UserID:    userID,
		Direction: direction,
		Amount:    amount,
		Status:    domain.TradePending,
		CreatedAt: now,
	}

	if err := s.trades.Insert(ctx, trade); err != nil {
		// The stake was reserved but the trade never recorded: hand the
		// funds back before surfacing the failure.
		if relErr := s.balances.ReleaseReservation(ctx, userID, amount); relErr != nil {
			s.logger.ErrorContext(ctx, "trade_service: release after failed insert",
				slog.String("user_id", userID),
				slog.Int64("amount", amount),
				slog.String("error", relErr.Error()),
			)
		}
		return domain.Trade{}, fmt.Errorf("trade_service: insert trade: %w", err)
	}

	s.logger.InfoContext(ctx, "trade_service: trade placed",
		slog.String("trade_id", trade.ID),
		slog.String("session_id", sessionID),
		slog.String("user_id", userID),
		slog.String("direction", string(direction)),
		slog.Int64("amount", amount),
	)
	s.publishTradeEvent(ctx, trade)

	return trade, nil
}

// ListByUser returns a user's trade history, newest first.
func (s *TradeService) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Trade, error) {
	trades, err := s.trades.ListByUser(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list by user %q: %w", userID, err)
	}
	return trades, nil
}

// ListBySession returns a session's trades.
func (s *TradeService) ListBySession(ctx context.Context, sessionID string, opts domain.ListOpts) ([]domain.Trade, error) {
	trades, err := s.trades.ListBySession(ctx, sessionID, opts)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list by session %q: %w", sessionID, err)
	}
	return trades, nil
}

func (s *TradeService) publishTradeEvent(ctx context.Context, t domain.Trade) {
	if s.bus == nil {
		return
	}
	evt, _ := json.Marshal(map[string]any{
		"event":      "trade_placed",
		"trade_id":   t.ID,
		"session_id": t.SessionID,
		"direction":  string(t.Direction),
		"amount":     t.Amount,
	})
	if err := s.bus.Publish(ctx, "trades", evt); err != nil {
		s.logger.WarnContext(ctx, "trade_service: publish event failed",
			slog.String("trade_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
}
