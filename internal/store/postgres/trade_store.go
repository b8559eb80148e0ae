package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/updownhq/engine/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, session_id, user_id, direction, amount, status,
	result, profit, created_at, settled_at`

func scanTrade(row pgx.Row) (domain.Trade, error) {
	var (
		t      domain.Trade
		result *string
	)
	err := row.Scan(
		&t.ID, &t.SessionID, &t.UserID, &t.Direction, &t.Amount,
		&t.Status, &result, &t.Profit, &t.CreatedAt, &t.SettledAt,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	if result != nil {
		t.Result = domain.TradeResult(*result)
	}
	return t, nil
}

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Insert stores a new pending trade.
func (s *TradeStore) Insert(ctx context.Context, t domain.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, session_id, user_id, direction, amount, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.SessionID, t.UserID, string(t.Direction), t.Amount, string(t.Status), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %q: %w", t.ID, err)
	}
	return nil
}

// GetByID returns a single trade by its id.
func (s *TradeStore) GetByID(ctx context.Context, id string) (domain.Trade, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Trade{}, domain.ErrNotFound
		}
		return domain.Trade{}, fmt.Errorf("postgres: get trade %q: %w", id, err)
	}
	return t, nil
}

// ListPendingBySession returns all pending trades of a session.
func (s *TradeStore) ListPendingBySession(ctx context.Context, sessionID string) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades
		 WHERE session_id = $1 AND status = $2 ORDER BY created_at ASC`,
		sessionID, domain.TradePending)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending trades for %q: %w", sessionID, err)
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

// CountPending returns the user's pending trade count in a session.
func (s *TradeStore) CountPending(ctx context.Context, sessionID, userID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trades
		 WHERE session_id = $1 AND user_id = $2 AND status = $3`,
		sessionID, userID, domain.TradePending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count pending trades: %w", err)
	}
	return count, nil
}

// MarkSettled conditionally flips a pending trade to settled. Zero rows
// affected means the trade was already settled by an earlier pass.
func (s *TradeStore) MarkSettled(ctx context.Context, id string, result domain.TradeResult, profit int64, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades SET status = $2, result = $3, profit = $4, settled_at = $5
		 WHERE id = $1 AND status = $6`,
		id, domain.TradeSettled, string(result), profit, now, domain.TradePending)
	if err != nil {
		return false, fmt.Errorf("postgres: mark trade %q settled: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Reopen reverts a settled trade back to pending so a later settlement pass
// retries it after a failed ledger call.
func (s *TradeStore) Reopen(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE trades SET status = $2, result = NULL, profit = 0, settled_at = NULL
		 WHERE id = $1 AND status = $3`,
		id, domain.TradePending, domain.TradeSettled)
	if err != nil {
		return fmt.Errorf("postgres: reopen trade %q: %w", id, err)
	}
	return nil
}

// ListByUser returns a user's trades, newest first.
func (s *TradeStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by user: %w", err)
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

// ListBySession returns a session's trades, oldest first.
func (s *TradeStore) ListBySession(ctx context.Context, sessionID string, opts domain.ListOpts) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades
		 WHERE session_id = $1 ORDER BY created_at ASC LIMIT $2 OFFSET $3`,
		sessionID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by session: %w", err)
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

// AggregateBySession summarizes a session's settled trades in one query, so
// the totals written at finalize time include trades settled by earlier
// interrupted passes.
func (s *TradeStore) AggregateBySession(ctx context.Context, sessionID string) (domain.SessionAggregates, error) {
	var agg domain.SessionAggregates
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE result = $2),
		        COUNT(*) FILTER (WHERE result = $3),
		        COALESCE(SUM(profit) FILTER (WHERE result = $2), 0),
		        COALESCE(SUM(amount) FILTER (WHERE result = $3), 0)
		 FROM trades WHERE session_id = $1 AND status = $4`,
		sessionID, domain.TradeWin, domain.TradeLose, domain.TradeSettled,
	).Scan(&agg.TradeCount, &agg.WinCount, &agg.LoseCount, &agg.TotalPaid, &agg.TotalForfeited)
	if err != nil {
		return domain.SessionAggregates{}, fmt.Errorf("postgres: aggregate trades for session %q: %w", sessionID, err)
	}
	return agg, nil
}

// ListSettledBefore returns settled trades created strictly before the cutoff
// (for archiving).
func (s *TradeStore) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades
		 WHERE status = $1 AND created_at < $2 ORDER BY created_at ASC`,
		domain.TradeSettled, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settled trades before: %w", err)
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

// DeleteSettledBefore prunes settled trades created before the cutoff after
// they have been archived. Returns the number deleted.
func (s *TradeStore) DeleteSettledBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM trades WHERE status = $1 AND created_at < $2`,
		domain.TradeSettled, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete settled trades before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.TradeStore = (*TradeStore)(nil)
