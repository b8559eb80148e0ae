package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/updownhq/engine/internal/domain"
)

// BalanceStore implements the funds ledger on PostgreSQL. Every mutation is a
// single conditional arithmetic UPDATE evaluated server-side, so concurrent
// reservations and settlements for the same user can never lose updates or
// double-spend: the losing caller simply matches zero rows.
type BalanceStore struct {
	pool *pgxpool.Pool
}

// NewBalanceStore creates a BalanceStore backed by the given connection pool.
func NewBalanceStore(pool *pgxpool.Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

// Get returns a read-only snapshot of the user's balance.
func (s *BalanceStore) Get(ctx context.Context, userID string) (domain.Balance, error) {
	var b domain.Balance
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, available, frozen, updated_at FROM balances WHERE user_id = $1`,
		userID).Scan(&b.UserID, &b.Available, &b.Frozen, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Balance{}, domain.ErrNotFound
		}
		return domain.Balance{}, fmt.Errorf("postgres: get balance %q: %w", userID, err)
	}
	return b, nil
}

// Credit adds amount to the available bucket, creating the account row if it
// does not exist yet.
func (s *BalanceStore) Credit(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("postgres: credit %q: amount must be positive, got %d", userID, amount)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO balances (user_id, available, frozen, updated_at)
		 VALUES ($1, $2, 0, NOW())
		 ON CONFLICT (user_id) DO UPDATE
		 SET available = balances.available + EXCLUDED.available, updated_at = NOW()`,
		userID, amount)
	if err != nil {
		return fmt.Errorf("postgres: credit %q: %w", userID, err)
	}
	return nil
}

// Reserve moves amount from available to frozen. The availability check and
// the decrement are one statement: two concurrent reservations can never both
// observe sufficient funds.
func (s *BalanceStore) Reserve(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("postgres: reserve %q: amount must be positive, got %d", userID, amount)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE balances
		 SET available = available - $2, frozen = frozen + $2, updated_at = NOW()
		 WHERE user_id = $1 AND available >= $2`,
		userID, amount)
	if err != nil {
		return fmt.Errorf("postgres: reserve %q: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInsufficientBalance
	}
	return nil
}

// ReleaseReservation moves amount from frozen back to available, undoing a
// reservation whose trade never got recorded.
func (s *BalanceStore) ReleaseReservation(ctx context.Context, userID string, amount int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE balances
		 SET available = available + $2, frozen = frozen - $2, updated_at = NOW()
		 WHERE user_id = $1 AND frozen >= $2`,
		userID, amount)
	if err != nil {
		return fmt.Errorf("postgres: release reservation %q: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: release reservation %q: %w", userID, domain.ErrLedgerInvariant)
	}
	return nil
}

// SettleWin releases the stake from frozen and credits the profit, all in one
// arithmetic update. The frozen bucket must contain the stake of a trade that
// is being settled; anything else is a data-integrity error.
func (s *BalanceStore) SettleWin(ctx context.Context, userID string, stake, profit int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE balances
		 SET available = available + $2 + $3, frozen = frozen - $2, updated_at = NOW()
		 WHERE user_id = $1 AND frozen >= $2`,
		userID, stake, profit)
	if err != nil {
		return fmt.Errorf("postgres: settle win %q: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: settle win %q stake %d: %w", userID, stake, domain.ErrLedgerInvariant)
	}
	return nil
}

// SettleLose releases the stake from frozen; available is unchanged, the
// stake is forfeited.
func (s *BalanceStore) SettleLose(ctx context.Context, userID string, stake int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE balances
		 SET frozen = frozen - $2, updated_at = NOW()
		 WHERE user_id = $1 AND frozen >= $2`,
		userID, stake)
	if err != nil {
		return fmt.Errorf("postgres: settle lose %q: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: settle lose %q stake %d: %w", userID, stake, domain.ErrLedgerInvariant)
	}
	return nil
}

// RepairIfNegative clamps negative buckets to zero. The conditional WHERE
// means a healthy account matches no rows and the call reports false.
func (s *BalanceStore) RepairIfNegative(ctx context.Context, userID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE balances
		 SET available = GREATEST(available, 0), frozen = GREATEST(frozen, 0), updated_at = NOW()
		 WHERE user_id = $1 AND (available < 0 OR frozen < 0)`,
		userID)
	if err != nil {
		return false, fmt.Errorf("postgres: repair balance %q: %w", userID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Compile-time interface check.
var _ domain.BalanceStore = (*BalanceStore)(nil)
