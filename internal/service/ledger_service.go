package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/updownhq/engine/internal/domain"
)

// LedgerService exposes the balance ledger's read and top-up paths. All funds
// movement tied to wagers goes through the trade and settlement services; this
// service only covers direct credits, reads, and the repair escape hatch.
type LedgerService struct {
	balances domain.BalanceStore
	alerter  Alerter // optional
	logger   *slog.Logger
}

// NewLedgerService creates a LedgerService.
func NewLedgerService(balances domain.BalanceStore, alerter Alerter, logger *slog.Logger) *LedgerService {
	return &LedgerService{
		balances: balances,
		alerter:  alerter,
		logger:   logger,
	}
}

// GetBalance returns a user's balance. Unknown users read as an empty
// balance rather than an error.
func (s *LedgerService) GetBalance(ctx context.Context, userID string) (domain.Balance, error) {
	bal, err := s.balances.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Balance{UserID: userID}, nil
		}
		return domain.Balance{}, fmt.Errorf("ledger_service: get balance %q: %w", userID, err)
	}
	return bal, nil
}

// Credit adds funds to a user's available balance, creating the account on
// first use.
func (s *LedgerService) Credit(ctx context.Context, userID string, amount int64) (domain.Balance, error) {
	if amount <= 0 {
		return domain.Balance{}, fmt.Errorf("ledger_service: credit amount must be positive, got %d", amount)
	}

	if err := s.balances.Credit(ctx, userID, amount); err != nil {
		return domain.Balance{}, fmt.Errorf("ledger_service: credit %q: %w", userID, err)
	}

	s.logger.InfoContext(ctx, "ledger_service: balance credited",
		slog.String("user_id", userID),
		slog.Int64("amount", amount),
	)

	bal, err := s.balances.Get(ctx, userID)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("ledger_service: read back balance %q: %w", userID, err)
	}
	return bal, nil
}

// RepairIfNegative clamps a negative available balance to zero. A negative
// balance means a bug elsewhere let the ledger go inconsistent, so the repair
// is logged loudly and alerted on.
func (s *LedgerService) RepairIfNegative(ctx context.Context, userID string) (bool, error) {
	repaired, err := s.balances.RepairIfNegative(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("ledger_service: repair %q: %w", userID, err)
	}
	if repaired {
		s.logger.ErrorContext(ctx, "ledger_service: negative balance repaired",
			slog.String("user_id", userID),
		)
		if s.alerter != nil {
			_ = s.alerter.Notify(ctx, "balance_repaired", "Negative balance repaired",
				fmt.Sprintf("user %s had a negative available balance clamped to zero", userID))
		}
	}
	return repaired, nil
}
