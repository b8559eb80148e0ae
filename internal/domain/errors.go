package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrSessionNotOpen      = errors.New("session not open")
	ErrSessionExpired      = errors.New("session expired")
	ErrAlreadySettled      = errors.New("session already settled")
	ErrPendingCapReached   = errors.New("pending trade cap reached")
	ErrDuplicateTrade      = errors.New("duplicate trade submission")
	ErrRateLimited         = errors.New("rate limited")
	ErrLockHeld            = errors.New("lock already held")

	// ErrLedgerInvariant signals a frozen/available bucket that does not
	// contain what a previously reserved stake says it must. It is a bug
	// signal, never a routine condition.
	ErrLedgerInvariant = errors.New("ledger invariant violation")
)
