package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// SessionStore persists trading sessions. Every state-changing method is a
// single conditional update so that concurrent callers race safely: exactly
// one caller's write takes effect and the others observe zero rows affected.
type SessionStore interface {
	// InsertBatch creates sessions, silently skipping any whose time slot
	// (id) already exists. It returns the number actually created.
	InsertBatch(ctx context.Context, sessions []Session) (int, error)

	GetByID(ctx context.Context, id string) (Session, error)

	// CountUpcoming returns the number of sessions starting strictly after
	// the given instant.
	CountUpcoming(ctx context.Context, after time.Time) (int, error)

	// LatestStartTime returns the most recent session start time, or the
	// zero time if no sessions exist.
	LatestStartTime(ctx context.Context) (time.Time, error)

	// ListCurrentAndUpcoming returns sessions that have not yet ended,
	// ordered by start time.
	ListCurrentAndUpcoming(ctx context.Context, now time.Time, limit int) ([]Session, error)

	// ListExpiredUnsettled returns settlement candidates: sessions whose
	// end time has passed and whose status is not yet settled.
	ListExpiredUnsettled(ctx context.Context, now time.Time, limit int) ([]Session, error)

	// SetOverrideOutcome records an operator-chosen outcome on a session
	// that has not been settled. It returns ErrAlreadySettled for settled
	// sessions and ErrNotFound for unknown ids.
	SetOverrideOutcome(ctx context.Context, id string, outcome Direction) error

	// ResolveOutcome persists fallback as the engine-random outcome only if
	// no outcome has been recorded yet, and returns the outcome and source
	// that are now in effect. Re-runs for the same session are therefore
	// deterministic.
	ResolveOutcome(ctx context.Context, id string, fallback Direction) (Direction, OutcomeSource, error)

	// Claim atomically marks a not-yet-settled session as resolving. It
	// returns false when another caller holds a live claim or the session
	// is already settled. Claims older than staleBefore are taken over, so
	// an interrupted pass cannot wedge a session.
	Claim(ctx context.Context, id string, now time.Time, staleBefore time.Time) (bool, error)

	// Finalize writes the settlement aggregates and transitions the session
	// from resolving to settled. Zero rows affected means another caller
	// finished first; that is reported as false, not an error.
	Finalize(ctx context.Context, id string, now time.Time, agg SessionAggregates) (bool, error)

	// ListSettledBefore returns settled sessions whose end time is strictly
	// before the cutoff, for archival.
	ListSettledBefore(ctx context.Context, before time.Time) ([]Session, error)
}

// TradeStore persists wagers.
type TradeStore interface {
	Insert(ctx context.Context, t Trade) error
	GetByID(ctx context.Context, id string) (Trade, error)

	// ListPendingBySession returns every pending trade of a session.
	ListPendingBySession(ctx context.Context, sessionID string) ([]Trade, error)

	// CountPending returns how many pending trades the user has in the
	// session (the per-session placement cap).
	CountPending(ctx context.Context, sessionID, userID string) (int, error)

	// MarkSettled flips a trade from pending to settled with its result and
	// profit. It returns false when the trade was not pending, which makes
	// re-processing a no-op.
	MarkSettled(ctx context.Context, id string, result TradeResult, profit int64, now time.Time) (bool, error)

	// Reopen reverts a trade to pending after a failed ledger call so a
	// later pass can retry it.
	Reopen(ctx context.Context, id string) error

	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Trade, error)
	ListBySession(ctx context.Context, sessionID string, opts ListOpts) ([]Trade, error)

	// AggregateBySession summarizes the session's settled trades. Finalize
	// uses it so the totals cover trades settled by earlier interrupted
	// passes, not just the caller's own.
	AggregateBySession(ctx context.Context, sessionID string) (SessionAggregates, error)

	// ListSettledBefore and DeleteSettledBefore support cold-storage
	// archival of old settled trades.
	ListSettledBefore(ctx context.Context, before time.Time) ([]Trade, error)
	DeleteSettledBefore(ctx context.Context, before time.Time) (int64, error)
}

// BalanceStore is the funds ledger. Every mutation is a single atomic
// arithmetic update evaluated by the database; implementations must never
// read a balance, compute in application code, and write it back.
type BalanceStore interface {
	Get(ctx context.Context, userID string) (Balance, error)

	// Credit adds amount to the user's available bucket, creating the
	// account if it does not exist. External deposit workflows call this.
	Credit(ctx context.Context, userID string, amount int64) error

	// Reserve moves amount from available to frozen, succeeding only if
	// available covers it at the moment of the update. It returns
	// ErrInsufficientBalance otherwise.
	Reserve(ctx context.Context, userID string, amount int64) error

	// ReleaseReservation undoes a reservation (frozen back to available),
	// used when a trade insert fails after funds were reserved.
	ReleaseReservation(ctx context.Context, userID string, amount int64) error

	// SettleWin releases the stake from frozen back to available and
	// credits the profit on top. A stake that frozen cannot cover is
	// reported as ErrLedgerInvariant.
	SettleWin(ctx context.Context, userID string, stake, profit int64) error

	// SettleLose releases the stake from frozen; available is untouched
	// (the stake is forfeited).
	SettleLose(ctx context.Context, userID string, stake int64) error

	// RepairIfNegative clamps any negative bucket to zero and reports
	// whether a repair happened. A safety net, not a normal code path.
	RepairIfNegative(ctx context.Context, userID string) (bool, error)
}
