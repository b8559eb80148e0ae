package domain

import "time"

// SessionStatus is the lifecycle state of a trading session.
type SessionStatus string

const (
	// SessionOpen means the session is accepting trades.
	SessionOpen SessionStatus = "open"
	// SessionResolving means the session has been claimed by a settlement
	// pass: the outcome is fixed but trades may not all be paid yet.
	SessionResolving SessionStatus = "resolving"
	// SessionSettled is terminal: every trade has been settled and the
	// aggregates are final.
	SessionSettled SessionStatus = "settled"
)

// Direction is an UP or DOWN prediction, and also a session outcome.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Valid reports whether d is one of the two accepted directions.
func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown
}

// OutcomeSource records who decided a session's outcome.
type OutcomeSource string

const (
	// OutcomeSourceOverride means an operator fixed the outcome before
	// settlement.
	OutcomeSourceOverride OutcomeSource = "override"
	// OutcomeSourceEngine means the settlement engine drew the outcome at
	// random because no override was recorded.
	OutcomeSourceEngine OutcomeSource = "engine-random"
)

// Session is one fixed-duration trading round. Its ID is derived from the
// start time (see SessionID) and doubles as the uniqueness key.
type Session struct {
	ID        string        `json:"id"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Status    SessionStatus `json:"status"`

	// Outcome is empty until decided. OutcomeSource says whether it came
	// from an operator override or the engine's random draw.
	Outcome       Direction     `json:"outcome,omitempty"`
	OutcomeSource OutcomeSource `json:"outcome_source,omitempty"`

	// ClaimedAt is set when a settlement pass claims the session. A claim
	// older than the settlement lease may be taken over by a later pass.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	// Aggregates, written once at finalization. TotalPaid is the sum of
	// profits credited to winners; TotalForfeited is the sum of losing
	// stakes.
	TradeCount     int   `json:"trade_count"`
	WinCount       int   `json:"win_count"`
	LoseCount      int   `json:"lose_count"`
	TotalPaid      int64 `json:"total_paid"`
	TotalForfeited int64 `json:"total_forfeited"`

	CreatedAt time.Time  `json:"created_at"`
	SettledAt *time.Time `json:"settled_at,omitempty"`
}

// Expired reports whether the session's round has ended as of now.
func (s Session) Expired(now time.Time) bool {
	return !s.EndTime.After(now)
}

// SessionID derives the canonical session identifier from a start time:
// a YYMMDDHHMM minute encoding in UTC.
func SessionID(start time.Time) string {
	return start.UTC().Format("0601021504")
}

// SessionAggregates carries the final per-session totals written at
// settlement.
type SessionAggregates struct {
	TradeCount     int
	WinCount       int
	LoseCount      int
	TotalPaid      int64
	TotalForfeited int64
}
