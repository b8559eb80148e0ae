package domain

import "time"

// Balance is one user's two-bucket account. Available is spendable; Frozen
// holds the stakes of pending trades. Both buckets are non-negative at all
// times; a negative value ever observed is a data-integrity bug, not a state
// the system can reach through its own operations.
type Balance struct {
	UserID    string    `json:"user_id"`
	Available int64     `json:"available"`
	Frozen    int64     `json:"frozen"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Total is the user's combined holdings across both buckets.
func (b Balance) Total() int64 {
	return b.Available + b.Frozen
}
