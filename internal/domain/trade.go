package domain

import "time"

// TradeStatus is the lifecycle state of a single wager.
type TradeStatus string

const (
	// TradePending means the stake is reserved and the trade is waiting for
	// its session to settle.
	TradePending TradeStatus = "pending"
	// TradeSettled is terminal: the trade has been resolved exactly once.
	TradeSettled TradeStatus = "settled"
)

// TradeResult is the settled outcome of a trade.
type TradeResult string

const (
	TradeWin  TradeResult = "win"
	TradeLose TradeResult = "lose"
)

// Trade is a single UP/DOWN wager against a session. It is created pending,
// settled exactly once, and never deleted from the hot store before the
// archive retention window has passed.
type Trade struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Direction Direction `json:"direction"`
	Amount    int64     `json:"amount"`

	Status TradeStatus `json:"status"`
	// Result and Profit are set once at settlement. Profit is zero unless
	// the trade won.
	Result TradeResult `json:"result,omitempty"`
	Profit int64       `json:"profit"`

	CreatedAt time.Time  `json:"created_at"`
	SettledAt *time.Time `json:"settled_at,omitempty"`
}
