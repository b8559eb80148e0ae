package domain

import (
	"context"
	"time"
)

// LockManager provides distributed advisory locks. Locks are a latency
// optimization only: the settlement engine is safe without them because every
// state transition is a conditional database update.
type LockManager interface {
	// Acquire obtains the lock and returns an unlock function, or
	// ErrLockHeld if another party holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// DuplicateGuard suppresses repeated submissions of the same action within a
// short window. Best effort: it must never be the sole defense against
// double-spending.
type DuplicateGuard interface {
	// Claim returns true if the key was not seen within the window (and
	// records it), false if it is a duplicate.
	Claim(ctx context.Context, key string, window time.Duration) (bool, error)
}

// RateLimiter limits how often a keyed action may run.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// StreamMessage is one durable entry read back from an event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus publishes engine events. Pub/sub delivery feeds the WebSocket
// hub; the stream methods keep a bounded durable tail for the read API.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
