package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/updownhq/engine/internal/domain"
)

// DuplicateGuard implements domain.DuplicateGuard with a Redis SETNX key per
// submission. It suppresses double-clicks and client retries across all
// instances for the TTL window; the ledger's conditional reserve remains the
// real defense against double-spending.
type DuplicateGuard struct {
	rdb *redis.Client
}

// NewDuplicateGuard creates a DuplicateGuard backed by the given Client.
func NewDuplicateGuard(c *Client) *DuplicateGuard {
	return &DuplicateGuard{rdb: c.Underlying()}
}

func dedupKey(key string) string {
	return "dedup:" + key
}

// Claim records the key if unseen within the window and returns true; a key
// already present means a duplicate and returns false.
func (g *DuplicateGuard) Claim(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, dedupKey(key), 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("redis: dedup claim %s: %w", key, err)
	}
	return ok, nil
}

// Compile-time interface check.
var _ domain.DuplicateGuard = (*DuplicateGuard)(nil)
