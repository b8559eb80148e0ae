package service

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/updownhq/engine/internal/domain"
)

// recentSet remembers session ids that recently finished settling so that
// redundant triggers (scheduler, HTTP, client polls) skip the store round
// trip. It is a latency optimization only: correctness rests entirely on the
// conditional status transitions in the stores, because this set is empty
// after a restart and not shared between instances. Safe for concurrent use.
type recentSet struct {
	seen map[string]time.Time
	ttl  time.Duration
	mu   sync.Mutex
}

func newRecentSet(ttl time.Duration) *recentSet {
	return &recentSet{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// Contains reports whether the id was added within the TTL window.
func (r *recentSet) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	added, ok := r.seen[id]
	return ok && time.Since(added) < r.ttl
}

// Add records the id and opportunistically evicts expired entries to keep
// the map bounded.
func (r *recentSet) Add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for k, ts := range r.seen {
		if now.Sub(ts) >= r.ttl {
			delete(r.seen, k)
		}
	}
	r.seen[id] = now
}

// randomDirection draws UP or DOWN uniformly at random.
func randomDirection() domain.Direction {
	if rand.IntN(2) == 0 {
		return domain.DirectionUp
	}
	return domain.DirectionDown
}
