package throttle

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// Throttle accepts or rejects events against a sliding time window: at most
// limit events in the trailing window. Timestamps are purged lazily on each
// call, never by a background task.
type Throttle struct {
	window time.Duration
	limit  int

	mu sync.Mutex
	// Newest timestamps at the front, oldest at the back.
	stamps deque.Deque[time.Time]
}

func NewThrottle(windowSeconds, limit int) *Throttle {
	return &Throttle{
		window: time.Duration(windowSeconds) * time.Second,
		limit:  limit,
	}
}

// Record purges stale timestamps, then accepts the event iff the window still
// has room. Rejected events leave the throttle unchanged.
func (t *Throttle) Record() bool {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.purge(now)
	if t.stamps.Len() >= t.limit {
		return false
	}
	t.stamps.PushFront(now)
	return true
}

// Empty purges stale timestamps and reports whether any remain. Used by the
// map sweeper to find idle throttles.
func (t *Throttle) Empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.purge(time.Now())
	return t.stamps.Len() == 0
}

func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stamps.Len()
}

// purge walks from the oldest end and stops at the first timestamp still
// inside the window. Requires t.mu held.
func (t *Throttle) purge(now time.Time) {
	for t.stamps.Len() > 0 {
		if now.Sub(t.stamps.Back()) <= t.window {
			break
		}
		t.stamps.PopBack()
	}
}
