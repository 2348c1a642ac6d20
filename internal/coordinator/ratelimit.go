package coordinator

import (
	"sync"
	"time"
)

// rateLimiter enforces a per-sender chat message budget.
// FUNCTIONAL DISCOVERY: fixed one-minute windows are enough here; the limit
// exists to stop a stuck client loop, not to shape traffic precisely.
type rateLimiter struct {
	mu      sync.Mutex
	limit   int
	senders map[string]*senderWindow
}

type senderWindow struct {
	count       int
	windowStart time.Time
}

func newRateLimiter(limit int) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		senders: make(map[string]*senderWindow),
	}
}

// allow reports whether the sender may post another message this minute.
func (rl *rateLimiter) allow(senderID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	window, exists := rl.senders[senderID]
	if !exists {
		rl.senders[senderID] = &senderWindow{count: 1, windowStart: now}
		return true
	}

	if now.Sub(window.windowStart) >= time.Minute {
		window.count = 1
		window.windowStart = now
		return true
	}

	if window.count >= rl.limit {
		return false
	}

	window.count++
	return true
}

// cleanup drops sender state idle for several windows; called from the
// per-session sweep tick so the map cannot grow with departed users.
func (rl *rateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for senderID, window := range rl.senders {
		if now.Sub(window.windowStart) > 5*time.Minute {
			delete(rl.senders, senderID)
		}
	}
}
