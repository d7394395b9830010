package coordinator

import (
	"sync"
	"time"
)

const (
	messagesPerWindow = 100
	windowLength      = time.Minute
	staleAfter        = 5 * time.Minute
)

// RateLimiter caps how many messages each sender may fan out per minute.
type RateLimiter struct {
	mu      sync.Mutex
	senders map[string]*senderWindow
}

type senderWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a limiter with empty state.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{senders: make(map[string]*senderWindow)}
}

// Allow reports whether the sender may fan out another message in the
// current window.
func (rl *RateLimiter) Allow(senderID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, exists := rl.senders[senderID]
	if !exists {
		rl.senders[senderID] = &senderWindow{count: 1, windowStart: now}
		return true
	}

	if now.Sub(w.windowStart) >= windowLength {
		w.count = 1
		w.windowStart = now
		return true
	}

	if w.count >= messagesPerWindow {
		return false
	}
	w.count++
	return true
}

// Cleanup drops senders idle past the stale horizon. Called periodically.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for senderID, w := range rl.senders {
		if now.Sub(w.windowStart) > staleAfter {
			delete(rl.senders, senderID)
		}
	}
}
