package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-connection token bucket pool for inbound frames
// ARCHITECTURAL DISCOVERY: Per-client state tracking with explicit Forget on
// disconnect plus idle Cleanup prevents memory leaks
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimit
	limit   rate.Limit
	burst   int
}

type clientLimit struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perSecond frames per second with bursts of burst.
// A non-positive perSecond disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		clients: make(map[string]*clientLimit),
		limit:   limit,
		burst:   burst,
	}
}

// Allow reports whether key may send another frame now
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	entry, exists := rl.clients[key]
	if !exists {
		entry = &clientLimit{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// Forget drops key's state; called when its connection terminates
func (rl *RateLimiter) Forget(key string) {
	rl.mu.Lock()
	delete(rl.clients, key)
	rl.mu.Unlock()
}

// Cleanup removes entries idle for longer than idle
func (rl *RateLimiter) Cleanup(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, entry := range rl.clients {
		if now.Sub(entry.lastSeen) > idle {
			delete(rl.clients, key)
		}
	}
}

// Size returns the number of tracked keys
func (rl *RateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
