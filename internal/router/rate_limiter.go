package router

import (
	"sync"
	"time"

	"medchat/pkg/types"
)

// RateLimiter allows at most limit frames per user in each fixed window.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[types.UserID]*clientWindow
	now     func() time.Time
}

type clientWindow struct {
	count int
	start time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		clients: make(map[types.UserID]*clientWindow),
		now:     time.Now,
	}
}

func (rl *RateLimiter) Allow(user types.UserID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.clients[user]
	if !ok || now.Sub(w.start) >= rl.window {
		rl.clients[user] = &clientWindow{count: 1, start: now}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// Cleanup forgets users idle for five windows. It returns how many were removed.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for user, w := range rl.clients {
		if now.Sub(w.start) > 5*rl.window {
			delete(rl.clients, user)
			removed++
		}
	}
	return removed
}

func (rl *RateLimiter) tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
