package ratelimiter

import (
	"sync"
	"time"
)

// FixedWindowRateLimiter counts connections per client IP inside a fixed
// window. The count resets window seconds after the client's first hit, not
// on a global tick, so every client gets a full window of its own.
type FixedWindowRateLimiter struct {
	sync.RWMutex
	clients map[string]int
	limit   int
	window  time.Duration
}

func NewFixedWindowLimiter(limit int, window time.Duration) *FixedWindowRateLimiter {
	return &FixedWindowRateLimiter{
		clients: make(map[string]int),
		limit:   limit,
		window:  window,
	}
}

func (rl *FixedWindowRateLimiter) Allow(ip string) (bool, time.Duration) {
	rl.RLock()
	count, exists := rl.clients[ip]
	rl.RUnlock()

	if !exists || count < rl.limit {
		rl.Lock()
		if _, stillThere := rl.clients[ip]; !stillThere {
			go rl.expire(ip)
		}
		rl.clients[ip]++
		rl.Unlock()
		return true, 0
	}
	return false, rl.window
}

func (rl *FixedWindowRateLimiter) expire(ip string) {
	time.Sleep(rl.window)
	rl.Lock()
	delete(rl.clients, ip)
	rl.Unlock()
}
