package ratelimiter

import "time"

// Limiter answers whether a client may open another connection, and if not,
// how long it should back off.
type Limiter interface {
	Allow(ip string) (bool, time.Duration)
}

// Unlimited is the no-op limiter used when throttling is disabled.
type Unlimited struct{}

func (Unlimited) Allow(string) (bool, time.Duration) { return true, 0 }
