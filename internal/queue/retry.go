package queue

// RetryPolicy decides requeue vs. discard from an item's failure counter.
// MaxRetry == -1 means retry forever.
type RetryPolicy struct {
	MaxRetry int
}

// ShouldRetry reports whether an item with the given failure count stays in
// the queue. Applied only when finalizing a failed delivery.
func (p RetryPolicy) ShouldRetry(failCount int) bool {
	if p.MaxRetry == -1 {
		return true
	}
	return failCount <= p.MaxRetry
}

// AllowsRequeue reports whether the policy permits at least one retry, which
// gates pushing a failed immediate send onto the queue.
func (p RetryPolicy) AllowsRequeue() bool {
	return p.MaxRetry > 0 || p.MaxRetry == -1
}
