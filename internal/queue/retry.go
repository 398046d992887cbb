package queue

import "time"

// Backoff defaults: 30s doubling per attempt, capped at eight minutes.
const (
	DefaultBaseBackoff = 30 * time.Second
	DefaultMaxBackoff  = 8 * time.Minute
)

// RetryStrategy implements deterministic exponential backoff for redelivering
// failed notifications.
type RetryStrategy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
}

// NewRetryStrategy creates a RetryStrategy with the default 30s base and 480s
// cap and the given maximum retry count.
func NewRetryStrategy(maxRetries int) *RetryStrategy {
	return &RetryStrategy{
		MaxRetries: maxRetries,
		Base:       DefaultBaseBackoff,
		Max:        DefaultMaxBackoff,
	}
}

// ShouldRetry returns true if an envelope with retryCount failed attempts
// behind it may be resubmitted.
func (r *RetryStrategy) ShouldRetry(retryCount int) bool {
	return retryCount < r.MaxRetries
}

// NextBackoff returns the delay before the attempt numbered retryCount:
// min(Base * 2^(retryCount-1), Max). Counts below one are treated as one.
func (r *RetryStrategy) NextBackoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := r.Base
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= r.Max {
			return r.Max
		}
	}
	if d > r.Max {
		return r.Max
	}
	return d
}
