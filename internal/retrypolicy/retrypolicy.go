// Package retrypolicy computes the delay schedule applied to retryable
// stage failures.
package retrypolicy

import (
	"time"

	"github.com/hibiken/asynq"
)

// Policy holds the three tunables governing retries: attempt ceiling, the
// delay floor, and the delay ceiling. Delay doubles per attempt between the
// two bounds.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Default mirrors the shipped configuration defaults.
var Default = Policy{
	MaxAttempts: 5,
	BaseDelay:   30 * time.Second,
	MaxDelay:    15 * time.Minute,
}

// Delay returns the wait before retry number n (0-based: n=0 is the delay
// after the first failure). The schedule is non-decreasing and capped at
// MaxDelay.
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := p.BaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// MaxRetry converts the attempt ceiling into asynq's retry count (retries
// exclude the first attempt).
func (p Policy) MaxRetry() int {
	if p.MaxAttempts <= 1 {
		return 0
	}
	return p.MaxAttempts - 1
}

// RetryDelayFunc adapts the policy to the asynq server configuration.
func (p Policy) RetryDelayFunc(n int, _ error, _ *asynq.Task) time.Duration {
	return p.Delay(n)
}
