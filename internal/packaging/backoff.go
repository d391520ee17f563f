package packaging

import "time"

const (
	DefaultMaxAttempts    = 8
	DefaultBackoffStep    = 5 * time.Second
	DefaultBackoffCap     = 30 * time.Second
	DefaultAttemptTimeout = 120 * time.Second
)

// RetryPolicy bounds how a packaging job is attempted.
type RetryPolicy struct {
	MaxAttempts    int
	BackoffStep    time.Duration
	BackoffCap     time.Duration
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns 8 attempts, linear 5s backoff capped at 30s and
// a 120s timeout per attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		BackoffStep:    DefaultBackoffStep,
		BackoffCap:     DefaultBackoffCap,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

// Normalize fills unset fields with defaults.
func (p RetryPolicy) Normalize() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BackoffStep <= 0 {
		p.BackoffStep = def.BackoffStep
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = def.BackoffCap
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = def.AttemptTimeout
	}
	return p
}

// Backoff returns the delay after failed attempt n (0-indexed):
// min(step*(n+1), cap).
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	delay := p.BackoffStep * time.Duration(n+1)
	if delay > p.BackoffCap || delay <= 0 {
		return p.BackoffCap
	}
	return delay
}

// Backoff applies the default policy.
func Backoff(n int) time.Duration {
	return DefaultRetryPolicy().Backoff(n)
}
