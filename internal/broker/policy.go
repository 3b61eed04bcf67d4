package broker

import "time"

// MaxAttempts bounds the attempt counter, so the longest exponential delay is 2^12 s.
const MaxAttempts = 12

// ReconnectPolicy counts consecutive failed connect attempts.
type ReconnectPolicy struct {
	attempts int
}

// Failure records a failed attempt and returns the next delay.
func (p *ReconnectPolicy) Failure() time.Duration {
	if p.attempts < MaxAttempts {
		p.attempts++
	}
	return p.Delay()
}

func (p *ReconnectPolicy) Reset() {
	p.attempts = 0
}

func (p *ReconnectPolicy) Attempts() int {
	return p.attempts
}

// Delay is 2^attempts seconds.
func (p *ReconnectPolicy) Delay() time.Duration {
	return BackoffDelay(p.attempts)
}

// BackoffDelay returns 2^min(attempts, MaxAttempts) seconds.
func BackoffDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > MaxAttempts {
		attempts = MaxAttempts
	}
	return time.Duration(1<<attempts) * time.Second
}

// CappedBackoff returns BackoffDelay limited to limit, for sessions that schedule their own redials.
func CappedBackoff(limit time.Duration) func(attempts int) time.Duration {
	return func(attempts int) time.Duration {
		delay := BackoffDelay(attempts)
		if limit > 0 && delay > limit {
			return limit
		}
		return delay
	}
}
