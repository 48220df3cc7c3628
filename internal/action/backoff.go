package action

import "time"

// RateLimitState is tracked per acting account. It resets on success.
type RateLimitState struct {
	ConsecutiveFailures int
	NextAllowedAt       time.Time
}

type BackoffPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Delay returns the wait before the next attempt: the seed is the
// server's hint when present, otherwise BaseDelay times the failure
// count, and it doubles with every consecutive failure.
func (p BackoffPolicy) Delay(failures int, hint time.Duration) time.Duration {
	if failures < 1 {
		failures = 1
	}
	seed := hint
	if seed <= 0 {
		seed = p.BaseDelay * time.Duration(failures)
	}
	delay := seed
	for i := 1; i < failures; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
