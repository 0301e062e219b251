package outbox

import "time"

// Backoff returns the delay before the next attempt after attempts failed
// attempts: base * 2^(attempts-1), capped at maxDelay.
func Backoff(attempts int, base, maxDelay time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		if d >= maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}
