package realtime

import (
	"math"
	"math/rand"
	"time"
)

const (
	DefaultReconnectBaseDelay = time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
	// A connection that stayed up this long resets the attempt counter.
	stableAfter = 60 * time.Second
)

// reconnector computes exponential reconnect delays with jitter. It is not
// safe for concurrent use; WSClient guards it with its mutex.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
	now         func() time.Time
}

func newReconnector(base, maxDelay time.Duration, maxAttempts int) *reconnector {
	if base <= 0 {
		base = DefaultReconnectBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultReconnectMaxDelay
	}
	return &reconnector{baseDelay: base, maxDelay: maxDelay, maxAttempts: maxAttempts, now: time.Now}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = r.now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && r.now().Sub(r.connectedAt) > stableAfter {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := rand.Float64() * float64(r.baseDelay) * 0.5
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+jitter,
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}
