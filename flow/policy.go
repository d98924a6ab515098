package flow

import (
	"math/rand"
	"time"
)

// computeBackoff returns the delay before a same-stage retry:
// min(base * 2^attempt, maxDelay) plus jitter in [0, base).
//
// The jitter spreads concurrent retries so workers recovering from the same
// outage do not storm the dependency in lockstep.
func computeBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	delay := base * (1 << attempt)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry timing, not security
	return delay + jitter
}
