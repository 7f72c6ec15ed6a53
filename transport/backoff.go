package transport

import (
	"math/rand"
	"time"
)

// ComputeBackoff returns the delay before reconnect attempt number attempt
// (1-based): base * 2^(attempt-1) plus random jitter, capped at max. Jitter
// is bounded by base/2 so successive delays stay non-decreasing until they
// hit the cap.
func ComputeBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}

	jitter := time.Duration(rand.Int63n(int64(base/2) + 1))
	delay += jitter
	if delay > max {
		return max
	}
	return delay
}
