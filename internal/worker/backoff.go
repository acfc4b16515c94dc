package worker

import "time"

// backoff returns base * 2^(attempt-1) capped at maxDelay.
func backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
