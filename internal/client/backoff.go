package client

import "time"

const (
	DefaultBaseDelay            = time.Second
	DefaultMaxDelay             = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultHistoryLimit         = 1000
)

// Backoff is the reconnect delay before attempt (0-based):
// min(1s * 2^attempt, 30s).
func Backoff(attempt int) time.Duration {
	return backoff(attempt, DefaultBaseDelay, DefaultMaxDelay)
}

func backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for range attempt {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}
