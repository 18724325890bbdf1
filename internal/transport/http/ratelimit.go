package http

import (
	"golang.org/x/time/rate"

	"github.com/vovakirdan/roomsync/internal/config"
)

// sessionLimiter is a token bucket over inbound frames of one connection.
type sessionLimiter struct {
	lim *rate.Limiter
}

func newSessionLimiter(cfg config.RateLimitConfig) *sessionLimiter {
	if cfg.MessagesPerSecond <= 0 {
		return &sessionLimiter{}
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(1, int(cfg.MessagesPerSecond))
	}
	return &sessionLimiter{lim: rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), burst)}
}

func (s *sessionLimiter) allow() bool {
	if s == nil || s.lim == nil {
		return true
	}
	return s.lim.Allow()
}
