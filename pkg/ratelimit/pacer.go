package ratelimit

import (
	"golang.org/x/time/rate"
)

// NewPacer returns a limiter that spaces requests to at most
// requestsPerSecond, or nil when pacing is disabled (requestsPerSecond <= 0).
func NewPacer(requestsPerSecond float64) *rate.Limiter {
	if requestsPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
}
