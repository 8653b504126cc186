// Package server throttles per-connection message intake so one noisy
// session cannot flood the hub.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

// newIngestLimiter builds a token bucket allowing Burst messages per
// RefillInterval, refilled continuously.
func newIngestLimiter(cfg RateLimitConfig) *rate.Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	return rate.NewLimiter(rate.Every(interval/time.Duration(burst)), burst)
}
