package flusher

import "golang.org/x/time/rate"

// newRateLimiter builds the per-build token-bucket limiter (§4.4): quota
// per second is DefaultDocumentsPageSize * reason.MaxPagesPerSecond(). More
// urgent reasons (TooLarge) get higher throughput than routine catch-up.
//
// The burst size is set to one full page so a single page-sized read never
// has to split across multiple WaitN calls.
func newRateLimiter(cfg Config, reason BuildReason) RateLimiter {
	quota := float64(cfg.DefaultDocumentsPageSize) * reason.MaxPagesPerSecond()

	return rate.NewLimiter(rate.Limit(quota), cfg.DefaultDocumentsPageSize)
}
