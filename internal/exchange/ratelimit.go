// ratelimit.go caps outbound REST traffic to the exchange's published
// per-category limits.
//
// The exchange meters market-data reads and orderbook reads separately, at
// 10 requests per second each on the basic access tier. Limiters come from
// x/time/rate so short bursts are absorbed without tripping the hard limit.
package exchange

import (
	"golang.org/x/time/rate"
)

// RateLimiter groups limiters by REST endpoint category. Every request
// waits on its category's limiter before going out.
type RateLimiter struct {
	Data *rate.Limiter // event and market metadata reads
	Book *rate.Limiter // orderbook reads
}

// NewRateLimiter returns limiters tuned to the basic access tier.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Data: rate.NewLimiter(rate.Limit(10), 10),
		Book: rate.NewLimiter(rate.Limit(10), 10),
	}
}
