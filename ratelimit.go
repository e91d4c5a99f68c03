package match

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimitGate is consulted by the engine at the top of submit, before
// the symbol lock is taken. A false return surfaces as ErrRateLimited.
type RateLimitGate interface {
	TryAccept(symbol string) bool
}

// TokenBucketGate keeps one token bucket per symbol, created lazily with
// the configured refill rate and burst.
type TokenBucketGate struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewTokenBucketGate creates a gate allowing ordersPerSecond sustained
// with bursts up to burst per symbol.
func NewTokenBucketGate(ordersPerSecond float64, burst int) *TokenBucketGate {
	return &TokenBucketGate{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(ordersPerSecond),
		burst:    burst,
	}
}

// TryAccept consumes one token for the symbol, reporting whether the
// order may be admitted.
func (g *TokenBucketGate) TryAccept(symbol string) bool {
	g.mu.Lock()
	limiter, ok := g.limiters[symbol]
	if !ok {
		limiter = rate.NewLimiter(g.rate, g.burst)
		g.limiters[symbol] = limiter
	}
	g.mu.Unlock()

	return limiter.Allow()
}
