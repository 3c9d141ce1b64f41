// ratelimit.go implements token-bucket rate limiting for venue REST APIs.
//
// Spot venues publish per-category request budgets measured over short
// windows. This file provides a smooth token-bucket implementation that
// refills continuously (rather than in window-sized bursts) to avoid
// hitting hard limits.
//
// Three buckets are maintained:
//   - Order:   50 burst / 10 per sec  order placement and cancellation
//   - Book:   150 burst / 15 per sec  order book and ticker reads
//   - Account: 60 burst /  6 per sec  balances, fees, transfers
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by venue API endpoint category.
// Each operation must call the appropriate bucket's Wait() before making
// the HTTP request.
type RateLimiter struct {
	Order   *TokenBucket // POST /orders, DELETE /orders/{id}
	Book    *TokenBucket // GET /orderbook, /ticker
	Account *TokenBucket // GET /account/*, POST /withdrawals
}

// NewRateLimiter creates rate limiters tuned to conservative spot venue
// budgets. Capacities are the short-window burst allowance, rates the
// smooth refill.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:   NewTokenBucket(50, 10),
		Book:    NewTokenBucket(150, 15),
		Account: NewTokenBucket(60, 6),
	}
}
