// Package ratelimit throttles producers with a token bucket.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// TokenBucket admits up to burst requests at once and refills at rate
// tokens per second. It is safe for concurrent use.
type TokenBucket struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
	now    func() time.Time
}

func NewTokenBucket(rate float64, burst int) *TokenBucket {
	return newTokenBucket(rate, burst, time.Now)
}

func newTokenBucket(rate float64, burst int, now func() time.Time) *TokenBucket {
	t := now()
	return &TokenBucket{rate: rate, burst: float64(burst), tokens: float64(burst), last: t, now: now}
}

func (tb *TokenBucket) advance() {
	t := tb.now()
	if dt := t.Sub(tb.last).Seconds(); dt > 0 {
		tb.tokens = math.Min(tb.burst, tb.tokens+dt*tb.rate)
		tb.last = t
	}
}

// Allow takes n tokens when the bucket holds them.
func (tb *TokenBucket) Allow(n int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.advance()
	if tb.tokens < float64(n) {
		return false
	}
	tb.tokens -= float64(n)
	return true
}

// Available reports the tokens currently in the bucket.
func (tb *TokenBucket) Available() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.advance()
	return tb.tokens
}
