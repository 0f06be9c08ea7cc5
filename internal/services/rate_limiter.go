package services

import (
	"math"
	"sync"
	"time"
)

// tokenBucket is a token bucket refilled from an injectable clock.
type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int, now time.Time) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm // default burst equals a minute worth
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: now,
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.burst, b.tokens+elapsed*b.ratePerSec)
		b.lastRefill = now
	}
}

// take consumes a token or reports how long until one is available.
func (b *tokenBucket) take(now time.Time) (bool, time.Duration) {
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	missing := 1 - b.tokens
	wait := time.Duration(missing / b.ratePerSec * float64(time.Second))
	if wait <= 0 {
		wait = time.Millisecond
	}
	return false, wait
}

// TenantRateLimiter keeps one bucket per tenant so one tenant cannot starve the others.
type TenantRateLimiter struct {
	mu      sync.Mutex
	clock   Clock
	rpm     int
	burst   int
	buckets map[string]*tokenBucket
}

func NewTenantRateLimiter(rpm, burst int, clock Clock) *TenantRateLimiter {
	if clock == nil {
		clock = SystemClock()
	}
	return &TenantRateLimiter{clock: clock, rpm: rpm, burst: burst, buckets: make(map[string]*tokenBucket)}
}

// Reserve takes a token for tenantID. When none is left it returns false and the wait
// until the next token.
func (l *TenantRateLimiter) Reserve(tenantID string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	b, ok := l.buckets[tenantID]
	if !ok {
		b = newBucket(l.rpm, l.burst, now)
		l.buckets[tenantID] = b
	}
	return b.take(now)
}

// Allow is Reserve without the wait.
func (l *TenantRateLimiter) Allow(tenantID string) bool {
	ok, _ := l.Reserve(tenantID)
	return ok
}
