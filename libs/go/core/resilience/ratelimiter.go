package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// RateLimiter is a token bucket with an optional sliding window cap. Tokens may stand
// for requests or for bytes; refill occurs lazily on each check based on elapsed time.
type RateLimiter struct {
	mu           sync.Mutex
	capacity     int64         // bucket capacity
	fillRate     float64       // tokens per second
	available    float64       // current tokens
	lastRefill   time.Time     // last refill time
	windowStart  time.Time     // sliding window start
	windowDur    time.Duration // sliding window length
	windowCount  int64         // tokens taken in current window
	maxPerWindow int64         // hard cap per window, 0 disables

	now         func() time.Time
	windowDrops metric.Int64Counter
	tokenDrops  metric.Int64Counter
}

// NewRateLimiter creates a combined token bucket + sliding window limiter.
func NewRateLimiter(capacity int64, fillRate float64, windowDur time.Duration, maxPerWindow int64) *RateLimiter {
	meter := otel.GetMeterProvider().Meter("swarm-go")
	windowDrops, _ := meter.Int64Counter("swarm_ratelimiter_window_drops_total")
	tokenDrops, _ := meter.Int64Counter("swarm_ratelimiter_token_drops_total")
	now := time.Now()
	return &RateLimiter{
		capacity:     capacity,
		fillRate:     fillRate,
		available:    float64(capacity),
		lastRefill:   now,
		windowStart:  now,
		windowDur:    windowDur,
		maxPerWindow: maxPerWindow,
		now:          time.Now,
		windowDrops:  windowDrops,
		tokenDrops:   tokenDrops,
	}
}

// Allow returns whether one token can be consumed now.
func (r *RateLimiter) Allow() bool {
	return r.AllowN(1)
}

// AllowN attempts to consume n tokens. A request larger than the bucket capacity is
// admitted once the bucket is full, leaving it in debt.
func (r *RateLimiter) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.refill(now)

	if r.windowDur > 0 && now.Sub(r.windowStart) >= r.windowDur {
		r.windowStart = now
		r.windowCount = 0
	}
	if r.maxPerWindow > 0 && r.windowCount+n > r.maxPerWindow {
		r.windowDrops.Add(context.Background(), 1)
		return false
	}

	need := float64(n)
	if need > float64(r.capacity) {
		need = float64(r.capacity)
	}
	if need <= r.available {
		r.available -= float64(n)
		r.windowCount += n
		return true
	}
	r.tokenDrops.Add(context.Background(), 1)
	return false
}

// ReserveAfter returns the duration after which n tokens will be available.
func (r *RateLimiter) ReserveAfter(n int64) time.Duration {
	if n <= 0 || r.fillRate <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill(r.now())

	need := min(float64(n), float64(r.capacity))
	if r.available >= need {
		return 0
	}
	seconds := (need - r.available) / r.fillRate
	return time.Duration(seconds * float64(time.Second))
}

func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	r.available = min(float64(r.capacity), r.available+elapsed*r.fillRate)
	r.lastRefill = now
}
