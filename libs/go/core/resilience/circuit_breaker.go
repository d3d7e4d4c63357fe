package resilience

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrCircuitOpen is returned by Execute while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitBreaker is an adaptive circuit breaker that opens based on failure rate over a rolling window
// and supports half-open probes.
type CircuitBreaker struct {
	mu   sync.Mutex
	name string

	// config
	minSamples        int           // minimum requests before evaluating
	failureRateOpen   float64       // baseline failure rate threshold to open (0-1)
	halfOpenAfter     time.Duration // cool-down period
	maxHalfOpenProbes int           // successful probes required to close again
	minAdaptiveOpen   float64       // lower bound for adaptive threshold
	maxAdaptiveOpen   float64       // upper bound for adaptive threshold
	lastEval          time.Time     // last adaptive evaluation
	evalInterval      time.Duration // how often to recompute adaptive threshold
	dynamicThreshold  float64       // current computed threshold

	// state
	openedAt          time.Time
	state             breakerState
	window            *slidingWindow
	halfOpenInFlight  int
	halfOpenSuccesses int

	now          func() time.Time
	openCounter  metric.Int64Counter
	closeCounter metric.Int64Counter
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// NewCircuitBreakerAdaptive constructs a breaker using a rolling window of size with bucket resolution.
func NewCircuitBreakerAdaptive(name string, windowSize time.Duration, buckets int, minSamples int, failureRateOpen float64, halfOpenAfter time.Duration, maxHalfOpenProbes int) *CircuitBreaker {
	if buckets <= 0 {
		buckets = 1
	}
	if maxHalfOpenProbes <= 0 {
		maxHalfOpenProbes = 1
	}
	failureRateOpen = math.Min(math.Max(failureRateOpen, 0), 1)
	meter := otel.GetMeterProvider().Meter("swarm-go")
	open, _ := meter.Int64Counter("swarm_resilience_circuit_open_total")
	closed, _ := meter.Int64Counter("swarm_resilience_circuit_closed_total")
	return &CircuitBreaker{
		name:              name,
		minSamples:        minSamples,
		failureRateOpen:   failureRateOpen,
		halfOpenAfter:     halfOpenAfter,
		maxHalfOpenProbes: maxHalfOpenProbes,
		state:             stateClosed,
		window:            newSlidingWindow(windowSize, buckets),
		minAdaptiveOpen:   math.Min(math.Max(failureRateOpen*0.5, 0.05), failureRateOpen),
		maxAdaptiveOpen:   math.Min(0.95, math.Max(failureRateOpen*1.5, failureRateOpen)),
		evalInterval:      5 * time.Second,
		dynamicThreshold:  failureRateOpen,
		now:               time.Now,
		openCounter:       open,
		closeCounter:      closed,
	}
}

// Allow returns whether a request is permitted.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		if c.now().Sub(c.openedAt) < c.halfOpenAfter {
			return false
		}
		c.state = stateHalfOpen
		c.halfOpenInFlight, c.halfOpenSuccesses = 0, 0
		fallthrough
	case stateHalfOpen:
		if c.halfOpenInFlight >= c.maxHalfOpenProbes {
			return false
		}
		c.halfOpenInFlight++
	}
	return true
}

// RecordResult records a success or failure outcome.
func (c *CircuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	switch c.state {
	case stateClosed:
		c.window.add(now, success)
		c.adapt(now)
		total, failures := c.window.stats(now)
		if total >= c.minSamples && float64(failures)/float64(total) >= c.dynamicThreshold {
			c.transitionToOpen(now)
		}
	case stateHalfOpen:
		if !success {
			c.transitionToOpen(now)
			return
		}
		c.halfOpenSuccesses++
		if c.halfOpenSuccesses >= c.maxHalfOpenProbes {
			c.reset()
		}
	case stateOpen:
		// late result from a call admitted before opening
	}
}

// adapt lowers the threshold while failures run above baseline so the breaker trips
// faster, and raises it slowly during calm periods to avoid flapping.
func (c *CircuitBreaker) adapt(now time.Time) {
	if now.Sub(c.lastEval) < c.evalInterval {
		return
	}
	c.lastEval = now
	total, failures := c.window.stats(now)
	if total == 0 {
		return
	}
	if float64(failures)/float64(total) > c.failureRateOpen {
		c.dynamicThreshold = math.Max(c.minAdaptiveOpen, c.dynamicThreshold*0.7)
	} else {
		c.dynamicThreshold = math.Min(c.maxAdaptiveOpen, c.dynamicThreshold*1.05)
	}
}

// Execute runs fn if the breaker admits it and records the outcome.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if !c.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	c.RecordResult(err == nil)
	return err
}

// State reports closed, open or half_open.
func (c *CircuitBreaker) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateOpen && c.now().Sub(c.openedAt) >= c.halfOpenAfter {
		return stateHalfOpen.String()
	}
	return c.state.String()
}

func (c *CircuitBreaker) transitionToOpen(now time.Time) {
	c.state = stateOpen
	c.openedAt = now
	c.openCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("breaker", c.name)))
}

func (c *CircuitBreaker) reset() {
	c.state = stateClosed
	c.openedAt = time.Time{}
	c.dynamicThreshold = c.failureRateOpen
	c.window.reset()
	c.closeCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("breaker", c.name)))
}

// slidingWindow implements fixed-size time buckets storing success/failure counts.
// Each bucket remembers the interval it was filled in so stale buckets are ignored.
type slidingWindow struct {
	buckets  int
	interval time.Duration
	data     []bucket
}

type bucket struct {
	epoch         int64
	success, fail int
}

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	interval := size / time.Duration(buckets)
	if interval <= 0 {
		interval = time.Millisecond
	}
	return &slidingWindow{
		buckets:  buckets,
		interval: interval,
		data:     make([]bucket, buckets),
	}
}

func (w *slidingWindow) epoch(now time.Time) int64 {
	return now.UnixNano() / int64(w.interval)
}

func (w *slidingWindow) add(now time.Time, success bool) {
	e := w.epoch(now)
	b := &w.data[e%int64(w.buckets)]
	if b.epoch != e {
		*b = bucket{epoch: e}
	}
	if success {
		b.success++
	} else {
		b.fail++
	}
}

func (w *slidingWindow) stats(now time.Time) (total int, failures int) {
	e := w.epoch(now)
	for _, b := range w.data {
		if e-b.epoch >= int64(w.buckets) {
			continue
		}
		total += b.success + b.fail
		failures += b.fail
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
	}
}
