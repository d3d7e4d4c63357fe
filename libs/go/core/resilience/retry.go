package resilience

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// maxBackoff caps the exponential growth of the retry delay.
const maxBackoff = 60 * time.Second

var (
	retryOnce      sync.Once
	attemptCounter metric.Int64Counter
	successCounter metric.Int64Counter
	failCounter    metric.Int64Counter
)

func retryInstruments() {
	retryOnce.Do(func() {
		meter := otel.Meter("swarm-go")
		attemptCounter, _ = meter.Int64Counter("swarm_resilience_retry_attempts_total")
		successCounter, _ = meter.Int64Counter("swarm_resilience_retry_success_total")
		failCounter, _ = meter.Int64Counter("swarm_resilience_retry_fail_total")
	})
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Retry returns the wrapped error at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry executes fn with exponential backoff (base delay) + full jitter.
// delay acts as initial backoff; grows exponentially (x2) until attempts exhausted.
// Jitter: random duration in [0, currentDelay].
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	retryInstruments()
	cur := delay
	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			failCounter.Add(ctx, 1)
			return zero, perm.err
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > maxBackoff {
			cur = maxBackoff
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
