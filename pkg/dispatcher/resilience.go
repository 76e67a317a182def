package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cuemby/colony/pkg/errdefs"
)

// Resilience defaults for outbound hub calls
const (
	defaultCallTimeout  = 5 * time.Second
	defaultCallAttempts = 3
	defaultCallBackoff  = 200 * time.Millisecond
)

// Executor wraps outbound calls with a hard timeout, retry on transient
// failure, and a circuit breaker per operation key. Non-transient
// errors and an open breaker short-circuit immediately.
type Executor struct {
	timeout  time.Duration
	attempts int
	backoff  time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewExecutor creates an executor with the default call policy
func NewExecutor() *Executor {
	return &Executor{
		timeout:  defaultCallTimeout,
		attempts: defaultCallAttempts,
		backoff:  defaultCallBackoff,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (e *Executor) breaker(operationKey string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	cb, ok := e.breakers[operationKey]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        operationKey,
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		e.breakers[operationKey] = cb
	}
	return cb
}

// Do runs fn under the operation's breaker with the retry policy
func (e *Executor) Do(ctx context.Context, operationKey string, fn func(ctx context.Context) error) error {
	cb := e.breaker(operationKey)

	var lastErr error
	for attempt := 0; attempt < e.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		_, err := cb.Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()
			return nil, fn(callCtx)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return err
		}
		if !errdefs.IsTransient(err) {
			return err
		}
	}
	return lastErr
}
