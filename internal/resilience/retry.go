package resilience

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"syscall"
	"time"

	"github.com/datatalk-ai/datatalk/internal/transport"
)

// RetryPolicy retries transient failures with exponential backoff. Permanent
// failures (provider-reported errors, cancellation) return immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// sleep is overridable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy matches the invocation defaults: three attempts,
// 250ms doubling backoff capped at 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Do runs op, retrying transient errors until the attempt budget or ctx is
// exhausted. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, label string, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) || attempt == attempts {
			return err
		}

		delay := p.backoff(attempt)
		log.Printf("[Retry] %s attempt %d/%d failed, retrying in %s: %v", label, attempt, attempts, delay, err)
		if serr := sleep(ctx, delay); serr != nil {
			return err
		}
	}
	return err
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// permanentError pins an error as non-retryable regardless of its cause.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. Used when a failure that would
// normally be transient must not be retried, such as a stream breaking
// after part of the answer has already been delivered.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsTransient classifies an error for the retry policy. Timeouts and broken
// connections are worth retrying; an answer the provider actually gave, a
// validation failure, or the caller's own cancellation is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if transport.IsProviderError(err) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Executor combines the retry policy with a per-key circuit breaker. One
// executor serves all providers; breakers are keyed by provider id.
type Executor struct {
	policy   RetryPolicy
	breakers *BreakerSet
}

// NewExecutor wires a policy to a breaker set.
func NewExecutor(policy RetryPolicy, breakers *BreakerSet) *Executor {
	return &Executor{policy: policy, breakers: breakers}
}

// Do runs op under the key's breaker and the retry policy. An open circuit
// rejects the call before op runs. Each attempt reports to the breaker
// individually, so a run of transient failures can trip it mid-retry.
func (e *Executor) Do(ctx context.Context, key string, op func(ctx context.Context) error) error {
	breaker := e.breakers.For(key)

	return e.policy.Do(ctx, key, func(ctx context.Context) error {
		if err := breaker.Allow(); err != nil {
			return &CircuitOpenError{Key: key}
		}
		if err := op(ctx); err != nil {
			// A provider-reported error is a real answer; it does not
			// count against the circuit.
			if transport.IsProviderError(err) {
				breaker.RecordSuccess()
			} else {
				breaker.RecordFailure()
			}
			return err
		}
		breaker.RecordSuccess()
		return nil
	})
}

// Reset clears the breaker for key.
func (e *Executor) Reset(key string) {
	e.breakers.Reset(key)
}
