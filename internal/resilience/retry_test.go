package resilience

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, sleep: noSleep}

	attempts := 0
	err := p.Do(context.Background(), "test", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return syscall.ECONNRESET
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, sleep: noSleep}

	permanent := errors.New("bad request")
	attempts := 0
	err := p.Do(context.Background(), "test", func(ctx context.Context) error {
		attempts++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
}

func TestRetryExhaustsBudget(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, sleep: noSleep}

	attempts := 0
	err := p.Do(context.Background(), "test", func(ctx context.Context) error {
		attempts++
		return context.DeadlineExceeded
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, attempts)
}

func TestRetryStopsOnCancellation(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, sleep: noSleep}

	attempts := 0
	err := p.Do(context.Background(), "test", func(ctx context.Context) error {
		attempts++
		return context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := RetryPolicy{BaseDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second}

	assert.Equal(t, 250*time.Millisecond, p.backoff(1))
	assert.Equal(t, 500*time.Millisecond, p.backoff(2))
	assert.Equal(t, time.Second, p.backoff(3))
	assert.Equal(t, 2*time.Second, p.backoff(4))
	assert.Equal(t, 2*time.Second, p.backoff(5))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(syscall.ECONNRESET))
	assert.True(t, IsTransient(syscall.ECONNREFUSED))

	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(ErrCircuitOpen))
	assert.False(t, IsTransient(errors.New("schema mismatch")))

	// a Permanent wrapper pins an otherwise transient error
	assert.False(t, IsTransient(Permanent(syscall.ECONNRESET)))
}

func TestExecutorTripsBreakerAcrossRetries(t *testing.T) {
	set := NewBreakerSet(3, time.Minute)
	exec := NewExecutor(RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, sleep: noSleep}, set)

	attempts := 0
	err := exec.Do(context.Background(), "mssql", func(ctx context.Context) error {
		attempts++
		return syscall.ECONNRESET
	})
	require.Error(t, err)

	// the third consecutive failure opened the circuit; the fourth attempt
	// was rejected without running the op, and circuit-open is permanent to
	// the retry policy
	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, BreakerOpen, set.For("mssql").State())
}

func TestExecutorOpenCircuitRejectsBeforeOp(t *testing.T) {
	set := NewBreakerSet(1, time.Minute)
	set.For("docs").RecordFailure()
	exec := NewExecutor(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, sleep: noSleep}, set)

	ran := false
	err := exec.Do(context.Background(), "docs", func(ctx context.Context) error {
		ran = true
		return nil
	})

	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "docs", open.Key)
	assert.False(t, ran)
}

func TestExecutorSuccessClosesCircuit(t *testing.T) {
	set := NewBreakerSet(3, time.Minute)
	exec := NewExecutor(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, sleep: noSleep}, set)

	set.For("mssql").RecordFailure()
	set.For("mssql").RecordFailure()

	err := exec.Do(context.Background(), "mssql", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, set.For("mssql").State())
}
