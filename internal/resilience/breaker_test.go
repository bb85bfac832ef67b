package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the breaker's view of time.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time            { return c.t }
func (c *fakeClock) advance(d time.Duration)   { c.t = c.t.Add(d) }
func newFakeClock() *fakeClock                 { return &fakeClock{t: time.Unix(1700000000, 0)} }
func withClock(b *Breaker, c *fakeClock) *Breaker {
	b.now = c.now
	return b
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	b := withClock(NewBreaker(3, time.Minute), clock)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, BreakerClosed, b.State())

	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	clock := newFakeClock()
	b := withClock(NewBreaker(1, time.Minute), clock)

	b.RecordFailure()
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	clock.advance(time.Minute)
	assert.Equal(t, BreakerHalfOpen, b.State())

	// exactly one trial is admitted
	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := withClock(NewBreaker(1, time.Minute), clock)

	b.RecordFailure()
	clock.advance(time.Minute)
	require.NoError(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, BreakerClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := withClock(NewBreaker(1, time.Minute), clock)

	b.RecordFailure()
	clock.advance(time.Minute)
	require.NoError(t, b.Allow())
	b.RecordFailure()

	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	// and the fresh cool-down applies from the reopen
	clock.advance(30 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
	clock.advance(30 * time.Second)
	assert.NoError(t, b.Allow())
}

func TestBreakerSetPerKey(t *testing.T) {
	set := NewBreakerSet(1, time.Minute)

	set.For("mssql").RecordFailure()
	assert.Equal(t, BreakerOpen, set.For("mssql").State())
	assert.Equal(t, BreakerClosed, set.For("docs").State())

	set.Reset("mssql")
	assert.Equal(t, BreakerClosed, set.For("mssql").State())
}
