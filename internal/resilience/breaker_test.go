package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock for breaker tests.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestBreaker(threshold int, openFor time.Duration) (*Breaker, *fakeClock) {
	clock := newFakeClock()
	b := NewBreaker("test", threshold, openFor, WithClock(clock.Now))
	return b, clock
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)

	for i := 0; i < 2; i++ {
		require.Equal(t, Allow, b.Admit())
		b.Record(false)
		assert.Equal(t, StateClosed, b.State())
	}

	require.Equal(t, Allow, b.Admit())
	b.Record(false)
	assert.Equal(t, StateOpen, b.State())

	// No network attempt while open.
	assert.Equal(t, Reject, b.Admit())
}

func TestBreaker_SuccessResetsFailureCounter(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)

	b.Record(false)
	b.Record(false)
	b.Record(true)
	b.Record(false)
	b.Record(false)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 2, b.Failures())
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	b, clock := newTestBreaker(1, 30*time.Second)

	b.Record(false)
	require.Equal(t, StateOpen, b.State())
	require.Equal(t, Reject, b.Admit())

	clock.Advance(30 * time.Second)

	// Exactly one trial is admitted; a concurrent caller is rejected.
	assert.Equal(t, AllowTrial, b.Admit())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.Equal(t, Reject, b.Admit())
}

func TestBreaker_TrialSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(1, 30*time.Second)

	b.Record(false)
	clock.Advance(31 * time.Second)
	require.Equal(t, AllowTrial, b.Admit())

	b.Record(true)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
	assert.Equal(t, Allow, b.Admit())
}

func TestBreaker_TrialFailureReopensAndResetsTimer(t *testing.T) {
	b, clock := newTestBreaker(1, 30*time.Second)

	b.Record(false)
	openedAt := b.OpenedAt()

	clock.Advance(31 * time.Second)
	require.Equal(t, AllowTrial, b.Admit())

	b.Record(false)
	assert.Equal(t, StateOpen, b.State())
	assert.True(t, b.OpenedAt().After(openedAt))

	// The open duration restarts from the trial failure.
	clock.Advance(29 * time.Second)
	assert.Equal(t, Reject, b.Admit())
	clock.Advance(2 * time.Second)
	assert.Equal(t, AllowTrial, b.Admit())
}

func TestBreaker_AbortFreesTrialSlot(t *testing.T) {
	b, clock := newTestBreaker(1, 30*time.Second)

	b.Record(false)
	clock.Advance(31 * time.Second)
	require.Equal(t, AllowTrial, b.Admit())
	require.Equal(t, Reject, b.Admit())

	b.Abort()
	assert.Equal(t, StateHalfOpen, b.State())
	assert.Equal(t, AllowTrial, b.Admit())
}

func TestBreaker_RetryAfter(t *testing.T) {
	b, clock := newTestBreaker(1, 30*time.Second)

	assert.Equal(t, time.Duration(0), b.RetryAfter())

	b.Record(false)
	assert.Equal(t, 30*time.Second, b.RetryAfter())

	clock.Advance(10 * time.Second)
	assert.Equal(t, 20*time.Second, b.RetryAfter())

	clock.Advance(25 * time.Second)
	assert.Equal(t, time.Duration(0), b.RetryAfter())
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	type change struct{ from, to State }
	var changes []change

	clock := newFakeClock()
	b := NewBreaker("auth", 1, 30*time.Second,
		WithClock(clock.Now),
		WithStateChangeCallback(func(name string, from, to State) {
			assert.Equal(t, "auth", name)
			changes = append(changes, change{from, to})
		}),
	)

	b.Record(false)
	clock.Advance(31 * time.Second)
	b.Admit()
	b.Record(true)

	require.Len(t, changes, 3)
	assert.Equal(t, change{StateClosed, StateOpen}, changes[0])
	assert.Equal(t, change{StateOpen, StateHalfOpen}, changes[1])
	assert.Equal(t, change{StateHalfOpen, StateClosed}, changes[2])
}
