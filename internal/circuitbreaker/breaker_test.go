package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStore = errors.New("store down")

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func fail(context.Context) error    { return errStore }
func succeed(context.Context) error { return nil }

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	cb := New(Config{Name: "counter", MaxFailures: 3, Timeout: 10 * time.Second, Clock: clock.Now})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errStore)
	}
	assert.Equal(t, StateOpen, cb.State())

	calls := 0
	err := cb.Execute(ctx, func(context.Context) error { calls++; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{MaxFailures: 2})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.NoError(t, cb.Execute(ctx, succeed))
	_ = cb.Execute(ctx, fail)

	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	var transitions []string
	cb := New(Config{
		Name:        "counter",
		MaxFailures: 1,
		Timeout:     5 * time.Second,
		Clock:       clock.Now,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(6 * time.Second)

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	cb := New(Config{MaxFailures: 1, Timeout: time.Second, Clock: clock.Now})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(2 * time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, fail), errStore)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
}

func TestBreaker_SingleTrialWhileHalfOpen(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	cb := New(Config{MaxFailures: 1, Timeout: time.Second, Clock: clock.Now})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(2 * time.Second)

	err := cb.Execute(ctx, func(ctx context.Context) error {
		// a second caller arriving during the trial is rejected
		assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_Reset(t *testing.T) {
	cb := New(Config{MaxFailures: 1})
	_ = cb.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	snap := cb.Snapshot()
	assert.Equal(t, "closed", snap.State)
	assert.Zero(t, snap.FailureCount)
}

func TestState_Text(t *testing.T) {
	for state, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(9):      "unknown",
	} {
		text, err := state.MarshalText()
		assert.NoError(t, err)
		assert.Equal(t, want, string(text))
	}
}
