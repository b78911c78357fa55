package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream reset")

type transitionRecorder struct {
	mu  sync.Mutex
	got [][2]State
}

func (r *transitionRecorder) OnStateChange(_ string, from, to State) {
	r.mu.Lock()
	r.got = append(r.got, [2]State{from, to})
	r.mu.Unlock()
}

func (r *transitionRecorder) transitions() [][2]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][2]State, len(r.got))
	copy(out, r.got)
	return out
}

func fail(context.Context) error    { return errUpstream }
func succeed(context.Context) error { return nil }

func TestBreaker_TripsExactlyOnThreshold(t *testing.T) {
	rec := &transitionRecorder{}
	b := New("feed", Config{FailureThreshold: 5, SuccessThreshold: 1, ResetTimeout: time.Minute}, rec)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		err := b.Do(ctx, fail)
		require.ErrorIs(t, err, errUpstream)
		assert.Equal(t, StateClosed, b.State(), "still closed after failure %d", i)
	}

	err := b.Do(ctx, fail)
	require.ErrorIs(t, err, errUpstream)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, [][2]State{{StateClosed, StateOpen}}, rec.transitions())
}

func TestBreaker_OpenRejectsWithoutInvoking(t *testing.T) {
	b := New("store", Config{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Minute})
	ctx := context.Background()
	require.Error(t, b.Do(ctx, fail))

	called := false
	err := b.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})

	require.ErrorIs(t, err, ErrCircuitOpen)
	var coe *CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.Equal(t, "store", coe.Name)
	assert.False(t, called)
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	b := New("feed", Config{FailureThreshold: 3, SuccessThreshold: 1, ResetTimeout: time.Minute})
	ctx := context.Background()

	require.Error(t, b.Do(ctx, fail))
	require.Error(t, b.Do(ctx, fail))
	require.NoError(t, b.Do(ctx, succeed))
	require.Error(t, b.Do(ctx, fail))
	require.Error(t, b.Do(ctx, fail))

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(2), b.Snapshot().ConsecutiveFailures)
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	rec := &transitionRecorder{}
	b := New("feed", Config{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: 20 * time.Millisecond}, rec)
	ctx := context.Background()
	require.Error(t, b.Do(ctx, fail))

	require.Eventually(t, func() bool { return b.State() == StateHalfOpen }, time.Second, 5*time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := b.Do(ctx, succeed)
	require.ErrorIs(t, err, ErrCircuitOpen, "second caller must not get through while the probe runs")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, [][2]State{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, rec.transitions())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New("feed", Config{FailureThreshold: 2, SuccessThreshold: 2, ResetTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	require.Error(t, b.Do(ctx, fail))
	require.Error(t, b.Do(ctx, fail))
	require.Eventually(t, func() bool { return b.State() == StateHalfOpen }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Do(ctx, succeed))
	assert.Equal(t, StateHalfOpen, b.State(), "needs two probe successes")
	assert.Equal(t, uint32(1), b.Snapshot().ProbeSuccesses)

	require.ErrorIs(t, b.Do(ctx, fail), errUpstream)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	b := New("feed", Config{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Minute})

	err := b.Do(context.Background(), func(context.Context) error { return context.Canceled })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_CancellationKeepsFailureStreak(t *testing.T) {
	b := New("feed", Config{FailureThreshold: 5, SuccessThreshold: 1, ResetTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.Error(t, b.Do(ctx, fail))
	}
	require.ErrorIs(t, b.Do(ctx, func(context.Context) error { return context.Canceled }), context.Canceled)
	assert.Equal(t, uint32(4), b.Snapshot().ConsecutiveFailures)

	require.Error(t, b.Do(ctx, fail))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_CancelledHalfOpenCallStaysHalfOpen(t *testing.T) {
	b := New("feed", Config{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	require.Error(t, b.Do(ctx, fail))
	require.Eventually(t, func() bool { return b.State() == StateHalfOpen }, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, b.Do(ctx, func(context.Context) error { return context.Canceled }), context.Canceled)
	assert.Equal(t, StateHalfOpen, b.State(), "cancellation says nothing about the dependency")

	require.NoError(t, b.Do(ctx, succeed), "the half-open slot is free again")
	assert.Equal(t, StateClosed, b.State())
}

func TestExecute_ReturnsValue(t *testing.T) {
	b := New("feed", Config{})
	v, err := Execute(context.Background(), b, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestBreakers_DoNotShareState(t *testing.T) {
	a := New("a", Config{FailureThreshold: 1, ResetTimeout: time.Minute})
	b := New("b", Config{FailureThreshold: 1, ResetTimeout: time.Minute})

	require.Error(t, a.Do(context.Background(), fail))
	assert.Equal(t, StateOpen, a.State())
	assert.Equal(t, StateClosed, b.State())
}
