package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runService(t *testing.T, serve func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
}

func TestHeartbeat_PingsEachInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, testConfig(), WithClock(clock))
	_, good := connect(t, m, "1.1.1.1:1")
	bad, badSink := connect(t, m, "1.1.1.2:1")
	badSink.pingErr = errors.New("closed")

	runService(t, NewHeartbeat(m).Serve)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		_, err := m.Subscriptions(bad.ID)
		return errors.Is(err, ErrConnectionNotFound)
	}, time.Second, 5*time.Millisecond)

	good.mu.Lock()
	defer good.mu.Unlock()
	assert.Equal(t, 1, good.pings)
}

func TestReaper_EvictsAfterTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, testConfig(), WithClock(clock))
	idle, sink := connect(t, m, "1.1.1.1:1")

	runService(t, NewReaper(m).Serve)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	for i := 0; i < 7; i++ {
		clock.Advance(10 * time.Second)
	}
	require.Eventually(t, func() bool {
		_, err := m.Subscriptions(idle.ID)
		return errors.Is(err, ErrConnectionNotFound)
	}, time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, ReasonTimeout, sink.reason)
}
