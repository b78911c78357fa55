package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoherencePulse/internal/domain/models"
	pcache "CoherencePulse/pkg/cache"
	"CoherencePulse/pkg/resilience/breaker"
)

func TestScoreCache_LatestWins(t *testing.T) {
	mem := pcache.NewMemoryCache(pcache.MemoryConfig{}, clockwork.NewFakeClock())
	defer mem.Close()
	c := NewScoreCache(mem, time.Hour)
	ctx := context.Background()

	_, ok, err := c.LatestScore(ctx, "AAPL")
	require.NoError(t, err)
	assert.False(t, ok)

	ts := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	require.NoError(t, c.PutScore(ctx, models.CoherenceScore{Symbol: "AAPL", Psi: 0.1, Timestamp: ts}))
	require.NoError(t, c.PutScore(ctx, models.CoherenceScore{Symbol: "AAPL", Psi: 0.9, Timestamp: ts.Add(time.Second)}))

	got, ok, err := c.LatestScore(ctx, "AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.9, got.Psi, 1e-12)
	assert.True(t, got.Timestamp.Equal(ts.Add(time.Second)))
}

type failingStore struct{ calls int }

func (s *failingStore) Set(context.Context, string, interface{}, time.Duration) error {
	s.calls++
	return errors.New("connection refused")
}

func (s *failingStore) Get(context.Context, string, interface{}) error {
	s.calls++
	return errors.New("connection refused")
}

func (s *failingStore) Delete(context.Context, ...string) error { return nil }

func (s *failingStore) Close() error { return nil }

func TestScoreCache_BreakerShortCircuitsDeadStore(t *testing.T) {
	store := &failingStore{}
	brk := breaker.New("cache", breaker.Config{FailureThreshold: 2, ResetTimeout: time.Hour})
	c := NewScoreCache(store, time.Hour, WithBreaker(brk))
	ctx := context.Background()

	require.Error(t, c.PutScore(ctx, models.CoherenceScore{Symbol: "AAPL"}))
	_, _, err := c.LatestScore(ctx, "AAPL")
	require.Error(t, err)
	assert.Equal(t, breaker.StateOpen, brk.State())

	_, ok, err := c.LatestScore(ctx, "AAPL")
	assert.False(t, ok)
	assert.ErrorIs(t, err, breaker.ErrCircuitOpen)
	assert.Equal(t, 2, store.calls)
}

func TestScoreCache_MissDoesNotTrip(t *testing.T) {
	mem := pcache.NewMemoryCache(pcache.MemoryConfig{}, clockwork.NewFakeClock())
	defer mem.Close()
	brk := breaker.New("cache", breaker.Config{FailureThreshold: 1, ResetTimeout: time.Hour})
	c := NewScoreCache(mem, time.Hour, WithBreaker(brk))

	for i := 0; i < 3; i++ {
		_, ok, err := c.LatestScore(context.Background(), "MSFT")
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, breaker.StateClosed, brk.State())
}
