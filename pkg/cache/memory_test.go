package cache

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	Symbol string  `json:"symbol"`
	Value  float64 `json:"value"`
}

func TestMemoryCache_RoundTripAndExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	mc := NewMemoryCache(MemoryConfig{MaxSize: 10}, clock)
	defer mc.Close()
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "a", point{"AAPL", 0.5}, time.Minute))
	var got point
	require.NoError(t, mc.Get(ctx, "a", &got))
	assert.Equal(t, point{"AAPL", 0.5}, got)

	clock.Advance(time.Minute + time.Second)
	assert.ErrorIs(t, mc.Get(ctx, "a", &got), ErrCacheMiss)
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	mc := NewMemoryCache(MemoryConfig{MaxSize: 2}, clock)
	defer mc.Close()
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "a", 1, 0))
	clock.Advance(time.Second)
	require.NoError(t, mc.Set(ctx, "b", 2, 0))
	clock.Advance(time.Second)

	var v int
	require.NoError(t, mc.Get(ctx, "a", &v))
	clock.Advance(time.Second)
	require.NoError(t, mc.Set(ctx, "c", 3, 0))

	assert.ErrorIs(t, mc.Get(ctx, "b", &v), ErrCacheMiss)
	require.NoError(t, mc.Get(ctx, "a", &v))
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, mc.Len())
}

func TestLayeredCache_FillsL1FromL2(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l1 := NewMemoryCache(MemoryConfig{}, clock)
	l2 := NewMemoryCache(MemoryConfig{}, clock)
	lc := NewLayeredCache(l1, l2, 10*time.Second)
	defer lc.Close()
	ctx := context.Background()

	require.NoError(t, l2.Set(ctx, "k", point{"MSFT", 1}, 0))
	var got point
	require.NoError(t, lc.Get(ctx, "k", &got))
	assert.Equal(t, "MSFT", got.Symbol)
	assert.Equal(t, 1, l1.Len())

	clock.Advance(11 * time.Second)
	require.NoError(t, l2.Delete(ctx, "k"))
	assert.ErrorIs(t, lc.Get(ctx, "k", &got), ErrCacheMiss)
}
