package cache

import (
	"context"
	"errors"
	"time"

	"CoherencePulse/internal/domain/models"
	pcache "CoherencePulse/pkg/cache"
	"CoherencePulse/pkg/resilience/breaker"
)

// ScoreCache stores the latest coherence score per symbol on a pkg/cache Store.
type ScoreCache struct {
	store pcache.Store
	ttl   time.Duration
	brk   *breaker.Breaker
}

type ScoreCacheOption func(*ScoreCache)

// WithBreaker guards every store call with brk. A miss is not a failure.
func WithBreaker(brk *breaker.Breaker) ScoreCacheOption {
	return func(c *ScoreCache) { c.brk = brk }
}

func NewScoreCache(store pcache.Store, ttl time.Duration, opts ...ScoreCacheOption) *ScoreCache {
	c := &ScoreCache{store: store, ttl: ttl}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *ScoreCache) PutScore(ctx context.Context, score models.CoherenceScore) error {
	set := func(ctx context.Context) error {
		return c.store.Set(ctx, latestKey(score.Symbol), score, c.ttl)
	}
	if c.brk == nil {
		return set(ctx)
	}
	return c.brk.Do(ctx, set)
}

// LatestScore returns false without error when nothing is cached for symbol.
func (c *ScoreCache) LatestScore(ctx context.Context, symbol string) (models.CoherenceScore, bool, error) {
	var score models.CoherenceScore
	get := func(ctx context.Context) (bool, error) {
		err := c.store.Get(ctx, latestKey(symbol), &score)
		if errors.Is(err, pcache.ErrCacheMiss) {
			return false, nil
		}
		return err == nil, err
	}
	var (
		ok  bool
		err error
	)
	if c.brk == nil {
		ok, err = get(ctx)
	} else {
		ok, err = breaker.Execute(ctx, c.brk, get)
	}
	if err != nil || !ok {
		return models.CoherenceScore{}, false, err
	}
	return score, true, nil
}

func latestKey(symbol string) string { return pcache.Key("score", "latest", symbol) }
