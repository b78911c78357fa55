package di

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoherencePulse/internal/domain/models"
	"CoherencePulse/pkg/config"
	"CoherencePulse/pkg/logger"
	"CoherencePulse/pkg/metrics"
	"CoherencePulse/pkg/resilience/breaker"
)

const minimalYAML = `
finnhub:
  api_key: test-token
  symbols: [AAPL, MSFT]
`

func minimalConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	cfg.Metrics.Enabled = false
	cfg.Log.Format = "json"
	return cfg
}

func TestInitializeApp_MinimalConfig(t *testing.T) {
	app, err := InitializeApp(minimalConfig(t))
	require.NoError(t, err)
	assert.NotNil(t, app)
}

func TestProvideMetrics_DisabledIsNop(t *testing.T) {
	cfg := minimalConfig(t)
	assert.Nil(t, ProvideRegisterer(cfg))
	assert.Equal(t, metrics.Nop{}, ProvideMetrics(nil))
}

func TestProvideOptionalComponents_NilWhenDisabled(t *testing.T) {
	cfg := minimalConfig(t)
	l := logger.Nop()

	producer, err := ProvideKafkaProducer(cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, producer)
	assert.Nil(t, ProvideAlertPublisher(cfg, producer))
	assert.Nil(t, ProvideAlertRelay(cfg, nil, nil, nil, l))
	assert.Nil(t, ProvideDigest(cfg, producer, l))

	client, err := ProvideClickHouseClient(cfg)
	require.NoError(t, err)
	assert.Nil(t, client)
	store, err := ProvideEventStore(cfg, client, l)
	require.NoError(t, err)
	assert.Nil(t, store)

	brks := ProvideBreakers(cfg, metrics.Nop{}, l)
	assert.Nil(t, ProvidePersistPipeline(cfg, store, brks, metrics.Nop{}, l))

	cfg.Finnhub.Enabled = false
	feed, err := ProvideFinnhubFeed(cfg, brks, metrics.Nop{}, l)
	require.NoError(t, err)
	assert.Nil(t, feed)
}

func TestProvideScoreCache_InMemory(t *testing.T) {
	cfg := minimalConfig(t)
	store, err := ProvideCacheStore(cfg, clockwork.NewFakeClock())
	require.NoError(t, err)
	defer store.Close()

	scores := ProvideScoreCache(cfg, store, ProvideBreakers(cfg, metrics.Nop{}, logger.Nop()))
	ctx := context.Background()
	require.NoError(t, scores.PutScore(ctx, models.CoherenceScore{Symbol: "AAPL", Psi: 0.5, Timestamp: time.Now()}))

	got, ok, err := scores.LatestScore(ctx, "AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.5, got.Psi, 1e-12)
}

func TestProvideBreakers_OnePerDependency(t *testing.T) {
	brks := ProvideBreakers(minimalConfig(t), metrics.Nop{}, logger.Nop())
	names := make([]string, 0, 4)
	for _, b := range brks.All() {
		names = append(names, b.Name())
		assert.Equal(t, breaker.StateClosed, b.State())
	}
	assert.Equal(t, []string{"feed", "store", "relay", "cache"}, names)
}
