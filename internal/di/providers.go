package di

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"github.com/thejerf/suture/v4"

	"CoherencePulse/internal/broadcast"
	domrepo "CoherencePulse/internal/domain/repository"
	"CoherencePulse/internal/handler/api"
	"CoherencePulse/internal/handler/ws"
	mid "CoherencePulse/internal/middleware"
	internalrepo "CoherencePulse/internal/repository"
	icache "CoherencePulse/internal/service/cache"
	"CoherencePulse/internal/service/finnhub"
	"CoherencePulse/internal/service/ratelimit"
	"CoherencePulse/internal/services/coherence"
	"CoherencePulse/internal/usecase"
	pcache "CoherencePulse/pkg/cache"
	pkgch "CoherencePulse/pkg/clickhouse"
	"CoherencePulse/pkg/config"
	xhttp "CoherencePulse/pkg/http"
	pkgkafka "CoherencePulse/pkg/kafka"
	"CoherencePulse/pkg/logger"
	"CoherencePulse/pkg/metrics"
	"CoherencePulse/pkg/resilience/breaker"
	"CoherencePulse/pkg/server"
)

const initTimeout = 10 * time.Second

// Breakers holds one breaker per guarded dependency.
type Breakers struct {
	Feed  *breaker.Breaker
	Store *breaker.Breaker
	Relay *breaker.Breaker
	Cache *breaker.Breaker
}

func (b *Breakers) All() []*breaker.Breaker {
	return []*breaker.Breaker{b.Feed, b.Store, b.Relay, b.Cache}
}

// ProvideLogger creates the application logger.
func ProvideLogger(cfg *config.Config) (*logger.Logger, error) {
	l, err := logger.New(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(logger.String("service", cfg.ServiceName), logger.String("env", cfg.Environment)), nil
}

// ProvideRegisterer returns nil when metrics are disabled.
func ProvideRegisterer(cfg *config.Config) prometheus.Registerer {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return prometheus.DefaultRegisterer
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics(reg prometheus.Registerer) domrepo.Metrics {
	if reg == nil {
		return metrics.Nop{}
	}
	return metrics.NewWithRegistry(reg)
}

func ProvideClock() clockwork.Clock { return clockwork.NewRealClock() }

// ProvideBreakers creates the per-dependency breakers. Transitions are logged and counted.
func ProvideBreakers(cfg *config.Config, m domrepo.Metrics, l *logger.Logger) *Breakers {
	listener := breaker.StateListenerFunc(func(name string, from, to breaker.State) {
		m.RecordBreakerState(name, string(from), string(to))
		fields := []logger.Field{
			logger.String("breaker", name),
			logger.String("from", string(from)),
			logger.String("to", string(to)),
		}
		if to == breaker.StateOpen {
			l.Warn("circuit opened", fields...)
			return
		}
		l.Info("circuit state changed", fields...)
	})
	r := cfg.Resilience
	return &Breakers{
		Feed:  breaker.New("feed", r.Feed, listener),
		Store: breaker.New("store", r.Store, listener),
		Relay: breaker.New("relay", r.Relay, listener),
		Cache: breaker.New("cache", r.Cache, listener),
	}
}

// ProvideKafkaProducer creates a Kafka producer, or nil when Kafka is disabled.
func ProvideKafkaProducer(cfg *config.Config, reg prometheus.Registerer) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(cfg.Kafka.Producer, reg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideDigest attaches a Kafka log digest to l when enabled.
func ProvideDigest(cfg *config.Config, producer *pkgkafka.Producer, l *logger.Logger) *logger.Digest {
	if !cfg.LogDigest.Enabled || producer == nil {
		return nil
	}
	d := logger.NewDigest(cfg.LogDigest.DigestConfig,
		internalrepo.NewKafkaDigestPublisher(producer, cfg.LogDigest.Topic, cfg.ServiceName))
	l.AttachDigest(d)
	return d
}

func ProvideBroadcastManager(cfg *config.Config, l *logger.Logger, m domrepo.Metrics, clock clockwork.Clock) *broadcast.Manager {
	return broadcast.NewManager(cfg.Broadcast,
		broadcast.WithClock(clock),
		broadcast.WithLogger(l.With(logger.String("component", "broadcast"))),
		broadcast.WithMetrics(m),
	)
}

// ProvideEvents creates the channel between ingestion workers and the dispatcher.
func ProvideEvents(cfg *config.Config) chan broadcast.Envelope {
	return make(chan broadcast.Envelope, cfg.Scoring.EventBuffer)
}

func ProvideEngine(cfg *config.Config) *coherence.Engine {
	return coherence.NewEngine(cfg.Scoring.Thresholds)
}

// ProvideCacheStore returns an in-process cache, layered over Redis when Redis is enabled.
func ProvideCacheStore(cfg *config.Config, clock clockwork.Clock) (pcache.Store, error) {
	mem := pcache.NewMemoryCache(cfg.Cache.Memory, clock)
	if !cfg.Redis.Enabled {
		return mem, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	rc, err := pcache.NewRedisCache(ctx, cfg.Redis.RedisConfig)
	if err != nil {
		_ = mem.Close()
		return nil, fmt.Errorf("redis cache: %w", err)
	}
	return pcache.NewLayeredCache(mem, rc, cfg.Cache.L1TTL), nil
}

func ProvideScoreCache(cfg *config.Config, store pcache.Store, brks *Breakers) domrepo.ScoreCache {
	var opts []icache.ScoreCacheOption
	if cfg.Redis.Enabled {
		opts = append(opts, icache.WithBreaker(brks.Cache))
	}
	return icache.NewScoreCache(store, cfg.Cache.ScoreTTL, opts...)
}

// ProvideClickHouseClient creates a ClickHouse client, or nil when the event store is disabled.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	client, err := pkgch.NewClient(ctx, cfg.ClickHouse)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}
	return client, nil
}

// ProvideEventStore creates the schema and returns the store, or nil without a client.
func ProvideEventStore(cfg *config.Config, client *pkgch.Client, l *logger.Logger) (domrepo.EventStore, error) {
	if client == nil {
		return nil, nil
	}
	store := internalrepo.NewClickHouseEventStore(client, cfg.ClickHouse.Retention, l)
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	if err := store.Init(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return store, nil
}

func ProvidePersistPipeline(cfg *config.Config, store domrepo.EventStore, brks *Breakers, m domrepo.Metrics, l *logger.Logger) *mid.PersistPipeline {
	if store == nil {
		return nil
	}
	return mid.NewPersistPipeline(store, brks.Store, cfg.Persist, m, l)
}

// ProvideAlertPublisher returns the Kafka alert relay, or nil without a producer.
func ProvideAlertPublisher(cfg *config.Config, producer *pkgkafka.Producer) domrepo.AlertPublisher {
	if producer == nil || cfg.Kafka.AlertsTopic == "" {
		return nil
	}
	return internalrepo.NewKafkaAlertPublisher(producer, cfg.Kafka.AlertsTopic)
}

// ProvideAlertRelay queues alerts in front of the publisher, or returns nil without one.
func ProvideAlertRelay(cfg *config.Config, pub domrepo.AlertPublisher, brks *Breakers, m domrepo.Metrics, l *logger.Logger) *mid.AlertRelay {
	if pub == nil {
		return nil
	}
	return mid.NewAlertRelay(pub, brks.Relay, cfg.Relay, m, l)
}

// ProvideIngestion creates the scoring workers and attaches the optional sinks.
func ProvideIngestion(
	cfg *config.Config,
	engine *coherence.Engine,
	events chan broadcast.Envelope,
	m domrepo.Metrics,
	l *logger.Logger,
	clock clockwork.Clock,
	scores domrepo.ScoreCache,
	relay *mid.AlertRelay,
	persist *mid.PersistPipeline,
) *usecase.Ingestion {
	opts := []usecase.IngestOption{
		usecase.WithIngestClock(clock),
		usecase.WithScoreCache(scores),
	}
	if relay != nil {
		opts = append(opts, usecase.WithAlertRelay(relay))
	}
	if persist != nil {
		opts = append(opts, usecase.WithPersister(persist))
	}
	return usecase.NewIngestion(cfg.Scoring.IngestConfig, engine, events, m, l, opts...)
}

// ProvideKafkaConsumer creates the tick bus consumer, or nil when Kafka is disabled.
func ProvideKafkaConsumer(cfg *config.Config, l *logger.Logger, reg prometheus.Registerer, ingest *usecase.Ingestion, m domrepo.Metrics) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled || cfg.Kafka.TicksTopic == "" {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(cfg.Kafka.Consumer, l, reg)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.RegisterHandler(usecase.NewKafkaTicksHandler(cfg.Kafka.TicksTopic, ingest, m))
	consumer.SetHook(pkgkafka.HookFuncs{
		Err: func(_ context.Context, topic string, km kafka.Message, err error) {
			l.Warn("tick message rejected",
				logger.String("topic", topic),
				logger.Int("partition", km.Partition),
				logger.Int64("offset", km.Offset),
				logger.Error(err),
			)
		},
	})
	return consumer, nil
}

// ProvideFinnhubFeed creates the upstream trade feed, or nil when disabled.
func ProvideFinnhubFeed(cfg *config.Config, brks *Breakers, m domrepo.Metrics, l *logger.Logger) (*finnhub.Feed, error) {
	if !cfg.Finnhub.Enabled {
		return nil, nil
	}
	if len(cfg.Finnhub.Symbols) == 0 {
		l.Warn("finnhub enabled without symbols, feed not started")
		return nil, nil
	}
	feed, err := finnhub.New(cfg.Finnhub, brks.Feed, m, l)
	if err != nil {
		return nil, fmt.Errorf("finnhub feed: %w", err)
	}
	return feed, nil
}

func ProvideWSHandler(cfg *config.Config, manager *broadcast.Manager, scores domrepo.ScoreCache, clock clockwork.Clock, l *logger.Logger) *ws.Handler {
	limiter := ratelimit.New(cfg.WebSocket.ConnectRate, clock)
	return ws.NewHandler(cfg.WebSocket, manager, scores, limiter, l)
}

func ProvideAPIHandler(
	l *logger.Logger,
	scores domrepo.ScoreCache,
	store domrepo.EventStore,
	manager *broadcast.Manager,
	persist *mid.PersistPipeline,
	brks *Breakers,
) *api.Handler {
	deps := api.Deps{
		Scores:   scores,
		Manager:  manager,
		Breakers: brks.All(),
	}
	if store != nil {
		deps.Store = store
		deps.StoreBreaker = brks.Store
	}
	if persist != nil {
		deps.Persist = persist
	}
	return api.NewHandler(l, deps)
}

func ProvideHTTPServer(cfg *config.Config, l *logger.Logger, reg prometheus.Registerer, wsh *ws.Handler, apih *api.Handler) *xhttp.Server {
	return xhttp.NewServer(cfg.Server, l, reg, wsh, apih)
}

// ProvideApp assembles the supervised layers and the resources closed after them.
func ProvideApp(
	cfg *config.Config,
	l *logger.Logger,
	srv *xhttp.Server,
	manager *broadcast.Manager,
	events chan broadcast.Envelope,
	ingest *usecase.Ingestion,
	feed *finnhub.Feed,
	consumer *pkgkafka.Consumer,
	digest *logger.Digest,
	persist *mid.PersistPipeline,
	relay *mid.AlertRelay,
	producer *pkgkafka.Producer,
	chClient *pkgch.Client,
	cacheStore pcache.Store,
) *server.App {
	layers := server.Layers{
		Front: []suture.Service{srv},
		Pipeline: []suture.Service{
			ingest,
			broadcast.NewDispatcher(manager, events),
			broadcast.NewHeartbeat(manager),
			broadcast.NewReaper(manager),
		},
	}
	var closers []io.Closer
	if feed != nil {
		layers.Pipeline = append(layers.Pipeline, usecase.NewSourceRunner(feed, ingest, l))
		closers = append(closers, feed)
	}
	if consumer != nil {
		layers.Pipeline = append(layers.Pipeline, consumer)
		closers = append(closers, consumer)
	}
	if digest != nil {
		layers.Pipeline = append(layers.Pipeline, digest)
	}
	if persist != nil {
		layers.Storage = append(layers.Storage, persist)
	}
	if relay != nil {
		layers.Storage = append(layers.Storage, relay)
	}
	if producer != nil {
		closers = append(closers, producer)
	}
	if chClient != nil {
		closers = append(closers, chClient)
	}
	closers = append(closers, cacheStore)

	return server.New(cfg.Supervisor, l, layers, manager, closers...)
}
