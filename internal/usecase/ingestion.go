package usecase

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"CoherencePulse/internal/broadcast"
	"CoherencePulse/internal/domain/models"
	domrepo "CoherencePulse/internal/domain/repository"
	"CoherencePulse/internal/service/ratelimit"
	"CoherencePulse/internal/services/coherence"
	"CoherencePulse/pkg/logger"
)

// ErrThrottled is returned by Submit when a symbol exceeds its tick rate.
var ErrThrottled = errors.New("tick throttled")

// IngestConfig sizes the scoring workers. MaxTicksPerSecond <= 0 disables per-symbol
// throttling and AlertCooldown 0 disables the cooldown.
type IngestConfig struct {
	Workers           int           `yaml:"workers" default:"8" validate:"gte=1,lte=256"`
	QueueSize         int           `yaml:"queue_size" default:"1024" validate:"gte=1"`
	WindowSize        int           `yaml:"window_size" default:"20" validate:"gte=10"`
	AlertCooldown     time.Duration `yaml:"alert_cooldown" default:"0s" validate:"gte=0"`
	MaxTicksPerSecond float64       `yaml:"max_ticks_per_second" default:"0" validate:"gte=0"`
	ThrottleBurst     int           `yaml:"throttle_burst" default:"20" validate:"gte=1"`
}

// Persister buffers scores and alerts for the event store.
type Persister interface {
	EnqueueScore(models.CoherenceScore) bool
	EnqueueAlert(models.Alert) bool
}

// Relayer queues alerts for other processes without blocking.
type Relayer interface {
	Relay(models.Alert) bool
}

// Ingestion scores ticks and hands the results to the broadcast dispatcher. Symbols are
// sharded over workers by FNV hash; each worker owns the windows of its symbols, so a
// symbol is always scored single-threaded and in arrival order.
type Ingestion struct {
	cfg      IngestConfig
	engine   *coherence.Engine
	cache    domrepo.ScoreCache
	persist  Persister
	relay    Relayer
	events   chan<- broadcast.Envelope
	throttle *ratelimit.Limiter
	metrics  domrepo.Metrics
	log      *logger.Logger
	clock    clockwork.Clock

	shards []chan models.RawTick
}

type IngestOption func(*Ingestion)

// WithIngestClock replaces the real clock.
func WithIngestClock(c clockwork.Clock) IngestOption {
	return func(i *Ingestion) { i.clock = c }
}

// WithAlertRelay hands every alert to r.
func WithAlertRelay(r Relayer) IngestOption {
	return func(i *Ingestion) { i.relay = r }
}

// WithPersister forwards scores and alerts to p.
func WithPersister(p Persister) IngestOption {
	return func(i *Ingestion) { i.persist = p }
}

// WithScoreCache stores the latest score of every symbol in c.
func WithScoreCache(c domrepo.ScoreCache) IngestOption {
	return func(i *Ingestion) { i.cache = c }
}

// NewIngestion wires the scoring workers to events.
func NewIngestion(cfg IngestConfig, engine *coherence.Engine, events chan<- broadcast.Envelope, metrics domrepo.Metrics, log *logger.Logger, opts ...IngestOption) *Ingestion {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1024
	}
	if log == nil {
		log = logger.Nop()
	}
	i := &Ingestion{
		cfg:     cfg,
		engine:  engine,
		events:  events,
		metrics: metrics,
		log:     log.With(logger.String("component", "ingestion")),
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.throttle = ratelimit.New(ratelimit.Config{
		Rate:    cfg.MaxTicksPerSecond,
		Burst:   cfg.ThrottleBurst,
		IdleTTL: 10 * time.Minute,
	}, i.clock)
	i.shards = make([]chan models.RawTick, cfg.Workers)
	for n := range i.shards {
		i.shards[n] = make(chan models.RawTick, cfg.QueueSize)
	}
	return i
}

// Submit validates and throttles tick, then queues it on its symbol's worker. It blocks
// while that worker's queue is full.
func (i *Ingestion) Submit(ctx context.Context, source string, tick models.RawTick) error {
	if err := tick.Validate(); err != nil {
		i.metrics.RecordTickDropped("invalid")
		return err
	}
	if !i.throttle.Allow(tick.Symbol) {
		i.metrics.RecordTickDropped("throttled")
		return fmt.Errorf("%w: %s", ErrThrottled, tick.Symbol)
	}
	select {
	case i.shards[shardFor(tick.Symbol, len(i.shards))] <- tick:
		i.metrics.RecordTick(source)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve runs the workers until ctx is done.
func (i *Ingestion) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range i.shards {
		shard := shard
		g.Go(func() error {
			return i.work(gctx, shard)
		})
	}
	i.log.Info("ingestion started", logger.Int("workers", len(i.shards)))
	_ = g.Wait()
	return ctx.Err()
}

func (i *Ingestion) String() string { return "ingestion" }

func (i *Ingestion) work(ctx context.Context, in <-chan models.RawTick) error {
	book := coherence.NewBook(i.cfg.WindowSize)
	lastAlert := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return nil
		case tick := <-in:
			env := i.process(ctx, book, lastAlert, tick)
			select {
			case i.events <- env:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (i *Ingestion) process(ctx context.Context, book *coherence.Book, lastAlert map[string]time.Time, tick models.RawTick) broadcast.Envelope {
	start := i.clock.Now()
	score := book.Observe(tick)
	i.metrics.RecordScore(score.Symbol)

	if i.cache != nil {
		if err := i.cache.PutScore(ctx, score); err != nil {
			i.metrics.RecordError("score_cache")
			i.log.Debug("cache score failed", logger.String("symbol", score.Symbol), logger.Error(err))
		}
	}
	if i.persist != nil {
		i.persist.EnqueueScore(score)
	}

	env := broadcast.Envelope{Score: score}
	if alert, fired := i.engine.Evaluate(score); fired && i.admit(lastAlert, alert) {
		i.metrics.RecordAlert(alert.Symbol, alert.Severity.String())
		if i.persist != nil {
			i.persist.EnqueueAlert(alert)
		}
		if i.relay != nil {
			i.relay.Relay(alert)
		}
		env.Alert = &alert
	}
	i.metrics.RecordLatency("score", i.clock.Since(start).Seconds())
	return env
}

// admit applies the optional per-symbol cooldown.
func (i *Ingestion) admit(lastAlert map[string]time.Time, a models.Alert) bool {
	if i.cfg.AlertCooldown <= 0 {
		return true
	}
	now := i.clock.Now()
	if last, ok := lastAlert[a.Symbol]; ok && now.Sub(last) < i.cfg.AlertCooldown {
		i.metrics.RecordError("alert_cooldown")
		return false
	}
	lastAlert[a.Symbol] = now
	return true
}

func shardFor(symbol string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(n))
}

// SourceRunner feeds one TickSource into the ingestion workers.
type SourceRunner struct {
	src    domrepo.TickSource
	ingest *Ingestion
	log    *logger.Logger
}

// NewSourceRunner creates a supervised runner for src.
func NewSourceRunner(src domrepo.TickSource, ingest *Ingestion, log *logger.Logger) *SourceRunner {
	if log == nil {
		log = logger.Nop()
	}
	return &SourceRunner{src: src, ingest: ingest, log: log.With(logger.String("source", src.Name()))}
}

// Serve streams the source until ctx is done or the source fails.
func (r *SourceRunner) Serve(ctx context.Context) error {
	ticks := make(chan models.RawTick, 256)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(ticks)
		return r.src.Stream(gctx, ticks)
	})
	g.Go(func() error {
		for tick := range ticks {
			if err := r.ingest.Submit(gctx, r.src.Name(), tick); err != nil && gctx.Err() == nil {
				if !errors.Is(err, ErrThrottled) {
					r.log.Debug("tick rejected", logger.String("symbol", tick.Symbol), logger.Error(err))
				}
			}
		}
		return nil
	})
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		r.log.Error("tick source failed", logger.Error(err))
	}
	return err
}

func (r *SourceRunner) String() string { return "source-" + r.src.Name() }
