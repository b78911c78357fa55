package middleware

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"CoherencePulse/internal/domain/models"
	domrepo "CoherencePulse/internal/domain/repository"
	"CoherencePulse/pkg/logger"
	"CoherencePulse/pkg/resilience/backoff"
	"CoherencePulse/pkg/resilience/breaker"
)

// PersistConfig sizes the write-behind buffer in front of the event store.
type PersistConfig struct {
	BufferSize    int            `yaml:"buffer_size" default:"4096" validate:"gte=1"`
	BatchSize     int            `yaml:"batch_size" default:"500" validate:"gte=1"`
	FlushInterval time.Duration  `yaml:"flush_interval" default:"1s" validate:"gt=0"`
	DrainTimeout  time.Duration  `yaml:"drain_timeout" default:"5s" validate:"gt=0"`
	Retry         backoff.Policy `yaml:"retry"`
}

// PersistStats counts records by outcome.
type PersistStats struct {
	Enqueued int64 `json:"enqueued"`
	Written  int64 `json:"written"`
	Dropped  int64 `json:"dropped"`
	Buffered int   `json:"buffered"`
}

type record struct {
	score *models.CoherenceScore
	alert *models.Alert
}

// PersistPipeline appends scores and alerts to the event store asynchronously. Enqueue never
// blocks the scoring path: a full buffer drops the record. Batches are written through the
// store breaker and retried with backoff; a batch that still fails is dropped and counted.
type PersistPipeline struct {
	store   domrepo.EventStore
	brk     *breaker.Breaker
	cfg     PersistConfig
	metrics domrepo.Metrics
	log     *logger.Logger
	clock   clockwork.Clock

	in     chan record
	scores []models.CoherenceScore
	alerts []models.Alert

	enqueued atomic.Int64
	written  atomic.Int64
	dropped  atomic.Int64
}

type PersistOption func(*PersistPipeline)

// WithPersistClock replaces the real clock.
func WithPersistClock(c clockwork.Clock) PersistOption {
	return func(p *PersistPipeline) { p.clock = c }
}

// NewPersistPipeline creates an idle pipeline; Serve runs the flusher.
func NewPersistPipeline(store domrepo.EventStore, brk *breaker.Breaker, cfg PersistConfig, metrics domrepo.Metrics, log *logger.Logger, opts ...PersistOption) *PersistPipeline {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = backoff.DefaultPolicy()
	}
	if log == nil {
		log = logger.Nop()
	}
	p := &PersistPipeline{
		store:   store,
		brk:     brk,
		cfg:     cfg,
		metrics: metrics,
		log:     log.With(logger.String("component", "persist")),
		clock:   clockwork.NewRealClock(),
		in:      make(chan record, cfg.BufferSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EnqueueScore buffers a score without blocking.
func (p *PersistPipeline) EnqueueScore(s models.CoherenceScore) bool {
	return p.enqueue(record{score: &s}, "score")
}

// EnqueueAlert buffers an alert without blocking.
func (p *PersistPipeline) EnqueueAlert(a models.Alert) bool {
	return p.enqueue(record{alert: &a}, "alert")
}

func (p *PersistPipeline) enqueue(r record, kind string) bool {
	select {
	case p.in <- r:
		p.enqueued.Add(1)
		return true
	default:
		p.dropped.Add(1)
		p.metrics.RecordPersistDropped(kind)
		return false
	}
}

// Stats returns the pipeline counters.
func (p *PersistPipeline) Stats() PersistStats {
	return PersistStats{
		Enqueued: p.enqueued.Load(),
		Written:  p.written.Load(),
		Dropped:  p.dropped.Load(),
		Buffered: len(p.in),
	}
}

// Serve flushes every FlushInterval or whenever BatchSize records are pending. On
// cancellation it drains what is buffered within DrainTimeout.
func (p *PersistPipeline) Serve(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return ctx.Err()
		case r := <-p.in:
			p.add(r)
			if len(p.scores)+len(p.alerts) >= p.cfg.BatchSize {
				p.flush(ctx)
			}
		case <-ticker.Chan():
			p.flush(ctx)
		}
	}
}

func (p *PersistPipeline) String() string { return "persist-pipeline" }

func (p *PersistPipeline) add(r record) {
	if r.score != nil {
		p.scores = append(p.scores, *r.score)
	}
	if r.alert != nil {
		p.alerts = append(p.alerts, *r.alert)
	}
}

func (p *PersistPipeline) drain() {
	for empty := false; !empty; {
		select {
		case r := <-p.in:
			p.add(r)
		default:
			empty = true
		}
	}
	if len(p.scores)+len(p.alerts) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DrainTimeout)
	defer cancel()
	p.log.Info("draining persist buffer", logger.Int("scores", len(p.scores)), logger.Int("alerts", len(p.alerts)))
	p.flush(ctx)
}

func (p *PersistPipeline) flush(ctx context.Context) {
	if len(p.scores) > 0 {
		batch := p.scores
		p.write(ctx, "score", len(batch), func(ctx context.Context) error {
			return p.store.AppendScores(ctx, batch)
		})
		p.scores = p.scores[:0]
	}
	if len(p.alerts) > 0 {
		batch := p.alerts
		p.write(ctx, "alert", len(batch), func(ctx context.Context) error {
			return p.store.AppendAlerts(ctx, batch)
		})
		p.alerts = p.alerts[:0]
	}
}

func (p *PersistPipeline) write(ctx context.Context, kind string, n int, op func(context.Context) error) {
	start := p.clock.Now()
	err := backoff.Do(ctx, p.cfg.Retry, func(ctx context.Context) error {
		return p.brk.Do(ctx, op)
	}, retryablePersist, backoff.WithNotify(func(err error, retry int, delay time.Duration) {
		p.log.Debug("retrying persist", logger.String("kind", kind), logger.Int("retry", retry),
			logger.Duration("delay_ms", delay), logger.Error(err))
	}))
	if err != nil {
		p.dropped.Add(int64(n))
		for i := 0; i < n; i++ {
			p.metrics.RecordPersistDropped(kind)
		}
		p.metrics.RecordError("persist_" + kind)
		p.log.Warn("persist batch dropped", logger.String("kind", kind), logger.Int("records", n), logger.Error(err))
		return
	}
	p.written.Add(int64(n))
	p.metrics.RecordLatency("persist_"+kind, p.clock.Since(start).Seconds())
}

// retryablePersist gives up at once while the store circuit is open.
func retryablePersist(err error) bool {
	return !errors.Is(err, breaker.ErrCircuitOpen) && !backoff.IsPermanent(err) && !errors.Is(err, context.Canceled)
}
