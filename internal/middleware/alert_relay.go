package middleware

import (
	"context"
	"sync/atomic"
	"time"

	"CoherencePulse/internal/domain/models"
	domrepo "CoherencePulse/internal/domain/repository"
	"CoherencePulse/pkg/logger"
	"CoherencePulse/pkg/resilience/breaker"
)

// RelayConfig sizes the queue in front of the alert publisher.
type RelayConfig struct {
	BufferSize     int           `yaml:"buffer_size" default:"1024" validate:"gte=1"`
	PublishTimeout time.Duration `yaml:"publish_timeout" default:"2s" validate:"gt=0"`
	DrainTimeout   time.Duration `yaml:"drain_timeout" default:"5s" validate:"gt=0"`
}

// RelayStats counts alerts by outcome.
type RelayStats struct {
	Enqueued int64 `json:"enqueued"`
	Relayed  int64 `json:"relayed"`
	Failed   int64 `json:"failed"`
	Dropped  int64 `json:"dropped"`
	Buffered int   `json:"buffered"`
}

// AlertRelay publishes alerts to other processes off the scoring path. Enqueue never
// blocks: a full queue drops the alert. Each publish runs through the relay breaker
// with its own timeout, in enqueue order.
type AlertRelay struct {
	pub     domrepo.AlertPublisher
	brk     *breaker.Breaker
	cfg     RelayConfig
	metrics domrepo.Metrics
	log     *logger.Logger

	in chan models.Alert

	enqueued atomic.Int64
	relayed  atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64
}

// NewAlertRelay creates an idle relay; Serve runs the publisher loop. brk may be nil.
func NewAlertRelay(pub domrepo.AlertPublisher, brk *breaker.Breaker, cfg RelayConfig, metrics domrepo.Metrics, log *logger.Logger) *AlertRelay {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &AlertRelay{
		pub:     pub,
		brk:     brk,
		cfg:     cfg,
		metrics: metrics,
		log:     log.With(logger.String("component", "alert-relay")),
		in:      make(chan models.Alert, cfg.BufferSize),
	}
}

// Relay queues a without blocking and reports whether it was accepted.
func (r *AlertRelay) Relay(a models.Alert) bool {
	select {
	case r.in <- a:
		r.enqueued.Add(1)
		return true
	default:
		r.dropped.Add(1)
		r.metrics.RecordError("alert_relay_dropped")
		return false
	}
}

// Stats returns the relay counters.
func (r *AlertRelay) Stats() RelayStats {
	return RelayStats{
		Enqueued: r.enqueued.Load(),
		Relayed:  r.relayed.Load(),
		Failed:   r.failed.Load(),
		Dropped:  r.dropped.Load(),
		Buffered: len(r.in),
	}
}

// Serve publishes queued alerts until ctx is done, then drains within DrainTimeout.
func (r *AlertRelay) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return ctx.Err()
		case a := <-r.in:
			r.publish(ctx, a)
		}
	}
}

func (r *AlertRelay) String() string { return "alert-relay" }

func (r *AlertRelay) drain() {
	n := len(r.in)
	if n == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DrainTimeout)
	defer cancel()
	r.log.Info("draining alert relay", logger.Int("alerts", n))
	for ; n > 0 && ctx.Err() == nil; n-- {
		r.publish(ctx, <-r.in)
	}
	if left := len(r.in); left > 0 {
		r.dropped.Add(int64(left))
		r.log.Warn("alert relay drain timed out", logger.Int("dropped", left))
	}
}

func (r *AlertRelay) publish(ctx context.Context, a models.Alert) {
	pctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()
	op := func(ctx context.Context) error { return r.pub.PublishAlert(ctx, a) }
	var err error
	if r.brk != nil {
		err = r.brk.Do(pctx, op)
	} else {
		err = op(pctx)
	}
	if err != nil {
		r.failed.Add(1)
		r.metrics.RecordError("alert_relay")
		r.log.Warn("alert relay failed", logger.String("symbol", a.Symbol), logger.String("alert_id", a.ID), logger.Error(err))
		return
	}
	r.relayed.Add(1)
}
