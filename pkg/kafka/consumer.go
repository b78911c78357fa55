package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"CoherencePulse/pkg/logger"
	"CoherencePulse/pkg/resilience/backoff"
)

// MessageHandler handles messages from a specific topic. Returning an error wrapped with
// backoff.Permanent skips retries.
type MessageHandler interface {
	Topic() string
	Handle(context.Context, []byte) error
}

// messageReader is the subset of *kafka.Reader the consumer needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var commitPolicy = backoff.Policy{
	BaseDelay:   50 * time.Millisecond,
	MaxDelay:    500 * time.Millisecond,
	Factor:      2,
	MaxAttempts: 3,
	Jitter:      true,
}

// Consumer reads registered topics with a consumer group. Messages of one partition are
// handled in order by a single worker; partitions are spread over WorkerCount workers.
type Consumer struct {
	cfg       ConsumerConfig
	log       *logger.Logger
	hook      ConsumerHook
	handlers  map[string]MessageHandler
	newReader func(topic string) messageReader
	dlq       messageWriter
	metrics   *consumerMetrics
}

// NewConsumer validates cfg; readers are created in Serve. reg may be nil.
func NewConsumer(cfg ConsumerConfig, log *logger.Logger, reg prometheus.Registerer) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = backoff.DefaultPolicy()
	}
	if log == nil {
		log = logger.Nop()
	}
	c := &Consumer{
		cfg:      cfg,
		log:      log.With(logger.String("component", "kafka-consumer")),
		hook:     NoopHook{},
		handlers: make(map[string]MessageHandler),
		metrics:  newConsumerMetrics(reg),
	}
	c.newReader = func(topic string) messageReader {
		start := kafka.LastOffset
		if cfg.StartOffset == "earliest" {
			start = kafka.FirstOffset
		}
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       topic,
			GroupID:     cfg.GroupID,
			MinBytes:    cfg.MinBytes,
			MaxBytes:    cfg.MaxBytes,
			MaxWait:     cfg.MaxWait,
			StartOffset: start,
		})
	}
	if cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Topic: cfg.DLQTopic, Balancer: &kafka.LeastBytes{}}
	}
	return c, nil
}

// RegisterHandler registers a handler for its topic; a second handler for the same topic is ignored.
func (c *Consumer) RegisterHandler(handler MessageHandler) {
	topic := handler.Topic()
	if _, ok := c.handlers[topic]; ok {
		c.log.Warn("handler already registered", logger.String("topic", topic))
		return
	}
	c.handlers[topic] = handler
}

// SetHook installs lifecycle hooks.
func (c *Consumer) SetHook(h ConsumerHook) {
	if h != nil {
		c.hook = h
	}
}

// Serve consumes until ctx is done or a reader fails.
func (c *Consumer) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	readers := make([]messageReader, 0, len(c.handlers))
	for topic, handler := range c.handlers {
		topic, handler := topic, handler
		reader := c.newReader(topic)
		readers = append(readers, reader)

		lanes := make([]chan kafka.Message, c.cfg.WorkerCount)
		for i := range lanes {
			lane := make(chan kafka.Message, c.cfg.BufferSize/c.cfg.WorkerCount+1)
			lanes[i] = lane
			g.Go(func() error {
				for m := range lane {
					c.process(gctx, reader, handler, m)
				}
				return nil
			})
		}
		g.Go(func() error {
			defer func() {
				for _, lane := range lanes {
					close(lane)
				}
			}()
			return c.fetch(gctx, topic, reader, lanes)
		})
		c.log.Info("consuming", logger.String("topic", topic), logger.Int("workers", c.cfg.WorkerCount))
	}
	if len(readers) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	err := g.Wait()
	for _, r := range readers {
		if cerr := r.Close(); cerr != nil {
			c.log.Warn("close reader", logger.Error(cerr))
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Consumer) String() string { return "kafka-consumer" }

// Close releases the DLQ writer.
func (c *Consumer) Close() error {
	if c.dlq != nil {
		return c.dlq.Close()
	}
	return nil
}

func (c *Consumer) fetch(ctx context.Context, topic string, r messageReader, lanes []chan kafka.Message) error {
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch %s: %w", topic, err)
		}
		lane := lanes[m.Partition%len(lanes)]
		select {
		case lane <- m:
			c.metrics.queued(topic, len(lane))
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Consumer) process(ctx context.Context, r messageReader, h MessageHandler, m kafka.Message) {
	topic := h.Topic()
	start := time.Now()

	hctx, data, err := safeBefore(c.hook, ctx, topic, m)
	if err == nil {
		err = backoff.Do(hctx, c.cfg.Retry, func(ctx context.Context) error {
			return h.Handle(ctx, data)
		}, retryable, backoff.WithNotify(func(err error, retry int, delay time.Duration) {
			safeOnError(c.hook, hctx, topic, m, err)
			c.log.Debug("retrying message", logger.String("topic", topic), logger.Int("retry", retry),
				logger.Duration("delay_ms", delay), logger.Error(err))
		}))
	}
	safeAfter(c.hook, hctx, topic, m, err)
	c.metrics.handled(topic, time.Since(start), err)

	if err != nil {
		if ctx.Err() != nil {
			// redelivered after restart
			return
		}
		safeOnError(c.hook, hctx, topic, m, err)
		c.log.Warn("message failed", logger.String("topic", topic), logger.Int("partition", m.Partition),
			logger.Int64("offset", m.Offset), logger.Error(err))
		if !c.deadLetter(ctx, topic, m, err) {
			return
		}
	}

	if err := backoff.Do(ctx, commitPolicy, func(ctx context.Context) error {
		return r.CommitMessages(ctx, m)
	}, retryable); err != nil {
		c.log.Error("commit failed", logger.String("topic", topic), logger.Int64("offset", m.Offset), logger.Error(err))
	}
}

// deadLetter reports whether the failed message may be committed.
func (c *Consumer) deadLetter(ctx context.Context, topic string, m kafka.Message, cause error) bool {
	if c.dlq == nil {
		return false
	}
	err := c.dlq.WriteMessages(ctx, kafka.Message{
		Key:   m.Key,
		Value: m.Value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "source_topic", Value: []byte(topic)},
			{Key: "error", Value: []byte(cause.Error())},
		},
	})
	if err != nil {
		c.log.Error("dlq write failed", logger.String("topic", topic), logger.Error(err))
		return false
	}
	c.metrics.deadLettered(topic)
	return true
}

func retryable(err error) bool {
	return !backoff.IsPermanent(err) && !errors.Is(err, context.Canceled)
}

type consumerMetrics struct {
	depth   *prometheus.GaugeVec
	latency *prometheus.HistogramVec
	results *prometheus.CounterVec
	dlq     *prometheus.CounterVec
}

func newConsumerMetrics(reg prometheus.Registerer) *consumerMetrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &consumerMetrics{
		depth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coherence_kafka_consumer_lane_depth",
			Help: "Messages waiting in the last lane written",
		}, []string{"topic"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "coherence_kafka_consumer_handle_seconds",
			Help: "Handling time per message including retries",
		}, []string{"topic"}),
		results: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coherence_kafka_consumer_messages_total",
			Help: "Messages handled by result",
		}, []string{"topic", "result"}),
		dlq: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coherence_kafka_consumer_dead_letters_total",
			Help: "Messages routed to the dead letter topic",
		}, []string{"topic"}),
	}
}

func (m *consumerMetrics) queued(topic string, depth int) {
	if m != nil {
		m.depth.WithLabelValues(topic).Set(float64(depth))
	}
}

func (m *consumerMetrics) handled(topic string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.latency.WithLabelValues(topic).Observe(d.Seconds())
	m.results.WithLabelValues(topic, result).Inc()
}

func (m *consumerMetrics) deadLettered(topic string) {
	if m != nil {
		m.dlq.WithLabelValues(topic).Inc()
	}
}
