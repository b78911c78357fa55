package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"CoherencePulse/internal/domain/models"
	domrepo "CoherencePulse/internal/domain/repository"
	pkgkafka "CoherencePulse/pkg/kafka"
	"CoherencePulse/pkg/resilience/backoff"
	"CoherencePulse/pkg/util"
)

// TickSubmitter accepts ticks for scoring.
type TickSubmitter interface {
	Submit(ctx context.Context, source string, tick models.RawTick) error
}

// KafkaTicksHandler feeds RawTick messages from the tick bus into ingestion. Messages
// that cannot be decoded or validated are marked permanent so the consumer dead-letters
// them instead of retrying.
type KafkaTicksHandler struct {
	topic   string
	ingest  TickSubmitter
	metrics domrepo.Metrics
}

var _ pkgkafka.MessageHandler = (*KafkaTicksHandler)(nil)

func NewKafkaTicksHandler(topic string, ingest TickSubmitter, metrics domrepo.Metrics) *KafkaTicksHandler {
	return &KafkaTicksHandler{topic: topic, ingest: ingest, metrics: metrics}
}

func (h *KafkaTicksHandler) Topic() string { return h.topic }

// tickMessage accepts RawTick JSON; timestamp may be RFC3339 or unix seconds/milliseconds.
type tickMessage struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    int64           `json:"volume"`
	Timestamp json.RawMessage `json:"timestamp"`
}

func (h *KafkaTicksHandler) Handle(ctx context.Context, b []byte) error {
	tick, err := decodeTick(b)
	if err != nil {
		h.metrics.RecordTickDropped("malformed")
		return backoff.Permanent(err)
	}
	h.metrics.RecordLatency("ingest_lag", time.Since(tick.Timestamp).Seconds())

	err = h.ingest.Submit(ctx, "kafka", tick)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrInvalidTick):
		return backoff.Permanent(err)
	case errors.Is(err, ErrThrottled):
		// throttling is a deliberate drop, not a delivery failure
		return nil
	}
	return err
}

func decodeTick(b []byte) (models.RawTick, error) {
	var m tickMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return models.RawTick{}, fmt.Errorf("decode tick: %w", err)
	}
	ts, err := parseTimestamp(m.Timestamp)
	if err != nil {
		return models.RawTick{}, err
	}
	return models.RawTick{Symbol: m.Symbol, Price: m.Price, Volume: m.Volume, Timestamp: ts}, nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("decode tick timestamp: %w", err)
		}
	} else {
		s = string(raw)
	}
	ts, ok := util.ParseTime(s)
	if !ok {
		return time.Time{}, fmt.Errorf("decode tick timestamp %q", s)
	}
	return ts.UTC(), nil
}
