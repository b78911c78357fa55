package repository

import (
	"context"
	"time"

	"CoherencePulse/internal/domain/models"
	"CoherencePulse/internal/domain/repository"
	pkgkafka "CoherencePulse/pkg/kafka"
	"CoherencePulse/pkg/logger"
)

// publisher is the subset of *pkgkafka.Producer the relays need.
type publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}) error
	PublishBatch(ctx context.Context, topic string, messages []pkgkafka.Message) error
	Close() error
}

// KafkaAlertPublisher relays alerts keyed by symbol so a symbol's alerts stay ordered.
type KafkaAlertPublisher struct {
	producer publisher
	topic    string
}

var _ repository.AlertPublisher = (*KafkaAlertPublisher)(nil)

// NewKafkaAlertPublisher creates the alert relay.
func NewKafkaAlertPublisher(producer *pkgkafka.Producer, topic string) *KafkaAlertPublisher {
	return &KafkaAlertPublisher{producer: producer, topic: topic}
}

func (p *KafkaAlertPublisher) PublishAlert(ctx context.Context, a models.Alert) error {
	return p.producer.Publish(ctx, p.topic, []byte(a.Symbol), a)
}

func (p *KafkaAlertPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// KafkaDigestPublisher ships log digests to a topic, one record per entry.
type KafkaDigestPublisher struct {
	producer publisher
	topic    string
	service  string
}

var _ logger.DigestPublisher = (*KafkaDigestPublisher)(nil)

// NewKafkaDigestPublisher creates the digest shipper. The producer is shared and not closed here.
func NewKafkaDigestPublisher(producer *pkgkafka.Producer, topic, service string) *KafkaDigestPublisher {
	return &KafkaDigestPublisher{producer: producer, topic: topic, service: service}
}

type digestRecord struct {
	Service   string                 `json:"service"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Caller    string                 `json:"caller,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Count     int                    `json:"count"`
	FirstSeen time.Time              `json:"first_seen"`
	LastSeen  time.Time              `json:"last_seen"`
}

func (p *KafkaDigestPublisher) PublishDigest(ctx context.Context, entries []logger.DigestEntry) error {
	msgs := make([]pkgkafka.Message, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, pkgkafka.Message{
			Key: []byte(p.service),
			Value: digestRecord{
				Service:   p.service,
				Level:     e.Level,
				Message:   e.Message,
				Caller:    e.Caller,
				Fields:    e.Fields,
				Count:     e.Count,
				FirstSeen: e.FirstSeen,
				LastSeen:  e.LastSeen,
			},
		})
	}
	return p.producer.PublishBatch(ctx, p.topic, msgs)
}
