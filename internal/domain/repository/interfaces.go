package repository

import (
	"context"
	"time"

	"CoherencePulse/internal/domain/models"
)

// TickSource streams raw ticks into out until ctx is cancelled or the source fails.
type TickSource interface {
	Name() string
	Stream(ctx context.Context, out chan<- models.RawTick) error
}

// EventStore is the durable log of scores and alerts.
type EventStore interface {
	Init(ctx context.Context) error
	AppendScores(ctx context.Context, scores []models.CoherenceScore) error
	AppendAlerts(ctx context.Context, alerts []models.Alert) error
	QueryScores(ctx context.Context, symbol string, window time.Duration, limit int) ([]models.CoherenceScore, error)
	QueryAlerts(ctx context.Context, symbol string, window time.Duration, limit int) ([]models.Alert, error)
	Health(ctx context.Context) error
	Close() error
}

// AlertPublisher relays alerts to other processes.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert models.Alert) error
	Close() error
}

// ScoreCache keeps the latest score per symbol.
type ScoreCache interface {
	PutScore(ctx context.Context, score models.CoherenceScore) error
	LatestScore(ctx context.Context, symbol string) (models.CoherenceScore, bool, error)
}

type Metrics interface {
	RecordTick(source string)
	RecordTickDropped(reason string)
	RecordScore(symbol string)
	RecordAlert(symbol, severity string)
	RecordFanout(kind string, delivered, failed int)
	RecordConnections(active, subscriptions int)
	RecordEviction(reason string)
	RecordBreakerState(name, from, to string)
	RecordPoolWait(name string, seconds float64)
	RecordPersistDropped(kind string)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
}
