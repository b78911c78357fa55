package kafka

import (
	"time"

	"CoherencePulse/pkg/resilience/backoff"
)

// ProducerConfig holds producer configuration.
type ProducerConfig struct {
	Brokers      []string      `yaml:"brokers"`
	RequiredAcks int           `yaml:"required_acks" default:"-1"`
	Compression  string        `yaml:"compression" default:"snappy" validate:"oneof=none gzip snappy lz4 zstd"`
	MaxAttempts  int           `yaml:"max_attempts" default:"3"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
	BatchSize    int           `yaml:"batch_size" default:"100"`
	BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
	BatchTimeout time.Duration `yaml:"batch_timeout" default:"50ms"`
	Async        bool          `yaml:"async"`
}

// ConsumerConfig holds consumer configuration.
type ConsumerConfig struct {
	Brokers     []string       `yaml:"brokers"`
	GroupID     string         `yaml:"group_id" default:"coherence-pulse"`
	StartOffset string         `yaml:"start_offset" default:"latest" validate:"oneof=earliest latest"`
	WorkerCount int            `yaml:"worker_count" default:"4" validate:"min=1"`
	BufferSize  int            `yaml:"buffer_size" default:"256" validate:"min=1"`
	MinBytes    int            `yaml:"min_bytes" default:"1"`
	MaxBytes    int            `yaml:"max_bytes" default:"10485760"`
	MaxWait     time.Duration  `yaml:"max_wait" default:"500ms"`
	DLQTopic    string         `yaml:"dlq_topic"`
	Retry       backoff.Policy `yaml:"retry"`
}
