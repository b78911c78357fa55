package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"CoherencePulse/internal/broadcast"
	"CoherencePulse/internal/domain/models"
	"CoherencePulse/internal/handler/ws"
	"CoherencePulse/internal/middleware"
	"CoherencePulse/internal/service/finnhub"
	"CoherencePulse/internal/usecase"
	pcache "CoherencePulse/pkg/cache"
	pkgch "CoherencePulse/pkg/clickhouse"
	xhttp "CoherencePulse/pkg/http"
	pkgkafka "CoherencePulse/pkg/kafka"
	"CoherencePulse/pkg/logger"
	"CoherencePulse/pkg/resilience/breaker"
	"CoherencePulse/pkg/server"
	"CoherencePulse/pkg/util"
)

type Config struct {
	Environment string             `yaml:"environment" default:"development" validate:"oneof=development staging production"`
	ServiceName string             `yaml:"service_name" default:"coherence-pulse"`
	Log         logger.Config      `yaml:"log"`
	LogDigest   LogDigest          `yaml:"log_digest"`
	Server      xhttp.ServerConfig `yaml:"server"`
	Metrics     struct {
		Enabled bool `yaml:"enabled" default:"true"`
	} `yaml:"metrics"`
	WebSocket  ws.Config                `yaml:"websocket"`
	Broadcast  broadcast.Config         `yaml:"broadcast"`
	Scoring    Scoring                  `yaml:"scoring"`
	Finnhub    finnhub.Config           `yaml:"finnhub"`
	Kafka      Kafka                    `yaml:"kafka"`
	ClickHouse pkgch.Config             `yaml:"clickhouse"`
	Redis      Redis                    `yaml:"redis"`
	Cache      Cache                    `yaml:"cache"`
	Resilience Resilience               `yaml:"resilience"`
	Persist    middleware.PersistConfig `yaml:"persist"`
	Relay      middleware.RelayConfig   `yaml:"relay"`
	Supervisor server.SupervisorConfig  `yaml:"supervisor"`
}

// LogDigest ships aggregated warnings to Kafka when enabled.
type LogDigest struct {
	Enabled             bool   `yaml:"enabled" default:"false"`
	Topic               string `yaml:"topic" default:"coherence.logs"`
	logger.DigestConfig `yaml:",inline"`
}

// Scoring holds the alert thresholds and the ingestion workers.
type Scoring struct {
	Thresholds           models.AlertThresholds `yaml:"thresholds"`
	EventBuffer          int                    `yaml:"event_buffer" default:"4096" validate:"gte=1"`
	usecase.IngestConfig `yaml:",inline"`
}

// Kafka configures the tick bus, the alert relay and the digest topic.
type Kafka struct {
	Enabled     bool                    `yaml:"enabled" default:"false"`
	Brokers     []string                `yaml:"brokers" validate:"required_if=Enabled true"`
	TicksTopic  string                  `yaml:"ticks_topic" default:"coherence.ticks"`
	AlertsTopic string                  `yaml:"alerts_topic" default:"coherence.alerts"`
	Producer    pkgkafka.ProducerConfig `yaml:"producer"`
	Consumer    pkgkafka.ConsumerConfig `yaml:"consumer"`
}

type Redis struct {
	Enabled            bool `yaml:"enabled" default:"false"`
	pcache.RedisConfig `yaml:",inline"`
}

// Cache sizes the latest-score cache.
type Cache struct {
	ScoreTTL time.Duration       `yaml:"score_ttl" default:"24h" validate:"gt=0"`
	L1TTL    time.Duration       `yaml:"l1_ttl" default:"5s" validate:"gt=0"`
	Memory   pcache.MemoryConfig `yaml:"memory"`
}

// Resilience holds one breaker configuration per guarded dependency.
type Resilience struct {
	Feed  breaker.Config `yaml:"feed"`
	Store breaker.Config `yaml:"store"`
	Relay breaker.Config `yaml:"relay"`
	Cache breaker.Config `yaml:"cache"`
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	c, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// LoadWithEnv is Load with environment overrides applied before validation.
func LoadWithEnv(path string) (*Config, error) {
	c, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := c.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func read(path string) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	c.normalize()
	return &c, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("FINNHUB_API_KEY"); v != "" {
		c.Finnhub.APIKey = v
	}
	if v := getenv("SYMBOLS"); v != "" {
		c.Finnhub.Symbols = util.SplitSymbols(v)
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Enabled = true
		c.Kafka.Brokers = splitList(v)
	}
	if v := getenv("KAFKA_TICKS_TOPIC"); v != "" {
		c.Kafka.TicksTopic = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Redis.Enabled = true
		c.Redis.Addr = v
	}
	if v := getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Enabled = true
		c.ClickHouse.Host = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := getenv("HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HTTP_PORT: %w", err)
		}
		c.Server.Port = port
	}
	c.normalize()
	return nil
}

// normalize propagates shared settings into component configs.
func (c *Config) normalize() {
	c.Kafka.Producer.Brokers = c.Kafka.Brokers
	c.Kafka.Consumer.Brokers = c.Kafka.Brokers
	for i, s := range c.Finnhub.Symbols {
		c.Finnhub.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
}

var validate = validator.New()

// Validate checks field rules, then rules spanning sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if !c.Finnhub.Enabled && !c.Kafka.Enabled {
		return errors.New("no tick source: enable finnhub or kafka")
	}
	for _, s := range c.Finnhub.Symbols {
		if !broadcast.ValidSymbol(s) {
			return fmt.Errorf("finnhub.symbols: invalid symbol %q", s)
		}
	}
	if c.Broadcast.ConnectionTimeout <= c.Broadcast.HeartbeatInterval {
		return fmt.Errorf("broadcast.connection_timeout (%s) must exceed heartbeat_interval (%s)",
			c.Broadcast.ConnectionTimeout, c.Broadcast.HeartbeatInterval)
	}
	if c.LogDigest.Enabled && !c.Kafka.Enabled {
		return errors.New("log_digest requires kafka")
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
