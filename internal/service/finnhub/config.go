package finnhub

import (
	"time"

	"CoherencePulse/pkg/resilience/backoff"
	"CoherencePulse/pkg/resilience/pool"
)

// Config configures the upstream trade feed.
type Config struct {
	Enabled          bool           `yaml:"enabled" default:"true"`
	APIKey           string         `yaml:"api_key" validate:"required_if=Enabled true"`
	URL              string         `yaml:"url" default:"wss://ws.finnhub.io" validate:"url"`
	Symbols          []string       `yaml:"symbols" validate:"required_if=Enabled true,dive,required"`
	Sessions         int            `yaml:"sessions" default:"1" validate:"gte=1,lte=16"`
	PingInterval     time.Duration  `yaml:"ping_interval" default:"20s" validate:"gt=0"`
	ReadTimeout      time.Duration  `yaml:"read_timeout" default:"60s" validate:"gt=0"`
	HandshakeTimeout time.Duration  `yaml:"handshake_timeout" default:"10s" validate:"gt=0"`
	Pool             pool.Config    `yaml:"pool"`
	Reconnect        backoff.Policy `yaml:"reconnect"`
}
