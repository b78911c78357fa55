package clickhouse

import "time"

// Config holds ClickHouse connection settings.
type Config struct {
	Enabled         bool          `yaml:"enabled" default:"false"`
	Host            string        `yaml:"host" default:"localhost" validate:"required_if=Enabled true"`
	Port            int           `yaml:"port" default:"9000" validate:"gte=1,lte=65535"`
	Database        string        `yaml:"database" default:"coherence" validate:"required"`
	User            string        `yaml:"user" default:"default"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns" default:"10" validate:"gte=1"`
	MaxIdleConns    int           `yaml:"max_idle_conns" default:"5" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" default:"5m"`
	DialTimeout     time.Duration `yaml:"dial_timeout" default:"5s"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
	UseHTTP         bool          `yaml:"use_http" default:"false"`
	AsyncInsert     bool          `yaml:"async_insert" default:"true"`
	WaitForAsync    bool          `yaml:"wait_for_async" default:"true"`
	MaxExecTime     time.Duration `yaml:"max_exec_time" default:"30s"`
	Retention       time.Duration `yaml:"retention" default:"720h"`
}

// Option adjusts a Config before connecting.
type Option func(*Config)

// WithCredentials sets username and password.
func WithCredentials(user, password string) Option {
	return func(c *Config) {
		c.User = user
		c.Password = password
	}
}

// WithMaxConnections sets max open and idle connections.
func WithMaxConnections(maxOpen, maxIdle int) Option {
	return func(c *Config) {
		c.MaxOpenConns = maxOpen
		c.MaxIdleConns = maxIdle
	}
}

// WithHTTP enables the HTTP protocol instead of native.
func WithHTTP(useHTTP bool) Option {
	return func(c *Config) {
		c.UseHTTP = useHTTP
	}
}
