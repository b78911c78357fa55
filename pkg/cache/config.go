package cache

import "time"

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr         string        `yaml:"addr" default:"localhost:6379"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size" default:"10"`
	MinIdleConns int           `yaml:"min_idle_conns" default:"2"`
	PoolTimeout  time.Duration `yaml:"pool_timeout" default:"5s"`
	DialTimeout  time.Duration `yaml:"dial_timeout" default:"5s"`
	Prefix       string        `yaml:"prefix" default:"coherence"`
}

// MemoryConfig bounds the in-process layer.
type MemoryConfig struct {
	MaxSize         int           `yaml:"max_size" default:"10000"`
	DefaultTTL      time.Duration `yaml:"default_ttl" default:"24h"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" default:"1m"`
}
