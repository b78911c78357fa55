package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Config bounds how fast one key may act. Rate <= 0 disables limiting.
type Config struct {
	Rate    float64       `yaml:"rate" default:"5"`
	Burst   int           `yaml:"burst" default:"10" validate:"min=1"`
	IdleTTL time.Duration `yaml:"idle_ttl" default:"10m"`
}

type entry struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter is a keyed token bucket; keys idle for IdleTTL are forgotten.
type Limiter struct {
	cfg   Config
	clock clockwork.Clock

	mu        sync.Mutex
	m         map[string]*entry
	lastPrune time.Time
}

func New(cfg Config, clock clockwork.Clock) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	return &Limiter{cfg: cfg, clock: clock, m: make(map[string]*entry), lastPrune: clock.Now()}
}

// Allow consumes one token for key.
func (l *Limiter) Allow(key string) bool {
	if l.cfg.Rate <= 0 {
		return true
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)

	e, ok := l.m[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst)}
		l.m[key] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

// Len is the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func (l *Limiter) pruneLocked(now time.Time) {
	if l.cfg.IdleTTL <= 0 || now.Sub(l.lastPrune) < l.cfg.IdleTTL {
		return
	}
	for k, e := range l.m {
		if now.Sub(e.seen) >= l.cfg.IdleTTL {
			delete(l.m, k)
		}
	}
	l.lastPrune = now
}
