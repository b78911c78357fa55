package backoff

import (
	"context"
	"math"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
)

// jitterFactor spreads each delay over +/-25% of its nominal value.
const jitterFactor = 0.25

// Policy describes an exponential retry schedule.
type Policy struct {
	BaseDelay   time.Duration `yaml:"base_delay" default:"1s" validate:"gt=0"`
	MaxDelay    time.Duration `yaml:"max_delay" default:"30s" validate:"gtefield=BaseDelay"`
	Factor      float64       `yaml:"factor" default:"2" validate:"gte=1"`
	MaxAttempts int           `yaml:"max_attempts" default:"5" validate:"gte=1"`
	Jitter      bool          `yaml:"jitter" default:"true"`
}

// DefaultPolicy returns base 1s, factor 2, cap 30s, 5 attempts with jitter.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Factor:      2,
		MaxAttempts: 5,
		Jitter:      true,
	}
}

// Delay returns the nominal wait before retry n (n >= 1): min(base*factor^(n-1), maxDelay).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(n-1))
	if d >= float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// NewBackOff builds a cenkalti ExponentialBackOff following p. It never stops on elapsed time.
func (p Policy) NewBackOff() *cbackoff.ExponentialBackOff {
	b := cbackoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Factor
	b.RandomizationFactor = 0
	if p.Jitter {
		b.RandomizationFactor = jitterFactor
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// ShouldRetry classifies an error as worth another attempt.
type ShouldRetry func(error) bool

// Notify is called before sleeping ahead of retry n.
type Notify func(err error, retry int, delay time.Duration)

type options struct {
	notify Notify
	timer  cbackoff.Timer
}

// Option tweaks a single Execute call.
type Option func(*options)

// WithNotify registers a callback invoked before every wait.
func WithNotify(fn Notify) Option {
	return func(o *options) { o.notify = fn }
}

// Execute runs op up to p.MaxAttempts times. It stops with the last error as soon as
// shouldRetry reports false; a nil shouldRetry retries everything.
func Execute[T any](ctx context.Context, p Policy, op func(context.Context) (T, error), shouldRetry ShouldRetry, opts ...Option) (T, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	wrapped := func() (T, error) {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || (shouldRetry != nil && !shouldRetry(err)) {
			return v, cbackoff.Permanent(err)
		}
		return v, err
	}

	var b cbackoff.BackOff = p.NewBackOff()
	if p.MaxAttempts > 0 {
		b = cbackoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	b = cbackoff.WithContext(b, ctx)

	retry := 0
	notify := func(err error, d time.Duration) {
		retry++
		if o.notify != nil {
			o.notify(err, retry, d)
		}
	}
	return cbackoff.RetryNotifyWithTimerAndData(wrapped, b, notify, o.timer)
}

// Do is Execute for operations without a result.
func Do(ctx context.Context, p Policy, op func(context.Context) error, shouldRetry ShouldRetry, opts ...Option) error {
	_, err := Execute(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, shouldRetry, opts...)
	return err
}
