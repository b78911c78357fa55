package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// State is the externally visible breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrCircuitOpen is matched by every CircuitOpenError.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitOpenError is returned without invoking the operation while the breaker rejects calls.
type CircuitOpenError struct {
	Name  string
	State State
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q is %s", e.Name, e.State)
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// StateListener observes state transitions. It is called synchronously and must not call back into the breaker.
type StateListener interface {
	OnStateChange(name string, from, to State)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(name string, from, to State)

func (f StateListenerFunc) OnStateChange(name string, from, to State) { f(name, from, to) }

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold uint32        `yaml:"failure_threshold" default:"5" validate:"gte=1"`
	SuccessThreshold uint32        `yaml:"success_threshold" default:"1" validate:"gte=1"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" default:"30s" validate:"gt=0"`
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	ProbeSuccesses      uint32    `json:"probe_successes"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
}

// Breaker guards one external dependency. Instances never share state.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[any]

	mu            sync.Mutex
	lastFailureAt time.Time
	listeners     []StateListener
}

// New creates a breaker named after the dependency it guards.
func New(name string, cfg Config, listeners ...StateListener) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}

	b := &Breaker{name: name, listeners: listeners}
	threshold := cfg.FailureThreshold
	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// caller cancellation says nothing about the dependency
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.notify(name, fromGobreaker(from), fromGobreaker(to))
		},
	})
	return b
}

// AddListener registers an additional state listener.
func (b *Breaker) AddListener(l StateListener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// Name returns the guarded dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, moving OPEN to HALF_OPEN once the reset timeout elapsed.
func (b *Breaker) State() State { return fromGobreaker(b.cb.State()) }

// Snapshot returns counters for diagnostics.
func (b *Breaker) Snapshot() Snapshot {
	counts := b.cb.Counts()
	st := b.State()
	s := Snapshot{
		Name:                b.name,
		State:               st,
		ConsecutiveFailures: counts.ConsecutiveFailures,
	}
	if st == StateHalfOpen {
		s.ProbeSuccesses = counts.ConsecutiveSuccesses
	}
	b.mu.Lock()
	s.LastFailureAt = b.lastFailureAt
	b.mu.Unlock()
	return s
}

// Do runs op through the breaker, discarding its result value.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	_, err := Execute(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Execute runs op through b. While the circuit rejects calls op is not invoked and
// a *CircuitOpenError is returned.
func Execute[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	v, err := b.cb.Execute(func() (any, error) {
		res, err := op(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			b.mu.Lock()
			b.lastFailureAt = time.Now()
			b.mu.Unlock()
		}
		return res, err
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return zero, &CircuitOpenError{Name: b.name, State: StateOpen}
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return zero, &CircuitOpenError{Name: b.name, State: StateHalfOpen}
	}

	res, _ := v.(T)
	return res, err
}

func (b *Breaker) notify(name string, from, to State) {
	b.mu.Lock()
	ls := make([]StateListener, len(b.listeners))
	copy(ls, b.listeners)
	b.mu.Unlock()
	for _, l := range ls {
		l.OnStateChange(name, from, to)
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
