package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/puddle/v2"
)

var (
	// ErrPoolTimeout is matched by every TimeoutError.
	ErrPoolTimeout = errors.New("pool acquire timeout")
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("pool closed")
	// ErrNotLeased is returned when releasing a resource the pool did not hand out.
	ErrNotLeased = errors.New("resource not leased from this pool")
	// ErrDuplicateResource is returned when Create hands out a value that is already leased.
	ErrDuplicateResource = errors.New("resource value already leased")
)

// TimeoutError reports an acquisition that waited the full acquire timeout.
type TimeoutError struct {
	Name   string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("pool %q: no resource available after %s", e.Name, e.Waited)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrPoolTimeout }

// Factory creates, checks and disposes resources. The pool knows nothing else about T.
type Factory[T any] struct {
	Create   func(ctx context.Context) (T, error)
	Validate func(T) bool
	Destroy  func(T)
}

// Config bounds the pool.
type Config struct {
	MaxSize        int32         `yaml:"max_size" default:"4" validate:"gte=1"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" default:"5s" validate:"gt=0"`
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total     int32 `json:"total"`
	Idle      int32 `json:"idle"`
	Acquired  int32 `json:"acquired"`
	MaxSize   int32 `json:"max_size"`
	Timeouts  int64 `json:"timeouts"`
	Destroyed int64 `json:"destroyed"`
}

// Pool is a bounded resource pool. Waiters are served in arrival order.
// Leases are tracked by value, so every resource Create returns must be distinct,
// typically a pointer. Acquire refuses a value that is already leased.
type Pool[T comparable] struct {
	name    string
	cfg     Config
	factory Factory[T]
	p       *puddle.Pool[T]

	mu        sync.Mutex
	leased    map[T]*puddle.Resource[T]
	timeouts  int64
	destroyed int64
}

// New creates an empty pool; resources are created lazily on Acquire.
func New[T comparable](name string, cfg Config, factory Factory[T]) (*Pool[T], error) {
	if factory.Create == nil {
		return nil, fmt.Errorf("pool %q: create func is required", name)
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 4
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}

	p := &Pool[T]{
		name:    name,
		cfg:     cfg,
		factory: factory,
		leased:  make(map[T]*puddle.Resource[T]),
	}
	pp, err := puddle.NewPool(&puddle.Config[T]{
		Constructor: factory.Create,
		Destructor:  p.destroy,
		MaxSize:     cfg.MaxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("pool %q: %w", name, err)
	}
	p.p = pp
	return p, nil
}

// Acquire returns a resource, creating one when below MaxSize. It waits at most AcquireTimeout.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	res, err := p.p.Acquire(actx)
	if err != nil {
		switch {
		case errors.Is(err, puddle.ErrClosedPool):
			return zero, ErrPoolClosed
		case ctx.Err() != nil:
			return zero, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			p.mu.Lock()
			p.timeouts++
			p.mu.Unlock()
			return zero, &TimeoutError{Name: p.name, Waited: time.Since(start)}
		}
		return zero, fmt.Errorf("pool %q: create resource: %w", p.name, err)
	}

	v := res.Value()
	p.mu.Lock()
	if _, dup := p.leased[v]; dup {
		p.mu.Unlock()
		res.Destroy()
		return zero, fmt.Errorf("pool %q: %w", p.name, ErrDuplicateResource)
	}
	p.leased[v] = res
	p.mu.Unlock()
	return v, nil
}

// Release returns v to the idle set, or destroys it when validation fails.
func (p *Pool[T]) Release(v T) error {
	p.mu.Lock()
	res, ok := p.leased[v]
	delete(p.leased, v)
	p.mu.Unlock()
	if !ok {
		return ErrNotLeased
	}

	if p.factory.Validate != nil && !p.factory.Validate(v) {
		res.Destroy()
		return nil
	}
	res.Release()
	return nil
}

// Discard destroys a leased resource without validating it.
func (p *Pool[T]) Discard(v T) error {
	p.mu.Lock()
	res, ok := p.leased[v]
	delete(p.leased, v)
	p.mu.Unlock()
	if !ok {
		return ErrNotLeased
	}
	res.Destroy()
	return nil
}

// Stats reports pool occupancy.
func (p *Pool[T]) Stats() Stats {
	st := p.p.Stat()
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:     st.TotalResources(),
		Idle:      st.IdleResources(),
		Acquired:  st.AcquiredResources(),
		MaxSize:   st.MaxResources(),
		Timeouts:  p.timeouts,
		Destroyed: p.destroyed,
	}
}

// Close destroys idle resources and blocks until leased ones come back.
func (p *Pool[T]) Close() {
	p.p.Close()
}

func (p *Pool[T]) destroy(v T) {
	p.mu.Lock()
	p.destroyed++
	p.mu.Unlock()
	if p.factory.Destroy != nil {
		p.factory.Destroy(v)
	}
}
