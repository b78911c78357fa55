package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/thejerf/suture/v4"

	applogger "CoherencePulse/pkg/logger"
)

// SupervisorConfig tunes restart behaviour of every supervised layer.
type SupervisorConfig struct {
	FailureThreshold float64       `yaml:"failure_threshold" default:"5" validate:"gt=0"`
	FailureDecay     float64       `yaml:"failure_decay" default:"30" validate:"gt=0"`
	FailureBackoff   time.Duration `yaml:"failure_backoff" default:"15s"`
	StopTimeout      time.Duration `yaml:"stop_timeout" default:"10s"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" default:"30s"`
}

// Drainer stops accepting work and releases what it holds, e.g. client connections.
type Drainer interface {
	Shutdown(ctx context.Context) error
}

// Layers groups services by the order they must stop in.
// Front stops first, then the drainer runs, then Pipeline, then Storage.
type Layers struct {
	Front    []suture.Service
	Pipeline []suture.Service
	Storage  []suture.Service
}

// App encapsulates the entire application lifecycle.
type App struct {
	cfg     SupervisorConfig
	log     *applogger.Logger
	layers  Layers
	drainer Drainer
	closers []io.Closer
}

// New creates an App. Closers are closed in order after every layer stopped.
func New(cfg SupervisorConfig, log *applogger.Logger, layers Layers, drainer Drainer, closers ...io.Closer) *App {
	if log == nil {
		log = applogger.Nop()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = 30
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &App{cfg: cfg, log: log, layers: layers, drainer: drainer, closers: closers}
}

type layer struct {
	name   string
	cancel context.CancelFunc
	done   <-chan error
}

// Run starts every layer and blocks until ctx is cancelled or a layer exits on its own.
func (a *App) Run(ctx context.Context) error {
	storage := a.start("storage", a.layers.Storage)
	pipeline := a.start("pipeline", a.layers.Pipeline)
	front := a.start("front", a.layers.Front)
	a.log.Info("application started",
		applogger.Int("front", len(a.layers.Front)),
		applogger.Int("pipeline", len(a.layers.Pipeline)),
		applogger.Int("storage", len(a.layers.Storage)),
	)

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
	case err := <-front.done:
		runErr = exited(front, err)
		front.done = nil
	case err := <-pipeline.done:
		runErr = exited(pipeline, err)
		pipeline.done = nil
	case err := <-storage.done:
		runErr = exited(storage, err)
		storage.done = nil
	}
	if runErr != nil {
		a.log.Error("supervisor exited", applogger.Error(runErr))
	}

	return errors.Join(runErr, a.shutdown(front, pipeline, storage))
}

func (a *App) start(name string, services []suture.Service) *layer {
	sup := suture.New(name, suture.Spec{
		EventHook:        a.eventHook(name),
		FailureThreshold: a.cfg.FailureThreshold,
		FailureDecay:     a.cfg.FailureDecay,
		FailureBackoff:   a.cfg.FailureBackoff,
		Timeout:          a.cfg.StopTimeout,
	})
	for _, svc := range services {
		if svc != nil {
			sup.Add(svc)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &layer{name: name, cancel: cancel, done: sup.ServeBackground(ctx)}
}

func (a *App) eventHook(name string) suture.EventHook {
	l := a.log.With(applogger.String("supervisor", name))
	return func(e suture.Event) {
		switch e.Type() {
		case suture.EventTypeResume:
			l.Info(e.String())
		case suture.EventTypeServicePanic:
			l.Error(e.String())
		default:
			l.Warn(e.String())
		}
	}
}

// shutdown stops the front, drains clients, stops the pipeline, flushes storage, then closes clients.
func (a *App) shutdown(front, pipeline, storage *layer) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	a.stop(ctx, front)
	if a.drainer != nil {
		if err := a.drainer.Shutdown(ctx); err != nil {
			a.log.Warn("drain error", applogger.Error(err))
			errs = append(errs, fmt.Errorf("drain: %w", err))
		}
	}
	a.stop(ctx, pipeline)
	a.stop(ctx, storage)

	for _, c := range a.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			a.log.Warn("close error", applogger.String("resource", fmt.Sprintf("%T", c)), applogger.Error(err))
			errs = append(errs, err)
		}
	}

	a.log.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) stop(ctx context.Context, l *layer) {
	l.cancel()
	if l.done == nil {
		return
	}
	select {
	case <-l.done:
		a.log.Info("layer stopped", applogger.String("layer", l.name))
	case <-ctx.Done():
		a.log.Warn("layer stop timed out", applogger.String("layer", l.name))
	}
}

func exited(l *layer, err error) error {
	if err == nil {
		err = errors.New("terminated")
	}
	return fmt.Errorf("%s supervisor: %w", l.name, err)
}
