package broadcast

import (
	"context"

	"CoherencePulse/pkg/logger"
)

// Heartbeat pings every connection each HeartbeatInterval.
type Heartbeat struct {
	m *Manager
}

func NewHeartbeat(m *Manager) *Heartbeat { return &Heartbeat{m: m} }

func (h *Heartbeat) Serve(ctx context.Context) error {
	ticker := h.m.clock.NewTicker(h.m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			alive := h.m.PingAll(ctx)
			h.m.log.Debug("heartbeat", logger.Int("alive", alive))
		}
	}
}

func (h *Heartbeat) String() string { return "broadcast-heartbeat" }

// Reaper evicts idle connections each ReapInterval.
type Reaper struct {
	m *Manager
}

func NewReaper(m *Manager) *Reaper { return &Reaper{m: m} }

func (r *Reaper) Serve(ctx context.Context) error {
	ticker := r.m.clock.NewTicker(r.m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if evicted := r.m.ReapStale(); len(evicted) > 0 {
				r.m.log.Info("reaped stale connections", logger.Strings("connection_ids", evicted))
			}
		}
	}
}

func (r *Reaper) String() string { return "broadcast-reaper" }

// Dispatcher runs the manager's dispatch loop over an envelope channel.
type Dispatcher struct {
	m      *Manager
	events <-chan Envelope
}

func NewDispatcher(m *Manager, events <-chan Envelope) *Dispatcher {
	return &Dispatcher{m: m, events: events}
}

func (d *Dispatcher) Serve(ctx context.Context) error { return d.m.Run(ctx, d.events) }

func (d *Dispatcher) String() string { return "broadcast-dispatch" }
