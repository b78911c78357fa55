package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Sink is the transport side of a connection.
type Sink interface {
	// Send delivers one encoded frame or fails once ctx is done.
	Send(ctx context.Context, frame []byte) error
	// Ping sends a liveness probe.
	Ping(ctx context.Context) error
	// Close tears the transport down. The manager calls it at most once.
	Close(reason string) error
}

// Connection is one client session owned by the Manager.
type Connection struct {
	ID          string
	RemoteAddr  string
	Source      string
	ConnectedAt time.Time

	lastActivity atomic.Int64
	sink         Sink
	closeOnce    sync.Once

	// guarded by Manager.mu
	subscriptions map[string]struct{}
}

// LastActivityAt is the time of the last inbound frame or liveness response.
func (c *Connection) LastActivityAt() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

func (c *Connection) close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		err = c.sink.Close(reason)
	})
	return err
}
