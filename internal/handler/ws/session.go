package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"CoherencePulse/internal/broadcast"
)

var errSessionClosed = errors.New("ws: session closed")

// session is the broadcast.Sink of one websocket. All writes go through one FIFO queue
// drained by writePump, so gorilla's single-writer rule holds.
type session struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	send     chan []byte
	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
	reason   string
}

func newSession(conn *websocket.Conn, queue int, writeTimeout time.Duration) *session {
	return &session{
		conn:         conn,
		writeTimeout: writeTimeout,
		send:         make(chan []byte, queue),
		done:         make(chan struct{}),
		exited:       make(chan struct{}),
	}
}

func (s *session) Send(ctx context.Context, frame []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) Ping(ctx context.Context) error {
	return s.Send(ctx, broadcast.PingFrame())
}

func (s *session) Close(reason string) error {
	s.stopOnce.Do(func() {
		s.reason = reason
		close(s.done)
	})
	return nil
}

// writePump writes queued frames until Close, then flushes the queue and sends a close frame.
func (s *session) writePump(onWriteError func(error)) {
	defer close(s.exited)
	defer s.conn.Close()
	for {
		select {
		case frame := <-s.send:
			if err := s.write(frame); err != nil {
				onWriteError(err)
				return
			}
		case <-s.done:
			s.flush()
			msg := websocket.FormatCloseMessage(closeCode(s.reason), s.reason)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
			return
		}
	}
}

func (s *session) write(frame []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *session) flush() {
	for {
		select {
		case frame := <-s.send:
			if err := s.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func closeCode(reason string) int {
	switch reason {
	case broadcast.ReasonShutdown:
		return websocket.CloseGoingAway
	case broadcast.ReasonTimeout, broadcast.ReasonPingFailed:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseNormalClosure
	}
}
