package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"CoherencePulse/internal/broadcast"
	"CoherencePulse/internal/domain/repository"
	"CoherencePulse/internal/service/ratelimit"
	xhttp "CoherencePulse/pkg/http"
	"CoherencePulse/pkg/logger"
)

// Config tunes the websocket transport. Frames above MaxMessageBytes are answered
// with ERR_PAYLOAD_TOO_LARGE and the connection stays open. HardReadLimit bounds
// what a client may make the server read at all: a frame above it closes the
// connection with 1009 (message too big).
type Config struct {
	Path            string           `yaml:"path" default:"/ws"`
	MaxMessageBytes int64            `yaml:"max_message_bytes" default:"4096" validate:"min=64"`
	HardReadLimit   int64            `yaml:"hard_read_limit" default:"1048576"`
	SendQueue       int              `yaml:"send_queue" default:"64" validate:"min=1"`
	WriteTimeout    time.Duration    `yaml:"write_timeout" default:"5s"`
	ReadBufferSize  int              `yaml:"read_buffer_size" default:"1024"`
	WriteBufferSize int              `yaml:"write_buffer_size" default:"1024"`
	AllowedOrigins  []string         `yaml:"allowed_origins"`
	ConnectRate     ratelimit.Config `yaml:"connect_rate"`
}

// Handler upgrades HTTP requests to websocket sessions registered with the broadcast manager.
type Handler struct {
	cfg      Config
	manager  *broadcast.Manager
	scores   repository.ScoreCache
	limiter  *ratelimit.Limiter
	log      *logger.Logger
	upgrader websocket.Upgrader
}

// NewHandler wires the transport. scores and limiter may be nil.
func NewHandler(cfg Config, manager *broadcast.Manager, scores repository.ScoreCache, limiter *ratelimit.Limiter, log *logger.Logger) *Handler {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.HardReadLimit < cfg.MaxMessageBytes {
		cfg.HardReadLimit = 256 * cfg.MaxMessageBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	h := &Handler{cfg: cfg, manager: manager, scores: scores, limiter: limiter, log: log.With(logger.String("component", "ws"))}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET(h.cfg.Path, h.Serve)
}

// Serve handles one websocket for its whole life.
func (h *Handler) Serve(c echo.Context) error {
	ip := c.RealIP()
	if h.limiter != nil && !h.limiter.Allow(ip) {
		return xhttp.AppErrorResponse(c, xhttp.TooManyRequestsError("too many connection attempts"))
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		h.log.Debug("upgrade failed", logger.String("remote", ip), logger.Error(err))
		return nil
	}

	sess := newSession(conn, h.cfg.SendQueue, h.cfg.WriteTimeout)
	cn, err := h.manager.OnConnect(sess, ip)
	if err != nil {
		h.reject(conn, err)
		return nil
	}
	go sess.writePump(func(err error) {
		h.log.Debug("write failed", logger.String("connection_id", cn.ID), logger.Error(err))
		h.manager.OnDisconnect(cn.ID, broadcast.ReasonSendFailed)
	})

	h.readLoop(c.Request().Context(), cn.ID, sess)
	return nil
}

func (h *Handler) readLoop(ctx context.Context, connID string, sess *session) {
	conn := sess.conn
	defer h.manager.OnDisconnect(connID, broadcast.ReasonClientClosed)

	conn.SetReadLimit(h.cfg.HardReadLimit)
	conn.SetPongHandler(func(string) error {
		h.manager.Touch(connID)
		return nil
	})
	h.reply(ctx, connID, sess, broadcast.WelcomeFrame(connID))

	for {
		_, r, err := conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("read failed", logger.String("connection_id", connID), logger.Error(err))
			}
			return
		}
		h.manager.Touch(connID)

		data, err := io.ReadAll(io.LimitReader(r, h.cfg.MaxMessageBytes+1))
		if err != nil {
			return
		}
		if int64(len(data)) > h.cfg.MaxMessageBytes {
			if _, err := io.Copy(io.Discard, r); err != nil {
				return
			}
			msg := fmt.Sprintf("frame exceeds %d bytes", h.cfg.MaxMessageBytes)
			h.reply(ctx, connID, sess, broadcast.ErrorFrame(broadcast.CodePayloadTooLarge, msg, nil))
			continue
		}
		h.handleFrame(ctx, connID, sess, data)
	}
}

func (h *Handler) handleFrame(ctx context.Context, connID string, sess *session, data []byte) {
	msg, err := broadcast.DecodeClientMessage(data)
	if err != nil {
		h.reply(ctx, connID, sess, broadcast.ErrorFrameFor(err))
		return
	}

	switch msg.Type {
	case broadcast.TypeSubscribe:
		added, err := h.manager.Subscribe(connID, msg.Symbols)
		if err != nil {
			h.reply(ctx, connID, sess, broadcast.ErrorFrameFor(err))
			return
		}
		h.reply(ctx, connID, sess, broadcast.SubscribedFrame(added))
		h.pushLatest(ctx, connID, sess, added)
	case broadcast.TypeUnsubscribe:
		removed := h.manager.Unsubscribe(connID, msg.Symbols)
		h.reply(ctx, connID, sess, broadcast.UnsubscribedFrame(removed))
	case broadcast.TypePing:
		h.reply(ctx, connID, sess, broadcast.PongFrame())
	case broadcast.TypePong:
	}
}

// pushLatest sends the cached score of each newly subscribed symbol.
func (h *Handler) pushLatest(ctx context.Context, connID string, sess *session, symbols []string) {
	if h.scores == nil {
		return
	}
	for _, s := range symbols {
		score, ok, err := h.scores.LatestScore(ctx, s)
		if err != nil {
			h.log.Warn("latest score lookup failed", logger.String("symbol", s), logger.Error(err))
			continue
		}
		if !ok {
			continue
		}
		frame, err := broadcast.MarketEventFrame(score)
		if err != nil {
			continue
		}
		h.reply(ctx, connID, sess, frame)
	}
}

func (h *Handler) reply(ctx context.Context, connID string, sess *session, frame []byte) {
	sctx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
	defer cancel()
	if err := sess.Send(sctx, frame); err != nil && !errors.Is(err, errSessionClosed) {
		h.manager.OnDisconnect(connID, broadcast.ReasonSendFailed)
	}
}

func (h *Handler) reject(conn *websocket.Conn, err error) {
	code := websocket.CloseInternalServerErr
	switch {
	case errors.Is(err, broadcast.ErrShuttingDown):
		code = websocket.CloseTryAgainLater
	case errors.Is(err, broadcast.ErrSourceLimit):
		code = websocket.ClosePolicyViolation
	}
	h.log.Info("connection rejected", logger.String("remote", conn.RemoteAddr().String()), logger.Error(err))
	msg := websocket.FormatCloseMessage(code, err.Error())
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteTimeout))
	_ = conn.Close()
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
