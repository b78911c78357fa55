package finnhub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"CoherencePulse/internal/domain/models"
	drepo "CoherencePulse/internal/domain/repository"
	"CoherencePulse/pkg/logger"
	"CoherencePulse/pkg/resilience/backoff"
	"CoherencePulse/pkg/resilience/breaker"
	"CoherencePulse/pkg/resilience/pool"
)

// Feed is a TickSource backed by Finnhub trade websockets. Symbols are spread over
// Sessions connections taken from a pool; dials go through the feed breaker and lost
// sessions reconnect with backoff.
type Feed struct {
	cfg     Config
	brk     *breaker.Breaker
	pool    *pool.Pool[*websocket.Conn]
	dialer  *websocket.Dialer
	metrics drepo.Metrics
	log     *logger.Logger
}

var _ drepo.TickSource = (*Feed)(nil)

// New creates the feed. Connections are dialed lazily by Stream.
func New(cfg Config, brk *breaker.Breaker, metrics drepo.Metrics, log *logger.Logger) (*Feed, error) {
	if cfg.Sessions < 1 {
		cfg.Sessions = 1
	}
	if cfg.Pool.MaxSize < int32(cfg.Sessions) {
		cfg.Pool.MaxSize = int32(cfg.Sessions)
	}
	if cfg.Reconnect.MaxAttempts < 1 {
		cfg.Reconnect = backoff.DefaultPolicy()
	}
	if log == nil {
		log = logger.Nop()
	}
	f := &Feed{
		cfg:     cfg,
		brk:     brk,
		dialer:  &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: cfg.HandshakeTimeout},
		metrics: metrics,
		log:     log.With(logger.String("component", "finnhub")),
	}
	p, err := pool.New("finnhub", cfg.Pool, pool.Factory[*websocket.Conn]{
		Create: f.dial,
		Destroy: func(c *websocket.Conn) {
			_ = c.Close()
		},
	})
	if err != nil {
		return nil, err
	}
	f.pool = p
	return f, nil
}

func (f *Feed) Name() string { return "finnhub" }

// Stream runs one session per symbol group until ctx is done or a group exhausts its
// reconnect attempts.
func (f *Feed) Stream(ctx context.Context, out chan<- models.RawTick) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, group := range partition(f.cfg.Symbols, f.cfg.Sessions) {
		group := group
		g.Go(func() error {
			return f.run(gctx, group, out)
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Close destroys idle connections.
func (f *Feed) Close() error {
	f.pool.Close()
	return nil
}

// Stats reports the session pool.
func (f *Feed) Stats() pool.Stats { return f.pool.Stats() }

func (f *Feed) run(ctx context.Context, symbols []string, out chan<- models.RawTick) error {
	for {
		conn, err := backoff.Execute(ctx, f.cfg.Reconnect, func(ctx context.Context) (*websocket.Conn, error) {
			return f.open(ctx, symbols)
		}, retryableDial, backoff.WithNotify(func(err error, retry int, delay time.Duration) {
			f.metrics.RecordError("finnhub_connect")
			f.log.Warn("finnhub reconnecting", logger.Int("retry", retry), logger.Duration("delay_ms", delay), logger.Error(err))
		}))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("finnhub %v: %w", symbols, err)
		}

		f.log.Info("finnhub session up", logger.Strings("symbols", symbols))
		err = f.read(ctx, conn, out)
		_ = f.pool.Discard(conn)
		if ctx.Err() != nil {
			return nil
		}
		f.metrics.RecordError("finnhub_stream")
		f.log.Warn("finnhub session lost", logger.Strings("symbols", symbols), logger.Error(err))
	}
}

// open leases a connection and subscribes it to symbols.
func (f *Feed) open(ctx context.Context, symbols []string) (*websocket.Conn, error) {
	start := time.Now()
	conn, err := f.pool.Acquire(ctx)
	f.metrics.RecordPoolWait("finnhub", time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	for _, s := range symbols {
		msg := subscribeMessage{Type: "subscribe", Symbol: s}
		_ = conn.SetWriteDeadline(time.Now().Add(f.cfg.HandshakeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			_ = f.pool.Discard(conn)
			return nil, fmt.Errorf("subscribe %s: %w", s, err)
		}
	}
	return conn, nil
}

func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	return breaker.Execute(ctx, f.brk, func(ctx context.Context) (*websocket.Conn, error) {
		u, err := url.Parse(f.cfg.URL)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("finnhub url: %w", err))
		}
		q := u.Query()
		q.Set("token", f.cfg.APIKey)
		u.RawQuery = q.Encode()

		conn, resp, err := f.dialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return nil, backoff.Permanent(fmt.Errorf("finnhub rejected token: %s", resp.Status))
			}
			return nil, fmt.Errorf("finnhub dial: %w", err)
		}
		return conn, nil
	})
}

type subscribeMessage struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

type trade struct {
	S string  `json:"s"`
	P float64 `json:"p"`
	V float64 `json:"v"`
	T int64   `json:"t"` // ms
}

type message struct {
	Type string  `json:"type"`
	Data []trade `json:"data"`
	Msg  string  `json:"msg"`
}

func (f *Feed) read(ctx context.Context, conn *websocket.Conn, out chan<- models.RawTick) error {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(f.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(f.cfg.HandshakeTimeout)); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	})
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("finnhub read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))

		var m message
		if err := json.Unmarshal(b, &m); err != nil {
			f.metrics.RecordTickDropped("malformed")
			continue
		}
		switch m.Type {
		case "trade":
		case "error":
			return fmt.Errorf("finnhub: %s", m.Msg)
		default:
			// ping and other control frames
			continue
		}
		for _, d := range m.Data {
			tick := models.RawTick{
				Symbol:    d.S,
				Price:     decimal.NewFromFloat(d.P),
				Volume:    int64(d.V),
				Timestamp: time.UnixMilli(d.T).UTC(),
			}
			select {
			case out <- tick:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func retryableDial(err error) bool {
	return !backoff.IsPermanent(err) && !errors.Is(err, context.Canceled) && !errors.Is(err, pool.ErrPoolClosed)
}

// partition spreads symbols round-robin over n groups, skipping empty groups.
func partition(symbols []string, n int) [][]string {
	if n < 1 {
		n = 1
	}
	groups := make([][]string, n)
	for i, s := range symbols {
		groups[i%n] = append(groups[i%n], s)
	}
	out := groups[:0]
	for _, g := range groups {
		if len(g) > 0 {
			out = append(out, g)
		}
	}
	return out
}
