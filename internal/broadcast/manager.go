package broadcast

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"CoherencePulse/internal/domain/models"
	"CoherencePulse/internal/domain/repository"
	"CoherencePulse/pkg/logger"
	"CoherencePulse/pkg/metrics"
)

// Disconnect reasons.
const (
	ReasonClientClosed = "client_closed"
	ReasonTimeout      = "timeout"
	ReasonPingFailed   = "ping_failed"
	ReasonSendFailed   = "send_failed"
	ReasonShutdown     = "shutdown"
)

type Config struct {
	HeartbeatInterval             time.Duration `yaml:"heartbeat_interval" default:"30s" validate:"gt=0"`
	ConnectionTimeout             time.Duration `yaml:"connection_timeout" default:"60s" validate:"gt=0"`
	ReapInterval                  time.Duration `yaml:"reap_interval" default:"10s" validate:"gt=0"`
	MaxSubscriptionsPerConnection int           `yaml:"max_subscriptions_per_connection" default:"10" validate:"min=1"`
	MaxConnectionsPerSource       int           `yaml:"max_connections_per_source" default:"10" validate:"min=0"` // 0 = unlimited
	SendTimeout                   time.Duration `yaml:"send_timeout" default:"2s" validate:"gt=0"`
	FanoutConcurrency             int           `yaml:"fanout_concurrency" default:"64" validate:"min=1"`
	ShutdownGrace                 time.Duration `yaml:"shutdown_grace" default:"2s"`
	ShutdownReason                string        `yaml:"shutdown_reason" default:"server shutting down"`
}

// Envelope is one unit of outbound work handed from ingestion to the dispatch loop.
type Envelope struct {
	Score models.CoherenceScore
	Alert *models.Alert
}

// PublishResult summarizes one fan-out.
type PublishResult struct {
	Symbol     string
	Recipients int
	Delivered  int
	Failed     []string
}

type Stats struct {
	Connections   int            `json:"connections"`
	Subscriptions int            `json:"subscriptions"`
	Symbols       map[string]int `json:"symbols"`
	ShuttingDown  bool           `json:"shutting_down"`
}

// Manager owns every live connection and the symbol subscription index.
// The registry and the index change together under mu.
type Manager struct {
	cfg     Config
	clock   clockwork.Clock
	log     *logger.Logger
	metrics repository.Metrics
	newID   func() string

	mu        sync.RWMutex
	conns     map[string]*Connection
	index     map[string]map[string]struct{}
	perSource map[string]int
	subCount  int
	closing   bool
	drained   chan struct{}
}

type Option func(*Manager)

func WithClock(c clockwork.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithLogger(l *logger.Logger) Option { return func(m *Manager) { m.log = l } }

func WithMetrics(r repository.Metrics) Option { return func(m *Manager) { m.metrics = r } }

// WithIDGenerator replaces the uuid connection id source.
func WithIDGenerator(f func() string) Option { return func(m *Manager) { m.newID = f } }

func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
		log:       logger.Nop(),
		metrics:   metrics.Nop{},
		newID:     uuid.NewString,
		conns:     make(map[string]*Connection),
		index:     make(map[string]map[string]struct{}),
		perSource: make(map[string]int),
	}
	for _, o := range opts {
		o(m)
	}
	if m.cfg.FanoutConcurrency <= 0 {
		m.cfg.FanoutConcurrency = 64
	}
	if m.cfg.SendTimeout <= 0 {
		m.cfg.SendTimeout = 2 * time.Second
	}
	return m
}

func (m *Manager) Config() Config { return m.cfg }

// OnConnect registers a new connection with no subscriptions.
func (m *Manager) OnConnect(sink Sink, remoteAddr string) (*Connection, error) {
	source := sourceOf(remoteAddr)
	now := m.clock.Now()

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if limit := m.cfg.MaxConnectionsPerSource; limit > 0 && m.perSource[source] >= limit {
		m.mu.Unlock()
		return nil, &SourceLimitError{Source: source, Limit: limit}
	}
	c := &Connection{
		ID:            m.newID(),
		RemoteAddr:    remoteAddr,
		Source:        source,
		ConnectedAt:   now,
		sink:          sink,
		subscriptions: make(map[string]struct{}),
	}
	c.touch(now)
	m.conns[c.ID] = c
	m.perSource[source]++
	active, subs := len(m.conns), m.subCount
	m.mu.Unlock()

	m.metrics.RecordConnections(active, subs)
	m.log.Debug("connection registered", logger.String("connection_id", c.ID), logger.String("remote", remoteAddr))
	return c, nil
}

// Subscribe adds symbols to a connection and returns those that were not already held.
// The whole batch is rejected when any symbol is invalid or the limit would be exceeded.
func (m *Manager) Subscribe(connID string, symbols []string) ([]string, error) {
	requested, err := normalize(symbols)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[connID]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	var added []string
	for _, s := range requested {
		if _, held := c.subscriptions[s]; !held {
			added = append(added, s)
		}
	}
	if len(c.subscriptions)+len(added) > m.cfg.MaxSubscriptionsPerConnection {
		return nil, &SubscriptionLimitError{
			Limit:   m.cfg.MaxSubscriptionsPerConnection,
			Current: len(c.subscriptions),
			Adding:  len(added),
		}
	}
	for _, s := range added {
		c.subscriptions[s] = struct{}{}
		set, ok := m.index[s]
		if !ok {
			set = make(map[string]struct{})
			m.index[s] = set
		}
		set[connID] = struct{}{}
	}
	m.subCount += len(added)
	m.metrics.RecordConnections(len(m.conns), m.subCount)
	return added, nil
}

// Unsubscribe removes symbols from a connection and returns those that were held.
// Unknown connections and symbols are ignored.
func (m *Manager) Unsubscribe(connID string, symbols []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[connID]
	if !ok {
		return nil
	}
	var removed []string
	for _, s := range symbols {
		if _, held := c.subscriptions[s]; !held {
			continue
		}
		delete(c.subscriptions, s)
		m.dropIndexLocked(s, connID)
		removed = append(removed, s)
	}
	m.subCount -= len(removed)
	m.metrics.RecordConnections(len(m.conns), m.subCount)
	sort.Strings(removed)
	return removed
}

// OnDisconnect removes the connection and all its index entries, then closes its sink.
// It reports whether the connection was still registered.
func (m *Manager) OnDisconnect(connID, reason string) bool {
	return m.evict(connID, reason, nil)
}

// Touch records activity on a connection.
func (m *Manager) Touch(connID string) bool {
	m.mu.RLock()
	c, ok := m.conns[connID]
	m.mu.RUnlock()
	if ok {
		c.touch(m.clock.Now())
	}
	return ok
}

// Publish delivers payload to every subscriber of symbol. Failed receivers are disconnected.
func (m *Manager) Publish(ctx context.Context, symbol string, payload []byte) PublishResult {
	return m.publish(ctx, "raw", symbol, payload)
}

func (m *Manager) publish(ctx context.Context, kind, symbol string, payload []byte) PublishResult {
	m.mu.RLock()
	set := m.index[symbol]
	targets := make([]*Connection, 0, len(set))
	for id := range set {
		targets = append(targets, m.conns[id])
	}
	m.mu.RUnlock()

	res := PublishResult{Symbol: symbol, Recipients: len(targets)}
	if len(targets) == 0 {
		return res
	}
	failed := m.fanout(ctx, targets, payload)
	for _, c := range failed {
		res.Failed = append(res.Failed, c.ID)
		m.OnDisconnect(c.ID, ReasonSendFailed)
	}
	sort.Strings(res.Failed)
	res.Delivered = len(targets) - len(failed)
	m.metrics.RecordFanout(kind, res.Delivered, len(failed))
	return res
}

// fanout sends frame to every target concurrently and returns the ones that failed.
func (m *Manager) fanout(ctx context.Context, targets []*Connection, frame []byte) []*Connection {
	var (
		mu     sync.Mutex
		failed []*Connection
		g      errgroup.Group
	)
	g.SetLimit(m.cfg.FanoutConcurrency)
	for _, c := range targets {
		c := c
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
			defer cancel()
			if err := c.sink.Send(sctx, frame); err != nil {
				m.log.Warn("send failed", logger.String("connection_id", c.ID), logger.Error(err))
				mu.Lock()
				failed = append(failed, c)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// Dispatch publishes the score of env and, when present, its alert.
func (m *Manager) Dispatch(ctx context.Context, env Envelope) {
	frame, err := MarketEventFrame(env.Score)
	if err != nil {
		m.metrics.RecordError("encode")
		m.log.Error("encode market event", logger.String("symbol", env.Score.Symbol), logger.Error(err))
	} else {
		m.publish(ctx, TypeMarketEvent, env.Score.Symbol, frame)
	}

	if env.Alert == nil {
		return
	}
	frame, err = AlertFrame(*env.Alert)
	if err != nil {
		m.metrics.RecordError("encode")
		m.log.Error("encode alert", logger.String("alert_id", env.Alert.ID), logger.Error(err))
		return
	}
	m.publish(ctx, TypeAlert, env.Alert.Symbol, frame)
}

// Run dispatches envelopes until ctx is done or events is closed.
func (m *Manager) Run(ctx context.Context, events <-chan Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-events:
			if !ok {
				return nil
			}
			m.Dispatch(ctx, env)
		}
	}
}

// PingAll probes every live connection; a failed probe disconnects.
func (m *Manager) PingAll(ctx context.Context) int {
	conns := m.snapshot()
	var (
		mu     sync.Mutex
		failed []string
		g      errgroup.Group
	)
	g.SetLimit(m.cfg.FanoutConcurrency)
	for _, c := range conns {
		c := c
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
			defer cancel()
			if err := c.sink.Ping(pctx); err != nil {
				mu.Lock()
				failed = append(failed, c.ID)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	for _, id := range failed {
		m.OnDisconnect(id, ReasonPingFailed)
	}
	return len(conns) - len(failed)
}

// ReapStale evicts every connection idle for longer than ConnectionTimeout and returns their ids.
func (m *Manager) ReapStale() []string {
	now := m.clock.Now()
	stale := func(c *Connection) bool {
		return now.Sub(c.LastActivityAt()) > m.cfg.ConnectionTimeout
	}

	var candidates []string
	m.mu.RLock()
	for id, c := range m.conns {
		if stale(c) {
			candidates = append(candidates, id)
		}
	}
	m.mu.RUnlock()

	sort.Strings(candidates)
	evicted := candidates[:0]
	for _, id := range candidates {
		// activity may have arrived since the scan
		if m.evict(id, ReasonTimeout, stale) {
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Shutdown stops accepting connections, tells every client, waits up to ShutdownGrace for
// them to leave and force-closes the rest in connection-id order.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.closing {
		m.closing = true
		m.drained = make(chan struct{})
		if len(m.conns) == 0 {
			close(m.drained)
		}
	}
	drained := m.drained
	m.mu.Unlock()

	conns := m.snapshot()
	m.log.Info("broadcast shutdown", logger.Int("connections", len(conns)))
	m.fanout(ctx, conns, ShutdownFrame(m.cfg.ShutdownReason))

	if m.cfg.ShutdownGrace > 0 {
		select {
		case <-drained:
		case <-ctx.Done():
		case <-m.clock.After(m.cfg.ShutdownGrace):
		}
	}

	for _, c := range m.snapshot() {
		m.OnDisconnect(c.ID, ReasonShutdown)
	}
	return ctx.Err()
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{
		Connections:   len(m.conns),
		Subscriptions: m.subCount,
		Symbols:       make(map[string]int, len(m.index)),
		ShuttingDown:  m.closing,
	}
	for s, set := range m.index {
		st.Symbols[s] = len(set)
	}
	return st
}

// Subscriptions lists the symbols held by a connection, sorted.
func (m *Manager) Subscriptions(connID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connID]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	out := make([]string, 0, len(c.subscriptions))
	for s := range c.subscriptions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// Subscribers lists the connections subscribed to symbol, sorted.
func (m *Manager) Subscribers(symbol string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.index[symbol]))
	for id := range m.index[symbol] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// evict removes connID when keep is nil or returns true for it.
func (m *Manager) evict(connID, reason string, keep func(*Connection) bool) bool {
	m.mu.Lock()
	c, ok := m.conns[connID]
	if !ok || (keep != nil && !keep(c)) {
		m.mu.Unlock()
		return false
	}
	for s := range c.subscriptions {
		m.dropIndexLocked(s, connID)
	}
	m.subCount -= len(c.subscriptions)
	c.subscriptions = make(map[string]struct{})
	delete(m.conns, connID)
	if m.perSource[c.Source]--; m.perSource[c.Source] <= 0 {
		delete(m.perSource, c.Source)
	}
	if m.closing && len(m.conns) == 0 {
		select {
		case <-m.drained:
		default:
			close(m.drained)
		}
	}
	active, subs := len(m.conns), m.subCount
	m.mu.Unlock()

	if err := c.close(reason); err != nil {
		m.log.Debug("close sink", logger.String("connection_id", connID), logger.Error(err))
	}
	m.metrics.RecordConnections(active, subs)
	m.metrics.RecordEviction(reason)
	m.log.Debug("connection removed", logger.String("connection_id", connID), logger.String("reason", reason))
	return true
}

func (m *Manager) dropIndexLocked(symbol, connID string) {
	set := m.index[symbol]
	delete(set, connID)
	if len(set) == 0 {
		delete(m.index, symbol)
	}
}

// snapshot returns live connections sorted by id.
func (m *Manager) snapshot() []*Connection {
	m.mu.RLock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// normalize deduplicates symbols and rejects the batch if any is invalid.
func normalize(symbols []string) ([]string, error) {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	var invalid []string
	for _, s := range symbols {
		if !ValidSymbol(s) {
			invalid = append(invalid, s)
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(invalid) > 0 {
		return nil, &InvalidSymbolsError{Symbols: invalid}
	}
	sort.Strings(out)
	return out, nil
}

func sourceOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
