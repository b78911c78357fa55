package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"CoherencePulse/internal/domain/models"
	"CoherencePulse/internal/domain/repository"
	pkgch "CoherencePulse/pkg/clickhouse"
	applogger "CoherencePulse/pkg/logger"
	"CoherencePulse/pkg/util"
)

// insertChunk caps rows per multi-row INSERT.
const insertChunk = 2000

const (
	scoreColumns = "ts, symbol, psi, rho, q, f, composite"
	alertColumns = "ts, id, symbol, severity, exceeded, psi, rho, q, f, composite"
)

// ClickHouseEventStore implements repository.EventStore with two MergeTree tables.
type ClickHouseEventStore struct {
	db       *sql.DB
	database string
	ttl      time.Duration
	clock    clockwork.Clock
	l        *applogger.Logger
}

var _ repository.EventStore = (*ClickHouseEventStore)(nil)

// NewClickHouseEventStore keeps rows for ttl (0 keeps them forever).
func NewClickHouseEventStore(ch *pkgch.Client, ttl time.Duration, l *applogger.Logger) *ClickHouseEventStore {
	if l == nil {
		l = applogger.Nop()
	}
	return &ClickHouseEventStore{
		db:       ch.DB(),
		database: ch.Database(),
		ttl:      ttl,
		clock:    clockwork.NewRealClock(),
		l:        l.With(applogger.String("component", "event-store")),
	}
}

func (s *ClickHouseEventStore) scoresTable() string { return s.database + ".scores" }
func (s *ClickHouseEventStore) alertsTable() string { return s.database + ".alerts" }

// Init creates the database and tables when missing.
func (s *ClickHouseEventStore) Init(ctx context.Context) error {
	stmts := schema(s.database, s.ttl)
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	s.l.Info("clickhouse schema ready", applogger.String("database", s.database))
	return nil
}

func schema(database string, ttl time.Duration) []string {
	ttlClause := ""
	if ttl > 0 {
		ttlClause = fmt.Sprintf(" TTL toDateTime(ts) + INTERVAL %d SECOND", int64(ttl.Seconds()))
	}
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.scores (
    ts        DateTime64(3, 'UTC'),
    symbol    LowCardinality(String),
    psi       Float64,
    rho       Float64,
    q         Float64,
    f         Float64,
    composite Float64
) ENGINE = MergeTree
PARTITION BY toYYYYMMDD(ts)
ORDER BY (symbol, ts)%s`, database, ttlClause),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.alerts (
    ts        DateTime64(3, 'UTC'),
    id        String,
    symbol    LowCardinality(String),
    severity  LowCardinality(String),
    exceeded  Array(String),
    psi       Float64,
    rho       Float64,
    q         Float64,
    f         Float64,
    composite Float64
) ENGINE = MergeTree
PARTITION BY toYYYYMMDD(ts)
ORDER BY (symbol, ts)%s`, database, ttlClause),
	}
}

// AppendScores inserts scores in multi-row chunks.
func (s *ClickHouseEventStore) AppendScores(ctx context.Context, scores []models.CoherenceScore) error {
	return insertChunks(ctx, s.db, s.scoresTable(), scoreColumns, 7, len(scores), func(i int) []interface{} {
		sc := scores[i]
		return []interface{}{sc.Timestamp.UTC(), sc.Symbol, sc.Psi, sc.Rho, sc.Q, sc.F, sc.Composite}
	})
}

// AppendAlerts inserts alerts in multi-row chunks.
func (s *ClickHouseEventStore) AppendAlerts(ctx context.Context, alerts []models.Alert) error {
	return insertChunks(ctx, s.db, s.alertsTable(), alertColumns, 10, len(alerts), func(i int) []interface{} {
		a := alerts[i]
		return []interface{}{
			a.Timestamp.UTC(), a.ID, a.Symbol, a.Severity.String(), dimensionNames(a.Exceeded),
			a.Score.Psi, a.Score.Rho, a.Score.Q, a.Score.F, a.Score.Composite,
		}
	})
}

func insertChunks(ctx context.Context, db *sql.DB, table, columns string, width, n int, row func(int) []interface{}) error {
	for start := 0; start < n; start += insertChunk {
		end := start + insertChunk
		if end > n {
			end = n
		}
		q, args := insertQuery(table, columns, width, start, end, row)
		if _, err := db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return nil
}

func insertQuery(table, columns string, width, start, end int, row func(int) []interface{}) (string, []interface{}) {
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", width), ", ") + ")"
	values := make([]string, 0, end-start)
	args := make([]interface{}, 0, (end-start)*width)
	for i := start; i < end; i++ {
		values = append(values, placeholder)
		args = append(args, row(i)...)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", table, columns, strings.Join(values, ",")), args
}

// QueryScores returns up to limit scores of symbol newer than now-window, newest first.
func (s *ClickHouseEventStore) QueryScores(ctx context.Context, symbol string, window time.Duration, limit int) ([]models.CoherenceScore, error) {
	start := time.Now()
	q := fmt.Sprintf("SELECT %s FROM %s WHERE symbol = ? AND ts >= ? ORDER BY ts DESC LIMIT ?", scoreColumns, s.scoresTable())
	rows, err := s.db.QueryContext(ctx, q, symbol, util.WindowStart(s.clock.Now(), window).UTC(), limit)
	if err != nil {
		s.l.Error("clickhouse query_scores error", applogger.String("symbol", symbol), applogger.Error(err))
		return nil, fmt.Errorf("query scores: %w", err)
	}
	defer rows.Close()

	out := make([]models.CoherenceScore, 0, limit)
	for rows.Next() {
		var sc models.CoherenceScore
		if err := rows.Scan(&sc.Timestamp, &sc.Symbol, &sc.Psi, &sc.Rho, &sc.Q, &sc.F, &sc.Composite); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	s.l.Debug("clickhouse query_scores ok",
		applogger.String("symbol", symbol),
		applogger.Int("rows", len(out)),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return out, nil
}

// QueryAlerts returns up to limit alerts newer than now-window, newest first. An empty
// symbol matches every symbol.
func (s *ClickHouseEventStore) QueryAlerts(ctx context.Context, symbol string, window time.Duration, limit int) ([]models.Alert, error) {
	start := time.Now()
	where := "ts >= ?"
	args := []interface{}{util.WindowStart(s.clock.Now(), window).UTC()}
	if symbol != "" {
		where = "symbol = ? AND " + where
		args = append([]interface{}{symbol}, args...)
	}
	args = append(args, limit)
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY ts DESC LIMIT ?", alertColumns, s.alertsTable(), where)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		s.l.Error("clickhouse query_alerts error", applogger.String("symbol", symbol), applogger.Error(err))
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	out := make([]models.Alert, 0, limit)
	for rows.Next() {
		var (
			a        models.Alert
			severity string
			exceeded []string
		)
		if err := rows.Scan(&a.Timestamp, &a.ID, &a.Symbol, &severity, &exceeded,
			&a.Score.Psi, &a.Score.Rho, &a.Score.Q, &a.Score.F, &a.Score.Composite); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		if err := a.Severity.UnmarshalText([]byte(severity)); err != nil {
			return nil, fmt.Errorf("scan alert %s: %w", a.ID, err)
		}
		a.Exceeded = make([]models.Dimension, len(exceeded))
		for i, d := range exceeded {
			a.Exceeded[i] = models.Dimension(d)
		}
		a.Score.Symbol = a.Symbol
		a.Score.Timestamp = a.Timestamp
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	s.l.Debug("clickhouse query_alerts ok",
		applogger.String("symbol", symbol),
		applogger.Int("rows", len(out)),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return out, nil
}

func (s *ClickHouseEventStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the pool belongs to pkg/clickhouse.Client.
func (s *ClickHouseEventStore) Close() error {
	return nil
}

func dimensionNames(ds []models.Dimension) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = string(d)
	}
	return out
}
