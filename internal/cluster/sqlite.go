package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	ct "github.com/google/certificate-transparency-go"
	"github.com/prometheus/client_golang/prometheus"
)

// SQLiteTreeHeadDB persists the Serving STH in a local SQLite database, so
// the node can keep serving its last known tree head across restarts and
// coordination store outages.
type SQLiteTreeHeadDB struct {
	mu       sync.Mutex
	conn     *sqlite.Conn
	duration prometheus.Summary
	log      *slog.Logger
}

func NewSQLiteTreeHeadDB(ctx context.Context, path string, l *slog.Logger) (*SQLiteTreeHeadDB, error) {
	duration := prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name:       "sqlite_tree_head_write_duration_seconds",
			Help:       "Duration of tree head writes to the local database.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			MaxAge:     1 * time.Minute,
			AgeBuckets: 6,
		},
	)

	conn, err := sqlite.OpenConn(path, sqlite.OpenFlagsDefault)
	if err != nil {
		return nil, fmt.Errorf("failed to open tree head database: %w", err)
	}
	if err := sqlitex.ExecTransient(conn, "PRAGMA synchronous = FULL", nil); err != nil {
		conn.Close()
		return nil, err
	}
	if err := sqlitex.ExecScript(conn, `
		CREATE TABLE IF NOT EXISTS tree_heads (
			id INTEGER PRIMARY KEY CHECK (id = 0),
			timestamp INTEGER NOT NULL,
			tree_size INTEGER NOT NULL,
			body BLOB NOT NULL
		);
	`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize tree head database: %w", err)
	}

	return &SQLiteTreeHeadDB{
		conn:     conn,
		duration: duration,
		log:      l,
	}, nil
}

var _ TreeHeadDB = &SQLiteTreeHeadDB{}

func (b *SQLiteTreeHeadDB) LatestTreeHead(ctx context.Context) (*ct.SignedTreeHead, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var body []byte
	err := sqlitex.Exec(b.conn, "SELECT body FROM tree_heads WHERE id = 0",
		func(stmt *sqlite.Stmt) error {
			body = make([]byte, stmt.GetLen("body"))
			stmt.GetBytes("body", body)
			return nil
		})
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, ErrNoTreeHead
	}
	return unmarshalTreeHead(body)
}

func (b *SQLiteTreeHeadDB) WriteTreeHead(ctx context.Context, sth *ct.SignedTreeHead) error {
	defer prometheus.NewTimer(b.duration).ObserveDuration()
	body, err := marshalTreeHead(sth)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	err = sqlitex.Exec(b.conn, `INSERT INTO tree_heads (id, timestamp, tree_size, body)
		VALUES (0, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET timestamp = excluded.timestamp,
			tree_size = excluded.tree_size, body = excluded.body`,
		nil, int64(sth.Timestamp), int64(sth.TreeSize), body)
	if err != nil {
		return fmt.Errorf("failed to write tree head: %w", err)
	}
	return nil
}

func (b *SQLiteTreeHeadDB) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn.Close()
}

func (b *SQLiteTreeHeadDB) Metrics() []prometheus.Collector {
	return []prometheus.Collector{b.duration}
}
