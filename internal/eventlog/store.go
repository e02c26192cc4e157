// Package eventlog persists the cache and PWA event stream to SQLite or
// Postgres so operators can inspect what the cache did after the fact.
// Only event metadata is stored; cached response bodies never leave memory.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Entry is one persisted bus event.
type Entry struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	Endpoint  string    `json:"endpoint,omitempty"`
	CacheKey  string    `json:"cache_key,omitempty"`
	Count     int       `json:"count,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Query filters List results.
type Query struct {
	Limit    int
	Offset   int
	Type     string
	Endpoint string
	Since    *time.Time
}

// ListResult is a page of entries plus the total matching count.
type ListResult struct {
	Total int     `json:"total"`
	Data  []Entry `json:"data"`
}

// MaintenanceQuery selects entries to delete.
type MaintenanceQuery struct {
	Before *time.Time
	Type   string
}

// Writer persists entries.
type Writer interface {
	Write(ctx context.Context, entry Entry) error
}

// Store is a Writer that can also be queried and pruned.
type Store interface {
	Writer
	List(ctx context.Context, q Query) (ListResult, error)
	Delete(ctx context.Context, q MaintenanceQuery) (int64, error)
	Close() error
}

// SQLWriter persists entries to SQLite/Postgres.
type SQLWriter struct {
	db      *sql.DB
	dialect string
}

// Open returns a SQLWriter for driver "sqlite" (default) or "postgres".
func Open(driver, dsn string) (*SQLWriter, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return NewSQLiteWriter(dsn)
	case "postgres", "postgresql":
		return NewPostgresWriter(dsn)
	default:
		return nil, fmt.Errorf("unsupported event log driver %q", driver)
	}
}

// NewSQLiteWriter opens (creating if needed) a SQLite event log.
func NewSQLiteWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "apicache-events.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite event log: %w", err)
	}
	// Serialize writers on the single SQLite file.
	db.SetMaxOpenConns(1)
	w := &SQLWriter{db: db, dialect: "sqlite"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

// NewPostgresWriter opens a Postgres event log.
func NewPostgresWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres event log: %w", err)
	}
	w := &SQLWriter{db: db, dialect: "postgres"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLWriter) init() error {
	if err := w.db.Ping(); err != nil {
		return fmt.Errorf("ping %s event log: %w", w.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS cache_events (
	id INTEGER PRIMARY KEY,
	event_id TEXT NOT NULL,
	type TEXT NOT NULL,
	endpoint TEXT,
	cache_key TEXT,
	count INTEGER NOT NULL,
	detail TEXT,
	created_at TIMESTAMP NOT NULL
);`

	if w.dialect == "postgres" {
		ddl = `
CREATE TABLE IF NOT EXISTS cache_events (
	id BIGSERIAL PRIMARY KEY,
	event_id TEXT NOT NULL,
	type TEXT NOT NULL,
	endpoint TEXT,
	cache_key TEXT,
	count INTEGER NOT NULL,
	detail TEXT,
	created_at TIMESTAMPTZ NOT NULL
);`
	}

	if _, err := w.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize event log schema: %w", err)
	}
	if _, err := w.db.Exec(`CREATE INDEX IF NOT EXISTS idx_cache_events_created_at ON cache_events(created_at)`); err != nil {
		return fmt.Errorf("initialize event log index: %w", err)
	}
	return nil
}

// Write implements Writer.
func (w *SQLWriter) Write(ctx context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := w.rebind(`INSERT INTO cache_events(event_id, type, endpoint, cache_key, count, detail, created_at)
	VALUES(?, ?, ?, ?, ?, ?, ?)`)

	_, err := w.db.ExecContext(ctx, query,
		entry.EventID,
		entry.Type,
		entry.Endpoint,
		entry.CacheKey,
		entry.Count,
		entry.Detail,
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("write event log: %w", err)
	}
	return nil
}

// List returns entries matching q, newest first.
func (w *SQLWriter) List(ctx context.Context, q Query) (ListResult, error) {
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 50
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	var (
		conds []string
		args  []any
	)
	if q.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, q.Type)
	}
	if q.Endpoint != "" {
		conds = append(conds, "endpoint = ?")
		args = append(args, q.Endpoint)
	}
	if q.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, q.Since.UTC())
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var out ListResult
	if err := w.db.QueryRowContext(ctx, w.rebind("SELECT COUNT(*) FROM cache_events"+where), args...).Scan(&out.Total); err != nil {
		return ListResult{}, fmt.Errorf("count event log: %w", err)
	}

	query := w.rebind("SELECT id, event_id, type, endpoint, cache_key, count, detail, created_at FROM cache_events" +
		where + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?")
	rows, err := w.db.QueryContext(ctx, query, append(args, q.Limit, q.Offset)...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list event log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out.Data = make([]Entry, 0, q.Limit)
	for rows.Next() {
		var (
			e                          Entry
			endpoint, cacheKey, detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.EventID, &e.Type, &endpoint, &cacheKey, &e.Count, &detail, &e.CreatedAt); err != nil {
			return ListResult{}, fmt.Errorf("scan event log: %w", err)
		}
		e.Endpoint, e.CacheKey, e.Detail = endpoint.String, cacheKey.String, detail.String
		out.Data = append(out.Data, e)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("iterate event log: %w", err)
	}
	return out, nil
}

// Delete removes entries matching q and returns how many were removed.
// An empty query is rejected so a typo cannot wipe the log.
func (w *SQLWriter) Delete(ctx context.Context, q MaintenanceQuery) (int64, error) {
	var (
		conds []string
		args  []any
	)
	if q.Before != nil {
		conds = append(conds, "created_at < ?")
		args = append(args, q.Before.UTC())
	}
	if q.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, q.Type)
	}
	if len(conds) == 0 {
		return 0, fmt.Errorf("delete event log: at least one filter is required")
	}

	res, err := w.db.ExecContext(ctx, w.rebind("DELETE FROM cache_events WHERE "+strings.Join(conds, " AND ")), args...)
	if err != nil {
		return 0, fmt.Errorf("delete event log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete event log: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (w *SQLWriter) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (w *SQLWriter) rebind(query string) string {
	if w.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
