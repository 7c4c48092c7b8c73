// Package store persists autonomy transitions, reauthorization requests and
// governance records in SQLite or Postgres.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/foreman/pkg/autonomy"
	"github.com/Mindburn-Labs/foreman/pkg/governance"
)

// Dialect selects placeholder and DDL flavour.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// ParseDialect accepts the driver names used in configuration.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", s)
}

// Store is a database/sql backed implementation of autonomy.TransitionStore,
// autonomy.RequestStore and governance.RecordStore.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var (
	_ autonomy.TransitionStore = (*Store)(nil)
	_ autonomy.RequestStore    = (*Store)(nil)
	_ governance.RecordStore   = (*Store)(nil)
)

// Open connects with the driver for dialect and migrates the schema.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == SQLite {
		// One writer; also keeps :memory: databases on a single connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	s := New(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database. Call Migrate before use.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS autonomy_transitions (
		sequence BIGINT PRIMARY KEY,
		id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		cause TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		ts TEXT NOT NULL,
		content_hash TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reauthorization_requests (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		raised_at TEXT NOT NULL,
		body TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS governance_records (
		sequence BIGINT PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		ts TEXT NOT NULL,
		event_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		description TEXT NOT NULL,
		metadata TEXT,
		previous_hash TEXT NOT NULL,
		hash TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		status_code INTEGER NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		cached_at TEXT NOT NULL
	)`,
}

// Migrate creates missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
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

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return t.UTC(), nil
}

// AppendTransition inserts one transition. A duplicate sequence fails.
func (s *Store) AppendTransition(ctx context.Context, t autonomy.Transition) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO autonomy_transitions
		(sequence, id, from_state, to_state, cause, actor_id, reason, ts, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		int64(t.Sequence), t.ID, string(t.From), string(t.To), t.Cause, t.ActorID, t.Reason, formatTime(t.Timestamp), t.ContentHash)
	if err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}
	return nil
}

// LoadTransitions returns every transition in sequence order.
func (s *Store) LoadTransitions(ctx context.Context) ([]autonomy.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sequence, id, from_state, to_state, cause, actor_id, reason, ts, content_hash
		FROM autonomy_transitions ORDER BY sequence`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []autonomy.Transition
	for rows.Next() {
		var (
			t        autonomy.Transition
			seq      int64
			from, to string
			ts       string
		)
		if err := rows.Scan(&seq, &t.ID, &from, &to, &t.Cause, &t.ActorID, &t.Reason, &ts, &t.ContentHash); err != nil {
			return nil, err
		}
		t.Sequence = uint64(seq)
		t.From, t.To = autonomy.State(from), autonomy.State(to)
		if t.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveRequest inserts or replaces a reauthorization request.
func (s *Store) SaveRequest(ctx context.Context, r autonomy.Request) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO reauthorization_requests (id, status, raised_at, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, body = excluded.body`),
		r.ID, string(r.Status), formatTime(r.RaisedAt), string(body))
	if err != nil {
		return fmt.Errorf("failed to save request: %w", err)
	}
	return nil
}

// LoadRequests returns every request, oldest first.
func (s *Store) LoadRequests(ctx context.Context) ([]autonomy.Request, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM reauthorization_requests ORDER BY raised_at, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []autonomy.Request
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r autonomy.Request
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendRecord inserts one governance record.
func (s *Store) AppendRecord(ctx context.Context, rec governance.Record) error {
	var meta sql.NullString
	if len(rec.Metadata) > 0 {
		raw, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO governance_records
		(sequence, id, ts, event_type, severity, description, metadata, previous_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		int64(rec.Sequence), rec.ID, formatTime(rec.Timestamp), string(rec.Type), string(rec.Severity),
		rec.Description, meta, rec.PreviousHash, rec.Hash)
	if err != nil {
		return fmt.Errorf("failed to insert governance record: %w", err)
	}
	return nil
}

// LoadRecords returns the full chain in sequence order.
func (s *Store) LoadRecords(ctx context.Context) ([]governance.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sequence, id, ts, event_type, severity, description, metadata, previous_hash, hash
		FROM governance_records ORDER BY sequence`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []governance.Record
	for rows.Next() {
		var (
			rec      governance.Record
			seq      int64
			ts       string
			typ, sev string
			meta     sql.NullString
		)
		if err := rows.Scan(&seq, &rec.ID, &ts, &typ, &sev, &rec.Description, &meta, &rec.PreviousHash, &rec.Hash); err != nil {
			return nil, err
		}
		rec.Sequence = uint64(seq)
		rec.Type, rec.Severity = governance.EventType(typ), governance.Severity(sev)
		if rec.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of record %d: %w", seq, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("store not open")
	}
	return s.db.PingContext(ctx)
}
