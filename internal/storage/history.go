// Package storage persists finished workflow runs in SQLite or PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/spherical-ai/textimage/internal/domain"
	"github.com/spherical-ai/textimage/internal/workflow"
)

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// JournalMode is applied on SQLite only.
	JournalMode string
}

// Open connects to the database, applies pending migrations and returns the
// run history.
func Open(ctx context.Context, driver, dsn string, opts Options) (*RunHistory, error) {
	var sqlDriver string
	switch driver {
	case "sqlite":
		sqlDriver = "sqlite3"
	case "postgres":
		sqlDriver = "postgres"
	default:
		return nil, domain.ConfigError("unsupported database driver "+driver, nil)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, domain.StorageError("open database", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, domain.StorageError("connect to database", err)
	}
	if driver == "sqlite" && opts.JournalMode != "" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode="+opts.JournalMode); err != nil {
			_ = db.Close()
			return nil, domain.StorageError("set journal mode", err)
		}
	}

	if err := NewMigrator(db, driver).Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, domain.StorageError("migrate database", err)
	}
	return NewRunHistory(db, driver), nil
}

// RunHistory stores run snapshots. It implements workflow.History.
type RunHistory struct {
	db     *sql.DB
	driver string
}

// NewRunHistory wraps an already migrated database.
func NewRunHistory(db *sql.DB, driver string) *RunHistory {
	return &RunHistory{db: db, driver: driver}
}

// SaveRun inserts or replaces the snapshot of a run.
func (h *RunHistory) SaveRun(ctx context.Context, snap workflow.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return domain.StorageError("encode run", err)
	}

	var finishedAt sql.NullInt64
	if snap.FinishedAt != nil {
		finishedAt = sql.NullInt64{Int64: snap.FinishedAt.UnixNano(), Valid: true}
	}

	query := `
		INSERT INTO runs (id, prompt, intended_text, status, reason, iterations, snapshot, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			intended_text = excluded.intended_text,
			status = excluded.status,
			reason = excluded.reason,
			iterations = excluded.iterations,
			snapshot = excluded.snapshot,
			finished_at = excluded.finished_at
	`
	_, err = h.db.ExecContext(ctx, rebind(h.driver, query),
		snap.ID, snap.Request.Prompt, snap.IntendedText, string(snap.Status), string(snap.Reason),
		len(snap.Iterations), string(body), snap.CreatedAt.UnixNano(), finishedAt,
	)
	if err != nil {
		return domain.StorageError("save run "+snap.ID, err)
	}
	return nil
}

// GetRun loads a run by ID. Unknown IDs yield workflow.ErrRunNotFound.
func (h *RunHistory) GetRun(ctx context.Context, id string) (workflow.Snapshot, error) {
	var body []byte
	err := h.db.QueryRowContext(ctx, rebind(h.driver, "SELECT snapshot FROM runs WHERE id = ?"), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Snapshot{}, workflow.ErrRunNotFound
	}
	if err != nil {
		return workflow.Snapshot{}, domain.StorageError("load run "+id, err)
	}
	return decodeSnapshot(body)
}

// ListRuns returns the most recently created runs first.
func (h *RunHistory) ListRuns(ctx context.Context, limit int) ([]workflow.Snapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.QueryContext(ctx, rebind(h.driver, "SELECT snapshot FROM runs ORDER BY created_at DESC LIMIT ?"), limit)
	if err != nil {
		return nil, domain.StorageError("list runs", err)
	}
	defer rows.Close()

	var out []workflow.Snapshot
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, domain.StorageError("scan run", err)
		}
		snap, err := decodeSnapshot(body)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StorageError("list runs", err)
	}
	return out, nil
}

// CountByStatus returns the number of stored runs per status.
func (h *RunHistory) CountByStatus(ctx context.Context) (map[workflow.Status]int, error) {
	rows, err := h.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM runs GROUP BY status")
	if err != nil {
		return nil, domain.StorageError("count runs", err)
	}
	defer rows.Close()

	out := map[workflow.Status]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, domain.StorageError("scan run count", err)
		}
		out[workflow.Status(status)] = n
	}
	return out, rows.Err()
}

// Ping checks the connection.
func (h *RunHistory) Ping(ctx context.Context) error {
	return h.db.PingContext(ctx)
}

// Close closes the database.
func (h *RunHistory) Close() error {
	return h.db.Close()
}

func decodeSnapshot(body []byte) (workflow.Snapshot, error) {
	var snap workflow.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return workflow.Snapshot{}, domain.StorageError("decode run", err)
	}
	return snap, nil
}

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func rebind(driver, query string) string {
	if driver != "postgres" {
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

var _ workflow.History = (*RunHistory)(nil)
