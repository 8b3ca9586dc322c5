// Package postgres stores the usage ledger, the delivery log and run
// summaries in PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of *pgxpool.Pool the stores use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Connect opens a pool and verifies it.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		run_id        TEXT NOT NULL DEFAULT '',
		task_type     TEXT NOT NULL,
		capability    TEXT NOT NULL,
		attempt       INT NOT NULL,
		input_tokens  INT NOT NULL,
		output_tokens INT NOT NULL,
		cost_usd      DOUBLE PRECISION NOT NULL,
		duration_ms   BIGINT NOT NULL,
		success       BOOLEAN NOT NULL,
		error         TEXT NOT NULL DEFAULT '',
		entity_id     TEXT NOT NULL DEFAULT '',
		ts            TIMESTAMPTZ NOT NULL
	)`,
	`ALTER TABLE usage_records ADD COLUMN IF NOT EXISTS status INT NOT NULL DEFAULT 0`,
	`ALTER TABLE usage_records ADD COLUMN IF NOT EXISTS failure_class TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE usage_records ADD COLUMN IF NOT EXISTS transient BOOLEAN NOT NULL DEFAULT FALSE`,
	`CREATE INDEX IF NOT EXISTS usage_records_ts_idx ON usage_records (ts)`,
	`CREATE TABLE IF NOT EXISTS delivery_attempts (
		id           TEXT PRIMARY KEY,
		message_id   TEXT NOT NULL,
		channel      TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		message_hash TEXT NOT NULL,
		ts           TIMESTAMPTZ NOT NULL,
		success      BOOLEAN NOT NULL,
		error        TEXT NOT NULL DEFAULT '',
		permanent    BOOLEAN NOT NULL DEFAULT FALSE,
		retry        INT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS delivery_attempts_recipient_idx ON delivery_attempts (recipient_id, ts)`,
	`CREATE TABLE IF NOT EXISTS escalation_events (
		id                  TEXT PRIMARY KEY,
		source_attempt_id   TEXT NOT NULL DEFAULT '',
		source_recipient_id TEXT NOT NULL,
		target_recipient_id TEXT NOT NULL,
		message_id          TEXT NOT NULL,
		original_message_id TEXT NOT NULL,
		ts                  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		id          TEXT PRIMARY KEY,
		pipeline_id TEXT NOT NULL,
		status      TEXT NOT NULL,
		run_trigger TEXT NOT NULL DEFAULT '',
		started_at  TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL,
		timed_out   BOOLEAN NOT NULL DEFAULT FALSE,
		record      JSONB NOT NULL,
		stages      JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS pipeline_runs_started_idx ON pipeline_runs (started_at)`,
}

// Migrate creates the tables when they do not exist.
func Migrate(ctx context.Context, db DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// where builds a conjunction of conditions with positional arguments.
type where struct {
	conds []string
	args  []any
}

func (w *where) eq(column, value string) {
	if value == "" {
		return
	}
	w.args = append(w.args, value)
	w.conds = append(w.conds, fmt.Sprintf("%s = $%d", column, len(w.args)))
}

func (w *where) window(column string, since, until time.Time) {
	if !since.IsZero() {
		w.args = append(w.args, since)
		w.conds = append(w.conds, fmt.Sprintf("%s >= $%d", column, len(w.args)))
	}
	if !until.IsZero() {
		w.args = append(w.args, until)
		w.conds = append(w.conds, fmt.Sprintf("%s < $%d", column, len(w.args)))
	}
}

func (w *where) or(columns []string, value string) {
	if value == "" {
		return
	}
	w.args = append(w.args, value)
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = fmt.Sprintf("%s = $%d", c, len(w.args))
	}
	w.conds = append(w.conds, "("+strings.Join(parts, " OR ")+")")
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func sendBatch(ctx context.Context, db DB, b *pgx.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	br := db.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	return br.Close()
}
