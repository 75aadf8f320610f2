package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/wenhoujx/dagster/pkg/events"
)

const pqUniqueViolation = "23505"

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS run_events (
				seq BIGSERIAL PRIMARY KEY,
				event_id TEXT NOT NULL,
				run_id TEXT NOT NULL,
				step_key TEXT NOT NULL DEFAULT '',
				kind TEXT NOT NULL,
				terminal BOOLEAN NOT NULL DEFAULT FALSE,
				ts TIMESTAMPTZ NOT NULL,
				payload JSONB NOT NULL
			);
			CREATE INDEX IF NOT EXISTS run_events_run_idx ON run_events (run_id, seq);
			CREATE UNIQUE INDEX IF NOT EXISTS run_events_step_terminal
				ON run_events (run_id, step_key) WHERE terminal AND step_key <> '';
			CREATE UNIQUE INDEX IF NOT EXISTS run_events_run_terminal
				ON run_events (run_id) WHERE terminal AND step_key = '';
		`,
	}
}

// PostgresLog persists run events in PostgreSQL. The BIGSERIAL sequence
// establishes total append order; the partial unique indexes make the
// database itself reject double terminal reports.
type PostgresLog struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresLog connects, migrates, and returns the store.
func NewPostgresLog(ctx context.Context, logger *slog.Logger, databaseURL string) (*PostgresLog, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	if err := database.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresLog{db: database, logger: logger}
	if err := store.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

func (l *PostgresLog) migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var current int
	err = l.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to query current schema version: %w", err)
	}

	all := migrations()
	for version := current + 1; ; version++ {
		stmt, ok := all[version]
		if !ok {
			break
		}

		l.logger.InfoContext(ctx, "Applying event log migration", "version", version)

		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("failed to apply migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}

	return nil
}

func (l *PostgresLog) Close() error {
	if l.db != nil {
		if err := l.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (l *PostgresLog) HealthCheck(ctx context.Context) error {
	if err := l.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (l *PostgresLog) Append(ctx context.Context, ev *events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	terminal := ev.Kind.IsStepTerminal() || ev.Kind.IsRunTerminal()

	err = l.db.QueryRowContext(ctx, `
		INSERT INTO run_events (event_id, run_id, step_key, kind, terminal, ts, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq
	`, ev.ID, ev.RunID, ev.StepKey, string(ev.Kind), terminal, ev.Timestamp, payload).Scan(&ev.Seq)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return &DuplicateEventError{RunID: ev.RunID, StepKey: ev.StepKey, Kind: ev.Kind}
		}

		return fmt.Errorf("failed to append event for run %s: %w", ev.RunID, err)
	}

	return nil
}

func (l *PostgresLog) EventsFor(ctx context.Context, runID string) ([]events.Event, error) {
	return l.EventsAfter(ctx, runID, 0)
}

func (l *PostgresLog) EventsAfter(ctx context.Context, runID string, afterSeq int64) ([]events.Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, payload FROM run_events
		WHERE run_id = $1 AND seq > $2
		ORDER BY seq ASC
	`, runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []events.Event

	for rows.Next() {
		var (
			seq     int64
			payload []byte
		)

		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}

		var ev events.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
		}

		ev.Seq = seq
		out = append(out, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event rows: %w", err)
	}

	if afterSeq == 0 && len(out) == 0 {
		return nil, ErrRunNotFound
	}

	return out, nil
}
