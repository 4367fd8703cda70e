// Package postgres provides the database-backed execution-history store.
// Deployments without a DATABASE_URL fall back to the in-memory store.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ignite/inbox-digest/internal/digest"
	"github.com/ignite/inbox-digest/internal/pipeline"
)

// ExecutionRepo implements pipeline.ExecutionStore against PostgreSQL.
type ExecutionRepo struct{ db *sql.DB }

// NewExecutionRepo creates a Postgres-backed execution store.
func NewExecutionRepo(db *sql.DB) *ExecutionRepo { return &ExecutionRepo{db: db} }

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the executions table if it does not exist.
func (r *ExecutionRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS digest_executions (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			mode        TEXT NOT NULL,
			status      TEXT NOT NULL,
			start_date  TIMESTAMPTZ NOT NULL,
			stop_date   TIMESTAMPTZ,
			input       JSONB,
			output      JSONB,
			error       TEXT NOT NULL DEFAULT '',
			cause       TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return fmt.Errorf("ensure executions schema: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS digest_executions_start_date_idx
		ON digest_executions (start_date DESC)`)
	if err != nil {
		return fmt.Errorf("ensure executions index: %w", err)
	}
	return nil
}

func (r *ExecutionRepo) Create(ctx context.Context, rec pipeline.ExecutionRecord) error {
	input := rec.Input
	if input == nil {
		input = json.RawMessage("null")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO digest_executions (id, name, mode, status, start_date, input)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.Name, string(rec.Mode), string(rec.Status), rec.StartDate, []byte(input))
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (r *ExecutionRepo) Finish(ctx context.Context, id string, status pipeline.ExecutionStatus, output json.RawMessage, errMsg, cause string) error {
	if output == nil {
		output = json.RawMessage("null")
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE digest_executions
		SET status = $2, stop_date = $3, output = $4, error = $5, cause = $6
		WHERE id = $1
	`, id, string(status), time.Now().UTC(), []byte(output), errMsg, cause)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	return nil
}

func (r *ExecutionRepo) Get(ctx context.Context, id string) (*pipeline.ExecutionRecord, error) {
	rec := &pipeline.ExecutionRecord{}
	var (
		mode, status  string
		stopDate      sql.NullTime
		input, output []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, mode, status, start_date, stop_date,
		       COALESCE(input, 'null'), COALESCE(output, 'null'), error, cause
		FROM digest_executions
		WHERE id = $1
	`, id).Scan(&rec.ID, &rec.Name, &mode, &status, &rec.StartDate, &stopDate, &input, &output, &rec.Error, &rec.Cause)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	rec.Mode = digest.Mode(mode)
	rec.Status = pipeline.ExecutionStatus(status)
	if stopDate.Valid {
		t := stopDate.Time
		rec.StopDate = &t
	}
	rec.Input = json.RawMessage(input)
	rec.Output = json.RawMessage(output)
	return rec, nil
}

func (r *ExecutionRepo) Recent(ctx context.Context, limit int) ([]pipeline.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, mode, status, start_date, stop_date,
		       COALESCE(output, 'null'), error, cause
		FROM digest_executions
		ORDER BY start_date DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []pipeline.ExecutionRecord
	for rows.Next() {
		var (
			rec          pipeline.ExecutionRecord
			mode, status string
			stopDate     sql.NullTime
			output       []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &mode, &status, &rec.StartDate, &stopDate, &output, &rec.Error, &rec.Cause); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		rec.Mode = digest.Mode(mode)
		rec.Status = pipeline.ExecutionStatus(status)
		if stopDate.Valid {
			t := stopDate.Time
			rec.StopDate = &t
		}
		rec.Output = json.RawMessage(output)
		out = append(out, rec)
	}
	return out, rows.Err()
}
