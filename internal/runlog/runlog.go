// Package runlog records pipeline runs in Postgres.
package runlog

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nucleus/source-pipeline/internal/orchestrator"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusPublished = "published"
	StatusFailed    = "failed"
)

const ddl = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
  run_id text PRIMARY KEY,
  started_at timestamptz NOT NULL,
  finished_at timestamptz,
  status text NOT NULL,
  sources integer NOT NULL DEFAULT 0,
  cached integer NOT NULL DEFAULT 0,
  reused integer NOT NULL DEFAULT 0,
  conformed integer NOT NULL DEFAULT 0,
  error text
);
ALTER TABLE pipeline_runs ADD COLUMN IF NOT EXISTS archive text;
`

// Run is one row of the ledger.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Sources    int
	Cached     int
	Reused     int
	Conformed  int
	Error      string
	Archive    string
}

// Recorder writes run history to Postgres.
type Recorder struct {
	db *sql.DB
}

var _ orchestrator.RunRecorder = (*Recorder)(nil)

// Open connects through the pgx stdlib driver and ensures the table exists.
func Open(ctx context.Context, dsn string) (*Recorder, error) {
	if dsn == "" {
		return nil, errors.New("run ledger DSN is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open run ledger")
	}
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to reach run ledger")
	}
	rec, err := NewWithDB(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return rec, nil
}

// NewWithDB reuses an existing *sql.DB.
func NewWithDB(ctx context.Context, db *sql.DB) (*Recorder, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, errors.Wrap(err, "failed to create pipeline_runs")
	}
	return &Recorder{db: db}, nil
}

// Started inserts a running row.
func (r *Recorder) Started(ctx context.Context, runID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (run_id, started_at, status) VALUES ($1, $2, $3)`,
		runID, at.UTC(), StatusRunning)
	return errors.Wrapf(err, "failed to record start of run %s", runID)
}

// Finished stores the outcome of a run.
func (r *Recorder) Finished(ctx context.Context, summary orchestrator.Summary, runErr error) error {
	status := StatusPublished
	var errText sql.NullString
	if runErr != nil {
		status = StatusFailed
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}
	archive := sql.NullString{String: summary.Archive, Valid: summary.Archive != ""}
	finished := summary.Started.Add(summary.Duration).UTC()
	_, err := r.db.ExecContext(ctx,
		`UPDATE pipeline_runs
		    SET finished_at = $2, status = $3, sources = $4, cached = $5, reused = $6, conformed = $7, error = $8, archive = $9
		  WHERE run_id = $1`,
		summary.RunID, finished, status, summary.Sources, summary.Cached, summary.Reused, summary.Conformed, errText, archive)
	return errors.Wrapf(err, "failed to record result of run %s", summary.RunID)
}

// Recent returns the latest runs, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT run_id, started_at, finished_at, status, sources, cached, reused, conformed, COALESCE(error, ''), COALESCE(archive, '')
		   FROM pipeline_runs
		  ORDER BY started_at DESC
		  LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run      Run
			finished sql.NullTime
		)
		if err := rows.Scan(&run.ID, &run.StartedAt, &finished, &run.Status,
			&run.Sources, &run.Cached, &run.Reused, &run.Conformed, &run.Error, &run.Archive); err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, errors.Wrap(rows.Err(), "failed to read runs")
}

// Close releases the connection pool.
func (r *Recorder) Close() error {
	return r.db.Close()
}
