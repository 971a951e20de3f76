package backfill

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Run statuses.
const (
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

// Run is one recorded backfill invocation.
type Run struct {
	ID             string     `json:"id"`
	ModelVersion   int        `json:"model_version"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	PendingAtStart int        `json:"pending_at_start"`
	Inserted       int        `json:"inserted"`
	Failed         int        `json:"failed"`
	Status         string     `json:"status"`
	Error          string     `json:"error,omitempty"`
}

func startRun(ctx context.Context, db *sql.DB, run *Run) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO backfill_runs (id, model_ver, started_at, pending_at_start, status)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, run.ModelVersion, run.StartedAt.Unix(), run.PendingAtStart, run.Status)
	if err != nil {
		return fmt.Errorf("failed to record backfill run: %w", err)
	}
	return nil
}

// finishRun uses a fresh context so that a cancelled run is still recorded.
func finishRun(db *sql.DB, run *Run) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var finished int64
	if run.FinishedAt != nil {
		finished = run.FinishedAt.Unix()
	}
	_, err := db.ExecContext(ctx, `
		UPDATE backfill_runs
		SET finished_at = ?, inserted = ?, failed = ?, status = ?, error = ?
		WHERE id = ?
	`, finished, run.Inserted, run.Failed, run.Status, nullIfEmpty(run.Error), run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish backfill run: %w", err)
	}
	return nil
}

// LatestRun returns the most recently started run, or nil if none.
func LatestRun(ctx context.Context, db *sql.DB) (*Run, error) {
	var (
		run      Run
		started  int64
		finished sql.NullInt64
		errText  sql.NullString
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, model_ver, started_at, finished_at, pending_at_start, inserted, failed, status, error
		FROM backfill_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1
	`).Scan(&run.ID, &run.ModelVersion, &started, &finished, &run.PendingAtStart,
		&run.Inserted, &run.Failed, &run.Status, &errText)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backfill runs: %w", err)
	}
	run.StartedAt = time.Unix(started, 0).UTC()
	if finished.Valid && finished.Int64 > 0 {
		t := time.Unix(finished.Int64, 0).UTC()
		run.FinishedAt = &t
	}
	run.Error = errText.String
	return &run, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
