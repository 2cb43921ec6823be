package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sorami-ai/sorami/internal/model"
)

const runColumns = `id, workspace_id, dataset_id, name, status, progress,
	config, results, artifact_key, error_message, created_at, started_at,
	completed_at, updated_at`

// maxErrorMessageLen bounds stored failure messages; engine tracebacks
// can run to megabytes.
const maxErrorMessageLen = 2000

// CreateRun inserts a new model run and its queue job in one
// transaction, so a visible run always has a job and vice versa.
func (db *DB) CreateRun(ctx context.Context, workspaceID, datasetID uuid.UUID, name string, cfg model.RunConfig) (model.ModelRun, error) {
	now := time.Now().UTC()
	run := model.ModelRun{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		DatasetID:   datasetID,
		Name:        name,
		Status:      model.RunStatusQueued,
		Config:      cfg,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.ModelRun{}, fmt.Errorf("storage: begin create run: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO model_runs (id, workspace_id, dataset_id, name, status, progress, config, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.WorkspaceID, run.DatasetID, run.Name, string(run.Status), run.Progress, run.Config, run.CreatedAt, run.UpdatedAt,
	); err != nil {
		return model.ModelRun{}, fmt.Errorf("storage: create run: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO run_jobs (run_id, workspace_id, created_at) VALUES ($1, $2, $3)`,
		run.ID, run.WorkspaceID, now,
	); err != nil {
		return model.ModelRun{}, fmt.Errorf("storage: enqueue run job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.ModelRun{}, fmt.Errorf("storage: commit create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID, scoped to the given workspace.
func (db *DB) GetRun(ctx context.Context, workspaceID, id uuid.UUID) (model.ModelRun, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM model_runs WHERE id = $1 AND workspace_id = $2`,
		id, workspaceID,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ModelRun{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.ModelRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs in a workspace, newest first, optionally
// filtered to one dataset.
func (db *DB) ListRuns(ctx context.Context, workspaceID uuid.UUID, datasetID *uuid.UUID) ([]model.ModelRun, error) {
	query := `SELECT ` + runColumns + ` FROM model_runs WHERE workspace_id = $1`
	args := []any{workspaceID}
	if datasetID != nil {
		query += ` AND dataset_id = $2`
		args = append(args, *datasetID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.ModelRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and its queue job (via cascade).
func (db *DB) DeleteRun(ctx context.Context, workspaceID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM model_runs WHERE id = $1 AND workspace_id = $2`, id, workspaceID,
	)
	if err != nil {
		return fmt.Errorf("storage: delete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateRunStage advances a run's status and progress. The update is
// refused when the run is terminal or the status would move backward,
// and progress can only grow, so a stale worker cannot rewind a run
// another worker has moved past.
func (db *DB) UpdateRunStage(ctx context.Context, id uuid.UUID, status model.RunStatus, progress int) error {
	rank := status.Rank()
	if rank < 0 {
		return fmt.Errorf("storage: unknown run status %q", status)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE model_runs
		 SET status = $2,
		     progress = GREATEST(progress, $3),
		     started_at = CASE WHEN started_at IS NULL AND $2 <> 'queued' THEN now() ELSE started_at END,
		     updated_at = now()
		 WHERE id = $1
		   AND status NOT IN ('completed', 'failed')
		   AND CASE status
		         WHEN 'queued' THEN 0
		         WHEN 'preprocessing' THEN 1
		         WHEN 'building' THEN 2
		         WHEN 'fitting' THEN 3
		         WHEN 'postprocessing' THEN 4
		       END <= $4`,
		id, string(status), progress, rank,
	)
	if err != nil {
		return fmt.Errorf("storage: update run stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s not updatable to %s", id, status)
	}
	return nil
}

// MarkRunCompleted stores the unified results and artifact key and moves
// the run to completed at 100%.
func (db *DB) MarkRunCompleted(ctx context.Context, id uuid.UUID, results model.UnifiedResults, artifactKey *string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE model_runs
		 SET status = 'completed', progress = 100, results = $2, artifact_key = $3,
		     error_message = NULL, completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		id, results, artifactKey,
	)
	if err != nil {
		return fmt.Errorf("storage: mark run completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s not updatable to completed", id)
	}
	return nil
}

// MarkRunFailed records a failure. The message is truncated to a stored
// maximum. Completed runs are left alone.
func (db *DB) MarkRunFailed(ctx context.Context, id uuid.UUID, message string) error {
	message = truncateError(message)
	tag, err := db.pool.Exec(ctx,
		`UPDATE model_runs
		 SET status = 'failed', error_message = $2, completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status <> 'completed'`,
		id, message,
	)
	if err != nil {
		return fmt.Errorf("storage: mark run failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s not updatable to failed", id)
	}
	return nil
}

func truncateError(message string) string {
	runes := []rune(message)
	if len(runes) <= maxErrorMessageLen {
		return message
	}
	return string(runes[:maxErrorMessageLen])
}

func scanRun(row pgx.Row) (model.ModelRun, error) {
	var run model.ModelRun
	err := row.Scan(
		&run.ID, &run.WorkspaceID, &run.DatasetID, &run.Name, &run.Status,
		&run.Progress, &run.Config, &run.Results, &run.ArtifactKey,
		&run.ErrorMessage, &run.CreatedAt, &run.StartedAt, &run.CompletedAt,
		&run.UpdatedAt,
	)
	return run, err
}
