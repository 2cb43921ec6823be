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

// ClaimRunJob picks the oldest claimable job, increments its attempt
// counter and leases it for leaseFor. FOR UPDATE SKIP LOCKED keeps
// concurrent workers from fighting over the same row. Returns nil when
// no job is claimable.
//
// The lease must outlive the longest expected run; an expired lease
// makes the job claimable again even though the original worker may
// still be executing, and the stage-update guards arbitrate from there.
func (db *DB) ClaimRunJob(ctx context.Context, leaseFor time.Duration, maxAttempts int) (*model.RunJob, error) {
	var job *model.RunJob
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		row := db.pool.QueryRow(ctx,
			`WITH next_job AS (
			     SELECT run_id FROM run_jobs
			     WHERE (locked_until IS NULL OR locked_until < now())
			       AND attempts < $2
			     ORDER BY created_at ASC
			     LIMIT 1
			     FOR UPDATE SKIP LOCKED
			 )
			 UPDATE run_jobs j
			 SET attempts = j.attempts + 1,
			     locked_until = now() + make_interval(secs => $1)
			 FROM next_job
			 WHERE j.run_id = next_job.run_id
			 RETURNING j.run_id, j.workspace_id, j.attempts, j.locked_until, j.last_error, j.created_at`,
			leaseFor.Seconds(), maxAttempts,
		)

		var claimed model.RunJob
		if err := row.Scan(&claimed.RunID, &claimed.WorkspaceID, &claimed.Attempts, &claimed.LockedUntil, &claimed.LastError, &claimed.CreatedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				job = nil
				return nil
			}
			return err
		}
		job = &claimed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: claim run job: %w", err)
	}
	return job, nil
}

// CompleteRunJob removes a finished job from the queue.
func (db *DB) CompleteRunJob(ctx context.Context, runID uuid.UUID) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM run_jobs WHERE run_id = $1`, runID,
	); err != nil {
		return fmt.Errorf("storage: complete run job: %w", err)
	}
	return nil
}

// FailRunJob records a failed attempt. Below maxAttempts the job is
// requeued with exponential backoff (capped at five minutes) and the run
// itself is reset to queued so the retry starts clean; at maxAttempts
// the job stays as a dead letter, excluded from claims, and the run
// keeps its failed state. Returns whether the job was requeued.
func (db *DB) FailRunJob(ctx context.Context, runID uuid.UUID, errMsg string, maxAttempts int) (requeued bool, err error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("storage: begin fail run job: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var attempts int
	err = tx.QueryRow(ctx,
		`UPDATE run_jobs
		 SET last_error = $2,
		     locked_until = now() + LEAST(POWER(2, attempts), 300) * interval '1 second'
		 WHERE run_id = $1
		 RETURNING attempts`,
		runID, truncateError(errMsg),
	).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("storage: run job %s: %w", runID, ErrNotFound)
		}
		return false, fmt.Errorf("storage: fail run job: %w", err)
	}

	requeued = attempts < maxAttempts
	if requeued {
		if _, err := tx.Exec(ctx,
			`UPDATE model_runs
			 SET status = 'queued', progress = 0, started_at = NULL, completed_at = NULL, updated_at = now()
			 WHERE id = $1 AND status <> 'completed'`,
			runID,
		); err != nil {
			return false, fmt.Errorf("storage: reset run for retry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("storage: commit fail run job: %w", err)
	}
	return requeued, nil
}

// QueueDepth counts jobs still eligible for execution: claimable now or
// leased to a worker, attempts remaining.
func (db *DB) QueueDepth(ctx context.Context, maxAttempts int) (int64, error) {
	var depth int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM run_jobs WHERE attempts < $1 OR locked_until >= now()`,
		maxAttempts,
	).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("storage: queue depth: %w", err)
	}
	return depth, nil
}

// DeleteDeadJobs removes dead-letter jobs older than the retention
// window. Returns the number deleted.
func (db *DB) DeleteDeadJobs(ctx context.Context, maxAttempts int, olderThan time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM run_jobs
		 WHERE attempts >= $1
		   AND created_at < now() - make_interval(secs => $2)`,
		maxAttempts, olderThan.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: delete dead jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
