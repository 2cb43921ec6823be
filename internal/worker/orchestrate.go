package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sorami-ai/sorami/internal/model"
	"github.com/sorami-ai/sorami/internal/objstore"
	"github.com/sorami-ai/sorami/internal/service/results"
	"github.com/sorami-ai/sorami/internal/storage"
	"github.com/sorami-ai/sorami/internal/tabular"
)

// bookkeepTimeout bounds the status writes that happen after a run ends,
// so a run that died on a timeout can still record its outcome.
const bookkeepTimeout = 15 * time.Second

// executeJob runs one claimed job to a terminal outcome. On success the
// job is removed from the queue; on failure the run is marked failed and
// the job is either requeued with backoff or dead-lettered.
func (w *Worker) executeJob(ctx context.Context, job *model.RunJob) {
	logger := w.logger.With("run_id", job.RunID, "attempt", job.Attempts)

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.RunTimeout)
	defer cancel()

	start := time.Now()
	err := w.runModel(runCtx, job, logger)

	bookCtx, cancelBook := context.WithTimeout(context.WithoutCancel(ctx), bookkeepTimeout)
	defer cancelBook()

	if err == nil {
		if err := w.db.CompleteRunJob(bookCtx, job.RunID); err != nil {
			logger.Error("worker: complete job", "error", err)
		}
		w.countRun(bookCtx, "completed")
		logger.Info("worker: run completed", "duration", time.Since(start))
		return
	}

	logger.Error("worker: run failed", "error", err, "duration", time.Since(start))

	if merr := w.db.MarkRunFailed(bookCtx, job.RunID, err.Error()); merr != nil {
		logger.Error("worker: mark run failed", "error", merr)
	}
	w.publish(bookCtx, job.RunID, model.ProgressEvent{
		Status:   string(model.RunStatusFailed),
		Progress: 0,
		Message:  "Error: " + err.Error(),
		Stage:    model.StageError,
	})

	requeued, ferr := w.db.FailRunJob(bookCtx, job.RunID, err.Error(), w.cfg.MaxAttempts)
	switch {
	case errors.Is(ferr, storage.ErrNotFound):
		// The run (and its job) was deleted mid-flight; nothing to requeue.
	case ferr != nil:
		logger.Error("worker: fail job", "error", ferr)
	case requeued:
		w.countRun(bookCtx, "requeued")
		logger.Warn("worker: job requeued for retry")
	default:
		w.countRun(bookCtx, "failed")
		logger.Error("worker: attempts exhausted, job dead-lettered")
	}
}

// runModel is the run pipeline: load, prepare, build, fit, extract,
// save. Progress percentages and messages match what streaming clients
// display stage by stage.
func (w *Worker) runModel(ctx context.Context, job *model.RunJob, logger *slog.Logger) error {
	run, err := w.db.GetRun(ctx, job.WorkspaceID, job.RunID)
	if err != nil {
		return err
	}
	if run.Status == model.RunStatusCompleted {
		logger.Warn("worker: claimed job for a completed run, dropping")
		return nil
	}

	dataset, err := w.db.GetDataset(ctx, job.WorkspaceID, run.DatasetID)
	if err != nil {
		return err
	}
	if dataset.ColumnMapping == nil {
		return fmt.Errorf("dataset %s has no column mapping", dataset.ID)
	}

	if err := w.stage(ctx, run.ID, model.RunStatusPreprocessing, 5, "Loading data..."); err != nil {
		return err
	}
	raw, err := w.store.Get(ctx, dataset.ObjectKey)
	if err != nil {
		return err
	}
	tbl, err := tabular.ParseCSV(bytes.NewReader(raw))
	if err != nil {
		return err
	}

	if err := w.stage(ctx, run.ID, model.RunStatusPreprocessing, 10, "Data loaded, preparing model..."); err != nil {
		return err
	}
	eng := w.newEngine(run.Config)

	if err := w.stage(ctx, run.ID, model.RunStatusPreprocessing, 15, "Preparing data for model..."); err != nil {
		return err
	}
	data, err := eng.Prepare(ctx, tbl, *dataset.ColumnMapping)
	if err != nil {
		return err
	}

	if err := w.stage(ctx, run.ID, model.RunStatusBuilding, 20, "Building statistical model..."); err != nil {
		return err
	}
	if err := eng.Build(ctx, data); err != nil {
		return err
	}

	if err := w.stage(ctx, run.ID, model.RunStatusFitting, 25, "Starting MCMC sampling..."); err != nil {
		return err
	}

	// A stage write failing mid-fit means the run was deleted or taken
	// over; abort the sampler instead of fitting into the void.
	fitCtx, cancelFit := context.WithCancelCause(ctx)
	defer cancelFit(nil)
	err = eng.Fit(fitCtx, data, func(percent int, message string) {
		scaled := 25 + percent*60/100
		if serr := w.stage(fitCtx, run.ID, model.RunStatusFitting, scaled, message); serr != nil {
			cancelFit(serr)
		}
	})
	if err != nil {
		if cause := context.Cause(fitCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			return cause
		}
		return err
	}

	if err := w.stage(ctx, run.ID, model.RunStatusPostprocessing, 90, "Extracting results..."); err != nil {
		return err
	}
	er, err := eng.Extract(ctx)
	if err != nil {
		return err
	}
	if len(er.ResponseCurves) == 0 {
		curves, err := eng.ResponseCurves(ctx, 0)
		if err != nil {
			return err
		}
		er.ResponseCurves = curves
	}
	unified, err := results.Transform(er)
	if err != nil {
		return err
	}

	if err := w.stage(ctx, run.ID, model.RunStatusPostprocessing, 95, "Saving model artifact..."); err != nil {
		return err
	}
	var artifactKey *string
	if blob, serr := eng.Serialize(ctx); serr != nil {
		// Artifact persistence is best effort; results stand on their own.
		logger.Warn("worker: serialize artifact", "error", serr)
	} else {
		key := objstore.ArtifactKey(job.WorkspaceID, run.ID)
		if perr := w.store.Put(ctx, key, blob, "application/octet-stream"); perr != nil {
			logger.Warn("worker: save artifact", "error", perr)
		} else {
			artifactKey = &key
		}
	}

	if err := w.db.MarkRunCompleted(ctx, run.ID, *unified, artifactKey); err != nil {
		return err
	}
	w.publish(ctx, run.ID, model.ProgressEvent{
		Status:   string(model.RunStatusCompleted),
		Progress: 100,
		Message:  "Model complete!",
		Stage:    model.StageDone,
	})
	return nil
}

// stage persists a forward progress step and broadcasts it.
func (w *Worker) stage(ctx context.Context, runID uuid.UUID, status model.RunStatus, progress int, message string) error {
	if err := w.db.UpdateRunStage(ctx, runID, status, progress); err != nil {
		return err
	}
	w.publish(ctx, runID, model.ProgressEvent{
		Status:   string(status),
		Progress: progress,
		Message:  message,
		Stage:    string(status),
	})
	return nil
}

// publish broadcasts a progress event. Streaming is best effort; pollers
// see the persisted run row regardless.
func (w *Worker) publish(ctx context.Context, runID uuid.UUID, ev model.ProgressEvent) {
	if err := w.db.NotifyRunProgress(ctx, runID, ev); err != nil {
		w.logger.Warn("worker: publish progress", "run_id", runID, "error", err)
	}
}

func (w *Worker) countRun(ctx context.Context, outcome string) {
	if w.runsProcessed == nil {
		return
	}
	w.runsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
