// Package worker executes queued model runs: it claims jobs from the
// run_jobs queue, drives the engine through the fitting pipeline, and
// persists results and progress.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/sorami-ai/sorami/internal/objstore"
	"github.com/sorami-ai/sorami/internal/service/engine"
	"github.com/sorami-ai/sorami/internal/storage"
	"github.com/sorami-ai/sorami/internal/telemetry"
)

// deadLetterRetention is how long exhausted jobs stay visible for
// debugging before the hourly sweep removes them.
const deadLetterRetention = 7 * 24 * time.Hour

// Config holds the worker's tuning knobs. Zero values fall back to
// defaults sized for hour-long fits.
type Config struct {
	PollInterval time.Duration
	Concurrency  int
	MaxAttempts  int
	RunTimeout   time.Duration
	LeaseFor     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = time.Hour
	}
	if c.LeaseFor <= 0 {
		// The lease must outlive the run timeout so a live worker never
		// has its job reclaimed from under it.
		c.LeaseFor = c.RunTimeout + 5*time.Minute
	}
	return c
}

// Worker polls the run_jobs queue and executes model runs.
type Worker struct {
	db        *storage.DB
	store     *objstore.Client
	newEngine engine.Factory
	logger    *slog.Logger
	cfg       Config

	started    atomic.Bool
	cancelLoop context.CancelFunc
	cancelRuns context.CancelFunc
	done       chan struct{}
	once       sync.Once

	runsProcessed metric.Int64Counter
}

// New creates a worker. Start must be called to begin claiming jobs.
func New(db *storage.DB, store *objstore.Client, newEngine engine.Factory, logger *slog.Logger, cfg Config) *Worker {
	return &Worker{
		db:        db,
		store:     store,
		newEngine: newEngine,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		done:      make(chan struct{}),
	}
}

// Start launches the claim loops. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("worker: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()

	loopCtx, cancelLoop := context.WithCancel(ctx)
	w.cancelLoop = cancelLoop

	// In-flight runs survive loop cancellation: Drain stops claiming
	// first and only cancels executions when its deadline expires.
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	w.cancelRuns = cancelRuns

	var eg errgroup.Group
	for range w.cfg.Concurrency {
		eg.Go(func() error {
			w.claimLoop(loopCtx, runCtx)
			return nil
		})
	}
	eg.Go(func() error {
		w.sweepLoop(loopCtx)
		return nil
	})
	go func() {
		_ = eg.Wait()
		w.once.Do(func() { close(w.done) })
	}()
}

// Drain stops claiming new jobs and waits for in-flight runs to finish.
// When the context expires first, in-flight runs are canceled; their
// jobs return to the queue via the failure path and another worker picks
// them up.
func (w *Worker) Drain(ctx context.Context) {
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("worker: drain timed out, canceling in-flight runs")
		if w.cancelRuns != nil {
			w.cancelRuns()
		}
		<-w.done
	}
}

// claimLoop polls for claimable jobs and executes them one at a time.
// After finishing a job it claims again immediately so a backlog drains
// without waiting out the poll interval.
func (w *Worker) claimLoop(loopCtx, runCtx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			for {
				job, err := w.db.ClaimRunJob(loopCtx, w.cfg.LeaseFor, w.cfg.MaxAttempts)
				if err != nil {
					if loopCtx.Err() == nil {
						w.logger.Error("worker: claim job", "error", err)
					}
					break
				}
				if job == nil {
					break
				}
				w.executeJob(runCtx, job)
				if loopCtx.Err() != nil {
					return
				}
			}
		}
	}
}

// sweepLoop removes dead-letter jobs past the retention window, once at
// startup and then hourly.
func (w *Worker) sweepLoop(ctx context.Context) {
	w.sweepDeadLetters(ctx)

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepDeadLetters(ctx)
		}
	}
}

func (w *Worker) sweepDeadLetters(ctx context.Context) {
	deleted, err := w.db.DeleteDeadJobs(ctx, w.cfg.MaxAttempts, deadLetterRetention)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("worker: sweep dead-letter jobs", "error", err)
		}
		return
	}
	if deleted > 0 {
		w.logger.Info("worker: swept dead-letter jobs", "deleted", deleted)
	}
}

// registerMetrics registers queue health instruments.
func (w *Worker) registerMetrics() {
	meter := telemetry.Meter("sorami/worker")

	counter, err := meter.Int64Counter("sorami.worker.runs_processed",
		metric.WithDescription("Model runs executed, by outcome"),
	)
	if err == nil {
		w.runsProcessed = counter
	}

	_, _ = meter.Int64ObservableGauge("sorami.worker.queue_depth",
		metric.WithDescription("Run jobs claimable or in flight"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			depth, err := w.db.QueueDepth(ctx, w.cfg.MaxAttempts)
			if err != nil {
				return nil // non-fatal, skip this observation
			}
			o.Observe(depth)
			return nil
		}),
	)
}
