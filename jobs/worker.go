package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// WorkerConfig bootstraps the reconciliation worker.
type WorkerConfig struct {
	RedisOpts asynq.RedisClientOpt
	Logger    *slog.Logger
	Reconcile *InventoryReconcileJob
	// ReconcileCron schedules a report-only run across every tenant. Empty
	// disables the schedule; manual triggers are still served.
	ReconcileCron string
	// Concurrency defaults to 5.
	Concurrency int
}

// Worker serves inventory tasks from the default queue.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// NewWorker wires the reconcile handler and, when configured, its schedule.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Reconcile == nil {
		return nil, errors.New("worker: reconcile job required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}

	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueDefault: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Error("task failed",
				slog.String("type", task.Type()),
				slog.Int("retried", retried),
				slog.Int("max_retry", maxRetry),
				slog.Any("error", err),
			)
		}),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskInventoryReconcile, cfg.Reconcile.Handle)

	var scheduler *asynq.Scheduler
	if cfg.ReconcileCron != "" {
		task, err := NewInventoryReconcileTask(InventoryReconcilePayload{})
		if err != nil {
			return nil, err
		}
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
		if _, err := scheduler.Register(cfg.ReconcileCron, task); err != nil {
			return nil, fmt.Errorf("worker: schedule reconcile %q: %w", cfg.ReconcileCron, err)
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: logger}, nil
}

// Run processes tasks until ctx is cancelled or the server stops.
func (w *Worker) Run(ctx context.Context) error {
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
		defer w.scheduler.Shutdown()
	}
	w.logger.Info("worker started", slog.Bool("scheduler", w.scheduler != nil))

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
