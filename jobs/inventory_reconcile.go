package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/lotledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/lotledger/internal/jobs"
	"github.com/odyssey-erp/lotledger/internal/shared"
)

// Reconciler is the slice of inventory.Service reconciliation needs.
type Reconciler interface {
	Reconcile(ctx context.Context, tenantID int64) ([]inventory.Divergence, error)
	Repair(ctx context.Context, scope inventory.Scope) (inventory.Divergence, error)
}

// ReconcileResult summarises one run.
type ReconcileResult struct {
	TenantID    int64                  `json:"tenant_id"`
	Divergences []inventory.Divergence `json:"divergences"`
	Repaired    int                    `json:"repaired"`
	Skipped     bool                   `json:"skipped"`
}

// InventoryReconcileJob checks aggregate rows against their lots. Only one run
// per tenant selection is active at a time.
type InventoryReconcileJob struct {
	Reconciler Reconciler
	Locker     *redislock.Client
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
	// LockTTL must exceed the longest expected run.
	LockTTL time.Duration
	// RepairLimit bounds concurrent scope repairs.
	RepairLimit int
}

// NewInventoryReconcileJob initialises the reconcile handler.
func NewInventoryReconcileJob(reconciler Reconciler, locker *redislock.Client, logger *slog.Logger, metrics *jobmetrics.Metrics) *InventoryReconcileJob {
	return &InventoryReconcileJob{
		Reconciler:  reconciler,
		Locker:      locker,
		Logger:      logger,
		Metrics:     metrics,
		LockTTL:     10 * time.Minute,
		RepairLimit: 4,
	}
}

// Handle executes the asynq task.
func (j *InventoryReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Reconciler == nil {
		return errors.New("inventory reconcile: handler not configured")
	}
	var payload InventoryReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	_, err := j.Run(ctx, payload)
	return err
}

// Run performs one reconciliation pass.
func (j *InventoryReconcileJob) Run(ctx context.Context, payload InventoryReconcilePayload) (res ReconcileResult, err error) {
	tracker := j.Metrics.Track(TaskInventoryReconcile)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger().With(slog.Int64("tenant_id", payload.TenantID), slog.Bool("repair", payload.Repair))
	res.TenantID = payload.TenantID

	if j.Locker != nil {
		lock, lerr := j.Locker.Obtain(ctx, shared.ReconcileLockKey(payload.TenantID), j.lockTTL(), nil)
		if errors.Is(lerr, redislock.ErrNotObtained) {
			logger.Info("inventory reconcile already running, skipping")
			res.Skipped = true
			return res, nil
		}
		if lerr != nil {
			return res, fmt.Errorf("inventory reconcile: obtain lock: %w", lerr)
		}
		defer func() {
			if rerr := lock.Release(context.WithoutCancel(ctx)); rerr != nil && !errors.Is(rerr, redislock.ErrLockNotHeld) {
				logger.Warn("inventory reconcile release lock", slog.Any("error", rerr))
			}
		}()
	}

	logger.Info("starting inventory reconcile")
	divergences, err := j.Reconciler.Reconcile(ctx, payload.TenantID)
	if err != nil {
		logger.Error("inventory reconcile failed", slog.Any("error", err))
		return res, err
	}
	res.Divergences = divergences
	j.Metrics.AddDivergences(payload.TenantID, false, len(divergences))

	if payload.Repair && len(divergences) > 0 {
		repaired, err := j.repair(ctx, divergences)
		res.Repaired = repaired
		j.Metrics.AddDivergences(payload.TenantID, true, repaired)
		if err != nil {
			logger.Error("inventory repair failed", slog.Int("repaired", repaired), slog.Any("error", err))
			return res, err
		}
	}

	logger.Info("inventory reconcile finished",
		slog.Int("divergences", len(divergences)),
		slog.Int("repaired", res.Repaired),
	)
	return res, nil
}

func (j *InventoryReconcileJob) repair(ctx context.Context, divergences []inventory.Divergence) (int, error) {
	var repaired atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	limit := j.RepairLimit
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	for i := range divergences {
		scope := divergences[i].Scope
		idx := i
		g.Go(func() error {
			d, err := j.Reconciler.Repair(ctx, scope)
			if err != nil {
				return err
			}
			if d.Repaired {
				divergences[idx].Repaired = true
				repaired.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	return int(repaired.Load()), err
}

func (j *InventoryReconcileJob) lockTTL() time.Duration {
	if j.LockTTL <= 0 {
		return 10 * time.Minute
	}
	return j.LockTTL
}

func (j *InventoryReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
