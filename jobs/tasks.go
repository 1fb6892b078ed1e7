package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskInventoryReconcile compares aggregates with lot sums and optionally repairs them.
	TaskInventoryReconcile = "inventory:reconcile"
)

// InventoryReconcilePayload selects the tenant (0 = all) and whether to repair.
type InventoryReconcilePayload struct {
	TenantID int64 `json:"tenant_id"`
	Repair   bool  `json:"repair"`
}

// NewInventoryReconcileTask constructs an Asynq task for reconciliation.
func NewInventoryReconcileTask(payload InventoryReconcilePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInventoryReconcile, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}
