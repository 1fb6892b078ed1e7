package shared

import "fmt"

// ReconcileLockKey builds the redis key guarding a reconciliation run.
// tenantID 0 covers every tenant.
func ReconcileLockKey(tenantID int64) string {
	if tenantID == 0 {
		return "lock:inventory:reconcile"
	}
	return fmt.Sprintf("lock:inventory:reconcile:%d", tenantID)
}

// IdempotencyKey namespaces a request id under module.
func IdempotencyKey(module, requestID string) string {
	return fmt.Sprintf("idem:%s:%s", module, requestID)
}
