package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/banf/internal/jobs"
	"github.com/odyssey-erp/banf/internal/orderrequest"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueNotifications carries approval notifications.
	QueueNotifications = "notifications"

	// TaskApprovalRequested notifies an approver that an order request waits for them.
	TaskApprovalRequested = "banf:approval_requested"
	// TaskRollupReconcile recomputes receipt rollups of orders in receiving.
	TaskRollupReconcile = "banf:rollup_reconcile"
	// TaskIdempotencyCleanup purges expired receipt idempotency keys.
	TaskIdempotencyCleanup = "banf:idempotency_cleanup"
)

// Job names used as metric labels.
const (
	jobApprovalNotify     = "approval_notify"
	jobRollupReconcile    = "rollup_reconcile"
	jobIdempotencyCleanup = "idempotency_cleanup"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// NewApprovalRequestedTask wraps the event in an Asynq task.
func NewApprovalRequestedTask(evt orderrequest.ApprovalRequestedEvent) (*asynq.Task, error) {
	if evt.OrderID <= 0 {
		return nil, fmt.Errorf("approval requested task: order id required")
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskApprovalRequested, body, asynq.Queue(QueueNotifications), asynq.MaxRetry(5)), nil
}

// RollupReconcilePayload tags why a reconcile run was requested.
type RollupReconcilePayload struct {
	Reason string `json:"reason,omitempty"`
}

// NewRollupReconcileTask builds the reconcile task.
func NewRollupReconcileTask(reason string) (*asynq.Task, error) {
	body, err := json.Marshal(RollupReconcilePayload{Reason: reason})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRollupReconcile, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload configures the retention window in hours.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask builds the cleanup task.
func NewIdempotencyCleanupTask(retentionHours int) (*asynq.Task, error) {
	if retentionHours <= 0 {
		return nil, fmt.Errorf("idempotency cleanup: retention must be positive")
	}
	body, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: retentionHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
