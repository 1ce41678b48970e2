package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/banf/internal/jobs"
	"github.com/odyssey-erp/banf/internal/orderrequest"
	"github.com/odyssey-erp/banf/internal/shared"
)

// Enqueuer is the subset of *asynq.Client used to publish tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Notifier publishes approval requests onto the notification queue.
type Notifier struct {
	queue Enqueuer
}

// NewNotifier wraps an Asynq client.
func NewNotifier(queue Enqueuer) *Notifier {
	return &Notifier{queue: queue}
}

// EnqueueApprovalRequested implements orderrequest.Notifier.
func (n *Notifier) EnqueueApprovalRequested(ctx context.Context, evt orderrequest.ApprovalRequestedEvent) error {
	if n == nil || n.queue == nil {
		return errors.New("notifier: queue not configured")
	}
	task, err := NewApprovalRequestedTask(evt)
	if err != nil {
		return err
	}
	// dedupes retried enqueues of the same request
	id := fmt.Sprintf("%s:%d:%s:%d", TaskApprovalRequested, evt.OrderID, evt.Track, evt.RequestedAt.Unix())
	_, err = n.queue.EnqueueContext(ctx, task, asynq.TaskID(id))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// AuditRecorder persists delivered notifications.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ApprovalNotifyJob delivers approval requests. Delivery is an audit record
// plus a structured log line that the mail relay tails.
type ApprovalNotifyJob struct {
	Audit   AuditRecorder
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewApprovalNotifyJob constructs the job handler.
func NewApprovalNotifyJob(audit AuditRecorder, logger *slog.Logger, metrics *jobmetrics.Metrics) *ApprovalNotifyJob {
	return &ApprovalNotifyJob{Audit: audit, Logger: logger, Metrics: metrics}
}

// Handle processes TaskApprovalRequested tasks.
func (j *ApprovalNotifyJob) Handle(ctx context.Context, task *asynq.Task) error {
	var evt orderrequest.ApprovalRequestedEvent
	if err := json.Unmarshal(task.Payload(), &evt); err != nil {
		return fmt.Errorf("decode approval requested: %v: %w", err, asynq.SkipRetry)
	}
	if evt.OrderID <= 0 {
		return fmt.Errorf("approval requested without order: %w", asynq.SkipRetry)
	}

	tracker := j.metrics().Track(jobApprovalNotify)
	if evt.ApproverID == 0 {
		j.log().Warn("approval requested without approver", slog.String("ref", evt.Ref), slog.String("track", string(evt.Track)))
		return tracker.End(nil)
	}
	if j.Audit != nil {
		err := j.Audit.Record(ctx, shared.AuditLog{
			ActorID:  evt.ApproverID,
			Action:   "APPROVAL_NOTIFIED",
			Entity:   "order_request",
			EntityID: fmt.Sprintf("%d", evt.OrderID),
			Meta:     map[string]any{"track": evt.Track, "ref": evt.Ref, "total": evt.Total},
			At:       evt.RequestedAt,
		})
		if err != nil {
			j.log().Error("record notification", slog.String("ref", evt.Ref), slog.Any("error", err))
			return tracker.End(err)
		}
	}
	j.metrics().IncNotification(string(evt.Track))
	j.log().Info("approval requested",
		slog.String("ref", evt.Ref),
		slog.String("title", evt.Title),
		slog.String("track", string(evt.Track)),
		slog.Int64("approver_id", evt.ApproverID),
		slog.Float64("total", evt.Total))
	return tracker.End(nil)
}

func (j *ApprovalNotifyJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ApprovalNotifyJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskApprovalRequested))
	}
	return slog.Default().With(slog.String("job", TaskApprovalRequested))
}
