package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/banf/jobs"
)

// JobsCLI wraps manual management helpers for the BANF queues.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	retention int
}

// NewJobsCLI initialises the helpers against the queue Redis. retentionHours
// feeds manually triggered idempotency cleanups.
func NewJobsCLI(opts asynq.RedisClientOpt, retentionHours int) *JobsCLI {
	return &JobsCLI{client: asynq.NewClient(opts), inspector: asynq.NewInspector(opts), retention: retentionHours}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var errs []error
	if c.inspector != nil {
		errs = append(errs, c.inspector.Close())
	}
	if c.client != nil {
		errs = append(errs, c.client.Close())
	}
	return errors.Join(errs...)
}

// Trigger enqueues a supported job by task type.
func (c *JobsCLI) Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, err := TaskFor(name, c.retention)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.MaxRetry(3))
}

// TaskFor builds the manual variant of a schedulable task.
func TaskFor(name string, retentionHours int) (*asynq.Task, error) {
	switch name {
	case jobs.TaskRollupReconcile, "reconcile":
		return jobs.NewRollupReconcileTask("manual")
	case jobs.TaskIdempotencyCleanup, "cleanup":
		return jobs.NewIdempotencyCleanupTask(retentionHours)
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
}

// QueueStats summarises one queue.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
}

// InspectQueues reports the state of every BANF queue.
func (c *JobsCLI) InspectQueues(ctx context.Context) ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	var out []QueueStats
	for _, name := range []string{jobs.QueueDefault, jobs.QueueNotifications} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := c.inspector.GetQueueInfo(name)
		if errors.Is(err, asynq.ErrQueueNotFound) {
			out = append(out, QueueStats{Queue: name})
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, QueueStats{Queue: name, Pending: info.Pending, Active: info.Active, Scheduled: info.Scheduled, Retry: info.Retry})
	}
	return out, nil
}

// PrintStats renders queue stats as aligned text.
func PrintStats(w io.Writer, stats []QueueStats) {
	_, _ = fmt.Fprintf(w, "%-14s %8s %8s %10s %6s\n", "QUEUE", "PENDING", "ACTIVE", "SCHEDULED", "RETRY")
	for _, s := range stats {
		_, _ = fmt.Fprintf(w, "%-14s %8d %8d %10d %6d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry)
	}
}
