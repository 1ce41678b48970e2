package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/banf/internal/jobs"
)

// Reconciler recomputes receipt rollups and reports the lines it corrected.
type Reconciler interface {
	ReconcileRollups(ctx context.Context) (int, error)
}

// RollupReconcileJob repairs line rollups that drifted from their receipts.
type RollupReconcileJob struct {
	Service Reconciler
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewRollupReconcileJob constructs the job handler.
func NewRollupReconcileJob(service Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *RollupReconcileJob {
	return &RollupReconcileJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes the reconcile run.
func (j *RollupReconcileJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("rollup reconcile: service not configured")
	}
	var payload RollupReconcilePayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode rollup reconcile: %v: %w", err, asynq.SkipRetry)
		}
	}

	tracker := j.metrics().Track(jobRollupReconcile)
	start := time.Now()
	fixed, err := j.Service.ReconcileRollups(ctx)
	j.metrics().AddRepairedLines(fixed)
	if err != nil {
		j.log().Error("reconcile rollups", slog.Int("repaired", fixed), slog.Any("error", err))
		return tracker.End(err)
	}
	j.log().Info("reconciled receipt rollups",
		slog.Int("repaired", fixed),
		slog.String("reason", payload.Reason),
		slog.Duration("duration", time.Since(start)))
	return tracker.End(nil)
}

func (j *RollupReconcileJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *RollupReconcileJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRollupReconcile))
	}
	return slog.Default().With(slog.String("job", TaskRollupReconcile))
}
