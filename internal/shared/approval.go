package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ApprovalAction enumerates approval history actions.
type ApprovalAction string

const (
	ApprovalSubmit        ApprovalAction = "SUBMIT"
	ApprovalRequest       ApprovalAction = "REQUEST"
	ApprovalApprove       ApprovalAction = "APPROVE"
	ApprovalReject        ApprovalAction = "REJECT"
	ApprovalBudgetRequest ApprovalAction = "BUDGET_REQUEST"
	ApprovalBudgetApprove ApprovalAction = "BUDGET_APPROVE"
	ApprovalBudgetReject  ApprovalAction = "BUDGET_REJECT"
)

// ApprovalLog is one entry of an order request's approval history.
type ApprovalLog struct {
	ID      int64          `json:"id"`
	Module  string         `json:"module"`
	RefID   uuid.UUID      `json:"ref_id"`
	ActorID int64          `json:"actor_id"`
	Action  ApprovalAction `json:"action"`
	Note    string         `json:"note,omitempty"`
	At      time.Time      `json:"at"`
}

// Validate reports the first missing field.
func (l ApprovalLog) Validate() error {
	switch {
	case l.Module == "":
		return errors.New("approval module required")
	case l.ActorID == 0:
		return errors.New("approval actor required")
	case l.RefID == uuid.Nil:
		return errors.New("approval ref id required")
	case l.Action == "":
		return errors.New("approval action required")
	}
	return nil
}

// ApprovalRecorder persists approval history in the approvals table.
type ApprovalRecorder struct {
	db     Querier
	logger *slog.Logger
}

// NewApprovalRecorder constructs ApprovalRecorder.
func NewApprovalRecorder(db Querier, logger *slog.Logger) *ApprovalRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalRecorder{db: db, logger: logger}
}

// Record writes one approval entry. A zero At defaults to the database clock.
func (r *ApprovalRecorder) Record(ctx context.Context, log ApprovalLog) error {
	if r == nil || r.db == nil {
		return ErrNotConfigured
	}
	if err := log.Validate(); err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err := r.db.Exec(ctx, `INSERT INTO approvals (module, ref_id, actor_id, action, note, at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, log.Module, log.RefID, log.ActorID, string(log.Action), log.Note, at)
	if err != nil {
		r.logger.Error("record approval", slog.String("module", log.Module), slog.Any("error", err))
		return fmt.Errorf("record approval: %w", err)
	}
	return nil
}

// List returns the history for module/ref, oldest first.
func (r *ApprovalRecorder) List(ctx context.Context, module string, ref uuid.UUID) ([]ApprovalLog, error) {
	if r == nil || r.db == nil {
		return nil, ErrNotConfigured
	}
	rows, err := r.db.Query(ctx, `SELECT id, module, ref_id, actor_id, action, note, at
FROM approvals WHERE module=$1 AND ref_id=$2 ORDER BY at ASC, id ASC`, module, ref)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	logs := []ApprovalLog{}
	for rows.Next() {
		var (
			l      ApprovalLog
			action string
		)
		if err := rows.Scan(&l.ID, &l.Module, &l.RefID, &l.ActorID, &action, &l.Note, &l.At); err != nil {
			return nil, err
		}
		l.Action = ApprovalAction(action)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
