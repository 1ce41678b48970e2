package orderrequest

import (
	"context"
	"time"
)

// ApprovalTrackName distinguishes the technical and the budget approval branch.
type ApprovalTrackName string

const (
	TrackTechnical ApprovalTrackName = "technical"
	TrackBudget    ApprovalTrackName = "budget"
)

// ApprovalRequestedEvent is emitted once an order waits for an approver.
type ApprovalRequestedEvent struct {
	OrderID     int64             `json:"order_id"`
	Ref         string            `json:"ref"`
	Title       string            `json:"title"`
	Track       ApprovalTrackName `json:"track"`
	ApproverID  int64             `json:"approver_id"`
	Total       float64           `json:"total"`
	RequestedAt time.Time         `json:"requested_at"`
}

// Notifier hands approval requests to the background notification pipeline.
type Notifier interface {
	EnqueueApprovalRequested(ctx context.Context, evt ApprovalRequestedEvent) error
}
