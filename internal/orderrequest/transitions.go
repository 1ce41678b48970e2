package orderrequest

import "time"

// transitions is the static lifecycle graph. Eligibility filters it per instance.
var transitions = map[Status][]struct {
	stimulus Stimulus
	to       Status
}{
	StatusDraft: {
		{EvSubmit, StatusSubmitted},
	},
	StatusSubmitted: {
		{EvReview, StatusInReview},
	},
	StatusInReview: {
		{EvRequestApproval, StatusWaitingApproval},
		{EvReject, StatusRejected},
	},
	StatusWaitingApproval: {
		{EvApprove, StatusApproved},
		{EvReject, StatusRejected},
		{EvRequestBudgetApproval, StatusWaitingBudgetApproval},
	},
	StatusWaitingBudgetApproval: {
		{EvBudgetApprove, StatusApproved},
		{EvBudgetReject, StatusRejected},
	},
	StatusApproved: {
		{EvProcure, StatusProcurement},
	},
	StatusProcurement: {
		{EvReceive, StatusReceiving},
		{EvClose, StatusClosed},
	},
	StatusReceiving: {
		{EvClose, StatusClosed},
	},
}

// Target returns the status reached by applying stimulus in from.
func Target(from Status, stimulus Stimulus) (Status, bool) {
	for _, t := range transitions[from] {
		if t.stimulus == stimulus {
			return t.to, true
		}
	}
	return "", false
}

// StimulusInput carries the optional data supplied with a stimulus.
type StimulusInput struct {
	Comment        string
	ProcurementRef string
}

// applyStimulus moves o to the target status and stamps approval metadata.
func applyStimulus(o *OrderRequest, stimulus Stimulus, actorID int64, at time.Time, in StimulusInput) error {
	to, ok := Target(o.Status, stimulus)
	if !ok {
		return ErrInvalidState
	}
	stamp := at
	switch stimulus {
	case EvRequestApproval:
		o.TechnicalApproval.RequestedAt = &stamp
	case EvApprove, EvReject:
		o.TechnicalApproval.DecidedAt = &stamp
		o.TechnicalApproval.DecidedBy = actorID
		o.TechnicalApproval.Comment = in.Comment
	case EvRequestBudgetApproval:
		o.BudgetApproval.RequestedAt = &stamp
	case EvBudgetApprove, EvBudgetReject:
		o.BudgetApproval.DecidedAt = &stamp
		o.BudgetApproval.DecidedBy = actorID
		o.BudgetApproval.Comment = in.Comment
	case EvProcure:
		if in.ProcurementRef != "" {
			o.ProcurementRef = in.ProcurementRef
		}
	}
	o.Status = to
	return nil
}
