package orderrequest

import (
	"context"

	"github.com/odyssey-erp/banf/internal/i18n"
)

// OrderRules implements the order request lifecycle hooks for one policy.
type OrderRules struct {
	policy Policy
}

// NewOrderRules constructs the rules with an explicit policy.
func NewOrderRules(policy Policy) *OrderRules {
	return &OrderRules{policy: policy}
}

// Policy returns the policy the rules were built with.
func (r *OrderRules) Policy() Policy {
	return r.policy
}

// Prefill sets the creation defaults.
func (r *OrderRules) Prefill(_ context.Context, o *OrderRequest, hc HookContext) {
	now := hc.now()
	if o.Status == "" {
		o.Status = StatusDraft
	}
	if o.StartDate.IsZero() {
		o.StartDate = now
	}
	if o.LastUpdate.IsZero() {
		o.LastUpdate = now
	}
	if o.CallerID == 0 {
		o.CallerID = hc.ActorID
	}
}

// InitialFlags implements Hooks.
func (r *OrderRules) InitialFlags(*OrderRequest) AttributeFlags {
	flags := AttributeFlags{}
	flags.set(AttrRef, FlagReadOnly)
	flags.set(AttrStartDate, FlagReadOnly)
	flags.set(AttrLastUpdate, FlagReadOnly)
	flags.set(AttrEstimatedTotalCost, FlagHidden)
	return flags
}

// Flags implements Hooks.
func (r *OrderRules) Flags(*OrderRequest) AttributeFlags {
	flags := AttributeFlags{}
	flags.set(AttrRef, FlagReadOnly)
	flags.set(AttrStartDate, FlagReadOnly)
	flags.set(AttrLastUpdate, FlagReadOnly)
	flags.set(AttrEstimatedTotalCost, FlagReadOnly)
	return flags
}

// ComputeValues refreshes the cost rollup, approver defaults and timestamps.
func (r *OrderRules) ComputeValues(ctx context.Context, o *OrderRequest, hc HookContext) {
	o.RecomputeTotal()
	r.applyTypeDefaults(ctx, o, hc)
	now := hc.now()
	if o.StartDate.IsZero() {
		o.StartDate = now
	}
	o.LastUpdate = now
}

func (r *OrderRules) applyTypeDefaults(ctx context.Context, o *OrderRequest, hc HookContext) {
	typeChanged := hc.Changes.Has(AttrRequestTypeID)
	if o.RequestTypeID <= 0 {
		if typeChanged {
			o.TechnicalApproverID = 0
			clearBudgetApproval(o)
		}
		return
	}
	typ, ok := hc.resolveType(ctx, o.RequestTypeID)
	if !ok {
		return
	}

	if typeChanged || o.TechnicalApproverID == 0 {
		if typ.DefaultApproverID > 0 {
			o.TechnicalApproverID = typ.DefaultApproverID
		} else if typeChanged {
			o.TechnicalApproverID = 0
		}
	}

	if typ.RequiresBudgetOwnerApproval {
		if (typeChanged || o.BudgetApproverID == 0) && typ.BudgetApproverID > 0 {
			o.BudgetApproverID = typ.BudgetApproverID
		}
	} else if typeChanged {
		clearBudgetApproval(o)
	}

	if typeChanged && o.CostCenter == "" {
		o.CostCenter = typ.CostCenterDefault
	}
}

func clearBudgetApproval(o *OrderRequest) {
	o.BudgetApproverID = 0
	o.BudgetApproval = ApprovalTrack{}
}

// CheckToWrite validates the stimulus being applied.
func (r *OrderRules) CheckToWrite(ctx context.Context, o *OrderRequest, hc HookContext) Issues {
	var issues Issues
	switch hc.Stimulus {
	case EvSubmit:
		if len(o.Lines) == 0 {
			issues.block(i18n.OrderAtLeastOneLineItem)
		}
	case EvRequestBudgetApproval:
		if o.BudgetApproverID <= 0 {
			issues.block(i18n.OrderBudgetApproverMissing)
		}
	case EvApprove:
		if r.requiresBudget(ctx, o, hc) {
			issues.block(i18n.OrderBudgetRouteRequired)
		}
		r.reportViolations(&issues, r.technicalViolations(o, hc.ActorID))
	case EvBudgetApprove:
		if !r.budgetBranchApplies(ctx, o, hc) {
			issues.block(i18n.OrderBudgetApprovalNotNeeded)
		}
		r.reportViolations(&issues, r.budgetViolations(o, hc.ActorID))
	}
	return issues
}

// violation is a policy finding whose severity depends on the mode.
type violation struct {
	key  i18n.Key
	args []any
}

func (r *OrderRules) reportViolations(issues *Issues, found []violation) {
	sev, ok := r.policy.violationSeverity()
	if !ok {
		return
	}
	for _, v := range found {
		*issues = append(*issues, Issue{Key: v.key, Severity: sev, Args: v.args})
	}
}

func (r *OrderRules) technicalViolations(o *OrderRequest, actorID int64) []violation {
	var out []violation
	if r.policy.ThresholdReached(o.EstimatedTotalCost) {
		out = append(out, violation{key: i18n.OrderPolicyThresholdExceeded, args: []any{r.policy.BudgetAutoThreshold}})
	}
	if r.policy.RestrictToAssignedApprover && (actorID <= 0 || actorID != o.TechnicalApproverID) {
		out = append(out, violation{key: i18n.OrderPolicyNotAssigned})
	}
	if r.policy.ForbidSelfApproval && isSelfApproval(o, actorID) {
		out = append(out, violation{key: i18n.OrderPolicySelfApproval})
	}
	return out
}

func (r *OrderRules) budgetViolations(o *OrderRequest, actorID int64) []violation {
	var out []violation
	if r.policy.RestrictToAssignedApprover && (actorID <= 0 || actorID != o.BudgetApproverID) {
		out = append(out, violation{key: i18n.OrderPolicyNotAssignedBudget})
	}
	if r.policy.ForbidSelfApproval && isSelfApproval(o, actorID) {
		out = append(out, violation{key: i18n.OrderPolicyBudgetSelfApproval})
	}
	return out
}

func isSelfApproval(o *OrderRequest, actorID int64) bool {
	return o.CallerID > 0 && actorID == o.CallerID
}

// requiresBudget reports whether the linked type demands budget owner approval.
// An unresolvable type counts as not requiring it.
func (r *OrderRules) requiresBudget(ctx context.Context, o *OrderRequest, hc HookContext) bool {
	typ, ok := hc.resolveType(ctx, o.RequestTypeID)
	return ok && typ.RequiresBudgetOwnerApproval
}

// budgetBranchApplies reports whether the budget branch is required by the type
// or by a cost threshold that is not switched off.
func (r *OrderRules) budgetBranchApplies(ctx context.Context, o *OrderRequest, hc HookContext) bool {
	if r.requiresBudget(ctx, o, hc) {
		return true
	}
	return r.policy.Mode != PolicyOff && r.policy.ThresholdReached(o.EstimatedTotalCost)
}

// AfterWrite implements Hooks. Order writes have no rollup to propagate.
func (r *OrderRules) AfterWrite(context.Context, *OrderRequest, HookContext) {}

// CheckToDelete implements Hooks. Orders carry no delete rule.
func (r *OrderRules) CheckToDelete(context.Context, *OrderRequest, HookContext) Issues {
	return nil
}

// AllowedTransitions enumerates the stimuli the actor may apply right now.
func (r *OrderRules) AllowedTransitions(ctx context.Context, o *OrderRequest, hc HookContext) []Stimulus {
	var out []Stimulus
	for _, t := range transitions[o.Status] {
		if r.denied(ctx, o, t.stimulus, hc) {
			continue
		}
		out = append(out, t.stimulus)
	}
	return out
}

func (r *OrderRules) denied(ctx context.Context, o *OrderRequest, stimulus Stimulus, hc HookContext) bool {
	enforced := r.policy.Enforced()
	switch o.Status {
	case StatusDraft:
		return stimulus == EvSubmit && len(o.Lines) == 0
	case StatusWaitingApproval:
		requires := r.requiresBudget(ctx, o, hc)
		forced := enforced && r.policy.ThresholdReached(o.EstimatedTotalCost)
		switch stimulus {
		case EvApprove:
			if requires || forced {
				return true
			}
			return enforced && r.actorBlocked(o, hc.ActorID, o.TechnicalApproverID)
		case EvRequestBudgetApproval:
			return !requires && !forced
		}
	case StatusWaitingBudgetApproval:
		switch stimulus {
		case EvApprove:
			return true
		case EvBudgetApprove:
			if !r.budgetBranchApplies(ctx, o, hc) {
				return true
			}
			return enforced && r.actorBlocked(o, hc.ActorID, o.BudgetApproverID)
		}
	}
	return false
}

func (r *OrderRules) actorBlocked(o *OrderRequest, actorID, approverID int64) bool {
	if r.policy.RestrictToAssignedApprover && (actorID <= 0 || actorID != approverID) {
		return true
	}
	return r.policy.ForbidSelfApproval && isSelfApproval(o, actorID)
}
