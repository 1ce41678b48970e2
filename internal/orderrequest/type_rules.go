package orderrequest

import (
	"context"
	"strings"

	"github.com/odyssey-erp/banf/internal/i18n"
)

// TypeRules implements the request type hooks.
type TypeRules struct{}

// NewTypeRules constructs TypeRules.
func NewTypeRules() *TypeRules {
	return &TypeRules{}
}

// Prefill defaults new types to active.
func (r *TypeRules) Prefill(_ context.Context, t *RequestType, _ HookContext) {
	if t.Status == "" {
		t.Status = TypeActive
	}
}

// InitialFlags implements Hooks.
func (r *TypeRules) InitialFlags(t *RequestType) AttributeFlags {
	return r.Flags(t)
}

// Flags marks the budget approver mandatory when budget approval is required.
func (r *TypeRules) Flags(t *RequestType) AttributeFlags {
	flags := AttributeFlags{}
	if t.RequiresBudgetOwnerApproval {
		flags.set(AttrBudgetApproverID, FlagMandatory)
	}
	return flags
}

// ComputeValues normalises the code.
func (r *TypeRules) ComputeValues(_ context.Context, t *RequestType, _ HookContext) {
	t.Name = strings.TrimSpace(t.Name)
	t.Code = strings.ToUpper(strings.TrimSpace(t.Code))
}

// CheckToWrite validates mandatory fields and the budget approver invariant.
func (r *TypeRules) CheckToWrite(_ context.Context, t *RequestType, _ HookContext) Issues {
	var issues Issues
	if t.Name == "" {
		issues.block(i18n.TypeNameRequired)
	}
	if t.Code == "" {
		issues.block(i18n.TypeCodeRequired)
	}
	if t.Status != TypeActive && t.Status != TypeInactive {
		issues.block(i18n.TypeStatusInvalid)
	}
	if t.RequiresBudgetOwnerApproval && t.BudgetApproverID <= 0 {
		issues.block(i18n.TypeBudgetApproverRequired)
	}
	return issues
}

// AfterWrite implements Hooks.
func (r *TypeRules) AfterWrite(context.Context, *RequestType, HookContext) {}

// CheckToDelete implements Hooks.
func (r *TypeRules) CheckToDelete(context.Context, *RequestType, HookContext) Issues {
	return nil
}

// AllowedTransitions implements Hooks.
func (r *TypeRules) AllowedTransitions(context.Context, *RequestType, HookContext) []Stimulus {
	return nil
}
