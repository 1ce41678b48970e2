package orderrequest

import (
	"context"

	"github.com/odyssey-erp/banf/internal/i18n"
)

// LineRules implements the line item hooks.
type LineRules struct{}

// NewLineRules constructs LineRules.
func NewLineRules() *LineRules {
	return &LineRules{}
}

// parent resolves the owning order from the back-reference, the item's own
// reference, an explicit parent id or the collection being added to.
func (r *LineRules) parent(ctx context.Context, l *LineItem, hc HookContext) (*OrderRequest, bool) {
	if l.order != nil {
		return l.order, true
	}
	if o, ok := hc.resolveOrder(ctx, l.OrderID); ok {
		return o, true
	}
	if o, ok := hc.resolveOrder(ctx, hc.OrderID); ok {
		return o, true
	}
	if hc.Source != nil {
		return hc.Source, true
	}
	return nil, false
}

// Prefill assigns the next line number when the parent can be resolved.
// Otherwise numbering is deferred to ComputeValues.
func (r *LineRules) Prefill(ctx context.Context, l *LineItem, hc HookContext) {
	if l.ReceiptStatus == "" {
		l.ReceiptStatus = ReceiptNone
	}
	if l.LineNumber > 0 {
		return
	}
	if o, ok := r.parent(ctx, l, hc); ok {
		l.LineNumber = o.NextLineNumber(l)
	}
}

// InitialFlags implements Hooks.
func (r *LineRules) InitialFlags(*LineItem) AttributeFlags {
	flags := AttributeFlags{}
	flags.set(AttrTotalPriceEstimated, FlagReadOnly)
	return flags
}

// Flags marks the total read-only and freezes commercial fields outside draft.
func (r *LineRules) Flags(l *LineItem) AttributeFlags {
	flags := r.InitialFlags(l)
	if o := l.Order(); o != nil && o.Status != StatusDraft {
		for _, attr := range commercialAttrs {
			flags.set(attr, FlagReadOnly)
		}
	}
	return flags
}

// ComputeValues numbers unnumbered lines and recomputes the estimated total.
func (r *LineRules) ComputeValues(ctx context.Context, l *LineItem, hc HookContext) {
	if l.LineNumber <= 0 {
		if o, ok := r.parent(ctx, l, hc); ok {
			l.LineNumber = o.NextLineNumber(l)
		}
	}
	total := roundMoney(lineTotal(l.Quantity, l.unitPrice()))
	l.TotalPriceEstimated = &total
	l.QuantityOpen = openQuantity(l.Quantity, l.QuantityReceivedTotal)
	if l.ReceiptStatus == "" {
		l.ReceiptStatus = ReceiptNone
	}
}

// CheckToWrite applies the immutability guard and commercial validation.
// Changes limited to receiving rollups or CI links skip both.
func (r *LineRules) CheckToWrite(ctx context.Context, l *LineItem, hc HookContext) Issues {
	var issues Issues
	commercial := hc.IsNew || hc.Changes.Has(commercialAttrs...)
	if !commercial {
		return issues
	}

	o, ok := r.parent(ctx, l, hc)
	if !ok {
		issues.block(i18n.LineOrderRequired)
		return issues
	}
	if o.Status != StatusDraft && !(hc.IsNew && hc.Import) {
		issues.block(i18n.LineParentNotEditable)
		return issues
	}

	if l.Quantity <= 0 {
		issues.block(i18n.LineQtyMustBePositive)
	}
	if l.UnitPriceEstimated != nil && *l.UnitPriceEstimated < 0 {
		issues.block(i18n.LineUnitPriceNegative)
	}
	switch {
	case l.UoM == "":
		issues.block(i18n.LineUomRequired)
	case !l.UoM.Valid():
		issues.block(i18n.LineUomUnknown, string(l.UoM))
	default:
		if hasDuplicate(o, l) {
			issues.warn(i18n.LineDuplicateNameUom)
		}
	}
	return issues
}

func hasDuplicate(o *OrderRequest, l *LineItem) bool {
	for _, sibling := range o.Lines {
		if sibling == l || (l.ID > 0 && sibling.ID == l.ID) {
			continue
		}
		if sibling.Name == l.Name && sibling.UoM == l.UoM {
			return true
		}
	}
	return false
}

// AfterWrite refreshes the parent's cost rollup.
func (r *LineRules) AfterWrite(ctx context.Context, l *LineItem, hc HookContext) {
	if o, ok := r.parent(ctx, l, hc); ok {
		o.RecomputeTotal()
	}
}

// CheckToDelete permits deletion only while the parent is draft, closed or rejected.
// An unresolvable parent does not block.
func (r *LineRules) CheckToDelete(ctx context.Context, l *LineItem, hc HookContext) Issues {
	var issues Issues
	o, ok := r.parent(ctx, l, hc)
	if !ok {
		return issues
	}
	switch o.Status {
	case StatusDraft, StatusClosed, StatusRejected:
	default:
		issues.block(i18n.LineDeleteNotAllowed)
	}
	return issues
}

// AllowedTransitions implements Hooks. Line items have no lifecycle of their own.
func (r *LineRules) AllowedTransitions(context.Context, *LineItem, HookContext) []Stimulus {
	return nil
}

// diffLine lists the attributes that differ between two versions of a line.
func diffLine(prev, next *LineItem) Changes {
	c := Changes{}
	mark := func(attr string, changed bool) {
		if changed {
			c[attr] = struct{}{}
		}
	}
	mark(AttrName, prev.Name != next.Name)
	mark(AttrVendorSKU, prev.VendorSKU != next.VendorSKU)
	mark(AttrDescription, prev.Description != next.Description)
	mark(AttrQuantity, prev.Quantity != next.Quantity)
	mark(AttrUoM, prev.UoM != next.UoM)
	mark(AttrUnitPriceEstimated, !samePrice(prev.UnitPriceEstimated, next.UnitPriceEstimated))
	mark(AttrTotalPriceEstimated, !samePrice(prev.TotalPriceEstimated, next.TotalPriceEstimated))
	mark(AttrLineNumber, prev.LineNumber != next.LineNumber)
	mark(AttrOrderRequestID, prev.OrderID != next.OrderID)
	mark(AttrQuantityReceivedTotal, prev.QuantityReceivedTotal != next.QuantityReceivedTotal)
	mark(AttrQuantityOpen, prev.QuantityOpen != next.QuantityOpen)
	mark(AttrReceiptStatus, prev.ReceiptStatus != next.ReceiptStatus)
	mark(AttrFunctionalCIs, !sameIDs(prev.FunctionalCIs, next.FunctionalCIs))
	return c
}

func samePrice(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
