package orderrequest

import (
	"context"

	"github.com/odyssey-erp/banf/internal/i18n"
)

// ReceiptRules implements the receipt entry hooks.
type ReceiptRules struct{}

// NewReceiptRules constructs ReceiptRules.
func NewReceiptRules() *ReceiptRules {
	return &ReceiptRules{}
}

func (r *ReceiptRules) parents(ctx context.Context, e *ReceiptEntry, hc HookContext) (*LineItem, *OrderRequest) {
	line := e.line
	if line == nil {
		if l, ok := hc.resolveLine(ctx, e.LineItemID); ok {
			line = l
		}
	}
	if line == nil {
		return nil, nil
	}
	order := line.order
	if order == nil {
		if o, ok := hc.resolveOrder(ctx, line.OrderID); ok {
			order = o
		}
	}
	return line, order
}

// Prefill defaults the receipt date and the receiving person.
func (r *ReceiptRules) Prefill(_ context.Context, e *ReceiptEntry, hc HookContext) {
	if e.ReceiptDate.IsZero() {
		e.ReceiptDate = hc.now()
	}
	if e.ReceivedByID == 0 && hc.ActorID > 0 {
		e.ReceivedByID = hc.ActorID
	}
}

// InitialFlags implements Hooks.
func (r *ReceiptRules) InitialFlags(*ReceiptEntry) AttributeFlags {
	return AttributeFlags{}
}

// Flags freezes the line reference once the receipt exists.
func (r *ReceiptRules) Flags(e *ReceiptEntry) AttributeFlags {
	flags := AttributeFlags{}
	if e.ID > 0 {
		flags.set(AttrLineItemID, FlagReadOnly)
	}
	return flags
}

// ComputeValues implements Hooks. Receipts carry no derived attributes.
func (r *ReceiptRules) ComputeValues(context.Context, *ReceiptEntry, HookContext) {}

// CheckToWrite guards the parent status, the mandatory fields and over-receipt.
func (r *ReceiptRules) CheckToWrite(ctx context.Context, e *ReceiptEntry, hc HookContext) Issues {
	var issues Issues
	line, order := r.parents(ctx, e, hc)
	if order == nil || order.Status != StatusReceiving {
		issues.block(i18n.ReceiptParentNotReceiving)
		return issues
	}
	if e.ReceiptDate.IsZero() {
		issues.block(i18n.ReceiptDateRequired)
	}
	if e.Quantity <= 0 {
		issues.block(i18n.ReceiptQtyMustBePositive)
	}
	if line == nil {
		issues.block(i18n.ReceiptLineItemMissing)
		return issues
	}
	total := receivedExcluding(line, e) + e.Quantity
	if total > line.Quantity {
		issues.block(i18n.ReceiptOverReceive, total, line.Quantity)
	}
	return issues
}

// AfterWrite recomputes the owning line's receiving rollup.
func (r *ReceiptRules) AfterWrite(ctx context.Context, e *ReceiptEntry, hc HookContext) {
	if line, _ := r.parents(ctx, e, hc); line != nil {
		ApplyRollup(line, nil)
	}
}

// CheckToDelete allows removal only while the parent order is receiving.
func (r *ReceiptRules) CheckToDelete(ctx context.Context, e *ReceiptEntry, hc HookContext) Issues {
	var issues Issues
	if _, order := r.parents(ctx, e, hc); order == nil || order.Status != StatusReceiving {
		issues.block(i18n.ReceiptParentNotReceiving)
	}
	return issues
}

// BeforeDelete recomputes the owning line's rollup as if e were already gone.
func (r *ReceiptRules) BeforeDelete(ctx context.Context, e *ReceiptEntry, hc HookContext) {
	if line, _ := r.parents(ctx, e, hc); line != nil {
		ApplyRollup(line, e)
	}
}

// AllowedTransitions implements Hooks. Receipts have no lifecycle of their own.
func (r *ReceiptRules) AllowedTransitions(context.Context, *ReceiptEntry, HookContext) []Stimulus {
	return nil
}

// Rollup is the receiving summary of a line item.
type Rollup struct {
	Received int64
	Open     int64
	Status   ReceiptStatus
}

// ComputeRollup derives open quantity and receipt status.
func ComputeRollup(ordered, received int64) Rollup {
	out := Rollup{Received: received, Open: openQuantity(ordered, received)}
	switch {
	case received == 0:
		out.Status = ReceiptNone
	case received < ordered:
		out.Status = ReceiptPartial
	case received == ordered:
		out.Status = ReceiptComplete
	default:
		out.Status = ReceiptOver
	}
	return out
}

// ApplyRollup recomputes the line's rollup from its receipts, skipping exclude.
// It reports whether any rollup field changed.
func ApplyRollup(line *LineItem, exclude *ReceiptEntry) bool {
	rollup := ComputeRollup(line.Quantity, receivedExcluding(line, exclude))
	changed := line.QuantityReceivedTotal != rollup.Received ||
		line.QuantityOpen != rollup.Open ||
		line.ReceiptStatus != rollup.Status
	line.QuantityReceivedTotal = rollup.Received
	line.QuantityOpen = rollup.Open
	line.ReceiptStatus = rollup.Status
	return changed
}

func receivedExcluding(line *LineItem, exclude *ReceiptEntry) int64 {
	var sum int64
	for _, r := range line.Receipts {
		if exclude != nil && (r == exclude || (exclude.ID > 0 && r.ID == exclude.ID)) {
			continue
		}
		sum += r.Quantity
	}
	return sum
}

func openQuantity(ordered, received int64) int64 {
	if received >= ordered {
		return 0
	}
	return ordered - received
}
