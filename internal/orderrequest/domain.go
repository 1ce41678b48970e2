package orderrequest

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the order request lifecycle status.
type Status string

const (
	StatusDraft                 Status = "draft"
	StatusSubmitted             Status = "submitted"
	StatusInReview              Status = "in_review"
	StatusWaitingApproval       Status = "waiting_approval"
	StatusWaitingBudgetApproval Status = "waiting_budget_approval"
	StatusApproved              Status = "approved"
	StatusRejected              Status = "rejected"
	StatusProcurement           Status = "procurement"
	StatusReceiving             Status = "receiving"
	StatusClosed                Status = "closed"
)

// Terminal reports whether no further stimulus applies.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusRejected
}

// Stimulus names a lifecycle event applied to an order request.
type Stimulus string

const (
	EvSubmit                Stimulus = "ev_submit"
	EvReview                Stimulus = "ev_review"
	EvRequestApproval       Stimulus = "ev_request_approval"
	EvApprove               Stimulus = "ev_approve"
	EvReject                Stimulus = "ev_reject"
	EvRequestBudgetApproval Stimulus = "ev_request_budget_approval"
	EvBudgetApprove         Stimulus = "ev_budget_approve"
	EvBudgetReject          Stimulus = "ev_budget_reject"
	EvProcure               Stimulus = "ev_procure"
	EvReceive               Stimulus = "ev_receive"
	EvClose                 Stimulus = "ev_close"
)

// TypeStatus marks whether a request type can be selected.
type TypeStatus string

const (
	TypeActive   TypeStatus = "active"
	TypeInactive TypeStatus = "inactive"
)

// UoM is the commercial unit of measure of a line item.
type UoM string

const (
	UoMEach      UoM = "EA"
	UoMPersonDay UoM = "PT"
	UoMHour      UoM = "HUR"
	UoMLicense   UoM = "LIC"
	UoMSet       UoM = "SET"
	UoMMonth     UoM = "MON"
	UoMYear      UoM = "ANN"
)

// Valid reports whether u is one of the supported units.
func (u UoM) Valid() bool {
	switch u {
	case UoMEach, UoMPersonDay, UoMHour, UoMLicense, UoMSet, UoMMonth, UoMYear:
		return true
	}
	return false
}

// ReceiptStatus summarises deliveries against a line item.
type ReceiptStatus string

const (
	ReceiptNone     ReceiptStatus = "none"
	ReceiptPartial  ReceiptStatus = "partial"
	ReceiptComplete ReceiptStatus = "complete"
	ReceiptOver     ReceiptStatus = "over"
)

// Attribute names used for change tracking and attribute flags.
const (
	AttrRef                 = "ref"
	AttrStatus              = "status"
	AttrStartDate           = "start_date"
	AttrLastUpdate          = "last_update"
	AttrRequestTypeID       = "request_type_id"
	AttrTitle               = "title"
	AttrDescription         = "description"
	AttrCostCenter          = "cost_center"
	AttrExpectedDelivery    = "expected_delivery_date"
	AttrEstimatedTotalCost  = "estimated_total_cost"
	AttrTechnicalApproverID = "technical_approver_id"
	AttrBudgetApproverID    = "budget_approver_id"
	AttrProcurementRef      = "procurement_reference"
	AttrLineItems           = "line_items"
	AttrRelatedRecords      = "related_records"

	AttrName                  = "name"
	AttrOrderRequestID        = "order_request_id"
	AttrLineNumber            = "line_number"
	AttrVendorSKU             = "vendor_sku"
	AttrQuantity              = "quantity"
	AttrUoM                   = "uom"
	AttrUnitPriceEstimated    = "unit_price_estimated"
	AttrTotalPriceEstimated   = "total_price_estimated"
	AttrQuantityReceivedTotal = "quantity_received_total"
	AttrQuantityOpen          = "quantity_open"
	AttrReceiptStatus         = "receipt_status"
	AttrReceipts              = "receipts"
	AttrFunctionalCIs         = "functional_cis"

	AttrLineItemID   = "line_item_id"
	AttrReceiptDate  = "receipt_date"
	AttrReceivedByID = "received_by_id"

	AttrCode              = "code"
	AttrDefaultApproverID = "default_approver_id"
	AttrRequiresBudget    = "requires_budget_owner_approval"
)

// commercialAttrs are the line attributes frozen once the order leaves draft.
var commercialAttrs = []string{
	AttrName, AttrVendorSKU, AttrQuantity, AttrUoM, AttrUnitPriceEstimated,
	AttrTotalPriceEstimated, AttrDescription, AttrLineNumber, AttrOrderRequestID,
}

// RequestType configures approvers for a category of order requests.
type RequestType struct {
	ID                          int64
	OrgID                       int64
	Name                        string
	Code                        string
	Description                 string
	Status                      TypeStatus
	DefaultApproverID           int64
	RequiresBudgetOwnerApproval bool
	BudgetApproverID            int64
	CostCenterDefault           string
}

// ApprovalTrack holds the metadata of one approval branch.
type ApprovalTrack struct {
	RequestedAt *time.Time
	DecidedAt   *time.Time
	DecidedBy   int64
	Comment     string
}

// RelatedRecords links an order request to the ticket it originates from.
type RelatedRecords struct {
	RequestID  int64
	IncidentID int64
	ProblemID  int64
	ChangeID   int64
}

// OrderRequest is the workflow aggregate root. It owns its line items.
type OrderRequest struct {
	ID                   int64
	OrgID                int64
	CallerID             int64
	Title                string
	Status               Status
	RequestTypeID        int64
	Description          string
	CostCenter           string
	ExpectedDeliveryDate *time.Time
	EstimatedTotalCost   float64
	TechnicalApproverID  int64
	BudgetApproverID     int64
	TechnicalApproval    ApprovalTrack
	BudgetApproval       ApprovalTrack
	ProcurementRef       string
	Related              RelatedRecords
	StartDate            time.Time
	LastUpdate           time.Time
	Lines                []*LineItem
}

// Ref renders the human readable reference, e.g. OR-000042.
func (o *OrderRequest) Ref() string {
	if o == nil || o.ID == 0 {
		return ""
	}
	return fmt.Sprintf("OR-%06d", o.ID)
}

// Link sets the back-references of all owned lines and receipts.
func (o *OrderRequest) Link() {
	for _, line := range o.Lines {
		line.order = o
		line.OrderID = o.ID
		for _, r := range line.Receipts {
			r.line = line
			r.LineItemID = line.ID
		}
	}
}

// Line returns the owned line with the given id.
func (o *OrderRequest) Line(id int64) (*LineItem, bool) {
	if o == nil || id == 0 {
		return nil, false
	}
	for _, line := range o.Lines {
		if line.ID == id {
			return line, true
		}
	}
	return nil, false
}

// Receipt returns the receipt with the given id and its owning line.
func (o *OrderRequest) Receipt(id int64) (*ReceiptEntry, *LineItem, bool) {
	if o == nil || id == 0 {
		return nil, nil, false
	}
	for _, line := range o.Lines {
		for _, r := range line.Receipts {
			if r.ID == id {
				return r, line, true
			}
		}
	}
	return nil, nil, false
}

// AddLine attaches line to the collection.
func (o *OrderRequest) AddLine(line *LineItem) {
	line.order = o
	line.OrderID = o.ID
	o.Lines = append(o.Lines, line)
}

// RemoveLine detaches line from the collection.
func (o *OrderRequest) RemoveLine(line *LineItem) {
	kept := o.Lines[:0]
	for _, l := range o.Lines {
		if l != line {
			kept = append(kept, l)
		}
	}
	o.Lines = kept
}

// NextLineNumber returns max(line number)+1 over the lines other than self, or 1.
func (o *OrderRequest) NextLineNumber(self *LineItem) int {
	highest := 0
	for _, l := range o.Lines {
		if l == self {
			continue
		}
		if l.LineNumber > highest {
			highest = l.LineNumber
		}
	}
	return highest + 1
}

// RecomputeTotal sums the estimated totals of all lines.
func (o *OrderRequest) RecomputeTotal() {
	sum := decimal.Zero
	for _, l := range o.Lines {
		if l.TotalPriceEstimated != nil {
			sum = sum.Add(decimal.NewFromFloat(*l.TotalPriceEstimated))
			continue
		}
		sum = sum.Add(lineTotal(l.Quantity, l.unitPrice()))
	}
	o.EstimatedTotalCost = roundMoney(sum)
}

// LineItem is one requested article or service.
type LineItem struct {
	ID                    int64
	OrderID               int64
	LineNumber            int
	Name                  string
	VendorSKU             string
	Description           string
	Quantity              int64
	UoM                   UoM
	UnitPriceEstimated    *float64
	TotalPriceEstimated   *float64
	QuantityReceivedTotal int64
	QuantityOpen          int64
	ReceiptStatus         ReceiptStatus
	Receipts              []*ReceiptEntry
	FunctionalCIs         []int64

	order *OrderRequest
}

// Order returns the owning order request, if linked.
func (l *LineItem) Order() *OrderRequest {
	return l.order
}

func (l *LineItem) unitPrice() float64 {
	if l.UnitPriceEstimated == nil {
		return 0
	}
	return *l.UnitPriceEstimated
}

// AddReceipt attaches r to the line.
func (l *LineItem) AddReceipt(r *ReceiptEntry) {
	r.line = l
	r.LineItemID = l.ID
	l.Receipts = append(l.Receipts, r)
}

// RemoveReceipt detaches r from the line.
func (l *LineItem) RemoveReceipt(r *ReceiptEntry) {
	kept := l.Receipts[:0]
	for _, x := range l.Receipts {
		if x != r {
			kept = append(kept, x)
		}
	}
	l.Receipts = kept
}

// HasCI reports whether the functional CI is linked.
func (l *LineItem) HasCI(ciID int64) bool {
	for _, id := range l.FunctionalCIs {
		if id == ciID {
			return true
		}
	}
	return false
}

func (l *LineItem) clone() *LineItem {
	c := *l
	if l.UnitPriceEstimated != nil {
		v := *l.UnitPriceEstimated
		c.UnitPriceEstimated = &v
	}
	if l.TotalPriceEstimated != nil {
		v := *l.TotalPriceEstimated
		c.TotalPriceEstimated = &v
	}
	c.FunctionalCIs = append([]int64(nil), l.FunctionalCIs...)
	c.Receipts = append([]*ReceiptEntry(nil), l.Receipts...)
	return &c
}

// ReceiptEntry records one delivery against a line item.
type ReceiptEntry struct {
	ID           int64
	LineItemID   int64
	Quantity     int64
	ReceiptDate  time.Time
	ReceivedByID int64
	Note         string

	line *LineItem
}

// Line returns the owning line item, if linked.
func (r *ReceiptEntry) Line() *LineItem {
	return r.line
}

// lineTotal is qty × unit rounded half away from zero to cents. The product is
// taken on the decimal values so half-cent prices round like they read.
func lineTotal(qty int64, unit float64) decimal.Decimal {
	return decimal.NewFromFloat(unit).Mul(decimal.NewFromInt(qty)).Round(2)
}

func roundMoney(v decimal.Decimal) float64 {
	return v.Round(2).InexactFloat64()
}

var (
	// ErrInvalidState occurs when a stimulus does not apply to the current status.
	ErrInvalidState = errors.New("orderrequest: invalid state transition")
	// ErrNotFound indicates record missing.
	ErrNotFound = errors.New("orderrequest: not found")
	// ErrValidation indicates invalid input or blocking issues.
	ErrValidation = errors.New("orderrequest: invalid input")
	// ErrDuplicate indicates a unique key clash, e.g. a type code reused within an organization.
	ErrDuplicate = errors.New("orderrequest: duplicate")
)
