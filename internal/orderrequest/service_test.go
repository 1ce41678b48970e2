package orderrequest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/banf/internal/i18n"
	"github.com/odyssey-erp/banf/internal/shared"
)

type serviceFixture struct {
	svc         *Service
	repo        *memRepo
	approvals   *fakeApprovals
	audit       *fakeAudit
	idempotency *fakeIdempotency
	notifier    *fakeNotifier
	metrics     *fakeMetrics
}

func newFixture(policy Policy) *serviceFixture {
	f := &serviceFixture{
		repo:        newMemRepo(),
		approvals:   &fakeApprovals{},
		audit:       &fakeAudit{},
		idempotency: &fakeIdempotency{},
		notifier:    &fakeNotifier{},
		metrics:     newFakeMetrics(),
	}
	f.svc = NewService(ServiceConfig{
		Repo:        f.repo,
		Policy:      StaticPolicy(policy),
		Approvals:   f.approvals,
		Audit:       f.audit,
		Idempotency: f.idempotency,
		Notifier:    f.notifier,
		Metrics:     f.metrics,
		Logger:      discardLogger(),
		Now:         func() time.Time { return testNow },
	})
	return f
}

func (f *serviceFixture) createOrder(t *testing.T, typeID int64, lines ...LineInput) *OrderRequest {
	t.Helper()
	res, err := f.svc.CreateOrder(context.Background(), 1, OrderInput{Title: "Docking stations", RequestTypeID: typeID, Lines: lines})
	require.NoError(t, err)
	return res.Value
}

func (f *serviceFixture) advance(t *testing.T, id, actor int64, stimuli ...Stimulus) {
	t.Helper()
	for _, s := range stimuli {
		_, err := f.svc.ApplyStimulus(context.Background(), id, actor, s, StimulusInput{})
		require.NoError(t, err, "stimulus %s", s)
	}
}

func (f *serviceFixture) status(t *testing.T, id int64) Status {
	t.Helper()
	o, err := f.repo.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

func dockLine(qty int64, unit float64) LineInput {
	return LineInput{Name: "Dock", Quantity: qty, UoM: UoMEach, UnitPriceEstimated: price(unit)}
}

func TestServiceFullLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(DefaultPolicy())
	typ := f.repo.seedType(RequestType{Name: "Hardware", Code: "HW", Status: TypeActive, DefaultApproverID: 2, CostCenterDefault: "CC-100"})

	o := f.createOrder(t, typ.ID, dockLine(2, 100))
	require.Equal(t, StatusDraft, o.Status)
	require.Equal(t, int64(1), o.CallerID)
	require.Equal(t, int64(2), o.TechnicalApproverID)
	require.Equal(t, "CC-100", o.CostCenter)
	require.InDelta(t, 200.0, o.EstimatedTotalCost, 0.001)
	require.Len(t, o.Lines, 1)
	require.NotZero(t, o.Lines[0].ID)
	require.Equal(t, 1, o.Lines[0].LineNumber)

	f.advance(t, o.ID, 1, EvSubmit)
	f.advance(t, o.ID, 3, EvReview)
	f.advance(t, o.ID, 3, EvRequestApproval)
	require.Len(t, f.notifier.events, 1)
	require.Equal(t, TrackTechnical, f.notifier.events[0].Track)
	require.Equal(t, int64(2), f.notifier.events[0].ApproverID)
	require.Equal(t, o.Ref(), f.notifier.events[0].Ref)

	allowed, err := f.svc.AllowedTransitions(ctx, o.ID, 2)
	require.NoError(t, err)
	require.ElementsMatch(t, []Stimulus{EvApprove, EvReject}, allowed)

	res, err := f.svc.ApplyStimulus(ctx, o.ID, 2, EvApprove, StimulusInput{Comment: "ok"})
	require.NoError(t, err)
	require.Empty(t, res.Warnings)
	require.Equal(t, StatusApproved, res.Value.Status)
	require.Equal(t, int64(2), res.Value.TechnicalApproval.DecidedBy)
	require.Equal(t, "ok", res.Value.TechnicalApproval.Comment)

	_, err = f.svc.ApplyStimulus(ctx, o.ID, 3, EvProcure, StimulusInput{ProcurementRef: "PO-4711"})
	require.NoError(t, err)
	f.advance(t, o.ID, 3, EvReceive)

	lineID := o.Lines[0].ID
	receipt, err := f.svc.AddReceipt(ctx, lineID, 4, ReceiptInput{Quantity: 1})
	require.NoError(t, err)
	require.Equal(t, int64(4), receipt.Value.ReceivedByID)
	require.Equal(t, testNow, receipt.Value.ReceiptDate)

	got, err := f.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, "PO-4711", got.ProcurementRef)
	require.Equal(t, ReceiptPartial, got.Lines[0].ReceiptStatus)
	require.Equal(t, int64(1), got.Lines[0].QuantityOpen)

	f.advance(t, o.ID, 3, EvClose)
	require.Equal(t, StatusClosed, f.status(t, o.ID))

	history, err := f.svc.ApprovalHistory(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, shared.ApprovalSubmit, history[0].Action)
	require.Equal(t, shared.ApprovalRequest, history[1].Action)
	require.Equal(t, shared.ApprovalApprove, history[2].Action)
	require.Equal(t, ApprovalRef(o.ID), history[2].RefID)
	require.Equal(t, "ok", history[2].Note)
	require.Contains(t, f.audit.actions(), "ORDER_CREATE")
	require.Contains(t, f.audit.actions(), "RECEIPT_CREATE")
	require.Equal(t, 1, f.metrics.transitions["ev_approve/ok"])
	require.Equal(t, 1, f.metrics.receipts[ResultOK])
}

func TestServiceRejectsInapplicableStimulus(t *testing.T) {
	f := newFixture(DefaultPolicy())
	o := f.createOrder(t, 0, dockLine(1, 10))

	_, err := f.svc.ApplyStimulus(context.Background(), o.ID, 2, EvApprove, StimulusInput{})
	require.ErrorIs(t, err, ErrInvalidState)
	require.Equal(t, 1, f.metrics.transitions["ev_approve/invalid"])

	_, err = f.svc.ApplyStimulus(context.Background(), 9999, 2, EvSubmit, StimulusInput{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestServiceSubmitRequiresLines(t *testing.T) {
	f := newFixture(DefaultPolicy())
	o := f.createOrder(t, 0)

	_, err := f.svc.ApplyStimulus(context.Background(), o.ID, 1, EvSubmit, StimulusInput{})
	var issuesErr *IssuesError
	require.ErrorAs(t, err, &issuesErr)
	require.True(t, issuesErr.Issues.Has(i18n.OrderAtLeastOneLineItem))
	require.Equal(t, StatusDraft, f.status(t, o.ID))
	require.Equal(t, 1, f.metrics.transitions["ev_submit/blocked"])
	require.Empty(t, f.approvals.logs)
}

func TestServiceBudgetRoute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(DefaultPolicy())
	typ := f.repo.seedType(RequestType{Name: "Software", Code: "SW", Status: TypeActive, DefaultApproverID: 2,
		RequiresBudgetOwnerApproval: true, BudgetApproverID: 5})
	o := f.createOrder(t, typ.ID, dockLine(1, 500))
	require.Equal(t, int64(5), o.BudgetApproverID)
	f.advance(t, o.ID, 3, EvSubmit, EvReview, EvRequestApproval)

	_, err := f.svc.ApplyStimulus(ctx, o.ID, 2, EvApprove, StimulusInput{})
	var issuesErr *IssuesError
	require.ErrorAs(t, err, &issuesErr)
	require.True(t, issuesErr.Issues.Has(i18n.OrderBudgetRouteRequired))
	require.Equal(t, StatusWaitingApproval, f.status(t, o.ID))

	allowed, err := f.svc.AllowedTransitions(ctx, o.ID, 2)
	require.NoError(t, err)
	require.ElementsMatch(t, []Stimulus{EvReject, EvRequestBudgetApproval}, allowed)

	f.advance(t, o.ID, 2, EvRequestBudgetApproval)
	require.Len(t, f.notifier.events, 2)
	require.Equal(t, TrackBudget, f.notifier.events[1].Track)
	require.Equal(t, int64(5), f.notifier.events[1].ApproverID)

	res, err := f.svc.ApplyStimulus(ctx, o.ID, 5, EvBudgetApprove, StimulusInput{Comment: "budget ok"})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, res.Value.Status)
	require.Equal(t, int64(5), res.Value.BudgetApproval.DecidedBy)
	require.NotNil(t, res.Value.BudgetApproval.RequestedAt)
}

func TestServicePolicyModes(t *testing.T) {
	ctx := context.Background()
	self := RequestType{Name: "Hardware", Code: "HW", Status: TypeActive, DefaultApproverID: 1}

	warn := newFixture(DefaultPolicy())
	typ := warn.repo.seedType(self)
	o := warn.createOrder(t, typ.ID, dockLine(1, 10))
	warn.advance(t, o.ID, 3, EvSubmit, EvReview, EvRequestApproval)
	res, err := warn.svc.ApplyStimulus(ctx, o.ID, 1, EvApprove, StimulusInput{})
	require.NoError(t, err)
	require.True(t, res.Warnings.Has(i18n.OrderPolicySelfApproval))
	require.Equal(t, StatusApproved, res.Value.Status)

	enforce := newFixture(Policy{Mode: PolicyEnforce, RestrictToAssignedApprover: true, ForbidSelfApproval: true})
	typ = enforce.repo.seedType(self)
	o = enforce.createOrder(t, typ.ID, dockLine(1, 10))
	enforce.advance(t, o.ID, 3, EvSubmit, EvReview, EvRequestApproval)
	_, err = enforce.svc.ApplyStimulus(ctx, o.ID, 1, EvApprove, StimulusInput{})
	var issuesErr *IssuesError
	require.ErrorAs(t, err, &issuesErr)
	require.True(t, issuesErr.Issues.Has(i18n.OrderPolicySelfApproval))
	require.Equal(t, StatusWaitingApproval, enforce.status(t, o.ID))

	off := newFixture(Policy{Mode: PolicyOff, RestrictToAssignedApprover: true, ForbidSelfApproval: true})
	typ = off.repo.seedType(self)
	o = off.createOrder(t, typ.ID, dockLine(1, 10))
	off.advance(t, o.ID, 3, EvSubmit, EvReview, EvRequestApproval)
	res, err = off.svc.ApplyStimulus(ctx, o.ID, 9, EvApprove, StimulusInput{})
	require.NoError(t, err)
	require.Empty(t, res.Warnings)
}

func TestServiceTypeChangeRederivesApprovers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(DefaultPolicy())
	hw := f.repo.seedType(RequestType{Name: "Hardware", Code: "HW", Status: TypeActive, DefaultApproverID: 2})
	sw := f.repo.seedType(RequestType{Name: "Software", Code: "SW", Status: TypeActive, DefaultApproverID: 7,
		RequiresBudgetOwnerApproval: true, BudgetApproverID: 8})
	o := f.createOrder(t, hw.ID, dockLine(1, 10))

	res, err := f.svc.UpdateOrder(ctx, o.ID, 1, OrderPatch{RequestTypeID: &sw.ID})
	require.NoError(t, err)
	require.Equal(t, int64(7), res.Value.TechnicalApproverID)
	require.Equal(t, int64(8), res.Value.BudgetApproverID)

	res, err = f.svc.UpdateOrder(ctx, o.ID, 1, OrderPatch{RequestTypeID: &hw.ID})
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Value.TechnicalApproverID)
	require.Zero(t, res.Value.BudgetApproverID)

	title := "Monitors"
	res, err = f.svc.UpdateOrder(ctx, o.ID, 1, OrderPatch{Title: &title})
	require.NoError(t, err)
	require.Equal(t, "Monitors", res.Value.Title)
	require.Equal(t, int64(2), res.Value.TechnicalApproverID)
}

func TestServiceLineOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(DefaultPolicy())
	o := f.createOrder(t, 0, dockLine(1, 10))

	added, err := f.svc.AddLine(ctx, o.ID, 1, LineInput{Name: "Dock", Quantity: 3, UoM: UoMEach, UnitPriceEstimated: price(10)})
	require.NoError(t, err)
	require.Equal(t, 2, added.Value.LineNumber)
	require.True(t, added.Value.Order() != nil)
	require.True(t, added.Warnings.Has(i18n.LineDuplicateNameUom))

	got, err := f.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.InDelta(t, 40.0, got.EstimatedTotalCost, 0.001)

	qty := int64(5)
	_, err = f.svc.UpdateLine(ctx, added.Value.ID, 1, LinePatch{Quantity: &qty})
	require.NoError(t, err)
	got, err = f.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.InDelta(t, 60.0, got.EstimatedTotalCost, 0.001)

	f.advance(t, o.ID, 1, EvSubmit)

	qty = 9
	_, err = f.svc.UpdateLine(ctx, added.Value.ID, 1, LinePatch{Quantity: &qty})
	var issuesErr *IssuesError
	require.ErrorAs(t, err, &issuesErr)
	require.True(t, issuesErr.Issues.Has(i18n.LineParentNotEditable))

	linked, err := f.svc.LinkFunctionalCI(ctx, added.Value.ID, 77, 1)
	require.NoError(t, err)
	require.Equal(t, []int64{77}, linked.Value.FunctionalCIs)
	linked, err = f.svc.LinkFunctionalCI(ctx, added.Value.ID, 77, 1)
	require.NoError(t, err)
	require.Equal(t, []int64{77}, linked.Value.FunctionalCIs)
	unlinked, err := f.svc.UnlinkFunctionalCI(ctx, added.Value.ID, 77, 1)
	require.NoError(t, err)
	require.Empty(t, unlinked.Value.FunctionalCIs)

	_, err = f.svc.LinkFunctionalCI(ctx, added.Value.ID, 0, 1)
	require.ErrorIs(t, err, ErrValidation)

	err = f.svc.DeleteLine(ctx, added.Value.ID, 1)
	require.ErrorAs(t, err, &issuesErr)
	require.True(t, issuesErr.Issues.Has(i18n.LineDeleteNotAllowed))

	_, err = f.svc.AddLine(ctx, o.ID, 1, LineInput{Name: "Late", Quantity: 1, UoM: UoMEach})
	require.ErrorAs(t, err, &issuesErr)
	imported, err := f.svc.AddLine(ctx, o.ID, 1, LineInput{Name: "Late", Quantity: 1, UoM: UoMEach, Import: true})
	require.NoError(t, err)
	require.Equal(t, 3, imported.Value.LineNumber)
}

func TestServiceDeleteLineInDraftUpdatesTotal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(DefaultPolicy())
	o := f.createOrder(t, 0, dockLine(1, 10), LineInput{Name: "Cable", Quantity: 4, UoM: UoMEach, UnitPriceEstimated: price(2.5)})
	require.InDelta(t, 20.0, o.EstimatedTotalCost, 0.001)

	require.NoError(t, f.svc.DeleteLine(ctx, o.Lines[0].ID, 1))
	got, err := f.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, got.Lines, 1)
	require.InDelta(t, 10.0, got.EstimatedTotalCost, 0.001)
	require.Contains(t, f.audit.actions(), "LINE_DELETE")

	require.ErrorIs(t, f.svc.DeleteLine(ctx, 9999, 1), ErrNotFound)
}

func receivingOrder(t *testing.T, f *serviceFixture, qty int64) (*OrderRequest, int64) {
	t.Helper()
	typ := f.repo.seedType(RequestType{Name: "Hardware", Code: "HW", Status: TypeActive, DefaultApproverID: 2})
	o := f.createOrder(t, typ.ID, dockLine(qty, 10))
	f.advance(t, o.ID, 1, EvSubmit)
	f.advance(t, o.ID, 3, EvReview, EvRequestApproval)
	f.advance(t, o.ID, 2, EvApprove)
	f.advance(t, o.ID, 3, EvProcure, EvReceive)
	return o, o.Lines[0].ID
}

func TestServiceReceipts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(DefaultPolicy())
	o, lineID := receivingOrder(t, f, 10)

	first, err := f.svc.AddReceipt(ctx, lineID, 4, ReceiptInput{Quantity: 6, IdempotencyKey: "rcpt-1"})
	require.NoError(t, err)

	_, err = f.svc.AddReceipt(ctx, lineID, 4, ReceiptInput{Quantity: 6, IdempotencyKey: "rcpt-1"})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)

	_, err = f.svc.AddReceipt(ctx, lineID, 4, ReceiptInput{Quantity: 5, IdempotencyKey: "rcpt-2"})
	var issuesErr *IssuesError
	require.ErrorAs(t, err, &issuesErr)
	require.True(t, issuesErr.Issues.Has(i18n.ReceiptOverReceive))
	require.Contains(t, f.idempotency.deleted, "rcpt-2")
	require.Equal(t, 1, f.metrics.receipts[ResultBlocked])

	_, err = f.svc.AddReceipt(ctx, lineID, 4, ReceiptInput{Quantity: 4})
	require.NoError(t, err)
	got, err := f.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, ReceiptComplete, got.Lines[0].ReceiptStatus)
	require.Len(t, got.Lines[0].Receipts, 2)

	require.NoError(t, f.svc.DeleteReceipt(ctx, first.Value.ID, 4))
	got, err = f.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, int64(4), got.Lines[0].QuantityReceivedTotal)
	require.Equal(t, int64(6), got.Lines[0].QuantityOpen)
	require.Equal(t, ReceiptPartial, got.Lines[0].ReceiptStatus)

	f.advance(t, o.ID, 3, EvClose)
	err = f.svc.DeleteReceipt(ctx, got.Lines[0].Receipts[0].ID, 4)
	require.ErrorAs(t, err, &issuesErr)
	require.True(t, issuesErr.Issues.Has(i18n.ReceiptParentNotReceiving))
}

func TestServiceReceiptOutsideReceiving(t *testing.T) {
	f := newFixture(DefaultPolicy())
	o := f.createOrder(t, 0, dockLine(1, 10))

	_, err := f.svc.AddReceipt(context.Background(), o.Lines[0].ID, 4, ReceiptInput{Quantity: 1})
	var issuesErr *IssuesError
	require.ErrorAs(t, err, &issuesErr)
	require.True(t, issuesErr.Issues.Has(i18n.ReceiptParentNotReceiving))
}

func TestServiceReconcileRollups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(DefaultPolicy())
	o, lineID := receivingOrder(t, f, 10)
	_, err := f.svc.AddReceipt(ctx, lineID, 4, ReceiptInput{Quantity: 3})
	require.NoError(t, err)

	f.repo.orders[o.ID].Lines[0].QuantityOpen = 99
	f.repo.orders[o.ID].Lines[0].ReceiptStatus = ReceiptNone

	fixed, err := f.svc.ReconcileRollups(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, fixed)
	got, err := f.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, int64(7), got.Lines[0].QuantityOpen)
	require.Equal(t, ReceiptPartial, got.Lines[0].ReceiptStatus)

	fixed, err = f.svc.ReconcileRollups(ctx)
	require.NoError(t, err)
	require.Zero(t, fixed)
}

func TestServiceStoreFailureRollsBack(t *testing.T) {
	f := newFixture(DefaultPolicy())
	o := f.createOrder(t, 0, dockLine(1, 10))
	f.repo.failUpdateOrder = errStoreDown

	_, err := f.svc.ApplyStimulus(context.Background(), o.ID, 1, EvSubmit, StimulusInput{})
	require.ErrorIs(t, err, errStoreDown)
	require.Equal(t, 1, f.metrics.transitions["ev_submit/error"])

	f.repo.failUpdateOrder = nil
	require.Equal(t, StatusDraft, f.status(t, o.ID))
}

func TestServiceNotifierFailureDoesNotFailTransition(t *testing.T) {
	f := newFixture(DefaultPolicy())
	f.notifier.err = errors.New("queue unavailable")
	o := f.createOrder(t, 0, dockLine(1, 10))

	f.advance(t, o.ID, 1, EvSubmit, EvReview, EvRequestApproval)
	require.Equal(t, StatusWaitingApproval, f.status(t, o.ID))
}

func TestServiceTypes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(DefaultPolicy())

	_, err := f.svc.CreateType(ctx, 1, TypeInput{Name: "Software", Code: "sw", RequiresBudgetOwnerApproval: true})
	var issuesErr *IssuesError
	require.ErrorAs(t, err, &issuesErr)
	require.True(t, issuesErr.Issues.Has(i18n.TypeBudgetApproverRequired))

	res, err := f.svc.CreateType(ctx, 1, TypeInput{Name: "Software", Code: "sw", RequiresBudgetOwnerApproval: true, BudgetApproverID: 5})
	require.NoError(t, err)
	require.Equal(t, "SW", res.Value.Code)
	require.Equal(t, TypeActive, res.Value.Status)
	require.True(t, f.svc.TypeFlags(res.Value).Has(AttrBudgetApproverID, FlagMandatory))

	_, err = f.svc.CreateType(ctx, 1, TypeInput{Name: "Other", Code: "SW"})
	require.ErrorIs(t, err, ErrDuplicate)

	updated, err := f.svc.UpdateType(ctx, res.Value.ID, 1, TypeInput{Name: "Software", Code: "SW", Status: TypeInactive})
	require.NoError(t, err)
	require.Equal(t, TypeInactive, updated.Value.Status)

	_, err = f.svc.UpdateType(ctx, 9999, 1, TypeInput{Name: "X", Code: "X", Status: TypeActive})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestServiceListAndFlags(t *testing.T) {
	ctx := context.Background()
	f := newFixture(DefaultPolicy())
	a := f.createOrder(t, 0, dockLine(1, 10))
	f.createOrder(t, 0, dockLine(1, 10))
	f.advance(t, a.ID, 1, EvSubmit)

	rows, total, err := f.svc.ListOrders(ctx, 0, 0, ListFilters{Status: StatusSubmitted})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, a.ID, rows[0].ID)

	orderFlags, lineFlags, err := f.svc.FlagsForOrder(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, orderFlags.Has(AttrEstimatedTotalCost, FlagReadOnly))
	require.True(t, lineFlags[a.Lines[0].ID].Has(AttrQuantity, FlagReadOnly))
}

func TestApprovalRefIsStable(t *testing.T) {
	require.Equal(t, ApprovalRef(42), ApprovalRef(42))
	require.NotEqual(t, ApprovalRef(42), ApprovalRef(43))
}
