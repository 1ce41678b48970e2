package orderrequest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/banf/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetType(ctx context.Context, id int64) (RequestType, error)
	GetOrder(ctx context.Context, id int64) (*OrderRequest, error)
	ListOrders(ctx context.Context, limit, offset int, filters ListFilters) ([]OrderSummary, int, error)
	ListOrderIDsByStatus(ctx context.Context, status Status) ([]int64, error)
	FindLineOrderID(ctx context.Context, lineID int64) (int64, error)
	FindReceiptOrderID(ctx context.Context, receiptID int64) (int64, error)
}

// ApprovalPort records and reads the approval history of order requests.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
	List(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards retried receipt postings.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// MetricsPort counts workflow outcomes.
type MetricsPort interface {
	ObserveTransition(stimulus, result string)
	ObserveReceipt(result string)
}

// ServiceConfig wires Service dependencies. Only Repo is required.
type ServiceConfig struct {
	Repo        RepositoryPort
	Policy      PolicyLoader
	Approvals   ApprovalPort
	Audit       AuditPort
	Idempotency IdempotencyPort
	Notifier    Notifier
	Metrics     MetricsPort
	Logger      *slog.Logger
	Now         func() time.Time
}

// Service orchestrates order request workflows. Every write runs as one
// transactional attempt that is aborted by blocking issues.
type Service struct {
	repo        RepositoryPort
	policy      PolicyLoader
	approvals   ApprovalPort
	audit       AuditPort
	idempotency IdempotencyPort
	notifier    Notifier
	metrics     MetricsPort
	logger      *slog.Logger
	now         func() time.Time

	types    *TypeRules
	lines    *LineRules
	receipts *ReceiptRules
}

const (
	approvalModule    = "BANF"
	idempotencyModule = "banf.receipt"
)

// Outcome labels used for metrics.
const (
	ResultOK      = "ok"
	ResultBlocked = "blocked"
	ResultInvalid = "invalid"
	ResultError   = "error"
)

// NewService constructs the order request service.
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		repo:        cfg.Repo,
		policy:      cfg.Policy,
		approvals:   cfg.Approvals,
		audit:       cfg.Audit,
		idempotency: cfg.Idempotency,
		notifier:    cfg.Notifier,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		now:         cfg.Now,
		types:       NewTypeRules(),
		lines:       NewLineRules(),
		receipts:    NewReceiptRules(),
	}
	if s.policy == nil {
		s.policy = StaticPolicy(DefaultPolicy())
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Result pairs a written object with the advisory issues raised for it.
type Result[T any] struct {
	Value    T
	Warnings Issues
}

// TypeInput describes a request type write.
type TypeInput struct {
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

func (in TypeInput) apply(t *RequestType) {
	t.OrgID = in.OrgID
	t.Name = in.Name
	t.Code = in.Code
	t.Description = in.Description
	t.Status = in.Status
	t.DefaultApproverID = in.DefaultApproverID
	t.RequiresBudgetOwnerApproval = in.RequiresBudgetOwnerApproval
	t.BudgetApproverID = in.BudgetApproverID
	t.CostCenterDefault = in.CostCenterDefault
}

// OrderInput describes order request creation.
type OrderInput struct {
	OrgID                int64
	Title                string
	RequestTypeID        int64
	Description          string
	CostCenter           string
	ExpectedDeliveryDate *time.Time
	TechnicalApproverID  int64
	BudgetApproverID     int64
	Related              RelatedRecords
	Lines                []LineInput
}

// OrderPatch describes a partial header update. Nil fields are left unchanged.
type OrderPatch struct {
	Title                *string
	RequestTypeID        *int64
	Description          *string
	CostCenter           *string
	ExpectedDeliveryDate *time.Time
	TechnicalApproverID  *int64
	BudgetApproverID     *int64
	Related              *RelatedRecords
}

// LineInput describes a new line item.
type LineInput struct {
	Name               string
	VendorSKU          string
	Description        string
	Quantity           int64
	UoM                UoM
	UnitPriceEstimated *float64
	FunctionalCIs      []int64
	// Import allows adding the line to an order that already left draft.
	Import bool
}

func (in LineInput) build() *LineItem {
	return &LineItem{
		Name:               in.Name,
		VendorSKU:          in.VendorSKU,
		Description:        in.Description,
		Quantity:           in.Quantity,
		UoM:                in.UoM,
		UnitPriceEstimated: in.UnitPriceEstimated,
		FunctionalCIs:      append([]int64(nil), in.FunctionalCIs...),
	}
}

// LinePatch describes a partial line update. Nil fields are left unchanged.
type LinePatch struct {
	Name               *string
	VendorSKU          *string
	Description        *string
	Quantity           *int64
	UoM                *UoM
	UnitPriceEstimated *float64
	FunctionalCIs      *[]int64
}

// ReceiptInput describes a delivery posting.
type ReceiptInput struct {
	Quantity       int64
	ReceiptDate    time.Time
	ReceivedByID   int64
	Note           string
	IdempotencyKey string
}

// CreateType validates and persists a request type.
func (s *Service) CreateType(ctx context.Context, actorID int64, in TypeInput) (Result[RequestType], error) {
	var out Result[RequestType]
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t := &RequestType{}
		in.apply(t)
		hc := HookContext{IsNew: true, ActorID: actorID, Now: s.now()}
		s.types.Prefill(ctx, t, hc)
		s.types.ComputeValues(ctx, t, hc)
		issues := s.types.CheckToWrite(ctx, t, hc)
		if err := abortOnBlocking(issues); err != nil {
			return err
		}
		id, err := tx.CreateType(ctx, *t)
		if err != nil {
			return err
		}
		t.ID = id
		out = Result[RequestType]{Value: *t, Warnings: issues.Warnings()}
		return nil
	})
	if err != nil {
		return Result[RequestType]{}, err
	}
	s.recordAudit(ctx, actorID, "TYPE_CREATE", "request_type", out.Value.ID, map[string]any{"code": out.Value.Code})
	return out, nil
}

// UpdateType replaces the attributes of a request type.
func (s *Service) UpdateType(ctx context.Context, id, actorID int64, in TypeInput) (Result[RequestType], error) {
	var out Result[RequestType]
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.GetType(ctx, id)
		if err != nil {
			return err
		}
		in.apply(&t)
		hc := HookContext{ActorID: actorID, Now: s.now()}
		s.types.ComputeValues(ctx, &t, hc)
		issues := s.types.CheckToWrite(ctx, &t, hc)
		if err := abortOnBlocking(issues); err != nil {
			return err
		}
		if err := tx.UpdateType(ctx, t); err != nil {
			return err
		}
		out = Result[RequestType]{Value: t, Warnings: issues.Warnings()}
		return nil
	})
	if err != nil {
		return Result[RequestType]{}, err
	}
	s.recordAudit(ctx, actorID, "TYPE_UPDATE", "request_type", id, nil)
	return out, nil
}

// GetType returns a request type.
func (s *Service) GetType(ctx context.Context, id int64) (RequestType, error) {
	return s.repo.GetType(ctx, id)
}

// TypeFlags returns the attribute flags of a request type.
func (s *Service) TypeFlags(t RequestType) AttributeFlags {
	if t.ID == 0 {
		return s.types.InitialFlags(&t)
	}
	return s.types.Flags(&t)
}

// CreateOrder creates a draft order request, optionally with its first lines.
func (s *Service) CreateOrder(ctx context.Context, actorID int64, in OrderInput) (Result[*OrderRequest], error) {
	rules := NewOrderRules(s.policy.Load(ctx))
	var out Result[*OrderRequest]
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		now := s.now()
		o := &OrderRequest{
			OrgID:                in.OrgID,
			Title:                in.Title,
			RequestTypeID:        in.RequestTypeID,
			Description:          in.Description,
			CostCenter:           in.CostCenter,
			ExpectedDeliveryDate: in.ExpectedDeliveryDate,
			TechnicalApproverID:  in.TechnicalApproverID,
			BudgetApproverID:     in.BudgetApproverID,
			Related:              in.Related,
		}
		changes := Changes{}
		if in.RequestTypeID > 0 {
			changes = ChangesOf(AttrRequestTypeID)
		}
		hc := HookContext{
			IsNew:    true,
			Changes:  changes,
			ActorID:  actorID,
			Now:      now,
			Resolver: aggregateResolver{order: o, types: s.txTypes(tx)},
		}
		rules.Prefill(ctx, o, hc)

		var issues Issues
		for _, li := range in.Lines {
			line := li.build()
			lhc := HookContext{IsNew: true, ActorID: actorID, Now: now, Source: o, Import: li.Import}
			s.lines.Prefill(ctx, line, lhc)
			s.lines.ComputeValues(ctx, line, lhc)
			issues = append(issues, s.lines.CheckToWrite(ctx, line, lhc)...)
			o.AddLine(line)
		}
		rules.ComputeValues(ctx, o, hc)
		issues = append(issues, rules.CheckToWrite(ctx, o, hc)...)
		if err := abortOnBlocking(issues); err != nil {
			return err
		}

		id, err := tx.CreateOrder(ctx, o)
		if err != nil {
			return err
		}
		o.ID = id
		o.Link()
		for _, line := range o.Lines {
			lineID, err := tx.InsertLine(ctx, line)
			if err != nil {
				return err
			}
			line.ID = lineID
		}
		out = Result[*OrderRequest]{Value: o, Warnings: issues.Warnings()}
		return nil
	})
	if err != nil {
		return Result[*OrderRequest]{}, err
	}
	s.recordAudit(ctx, actorID, "ORDER_CREATE", "order_request", out.Value.ID, map[string]any{"ref": out.Value.Ref()})
	return out, nil
}

// UpdateOrder applies a header patch. Changing the type re-derives approvers.
func (s *Service) UpdateOrder(ctx context.Context, id, actorID int64, patch OrderPatch) (Result[*OrderRequest], error) {
	rules := NewOrderRules(s.policy.Load(ctx))
	var out Result[*OrderRequest]
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		changes := patch.applyTo(o)
		hc := HookContext{
			Changes:  changes,
			ActorID:  actorID,
			Now:      s.now(),
			Resolver: aggregateResolver{order: o, types: s.txTypes(tx)},
		}
		rules.ComputeValues(ctx, o, hc)
		issues := rules.CheckToWrite(ctx, o, hc)
		if err := abortOnBlocking(issues); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		out = Result[*OrderRequest]{Value: o, Warnings: issues.Warnings()}
		return nil
	})
	if err != nil {
		return Result[*OrderRequest]{}, err
	}
	return out, nil
}

func (p OrderPatch) applyTo(o *OrderRequest) Changes {
	c := Changes{}
	if p.Title != nil && *p.Title != o.Title {
		o.Title = *p.Title
		c[AttrTitle] = struct{}{}
	}
	if p.RequestTypeID != nil && *p.RequestTypeID != o.RequestTypeID {
		o.RequestTypeID = *p.RequestTypeID
		c[AttrRequestTypeID] = struct{}{}
	}
	if p.Description != nil && *p.Description != o.Description {
		o.Description = *p.Description
		c[AttrDescription] = struct{}{}
	}
	if p.CostCenter != nil && *p.CostCenter != o.CostCenter {
		o.CostCenter = *p.CostCenter
		c[AttrCostCenter] = struct{}{}
	}
	if p.ExpectedDeliveryDate != nil {
		d := *p.ExpectedDeliveryDate
		o.ExpectedDeliveryDate = &d
		c[AttrExpectedDelivery] = struct{}{}
	}
	if p.TechnicalApproverID != nil && *p.TechnicalApproverID != o.TechnicalApproverID {
		o.TechnicalApproverID = *p.TechnicalApproverID
		c[AttrTechnicalApproverID] = struct{}{}
	}
	if p.BudgetApproverID != nil && *p.BudgetApproverID != o.BudgetApproverID {
		o.BudgetApproverID = *p.BudgetApproverID
		c[AttrBudgetApproverID] = struct{}{}
	}
	if p.Related != nil && *p.Related != o.Related {
		o.Related = *p.Related
		c[AttrRelatedRecords] = struct{}{}
	}
	return c
}

// GetOrder returns the order request with its lines and receipts.
func (s *Service) GetOrder(ctx context.Context, id int64) (*OrderRequest, error) {
	return s.repo.GetOrder(ctx, id)
}

// ListOrders returns a filtered page of order request headers.
func (s *Service) ListOrders(ctx context.Context, limit, offset int, filters ListFilters) ([]OrderSummary, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListOrders(ctx, limit, offset, filters)
}

// AllowedTransitions lists the stimuli actorID may apply to the order now.
func (s *Service) AllowedTransitions(ctx context.Context, id, actorID int64) ([]Stimulus, error) {
	o, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	rules := NewOrderRules(s.policy.Load(ctx))
	hc := HookContext{ActorID: actorID, Now: s.now(), Resolver: aggregateResolver{order: o, types: s.repoTypes()}}
	return rules.AllowedTransitions(ctx, o, hc), nil
}

// FlagsForOrder returns the order's attribute flags and those of each line keyed by line id.
func (s *Service) FlagsForOrder(ctx context.Context, id int64) (AttributeFlags, map[int64]AttributeFlags, error) {
	o, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rules := NewOrderRules(s.policy.Load(ctx))
	lineFlags := make(map[int64]AttributeFlags, len(o.Lines))
	for _, line := range o.Lines {
		lineFlags[line.ID] = s.lines.Flags(line)
	}
	return rules.Flags(o), lineFlags, nil
}

// ApplyStimulus validates and applies a lifecycle event.
func (s *Service) ApplyStimulus(ctx context.Context, id, actorID int64, stimulus Stimulus, in StimulusInput) (Result[*OrderRequest], error) {
	rules := NewOrderRules(s.policy.Load(ctx))
	var (
		out  Result[*OrderRequest]
		from Status
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		if _, ok := Target(o.Status, stimulus); !ok {
			return fmt.Errorf("%w: %s from %s", ErrInvalidState, stimulus, o.Status)
		}
		now := s.now()
		hc := HookContext{
			Changes:  ChangesOf(AttrStatus),
			Stimulus: stimulus,
			ActorID:  actorID,
			Now:      now,
			Resolver: aggregateResolver{order: o, types: s.txTypes(tx)},
		}
		rules.ComputeValues(ctx, o, hc)
		issues := rules.CheckToWrite(ctx, o, hc)
		if err := abortOnBlocking(issues); err != nil {
			return err
		}
		from = o.Status
		if err := applyStimulus(o, stimulus, actorID, now, in); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		out = Result[*OrderRequest]{Value: o, Warnings: issues.Warnings()}
		return nil
	})
	s.observeTransition(stimulus, err)
	if err != nil {
		return Result[*OrderRequest]{}, err
	}

	o := out.Value
	s.logger.Info("order request transition",
		slog.Int64("order_id", o.ID),
		slog.String("stimulus", string(stimulus)),
		slog.String("from", string(from)),
		slog.String("to", string(o.Status)),
		slog.Int("warnings", len(out.Warnings)))
	s.recordApproval(ctx, o, stimulus, actorID, in.Comment)
	s.recordAudit(ctx, actorID, "ORDER_"+string(stimulus), "order_request", o.ID, map[string]any{"from": from, "to": o.Status})
	s.notifyApprovalRequested(ctx, o, stimulus)
	return out, nil
}

func (s *Service) observeTransition(stimulus Stimulus, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveTransition(string(stimulus), resultLabel(err))
}

func resultLabel(err error) string {
	var issuesErr *IssuesError
	switch {
	case err == nil:
		return ResultOK
	case errors.As(err, &issuesErr):
		return ResultBlocked
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotFound):
		return ResultInvalid
	default:
		return ResultError
	}
}

// AddLine appends a line item to an order request.
func (s *Service) AddLine(ctx context.Context, orderID, actorID int64, in LineInput) (Result[*LineItem], error) {
	var out Result[*LineItem]
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		line := in.build()
		hc := HookContext{
			IsNew:    true,
			ActorID:  actorID,
			Now:      s.now(),
			OrderID:  orderID,
			Source:   o,
			Import:   in.Import,
			Resolver: aggregateResolver{order: o},
		}
		s.lines.Prefill(ctx, line, hc)
		s.lines.ComputeValues(ctx, line, hc)
		issues := s.lines.CheckToWrite(ctx, line, hc)
		if err := abortOnBlocking(issues); err != nil {
			return err
		}
		o.AddLine(line)
		line.ID, err = tx.InsertLine(ctx, line)
		if err != nil {
			return err
		}
		if err := s.afterLineWrite(ctx, tx, o, line, hc); err != nil {
			return err
		}
		out = Result[*LineItem]{Value: line, Warnings: issues.Warnings()}
		return nil
	})
	if err != nil {
		return Result[*LineItem]{}, err
	}
	return out, nil
}

// UpdateLine applies a patch to a line item.
func (s *Service) UpdateLine(ctx context.Context, lineID, actorID int64, patch LinePatch) (Result[*LineItem], error) {
	return s.mutateLine(ctx, lineID, actorID, patch.applyTo)
}

// LinkFunctionalCI attaches a functional CI to a line. It is allowed in any status.
func (s *Service) LinkFunctionalCI(ctx context.Context, lineID, ciID, actorID int64) (Result[*LineItem], error) {
	if ciID <= 0 {
		return Result[*LineItem]{}, ErrValidation
	}
	return s.mutateLine(ctx, lineID, actorID, func(l *LineItem) {
		if !l.HasCI(ciID) {
			l.FunctionalCIs = append(l.FunctionalCIs, ciID)
		}
	})
}

// UnlinkFunctionalCI detaches a functional CI from a line.
func (s *Service) UnlinkFunctionalCI(ctx context.Context, lineID, ciID, actorID int64) (Result[*LineItem], error) {
	return s.mutateLine(ctx, lineID, actorID, func(l *LineItem) {
		kept := make([]int64, 0, len(l.FunctionalCIs))
		for _, id := range l.FunctionalCIs {
			if id != ciID {
				kept = append(kept, id)
			}
		}
		l.FunctionalCIs = kept
	})
}

func (s *Service) mutateLine(ctx context.Context, lineID, actorID int64, mutate func(*LineItem)) (Result[*LineItem], error) {
	orderID, err := s.repo.FindLineOrderID(ctx, lineID)
	if err != nil {
		return Result[*LineItem]{}, err
	}
	var out Result[*LineItem]
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		line, ok := o.Line(lineID)
		if !ok {
			return ErrNotFound
		}
		prev := line.clone()
		mutate(line)
		changes := diffLine(prev, line)
		if len(changes) == 0 {
			out = Result[*LineItem]{Value: line}
			return nil
		}
		hc := HookContext{
			Changes:  changes,
			ActorID:  actorID,
			Now:      s.now(),
			Resolver: aggregateResolver{order: o},
		}
		s.lines.ComputeValues(ctx, line, hc)
		issues := s.lines.CheckToWrite(ctx, line, hc)
		if err := abortOnBlocking(issues); err != nil {
			return err
		}
		if err := tx.UpdateLine(ctx, line); err != nil {
			return err
		}
		if changes.Has(AttrFunctionalCIs) {
			if err := tx.SetLineCIs(ctx, line.ID, line.FunctionalCIs); err != nil {
				return err
			}
		}
		if err := s.afterLineWrite(ctx, tx, o, line, hc); err != nil {
			return err
		}
		out = Result[*LineItem]{Value: line, Warnings: issues.Warnings()}
		return nil
	})
	if err != nil {
		return Result[*LineItem]{}, err
	}
	return out, nil
}

// afterLineWrite propagates the cost rollup to the parent and persists it.
func (s *Service) afterLineWrite(ctx context.Context, tx TxRepository, o *OrderRequest, line *LineItem, hc HookContext) error {
	before := o.EstimatedTotalCost
	s.lines.AfterWrite(ctx, line, hc)
	if o.EstimatedTotalCost == before {
		return nil
	}
	o.LastUpdate = hc.now()
	return tx.UpdateOrder(ctx, o)
}

func (p LinePatch) applyTo(l *LineItem) {
	if p.Name != nil {
		l.Name = *p.Name
	}
	if p.VendorSKU != nil {
		l.VendorSKU = *p.VendorSKU
	}
	if p.Description != nil {
		l.Description = *p.Description
	}
	if p.Quantity != nil {
		l.Quantity = *p.Quantity
	}
	if p.UoM != nil {
		l.UoM = *p.UoM
	}
	if p.UnitPriceEstimated != nil {
		v := *p.UnitPriceEstimated
		l.UnitPriceEstimated = &v
	}
	if p.FunctionalCIs != nil {
		l.FunctionalCIs = append([]int64(nil), (*p.FunctionalCIs)...)
	}
}

// DeleteLine removes a line item when the parent status allows it.
func (s *Service) DeleteLine(ctx context.Context, lineID, actorID int64) error {
	orderID, err := s.repo.FindLineOrderID(ctx, lineID)
	if err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		line, ok := o.Line(lineID)
		if !ok {
			return ErrNotFound
		}
		hc := HookContext{ActorID: actorID, Now: s.now(), Resolver: aggregateResolver{order: o}}
		if err := abortOnBlocking(s.lines.CheckToDelete(ctx, line, hc)); err != nil {
			return err
		}
		o.RemoveLine(line)
		if err := tx.DeleteLine(ctx, lineID); err != nil {
			return err
		}
		o.RecomputeTotal()
		o.LastUpdate = hc.now()
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "LINE_DELETE", "line_item", lineID, map[string]any{"order_id": orderID})
	return nil
}

// AddReceipt posts a delivery against a line item and refreshes its rollup.
func (s *Service) AddReceipt(ctx context.Context, lineID, actorID int64, in ReceiptInput) (Result[*ReceiptEntry], error) {
	res, err := s.addReceipt(ctx, lineID, actorID, in)
	if s.metrics != nil {
		s.metrics.ObserveReceipt(resultLabel(err))
	}
	return res, err
}

func (s *Service) addReceipt(ctx context.Context, lineID, actorID int64, in ReceiptInput) (Result[*ReceiptEntry], error) {
	orderID, err := s.repo.FindLineOrderID(ctx, lineID)
	if err != nil {
		return Result[*ReceiptEntry]{}, err
	}
	if in.IdempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, in.IdempotencyKey, idempotencyModule); err != nil {
			return Result[*ReceiptEntry]{}, err
		}
	}
	var out Result[*ReceiptEntry]
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		line, ok := o.Line(lineID)
		if !ok {
			return ErrNotFound
		}
		entry := &ReceiptEntry{
			LineItemID:   lineID,
			Quantity:     in.Quantity,
			ReceiptDate:  in.ReceiptDate,
			ReceivedByID: in.ReceivedByID,
			Note:         in.Note,
			line:         line,
		}
		hc := HookContext{IsNew: true, ActorID: actorID, Now: s.now(), Resolver: aggregateResolver{order: o}}
		s.receipts.Prefill(ctx, entry, hc)
		s.receipts.ComputeValues(ctx, entry, hc)
		issues := s.receipts.CheckToWrite(ctx, entry, hc)
		if err := abortOnBlocking(issues); err != nil {
			return err
		}
		entry.ID, err = tx.InsertReceipt(ctx, entry)
		if err != nil {
			return err
		}
		line.AddReceipt(entry)
		s.receipts.AfterWrite(ctx, entry, hc)
		if err := tx.UpdateLine(ctx, line); err != nil {
			return err
		}
		out = Result[*ReceiptEntry]{Value: entry, Warnings: issues.Warnings()}
		return nil
	})
	if err != nil {
		if in.IdempotencyKey != "" && s.idempotency != nil {
			if delErr := s.idempotency.Delete(ctx, in.IdempotencyKey); delErr != nil {
				s.logger.Warn("release idempotency key", slog.Any("error", delErr))
			}
		}
		return Result[*ReceiptEntry]{}, err
	}
	s.recordAudit(ctx, actorID, "RECEIPT_CREATE", "receipt_entry", out.Value.ID, map[string]any{"line_id": lineID, "qty": out.Value.Quantity})
	return out, nil
}

// DeleteReceipt removes a receipt while the order is receiving and refreshes the rollup.
func (s *Service) DeleteReceipt(ctx context.Context, receiptID, actorID int64) error {
	orderID, err := s.repo.FindReceiptOrderID(ctx, receiptID)
	if err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		entry, line, ok := o.Receipt(receiptID)
		if !ok {
			return ErrNotFound
		}
		hc := HookContext{ActorID: actorID, Now: s.now(), Resolver: aggregateResolver{order: o}}
		if err := abortOnBlocking(s.receipts.CheckToDelete(ctx, entry, hc)); err != nil {
			return err
		}
		s.receipts.BeforeDelete(ctx, entry, hc)
		line.RemoveReceipt(entry)
		if err := tx.DeleteReceipt(ctx, receiptID); err != nil {
			return err
		}
		return tx.UpdateLine(ctx, line)
	})
	if s.metrics != nil {
		s.metrics.ObserveReceipt(resultLabel(err))
	}
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "RECEIPT_DELETE", "receipt_entry", receiptID, map[string]any{"order_id": orderID})
	return nil
}

// ReconcileRollups recomputes receipt rollups of every order in receiving and
// returns the number of lines corrected.
func (s *Service) ReconcileRollups(ctx context.Context) (int, error) {
	ids, err := s.repo.ListOrderIDsByStatus(ctx, StatusReceiving)
	if err != nil {
		return 0, err
	}
	fixed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return fixed, err
		}
		repaired := 0
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			o, err := tx.LockOrder(ctx, id)
			if err != nil {
				return err
			}
			repaired = 0
			for _, line := range o.Lines {
				if !ApplyRollup(line, nil) {
					continue
				}
				if err := tx.UpdateLine(ctx, line); err != nil {
					return err
				}
				repaired++
			}
			return nil
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fixed, err
		}
		if err == nil {
			fixed += repaired
		}
	}
	return fixed, nil
}

// txTypes returns a tolerant, memoised type lookup bound to tx.
func (s *Service) txTypes(tx TxRepository) func(context.Context, int64) (*RequestType, bool) {
	cache := map[int64]*RequestType{}
	return func(ctx context.Context, id int64) (*RequestType, bool) {
		if t, ok := cache[id]; ok {
			return t, t != nil
		}
		t, err := tx.GetType(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.logger.Warn("resolve request type", slog.Int64("type_id", id), slog.Any("error", err))
			}
			cache[id] = nil
			return nil, false
		}
		cache[id] = &t
		return &t, true
	}
}

func (s *Service) repoTypes() func(context.Context, int64) (*RequestType, bool) {
	return func(ctx context.Context, id int64) (*RequestType, bool) {
		t, err := s.repo.GetType(ctx, id)
		if err != nil {
			return nil, false
		}
		return &t, true
	}
}

// ApprovalRef derives the stable approval reference of an order request.
func ApprovalRef(orderID int64) uuid.UUID {
	return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("BANF:%d", orderID)))
}

// ApprovalHistory lists the recorded approval actions of an order request.
func (s *Service) ApprovalHistory(ctx context.Context, orderID int64) ([]shared.ApprovalLog, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	if s.approvals == nil {
		return []shared.ApprovalLog{}, nil
	}
	return s.approvals.List(ctx, approvalModule, ApprovalRef(orderID))
}

func (s *Service) recordApproval(ctx context.Context, o *OrderRequest, stimulus Stimulus, actorID int64, comment string) {
	if s.approvals == nil || actorID == 0 {
		return
	}
	var action shared.ApprovalAction
	switch stimulus {
	case EvSubmit:
		action = shared.ApprovalSubmit
	case EvRequestApproval:
		action = shared.ApprovalRequest
	case EvApprove:
		action = shared.ApprovalApprove
	case EvReject:
		action = shared.ApprovalReject
	case EvRequestBudgetApproval:
		action = shared.ApprovalBudgetRequest
	case EvBudgetApprove:
		action = shared.ApprovalBudgetApprove
	case EvBudgetReject:
		action = shared.ApprovalBudgetReject
	default:
		return
	}
	note := comment
	if note == "" {
		note = fmt.Sprintf("%s %s", o.Ref(), stimulus)
	}
	err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  approvalModule,
		RefID:   ApprovalRef(o.ID),
		ActorID: actorID,
		Action:  action,
		Note:    note,
		At:      s.now(),
	})
	if err != nil {
		s.logger.Error("record approval", slog.Int64("order_id", o.ID), slog.Any("error", err))
	}
}

func (s *Service) notifyApprovalRequested(ctx context.Context, o *OrderRequest, stimulus Stimulus) {
	if s.notifier == nil {
		return
	}
	evt := ApprovalRequestedEvent{OrderID: o.ID, Ref: o.Ref(), Title: o.Title, Total: o.EstimatedTotalCost, RequestedAt: s.now()}
	switch stimulus {
	case EvRequestApproval:
		evt.Track = TrackTechnical
		evt.ApproverID = o.TechnicalApproverID
	case EvRequestBudgetApproval:
		evt.Track = TrackBudget
		evt.ApproverID = o.BudgetApproverID
	default:
		return
	}
	if err := s.notifier.EnqueueApprovalRequested(ctx, evt); err != nil {
		s.logger.Error("enqueue approval notification", slog.Int64("order_id", o.ID), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action, entity string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: entity, EntityID: fmt.Sprintf("%d", entityID), Meta: meta, At: s.now()})
	if err != nil {
		s.logger.Warn("record audit", slog.String("action", action), slog.Any("error", err))
	}
}
