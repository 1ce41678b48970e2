package orderrequest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"golang.org/x/text/language"

	"github.com/odyssey-erp/banf/internal/i18n"
	"github.com/odyssey-erp/banf/internal/platform/httpx"
	"github.com/odyssey-erp/banf/internal/shared"
)

const dateLayout = "2006-01-02"

// Handler exposes the order request JSON API.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	// stimulusLimit caps stimulus calls per client per minute; 0 disables it.
	stimulusLimit int
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, stimulusLimit int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New(), stimulusLimit: stimulusLimit}
}

// MountRoutes registers order request routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/types", h.createType)
	r.Get("/types/{id}", h.getType)
	r.Put("/types/{id}", h.updateType)

	r.Post("/orders", h.createOrder)
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{id}", h.getOrder)
	r.Put("/orders/{id}", h.updateOrder)
	r.Get("/orders/{id}/transitions", h.allowedTransitions)
	r.Get("/orders/{id}/approvals", h.approvalHistory)
	r.Get("/orders/{id}/export.xlsx", h.exportOrder)
	r.Post("/orders/{id}/lines", h.addLine)
	r.Group(func(r chi.Router) {
		if h.stimulusLimit > 0 {
			r.Use(httprate.Limit(h.stimulusLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		}
		r.Post("/orders/{id}/stimuli/{stimulus}", h.applyStimulus)
	})

	r.Put("/lines/{id}", h.updateLine)
	r.Delete("/lines/{id}", h.deleteLine)
	r.Post("/lines/{id}/cis/{ci}", h.linkCI)
	r.Delete("/lines/{id}/cis/{ci}", h.unlinkCI)
	r.Post("/lines/{id}/receipts", h.addReceipt)
	r.Delete("/receipts/{id}", h.deleteReceipt)
}

type typeRequest struct {
	OrgID                       int64  `json:"org_id" validate:"gte=0"`
	Name                        string `json:"name" validate:"max=255"`
	Code                        string `json:"code" validate:"max=64"`
	Description                 string `json:"description"`
	Status                      string `json:"status" validate:"omitempty,oneof=active inactive"`
	DefaultApproverID           int64  `json:"default_approver_id" validate:"gte=0"`
	RequiresBudgetOwnerApproval bool   `json:"requires_budget_owner_approval"`
	BudgetApproverID            int64  `json:"budget_approver_id" validate:"gte=0"`
	CostCenterDefault           string `json:"cost_center_default" validate:"max=64"`
}

type lineRequest struct {
	Name               string   `json:"name" validate:"max=255"`
	VendorSKU          string   `json:"vendor_sku" validate:"max=128"`
	Description        string   `json:"description"`
	Quantity           int64    `json:"quantity"`
	UoM                string   `json:"uom" validate:"max=8"`
	UnitPriceEstimated *float64 `json:"unit_price_estimated"`
	FunctionalCIs      []int64  `json:"functional_cis" validate:"dive,gt=0"`
}

func (l lineRequest) input() LineInput {
	return LineInput{
		Name:               l.Name,
		VendorSKU:          l.VendorSKU,
		Description:        l.Description,
		Quantity:           l.Quantity,
		UoM:                UoM(l.UoM),
		UnitPriceEstimated: l.UnitPriceEstimated,
		FunctionalCIs:      l.FunctionalCIs,
	}
}

type relatedDTO struct {
	RequestID  int64 `json:"request_id,omitempty" validate:"gte=0"`
	IncidentID int64 `json:"incident_id,omitempty" validate:"gte=0"`
	ProblemID  int64 `json:"problem_id,omitempty" validate:"gte=0"`
	ChangeID   int64 `json:"change_id,omitempty" validate:"gte=0"`
}

func (r relatedDTO) records() RelatedRecords {
	return RelatedRecords(r)
}

type orderRequest struct {
	OrgID                int64         `json:"org_id" validate:"gte=0"`
	Title                string        `json:"title" validate:"max=255"`
	RequestTypeID        int64         `json:"request_type_id" validate:"gte=0"`
	Description          string        `json:"description"`
	CostCenter           string        `json:"cost_center" validate:"max=64"`
	ExpectedDeliveryDate string        `json:"expected_delivery_date" validate:"omitempty,datetime=2006-01-02"`
	TechnicalApproverID  int64         `json:"technical_approver_id" validate:"gte=0"`
	BudgetApproverID     int64         `json:"budget_approver_id" validate:"gte=0"`
	Related              relatedDTO    `json:"related"`
	Lines                []lineRequest `json:"lines" validate:"dive"`
}

type orderPatchRequest struct {
	Title                *string     `json:"title" validate:"omitempty,max=255"`
	RequestTypeID        *int64      `json:"request_type_id" validate:"omitempty,gte=0"`
	Description          *string     `json:"description"`
	CostCenter           *string     `json:"cost_center" validate:"omitempty,max=64"`
	ExpectedDeliveryDate *string     `json:"expected_delivery_date" validate:"omitempty,datetime=2006-01-02"`
	TechnicalApproverID  *int64      `json:"technical_approver_id" validate:"omitempty,gte=0"`
	BudgetApproverID     *int64      `json:"budget_approver_id" validate:"omitempty,gte=0"`
	Related              *relatedDTO `json:"related"`
}

type linePatchRequest struct {
	Name               *string  `json:"name" validate:"omitempty,max=255"`
	VendorSKU          *string  `json:"vendor_sku" validate:"omitempty,max=128"`
	Description        *string  `json:"description"`
	Quantity           *int64   `json:"quantity"`
	UoM                *string  `json:"uom" validate:"omitempty,max=8"`
	UnitPriceEstimated *float64 `json:"unit_price_estimated"`
	FunctionalCIs      *[]int64 `json:"functional_cis"`
}

type stimulusRequest struct {
	Comment        string `json:"comment" validate:"max=2000"`
	ProcurementRef string `json:"procurement_ref" validate:"max=128"`
}

type receiptRequest struct {
	Quantity     int64  `json:"quantity"`
	ReceiptDate  string `json:"receipt_date" validate:"omitempty,datetime=2006-01-02"`
	ReceivedByID int64  `json:"received_by_id" validate:"gte=0"`
	Note         string `json:"note" validate:"max=2000"`
}

func (h *Handler) createType(w http.ResponseWriter, r *http.Request) {
	var req typeRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.CreateType(r.Context(), shared.ActorFromContext(r.Context()), req.input())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, h.typeView(res.Value), res.Warnings)
}

func (h *Handler) updateType(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req typeRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.UpdateType(r.Context(), id, shared.ActorFromContext(r.Context()), req.input())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, h.typeView(res.Value), res.Warnings)
}

func (h *Handler) getType(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	t, err := h.service.GetType(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, h.typeView(t), nil)
}

func (req typeRequest) input() TypeInput {
	return TypeInput{
		OrgID:                       req.OrgID,
		Name:                        req.Name,
		Code:                        req.Code,
		Description:                 req.Description,
		Status:                      TypeStatus(req.Status),
		DefaultApproverID:           req.DefaultApproverID,
		RequiresBudgetOwnerApproval: req.RequiresBudgetOwnerApproval,
		BudgetApproverID:            req.BudgetApproverID,
		CostCenterDefault:           req.CostCenterDefault,
	}
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := OrderInput{
		OrgID:               req.OrgID,
		Title:               req.Title,
		RequestTypeID:       req.RequestTypeID,
		Description:         req.Description,
		CostCenter:          req.CostCenter,
		TechnicalApproverID: req.TechnicalApproverID,
		BudgetApproverID:    req.BudgetApproverID,
		Related:             req.Related.records(),
	}
	if req.ExpectedDeliveryDate != "" {
		d, _ := time.Parse(dateLayout, req.ExpectedDeliveryDate)
		in.ExpectedDeliveryDate = &d
	}
	for _, l := range req.Lines {
		in.Lines = append(in.Lines, l.input())
	}
	res, err := h.service.CreateOrder(r.Context(), shared.ActorFromContext(r.Context()), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, orderView(res.Value), res.Warnings)
}

func (h *Handler) updateOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req orderPatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	patch := OrderPatch{
		Title:               req.Title,
		RequestTypeID:       req.RequestTypeID,
		Description:         req.Description,
		CostCenter:          req.CostCenter,
		TechnicalApproverID: req.TechnicalApproverID,
		BudgetApproverID:    req.BudgetApproverID,
	}
	if req.ExpectedDeliveryDate != nil {
		d, _ := time.Parse(dateLayout, *req.ExpectedDeliveryDate)
		patch.ExpectedDeliveryDate = &d
	}
	if req.Related != nil {
		rel := req.Related.records()
		patch.Related = &rel
	}
	res, err := h.service.UpdateOrder(r.Context(), id, shared.ActorFromContext(r.Context()), patch)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, orderView(res.Value), res.Warnings)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	o, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	view := orderView(o)
	orderFlags, lineFlags, err := h.service.FlagsForOrder(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	view.Flags = flagView(orderFlags)
	for i := range view.Lines {
		view.Lines[i].Flags = flagView(lineFlags[view.Lines[i].ID])
	}
	h.respond(w, r, http.StatusOK, view, nil)
}

func (h *Handler) approvalHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	history, err := h.service.ApprovalHistory(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, history, nil)
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	typeID, _ := strconv.ParseInt(q.Get("type_id"), 10, 64)
	callerID, _ := strconv.ParseInt(q.Get("caller_id"), 10, 64)
	filters := ListFilters{
		Status:        Status(q.Get("status")),
		RequestTypeID: typeID,
		CallerID:      callerID,
		Search:        q.Get("search"),
		SortBy:        q.Get("sort"),
		SortDir:       q.Get("dir"),
	}
	items, total, err := h.service.ListOrders(r.Context(), limit, offset, filters)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if items == nil {
		items = []OrderSummary{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (h *Handler) allowedTransitions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	stimuli, err := h.service.AllowedTransitions(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if stimuli == nil {
		stimuli = []Stimulus{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"stimuli": stimuli})
}

func (h *Handler) applyStimulus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req stimulusRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	stimulus := Stimulus(chi.URLParam(r, "stimulus"))
	res, err := h.service.ApplyStimulus(r.Context(), id, shared.ActorFromContext(r.Context()), stimulus,
		StimulusInput{Comment: req.Comment, ProcurementRef: req.ProcurementRef})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, orderView(res.Value), res.Warnings)
}

func (h *Handler) exportOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	data, err := h.service.ExportOrderXLSX(r.Context(), id, i18n.Negotiate(r.Header.Get("Accept-Language")))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", (&OrderRequest{ID: id}).Ref()+".xlsx"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) addLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req lineRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.AddLine(r.Context(), id, shared.ActorFromContext(r.Context()), req.input())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, lineView(res.Value), res.Warnings)
}

func (h *Handler) updateLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req linePatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	patch := LinePatch{
		Name:               req.Name,
		VendorSKU:          req.VendorSKU,
		Description:        req.Description,
		Quantity:           req.Quantity,
		UnitPriceEstimated: req.UnitPriceEstimated,
		FunctionalCIs:      req.FunctionalCIs,
	}
	if req.UoM != nil {
		u := UoM(*req.UoM)
		patch.UoM = &u
	}
	res, err := h.service.UpdateLine(r.Context(), id, shared.ActorFromContext(r.Context()), patch)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, lineView(res.Value), res.Warnings)
}

func (h *Handler) deleteLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteLine(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) linkCI(w http.ResponseWriter, r *http.Request) {
	h.changeCI(w, r, h.service.LinkFunctionalCI)
}

func (h *Handler) unlinkCI(w http.ResponseWriter, r *http.Request) {
	h.changeCI(w, r, h.service.UnlinkFunctionalCI)
}

func (h *Handler) changeCI(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, lineID, ciID, actorID int64) (Result[*LineItem], error)) {
	lineID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	ciID, ok := h.pathID(w, r, "ci")
	if !ok {
		return
	}
	res, err := op(r.Context(), lineID, ciID, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, lineView(res.Value), res.Warnings)
}

func (h *Handler) addReceipt(w http.ResponseWriter, r *http.Request) {
	lineID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req receiptRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := ReceiptInput{
		Quantity:       req.Quantity,
		ReceivedByID:   req.ReceivedByID,
		Note:           req.Note,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	if req.ReceiptDate != "" {
		in.ReceiptDate, _ = time.Parse(dateLayout, req.ReceiptDate)
	}
	res, err := h.service.AddReceipt(r.Context(), lineID, shared.ActorFromContext(r.Context()), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, receiptView(res.Value), res.Warnings)
}

func (h *Handler) deleteReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteReceipt(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Identifier", fmt.Sprintf("%s must be a positive integer", name))
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			details := make([]httpx.IssueDetail, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				details = append(details, httpx.IssueDetail{
					Key:      fe.Namespace(),
					Severity: string(SeverityBlocking),
					Message:  fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()),
				})
			}
			httpx.ProblemWithIssues(w, http.StatusBadRequest, "Validation Failed", details)
			return false
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, data any, warnings Issues) {
	httpx.JSON(w, status, map[string]any{
		"data":     data,
		"warnings": issueDetails(warnings, i18n.Negotiate(r.Header.Get("Accept-Language"))),
	})
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var issuesErr *IssuesError
	switch {
	case errors.As(err, &issuesErr):
		tag := i18n.Negotiate(r.Header.Get("Accept-Language"))
		httpx.ProblemWithIssues(w, http.StatusUnprocessableEntity, "Write Rejected", issueDetails(issuesErr.Issues, tag))
	case errors.Is(err, ErrInvalidState):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrConflict, err))
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrConflict, err))
	case errors.Is(err, ErrDuplicate):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrDuplicate, err))
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrNotFound, err))
	case errors.Is(err, ErrValidation):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
	default:
		h.logger.Error("order request api", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func issueDetails(issues Issues, tag language.Tag) []httpx.IssueDetail {
	out := make([]httpx.IssueDetail, 0, len(issues))
	for _, is := range issues {
		out = append(out, httpx.IssueDetail{Key: string(is.Key), Severity: string(is.Severity), Message: is.Message(tag)})
	}
	return out
}

func (h *Handler) typeView(t RequestType) map[string]any {
	return map[string]any{
		"id":                             t.ID,
		"org_id":                         t.OrgID,
		"name":                           t.Name,
		"code":                           t.Code,
		"description":                    t.Description,
		"status":                         t.Status,
		"default_approver_id":            t.DefaultApproverID,
		"requires_budget_owner_approval": t.RequiresBudgetOwnerApproval,
		"budget_approver_id":             t.BudgetApproverID,
		"cost_center_default":            t.CostCenterDefault,
		"flags":                          flagView(h.service.TypeFlags(t)),
	}
}

type approvalView struct {
	RequestedAt *time.Time `json:"requested_at,omitempty"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	DecidedBy   int64      `json:"decided_by,omitempty"`
	Comment     string     `json:"comment,omitempty"`
}

type orderJSON struct {
	ID                   int64               `json:"id"`
	Ref                  string              `json:"ref"`
	OrgID                int64               `json:"org_id"`
	CallerID             int64               `json:"caller_id"`
	Title                string              `json:"title"`
	Status               Status              `json:"status"`
	RequestTypeID        int64               `json:"request_type_id"`
	Description          string              `json:"description"`
	CostCenter           string              `json:"cost_center"`
	ExpectedDeliveryDate string              `json:"expected_delivery_date,omitempty"`
	EstimatedTotalCost   float64             `json:"estimated_total_cost"`
	TechnicalApproverID  int64               `json:"technical_approver_id"`
	BudgetApproverID     int64               `json:"budget_approver_id"`
	TechnicalApproval    approvalView        `json:"technical_approval"`
	BudgetApproval       approvalView        `json:"budget_approval"`
	ProcurementRef       string              `json:"procurement_ref,omitempty"`
	Related              relatedDTO          `json:"related"`
	StartDate            time.Time           `json:"start_date"`
	LastUpdate           time.Time           `json:"last_update"`
	Lines                []lineJSON          `json:"lines"`
	Flags                map[string][]string `json:"flags,omitempty"`
}

type lineJSON struct {
	ID                    int64               `json:"id"`
	OrderID               int64               `json:"order_request_id"`
	LineNumber            int                 `json:"line_number"`
	Name                  string              `json:"name"`
	VendorSKU             string              `json:"vendor_sku,omitempty"`
	Description           string              `json:"description,omitempty"`
	Quantity              int64               `json:"quantity"`
	UoM                   UoM                 `json:"uom"`
	UnitPriceEstimated    *float64            `json:"unit_price_estimated"`
	TotalPriceEstimated   *float64            `json:"total_price_estimated"`
	QuantityReceivedTotal int64               `json:"quantity_received_total"`
	QuantityOpen          int64               `json:"quantity_open"`
	ReceiptStatus         ReceiptStatus       `json:"receipt_status"`
	FunctionalCIs         []int64             `json:"functional_cis"`
	Receipts              []receiptJSON       `json:"receipts"`
	Flags                 map[string][]string `json:"flags,omitempty"`
}

type receiptJSON struct {
	ID           int64  `json:"id"`
	LineItemID   int64  `json:"line_item_id"`
	Quantity     int64  `json:"quantity"`
	ReceiptDate  string `json:"receipt_date"`
	ReceivedByID int64  `json:"received_by_id"`
	Note         string `json:"note,omitempty"`
}

func orderView(o *OrderRequest) orderJSON {
	out := orderJSON{
		ID:                  o.ID,
		Ref:                 o.Ref(),
		OrgID:               o.OrgID,
		CallerID:            o.CallerID,
		Title:               o.Title,
		Status:              o.Status,
		RequestTypeID:       o.RequestTypeID,
		Description:         o.Description,
		CostCenter:          o.CostCenter,
		EstimatedTotalCost:  o.EstimatedTotalCost,
		TechnicalApproverID: o.TechnicalApproverID,
		BudgetApproverID:    o.BudgetApproverID,
		TechnicalApproval:   approvalView(o.TechnicalApproval),
		BudgetApproval:      approvalView(o.BudgetApproval),
		ProcurementRef:      o.ProcurementRef,
		Related:             relatedDTO(o.Related),
		StartDate:           o.StartDate,
		LastUpdate:          o.LastUpdate,
		Lines:               make([]lineJSON, 0, len(o.Lines)),
	}
	if o.ExpectedDeliveryDate != nil {
		out.ExpectedDeliveryDate = o.ExpectedDeliveryDate.Format(dateLayout)
	}
	for _, l := range o.Lines {
		out.Lines = append(out.Lines, lineView(l))
	}
	return out
}

func lineView(l *LineItem) lineJSON {
	out := lineJSON{
		ID:                    l.ID,
		OrderID:               l.OrderID,
		LineNumber:            l.LineNumber,
		Name:                  l.Name,
		VendorSKU:             l.VendorSKU,
		Description:           l.Description,
		Quantity:              l.Quantity,
		UoM:                   l.UoM,
		UnitPriceEstimated:    l.UnitPriceEstimated,
		TotalPriceEstimated:   l.TotalPriceEstimated,
		QuantityReceivedTotal: l.QuantityReceivedTotal,
		QuantityOpen:          l.QuantityOpen,
		ReceiptStatus:         l.ReceiptStatus,
		FunctionalCIs:         append([]int64{}, l.FunctionalCIs...),
		Receipts:              make([]receiptJSON, 0, len(l.Receipts)),
	}
	for _, rc := range l.Receipts {
		out.Receipts = append(out.Receipts, receiptView(rc))
	}
	return out
}

func receiptView(e *ReceiptEntry) receiptJSON {
	return receiptJSON{
		ID:           e.ID,
		LineItemID:   e.LineItemID,
		Quantity:     e.Quantity,
		ReceiptDate:  e.ReceiptDate.Format(dateLayout),
		ReceivedByID: e.ReceivedByID,
		Note:         e.Note,
	}
}

func flagView(flags AttributeFlags) map[string][]string {
	out := make(map[string][]string, len(flags))
	for attr, f := range flags {
		var names []string
		if f&FlagReadOnly != 0 {
			names = append(names, "read_only")
		}
		if f&FlagHidden != 0 {
			names = append(names, "hidden")
		}
		if f&FlagMandatory != 0 {
			names = append(names, "mandatory")
		}
		out[attr] = names
	}
	return out
}
