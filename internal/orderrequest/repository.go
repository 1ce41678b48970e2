package orderrequest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/banf/internal/platform/db"
	"github.com/odyssey-erp/banf/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	LockOrder(ctx context.Context, id int64) (*OrderRequest, error)
	GetType(ctx context.Context, id int64) (RequestType, error)
	CreateType(ctx context.Context, t RequestType) (int64, error)
	UpdateType(ctx context.Context, t RequestType) error
	CreateOrder(ctx context.Context, o *OrderRequest) (int64, error)
	UpdateOrder(ctx context.Context, o *OrderRequest) error
	InsertLine(ctx context.Context, l *LineItem) (int64, error)
	UpdateLine(ctx context.Context, l *LineItem) error
	DeleteLine(ctx context.Context, id int64) error
	SetLineCIs(ctx context.Context, lineID int64, cis []int64) error
	InsertReceipt(ctx context.Context, r *ReceiptEntry) (int64, error)
	DeleteReceipt(ctx context.Context, id int64) error
}

// ListFilters narrows order request listings.
type ListFilters struct {
	Status        Status
	RequestTypeID int64
	CallerID      int64
	Search        string
	SortBy        string
	SortDir       string
}

// OrderSummary is a list row.
type OrderSummary struct {
	ID                 int64     `json:"id"`
	Ref                string    `json:"ref"`
	Title              string    `json:"title"`
	Status             Status    `json:"status"`
	RequestTypeID      int64     `json:"request_type_id"`
	CallerID           int64     `json:"caller_id"`
	EstimatedTotalCost float64   `json:"estimated_total_cost"`
	LastUpdate         time.Time `json:"last_update"`
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetType returns a request type.
func (r *Repository) GetType(ctx context.Context, id int64) (RequestType, error) {
	return getType(ctx, r.pool, id)
}

// GetOrder loads an order request with its lines and receipts.
func (r *Repository) GetOrder(ctx context.Context, id int64) (*OrderRequest, error) {
	return loadOrder(ctx, r.pool, id, false)
}

// ListOrders returns filtered order headers and the total match count.
func (r *Repository) ListOrders(ctx context.Context, limit, offset int, filters ListFilters) ([]OrderSummary, int, error) {
	where := sq.And{}
	if filters.Status != "" {
		where = append(where, sq.Eq{"o.status": string(filters.Status)})
	}
	if filters.RequestTypeID > 0 {
		where = append(where, sq.Eq{"o.request_type_id": filters.RequestTypeID})
	}
	if filters.CallerID > 0 {
		where = append(where, sq.Eq{"o.caller_id": filters.CallerID})
	}
	if filters.Search != "" {
		where = append(where, sq.ILike{"o.title": "%" + escapeLike(filters.Search) + "%"})
	}

	countSQL, countArgs, err := psql.Select("COUNT(*)").From("banf_order_requests o").Where(where).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataSQL, dataArgs, err := psql.
		Select("o.id", "o.title", "o.status", "COALESCE(o.request_type_id, 0)", "o.caller_id",
			"o.estimated_total_cost", "o.last_update").
		From("banf_order_requests o").
		Where(where).
		OrderBy(sortOrder(filters.SortBy, filters.SortDir)).
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, dataSQL, dataArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []OrderSummary
	for rows.Next() {
		var (
			item   OrderSummary
			status string
		)
		if err := rows.Scan(&item.ID, &item.Title, &status, &item.RequestTypeID, &item.CallerID,
			&item.EstimatedTotalCost, &item.LastUpdate); err != nil {
			return nil, 0, err
		}
		item.Status = Status(status)
		item.Ref = (&OrderRequest{ID: item.ID}).Ref()
		out = append(out, item)
	}
	return out, total, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike quotes LIKE metacharacters; backslash is the default escape.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func sortOrder(by, dir string) string {
	column := map[string]string{
		"id":          "o.id",
		"title":       "o.title",
		"status":      "o.status",
		"total":       "o.estimated_total_cost",
		"last_update": "o.last_update",
	}[by]
	if column == "" {
		column = "o.last_update"
	}
	if strings.EqualFold(dir, "asc") {
		return column + " ASC"
	}
	return column + " DESC"
}

// ListOrderIDsByStatus returns the ids of all orders in status.
func (r *Repository) ListOrderIDsByStatus(ctx context.Context, status Status) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM banf_order_requests WHERE status = $1 ORDER BY id`, string(status))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// FindLineOrderID returns the order owning a line item.
func (r *Repository) FindLineOrderID(ctx context.Context, lineID int64) (int64, error) {
	return scanID(r.pool.QueryRow(ctx, `SELECT order_request_id FROM banf_line_items WHERE id = $1`, lineID))
}

// FindReceiptOrderID returns the order owning a receipt entry.
func (r *Repository) FindReceiptOrderID(ctx context.Context, receiptID int64) (int64, error) {
	return scanID(r.pool.QueryRow(ctx, `SELECT l.order_request_id FROM banf_receipt_entries e
JOIN banf_line_items l ON l.id = e.line_item_id WHERE e.id = $1`, receiptID))
}

func scanID(row pgx.Row) (int64, error) {
	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return id, nil
}

func (t *txRepo) LockOrder(ctx context.Context, id int64) (*OrderRequest, error) {
	return loadOrder(ctx, t.tx, id, true)
}

func (t *txRepo) GetType(ctx context.Context, id int64) (RequestType, error) {
	return getType(ctx, t.tx, id)
}

func (t *txRepo) CreateType(ctx context.Context, rt RequestType) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO banf_request_types
(org_id, name, code, description, status, default_approver_id, requires_budget_owner_approval, budget_approver_id, cost_center_default)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		rt.OrgID, rt.Name, rt.Code, rt.Description, string(rt.Status), nullID(rt.DefaultApproverID),
		rt.RequiresBudgetOwnerApproval, nullID(rt.BudgetApproverID), rt.CostCenterDefault).Scan(&id)
	return id, mapWriteError(err)
}

func (t *txRepo) UpdateType(ctx context.Context, rt RequestType) error {
	tag, err := t.tx.Exec(ctx, `UPDATE banf_request_types SET org_id=$2, name=$3, code=$4, description=$5, status=$6,
default_approver_id=$7, requires_budget_owner_approval=$8, budget_approver_id=$9, cost_center_default=$10 WHERE id=$1`,
		rt.ID, rt.OrgID, rt.Name, rt.Code, rt.Description, string(rt.Status), nullID(rt.DefaultApproverID),
		rt.RequiresBudgetOwnerApproval, nullID(rt.BudgetApproverID), rt.CostCenterDefault)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const orderColumns = `id, org_id, caller_id, title, status, request_type_id, description, cost_center,
expected_delivery_date, estimated_total_cost, technical_approver_id, budget_approver_id,
tech_requested_at, tech_decided_at, tech_decided_by, tech_comment,
budget_requested_at, budget_decided_at, budget_decided_by, budget_comment,
procurement_ref, related_request_id, related_incident_id, related_problem_id, related_change_id,
start_date, last_update`

func orderValues(o *OrderRequest) []any {
	return []any{
		o.OrgID, o.CallerID, o.Title, string(o.Status), nullID(o.RequestTypeID), o.Description, o.CostCenter,
		o.ExpectedDeliveryDate, o.EstimatedTotalCost, nullID(o.TechnicalApproverID), nullID(o.BudgetApproverID),
		o.TechnicalApproval.RequestedAt, o.TechnicalApproval.DecidedAt, nullID(o.TechnicalApproval.DecidedBy), o.TechnicalApproval.Comment,
		o.BudgetApproval.RequestedAt, o.BudgetApproval.DecidedAt, nullID(o.BudgetApproval.DecidedBy), o.BudgetApproval.Comment,
		o.ProcurementRef, nullID(o.Related.RequestID), nullID(o.Related.IncidentID), nullID(o.Related.ProblemID), nullID(o.Related.ChangeID),
		o.StartDate, o.LastUpdate,
	}
}

func (t *txRepo) CreateOrder(ctx context.Context, o *OrderRequest) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO banf_order_requests (`+strings.TrimPrefix(orderColumns, "id, ")+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
RETURNING id`, orderValues(o)...).Scan(&id)
	return id, mapWriteError(err)
}

func (t *txRepo) UpdateOrder(ctx context.Context, o *OrderRequest) error {
	args := append([]any{o.ID}, orderValues(o)...)
	tag, err := t.tx.Exec(ctx, `UPDATE banf_order_requests SET org_id=$2, caller_id=$3, title=$4, status=$5,
request_type_id=$6, description=$7, cost_center=$8, expected_delivery_date=$9, estimated_total_cost=$10,
technical_approver_id=$11, budget_approver_id=$12, tech_requested_at=$13, tech_decided_at=$14,
tech_decided_by=$15, tech_comment=$16, budget_requested_at=$17, budget_decided_at=$18, budget_decided_by=$19,
budget_comment=$20, procurement_ref=$21, related_request_id=$22, related_incident_id=$23,
related_problem_id=$24, related_change_id=$25, start_date=$26, last_update=$27 WHERE id=$1`, args...)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) InsertLine(ctx context.Context, l *LineItem) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO banf_line_items
(order_request_id, line_number, name, vendor_sku, description, quantity, uom, unit_price_estimated,
total_price_estimated, quantity_received_total, quantity_open, receipt_status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
		l.OrderID, l.LineNumber, l.Name, l.VendorSKU, l.Description, l.Quantity, string(l.UoM), l.UnitPriceEstimated,
		l.TotalPriceEstimated, l.QuantityReceivedTotal, l.QuantityOpen, string(l.ReceiptStatus)).Scan(&id)
	if err != nil {
		return 0, mapWriteError(err)
	}
	if err := t.SetLineCIs(ctx, id, l.FunctionalCIs); err != nil {
		return 0, err
	}
	return id, nil
}

func (t *txRepo) UpdateLine(ctx context.Context, l *LineItem) error {
	tag, err := t.tx.Exec(ctx, `UPDATE banf_line_items SET line_number=$2, name=$3, vendor_sku=$4, description=$5,
quantity=$6, uom=$7, unit_price_estimated=$8, total_price_estimated=$9, quantity_received_total=$10,
quantity_open=$11, receipt_status=$12 WHERE id=$1`,
		l.ID, l.LineNumber, l.Name, l.VendorSKU, l.Description, l.Quantity, string(l.UoM), l.UnitPriceEstimated,
		l.TotalPriceEstimated, l.QuantityReceivedTotal, l.QuantityOpen, string(l.ReceiptStatus))
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) DeleteLine(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM banf_line_items WHERE id=$1`, id)
	return err
}

func (t *txRepo) SetLineCIs(ctx context.Context, lineID int64, cis []int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM banf_line_item_cis WHERE line_item_id=$1`, lineID); err != nil {
		return err
	}
	if len(cis) == 0 {
		return nil
	}
	insert := psql.Insert("banf_line_item_cis").Columns("line_item_id", "functional_ci_id")
	for _, ci := range cis {
		insert = insert.Values(lineID, ci)
	}
	sql, args, err := insert.Suffix("ON CONFLICT DO NOTHING").ToSql()
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, sql, args...)
	return err
}

func (t *txRepo) InsertReceipt(ctx context.Context, r *ReceiptEntry) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO banf_receipt_entries (line_item_id, quantity, receipt_date, received_by_id, note)
VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		r.LineItemID, r.Quantity, r.ReceiptDate, nullID(r.ReceivedByID), r.Note).Scan(&id)
	return id, mapWriteError(err)
}

func (t *txRepo) DeleteReceipt(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM banf_receipt_entries WHERE id=$1`, id)
	return err
}

func getType(ctx context.Context, q shared.Querier, id int64) (RequestType, error) {
	var (
		rt              RequestType
		status          string
		defaultApprover *int64
		budgetApprover  *int64
	)
	err := q.QueryRow(ctx, `SELECT id, org_id, name, code, description, status, default_approver_id,
requires_budget_owner_approval, budget_approver_id, cost_center_default
FROM banf_request_types WHERE id=$1`, id).Scan(&rt.ID, &rt.OrgID, &rt.Name, &rt.Code, &rt.Description, &status,
		&defaultApprover, &rt.RequiresBudgetOwnerApproval, &budgetApprover, &rt.CostCenterDefault)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RequestType{}, ErrNotFound
		}
		return RequestType{}, err
	}
	rt.Status = TypeStatus(status)
	rt.DefaultApproverID = fromNullID(defaultApprover)
	rt.BudgetApproverID = fromNullID(budgetApprover)
	return rt, nil
}

// loadOrder reads the aggregate. forUpdate locks the order row for the
// remainder of the transaction.
func loadOrder(ctx context.Context, q shared.Querier, id int64, forUpdate bool) (*OrderRequest, error) {
	query := `SELECT ` + orderColumns + ` FROM banf_order_requests WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		o                                              OrderRequest
		status                                         string
		typeID, techApprover, budgetApprover           *int64
		techBy, budgetBy                               *int64
		relRequest, relIncident, relProblem, relChange *int64
	)
	err := q.QueryRow(ctx, query, id).Scan(
		&o.ID, &o.OrgID, &o.CallerID, &o.Title, &status, &typeID, &o.Description, &o.CostCenter,
		&o.ExpectedDeliveryDate, &o.EstimatedTotalCost, &techApprover, &budgetApprover,
		&o.TechnicalApproval.RequestedAt, &o.TechnicalApproval.DecidedAt, &techBy, &o.TechnicalApproval.Comment,
		&o.BudgetApproval.RequestedAt, &o.BudgetApproval.DecidedAt, &budgetBy, &o.BudgetApproval.Comment,
		&o.ProcurementRef, &relRequest, &relIncident, &relProblem, &relChange,
		&o.StartDate, &o.LastUpdate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load order %d: %w", id, err)
	}
	o.Status = Status(status)
	o.RequestTypeID = fromNullID(typeID)
	o.TechnicalApproverID = fromNullID(techApprover)
	o.BudgetApproverID = fromNullID(budgetApprover)
	o.TechnicalApproval.DecidedBy = fromNullID(techBy)
	o.BudgetApproval.DecidedBy = fromNullID(budgetBy)
	o.Related = RelatedRecords{
		RequestID:  fromNullID(relRequest),
		IncidentID: fromNullID(relIncident),
		ProblemID:  fromNullID(relProblem),
		ChangeID:   fromNullID(relChange),
	}

	lines, err := loadLines(ctx, q, id)
	if err != nil {
		return nil, err
	}
	o.Lines = lines
	o.Link()
	return &o, nil
}

func loadLines(ctx context.Context, q shared.Querier, orderID int64) ([]*LineItem, error) {
	rows, err := q.Query(ctx, `SELECT id, order_request_id, line_number, name, vendor_sku, description, quantity, uom,
unit_price_estimated, total_price_estimated, quantity_received_total, quantity_open, receipt_status
FROM banf_line_items WHERE order_request_id=$1 ORDER BY line_number, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var (
		lines []*LineItem
		byID  = map[int64]*LineItem{}
	)
	for rows.Next() {
		var (
			l             LineItem
			uom, rcStatus string
		)
		if err := rows.Scan(&l.ID, &l.OrderID, &l.LineNumber, &l.Name, &l.VendorSKU, &l.Description, &l.Quantity, &uom,
			&l.UnitPriceEstimated, &l.TotalPriceEstimated, &l.QuantityReceivedTotal, &l.QuantityOpen, &rcStatus); err != nil {
			return nil, err
		}
		l.UoM = UoM(uom)
		l.ReceiptStatus = ReceiptStatus(rcStatus)
		lines = append(lines, &l)
		byID[l.ID] = &l
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if len(lines) == 0 {
		return lines, nil
	}

	ciRows, err := q.Query(ctx, `SELECT c.line_item_id, c.functional_ci_id FROM banf_line_item_cis c
JOIN banf_line_items l ON l.id = c.line_item_id WHERE l.order_request_id=$1 ORDER BY c.functional_ci_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer ciRows.Close()
	for ciRows.Next() {
		var lineID, ciID int64
		if err := ciRows.Scan(&lineID, &ciID); err != nil {
			return nil, err
		}
		if l, ok := byID[lineID]; ok {
			l.FunctionalCIs = append(l.FunctionalCIs, ciID)
		}
	}
	if err := ciRows.Err(); err != nil {
		return nil, err
	}
	ciRows.Close()

	rcRows, err := q.Query(ctx, `SELECT e.id, e.line_item_id, e.quantity, e.receipt_date, e.received_by_id, e.note
FROM banf_receipt_entries e JOIN banf_line_items l ON l.id = e.line_item_id
WHERE l.order_request_id=$1 ORDER BY e.receipt_date, e.id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rcRows.Close()
	for rcRows.Next() {
		var (
			e        ReceiptEntry
			receiver *int64
		)
		if err := rcRows.Scan(&e.ID, &e.LineItemID, &e.Quantity, &e.ReceiptDate, &receiver, &e.Note); err != nil {
			return nil, err
		}
		e.ReceivedByID = fromNullID(receiver)
		if l, ok := byID[e.LineItemID]; ok {
			l.Receipts = append(l.Receipts, &e)
		}
	}
	return lines, rcRows.Err()
}

func nullID(id int64) *int64 {
	if id <= 0 {
		return nil
	}
	return &id
}

func fromNullID(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}
