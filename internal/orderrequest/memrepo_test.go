package orderrequest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/odyssey-erp/banf/internal/shared"
)

// memRepo is an in-memory RepositoryPort. WithTx snapshots the store and
// restores it when fn fails, mirroring a rolled back transaction.
type memRepo struct {
	mu     sync.Mutex
	nextID int64
	types  map[int64]RequestType
	orders map[int64]*OrderRequest

	failUpdateOrder error
}

func newMemRepo() *memRepo {
	return &memRepo{types: map[int64]RequestType{}, orders: map[int64]*OrderRequest{}}
}

func cloneOrder(o *OrderRequest) *OrderRequest {
	c := *o
	c.Lines = nil
	for _, l := range o.Lines {
		lc := l.clone()
		lc.Receipts = nil
		for _, r := range l.Receipts {
			rc := *r
			lc.Receipts = append(lc.Receipts, &rc)
		}
		c.Lines = append(c.Lines, lc)
	}
	c.Link()
	return &c
}

func (m *memRepo) snapshot() (map[int64]RequestType, map[int64]*OrderRequest, int64) {
	types := make(map[int64]RequestType, len(m.types))
	for k, v := range m.types {
		types[k] = v
	}
	orders := make(map[int64]*OrderRequest, len(m.orders))
	for k, v := range m.orders {
		orders[k] = cloneOrder(v)
	}
	return types, orders, m.nextID
}

func (m *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	types, orders, next := m.snapshot()
	if err := fn(ctx, &memTx{m: m}); err != nil {
		m.types, m.orders, m.nextID = types, orders, next
		return err
	}
	return nil
}

func (m *memRepo) seedType(t RequestType) RequestType {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t.ID = m.nextID
	m.types[t.ID] = t
	return t
}

func (m *memRepo) GetType(_ context.Context, id int64) (RequestType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.types[id]
	if !ok {
		return RequestType{}, ErrNotFound
	}
	return t, nil
}

func (m *memRepo) GetOrder(_ context.Context, id int64) (*OrderRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *memRepo) ListOrders(_ context.Context, limit, offset int, f ListFilters) ([]OrderSummary, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []OrderSummary
	for _, o := range m.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.RequestTypeID > 0 && o.RequestTypeID != f.RequestTypeID {
			continue
		}
		if f.CallerID > 0 && o.CallerID != f.CallerID {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(o.Title), strings.ToLower(f.Search)) {
			continue
		}
		rows = append(rows, OrderSummary{
			ID: o.ID, Ref: o.Ref(), Title: o.Title, Status: o.Status, RequestTypeID: o.RequestTypeID,
			CallerID: o.CallerID, EstimatedTotalCost: o.EstimatedTotalCost, LastUpdate: o.LastUpdate,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID > rows[j].ID })
	total := len(rows)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return rows[offset:end], total, nil
}

func (m *memRepo) ListOrderIDsByStatus(_ context.Context, status Status) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, o := range m.orders {
		if o.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *memRepo) FindLineOrderID(_ context.Context, lineID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, _, ok := m.findLine(lineID)
	if !ok {
		return 0, ErrNotFound
	}
	return o.ID, nil
}

func (m *memRepo) FindReceiptOrderID(_ context.Context, receiptID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if _, _, ok := o.Receipt(receiptID); ok {
			return o.ID, nil
		}
	}
	return 0, ErrNotFound
}

func (m *memRepo) findLine(lineID int64) (*OrderRequest, int, bool) {
	for _, o := range m.orders {
		for i, l := range o.Lines {
			if l.ID == lineID {
				return o, i, true
			}
		}
	}
	return nil, 0, false
}

// memTx runs with the repo mutex held by WithTx.
type memTx struct {
	m *memRepo
}

func (t *memTx) LockOrder(_ context.Context, id int64) (*OrderRequest, error) {
	o, ok := t.m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (t *memTx) GetType(_ context.Context, id int64) (RequestType, error) {
	rt, ok := t.m.types[id]
	if !ok {
		return RequestType{}, ErrNotFound
	}
	return rt, nil
}

func (t *memTx) CreateType(_ context.Context, rt RequestType) (int64, error) {
	for _, existing := range t.m.types {
		if existing.OrgID == rt.OrgID && existing.Code == rt.Code {
			return 0, ErrDuplicate
		}
	}
	t.m.nextID++
	rt.ID = t.m.nextID
	t.m.types[rt.ID] = rt
	return rt.ID, nil
}

func (t *memTx) UpdateType(_ context.Context, rt RequestType) error {
	if _, ok := t.m.types[rt.ID]; !ok {
		return ErrNotFound
	}
	t.m.types[rt.ID] = rt
	return nil
}

func (t *memTx) CreateOrder(_ context.Context, o *OrderRequest) (int64, error) {
	t.m.nextID++
	header := cloneOrder(o)
	header.ID = t.m.nextID
	header.Lines = nil
	t.m.orders[header.ID] = header
	return header.ID, nil
}

func (t *memTx) UpdateOrder(_ context.Context, o *OrderRequest) error {
	if t.m.failUpdateOrder != nil {
		return t.m.failUpdateOrder
	}
	stored, ok := t.m.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	header := cloneOrder(o)
	header.Lines = stored.Lines
	header.Link()
	t.m.orders[o.ID] = header
	return nil
}

func (t *memTx) InsertLine(_ context.Context, l *LineItem) (int64, error) {
	o, ok := t.m.orders[l.OrderID]
	if !ok {
		return 0, ErrNotFound
	}
	t.m.nextID++
	c := l.clone()
	c.ID = t.m.nextID
	c.Receipts = nil
	o.AddLine(c)
	return c.ID, nil
}

func (t *memTx) UpdateLine(_ context.Context, l *LineItem) error {
	o, i, ok := t.m.findLine(l.ID)
	if !ok {
		return ErrNotFound
	}
	c := l.clone()
	c.Receipts = nil
	for _, r := range l.Receipts {
		rc := *r
		c.Receipts = append(c.Receipts, &rc)
	}
	o.Lines[i] = c
	o.Link()
	return nil
}

func (t *memTx) DeleteLine(_ context.Context, id int64) error {
	o, i, ok := t.m.findLine(id)
	if !ok {
		return ErrNotFound
	}
	o.Lines = append(o.Lines[:i], o.Lines[i+1:]...)
	return nil
}

func (t *memTx) SetLineCIs(_ context.Context, lineID int64, cis []int64) error {
	o, i, ok := t.m.findLine(lineID)
	if !ok {
		return ErrNotFound
	}
	o.Lines[i].FunctionalCIs = append([]int64(nil), cis...)
	return nil
}

func (t *memTx) InsertReceipt(_ context.Context, r *ReceiptEntry) (int64, error) {
	o, i, ok := t.m.findLine(r.LineItemID)
	if !ok {
		return 0, ErrNotFound
	}
	t.m.nextID++
	c := *r
	c.ID = t.m.nextID
	o.Lines[i].AddReceipt(&c)
	return c.ID, nil
}

func (t *memTx) DeleteReceipt(_ context.Context, id int64) error {
	for _, o := range t.m.orders {
		if r, line, ok := o.Receipt(id); ok {
			line.RemoveReceipt(r)
			return nil
		}
	}
	return ErrNotFound
}

type fakeApprovals struct {
	logs []shared.ApprovalLog
}

func (f *fakeApprovals) Record(_ context.Context, log shared.ApprovalLog) error {
	f.logs = append(f.logs, log)
	return nil
}

func (f *fakeApprovals) List(_ context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error) {
	var out []shared.ApprovalLog
	for _, l := range f.logs {
		if l.Module == module && l.RefID == ref {
			out = append(out, l)
		}
	}
	return out, nil
}

type fakeAudit struct {
	logs []shared.AuditLog
}

func (f *fakeAudit) Record(_ context.Context, log shared.AuditLog) error {
	f.logs = append(f.logs, log)
	return nil
}

func (f *fakeAudit) actions() []string {
	out := make([]string, 0, len(f.logs))
	for _, l := range f.logs {
		out = append(out, l.Action)
	}
	return out
}

type fakeIdempotency struct {
	keys    map[string]bool
	deleted []string
}

func (f *fakeIdempotency) CheckAndInsert(_ context.Context, key, _ string) error {
	if f.keys == nil {
		f.keys = map[string]bool{}
	}
	if f.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	f.keys[key] = true
	return nil
}

func (f *fakeIdempotency) Delete(_ context.Context, key string) error {
	delete(f.keys, key)
	f.deleted = append(f.deleted, key)
	return nil
}

type fakeNotifier struct {
	events []ApprovalRequestedEvent
	err    error
}

func (f *fakeNotifier) EnqueueApprovalRequested(_ context.Context, evt ApprovalRequestedEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, evt)
	return nil
}

type fakeMetrics struct {
	transitions map[string]int
	receipts    map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{transitions: map[string]int{}, receipts: map[string]int{}}
}

func (f *fakeMetrics) ObserveTransition(stimulus, result string) {
	f.transitions[stimulus+"/"+result]++
}

func (f *fakeMetrics) ObserveReceipt(result string) {
	f.receipts[result]++
}

var errStoreDown = errors.New("store down")
