package orderrequest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/odyssey-erp/banf/internal/i18n"
	"github.com/odyssey-erp/banf/internal/platform/httpx"
	"github.com/odyssey-erp/banf/internal/shared"
)

type apiEnvelope struct {
	Data     json.RawMessage     `json:"data"`
	Warnings []httpx.IssueDetail `json:"warnings"`
}

func newTestRouter(f *serviceFixture) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			actor, _ := strconv.ParseInt(req.Header.Get("X-Actor-ID"), 10, 64)
			next.ServeHTTP(w, req.WithContext(shared.ContextWithActor(req.Context(), actor)))
		})
	})
	NewHandler(discardLogger(), f.svc, 0).MountRoutes(r)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path string, actor int64, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", strconv.FormatInt(actor, 10))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerOrderFlow(t *testing.T) {
	f := newFixture(DefaultPolicy())
	typ := f.repo.seedType(RequestType{Name: "Hardware", Code: "HW", Status: TypeActive, DefaultApproverID: 2})
	h := newTestRouter(f)

	rec := doJSON(t, h, http.MethodPost, "/orders", 1, map[string]any{
		"title":           "Docking stations",
		"request_type_id": typ.ID,
		"lines": []map[string]any{
			{"name": "Dock", "quantity": 2, "uom": "EA", "unit_price_estimated": 120.5},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var env apiEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	var created orderJSON
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.Equal(t, StatusDraft, created.Status)
	require.Equal(t, int64(2), created.TechnicalApproverID)
	require.InDelta(t, 241.0, created.EstimatedTotalCost, 0.001)
	require.Equal(t, "OR-"+leftPad(created.ID), created.Ref)

	path := "/orders/" + strconv.FormatInt(created.ID, 10)
	rec = doJSON(t, h, http.MethodPost, path+"/stimuli/ev_submit", 1, map[string]any{"comment": "please"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, path, 1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env = apiEnvelope{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	var got orderJSON
	require.NoError(t, json.Unmarshal(env.Data, &got))
	require.Equal(t, StatusSubmitted, got.Status)
	require.Contains(t, got.Lines[0].Flags["quantity"], "read_only")
	require.Contains(t, got.Flags["estimated_total_cost"], "read_only")

	rec = doJSON(t, h, http.MethodGet, path+"/transitions", 3, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"stimuli":["ev_review"]}`, rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, "/orders?status=submitted", 1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []OrderSummary `json:"items"`
		Total int            `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Total)
	require.Equal(t, created.ID, list.Items[0].ID)

	rec = doJSON(t, h, http.MethodGet, path+"/approvals", 1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env = apiEnvelope{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	var history []shared.ApprovalLog
	require.NoError(t, json.Unmarshal(env.Data, &history))
	require.Len(t, history, 1)
	require.Equal(t, shared.ApprovalSubmit, history[0].Action)
	require.Equal(t, "please", history[0].Note)

	rec = doJSON(t, h, http.MethodGet, "/orders/9999/approvals", 1, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func leftPad(id int64) string {
	s := strconv.FormatInt(id, 10)
	for len(s) < 6 {
		s = "0" + s
	}
	return s
}

func TestHandlerBlockingIssuesAreLocalized(t *testing.T) {
	f := newFixture(DefaultPolicy())
	o := f.createOrder(t, 0)
	h := newTestRouter(f)

	rec := doJSON(t, h, http.MethodPost, "/orders/"+strconv.FormatInt(o.ID, 10)+"/stimuli/ev_submit", 1, nil,
		"Accept-Language", "de-DE,de;q=0.9")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var problem httpx.IssuesProblem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Len(t, problem.Issues, 1)
	require.Equal(t, "order.at_least_one_line_item", problem.Issues[0].Key)
	require.Equal(t, "blocking", problem.Issues[0].Severity)
	require.Equal(t, i18n.Translate(language.German, i18n.OrderAtLeastOneLineItem), problem.Issues[0].Message)
}

func TestHandlerErrorMapping(t *testing.T) {
	f := newFixture(DefaultPolicy())
	o := f.createOrder(t, 0, dockLine(1, 10))
	h := newTestRouter(f)
	path := "/orders/" + strconv.FormatInt(o.ID, 10)

	rec := doJSON(t, h, http.MethodPost, path+"/stimuli/ev_close", 1, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/orders/9999", 1, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/orders/abc", 1, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/orders", 1, map[string]any{"title": "x", "unknown": true})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/orders", 1, map[string]any{"title": "x", "expected_delivery_date": "tomorrow"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var problem httpx.IssuesProblem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.NotEmpty(t, problem.Issues)
}

func TestHandlerLinesAndReceipts(t *testing.T) {
	f := newFixture(DefaultPolicy())
	_, lineID := receivingOrder(t, f, 5)
	h := newTestRouter(f)
	linePath := "/lines/" + strconv.FormatInt(lineID, 10)

	rec := doJSON(t, h, http.MethodPost, linePath+"/cis/42", 3, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, linePath+"/receipts", 4, map[string]any{"quantity": 2, "receipt_date": "2026-03-02"},
		"Idempotency-Key", "delivery-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var env apiEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	var receipt receiptJSON
	require.NoError(t, json.Unmarshal(env.Data, &receipt))
	require.Equal(t, "2026-03-02", receipt.ReceiptDate)
	require.Equal(t, int64(4), receipt.ReceivedByID)

	rec = doJSON(t, h, http.MethodPost, linePath+"/receipts", 4, map[string]any{"quantity": 2},
		"Idempotency-Key", "delivery-1")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodPost, linePath+"/receipts", 4, map[string]any{"quantity": 9})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/receipts/"+strconv.FormatInt(receipt.ID, 10), 4, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, linePath, 1, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandlerTypes(t *testing.T) {
	f := newFixture(DefaultPolicy())
	h := newTestRouter(f)

	rec := doJSON(t, h, http.MethodPost, "/types", 1, map[string]any{"name": "Software", "code": "sw", "requires_budget_owner_approval": true})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/types", 1, map[string]any{"name": "Software", "code": "sw", "requires_budget_owner_approval": true, "budget_approver_id": 5})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var env apiEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	var view map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &view))
	require.Equal(t, "SW", view["code"])
	require.Equal(t, "active", view["status"])

	rec = doJSON(t, h, http.MethodPost, "/types", 1, map[string]any{"name": "Dup", "code": "SW"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/types", 1, map[string]any{"name": "Bad", "code": "B", "status": "archived"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerAddLineRejectedOutsideDraft(t *testing.T) {
	f := newFixture(DefaultPolicy())
	o, _ := receivingOrder(t, f, 1)
	h := newTestRouter(f)
	path := "/orders/" + strconv.FormatInt(o.ID, 10) + "/lines"
	line := map[string]any{"name": "Extra", "quantity": 100, "uom": "EA", "unit_price_estimated": 999}

	rec := doJSON(t, h, http.MethodPost, path, 1, line)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	var problem httpx.IssuesProblem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	keys := make([]string, 0, len(problem.Issues))
	for _, issue := range problem.Issues {
		keys = append(keys, issue.Key)
	}
	require.Contains(t, keys, string(i18n.LineParentNotEditable))

	// bulk import is not reachable over HTTP
	line["import"] = true
	rec = doJSON(t, h, http.MethodPost, path, 1, line)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	got, err := f.svc.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, got.Lines, 1)
	require.InDelta(t, 10, got.EstimatedTotalCost, 0.001)
}
