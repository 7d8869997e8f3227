package httpapi

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"stockdesk/internal/domain"
	"stockdesk/internal/service"
	"stockdesk/internal/store/memory"
)

// newTestAPI builds a full API over the seeded in-memory store so handler
// tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo, err := memory.NewSeeded(nil)
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	svc := service.New(repo, nil, nil, service.Options{Location: time.UTC})
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*", nil)
}

func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

// call issues a request with a bearer token and a fresh CSRF token.
func call(t *testing.T, api *API, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method != http.MethodGet {
		req.Header.Set("X-CSRF-Token", fetchCSRFToken(t, api))
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v (status %d)", err, rec.Code)
	}
	return out
}

func loginAs(t *testing.T, api *API, username, password string) string {
	t.Helper()
	rec := call(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: username, Password: password})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s failed: %d %s", username, rec.Code, rec.Body.String())
	}
	return decodeBody[domain.LoginResponse](t, rec).AccessToken
}

func itemIDByName(t *testing.T, api *API, token, name string) string {
	t.Helper()
	rec := call(t, api, http.MethodGet, "/api/v1/items", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list items: %d", rec.Code)
	}
	body := decodeBody[struct {
		Items []domain.Item `json:"items"`
	}](t, rec)
	for _, item := range body.Items {
		if item.Name == name {
			return item.ID
		}
	}
	t.Fatalf("item %q not found", name)
	return ""
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	rec := call(t, api, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin(t *testing.T) {
	api := newTestAPI(t)

	rec := call(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "admin123"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	resp := decodeBody[domain.LoginResponse](t, rec)
	if resp.AccessToken == "" || resp.Role != domain.RoleAdmin {
		t.Fatalf("unexpected login response %+v", resp)
	}

	rec = call(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestItemsRequireAuth(t *testing.T) {
	api := newTestAPI(t)
	rec := call(t, api, http.MethodGet, "/api/v1/items", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestItemMutationsAreAdminOnly(t *testing.T) {
	api := newTestAPI(t)
	admin := loginAs(t, api, "admin", "admin123")
	employee := loginAs(t, api, "employee", "employee123")

	req := map[string]any{"name": "Ruler", "base_price": "7.50", "stock": 12}
	if rec := call(t, api, http.MethodPost, "/api/v1/items", employee, req); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for employee, got %d", rec.Code)
	}

	rec := call(t, api, http.MethodPost, "/api/v1/items", admin, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	created := decodeBody[struct {
		Item domain.Item `json:"item"`
	}](t, rec).Item

	if rec := call(t, api, http.MethodPost, "/api/v1/items", admin, req); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate name, got %d", rec.Code)
	}

	rec = call(t, api, http.MethodPatch, "/api/v1/items/"+created.ID, admin, map[string]any{"stock": 3})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on patch, got %d (%s)", rec.Code, rec.Body.String())
	}
	if updated := decodeBody[struct {
		Item domain.Item `json:"item"`
	}](t, rec).Item; updated.Stock != 3 || updated.Name != "Ruler" {
		t.Fatalf("unexpected patched item %+v", updated)
	}

	if rec := call(t, api, http.MethodDelete, "/api/v1/items/"+created.ID, admin, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on delete, got %d", rec.Code)
	}
	if rec := call(t, api, http.MethodGet, "/api/v1/items/"+created.ID, employee, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestBillCommitThroughAPI(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "employee", "employee123")
	penID := itemIDByName(t, api, token, "Pen")

	rec := call(t, api, http.MethodPost, "/api/v1/bills", token, domain.BillOpenRequest{Customer: &domain.Customer{Name: "Budi", Phone: "0812"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open bill: %d %s", rec.Code, rec.Body.String())
	}
	bill := decodeBody[struct {
		Bill domain.BillView `json:"bill"`
	}](t, rec).Bill

	rec = call(t, api, http.MethodPost, "/api/v1/bills/"+bill.ID+"/lines", token, map[string]any{"item_id": penID, "qty": 3, "selling_price": "15"})
	if rec.Code != http.StatusOK {
		t.Fatalf("add line: %d %s", rec.Code, rec.Body.String())
	}

	rec = call(t, api, http.MethodPost, "/api/v1/bills/"+bill.ID+"/commit", token, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("commit: %d %s", rec.Code, rec.Body.String())
	}
	sale := decodeBody[struct {
		Sale domain.Sale `json:"sale"`
	}](t, rec).Sale
	if sale.TotalAmount.StringFixed(2) != "45.00" || sale.TotalProfit.StringFixed(2) != "15.00" || sale.Employee != "employee" {
		t.Fatalf("unexpected sale %+v", sale)
	}

	if rec := call(t, api, http.MethodGet, "/api/v1/bills/"+bill.ID, token, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected closed bill to be gone, got %d", rec.Code)
	}

	rec = call(t, api, http.MethodGet, "/api/v1/dashboard", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dashboard: %d", rec.Code)
	}
	dashboard := decodeBody[struct {
		Dashboard domain.Dashboard `json:"dashboard"`
	}](t, rec).Dashboard
	if dashboard.SalesCount != 1 || dashboard.Revenue.StringFixed(2) != "45.00" || dashboard.LowStockItems != 1 {
		t.Fatalf("unexpected dashboard %+v", dashboard)
	}
}

func TestBillLineErrorsMapToStatus(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "employee", "employee123")
	staplerID := itemIDByName(t, api, token, "Stapler")

	rec := call(t, api, http.MethodPost, "/api/v1/bills", token, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("open bill: %d %s", rec.Code, rec.Body.String())
	}
	billID := decodeBody[struct {
		Bill domain.BillView `json:"bill"`
	}](t, rec).Bill.ID
	linesPath := "/api/v1/bills/" + billID + "/lines"

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"insufficient stock", map[string]any{"item_id": staplerID, "qty": 9, "selling_price": "60"}, http.StatusConflict},
		{"below cost", map[string]any{"item_id": staplerID, "qty": 1, "selling_price": "54.99"}, http.StatusBadRequest},
		{"unknown item", map[string]any{"item_id": "item-missing", "qty": 1, "selling_price": "10"}, http.StatusNotFound},
		{"zero qty", map[string]any{"item_id": staplerID, "qty": 0, "selling_price": "60"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if rec := call(t, api, http.MethodPost, linesPath, token, tc.body); rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.want, rec.Code, rec.Body.String())
		}
	}

	if rec := call(t, api, http.MethodPost, "/api/v1/bills/"+billID+"/commit", token, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty bill commit, got %d", rec.Code)
	}
}

func TestBillsArePrivateToTheirOwner(t *testing.T) {
	api := newTestAPI(t)
	admin := loginAs(t, api, "admin", "admin123")
	if rec := call(t, api, http.MethodPost, "/api/v1/users", admin, domain.UserCreateRequest{Username: "alice", Password: "alice123"}); rec.Code != http.StatusCreated {
		t.Fatalf("create user: %d %s", rec.Code, rec.Body.String())
	}
	employee := loginAs(t, api, "employee", "employee123")
	alice := loginAs(t, api, "alice", "alice123")

	rec := call(t, api, http.MethodPost, "/api/v1/bills", employee, nil)
	billID := decodeBody[struct {
		Bill domain.BillView `json:"bill"`
	}](t, rec).Bill.ID

	if rec := call(t, api, http.MethodGet, "/api/v1/bills/"+billID, alice, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another employee, got %d", rec.Code)
	}
	if rec := call(t, api, http.MethodDelete, "/api/v1/bills/"+billID, alice, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 discarding another employee's bill, got %d", rec.Code)
	}
	if rec := call(t, api, http.MethodDelete, "/api/v1/bills/"+billID, employee, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected owner discard to succeed, got %d", rec.Code)
	}
}

func TestDirectSaleAndCSVExport(t *testing.T) {
	api := newTestAPI(t)
	employee := loginAs(t, api, "employee", "employee123")
	admin := loginAs(t, api, "admin", "admin123")
	pencilID := itemIDByName(t, api, employee, "Pencil")

	rec := call(t, api, http.MethodPost, "/api/v1/sales", employee, map[string]any{
		"customer": map[string]any{"name": "Sari, Toko Buku"},
		"items": []map[string]any{
			{"item_id": pencilID, "qty": 2, "selling_price": "8"},
			{"item_id": pencilID, "qty": 1, "selling_price": "9"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("record sale: %d %s", rec.Code, rec.Body.String())
	}
	sale := decodeBody[struct {
		Sale domain.Sale `json:"sale"`
	}](t, rec).Sale
	if len(sale.Items) != 1 || sale.Items[0].Qty != 3 || sale.TotalAmount.StringFixed(2) != "27.00" {
		t.Fatalf("unexpected merged sale %+v", sale)
	}

	rec = call(t, api, http.MethodGet, "/api/v1/sales?format=csv", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("csv export: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("expected text/csv, got %q", ct)
	}
	rows, err := csv.NewReader(rec.Body).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 2 || rows[0][0] != "sale_id" || rows[1][3] != "Sari, Toko Buku" || rows[1][6] != "3" {
		t.Fatalf("unexpected csv rows %v", rows)
	}

	if rec := call(t, api, http.MethodGet, "/api/v1/sales/"+sale.ID, employee, nil); rec.Code != http.StatusOK {
		t.Fatalf("get own sale: %d", rec.Code)
	}
	if rec := call(t, api, http.MethodGet, "/api/v1/sales?date=yesterday", admin, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", rec.Code)
	}
}

func TestTargetsAndProgressEndpoints(t *testing.T) {
	api := newTestAPI(t)
	admin := loginAs(t, api, "admin", "admin123")
	employee := loginAs(t, api, "employee", "employee123")
	now := time.Now().UTC()

	body := map[string]any{"employee_username": "employee", "month": int(now.Month()) - 1, "year": now.Year(), "monthly_target": 10}
	if rec := call(t, api, http.MethodPost, "/api/v1/targets", employee, body); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for employee, got %d", rec.Code)
	}
	rec := call(t, api, http.MethodPost, "/api/v1/targets", admin, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upsert targets: %d %s", rec.Code, rec.Body.String())
	}

	rec = call(t, api, http.MethodGet, "/api/v1/progress", employee, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("progress: %d %s", rec.Code, rec.Body.String())
	}
	progress := decodeBody[struct {
		Progress domain.EmployeeProgress `json:"progress"`
	}](t, rec).Progress
	if progress.Username != "employee" || progress.MonthlyTarget == nil || progress.TotalRevenue != nil {
		t.Fatalf("unexpected progress %+v", progress)
	}

	if rec := call(t, api, http.MethodGet, "/api/v1/progress?username=admin", employee, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another user's progress, got %d", rec.Code)
	}
	if rec := call(t, api, http.MethodGet, "/api/v1/progress?month=march", employee, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric month, got %d", rec.Code)
	}
	if rec := call(t, api, http.MethodGet, "/api/v1/targets", admin, nil); rec.Code != http.StatusOK {
		t.Fatalf("list targets: %d", rec.Code)
	}
	if rec := call(t, api, http.MethodGet, "/api/v1/customers", employee, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected customers to be admin only, got %d", rec.Code)
	}
	if rec := call(t, api, http.MethodGet, "/api/v1/employees", admin, nil); rec.Code != http.StatusOK {
		t.Fatalf("employees: %d", rec.Code)
	}
}

func TestUserEndpoints(t *testing.T) {
	api := newTestAPI(t)
	admin := loginAs(t, api, "admin", "admin123")

	if rec := call(t, api, http.MethodDelete, "/api/v1/users/admin", admin, nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 deleting self, got %d", rec.Code)
	}
	if rec := call(t, api, http.MethodDelete, "/api/v1/users/employee", admin, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 deleting employee, got %d", rec.Code)
	}

	rec := call(t, api, http.MethodGet, "/api/v1/users", admin, nil)
	users := decodeBody[struct {
		Users []domain.User `json:"users"`
	}](t, rec).Users
	if len(users) != 1 || users[0].Username != "admin" {
		t.Fatalf("expected only admin left, got %+v", users)
	}

	login := call(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "employee", Password: "employee123"})
	if login.Code != http.StatusUnauthorized {
		t.Fatalf("expected deleted user login to fail, got %d", login.Code)
	}
}
