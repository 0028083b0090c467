package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"farmapos/backend/internal/cache"
	"farmapos/backend/internal/service"
	"farmapos/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, cache.NoopCatalogCache{})
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*")
}

func loginToken(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()

	payload, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s failed: %d (body: %s)", username, rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode login body: %v", err)
	}
	token, _ := body["access_token"].(string)
	if token == "" {
		t.Fatalf("expected access_token in login response")
	}
	return token
}

func authedRequest(method, target, token string, payload any) *http.Request {
	var body *bytes.Reader
	if payload != nil {
		raw, _ := json.Marshal(payload)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "cashier",
		"password": "wrong-password",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleLogin_RateLimited(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "cashier",
		"password": "wrong-password",
	})
	var last int
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
		req.RemoteAddr = "203.0.113.9:4000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after repeated attempts, got %d", last)
	}
}

func TestRoutesRequireAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	for _, target := range []string{"/api/v1/products", "/api/v1/sales", "/api/v1/audit-logs"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %s without token, got %d", target, rec.Code)
		}
	}
}

func TestCashierCannotAccessAdminRoutes(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "cashier", "cashier123")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/audit-logs", token, nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier on admin route, got %d", rec.Code)
	}
}

func TestCheckoutEndToEnd(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "cashier", "cashier123")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/checkout", token, map[string]any{
		"lines": []map[string]any{
			{"product_id": "prd-paracetamol", "quantity": 3, "unit_price_estimate": "12000"},
		},
		"payment_method": "qris",
	}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var resp struct {
		Sale struct {
			ReceiptNumber string `json:"receipt_number"`
			PaymentMethod string `json:"payment_method"`
			TotalAmount   string `json:"total_amount"`
		} `json:"sale"`
		EstimateDiffers bool `json:"estimate_differs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode checkout response: %v", err)
	}
	if resp.Sale.ReceiptNumber == "" {
		t.Fatalf("expected receipt number")
	}
	if resp.Sale.PaymentMethod != "qris" {
		t.Fatalf("expected qris, got %s", resp.Sale.PaymentMethod)
	}
	if resp.EstimateDiffers {
		t.Fatalf("estimate matches batch price, should not differ")
	}

	// The committed sale is retrievable by its receipt number.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/receipts/"+resp.Sale.ReceiptNumber, token, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for receipt lookup, got %d", rec.Code)
	}
}

func TestCheckoutInsufficientStockConflict(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "cashier", "cashier123")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/checkout", token, map[string]any{
		"lines": []map[string]any{
			{"product_id": "prd-vitc", "quantity": 1000},
		},
	}))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["product_id"] != "prd-vitc" {
		t.Fatalf("expected product_id in conflict payload, got %v", body)
	}
	if body["available"] == nil || body["requested"] == nil {
		t.Fatalf("expected availability detail in conflict payload, got %v", body)
	}
}

func TestCheckoutUnknownProduct(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "cashier", "cashier123")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/checkout", token, map[string]any{
		"lines": []map[string]any{
			{"product_id": "prd-nope", "quantity": 1},
		},
	}))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCheckoutEmptyCart(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "cashier", "cashier123")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/checkout", token, map[string]any{
		"lines": []map[string]any{},
	}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty cart, got %d", rec.Code)
	}
}

func TestCheckoutRejectsUnknownFields(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "cashier", "cashier123")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/checkout", token, map[string]any{
		"lines":        []map[string]any{{"product_id": "prd-vitc", "quantity": 1}},
		"total_cents":  12345,
		"unexpectedly": true,
	}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown fields, got %d", rec.Code)
	}
}

func TestPlanSaleEndpoint(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "cashier", "cashier123")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/sales/plan", token, []map[string]any{
		{"product_id": "prd-paracetamol", "quantity": 50},
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var plan struct {
		Lines []struct {
			ProductID string `json:"product_id"`
			Segments  []struct {
				BatchID  string `json:"batch_id"`
				Quantity int    `json:"quantity"`
			} `json:"segments"`
		} `json:"lines"`
		AuthoritativeTotal string `json:"authoritative_total"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&plan); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if len(plan.Lines) != 1 || len(plan.Lines[0].Segments) != 2 {
		t.Fatalf("expected a two-segment plan, got %+v", plan.Lines)
	}
}

func TestAdminProductAndInventoryFlow(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "admin", "admin123")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/products", token, map[string]any{
		"name":          "Ibuprofen 400mg",
		"category":      "analgesic",
		"unit":          "strip",
		"minimum_stock": 10,
	}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var product struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&product); err != nil {
		t.Fatalf("decode product: %v", err)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/inventory/batches", token, map[string]any{
		"product_id":    product.ID,
		"batch_code":    "IBU-001",
		"quantity":      60,
		"cost_price":    "5000",
		"selling_price": "8000",
	}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for batch receipt, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodGet,
		fmt.Sprintf("/api/v1/inventory/batches?product_id=%s", product.ID), token, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestNearExpiryEndpoint(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "admin", "admin123")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/inventory/near-expiry?days=30", token, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var batches []struct {
		ProductID string `json:"product_id"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&batches); err != nil {
		t.Fatalf("decode batches: %v", err)
	}
	if len(batches) != 1 || batches[0].ProductID != "prd-obh" {
		t.Fatalf("expected only the near-expiry seed batch, got %+v", batches)
	}
}

func TestParsePositiveLimit(t *testing.T) {
	if got := parsePositiveLimit("", 50, 200); got != 50 {
		t.Fatalf("empty input should fall back, got %d", got)
	}
	if got := parsePositiveLimit("25", 50, 200); got != 25 {
		t.Fatalf("expected 25, got %d", got)
	}
	if got := parsePositiveLimit("9999", 50, 200); got != 200 {
		t.Fatalf("expected clamp to 200, got %d", got)
	}
	if got := parsePositiveLimit("-3", 50, 200); got != 50 {
		t.Fatalf("negative input should fall back, got %d", got)
	}
}

func TestAttemptLimiter(t *testing.T) {
	limiter := newAttemptLimiter(2, time.Minute)
	if !limiter.Allow("a") || !limiter.Allow("a") {
		t.Fatalf("first attempts must pass")
	}
	if limiter.Allow("a") {
		t.Fatalf("third attempt inside the window must be blocked")
	}
	if !limiter.Allow("b") {
		t.Fatalf("limits are per client key")
	}
}
