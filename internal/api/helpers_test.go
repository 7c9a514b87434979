package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rentshield/rentshield/internal/audit"
	"github.com/rentshield/rentshield/internal/auth"
	"github.com/rentshield/rentshield/internal/breakdown"
	"github.com/rentshield/rentshield/internal/idempotency"
	"github.com/rentshield/rentshield/internal/middleware"
	"github.com/rentshield/rentshield/internal/payment"
	"github.com/rentshield/rentshield/internal/policy"
	"github.com/rentshield/rentshield/internal/receipt"
)

const (
	testPolicyID  = "pol-100"
	testJWTSecret = "test-secret-key-for-handlers"
	testActor     = "operator-1"
)

// stubGateway issues sequential checkout sessions.
type stubGateway struct {
	mu  sync.Mutex
	seq int
}

func (g *stubGateway) CreateCheckoutSession(_ context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	g.mu.Lock()
	g.seq++
	id := fmt.Sprintf("cs_test_%d", g.seq)
	g.mu.Unlock()
	return &payment.CheckoutSession{ID: id, URL: "https://checkout.example.test/" + id, ExpiresAt: req.ExpiresAt}, nil
}

func (g *stubGateway) ExpireCheckoutSession(context.Context, string) error { return nil }

func (g *stubGateway) ReceiptURL(_ context.Context, chargeID string) (string, error) {
	return "https://pay.example.test/receipts/" + chargeID, nil
}

// stubStore keeps receipts in memory.
type stubStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	seq     int
	putErr  error
}

func (s *stubStore) Put(_ context.Context, data []byte, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return "", s.putErr
	}
	s.seq++
	key := fmt.Sprintf("receipts/%d.pdf", s.seq)
	s.objects[key] = data
	return key, nil
}

func (s *stubStore) DownloadURL(_ context.Context, key string) (string, error) {
	return "https://storage.example.test/" + key + "?sig=abc", nil
}

func (s *stubStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *stubStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	handler     http.Handler
	service     *payment.Service
	repo        *payment.InMemoryRepository
	store       *stubStore
	auditRepo   *audit.InMemoryRepository
	webhookRepo *payment.InMemoryWebhookRepository
	jwt         *auth.JWTService
	clock       *clock
}

// splitTerms is a 11,600.00 policy (IVA included) split evenly plus a 500.00 fee.
func splitTerms() breakdown.Terms {
	return breakdown.Terms{
		TotalPrice:         1_160_000,
		IVARate:            decimal.RequireFromString("0.16"),
		TenantPercentage:   decimal.NewFromInt(50),
		LandlordPercentage: decimal.NewFromInt(50),
		InvestigationFee:   50_000,
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{
		repo:        payment.NewInMemoryRepository(),
		store:       &stubStore{objects: make(map[string][]byte)},
		auditRepo:   audit.NewInMemoryRepository(),
		webhookRepo: payment.NewInMemoryWebhookRepository(),
		jwt:         auth.NewJWTService(testJWTSecret),
		clock:       &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}

	terms := policy.NewInMemoryTermsSource()
	terms.Put(testPolicyID, splitTerms())

	ts.service = payment.NewService(ts.repo, terms, &stubGateway{}, ts.store, payment.ServiceConfig{
		Currency:        "mxn",
		MaxManualAmount: 10_000_000,
		CheckoutTTL:     24 * time.Hour,
		Now:             ts.clock.Now,
	})

	ts.handler = NewRouter(RouterConfig{
		Payments:         NewPaymentHandlers(ts.service, ts.auditRepo, receipt.NopSanitizer{}, 1<<20),
		Webhooks:         NewWebhookHandlers(testWebhookSecret, ts.service, ts.webhookRepo, ts.auditRepo),
		Health:           NewHealthHandlers(HealthHandlersConfig{}),
		Tokens:           ts.jwt,
		RateLimitStore:   middleware.NewInMemoryRateLimitStore(),
		RateLimit:        middleware.RateLimitConfig{RequestsPerWindow: 1000, WindowDuration: time.Minute},
		WebhookRateLimit: middleware.DefaultWebhookLimit(),
		Idempotency:      idempotency.NewInMemoryRepository(),
		Metrics:          middleware.NewMetrics(),
	})
	return ts
}

func (ts *testServer) token(t *testing.T, perms ...auth.Permission) string {
	t.Helper()
	if len(perms) == 0 {
		perms = []auth.Permission{auth.PermissionView, auth.PermissionManage, auth.PermissionVerify}
	}
	tok, err := ts.jwt.GenerateAccessToken(testActor, perms...)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	return tok
}

type reqOption func(*http.Request)

func withIdempotencyKey(key string) reqOption {
	return func(r *http.Request) { r.Header.Set(middleware.IdempotencyKeyHeader, key) }
}

func withToken(tok string) reqOption {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) }
}

// do sends a request authenticated with every permission unless a withToken
// option overrides it. body may be nil, an io.Reader or a value encoded as JSON.
func (ts *testServer) do(t *testing.T, method, path string, body any, opts ...reqOption) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case io.Reader:
		reader = b
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if _, ok := body.(io.Reader); !ok && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+ts.token(t))
	for _, opt := range opts {
		opt(req)
	}

	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response: %v, body: %s", err, w.Body.String())
	}
	return v
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, w.Code, w.Body.String())
	}
	resp := decodeBody[ErrorResponse](t, w)
	if resp.Error.Code != code {
		t.Errorf("expected error code %s, got %s (%s)", code, resp.Error.Code, resp.Error.Message)
	}
}

// multipartBody builds a multipart form with the given fields and an optional receipt file.
func multipartBody(t *testing.T, fields map[string]string, fileName string, content []byte) (io.Reader, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField() error = %v", err)
		}
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile(receiptFormField, fileName)
		if err != nil {
			t.Fatalf("CreateFormFile() error = %v", err)
		}
		if _, err := fw.Write(content); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return buf, mw.FormDataContentType()
}

func withContentType(ct string) reqOption {
	return func(r *http.Request) { r.Header.Set("Content-Type", ct) }
}

var pdfReceipt = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n%%EOF\n")

// recordManual creates a PENDING manual payment through the API.
func (ts *testServer) recordManual(t *testing.T, paymentType, amount string) PaymentResponse {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/policies/"+testPolicyID+"/payments/manual", ManualPaymentRequest{
		Type:   paymentType,
		Amount: amount,
		PaidBy: string(payment.PayerTenant),
	}, withIdempotencyKey(fmt.Sprintf("manual-%s-%d", paymentType, time.Now().UnixNano())))
	if w.Code != http.StatusCreated {
		t.Fatalf("record manual payment: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decodeBody[ManualPaymentResponse](t, w).Payment
}

// generateLinks creates the checkout payments of the test policy.
func (ts *testServer) generateLinks(t *testing.T) []PaymentResponse {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/policies/"+testPolicyID+"/payments/links", nil,
		withIdempotencyKey(fmt.Sprintf("links-%d", time.Now().UnixNano())))
	if w.Code != http.StatusOK {
		t.Fatalf("generate links: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	return decodeBody[GenerateLinksResponse](t, w).Created
}

func findType(payments []PaymentResponse, paymentType payment.Type) *PaymentResponse {
	for i := range payments {
		if payments[i].Type == string(paymentType) {
			return &payments[i]
		}
	}
	return nil
}
