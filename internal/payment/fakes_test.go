package payment

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rentshield/rentshield/internal/breakdown"
	"github.com/rentshield/rentshield/internal/policy"
)

// fakeGateway records calls. Setting a func field overrides the default behavior.
type fakeGateway struct {
	mu       sync.Mutex
	requests []CheckoutRequest
	expired  []string
	seq      int

	createFn  func(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	expireFn  func(ctx context.Context, sessionID string) error
	receiptFn func(ctx context.Context, chargeID string) (string, error)
}

func (g *fakeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.seq++
	seq := g.seq
	g.mu.Unlock()

	if g.createFn != nil {
		return g.createFn(ctx, req)
	}
	id := fmt.Sprintf("cs_test_%d", seq)
	return &CheckoutSession{
		ID:        id,
		URL:       "https://checkout.example.test/" + id,
		ExpiresAt: req.ExpiresAt,
	}, nil
}

func (g *fakeGateway) ExpireCheckoutSession(ctx context.Context, sessionID string) error {
	g.mu.Lock()
	g.expired = append(g.expired, sessionID)
	g.mu.Unlock()

	if g.expireFn != nil {
		return g.expireFn(ctx, sessionID)
	}
	return nil
}

func (g *fakeGateway) ReceiptURL(ctx context.Context, chargeID string) (string, error) {
	if g.receiptFn != nil {
		return g.receiptFn(ctx, chargeID)
	}
	return "https://pay.example.test/receipts/" + chargeID, nil
}

func (g *fakeGateway) requestCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func (g *fakeGateway) expiredSessions() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.expired...)
}

// fakeStore keeps receipts in memory.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	seq     int

	putErr error
	// beforePut runs outside the lock ahead of each Put.
	beforePut func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (s *fakeStore) Put(_ context.Context, data []byte, _ string) (string, error) {
	if s.beforePut != nil {
		s.beforePut()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return "", s.putErr
	}
	s.seq++
	key := fmt.Sprintf("receipts/%d", s.seq)
	s.objects[key] = data
	return key, nil
}

func (s *fakeStore) DownloadURL(_ context.Context, key string) (string, error) {
	return "https://storage.example.test/" + key + "?sig=abc", nil
}

func (s *fakeStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	return nil
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc     *Service
	repo    *InMemoryRepository
	terms   *policy.InMemoryTermsSource
	gateway *fakeGateway
	store   *fakeStore
	clock   *testClock
	metrics *Metrics
}

const testPolicyID = "pol-1"

// tenantOnlyTerms bills the whole 10,000.00 price to the tenant.
func tenantOnlyTerms() breakdown.Terms {
	return breakdown.Terms{
		TotalPrice:         1_000_000,
		IVARate:            decimal.RequireFromString("0.16"),
		TenantPercentage:   decimal.NewFromInt(100),
		LandlordPercentage: decimal.Zero,
	}
}

// splitTerms splits 10,000.00 evenly and bills a separate 500.00 fee.
func splitTerms() breakdown.Terms {
	return breakdown.Terms{
		TotalPrice:         1_000_000,
		IVARate:            decimal.RequireFromString("0.16"),
		TenantPercentage:   decimal.NewFromInt(50),
		LandlordPercentage: decimal.NewFromInt(50),
		InvestigationFee:   50_000,
	}
}

func newTestEnv(terms breakdown.Terms) *testEnv {
	env := &testEnv{
		repo:    NewInMemoryRepository(),
		terms:   policy.NewInMemoryTermsSource(),
		gateway: &fakeGateway{},
		store:   newFakeStore(),
		clock:   newTestClock(),
		metrics: NewMetrics(),
	}
	env.terms.Put(testPolicyID, terms)
	env.svc = NewService(env.repo, env.terms, env.gateway, env.store, ServiceConfig{
		Currency:        "mxn",
		MaxManualAmount: 10_000_000,
		CheckoutTTL:     24 * time.Hour,
		Metrics:         env.metrics,
		Now:             env.clock.Now,
	})
	return env
}

func (e *testEnv) recordManual(amount int64, t Type) (*Payment, error) {
	return e.svc.RecordManualPayment(context.Background(), ManualPaymentInput{
		PolicyID: testPolicyID,
		Type:     t,
		Amount:   amount,
		PaidBy:   PayerTenant,
	})
}

func (e *testEnv) pendingVerification(t *testing.T, amount int64) *Payment {
	t.Helper()
	p, err := e.recordManual(amount, TypeTenantPortion)
	if err != nil {
		t.Fatalf("RecordManualPayment failed: %v", err)
	}
	p, err = e.svc.AttachReceipt(context.Background(), p.ID, "receipts/x", "transfer.pdf")
	if err != nil {
		t.Fatalf("AttachReceipt failed: %v", err)
	}
	return p
}
