package payment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rentshield/rentshield/internal/policy"
	"github.com/rentshield/rentshield/internal/tracing"
)

// Defaults applied by NewService when the config leaves a field zero.
const (
	DefaultCurrency        = "mxn"
	DefaultCheckoutTTL     = 24 * time.Hour
	DefaultMaxManualAmount = int64(100_000_000) // 1,000,000.00
)

var errGatewayNotConfigured = errors.New("payment gateway not configured")

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Currency string
	// MaxManualAmount is the hard ceiling for a manually recorded amount, in minor units.
	MaxManualAmount int64
	// CheckoutTTL is how long a checkout link stays payable.
	CheckoutTTL time.Duration
	Metrics     *Metrics
	Logger      *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Service exposes the payment operations of a policy. It holds no per-request
// state; every mutation goes through Repository.Create or Repository.Mutate.
type Service struct {
	repo     Repository
	terms    policy.TermsSource
	gateway  Gateway
	receipts ReceiptStore

	currency        string
	maxManualAmount int64
	checkoutTTL     time.Duration
	metrics         *Metrics
	logger          *slog.Logger
	now             func() time.Time
}

// NewService creates a payment service. gateway and receipts may be nil, in
// which case operations needing them fail with an upstream error.
func NewService(repo Repository, terms policy.TermsSource, gateway Gateway, receipts ReceiptStore, cfg ServiceConfig) *Service {
	s := &Service{
		repo:            repo,
		terms:           terms,
		gateway:         gateway,
		receipts:        receipts,
		currency:        cfg.Currency,
		maxManualAmount: cfg.MaxManualAmount,
		checkoutTTL:     cfg.CheckoutTTL,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		now:             cfg.Now,
	}
	if s.currency == "" {
		s.currency = DefaultCurrency
	}
	if s.maxManualAmount <= 0 {
		s.maxManualAmount = DefaultMaxManualAmount
	}
	if s.checkoutTTL <= 0 {
		s.checkoutTTL = DefaultCheckoutTTL
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// MaxManualAmount returns the configured manual amount ceiling.
func (s *Service) MaxManualAmount() int64 {
	return s.maxManualAmount
}

// Currency returns the ISO currency code used for new payments.
func (s *Service) Currency() string {
	return s.currency
}

// GetPayment returns one payment by id.
func (s *Service) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	if paymentID == "" {
		return nil, ErrPaymentNotFound
	}
	return s.repo.GetByID(ctx, paymentID)
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// change is handed to mutation callbacks. It applies transitions and keeps
// them for the transition metric.
type change struct {
	now   time.Time
	op    string
	steps []step
}

type step struct {
	from, to Status
}

func (c *change) move(p *Payment, to Status) error {
	from := p.Status
	if err := p.transition(to, c.op, c.now); err != nil {
		return err
	}
	c.steps = append(c.steps, step{from: from, to: to})
	return nil
}

// mutate runs fn under the repository's per-payment serialization.
func (s *Service) mutate(ctx context.Context, id, op string, fn func(p *Payment, c *change) error) (_ *Payment, err error) {
	if id == "" {
		return nil, ErrPaymentNotFound
	}
	ctx, endSpan := tracing.StartSpan(ctx, "payment."+op)
	defer func() { endSpan(err) }()
	tracing.SetPayment(ctx, id, "")

	c := &change{now: s.clock(), op: op}
	p, err := s.repo.Mutate(ctx, id, func(p *Payment) error {
		c.steps = c.steps[:0]
		return fn(p, c)
	})
	s.metrics.incOperation(op, err)
	if err != nil {
		return nil, err
	}
	tracing.SetPayment(ctx, "", p.PolicyID)
	tracing.SetAttributes(ctx, tracing.AttrStatus.String(string(p.Status)))
	for _, st := range c.steps {
		s.metrics.incTransition(st.from, st.to, op)
	}
	return p, nil
}
