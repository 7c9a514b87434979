package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rentshield/rentshield/internal/breakdown"
	"github.com/rentshield/rentshield/internal/tracing"
)

// Operation names for link management.
const (
	OpGenerateLinks = "generate_links"
	OpCreateSession = "create_checkout_session"
	OpExpireSession = "expire_checkout_session"
)

// GenerateLinks creates a PENDING gateway payment with a checkout link for
// every obligation of the policy that has a nonzero expected amount and is not
// already covered. A type is covered when it has an active payment or a
// COMPLETED one. Calling GenerateLinks again is a no-op for covered types.
//
// It returns the payments created by this call.
func (s *Service) GenerateLinks(ctx context.Context, policyID string) (created []*Payment, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "payment.generate_links")
	defer func() {
		s.metrics.incOperation(OpGenerateLinks, err)
		endSpan(err)
	}()
	tracing.SetPayment(ctx, "", policyID)

	if policyID == "" {
		return nil, fmt.Errorf("%w: policy id is required", ErrInvalidInput)
	}

	terms, err := s.terms.GetTerms(ctx, policyID)
	if err != nil {
		return nil, err
	}
	b, err := breakdown.Compute(terms)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.ListByPolicy(ctx, policyID)
	if err != nil {
		return nil, err
	}
	covered := make(map[Type]bool, len(Types))
	for _, p := range existing {
		if p.Status.Settles() {
			covered[p.Type] = true
		}
	}

	for _, t := range Types {
		amount := ExpectedAmount(b, t)
		if amount <= 0 || covered[t] {
			continue
		}

		p, err := s.createCheckoutPayment(ctx, policyID, t, amount, terms.IVARate)
		if errors.Is(err, ErrDuplicateObligation) {
			// A concurrent call created it first.
			continue
		}
		if err != nil {
			return created, err
		}
		created = append(created, p)
	}

	s.logger.InfoContext(ctx, "payment links generated",
		slog.String("policy_id", policyID),
		slog.Int("created", len(created)),
	)
	return created, nil
}

// createCheckoutPayment asks the gateway for a session before writing the
// payment row, so a gateway failure leaves nothing behind. If the insert then
// loses the uniqueness race the session is expired.
func (s *Service) createCheckoutPayment(ctx context.Context, policyID string, t Type, amount int64, ivaRate decimal.Decimal) (*Payment, error) {
	id := uuid.New().String()
	now := s.clock()

	sess, err := s.createSession(ctx, CheckoutRequest{
		Amount:      amount,
		Currency:    s.currency,
		PolicyID:    policyID,
		PaymentID:   id,
		Type:        t,
		Description: describe(t, policyID),
		ExpiresAt:   now.Add(s.checkoutTTL),
	})
	if err != nil {
		return nil, err
	}

	subtotal, iva := breakdown.SplitIVA(amount, ivaRate)
	p := &Payment{
		ID:                id,
		PolicyID:          policyID,
		Type:              t,
		Status:            StatusPending,
		Amount:            amount,
		Subtotal:          subtotal,
		IVA:               iva,
		Currency:          s.currency,
		PaidBy:            defaultPayer(t),
		IsManual:          false,
		CheckoutSessionID: stringPtr(sess.ID),
		CheckoutURL:       stringPtr(sess.URL),
		CheckoutURLExpiry: timePtr(sess.ExpiresAt.UTC()),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.repo.Create(ctx, p); err != nil {
		s.expireSession(ctx, sess.ID)
		return nil, err
	}

	s.metrics.incLinkGenerated(t)
	return p, nil
}

// RegenerateURL replaces the expired checkout link of a PENDING gateway payment
// with a fresh session. The payment id and amount are kept.
func (s *Service) RegenerateURL(ctx context.Context, paymentID string) (*Payment, error) {
	current, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		s.metrics.incOperation(OpRegenerateURL, err)
		return nil, err
	}
	now := s.clock()
	if err := checkRegenerable(current, now); err != nil {
		s.metrics.incOperation(OpRegenerateURL, err)
		return nil, err
	}

	sess, err := s.createSession(ctx, CheckoutRequest{
		Amount:      current.Amount,
		Currency:    current.Currency,
		PolicyID:    current.PolicyID,
		PaymentID:   current.ID,
		Type:        current.Type,
		Description: describe(current.Type, current.PolicyID),
		ExpiresAt:   now.Add(s.checkoutTTL),
	})
	if err != nil {
		s.metrics.incOperation(OpRegenerateURL, err)
		return nil, err
	}

	p, err := s.mutate(ctx, paymentID, OpRegenerateURL, func(p *Payment, c *change) error {
		if err := checkRegenerable(p, c.now); err != nil {
			return err
		}
		if !equalStringPtr(p.CheckoutSessionID, current.CheckoutSessionID) {
			// Another regeneration won.
			return ErrCheckoutLinkActive
		}
		p.CheckoutSessionID = stringPtr(sess.ID)
		p.CheckoutURL = stringPtr(sess.URL)
		p.CheckoutURLExpiry = timePtr(sess.ExpiresAt.UTC())
		p.UpdatedAt = c.now
		return nil
	})
	if err != nil {
		s.expireSession(ctx, sess.ID)
		return nil, err
	}

	s.metrics.incLinkGenerated(p.Type)
	s.logger.InfoContext(ctx, "checkout link regenerated",
		slog.String("payment_id", p.ID),
		slog.String("policy_id", p.PolicyID),
	)
	return p, nil
}

func checkRegenerable(p *Payment, now time.Time) error {
	if p.IsManual {
		return ErrNotGatewayPayment
	}
	if p.Status != StatusPending {
		return &IllegalTransitionError{From: p.Status, To: StatusPending, Op: OpRegenerateURL}
	}
	if p.CheckoutURLExpiry != nil && p.CheckoutURLExpiry.After(now) {
		return ErrCheckoutLinkActive
	}
	return nil
}

func (s *Service) createSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if s.gateway == nil {
		return nil, gatewayError(OpCreateSession, errGatewayNotConfigured)
	}

	ctx, endSpan := tracing.StartSpan(ctx, "payment.gateway.create_checkout_session")
	start := time.Now()
	sess, err := s.gateway.CreateCheckoutSession(ctx, req)
	s.metrics.observeGateway(OpCreateSession, time.Since(start).Seconds())
	endSpan(err)

	if err != nil {
		s.logger.ErrorContext(ctx, "checkout session creation failed",
			slog.String("payment_id", req.PaymentID),
			slog.String("policy_id", req.PolicyID),
			slog.String("type", string(req.Type)),
			slog.String("error", err.Error()),
		)
		return nil, gatewayError(OpCreateSession, err)
	}
	if sess == nil || sess.URL == "" {
		return nil, gatewayError(OpCreateSession, errors.New("empty checkout session"))
	}
	return sess, nil
}

// expireSession invalidates a session whose payment row was not written or
// was cancelled. Failures are logged; the session lapses at its expiry anyway.
func (s *Service) expireSession(ctx context.Context, sessionID string) {
	if s.gateway == nil || sessionID == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	err := s.gateway.ExpireCheckoutSession(ctx, sessionID)
	s.metrics.observeGateway(OpExpireSession, time.Since(start).Seconds())
	if err != nil {
		s.logger.WarnContext(ctx, "failed to expire checkout session",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}

func describe(t Type, policyID string) string {
	var label string
	switch t {
	case TypeInvestigationFee:
		label = "Investigation fee"
	case TypeTenantPortion:
		label = "Tenant portion"
	case TypeLandlordPortion:
		label = "Landlord portion"
	}
	return fmt.Sprintf("%s - policy %s", label, policyID)
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ExpiryBand classifies the time left on a checkout link for display.
type ExpiryBand string

// Expiry bands.
const (
	ExpiryExpired  ExpiryBand = "expired"
	ExpiryImminent ExpiryBand = "imminent" // under 1h
	ExpiryNear     ExpiryBand = "near"     // up to 6h
	ExpirySameDay  ExpiryBand = "same_day" // up to 24h
	ExpiryFar      ExpiryBand = "far"
)

// ClassifyExpiry returns the band for a link expiring at expiry.
func ClassifyExpiry(expiry, now time.Time) ExpiryBand {
	remaining := expiry.Sub(now)
	switch {
	case remaining <= 0:
		return ExpiryExpired
	case remaining < time.Hour:
		return ExpiryImminent
	case remaining <= 6*time.Hour:
		return ExpiryNear
	case remaining <= 24*time.Hour:
		return ExpirySameDay
	default:
		return ExpiryFar
	}
}
