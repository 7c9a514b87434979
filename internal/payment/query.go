package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/rentshield/rentshield/internal/breakdown"
	"github.com/rentshield/rentshield/internal/tracing"
)

// ErrReceiptUnavailable is returned when a payment has no receipt to show.
var ErrReceiptUnavailable = errors.New("receipt not available for payment")

// OverallStatus summarizes how much of a policy has been paid.
type OverallStatus string

// Overall statuses.
const (
	OverallPending   OverallStatus = "pending"
	OverallPartial   OverallStatus = "partial"
	OverallCompleted OverallStatus = "completed"
)

// PaymentView is a payment plus its checkout link expiry band. The band is set
// only for PENDING gateway payments with a link.
type PaymentView struct {
	*Payment
	ExpiryBand ExpiryBand `json:"expiry_band,omitempty"`
}

// Summary is the payment state of one policy.
type Summary struct {
	PolicyID       string                     `json:"policy_id"`
	Breakdown      breakdown.PaymentBreakdown `json:"breakdown"`
	Payments       []PaymentView              `json:"payments"`
	TotalPaid      int64                      `json:"total_paid"`
	TotalRemaining int64                      `json:"total_remaining"`
	OverallStatus  OverallStatus              `json:"overall_status"`
}

// GetPaymentDetails loads the breakdown and every payment of a policy,
// terminal ones included. It has no side effects.
func (s *Service) GetPaymentDetails(ctx context.Context, policyID string) (summary *Summary, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "payment.get_details")
	defer func() { endSpan(err) }()
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
	payments, err := s.repo.ListByPolicy(ctx, policyID)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	views := make([]PaymentView, 0, len(payments))
	for _, p := range payments {
		v := PaymentView{Payment: p}
		if !p.IsManual && p.Status == StatusPending && p.CheckoutURLExpiry != nil {
			v.ExpiryBand = ClassifyExpiry(*p.CheckoutURLExpiry, now)
		}
		views = append(views, v)
	}

	paid, remaining, status := Summarize(b.TotalWithIVA, payments)
	return &Summary{
		PolicyID:       policyID,
		Breakdown:      b,
		Payments:       views,
		TotalPaid:      paid,
		TotalRemaining: remaining,
		OverallStatus:  status,
	}, nil
}

// Summarize computes the paid total (sum of COMPLETED amounts), the remaining
// amount floored at zero, and the overall status.
func Summarize(totalWithIVA int64, payments []*Payment) (paid, remaining int64, status OverallStatus) {
	anyCompleted := false
	for _, p := range payments {
		if p.Status == StatusCompleted {
			paid += p.Amount
			anyCompleted = true
		}
	}

	remaining = totalWithIVA - paid
	if remaining < 0 {
		remaining = 0
	}

	switch {
	case remaining == 0 && anyCompleted:
		status = OverallCompleted
	case paid > 0 && paid < totalWithIVA:
		status = OverallPartial
	default:
		status = OverallPending
	}
	return paid, remaining, status
}

// GetStripeReceipt returns the gateway-hosted receipt of a COMPLETED gateway payment.
func (s *Service) GetStripeReceipt(ctx context.Context, paymentID string) (string, error) {
	p, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		return "", err
	}
	if p.IsManual {
		return "", ErrNotGatewayPayment
	}
	if p.Status != StatusCompleted || p.ExternalChargeID == nil {
		return "", ErrReceiptUnavailable
	}
	if s.gateway == nil {
		return "", gatewayError("receipt_url", errGatewayNotConfigured)
	}

	url, err := s.gateway.ReceiptURL(ctx, *p.ExternalChargeID)
	if err != nil {
		return "", gatewayError("receipt_url", err)
	}
	return url, nil
}

// GetReceiptDownloadURL returns a short-lived link to the uploaded receipt of a
// manual payment.
func (s *Service) GetReceiptDownloadURL(ctx context.Context, paymentID string) (string, error) {
	p, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		return "", err
	}
	if !p.IsManual {
		return "", ErrNotManualPayment
	}
	if p.ReceiptKey == nil {
		return "", ErrReceiptUnavailable
	}
	if s.receipts == nil {
		return "", storageError("download_url", errStorageNotConfigured)
	}

	url, err := s.receipts.DownloadURL(ctx, *p.ReceiptKey)
	if err != nil {
		return "", storageError("download_url", err)
	}
	return url, nil
}
