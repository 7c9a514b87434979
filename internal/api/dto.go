package api

import (
	"time"

	"github.com/rentshield/rentshield/internal/breakdown"
	"github.com/rentshield/rentshield/internal/payment"
)

// PaymentResponse is a payment as returned by the API. Amounts are decimal
// strings with two places.
type PaymentResponse struct {
	ID                 string     `json:"id"`
	PolicyID           string     `json:"policy_id"`
	Type               string     `json:"type"`
	Status             string     `json:"status"`
	Amount             string     `json:"amount"`
	Subtotal           string     `json:"subtotal"`
	IVA                string     `json:"iva"`
	Currency           string     `json:"currency"`
	PaidBy             string     `json:"paid_by"`
	IsManual           bool       `json:"is_manual"`
	Reference          *string    `json:"reference,omitempty"`
	CheckoutURL        *string    `json:"checkout_url,omitempty"`
	CheckoutURLExpiry  *time.Time `json:"checkout_url_expiry,omitempty"`
	ExpiryBand         string     `json:"expiry_band,omitempty"`
	HasReceipt         bool       `json:"has_receipt"`
	ReceiptFileName    *string    `json:"receipt_file_name,omitempty"`
	VerificationNotes  *string    `json:"verification_notes,omitempty"`
	CancellationReason *string    `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	PaidAt             *time.Time `json:"paid_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
}

func newPaymentResponse(p *payment.Payment) PaymentResponse {
	return PaymentResponse{
		ID:                 p.ID,
		PolicyID:           p.PolicyID,
		Type:               string(p.Type),
		Status:             string(p.Status),
		Amount:             payment.FormatAmount(p.Amount),
		Subtotal:           payment.FormatAmount(p.Subtotal),
		IVA:                payment.FormatAmount(p.IVA),
		Currency:           p.Currency,
		PaidBy:             string(p.PaidBy),
		IsManual:           p.IsManual,
		Reference:          p.Reference,
		CheckoutURL:        p.CheckoutURL,
		CheckoutURLExpiry:  p.CheckoutURLExpiry,
		HasReceipt:         p.ReceiptKey != nil,
		ReceiptFileName:    p.ReceiptFileName,
		VerificationNotes:  p.VerificationNotes,
		CancellationReason: p.CancellationReason,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
		PaidAt:             p.PaidAt,
		CancelledAt:        p.CancelledAt,
	}
}

// BreakdownResponse is the policy breakdown with amounts as decimal strings.
type BreakdownResponse struct {
	Subtotal                 string `json:"subtotal"`
	IVA                      string `json:"iva"`
	TotalWithIVA             string `json:"total_with_iva"`
	TenantPercentage         string `json:"tenant_percentage"`
	LandlordPercentage       string `json:"landlord_percentage"`
	TenantAmount             string `json:"tenant_amount"`
	LandlordAmount           string `json:"landlord_amount"`
	InvestigationFee         string `json:"investigation_fee"`
	IncludesInvestigationFee bool   `json:"includes_investigation_fee"`
	TenantAmountAfterFee     string `json:"tenant_amount_after_fee"`
}

func newBreakdownResponse(b breakdown.PaymentBreakdown) BreakdownResponse {
	return BreakdownResponse{
		Subtotal:                 payment.FormatAmount(b.Subtotal),
		IVA:                      payment.FormatAmount(b.IVA),
		TotalWithIVA:             payment.FormatAmount(b.TotalWithIVA),
		TenantPercentage:         b.TenantPercentage.String(),
		LandlordPercentage:       b.LandlordPercentage.String(),
		TenantAmount:             payment.FormatAmount(b.TenantAmount),
		LandlordAmount:           payment.FormatAmount(b.LandlordAmount),
		InvestigationFee:         payment.FormatAmount(b.InvestigationFee),
		IncludesInvestigationFee: b.IncludesInvestigationFee,
		TenantAmountAfterFee:     payment.FormatAmount(b.TenantAmountAfterFee),
	}
}

// SummaryResponse is the payment summary of a policy.
type SummaryResponse struct {
	PolicyID       string            `json:"policy_id"`
	Breakdown      BreakdownResponse `json:"breakdown"`
	Payments       []PaymentResponse `json:"payments"`
	TotalPaid      string            `json:"total_paid"`
	TotalRemaining string            `json:"total_remaining"`
	OverallStatus  string            `json:"overall_status"`
}

func newSummaryResponse(s *payment.Summary) SummaryResponse {
	payments := make([]PaymentResponse, 0, len(s.Payments))
	for _, v := range s.Payments {
		resp := newPaymentResponse(v.Payment)
		resp.ExpiryBand = string(v.ExpiryBand)
		payments = append(payments, resp)
	}
	return SummaryResponse{
		PolicyID:       s.PolicyID,
		Breakdown:      newBreakdownResponse(s.Breakdown),
		Payments:       payments,
		TotalPaid:      payment.FormatAmount(s.TotalPaid),
		TotalRemaining: payment.FormatAmount(s.TotalRemaining),
		OverallStatus:  string(s.OverallStatus),
	}
}

// GenerateLinksResponse lists the payments created by a link generation call.
type GenerateLinksResponse struct {
	Created []PaymentResponse `json:"created"`
}

// ManualPaymentRequest is the JSON body of POST /policies/{policyID}/payments/manual.
type ManualPaymentRequest struct {
	Type      string `json:"type"`
	Amount    string `json:"amount"`
	PaidBy    string `json:"paid_by"`
	Reference string `json:"reference,omitempty"`
}

// ManualPaymentResponse is returned after recording a manual payment.
type ManualPaymentResponse struct {
	ID      string          `json:"id"`
	Payment PaymentResponse `json:"payment"`
}

// UpdateReceiptRequest is the JSON body of PUT /payments/{paymentID}/receipt.
type UpdateReceiptRequest struct {
	ReceiptKey      string `json:"receipt_s3_key"`
	ReceiptFileName string `json:"receipt_file_name"`
}

// CancelPaymentRequest is the JSON body of POST /payments/{paymentID}/cancel.
type CancelPaymentRequest struct {
	Reason string `json:"reason"`
}

// VerifyPaymentRequest is the JSON body of POST /payments/{paymentID}/verify.
type VerifyPaymentRequest struct {
	Approved *bool  `json:"approved"`
	Notes    string `json:"notes,omitempty"`
}

// URLResponse carries a receipt link.
type URLResponse struct {
	URL string `json:"url"`
}
