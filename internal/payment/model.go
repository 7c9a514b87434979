// Package payment implements the payment ledger of a rental-guarantee policy:
// the Payment entity and its state machine, checkout links through the card
// gateway, manually recorded payments with receipt evidence, admin
// verification and cancellation, and the per-policy payment summary.
package payment

import (
	"time"

	"github.com/rentshield/rentshield/internal/breakdown"
)

// Status is the state of a Payment.
type Status string

// Payment states.
const (
	StatusPending             Status = "PENDING"
	StatusProcessing          Status = "PROCESSING"
	StatusPendingVerification Status = "PENDING_VERIFICATION"
	StatusPartial             Status = "PARTIAL"
	StatusCompleted           Status = "COMPLETED"
	StatusFailed              Status = "FAILED"
	StatusCancelled           Status = "CANCELLED"
	StatusRefunded            Status = "REFUNDED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusPendingVerification, StatusPartial,
		StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Terminal reports whether no transition other than COMPLETED -> REFUNDED can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Active reports whether a payment in state s occupies its obligation slot.
func (s Status) Active() bool {
	return s.Valid() && !s.Terminal()
}

// Settles reports whether a payment in state s covers its obligation: it is
// either still active or already completed. A refunded payment no longer does.
func (s Status) Settles() bool {
	return s.Active() || s == StatusCompleted
}

// ActiveStatuses lists the states that occupy an obligation slot. It must stay in
// sync with the partial unique index on payments(policy_id, type).
var ActiveStatuses = []Status{StatusPending, StatusProcessing, StatusPendingVerification, StatusPartial}

// Type identifies which obligation of a policy a payment settles.
type Type string

// Obligation types.
const (
	TypeInvestigationFee Type = "INVESTIGATION_FEE"
	TypeTenantPortion    Type = "TENANT_PORTION"
	TypeLandlordPortion  Type = "LANDLORD_PORTION"
)

// Types lists every obligation in the order links are generated.
var Types = []Type{TypeInvestigationFee, TypeTenantPortion, TypeLandlordPortion}

// Valid reports whether t is a known obligation type.
func (t Type) Valid() bool {
	switch t {
	case TypeInvestigationFee, TypeTenantPortion, TypeLandlordPortion:
		return true
	}
	return false
}

// ExpectedAmount returns what the breakdown says is owed for obligation t.
func ExpectedAmount(b breakdown.PaymentBreakdown, t Type) int64 {
	switch t {
	case TypeInvestigationFee:
		return b.InvestigationFee
	case TypeTenantPortion:
		return b.TenantAmountAfterFee
	case TypeLandlordPortion:
		return b.LandlordAmount
	}
	return 0
}

// defaultPayer is the party billed through a checkout link for obligation t.
func defaultPayer(t Type) PayerType {
	switch t {
	case TypeInvestigationFee, TypeTenantPortion:
		return PayerTenant
	case TypeLandlordPortion:
		return PayerLandlord
	}
	return ""
}

// PayerType identifies the party that made a payment.
type PayerType string

// Payer types.
const (
	PayerTenant       PayerType = "TENANT"
	PayerLandlord     PayerType = "LANDLORD"
	PayerJointObligor PayerType = "JOINT_OBLIGOR"
	PayerAval         PayerType = "AVAL"
	PayerCompany      PayerType = "COMPANY"
)

// Valid reports whether p is a known payer type.
func (p PayerType) Valid() bool {
	switch p {
	case PayerTenant, PayerLandlord, PayerJointObligor, PayerAval, PayerCompany:
		return true
	}
	return false
}

// Payment is one money obligation owed on a policy. Payments are never deleted;
// cancellation and rejection are terminal states.
type Payment struct {
	ID       string    `json:"id"`
	PolicyID string    `json:"policy_id"`
	Type     Type      `json:"type"`
	Status   Status    `json:"status"`
	Amount   int64     `json:"amount"`   // minor units, tax included
	Subtotal int64     `json:"subtotal"` // snapshot at creation
	IVA      int64     `json:"iva"`      // snapshot at creation
	Currency string    `json:"currency"`
	PaidBy   PayerType `json:"paid_by"`
	IsManual bool      `json:"is_manual"`

	Reference *string `json:"reference,omitempty"`

	// Gateway path only.
	CheckoutSessionID *string    `json:"checkout_session_id,omitempty"`
	CheckoutURL       *string    `json:"checkout_url,omitempty"`
	CheckoutURLExpiry *time.Time `json:"checkout_url_expiry,omitempty"`
	ExternalChargeID  *string    `json:"external_charge_id,omitempty"`

	// Manual path only.
	ReceiptKey      *string `json:"receipt_s3_key,omitempty"`
	ReceiptFileName *string `json:"receipt_file_name,omitempty"`

	VerificationNotes  *string `json:"verification_notes,omitempty"`
	CancellationReason *string `json:"cancellation_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// Clone returns a deep copy of p.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	c := *p
	c.Reference = cloneString(p.Reference)
	c.CheckoutSessionID = cloneString(p.CheckoutSessionID)
	c.CheckoutURL = cloneString(p.CheckoutURL)
	c.CheckoutURLExpiry = cloneTime(p.CheckoutURLExpiry)
	c.ExternalChargeID = cloneString(p.ExternalChargeID)
	c.ReceiptKey = cloneString(p.ReceiptKey)
	c.ReceiptFileName = cloneString(p.ReceiptFileName)
	c.VerificationNotes = cloneString(p.VerificationNotes)
	c.CancellationReason = cloneString(p.CancellationReason)
	c.PaidAt = cloneTime(p.PaidAt)
	c.CancelledAt = cloneTime(p.CancelledAt)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func stringPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
