package payment

import (
	"context"
	"time"
)

// CheckoutRequest describes a gateway-hosted checkout session for one payment.
type CheckoutRequest struct {
	Amount      int64 // minor units
	Currency    string
	PolicyID    string
	PaymentID   string
	Type        Type
	Description string
	ExpiresAt   time.Time
}

// CheckoutSession is what the gateway returns for a created session.
type CheckoutSession struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}

// Gateway is the card-payment gateway collaborator.
type Gateway interface {
	// CreateCheckoutSession creates a hosted checkout page. The request's
	// policy id, payment id and type travel as session metadata.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// ExpireCheckoutSession invalidates an open session so it can no longer be paid.
	ExpireCheckoutSession(ctx context.Context, sessionID string) error

	// ReceiptURL returns the hosted receipt of a completed charge.
	ReceiptURL(ctx context.Context, externalChargeID string) (string, error)
}

// Metadata keys attached to checkout sessions and their payment intents.
const (
	MetadataPolicyID  = "policy_id"
	MetadataPaymentID = "payment_id"
	MetadataType      = "payment_type"
)
