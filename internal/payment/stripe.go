package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/charge"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/paymentintent"
)

// StripeGatewayConfig configures the Stripe gateway adapter.
type StripeGatewayConfig struct {
	APIKey     string
	SuccessURL string
	CancelURL  string
}

// StripeGateway implements Gateway with Stripe Checkout.
type StripeGateway struct {
	successURL string
	cancelURL  string
}

// NewStripeGateway creates a Stripe gateway with the given API key.
func NewStripeGateway(cfg StripeGatewayConfig) *StripeGateway {
	stripe.Key = cfg.APIKey
	return &StripeGateway{
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
	}
}

// CreateCheckoutSession creates a one-line-item Checkout Session for the exact
// amount. Metadata is set on both the session and its PaymentIntent so that
// payment_intent.* webhooks can be routed back to the payment.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	metadata := map[string]string{
		MetadataPolicyID:  req.PolicyID,
		MetadataPaymentID: req.PaymentID,
		MetadataType:      string(req.Type),
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(g.successURL),
		CancelURL:         stripe.String(g.cancelURL),
		ClientReferenceID: stripe.String(req.PaymentID),
		ExpiresAt:         stripe.Int64(req.ExpiresAt.Unix()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(req.Currency),
					UnitAmount: stripe.Int64(req.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	sess, err := session.New(params)
	if err != nil {
		return nil, err
	}
	if sess.URL == "" {
		return nil, errors.New("stripe returned a checkout session without a URL")
	}

	return &CheckoutSession{
		ID:        sess.ID,
		URL:       sess.URL,
		ExpiresAt: time.Unix(sess.ExpiresAt, 0).UTC(),
	}, nil
}

// ExpireCheckoutSession expires an open Checkout Session.
func (g *StripeGateway) ExpireCheckoutSession(ctx context.Context, sessionID string) error {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	_, err := session.Expire(sessionID, params)
	return err
}

// ReceiptURL resolves the hosted receipt of a charge. Both PaymentIntent ids
// (pi_...) and Charge ids (ch_/py_...) are accepted.
func (g *StripeGateway) ReceiptURL(ctx context.Context, externalChargeID string) (string, error) {
	if strings.HasPrefix(externalChargeID, "pi_") {
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		params.AddExpand("latest_charge")
		pi, err := paymentintent.Get(externalChargeID, params)
		if err != nil {
			return "", err
		}
		if pi.LatestCharge == nil || pi.LatestCharge.ReceiptURL == "" {
			return "", fmt.Errorf("payment intent %s has no receipt", externalChargeID)
		}
		return pi.LatestCharge.ReceiptURL, nil
	}

	params := &stripe.ChargeParams{}
	params.Context = ctx
	ch, err := charge.Get(externalChargeID, params)
	if err != nil {
		return "", err
	}
	if ch.ReceiptURL == "" {
		return "", fmt.Errorf("charge %s has no receipt", externalChargeID)
	}
	return ch.ReceiptURL, nil
}

// HealthCheck reports whether the adapter is configured with an API key.
// It does not call Stripe.
func (g *StripeGateway) HealthCheck(_ context.Context) error {
	if stripe.Key == "" {
		return errors.New("stripe api key not configured")
	}
	return nil
}
