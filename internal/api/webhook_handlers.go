package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/rentshield/rentshield/internal/audit"
	"github.com/rentshield/rentshield/internal/payment"
)

// maxWebhookBodyBytes bounds Stripe event payloads.
const maxWebhookBodyBytes = 256 << 10

// webhookActor is the audit actor for gateway-initiated changes.
const webhookActor = "stripe"

// Stripe event types routed to the payment service.
const (
	eventCheckoutCompleted      = "checkout.session.completed"
	eventCheckoutAsyncSucceeded = "checkout.session.async_payment_succeeded"
	eventCheckoutAsyncFailed    = "checkout.session.async_payment_failed"
	eventPaymentIntentSucceeded = "payment_intent.succeeded"
	eventPaymentIntentFailed    = "payment_intent.payment_failed"
	eventChargeRefunded         = "charge.refunded"
)

// WebhookHandlers holds dependencies for webhook-related HTTP handlers.
type WebhookHandlers struct {
	webhookSecret string
	service       *payment.Service
	webhookRepo   payment.WebhookRepository
	auditRepo     audit.Repository
}

// NewWebhookHandlers creates a new WebhookHandlers instance.
func NewWebhookHandlers(
	webhookSecret string,
	service *payment.Service,
	webhookRepo payment.WebhookRepository,
	auditRepo audit.Repository,
) *WebhookHandlers {
	return &WebhookHandlers{
		webhookSecret: webhookSecret,
		service:       service,
		webhookRepo:   webhookRepo,
		auditRepo:     auditRepo,
	}
}

// HandleStripeWebhook processes Stripe webhook events with signature verification.
// Each event id is applied at most once. An event that fails for a transient
// reason is released and answered with 500 so Stripe redelivers it.
// POST /internal/stripe
func (h *WebhookHandlers) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "failed to read request body")
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "missing Stripe-Signature header")
		return
	}

	event, err := webhook.ConstructEvent(body, signature, h.webhookSecret)
	if err != nil {
		slog.WarnContext(ctx, "webhook signature verification failed", "error", err)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid signature")
		return
	}

	// Log minimal event info (type and ID only, not full payload)
	slog.InfoContext(ctx, "webhook event received", "event_type", event.Type, "event_id", event.ID)

	if err := h.webhookRepo.RecordEvent(ctx, event.ID, string(event.Type)); err != nil {
		if errors.Is(err, payment.ErrEventAlreadyProcessed) {
			slog.InfoContext(ctx, "webhook event already processed, ignoring", "event_id", event.ID)
			w.WriteHeader(http.StatusOK)
			return
		}
		slog.ErrorContext(ctx, "failed to record webhook event", "event_id", event.ID, "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to process webhook")
		return
	}

	if err := h.dispatch(ctx, event); err != nil {
		slog.ErrorContext(ctx, "webhook event failed, releasing for redelivery",
			"event_type", event.Type,
			"event_id", event.ID,
			"error", err,
		)
		if ferr := h.webhookRepo.Forget(context.WithoutCancel(ctx), event.ID); ferr != nil {
			slog.ErrorContext(ctx, "failed to release webhook event", "event_id", event.ID, "error", ferr)
		}
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to process webhook")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// dispatch routes an event to the payment service. It returns an error only
// when a retry could succeed.
func (h *WebhookHandlers) dispatch(ctx context.Context, event stripe.Event) error {
	if event.Data == nil {
		return nil
	}

	switch event.Type {
	case eventCheckoutCompleted, eventCheckoutAsyncSucceeded, eventCheckoutAsyncFailed:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			slog.ErrorContext(ctx, "failed to parse checkout session", "event_id", event.ID, "error", err)
			return nil
		}
		conf := payment.GatewayConfirmation{
			GatewayRef: payment.GatewayRef{
				PaymentID:         sess.Metadata[payment.MetadataPaymentID],
				CheckoutSessionID: sess.ID,
			},
			Outcome: checkoutOutcome(string(event.Type), sess.PaymentStatus),
		}
		if sess.PaymentIntent != nil {
			conf.ChargeID = sess.PaymentIntent.ID
		}
		return h.confirm(ctx, event, conf)

	case eventPaymentIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			slog.ErrorContext(ctx, "failed to parse payment intent", "event_id", event.ID, "error", err)
			return nil
		}
		return h.confirm(ctx, event, payment.GatewayConfirmation{
			GatewayRef: payment.GatewayRef{
				PaymentID:        pi.Metadata[payment.MetadataPaymentID],
				ExternalChargeID: pi.ID,
			},
			ChargeID: pi.ID,
			Outcome:  payment.OutcomeSucceeded,
		})

	case eventPaymentIntentFailed:
		// A declined attempt inside an open Checkout Session can be retried by
		// the payer; only async_payment_failed ends the payment.
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			slog.ErrorContext(ctx, "failed to parse payment intent", "event_id", event.ID, "error", err)
			return nil
		}
		reason := "unknown"
		if pi.LastPaymentError != nil {
			if pi.LastPaymentError.Code != "" {
				reason = string(pi.LastPaymentError.Code)
			} else if pi.LastPaymentError.Msg != "" {
				reason = pi.LastPaymentError.Msg
			}
		}
		slog.WarnContext(ctx, "payment attempt failed",
			"event_id", event.ID,
			"payment_id", pi.Metadata[payment.MetadataPaymentID],
			"payment_intent_id", pi.ID,
			"reason", reason,
		)
		return nil

	case eventChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			slog.ErrorContext(ctx, "failed to parse charge", "event_id", event.ID, "error", err)
			return nil
		}
		if !ch.Refunded {
			slog.InfoContext(ctx, "partial refund ignored", "event_id", event.ID, "charge_id", ch.ID)
			return nil
		}
		ref := payment.GatewayRef{ExternalChargeID: ch.ID}
		if ch.PaymentIntent != nil && ch.PaymentIntent.ID != "" {
			ref.ExternalChargeID = ch.PaymentIntent.ID
		}
		p, err := h.service.RecordRefund(ctx, ref)
		return h.settle(ctx, event, audit.ActionRefund, p, err)
	}

	slog.InfoContext(ctx, "ignoring unhandled webhook event type", "event_type", event.Type, "event_id", event.ID)
	return nil
}

func (h *WebhookHandlers) confirm(ctx context.Context, event stripe.Event, conf payment.GatewayConfirmation) error {
	p, err := h.service.ConfirmGatewayOutcome(ctx, conf)
	return h.settle(ctx, event, audit.ActionGatewayOutcome, p, err)
}

// settle audits the result of an applied event and decides whether it should
// be redelivered. Events for unknown payments and events the state machine
// rejects are acknowledged: redelivery cannot change their outcome.
func (h *WebhookHandlers) settle(ctx context.Context, event stripe.Event, action string, p *payment.Payment, err error) error {
	switch {
	case err == nil:
		h.recordAudit(ctx, action, p.ID, fmt.Sprintf("event=%s status=%s", event.Type, p.Status))
		return nil
	case errors.Is(err, payment.ErrPaymentNotFound):
		slog.WarnContext(ctx, "webhook event for unknown payment", "event_type", event.Type, "event_id", event.ID)
		return nil
	case errors.Is(err, payment.ErrIllegalTransition), errors.Is(err, payment.ErrNotGatewayPayment),
		errors.Is(err, payment.ErrInvalidInput):
		slog.ErrorContext(ctx, "webhook event rejected by payment state, needs review",
			"event_type", event.Type,
			"event_id", event.ID,
			"error", err,
		)
		return nil
	}
	return err
}

func (h *WebhookHandlers) recordAudit(ctx context.Context, action, paymentID, detail string) {
	if h.auditRepo == nil {
		return
	}
	err := audit.Record(ctx, h.auditRepo, audit.Entry{
		ActorID:    webhookActor,
		EntityType: audit.EntityPayment,
		EntityID:   paymentID,
		Action:     action,
		Outcome:    audit.OutcomeSuccess,
		Detail:     detail,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to record audit entry", "action", action, "entity_id", paymentID, "error", err)
	}
}

// checkoutOutcome maps a Checkout Session event to a gateway outcome. A
// completed session whose payment is still unpaid (bank transfer, OXXO) is
// only processing until the async event arrives.
func checkoutOutcome(eventType string, status stripe.CheckoutSessionPaymentStatus) payment.GatewayOutcome {
	switch eventType {
	case eventCheckoutAsyncSucceeded:
		return payment.OutcomeSucceeded
	case eventCheckoutAsyncFailed:
		return payment.OutcomeFailed
	}
	if status == stripe.CheckoutSessionPaymentStatusUnpaid {
		return payment.OutcomeProcessing
	}
	return payment.OutcomeSucceeded
}
