package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rentshield/rentshield/internal/validate"
)

// VerifyPayment approves or rejects a manual payment in PENDING_VERIFICATION.
// Approval completes it and sets PaidAt; rejection fails it with notes as the
// reason. Both outcomes are terminal.
func (s *Service) VerifyPayment(ctx context.Context, paymentID string, approved bool, notes string) (*Payment, error) {
	notes, err := validate.Notes(notes)
	if err != nil {
		err = fmt.Errorf("%w: verification notes: %v", ErrInvalidInput, err)
		s.metrics.incOperation(OpVerify, err)
		return nil, err
	}
	to := StatusFailed
	if approved {
		to = StatusCompleted
	}

	p, err := s.mutate(ctx, paymentID, OpVerify, func(p *Payment, c *change) error {
		if err := c.move(p, to); err != nil {
			return err
		}
		if approved {
			p.PaidAt = timePtr(c.now)
		}
		if notes != "" {
			p.VerificationNotes = stringPtr(notes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "payment verified",
		slog.String("payment_id", p.ID),
		slog.String("policy_id", p.PolicyID),
		slog.Bool("approved", approved),
	)
	return p, nil
}

// CancelPayment cancels a PENDING or PENDING_VERIFICATION payment. The row is
// kept. For a gateway payment the open checkout session is expired afterwards.
func (s *Service) CancelPayment(ctx context.Context, paymentID, reason string) (*Payment, error) {
	reason, err := validate.Reason(reason)
	if errors.Is(err, validate.ErrEmpty) {
		err = fmt.Errorf("%w: cancellation reason is required", ErrInvalidInput)
	} else if err != nil {
		err = fmt.Errorf("%w: cancellation reason: %v", ErrInvalidInput, err)
	}
	if err != nil {
		s.metrics.incOperation(OpCancel, err)
		return nil, err
	}

	p, err := s.mutate(ctx, paymentID, OpCancel, func(p *Payment, c *change) error {
		if err := c.move(p, StatusCancelled); err != nil {
			return err
		}
		p.CancelledAt = timePtr(c.now)
		p.CancellationReason = stringPtr(reason)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !p.IsManual && p.CheckoutSessionID != nil {
		s.expireSession(ctx, *p.CheckoutSessionID)
	}

	s.logger.InfoContext(ctx, "payment cancelled",
		slog.String("payment_id", p.ID),
		slog.String("policy_id", p.PolicyID),
		slog.String("reason", reason),
	)
	return p, nil
}

// GatewayOutcome is the result reported by a gateway confirmation event.
type GatewayOutcome string

// Gateway outcomes.
const (
	OutcomeProcessing GatewayOutcome = "processing"
	OutcomeSucceeded  GatewayOutcome = "succeeded"
	OutcomeFailed     GatewayOutcome = "failed"
	OutcomePartial    GatewayOutcome = "partial"
)

// GatewayRef locates a gateway payment. The first non-empty field wins, in
// field order.
type GatewayRef struct {
	PaymentID         string
	CheckoutSessionID string
	ExternalChargeID  string
}

// GatewayConfirmation is an inbound gateway event about a charge.
type GatewayConfirmation struct {
	GatewayRef
	// ChargeID is stored as the payment's external charge id when none is set yet.
	ChargeID string
	Outcome  GatewayOutcome
}

// ConfirmGatewayOutcome applies a gateway event to its payment.
//
// A success or failure reported while the payment is still PENDING passes
// through PROCESSING first. A redelivered outcome that is already applied is a
// no-op; any other outcome the state machine rejects returns an
// IllegalTransitionError.
func (s *Service) ConfirmGatewayOutcome(ctx context.Context, conf GatewayConfirmation) (*Payment, error) {
	target, err := s.resolve(ctx, conf.GatewayRef)
	if err != nil {
		s.metrics.incOperation(OpGatewayConfirm, err)
		return nil, err
	}

	op := OpGatewayConfirm
	if conf.Outcome == OutcomePartial {
		op = OpPartialCapture
	}

	p, err := s.mutate(ctx, target.ID, op, func(p *Payment, c *change) error {
		if p.IsManual {
			return ErrNotGatewayPayment
		}
		if conf.ChargeID != "" && p.ExternalChargeID == nil {
			p.ExternalChargeID = stringPtr(conf.ChargeID)
		}

		switch conf.Outcome {
		case OutcomeProcessing:
			if p.Status == StatusProcessing {
				return nil
			}
			return c.move(p, StatusProcessing)
		case OutcomeSucceeded:
			if p.Status == StatusCompleted || p.Status == StatusRefunded {
				return nil
			}
			if p.Status == StatusPending {
				if err := c.move(p, StatusProcessing); err != nil {
					return err
				}
			}
			if err := c.move(p, StatusCompleted); err != nil {
				return err
			}
			p.PaidAt = timePtr(c.now)
			return nil
		case OutcomeFailed:
			if p.Status == StatusFailed {
				return nil
			}
			if p.Status == StatusPending {
				if err := c.move(p, StatusProcessing); err != nil {
					return err
				}
			}
			return c.move(p, StatusFailed)
		case OutcomePartial:
			if p.Status == StatusPartial {
				return nil
			}
			return c.move(p, StatusPartial)
		default:
			return fmt.Errorf("%w: unknown gateway outcome %q", ErrInvalidInput, conf.Outcome)
		}
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "gateway outcome applied",
		slog.String("payment_id", p.ID),
		slog.String("policy_id", p.PolicyID),
		slog.String("outcome", string(conf.Outcome)),
		slog.String("status", string(p.Status)),
	)
	return p, nil
}

// RecordRefund moves a COMPLETED payment to REFUNDED. A repeated refund event
// for an already refunded payment is a no-op.
func (s *Service) RecordRefund(ctx context.Context, ref GatewayRef) (*Payment, error) {
	target, err := s.resolve(ctx, ref)
	if err != nil {
		s.metrics.incOperation(OpRefund, err)
		return nil, err
	}

	p, err := s.mutate(ctx, target.ID, OpRefund, func(p *Payment, c *change) error {
		if p.Status == StatusRefunded {
			return nil
		}
		return c.move(p, StatusRefunded)
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "payment refunded",
		slog.String("payment_id", p.ID),
		slog.String("policy_id", p.PolicyID),
	)
	return p, nil
}

func (s *Service) resolve(ctx context.Context, ref GatewayRef) (*Payment, error) {
	switch {
	case ref.PaymentID != "":
		return s.repo.GetByID(ctx, ref.PaymentID)
	case ref.CheckoutSessionID != "":
		return s.repo.GetByCheckoutSessionID(ctx, ref.CheckoutSessionID)
	case ref.ExternalChargeID != "":
		return s.repo.GetByExternalChargeID(ctx, ref.ExternalChargeID)
	}
	return nil, ErrPaymentNotFound
}
