package payment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/rentshield/rentshield/internal/breakdown"
	"github.com/rentshield/rentshield/internal/validate"
)

// OpRecordManual is the operation name for recording a manual payment.
const OpRecordManual = "record_manual_payment"

// ManualPaymentInput is a payment made outside the gateway.
type ManualPaymentInput struct {
	PolicyID  string
	Type      Type
	Amount    int64 // minor units, tax included
	PaidBy    PayerType
	Reference string
}

// RecordManualPayment creates a PENDING manual payment awaiting its receipt.
// The amount must be in (0, MaxManualAmount], no active payment may exist for
// the policy and type, and no completed payment may already settle it.
func (s *Service) RecordManualPayment(ctx context.Context, in ManualPaymentInput) (p *Payment, err error) {
	defer func() { s.metrics.incOperation(OpRecordManual, err) }()

	if err := s.validateManual(in); err != nil {
		return nil, err
	}
	ref, err := validate.Reference(in.Reference)
	if err != nil {
		return nil, fmt.Errorf("%w: reference: %v", ErrInvalidInput, err)
	}

	terms, err := s.terms.GetTerms(ctx, in.PolicyID)
	if err != nil {
		return nil, err
	}
	existing, err := s.repo.ListByPolicy(ctx, in.PolicyID)
	if err != nil {
		return nil, err
	}
	for _, e := range existing {
		if e.Type == in.Type && e.Status == StatusCompleted {
			return nil, fmt.Errorf("%w: %s paid by payment %s", ErrObligationSettled, in.Type, e.ID)
		}
	}

	now := s.clock()
	subtotal, iva := breakdown.SplitIVA(in.Amount, terms.IVARate)
	p = &Payment{
		ID:        uuid.New().String(),
		PolicyID:  in.PolicyID,
		Type:      in.Type,
		Status:    StatusPending,
		Amount:    in.Amount,
		Subtotal:  subtotal,
		IVA:       iva,
		Currency:  s.currency,
		PaidBy:    in.PaidBy,
		IsManual:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ref != "" {
		p.Reference = stringPtr(ref)
	}

	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "manual payment recorded",
		slog.String("payment_id", p.ID),
		slog.String("policy_id", p.PolicyID),
		slog.String("type", string(p.Type)),
		slog.Int64("amount", p.Amount),
	)
	return p, nil
}

func (s *Service) validateManual(in ManualPaymentInput) error {
	if in.PolicyID == "" {
		return fmt.Errorf("%w: policy id is required", ErrInvalidInput)
	}
	if !in.Type.Valid() {
		return fmt.Errorf("%w: unknown payment type %q", ErrInvalidInput, in.Type)
	}
	if !in.PaidBy.Valid() {
		return fmt.Errorf("%w: unknown payer type %q", ErrInvalidInput, in.PaidBy)
	}
	if in.Amount <= 0 || in.Amount > s.maxManualAmount {
		return &InvalidAmountError{Amount: in.Amount, Max: s.maxManualAmount}
	}
	return nil
}

// AttachReceipt stores the receipt location on a PENDING manual payment and
// moves it to PENDING_VERIFICATION.
func (s *Service) AttachReceipt(ctx context.Context, paymentID, storageKey, fileName string) (*Payment, error) {
	storageKey = strings.TrimSpace(storageKey)
	fileName = strings.TrimSpace(fileName)
	if storageKey == "" || fileName == "" {
		err := fmt.Errorf("%w: receipt key and file name are required", ErrInvalidInput)
		s.metrics.incOperation(OpAttachReceipt, err)
		return nil, err
	}

	p, err := s.mutate(ctx, paymentID, OpAttachReceipt, func(p *Payment, c *change) error {
		if !p.IsManual {
			return ErrNotManualPayment
		}
		if err := c.move(p, StatusPendingVerification); err != nil {
			return err
		}
		p.ReceiptKey = stringPtr(storageKey)
		p.ReceiptFileName = stringPtr(fileName)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "receipt attached",
		slog.String("payment_id", p.ID),
		slog.String("policy_id", p.PolicyID),
	)
	return p, nil
}
