package payment

import (
	"context"
	"errors"
	"log/slog"
)

// AutoCancelReason is the cancellation reason written by upload compensation.
const AutoCancelReason = "upload failure — auto-cancelled"

var errStorageNotConfigured = errors.New("receipt storage not configured")

// ReceiptStore is the object storage holding manual payment receipts. Size
// and content-type limits are enforced before Put is called.
type ReceiptStore interface {
	Put(ctx context.Context, data []byte, contentType string) (key string, err error)
	DownloadURL(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// ReceiptUpload is a validated receipt file.
type ReceiptUpload struct {
	Data        []byte
	ContentType string
	FileName    string
}

// RecordManualPaymentWithReceipt runs the manual payment sequence: record the
// payment, upload the receipt, attach it. If the upload or the attach fails the
// payment is cancelled with AutoCancelReason and the original error is
// returned. The step is never retried; a caller starts over with a new payment.
func (s *Service) RecordManualPaymentWithReceipt(ctx context.Context, in ManualPaymentInput, upload ReceiptUpload) (*Payment, error) {
	p, err := s.RecordManualPayment(ctx, in)
	if err != nil {
		return nil, err
	}
	return s.storeAndAttach(ctx, p.ID, upload)
}

// UploadReceipt stores the receipt of an existing PENDING manual payment and
// attaches it. A payment that cannot take a receipt is rejected before
// anything is stored; a failed upload or attach cancels the payment with
// AutoCancelReason.
func (s *Service) UploadReceipt(ctx context.Context, paymentID string, upload ReceiptUpload) (*Payment, error) {
	p, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !p.IsManual {
		return nil, ErrNotManualPayment
	}
	if p.Status != StatusPending {
		return nil, &IllegalTransitionError{From: p.Status, To: StatusPendingVerification, Op: OpAttachReceipt}
	}
	return s.storeAndAttach(ctx, p.ID, upload)
}

func (s *Service) storeAndAttach(ctx context.Context, paymentID string, upload ReceiptUpload) (*Payment, error) {
	if s.receipts == nil {
		err := storageError("put", errStorageNotConfigured)
		s.compensate(ctx, paymentID, "", err)
		return nil, err
	}

	key, err := s.receipts.Put(ctx, upload.Data, upload.ContentType)
	if err != nil {
		err = storageError("put", err)
		s.compensate(ctx, paymentID, "", err)
		return nil, err
	}

	attached, err := s.AttachReceipt(ctx, paymentID, key, upload.FileName)
	if err != nil {
		s.compensate(ctx, paymentID, key, err)
		return nil, err
	}
	return attached, nil
}

// compensate cancels a manual payment whose receipt never made it and removes
// an uploaded object that no payment references. The cancellation only applies
// while the payment is still PENDING without a receipt: a concurrent upload
// that attached first keeps its payment and only this attempt's object goes.
// It runs detached from ctx so a cancelled request still compensates.
func (s *Service) compensate(ctx context.Context, paymentID, key string, cause error) {
	ctx = context.WithoutCancel(ctx)

	s.logger.WarnContext(ctx, "manual payment upload failed, compensating",
		slog.String("payment_id", paymentID),
		slog.String("error", cause.Error()),
	)

	cancelled := false
	p, err := s.mutate(ctx, paymentID, OpCompensate, func(p *Payment, c *change) error {
		cancelled = false
		if p.Status != StatusPending || p.ReceiptKey != nil {
			return nil
		}
		if err := c.move(p, StatusCancelled); err != nil {
			return err
		}
		p.CancelledAt = timePtr(c.now)
		p.CancellationReason = stringPtr(AutoCancelReason)
		cancelled = true
		return nil
	})
	switch {
	case err != nil:
		s.logger.ErrorContext(ctx, "compensating cancellation failed",
			slog.String("payment_id", paymentID),
			slog.String("error", err.Error()),
		)
	case cancelled:
		s.logger.InfoContext(ctx, "payment cancelled",
			slog.String("payment_id", p.ID),
			slog.String("policy_id", p.PolicyID),
			slog.String("reason", AutoCancelReason),
		)
	default:
		s.logger.InfoContext(ctx, "payment left as is, receipt attached elsewhere",
			slog.String("payment_id", p.ID),
			slog.String("status", string(p.Status)),
		)
	}

	if key != "" && s.receipts != nil {
		if err := s.receipts.Delete(ctx, key); err != nil {
			s.logger.WarnContext(ctx, "failed to delete orphaned receipt",
				slog.String("payment_id", paymentID),
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
}
