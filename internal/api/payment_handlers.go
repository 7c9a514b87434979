package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/rentshield/rentshield/internal/audit"
	"github.com/rentshield/rentshield/internal/payment"
	"github.com/rentshield/rentshield/internal/receipt"
)

// maxJSONBodyBytes bounds JSON request bodies.
const maxJSONBodyBytes = 64 << 10

// multipartOverhead is the allowance for form fields and boundaries on top of
// the receipt itself.
const multipartOverhead = 1 << 20

// receiptFormField is the multipart field carrying the receipt file.
const receiptFormField = "receipt"

// PaymentHandlers holds dependencies for payment-related HTTP handlers.
type PaymentHandlers struct {
	service         *payment.Service
	auditRepo       audit.Repository
	sanitizer       receipt.Sanitizer
	maxReceiptBytes int64
}

// NewPaymentHandlers creates a new PaymentHandlers instance. A nil sanitizer
// stores receipts as uploaded.
func NewPaymentHandlers(
	service *payment.Service,
	auditRepo audit.Repository,
	sanitizer receipt.Sanitizer,
	maxReceiptBytes int64,
) *PaymentHandlers {
	if sanitizer == nil {
		sanitizer = receipt.NopSanitizer{}
	}
	if maxReceiptBytes <= 0 {
		maxReceiptBytes = receipt.DefaultMaxSizeBytes
	}
	return &PaymentHandlers{
		service:         service,
		auditRepo:       auditRepo,
		sanitizer:       sanitizer,
		maxReceiptBytes: maxReceiptBytes,
	}
}

// GetPaymentDetails returns the breakdown, payments and totals of a policy.
// GET /policies/{policyID}/payments
func (h *PaymentHandlers) GetPaymentDetails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	summary, err := h.service.GetPaymentDetails(ctx, r.PathValue("policyID"))
	if err != nil {
		writeServiceError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, newSummaryResponse(summary))
}

// GenerateLinks creates checkout links for every uncovered obligation.
// POST /policies/{policyID}/payments/links
func (h *PaymentHandlers) GenerateLinks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	policyID := r.PathValue("policyID")

	created, err := h.service.GenerateLinks(ctx, policyID)
	h.record(r, audit.EntityPolicy, policyID, audit.ActionGenerateLinks, err, fmt.Sprintf("created=%d", len(created)))
	if err != nil {
		writeServiceError(w, ctx, err)
		return
	}

	resp := GenerateLinksResponse{Created: make([]PaymentResponse, 0, len(created))}
	for _, p := range created {
		resp.Created = append(resp.Created, newPaymentResponse(p))
	}
	writeJSON(w, ctx, http.StatusOK, resp)
}

// RecordManualPayment records a payment made outside the gateway. A JSON body
// creates a PENDING payment awaiting its receipt; a multipart body with a
// receipt file runs the full record, upload and attach sequence.
// POST /policies/{policyID}/payments/manual
func (h *PaymentHandlers) RecordManualPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	policyID := r.PathValue("policyID")

	var (
		req    ManualPaymentRequest
		upload *payment.ReceiptUpload
	)
	if isMultipart(r) {
		u, err := h.readReceipt(w, r)
		if err != nil {
			writeServiceError(w, ctx, err)
			return
		}
		upload = &u
		req = ManualPaymentRequest{
			Type:      r.FormValue("type"),
			Amount:    r.FormValue("amount"),
			PaidBy:    r.FormValue("paid_by"),
			Reference: r.FormValue("reference"),
		}
	} else if !decodeJSON(w, r, &req) {
		return
	}

	amount, err := payment.ParseAmount(req.Amount)
	if err != nil {
		writeServiceError(w, ctx, err)
		return
	}
	in := payment.ManualPaymentInput{
		PolicyID:  policyID,
		Type:      payment.Type(req.Type),
		Amount:    amount,
		PaidBy:    payment.PayerType(req.PaidBy),
		Reference: req.Reference,
	}

	var p *payment.Payment
	if upload != nil {
		p, err = h.service.RecordManualPaymentWithReceipt(ctx, in, *upload)
	} else {
		p, err = h.service.RecordManualPayment(ctx, in)
	}
	if err != nil {
		h.record(r, audit.EntityPolicy, policyID, audit.ActionRecordManual, err, "type="+req.Type)
		writeServiceError(w, ctx, err)
		return
	}
	h.record(r, audit.EntityPayment, p.ID, audit.ActionRecordManual, nil,
		fmt.Sprintf("type=%s amount=%s receipt=%t", p.Type, payment.FormatAmount(p.Amount), upload != nil))

	writeJSON(w, ctx, http.StatusCreated, ManualPaymentResponse{ID: p.ID, Payment: newPaymentResponse(p)})
}

// RegenerateURL issues a new checkout link for an expired PENDING gateway payment.
// POST /payments/{paymentID}/regenerate-url
func (h *PaymentHandlers) RegenerateURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	paymentID := r.PathValue("paymentID")

	p, err := h.service.RegenerateURL(ctx, paymentID)
	h.record(r, audit.EntityPayment, paymentID, audit.ActionRegenerateURL, err, "")
	if err != nil {
		writeServiceError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, newPaymentResponse(p))
}

// UpdateReceipt attaches an already stored receipt to a PENDING manual payment.
// PUT /payments/{paymentID}/receipt
func (h *PaymentHandlers) UpdateReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	paymentID := r.PathValue("paymentID")

	var req UpdateReceiptRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.service.AttachReceipt(ctx, paymentID, req.ReceiptKey, receipt.CleanFileName(req.ReceiptFileName))
	h.record(r, audit.EntityPayment, paymentID, audit.ActionAttachReceipt, err, "")
	if err != nil {
		writeServiceError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, newPaymentResponse(p))
}

// UploadReceipt validates, sanitizes and stores a receipt file for a PENDING
// manual payment and attaches it. A storage failure cancels the payment.
// POST /payments/{paymentID}/receipt
func (h *PaymentHandlers) UploadReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	paymentID := r.PathValue("paymentID")

	if !isMultipart(r) {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "multipart/form-data body with a receipt file is required")
		return
	}
	upload, err := h.readReceipt(w, r)
	if err != nil {
		writeServiceError(w, ctx, err)
		return
	}

	p, err := h.service.UploadReceipt(ctx, paymentID, upload)
	h.record(r, audit.EntityPayment, paymentID, audit.ActionUploadReceipt, err, "content_type="+upload.ContentType)
	if err != nil {
		writeServiceError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, newPaymentResponse(p))
}

// GetReceiptURL returns a short-lived download link for a manual payment's receipt.
// GET /payments/{paymentID}/receipt-url
func (h *PaymentHandlers) GetReceiptURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	paymentID := r.PathValue("paymentID")

	url, err := h.service.GetReceiptDownloadURL(ctx, paymentID)
	h.record(r, audit.EntityPayment, paymentID, audit.ActionViewReceipt, err, "")
	if err != nil {
		writeServiceError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, URLResponse{URL: url})
}

// CancelPayment cancels a PENDING or PENDING_VERIFICATION payment.
// POST /payments/{paymentID}/cancel
func (h *PaymentHandlers) CancelPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	paymentID := r.PathValue("paymentID")

	var req CancelPaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.service.CancelPayment(ctx, paymentID, req.Reason)
	h.record(r, audit.EntityPayment, paymentID, audit.ActionCancel, err, req.Reason)
	if err != nil {
		writeServiceError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, newPaymentResponse(p))
}

// VerifyPayment approves or rejects a manual payment awaiting verification.
// POST /payments/{paymentID}/verify
func (h *PaymentHandlers) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	paymentID := r.PathValue("paymentID")

	var req VerifyPaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Approved == nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "approved is required")
		return
	}

	p, err := h.service.VerifyPayment(ctx, paymentID, *req.Approved, req.Notes)
	h.record(r, audit.EntityPayment, paymentID, audit.ActionVerify, err, "approved="+strconv.FormatBool(*req.Approved))
	if err != nil {
		writeServiceError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, newPaymentResponse(p))
}

// GetStripeReceipt returns the gateway receipt of a completed gateway payment.
// GET /payments/{paymentID}/stripe-receipt
func (h *PaymentHandlers) GetStripeReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	url, err := h.service.GetStripeReceipt(ctx, r.PathValue("paymentID"))
	if err != nil {
		writeServiceError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, URLResponse{URL: url})
}

// readReceipt parses a multipart body and returns its validated, sanitized
// receipt file.
func (h *PaymentHandlers) readReceipt(w http.ResponseWriter, r *http.Request) (payment.ReceiptUpload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxReceiptBytes+multipartOverhead)
	if err := r.ParseMultipartForm(h.maxReceiptBytes + multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return payment.ReceiptUpload{}, fmt.Errorf("%w: request body over %d bytes", receipt.ErrFileTooLarge, tooLarge.Limit)
		}
		return payment.ReceiptUpload{}, fmt.Errorf("%w: malformed multipart body", payment.ErrInvalidInput)
	}

	file, header, err := r.FormFile(receiptFormField)
	if err != nil {
		return payment.ReceiptUpload{}, fmt.Errorf("%w: %q file is required", payment.ErrInvalidInput, receiptFormField)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxReceiptBytes+1))
	if err != nil {
		return payment.ReceiptUpload{}, fmt.Errorf("%w: unreadable receipt file", payment.ErrInvalidInput)
	}

	fileName := receipt.CleanFileName(header.Filename)
	contentType, err := receipt.Validate(fileName, data, h.maxReceiptBytes)
	if err != nil {
		return payment.ReceiptUpload{}, err
	}

	clean, err := h.sanitizer.Sanitize(data, contentType)
	if err != nil {
		slog.WarnContext(r.Context(), "receipt sanitization failed", "file_name", fileName, "error", err)
		return payment.ReceiptUpload{}, fmt.Errorf("%w: %v", receipt.ErrTypeMismatch, err)
	}

	return payment.ReceiptUpload{Data: clean, ContentType: contentType, FileName: fileName}, nil
}

// record appends an audit entry. Audit failures are logged, not returned: the
// operation itself has already been applied.
func (h *PaymentHandlers) record(r *http.Request, entityType, entityID, action string, opErr error, detail string) {
	if h.auditRepo == nil || entityID == "" {
		return
	}
	if opErr != nil {
		detail = ErrorCode(opErr)
	}
	err := audit.RecordFromRequest(r, h.auditRepo, audit.Entry{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Outcome:    audit.OutcomeOf(opErr),
		Detail:     detail,
	})
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to record audit entry",
			"action", action,
			"entity_id", entityID,
			"error", err,
		)
	}
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

// decodeJSON decodes a bounded JSON body into v. It writes a 400 and returns
// false when the body is not valid JSON.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return false
	}
	return true
}
