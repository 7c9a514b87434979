// Package api provides the HTTP handlers of the payment service and its
// standardized JSON error envelope.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rentshield/rentshield/internal/breakdown"
	"github.com/rentshield/rentshield/internal/middleware"
	"github.com/rentshield/rentshield/internal/payment"
	"github.com/rentshield/rentshield/internal/policy"
	"github.com/rentshield/rentshield/internal/receipt"
)

// Common error codes used throughout the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeUnauthorized indicates missing or invalid credentials.
	ErrCodeUnauthorized = "unauthorized"

	// ErrCodeForbidden indicates the request is forbidden.
	ErrCodeForbidden = "forbidden"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeMethodNotAllowed indicates the HTTP method is not supported.
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// ErrCodeDuplicateObligation indicates an active payment already exists for the policy and type.
	ErrCodeDuplicateObligation = "duplicate_obligation"

	// ErrCodeIllegalTransition indicates the payment's current state does not allow the operation.
	ErrCodeIllegalTransition = "illegal_transition"

	// ErrCodeLinkNotExpired indicates a checkout link was regenerated while still payable.
	ErrCodeLinkNotExpired = "link_not_expired"

	// ErrCodeWrongPaymentPath indicates a gateway-only operation on a manual payment or vice versa.
	ErrCodeWrongPaymentPath = "wrong_payment_path"

	// ErrCodeReceiptUnavailable indicates the payment has no receipt yet.
	ErrCodeReceiptUnavailable = "receipt_unavailable"

	// ErrCodePayloadTooLarge indicates an uploaded receipt exceeds the size limit.
	ErrCodePayloadTooLarge = "payload_too_large"

	// ErrCodeUpstream indicates the payment gateway or receipt storage failed.
	ErrCodeUpstream = "upstream_error"

	// ErrCodeRateLimited indicates rate limit exceeded.
	ErrCodeRateLimited = "rate_limited"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a standardized JSON error response and records the error
// code for the logging middleware.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.SetErrorCode(ctx, code)

	data, err := json.Marshal(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// StatusCodeMapping returns the recommended HTTP status code for an error code.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ErrCodeDuplicateObligation, ErrCodeIllegalTransition, ErrCodeLinkNotExpired,
		ErrCodeWrongPaymentPath, ErrCodeReceiptUnavailable:
		return http.StatusConflict
	case ErrCodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode classifies an error returned by the payment service, the policy
// source or receipt validation.
func ErrorCode(err error) string {
	var (
		illegal   *payment.IllegalTransitionError
		duplicate *payment.DuplicateObligationError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, payment.ErrPaymentNotFound), errors.Is(err, policy.ErrPolicyNotFound):
		return ErrCodeNotFound
	case errors.As(err, &duplicate), errors.Is(err, payment.ErrDuplicateObligation),
		errors.Is(err, payment.ErrObligationSettled):
		return ErrCodeDuplicateObligation
	case errors.Is(err, payment.ErrCheckoutLinkActive):
		return ErrCodeLinkNotExpired
	case errors.As(err, &illegal), errors.Is(err, payment.ErrIllegalTransition):
		return ErrCodeIllegalTransition
	case errors.Is(err, payment.ErrNotGatewayPayment), errors.Is(err, payment.ErrNotManualPayment):
		return ErrCodeWrongPaymentPath
	case errors.Is(err, payment.ErrReceiptUnavailable):
		return ErrCodeReceiptUnavailable
	case errors.Is(err, receipt.ErrFileTooLarge):
		return ErrCodePayloadTooLarge
	case errors.Is(err, payment.ErrInvalidAmount), errors.Is(err, payment.ErrInvalidInput),
		errors.Is(err, breakdown.ErrInvalidTerms), errors.Is(err, receipt.ErrUnsupportedType),
		errors.Is(err, receipt.ErrEmptyFile), errors.Is(err, receipt.ErrTypeMismatch):
		return ErrCodeValidation
	case errors.Is(err, payment.ErrUpstreamGateway), errors.Is(err, payment.ErrUpstreamStorage):
		return ErrCodeUpstream
	}
	return ErrCodeInternal
}

// writeServiceError maps err to its status and code. Messages of internal and
// upstream errors are not exposed.
func writeServiceError(w http.ResponseWriter, ctx context.Context, err error) {
	code := ErrorCode(err)
	status := StatusCodeMapping(code)

	message := err.Error()
	var illegal *payment.IllegalTransitionError
	switch {
	case code == ErrCodeInternal:
		slog.ErrorContext(ctx, "request failed", "error", err)
		message = "internal server error"
	case code == ErrCodeUpstream:
		slog.ErrorContext(ctx, "upstream dependency failed", "error", err)
		message = "payment gateway or receipt storage unavailable, retry the operation"
	case errors.As(err, &illegal):
		message = fmt.Sprintf("payment is %s and cannot move to %s", illegal.From, illegal.To)
	}

	WriteError(w, ctx, status, code, message)
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}
