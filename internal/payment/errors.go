package payment

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below match them through errors.Is.
var (
	// ErrPaymentNotFound is returned when a payment does not exist.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrInvalidAmount is returned for non-positive or over-ceiling amounts.
	ErrInvalidAmount = errors.New("invalid payment amount")

	// ErrDuplicateObligation is returned when an active payment already exists
	// for the same policy and type.
	ErrDuplicateObligation = errors.New("active payment already exists for obligation")

	// ErrObligationSettled is returned when a completed payment already settles
	// the policy and type.
	ErrObligationSettled = errors.New("obligation already settled")

	// ErrIllegalTransition is returned when the state machine rejects a transition.
	ErrIllegalTransition = errors.New("illegal payment state transition")

	// ErrUpstreamGateway is returned when the card gateway failed or timed out.
	ErrUpstreamGateway = errors.New("payment gateway error")

	// ErrUpstreamStorage is returned when object storage failed or timed out.
	ErrUpstreamStorage = errors.New("receipt storage error")

	// ErrCheckoutLinkActive is returned when a checkout URL is regenerated before it expired.
	ErrCheckoutLinkActive = errors.New("checkout link has not expired")

	// ErrNotGatewayPayment is returned when a gateway-only operation targets a manual payment.
	ErrNotGatewayPayment = errors.New("payment was not made through the gateway")

	// ErrNotManualPayment is returned when a manual-only operation targets a gateway payment.
	ErrNotManualPayment = errors.New("payment is not a manual payment")

	// ErrInvalidInput is returned for malformed identifiers and enum values.
	ErrInvalidInput = errors.New("invalid input")
)

// InvalidAmountError reports an amount outside (0, Max].
type InvalidAmountError struct {
	Amount int64
	Max    int64
}

func (e *InvalidAmountError) Error() string {
	if e.Amount <= 0 {
		return fmt.Sprintf("invalid payment amount %d: must be positive", e.Amount)
	}
	return fmt.Sprintf("invalid payment amount %d: exceeds maximum %d", e.Amount, e.Max)
}

// Is reports whether target is ErrInvalidAmount.
func (e *InvalidAmountError) Is(target error) bool { return target == ErrInvalidAmount }

// DuplicateObligationError identifies the obligation that already has an active payment.
type DuplicateObligationError struct {
	PolicyID   string
	Type       Type
	ExistingID string
}

func (e *DuplicateObligationError) Error() string {
	if e.ExistingID == "" {
		return fmt.Sprintf("active %s payment already exists for policy %s", e.Type, e.PolicyID)
	}
	return fmt.Sprintf("active %s payment %s already exists for policy %s", e.Type, e.ExistingID, e.PolicyID)
}

// Is reports whether target is ErrDuplicateObligation.
func (e *DuplicateObligationError) Is(target error) bool { return target == ErrDuplicateObligation }

// IllegalTransitionError carries the current state, the attempted state and the
// operation that triggered the attempt.
type IllegalTransitionError struct {
	From Status
	To   Status
	Op   string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("%s: illegal transition %s -> %s", e.Op, e.From, e.To)
}

// Is reports whether target is ErrIllegalTransition.
func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// Upstream service names used in UpstreamError.
const (
	UpstreamGateway = "gateway"
	UpstreamStorage = "storage"
)

// UpstreamError wraps a failure of an external collaborator. A timeout is an
// unknown outcome: callers must not assume the remote call had no effect.
type UpstreamError struct {
	Service string
	Op      string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Service, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Is matches ErrUpstreamGateway or ErrUpstreamStorage depending on Service.
func (e *UpstreamError) Is(target error) bool {
	switch e.Service {
	case UpstreamGateway:
		return target == ErrUpstreamGateway
	case UpstreamStorage:
		return target == ErrUpstreamStorage
	}
	return false
}

func gatewayError(op string, err error) error {
	return &UpstreamError{Service: UpstreamGateway, Op: op, Err: err}
}

func storageError(op string, err error) error {
	return &UpstreamError{Service: UpstreamStorage, Op: op, Err: err}
}
