package payment

import "time"

// transitions is the complete table of legal state changes. Anything absent is illegal.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusProcessing:          true, // gateway charge in flight
		StatusPendingVerification: true, // manual receipt attached
		StatusCancelled:           true,
		StatusPartial:             true, // external partial capture
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusPendingVerification: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusCompleted: {
		StatusRefunded: true,
	},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Operation names recorded on IllegalTransitionError and in metrics.
const (
	OpGatewayConfirm = "gateway_confirm"
	OpAttachReceipt  = "attach_receipt"
	OpVerify         = "verify_payment"
	OpCancel         = "cancel_payment"
	OpRefund         = "record_refund"
	OpRegenerateURL  = "regenerate_url"
	OpPartialCapture = "partial_capture"
	OpCompensate     = "compensate_upload"
)

// transition moves p to the given state or returns an IllegalTransitionError
// leaving p untouched.
func (p *Payment) transition(to Status, op string, now time.Time) error {
	if !CanTransition(p.Status, to) {
		return &IllegalTransitionError{From: p.Status, To: to, Op: op}
	}
	p.Status = to
	p.UpdatedAt = now
	return nil
}
