// Package audit records who did what to which payment, for dispute resolution
// and compliance review.
package audit

import (
	"errors"
	"time"
)

// Entity types.
const (
	EntityPayment = "payment"
	EntityPolicy  = "policy"
)

// Actions recorded against payments and policies.
const (
	ActionGenerateLinks  = "generate_links"
	ActionRecordManual   = "record_manual_payment"
	ActionAttachReceipt  = "attach_receipt"
	ActionUploadReceipt  = "upload_receipt"
	ActionRegenerateURL  = "regenerate_url"
	ActionCancel         = "cancel_payment"
	ActionVerify         = "verify_payment"
	ActionViewReceipt    = "view_receipt"
	ActionGatewayOutcome = "gateway_outcome"
	ActionRefund         = "record_refund"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

var (
	// ErrNilRepository is returned when a nil repository is passed to Record.
	ErrNilRepository = errors.New("audit repository cannot be nil")
	// ErrInvalidEntityType is returned for an empty or unknown entity type.
	ErrInvalidEntityType = errors.New("invalid audit entity type")
	// ErrInvalidEntityID is returned when the entity id is empty.
	ErrInvalidEntityID = errors.New("audit entity id cannot be empty")
	// ErrInvalidAction is returned for an empty or unknown action.
	ErrInvalidAction = errors.New("invalid audit action")
)

var validEntityTypes = map[string]bool{
	EntityPayment: true,
	EntityPolicy:  true,
}

var validActions = map[string]bool{
	ActionGenerateLinks:  true,
	ActionRecordManual:   true,
	ActionAttachReceipt:  true,
	ActionUploadReceipt:  true,
	ActionRegenerateURL:  true,
	ActionCancel:         true,
	ActionVerify:         true,
	ActionViewReceipt:    true,
	ActionGatewayOutcome: true,
	ActionRefund:         true,
}

// Entry is the input for one audit record.
type Entry struct {
	ActorID    string
	EntityType string
	EntityID   string
	Action     string
	Outcome    string
	Detail     string

	RequestID string
	IPAddress string
	UserAgent string
}

// Validate checks required fields against the allow-lists.
func (e Entry) Validate() error {
	if !validEntityTypes[e.EntityType] {
		return ErrInvalidEntityType
	}
	if e.EntityID == "" {
		return ErrInvalidEntityID
	}
	if !validActions[e.Action] {
		return ErrInvalidAction
	}
	return nil
}

// Log is a stored audit record.
type Log struct {
	ID string
	Entry
	CreatedAt time.Time
}
