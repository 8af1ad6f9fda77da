package consent

import (
	"errors"
	"fmt"

	"github.com/noah-isme/gema-consent-api/internal/models"
)

var (
	// ErrInvalidTransition indicates the record's status does not allow the requested transition.
	ErrInvalidTransition = errors.New("consent: invalid transition")
	// ErrCodeAlreadyUsed indicates the verification code has already been consumed.
	ErrCodeAlreadyUsed = errors.New("consent: already processed")
	// ErrConsentExpired indicates the parent link points at an expired request.
	ErrConsentExpired = errors.New("consent: expired, please contact the school")
	// ErrInvalidCode indicates the verification code does not match any record.
	ErrInvalidCode = errors.New("consent: invalid verification code")
	// ErrNotifierDelivery indicates the external notifier failed to deliver a message.
	ErrNotifierDelivery = errors.New("consent: notifier delivery failure")
	// ErrSlotAlreadyFired indicates the reminder slot is already in the record's sent set.
	ErrSlotAlreadyFired = errors.New("consent: reminder slot already fired")
	// ErrAuditAppend indicates the audit trail could not record a transition.
	ErrAuditAppend = errors.New("consent: audit append failure")
)

// TransitionError carries the rejected transition details while matching ErrInvalidTransition.
type TransitionError struct {
	RecordID   string
	Transition Transition
	From       models.ConsentStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("consent: cannot %s record %s from status %s", e.Transition, e.RecordID, e.From)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
