package consent

import (
	"fmt"
	"strings"

	"github.com/noah-isme/gema-consent-api/internal/models"
)

// Replay rebuilds a record's status from its ordered audit events. It fails
// when the trail does not start with a creation event or contains a step the
// state machine would have rejected.
func Replay(kind models.ConsentKind, events []models.AuditEvent) (models.ConsentStatus, error) {
	if len(events) == 0 {
		return "", fmt.Errorf("consent replay: empty audit trail")
	}

	var status models.ConsentStatus
	switch first := events[0].EventType; {
	case kind == models.ConsentKindInitial && first == models.AuditEventSubmitted:
		status = models.ConsentStatusPending
	case kind == models.ConsentKindRenewal && first == models.AuditEventRenewalScheduled:
		status = models.ConsentStatusScheduled
	default:
		return "", fmt.Errorf("consent replay: unexpected first event %q for %s record", first, kind)
	}

	lastSeq := events[0].Sequence
	for _, event := range events[1:] {
		if event.Sequence <= lastSeq {
			return "", fmt.Errorf("consent replay: event %s out of order", event.ID)
		}
		lastSeq = event.Sequence

		transition, ok := transitionForEvent(event.EventType)
		if !ok {
			return "", fmt.Errorf("consent replay: unknown event type %q", event.EventType)
		}
		to, ok := Allowed(kind, status, transition)
		if !ok {
			return "", &TransitionError{RecordID: event.ConsentRecordID, Transition: transition, From: status}
		}
		if event.ToStatus != "" && event.ToStatus != to {
			return "", fmt.Errorf("consent replay: event %s claims %s, machine yields %s", event.ID, event.ToStatus, to)
		}
		status = to
	}
	return status, nil
}

func transitionForEvent(eventType string) (Transition, bool) {
	if strings.HasPrefix(eventType, models.AuditEventReminderPrefix) {
		return TransitionRemind, true
	}
	switch eventType {
	case models.AuditEventRenewalOpened:
		return TransitionOpen, true
	case models.AuditEventApproved:
		return TransitionApprove, true
	case models.AuditEventDenied:
		return TransitionDeny, true
	case models.AuditEventRevoked:
		return TransitionRevoke, true
	case models.AuditEventOverdue:
		return TransitionMissDeadline, true
	case models.AuditEventExpired:
		return TransitionExpire, true
	default:
		return "", false
	}
}
