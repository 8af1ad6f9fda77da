package consent

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-consent-api/internal/models"
)

// Transition names a lifecycle edge.
type Transition string

const (
	TransitionOpen         Transition = "open"
	TransitionApprove      Transition = "approve"
	TransitionDeny         Transition = "deny"
	TransitionRevoke       Transition = "revoke"
	TransitionExpire       Transition = "expire"
	TransitionMissDeadline Transition = "miss_deadline"
	TransitionRemind       Transition = "remind"
)

type edge struct {
	kind       models.ConsentKind
	from       models.ConsentStatus
	transition Transition
	to         models.ConsentStatus
}

// edges is the complete set of legal status changes.
var edges = []edge{
	{models.ConsentKindInitial, models.ConsentStatusPending, TransitionApprove, models.ConsentStatusApproved},
	{models.ConsentKindInitial, models.ConsentStatusPending, TransitionDeny, models.ConsentStatusDenied},
	{models.ConsentKindInitial, models.ConsentStatusPending, TransitionExpire, models.ConsentStatusExpired},
	{models.ConsentKindInitial, models.ConsentStatusPending, TransitionRemind, models.ConsentStatusPending},
	{models.ConsentKindInitial, models.ConsentStatusApproved, TransitionRevoke, models.ConsentStatusRevoked},
	{models.ConsentKindRenewal, models.ConsentStatusScheduled, TransitionOpen, models.ConsentStatusPending},
	// withdrawal of a renewal whose predecessor was revoked
	{models.ConsentKindRenewal, models.ConsentStatusScheduled, TransitionExpire, models.ConsentStatusExpired},
	{models.ConsentKindRenewal, models.ConsentStatusPending, TransitionApprove, models.ConsentStatusApproved},
	{models.ConsentKindRenewal, models.ConsentStatusPending, TransitionDeny, models.ConsentStatusDenied},
	{models.ConsentKindRenewal, models.ConsentStatusPending, TransitionRemind, models.ConsentStatusPending},
	{models.ConsentKindRenewal, models.ConsentStatusPending, TransitionMissDeadline, models.ConsentStatusOverdue},
	{models.ConsentKindRenewal, models.ConsentStatusOverdue, TransitionExpire, models.ConsentStatusExpired},
	{models.ConsentKindRenewal, models.ConsentStatusApproved, TransitionRevoke, models.ConsentStatusRevoked},
}

// Allowed reports whether transition is legal for a record of kind in status from.
func Allowed(kind models.ConsentKind, from models.ConsentStatus, transition Transition) (models.ConsentStatus, bool) {
	for _, e := range edges {
		if e.kind == kind && e.from == from && e.transition == transition {
			return e.to, true
		}
	}
	return "", false
}

// Actor describes who triggered a transition.
// CorrelationID ties the audit event to the request that caused it.
type Actor struct {
	Role          string
	ID            string
	IP            string
	UserAgent     string
	Reason        string
	CorrelationID string
}

// SystemActor is the scheduler's identity in the audit trail.
func SystemActor() Actor {
	return Actor{Role: models.ActorRoleSystem, ID: "reminder-scheduler"}
}

// SubmitInput carries the fields of a new consent request.
type SubmitInput struct {
	StudentID   string
	SchoolID    string
	ParentEmail string
	ParentName  string
}

// Machine applies lifecycle transitions to records. It never persists: each
// method mutates the record in place only after the transition was validated
// and returns the single audit event the caller must store with it.
type Machine struct {
	policy Policy
	codes  *CodeIssuer
	guard  Guard
	newID  func() string
}

// NewMachine constructs a state machine bound to a policy and code issuer.
func NewMachine(policy Policy, codes *CodeIssuer) *Machine {
	return &Machine{
		policy: policy,
		codes:  codes,
		newID:  uuid.NewString,
	}
}

// Policy exposes the time-window policy the machine stamps deadlines with.
func (m *Machine) Policy() Policy {
	return m.policy
}

// Codes exposes the verification code issuer.
func (m *Machine) Codes() *CodeIssuer {
	return m.codes
}

// Submit creates a pending initial consent request and its parent code.
func (m *Machine) Submit(in SubmitInput, actor Actor, now time.Time) (models.ConsentRecord, models.AuditEvent, string, error) {
	now = now.UTC()
	record := models.ConsentRecord{
		ID:            m.newID(),
		Kind:          models.ConsentKindInitial,
		StudentID:     strings.TrimSpace(in.StudentID),
		SchoolID:      strings.TrimSpace(in.SchoolID),
		ParentEmail:   strings.ToLower(strings.TrimSpace(in.ParentEmail)),
		ParentName:    strings.TrimSpace(in.ParentName),
		Status:        models.ConsentStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		SubmittedAt:   &now,
		ExpiresAt:     m.policy.InitialExpiry(now),
		RemindersSent: []string{},
		Version:       1,
	}
	if record.StudentID == "" || record.SchoolID == "" || record.ParentEmail == "" {
		return models.ConsentRecord{}, models.AuditEvent{}, "", errors.New("student, school and parent email are required")
	}

	code, nonce, hash, err := m.codes.Issue(record.ID)
	if err != nil {
		return models.ConsentRecord{}, models.AuditEvent{}, "", err
	}
	record.CodeNonce = nonce
	record.VerificationHash = &hash

	event := m.event(record, models.AuditEventSubmitted, "", actor, now, map[string]interface{}{
		"expires_at": record.ExpiresAt.Format(time.RFC3339),
	})
	return record, event, code, nil
}

// ScheduleRenewal creates the scheduled renewal that follows an approved record.
func (m *Machine) ScheduleRenewal(previous models.ConsentRecord, now time.Time) (models.ConsentRecord, models.AuditEvent, error) {
	if previous.Status != models.ConsentStatusApproved || previous.ValidUntil == nil {
		return models.ConsentRecord{}, models.AuditEvent{}, &TransitionError{RecordID: previous.ID, Transition: "schedule_renewal", From: previous.Status}
	}
	now = now.UTC()
	validUntil := previous.ValidUntil.UTC()
	prevID := previous.ID
	record := models.ConsentRecord{
		ID:               m.newID(),
		Kind:             models.ConsentKindRenewal,
		StudentID:        previous.StudentID,
		SchoolID:         previous.SchoolID,
		ParentEmail:      previous.ParentEmail,
		ParentName:       previous.ParentName,
		SchoolYear:       SchoolYearLabel(validUntil.AddDate(1, 0, 0)),
		PreviousRecordID: &prevID,
		Status:           models.ConsentStatusScheduled,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        validUntil,
		ValidUntil:       &validUntil,
		RemindersSent:    []string{},
		Version:          1,
	}
	if record.ExpiresAt.Before(record.CreatedAt) {
		record.ExpiresAt = record.CreatedAt
	}

	event := m.event(record, models.AuditEventRenewalScheduled, "", SystemActor(), now, map[string]interface{}{
		"previous_record_id": prevID,
		"valid_until":        validUntil.Format(time.RFC3339),
	})
	return record, event, nil
}

// Open moves a scheduled renewal into pending and issues a new parent code.
func (m *Machine) Open(record *models.ConsentRecord, now time.Time) (models.AuditEvent, string, error) {
	to, err := m.check(record, TransitionOpen)
	if err != nil {
		return models.AuditEvent{}, "", err
	}
	code, nonce, hash, err := m.codes.Issue(record.ID)
	if err != nil {
		return models.AuditEvent{}, "", err
	}

	now = now.UTC()
	from := record.Status
	record.Status = to
	record.SubmittedAt = &now
	record.CodeNonce = nonce
	record.VerificationHash = &hash
	m.bump(record, now)

	event := m.event(*record, models.AuditEventRenewalOpened, from, SystemActor(), now, map[string]interface{}{
		"days_remaining": m.policy.DaysRemaining(*record, now),
	})
	return event, code, nil
}

// Approve grants consent, consumes the verification code and stamps the
// school-year boundary the approval is valid until.
func (m *Machine) Approve(record *models.ConsentRecord, actor Actor, now time.Time) (models.AuditEvent, error) {
	to, err := m.check(record, TransitionApprove)
	if err != nil {
		return models.AuditEvent{}, err
	}
	if record.CodeConsumedAt != nil {
		return models.AuditEvent{}, ErrCodeAlreadyUsed
	}

	now = now.UTC()
	from := record.Status
	validUntil := m.policy.ValidUntil(now)
	record.Status = to
	record.ApprovedAt = &now
	record.CodeConsumedAt = &now
	record.ValidUntil = &validUntil
	record.SchoolYear = SchoolYearLabel(validUntil)
	m.bump(record, now)

	details := actorDetails(actor)
	details["valid_until"] = validUntil.Format(time.RFC3339)
	return m.event(*record, models.AuditEventApproved, from, actor, now, details), nil
}

// Deny records the parent's refusal and consumes the verification code.
func (m *Machine) Deny(record *models.ConsentRecord, actor Actor, now time.Time) (models.AuditEvent, error) {
	to, err := m.check(record, TransitionDeny)
	if err != nil {
		return models.AuditEvent{}, err
	}
	if record.CodeConsumedAt != nil {
		return models.AuditEvent{}, ErrCodeAlreadyUsed
	}

	now = now.UTC()
	from := record.Status
	record.Status = to
	record.DeniedAt = &now
	record.CodeConsumedAt = &now
	m.bump(record, now)

	return m.event(*record, models.AuditEventDenied, from, actor, now, actorDetails(actor)), nil
}

// Revoke withdraws an approved consent. Revoking an already revoked record is
// a no-op and returns a nil event and nil error.
func (m *Machine) Revoke(record *models.ConsentRecord, actor Actor, now time.Time) (*models.AuditEvent, error) {
	if record.Status == models.ConsentStatusRevoked {
		return nil, nil
	}
	if actor.Role != models.ActorRoleParent && actor.Role != models.ActorRoleAdmin {
		return nil, &TransitionError{RecordID: record.ID, Transition: TransitionRevoke, From: record.Status}
	}
	to, err := m.check(record, TransitionRevoke)
	if err != nil {
		return nil, err
	}

	now = now.UTC()
	from := record.Status
	record.Status = to
	record.RevokedAt = &now
	m.bump(record, now)

	event := m.event(*record, models.AuditEventRevoked, from, actor, now, actorDetails(actor))
	return &event, nil
}

// Expire closes a record whose deadline passed. Only the system may expire.
func (m *Machine) Expire(record *models.ConsentRecord, actor Actor, now time.Time) (models.AuditEvent, error) {
	if actor.Role != models.ActorRoleSystem {
		return models.AuditEvent{}, &TransitionError{RecordID: record.ID, Transition: TransitionExpire, From: record.Status}
	}
	to, err := m.check(record, TransitionExpire)
	if err != nil {
		return models.AuditEvent{}, err
	}

	now = now.UTC()
	from := record.Status
	record.Status = to
	record.ExpiredAt = &now
	m.bump(record, now)

	details := actorDetails(actor)
	details["expires_at"] = record.ExpiresAt.Format(time.RFC3339)
	return m.event(*record, models.AuditEventExpired, from, actor, now, details), nil
}

// MarkOverdue moves a pending renewal past its deadline into overdue.
func (m *Machine) MarkOverdue(record *models.ConsentRecord, now time.Time) (models.AuditEvent, error) {
	to, err := m.check(record, TransitionMissDeadline)
	if err != nil {
		return models.AuditEvent{}, err
	}

	now = now.UTC()
	from := record.Status
	record.Status = to
	record.OverdueAt = &now
	m.bump(record, now)

	details := actorDetails(SystemActor())
	details["grace_until"] = record.ExpiresAt.Add(m.policy.RenewalGrace).Format(time.RFC3339)
	return m.event(*record, models.AuditEventOverdue, from, SystemActor(), now, details), nil
}

// RecordReminder marks slot fired on the record after a successful delivery.
// The status is left untouched; the version still advances so the reminder
// bookkeeping is covered by the same optimistic check as transitions.
func (m *Machine) RecordReminder(record *models.ConsentRecord, slot string, now time.Time) (models.AuditEvent, error) {
	if _, err := m.check(record, TransitionRemind); err != nil {
		return models.AuditEvent{}, err
	}
	if m.guard.HasFired(*record, slot) {
		return models.AuditEvent{}, ErrSlotAlreadyFired
	}

	now = now.UTC()
	*record = m.guard.MarkFired(*record, slot)
	m.bump(record, now)

	details := actorDetails(SystemActor())
	details["slot"] = normalizeSlot(slot)
	details["days_remaining"] = m.policy.DaysRemaining(*record, now)
	details["reminder_count"] = record.ReminderCount
	return m.event(*record, models.ReminderEventType(normalizeSlot(slot)), "", SystemActor(), now, details), nil
}

func (m *Machine) check(record *models.ConsentRecord, transition Transition) (models.ConsentStatus, error) {
	to, ok := Allowed(record.Kind, record.Status, transition)
	if !ok {
		return "", &TransitionError{RecordID: record.ID, Transition: transition, From: record.Status}
	}
	return to, nil
}

func (m *Machine) bump(record *models.ConsentRecord, now time.Time) {
	record.Version++
	record.UpdatedAt = now
}

func (m *Machine) event(record models.ConsentRecord, eventType string, from models.ConsentStatus, actor Actor, now time.Time, details map[string]interface{}) models.AuditEvent {
	role := strings.ToLower(strings.TrimSpace(actor.Role))
	if role == "" {
		role = models.ActorRoleSystem
	}
	payload := datatypes.JSONMap{}
	for key, value := range details {
		payload[key] = value
	}
	return models.AuditEvent{
		ID:              m.newID(),
		ConsentRecordID: record.ID,
		Sequence:        record.Version,
		SchoolID:        record.SchoolID,
		EventType:       eventType,
		ActorRole:       role,
		ActorID:         actor.ID,
		FromStatus:      from,
		ToStatus:        record.Status,
		Details:         payload,
		CreatedAt:       now,
	}
}

func actorDetails(actor Actor) map[string]interface{} {
	details := map[string]interface{}{}
	if actor.Role == models.ActorRoleParent {
		if actor.IP != "" {
			details["ip"] = actor.IP
		}
		if actor.UserAgent != "" {
			details["user_agent"] = actor.UserAgent
		}
	}
	if actor.Reason != "" {
		details["reason"] = actor.Reason
	}
	if actor.CorrelationID != "" {
		details["correlation_id"] = actor.CorrelationID
	}
	return details
}
