package models

import (
	"time"

	"gorm.io/datatypes"
)

// Audit event types recorded for consent transitions.
const (
	AuditEventSubmitted        = "submitted"
	AuditEventRenewalScheduled = "renewal_scheduled"
	AuditEventRenewalOpened    = "renewal_opened"
	AuditEventApproved         = "approved"
	AuditEventDenied           = "denied"
	AuditEventRevoked          = "revoked"
	AuditEventOverdue          = "overdue"
	AuditEventExpired          = "expired"
	AuditEventReminderPrefix   = "reminder_sent:"
)

// Actor roles attached to audit events.
const (
	ActorRoleParent = "parent"
	ActorRoleSystem = "system"
	ActorRoleAdmin  = "admin"
)

// AuditEvent is an immutable entry in a consent record's compliance trail.
// Sequence equals the record version produced by the change, which gives a
// total order per record.
type AuditEvent struct {
	ID              string            `gorm:"primaryKey;size:36" json:"id"`
	ConsentRecordID string            `gorm:"size:36;not null;uniqueIndex:idx_audit_record_seq,priority:1" json:"consent_record_id"`
	Sequence        int64             `gorm:"not null;uniqueIndex:idx_audit_record_seq,priority:2" json:"sequence"`
	SchoolID        string            `gorm:"size:64;not null;index" json:"school_id"`
	EventType       string            `gorm:"size:64;not null;index" json:"event_type"`
	ActorRole       string            `gorm:"size:16;not null" json:"actor_role"`
	ActorID         string            `gorm:"size:64" json:"actor_id,omitempty"`
	FromStatus      ConsentStatus     `gorm:"size:16" json:"from_status,omitempty"`
	ToStatus        ConsentStatus     `gorm:"size:16" json:"to_status,omitempty"`
	Details         datatypes.JSONMap `gorm:"type:json" json:"details"`
	CreatedAt       time.Time         `gorm:"not null;index" json:"created_at"`

	ConsentRecord *ConsentRecord `gorm:"foreignKey:ConsentRecordID;references:ID;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT" json:"-"`
}

// TableName pins the table name used by migrations and raw queries.
func (AuditEvent) TableName() string {
	return "consent_audit_events"
}

// ReminderEventType builds the event type for a reminder slot dispatch.
func ReminderEventType(slot string) string {
	return AuditEventReminderPrefix + slot
}
