package models

import (
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ConsentKind distinguishes the first consent request from yearly renewals.
type ConsentKind string

const (
	ConsentKindInitial ConsentKind = "initial"
	ConsentKindRenewal ConsentKind = "renewal"
)

// ConsentStatus is the lifecycle position of a consent record.
type ConsentStatus string

const (
	ConsentStatusScheduled ConsentStatus = "scheduled"
	ConsentStatusPending   ConsentStatus = "pending"
	ConsentStatusApproved  ConsentStatus = "approved"
	ConsentStatusDenied    ConsentStatus = "denied"
	ConsentStatusRevoked   ConsentStatus = "revoked"
	ConsentStatusOverdue   ConsentStatus = "overdue"
	ConsentStatusExpired   ConsentStatus = "expired"
)

// IsTerminal reports whether no further transition can leave the status.
func (s ConsentStatus) IsTerminal() bool {
	switch s {
	case ConsentStatusDenied, ConsentStatusRevoked, ConsentStatusExpired:
		return true
	default:
		return false
	}
}

// ConsentRecord tracks one parental technology-use consent for a student,
// either the initial enrolment request or a school-year renewal.
type ConsentRecord struct {
	ID               string        `gorm:"primaryKey;size:36" json:"id"`
	Kind             ConsentKind   `gorm:"size:16;not null;index" json:"kind"`
	StudentID        string        `gorm:"size:64;not null;index" json:"student_id"`
	SchoolID         string        `gorm:"size:64;not null;index:idx_consent_school_status,priority:1" json:"school_id"`
	ParentEmail      string        `gorm:"size:160;not null" json:"parent_email"`
	ParentName       string        `gorm:"size:128" json:"parent_name"`
	SchoolYear       string        `gorm:"size:16" json:"school_year"`
	PreviousRecordID *string       `gorm:"size:36;index" json:"previous_record_id,omitempty"`
	Status           ConsentStatus `gorm:"size:16;not null;index:idx_consent_school_status,priority:2" json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	DeniedAt    *time.Time `json:"denied_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	OverdueAt   *time.Time `json:"overdue_at,omitempty"`
	ExpiredAt   *time.Time `json:"expired_at,omitempty"`
	ExpiresAt   time.Time  `gorm:"not null;index" json:"expires_at"`
	ValidUntil  *time.Time `json:"valid_until,omitempty"`

	ReminderCount    int      `gorm:"not null;default:0" json:"reminder_count"`
	RemindersSentRaw string   `gorm:"column:reminders_sent;type:text" json:"-"`
	RemindersSent    []string `gorm:"-" json:"reminders_sent"`

	VerificationHash *string    `gorm:"size:64;uniqueIndex" json:"-"`
	CodeNonce        string     `gorm:"size:64" json:"-"`
	CodeConsumedAt   *time.Time `json:"code_consumed_at,omitempty"`

	Version int64 `gorm:"not null;default:1" json:"version"`
}

// TableName pins the table name used by migrations and raw queries.
func (ConsentRecord) TableName() string {
	return "consent_records"
}

// BeforeSave normalises the reminder slot set before persisting.
func (r *ConsentRecord) BeforeSave(tx *gorm.DB) error {
	r.RemindersSentRaw = EncodeSlots(r.RemindersSent)
	return nil
}

// AfterFind hydrates the reminder slot set after retrieval.
func (r *ConsentRecord) AfterFind(tx *gorm.DB) error {
	r.RemindersSent = DecodeSlots(r.RemindersSentRaw)
	return nil
}

// HasSlot reports whether the named reminder slot has already fired.
func (r ConsentRecord) HasSlot(slot string) bool {
	for _, s := range r.RemindersSent {
		if s == slot {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without aliasing pointers.
func (r ConsentRecord) Clone() ConsentRecord {
	out := r
	out.PreviousRecordID = cloneString(r.PreviousRecordID)
	out.VerificationHash = cloneString(r.VerificationHash)
	out.SubmittedAt = cloneTime(r.SubmittedAt)
	out.ApprovedAt = cloneTime(r.ApprovedAt)
	out.DeniedAt = cloneTime(r.DeniedAt)
	out.RevokedAt = cloneTime(r.RevokedAt)
	out.OverdueAt = cloneTime(r.OverdueAt)
	out.ExpiredAt = cloneTime(r.ExpiredAt)
	out.ValidUntil = cloneTime(r.ValidUntil)
	out.CodeConsumedAt = cloneTime(r.CodeConsumedAt)
	if r.RemindersSent != nil {
		out.RemindersSent = make([]string, len(r.RemindersSent))
		copy(out.RemindersSent, r.RemindersSent)
	}
	return out
}

// EncodeSlots serialises a slot set into the delimited column format.
func EncodeSlots(slots []string) string {
	if len(slots) == 0 {
		return ""
	}
	seen := make(map[string]struct{}, len(slots))
	cleaned := make([]string, 0, len(slots))
	for _, slot := range slots {
		trimmed := strings.TrimSpace(strings.ToLower(slot))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		cleaned = append(cleaned, trimmed)
	}
	if len(cleaned) == 0 {
		return ""
	}
	sort.Strings(cleaned)
	return "|" + strings.Join(cleaned, "|") + "|"
}

// DecodeSlots parses the delimited column format back into a slot set.
func DecodeSlots(raw string) []string {
	raw = strings.Trim(raw, "|")
	if raw == "" {
		return []string{}
	}
	parts := strings.Split(raw, "|")
	slots := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		slots = append(slots, trimmed)
	}
	return slots
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
