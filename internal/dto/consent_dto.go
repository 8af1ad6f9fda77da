package dto

import (
	"time"

	"github.com/noah-isme/gema-consent-api/internal/models"
)

// ConsentCreateRequest is the admin payload opening a consent request for a student.
type ConsentCreateRequest struct {
	StudentID   string `json:"student_id" validate:"required,max=64"`
	SchoolID    string `json:"school_id" validate:"required,max=64"`
	ParentEmail string `json:"parent_email" validate:"required,email,max=160"`
	ParentName  string `json:"parent_name" validate:"omitempty,max=128"`
}

// ConsentRevokeRequest carries an optional reason for withdrawing consent.
type ConsentRevokeRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

// AuditExportQuery filters the compliance CSV export.
type AuditExportQuery struct {
	From      string `query:"from" validate:"omitempty,datetime=2006-01-02"`
	To        string `query:"to" validate:"omitempty,datetime=2006-01-02"`
	SchoolID  string `query:"school_id" validate:"omitempty,max=64"`
	EventType string `query:"event_type" validate:"omitempty,max=64"`
}

// ConsentRecordResponse is the admin view of a consent record.
type ConsentRecordResponse struct {
	ID               string     `json:"id"`
	Kind             string     `json:"kind"`
	StudentID        string     `json:"student_id"`
	SchoolID         string     `json:"school_id"`
	ParentEmail      string     `json:"parent_email"`
	ParentName       string     `json:"parent_name,omitempty"`
	SchoolYear       string     `json:"school_year,omitempty"`
	PreviousRecordID *string    `json:"previous_record_id,omitempty"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	SubmittedAt      *time.Time `json:"submitted_at,omitempty"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`
	DeniedAt         *time.Time `json:"denied_at,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	OverdueAt        *time.Time `json:"overdue_at,omitempty"`
	ExpiredAt        *time.Time `json:"expired_at,omitempty"`
	ExpiresAt        time.Time  `json:"expires_at"`
	ValidUntil       *time.Time `json:"valid_until,omitempty"`
	ReminderCount    int        `json:"reminder_count"`
	RemindersSent    []string   `json:"reminders_sent"`
	Version          int64      `json:"version"`
}

// NewConsentRecordResponse converts a model into a DTO.
func NewConsentRecordResponse(record models.ConsentRecord) ConsentRecordResponse {
	sent := record.RemindersSent
	if sent == nil {
		sent = []string{}
	}
	return ConsentRecordResponse{
		ID:               record.ID,
		Kind:             string(record.Kind),
		StudentID:        record.StudentID,
		SchoolID:         record.SchoolID,
		ParentEmail:      record.ParentEmail,
		ParentName:       record.ParentName,
		SchoolYear:       record.SchoolYear,
		PreviousRecordID: record.PreviousRecordID,
		Status:           string(record.Status),
		CreatedAt:        record.CreatedAt,
		SubmittedAt:      record.SubmittedAt,
		ApprovedAt:       record.ApprovedAt,
		DeniedAt:         record.DeniedAt,
		RevokedAt:        record.RevokedAt,
		OverdueAt:        record.OverdueAt,
		ExpiredAt:        record.ExpiredAt,
		ExpiresAt:        record.ExpiresAt,
		ValidUntil:       record.ValidUntil,
		ReminderCount:    record.ReminderCount,
		RemindersSent:    sent,
		Version:          record.Version,
	}
}

// ConsentRequestCreated is returned to the admin after a request is opened.
// ParentCode is returned once so the admin UI can show or resend the link.
type ConsentRequestCreated struct {
	Record     ConsentRecordResponse `json:"record"`
	ParentCode string                `json:"parent_code"`
}

// ConsentStatusResponse is the parent-facing status page payload. It exposes
// no contact details.
type ConsentStatusResponse struct {
	Kind          string     `json:"kind"`
	Status        string     `json:"status"`
	StudentID     string     `json:"student_id"`
	ParentName    string     `json:"parent_name,omitempty"`
	SchoolYear    string     `json:"school_year,omitempty"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ValidUntil    *time.Time `json:"valid_until,omitempty"`
	DaysRemaining int        `json:"days_remaining"`
}

// ActiveConsentResponse answers whether a student currently holds valid consent.
type ActiveConsentResponse struct {
	StudentID string                 `json:"student_id"`
	Active    bool                   `json:"active"`
	Record    *ConsentRecordResponse `json:"record,omitempty"`
}

// AuditEventResponse is the serialized representation of an audit event.
type AuditEventResponse struct {
	ID         string                 `json:"id"`
	RecordID   string                 `json:"record_id"`
	Sequence   int64                  `json:"sequence"`
	EventType  string                 `json:"event_type"`
	ActorRole  string                 `json:"actor_role"`
	ActorID    string                 `json:"actor_id,omitempty"`
	FromStatus string                 `json:"from_status,omitempty"`
	ToStatus   string                 `json:"to_status,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// NewAuditEventResponse converts a model into a DTO.
func NewAuditEventResponse(event models.AuditEvent) AuditEventResponse {
	return AuditEventResponse{
		ID:         event.ID,
		RecordID:   event.ConsentRecordID,
		Sequence:   event.Sequence,
		EventType:  event.EventType,
		ActorRole:  event.ActorRole,
		ActorID:    event.ActorID,
		FromStatus: string(event.FromStatus),
		ToStatus:   string(event.ToStatus),
		Details:    map[string]interface{}(event.Details),
		CreatedAt:  event.CreatedAt,
	}
}

// AuditTrailResponse wraps a record's events together with the replay check.
type AuditTrailResponse struct {
	RecordID       string               `json:"record_id"`
	CurrentStatus  string               `json:"current_status"`
	ReplayedStatus string               `json:"replayed_status,omitempty"`
	Consistent     bool                 `json:"consistent"`
	Events         []AuditEventResponse `json:"events"`
}
