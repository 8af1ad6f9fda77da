package repository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-consent-api/internal/models"
)

// AuditFilter narrows compliance export queries. Zero values are ignored.
type AuditFilter struct {
	From      time.Time
	To        time.Time
	SchoolID  string
	EventType string
	Limit     int
}

// AuditRepository is the append-only store for consent audit events. It
// deliberately offers no way to change or remove an event.
type AuditRepository interface {
	Append(ctx context.Context, event *models.AuditEvent) error
	ListForRecord(ctx context.Context, recordID string) ([]models.AuditEvent, error)
	ListRange(ctx context.Context, filter AuditFilter) ([]models.AuditEvent, error)
}

type auditRepository struct {
	db *gorm.DB
}

// NewAuditRepository constructs a repository backed by GORM.
func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) Append(ctx context.Context, event *models.AuditEvent) error {
	return translate(r.db.WithContext(ctx).Omit("ConsentRecord").Create(event).Error)
}

func (r *auditRepository) ListForRecord(ctx context.Context, recordID string) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	if err := r.db.WithContext(ctx).
		Where("consent_record_id = ?", strings.TrimSpace(recordID)).
		Order("sequence ASC").
		Find(&events).Error; err != nil {
		return nil, translate(err)
	}
	return events, nil
}

func (r *auditRepository) ListRange(ctx context.Context, filter AuditFilter) ([]models.AuditEvent, error) {
	query := r.db.WithContext(ctx).Model(&models.AuditEvent{})
	if !filter.From.IsZero() {
		query = query.Where("created_at >= ?", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		query = query.Where("created_at < ?", filter.To.UTC())
	}
	if school := strings.TrimSpace(filter.SchoolID); school != "" {
		query = query.Where("school_id = ?", school)
	}
	if eventType := strings.TrimSpace(filter.EventType); eventType != "" {
		if strings.HasSuffix(eventType, ":") {
			query = query.Where("event_type LIKE ?", eventType+"%")
		} else {
			query = query.Where("event_type = ?", eventType)
		}
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var events []models.AuditEvent
	if err := query.Order("created_at ASC").Order("consent_record_id ASC").Order("sequence ASC").Find(&events).Error; err != nil {
		return nil, translate(err)
	}
	return events, nil
}
