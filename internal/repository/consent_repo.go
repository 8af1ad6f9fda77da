package repository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-consent-api/internal/models"
)

// ActionableStatuses are the statuses the scheduler may still move forward.
var ActionableStatuses = []models.ConsentStatus{
	models.ConsentStatusPending,
	models.ConsentStatusScheduled,
	models.ConsentStatusOverdue,
}

// ActionableQuery selects one page of records that may need scheduler attention.
type ActionableQuery struct {
	SchoolID string
	// DueBefore bounds ExpiresAt; records whose deadline lies further out
	// cannot have a due action yet.
	DueBefore time.Time
	// AfterID continues a keyset scan from the last id of the previous page.
	AfterID string
	Limit   int
}

// ConsentRepository persists consent records. Updates are compare-and-set on
// the record version.
type ConsentRepository interface {
	Create(ctx context.Context, record *models.ConsentRecord) error
	FindByID(ctx context.Context, id string) (models.ConsentRecord, error)
	FindByVerificationHash(ctx context.Context, hash string) (models.ConsentRecord, error)
	FindSuccessor(ctx context.Context, previousID string) (models.ConsentRecord, error)
	ListActionable(ctx context.Context, query ActionableQuery) ([]models.ConsentRecord, error)
	ListByStudent(ctx context.Context, studentID string) ([]models.ConsentRecord, error)
	ListByIDs(ctx context.Context, ids []string) ([]models.ConsentRecord, error)
	Update(ctx context.Context, record *models.ConsentRecord, expectedVersion int64) error
}

type consentRepository struct {
	db *gorm.DB
}

// NewConsentRepository constructs a repository backed by GORM.
func NewConsentRepository(db *gorm.DB) ConsentRepository {
	return &consentRepository{db: db}
}

func (r *consentRepository) Create(ctx context.Context, record *models.ConsentRecord) error {
	return translate(r.db.WithContext(ctx).Create(record).Error)
}

func (r *consentRepository) FindByID(ctx context.Context, id string) (models.ConsentRecord, error) {
	var record models.ConsentRecord
	if err := r.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(id)).First(&record).Error; err != nil {
		return models.ConsentRecord{}, translate(err)
	}
	return record, nil
}

func (r *consentRepository) FindByVerificationHash(ctx context.Context, hash string) (models.ConsentRecord, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return models.ConsentRecord{}, ErrNotFound
	}
	var record models.ConsentRecord
	if err := r.db.WithContext(ctx).Where("verification_hash = ?", hash).First(&record).Error; err != nil {
		return models.ConsentRecord{}, translate(err)
	}
	return record, nil
}

func (r *consentRepository) FindSuccessor(ctx context.Context, previousID string) (models.ConsentRecord, error) {
	var record models.ConsentRecord
	if err := r.db.WithContext(ctx).
		Where("previous_record_id = ?", previousID).
		Order("created_at DESC").
		First(&record).Error; err != nil {
		return models.ConsentRecord{}, translate(err)
	}
	return record, nil
}

func (r *consentRepository) ListActionable(ctx context.Context, query ActionableQuery) ([]models.ConsentRecord, error) {
	limit := query.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	q := r.db.WithContext(ctx).
		Where("school_id = ?", query.SchoolID).
		Where("status IN ?", ActionableStatuses).
		Where("expires_at <= ?", query.DueBefore.UTC())
	if query.AfterID != "" {
		q = q.Where("id > ?", query.AfterID)
	}

	var records []models.ConsentRecord
	if err := q.Order("id ASC").Limit(limit).Find(&records).Error; err != nil {
		return nil, translate(err)
	}
	return records, nil
}

func (r *consentRepository) ListByStudent(ctx context.Context, studentID string) ([]models.ConsentRecord, error) {
	var records []models.ConsentRecord
	if err := r.db.WithContext(ctx).
		Where("student_id = ?", strings.TrimSpace(studentID)).
		Order("created_at DESC").
		Find(&records).Error; err != nil {
		return nil, translate(err)
	}
	return records, nil
}

func (r *consentRepository) ListByIDs(ctx context.Context, ids []string) ([]models.ConsentRecord, error) {
	if len(ids) == 0 {
		return []models.ConsentRecord{}, nil
	}
	var records []models.ConsentRecord
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&records).Error; err != nil {
		return nil, translate(err)
	}
	return records, nil
}

// Update writes every mutable column when the stored version still equals
// expectedVersion. Zero affected rows means another writer got there first,
// or the record vanished; both surface as ErrStaleRecord.
func (r *consentRepository) Update(ctx context.Context, record *models.ConsentRecord, expectedVersion int64) error {
	result := r.db.WithContext(ctx).
		Session(&gorm.Session{SkipHooks: true}).
		Model(&models.ConsentRecord{}).
		Where("id = ? AND version = ?", record.ID, expectedVersion).
		Updates(map[string]interface{}{
			"status":            record.Status,
			"school_year":       record.SchoolYear,
			"updated_at":        record.UpdatedAt,
			"submitted_at":      record.SubmittedAt,
			"approved_at":       record.ApprovedAt,
			"denied_at":         record.DeniedAt,
			"revoked_at":        record.RevokedAt,
			"overdue_at":        record.OverdueAt,
			"expired_at":        record.ExpiredAt,
			"expires_at":        record.ExpiresAt,
			"valid_until":       record.ValidUntil,
			"reminder_count":    record.ReminderCount,
			"reminders_sent":    models.EncodeSlots(record.RemindersSent),
			"verification_hash": record.VerificationHash,
			"code_nonce":        record.CodeNonce,
			"code_consumed_at":  record.CodeConsumedAt,
			"version":           record.Version,
		})
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStaleRecord
	}
	record.RemindersSentRaw = models.EncodeSlots(record.RemindersSent)
	return nil
}
