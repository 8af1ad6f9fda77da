package repository

import (
	"context"
	"sort"
	"strings"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-consent-api/internal/models"
)

// SchoolDirectory enumerates the schools the scheduler should sweep.
type SchoolDirectory interface {
	ListSchools(ctx context.Context) ([]string, error)
}

type dbSchoolDirectory struct {
	db *gorm.DB
}

// NewSchoolDirectory lists every school that still has records the scheduler
// may need to move forward.
func NewSchoolDirectory(db *gorm.DB) SchoolDirectory {
	return &dbSchoolDirectory{db: db}
}

func (d *dbSchoolDirectory) ListSchools(ctx context.Context) ([]string, error) {
	var schools []string
	if err := d.db.WithContext(ctx).
		Model(&models.ConsentRecord{}).
		Where("status IN ?", ActionableStatuses).
		Distinct().
		Order("school_id ASC").
		Pluck("school_id", &schools).Error; err != nil {
		return nil, translate(err)
	}
	return schools, nil
}

// StaticSchoolDirectory serves a fixed school list, typically from config.
type StaticSchoolDirectory []string

// ListSchools returns the configured schools, trimmed, deduplicated and sorted.
func (s StaticSchoolDirectory) ListSchools(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{}, len(s))
	schools := make([]string, 0, len(s))
	for _, school := range s {
		trimmed := strings.TrimSpace(school)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		schools = append(schools, trimmed)
	}
	sort.Strings(schools)
	return schools, nil
}
