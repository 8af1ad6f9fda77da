package service

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-consent-api/internal/consent"
	"github.com/noah-isme/gema-consent-api/internal/dto"
	"github.com/noah-isme/gema-consent-api/internal/models"
	"github.com/noah-isme/gema-consent-api/internal/notifier"
	"github.com/noah-isme/gema-consent-api/internal/repository"
)

// ErrInvalidExportQuery indicates the export date range could not be used.
var ErrInvalidExportQuery = errors.New("invalid audit export query")

var auditCSVHeader = []string{
	"event_id",
	"record_id",
	"sequence",
	"created_at",
	"school_id",
	"student_id",
	"kind",
	"parent_email",
	"event_type",
	"actor_role",
	"actor_id",
	"from_status",
	"to_status",
	"details",
}

// AuditService serves the compliance views of the consent audit trail.
type AuditService interface {
	Trail(ctx context.Context, recordID string) (dto.AuditTrailResponse, error)
	ExportCSV(ctx context.Context, query dto.AuditExportQuery, w io.Writer) (int, error)
}

type auditService struct {
	store     repository.Store
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// NewAuditService constructs the audit trail service.
func NewAuditService(store repository.Store, validate *validator.Validate, logger zerolog.Logger) AuditService {
	return &auditService{
		store:     store,
		validator: validate,
		logger:    logger.With().Str("component", "audit_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-consent-api/internal/service/audit"),
	}
}

// Trail returns the record's events oldest first and checks that replaying
// them reproduces the stored status.
func (s *auditService) Trail(ctx context.Context, recordID string) (dto.AuditTrailResponse, error) {
	ctx, span := s.tracer.Start(ctx, "audit.trail", trace.WithAttributes(attribute.String("consent.record_id", recordID)))
	defer span.End()

	record, err := s.store.Consents().FindByID(ctx, recordID)
	if err != nil {
		return dto.AuditTrailResponse{}, err
	}
	events, err := s.store.Audit().ListForRecord(ctx, record.ID)
	if err != nil {
		return dto.AuditTrailResponse{}, err
	}

	response := dto.AuditTrailResponse{
		RecordID:      record.ID,
		CurrentStatus: string(record.Status),
		Events:        make([]dto.AuditEventResponse, 0, len(events)),
	}
	for _, event := range events {
		response.Events = append(response.Events, dto.NewAuditEventResponse(event))
	}

	replayed, err := consent.Replay(record.Kind, events)
	if err != nil {
		s.logger.Warn().Err(err).Str("record_id", record.ID).Msg("audit trail does not replay")
		return response, nil
	}
	response.ReplayedStatus = string(replayed)
	response.Consistent = replayed == record.Status
	if !response.Consistent {
		s.logger.Warn().Str("record_id", record.ID).Str("stored", string(record.Status)).Str("replayed", string(replayed)).Msg("audit trail disagrees with record status")
	}
	return response, nil
}

// ExportCSV writes every matching event joined with its record. Parent email
// addresses are masked. The To date is inclusive.
func (s *auditService) ExportCSV(ctx context.Context, query dto.AuditExportQuery, w io.Writer) (int, error) {
	ctx, span := s.tracer.Start(ctx, "audit.export")
	defer span.End()

	if err := s.validator.Struct(query); err != nil {
		return 0, err
	}
	filter, err := exportFilter(query)
	if err != nil {
		return 0, err
	}

	events, err := s.store.Audit().ListRange(ctx, filter)
	if err != nil {
		return 0, err
	}

	ids := make([]string, 0, len(events))
	seen := make(map[string]struct{}, len(events))
	for _, event := range events {
		if _, ok := seen[event.ConsentRecordID]; ok {
			continue
		}
		seen[event.ConsentRecordID] = struct{}{}
		ids = append(ids, event.ConsentRecordID)
	}
	records, err := s.store.Consents().ListByIDs(ctx, ids)
	if err != nil {
		return 0, err
	}
	byID := make(map[string]models.ConsentRecord, len(records))
	for _, record := range records {
		byID[record.ID] = record
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(auditCSVHeader); err != nil {
		return 0, err
	}
	for _, event := range events {
		record := byID[event.ConsentRecordID]
		details := ""
		if len(event.Details) > 0 {
			raw, err := json.Marshal(event.Details)
			if err != nil {
				return 0, err
			}
			details = string(raw)
		}
		row := []string{
			event.ID,
			event.ConsentRecordID,
			strconv.FormatInt(event.Sequence, 10),
			event.CreatedAt.UTC().Format(time.RFC3339),
			event.SchoolID,
			record.StudentID,
			string(record.Kind),
			notifier.MaskEmail(record.ParentEmail),
			event.EventType,
			event.ActorRole,
			event.ActorID,
			string(event.FromStatus),
			string(event.ToStatus),
			details,
		}
		if err := writer.Write(row); err != nil {
			return 0, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return 0, err
	}

	span.SetAttributes(attribute.Int("audit.rows", len(events)))
	s.logger.Info().Int("rows", len(events)).Str("school_id", filter.SchoolID).Msg("audit export generated")
	return len(events), nil
}

func exportFilter(query dto.AuditExportQuery) (repository.AuditFilter, error) {
	filter := repository.AuditFilter{
		SchoolID:  strings.TrimSpace(query.SchoolID),
		EventType: strings.TrimSpace(query.EventType),
	}
	if query.From != "" {
		from, err := time.Parse("2006-01-02", query.From)
		if err != nil {
			return repository.AuditFilter{}, fmt.Errorf("%w: from: %v", ErrInvalidExportQuery, err)
		}
		filter.From = from.UTC()
	}
	if query.To != "" {
		to, err := time.Parse("2006-01-02", query.To)
		if err != nil {
			return repository.AuditFilter{}, fmt.Errorf("%w: to: %v", ErrInvalidExportQuery, err)
		}
		filter.To = to.UTC().AddDate(0, 0, 1)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return repository.AuditFilter{}, fmt.Errorf("%w: from date is after to date", ErrInvalidExportQuery)
	}
	return filter, nil
}
