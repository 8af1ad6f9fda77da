package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-consent-api/internal/consent"
	"github.com/noah-isme/gema-consent-api/internal/dto"
	"github.com/noah-isme/gema-consent-api/internal/models"
	"github.com/noah-isme/gema-consent-api/internal/notifier"
	"github.com/noah-isme/gema-consent-api/internal/observability"
	"github.com/noah-isme/gema-consent-api/internal/repository"
)

const maxMutationAttempts = 3

// LifecycleService is the system-side surface driven by the reminder scheduler.
// Every method re-checks the policy against the freshly loaded record, so a
// decision taken on a stale read is rejected instead of applied.
type LifecycleService interface {
	Policy() consent.Policy
	Expire(ctx context.Context, recordID string, now time.Time) (models.ConsentRecord, error)
	MarkOverdue(ctx context.Context, recordID string, now time.Time) (models.ConsentRecord, error)
	OpenRenewal(ctx context.Context, recordID string, now time.Time) (models.ConsentRecord, error)
	RecordReminder(ctx context.Context, recordID, slot string, now time.Time) (models.ConsentRecord, error)
	ParentCode(record models.ConsentRecord) string
	ReminderMessage(record models.ConsentRecord, slot string, now time.Time) notifier.Message
}

// ConsentService exposes the parent and admin consent workflows.
type ConsentService interface {
	LifecycleService
	RequestConsent(ctx context.Context, req dto.ConsentCreateRequest, actor consent.Actor) (dto.ConsentRequestCreated, error)
	StatusByCode(ctx context.Context, code string) (dto.ConsentStatusResponse, error)
	ApproveByCode(ctx context.Context, code string, actor consent.Actor) (dto.ConsentStatusResponse, error)
	DenyByCode(ctx context.Context, code string, actor consent.Actor) (dto.ConsentStatusResponse, error)
	Revoke(ctx context.Context, recordID string, actor consent.Actor) (dto.ConsentRecordResponse, error)
	Get(ctx context.Context, recordID string) (dto.ConsentRecordResponse, error)
	ActiveConsent(ctx context.Context, studentID string) (dto.ActiveConsentResponse, error)
}

type consentService struct {
	store     repository.Store
	machine   *consent.Machine
	notifier  notifier.Notifier
	publisher EventPublisher
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewConsentService constructs the consent workflow service. A nil clock
// defaults to time.Now and a nil publisher disables event fan-out.
func NewConsentService(store repository.Store, machine *consent.Machine, notify notifier.Notifier, publisher EventPublisher, validate *validator.Validate, logger zerolog.Logger, clock func() time.Time) ConsentService {
	if clock == nil {
		clock = time.Now
	}
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &consentService{
		store:     store,
		machine:   machine,
		notifier:  notify,
		publisher: publisher,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "consent_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-consent-api/internal/service/consent"),
		now:       clock,
	}
}

func (s *consentService) Policy() consent.Policy {
	return s.machine.Policy()
}

func (s *consentService) ParentCode(record models.ConsentRecord) string {
	if record.CodeNonce == "" {
		return ""
	}
	return s.machine.Codes().Derive(record.ID, record.CodeNonce)
}

// ReminderMessage builds the notification for a reminder slot. The first
// renewal slot doubles as the renewal request itself.
func (s *consentService) ReminderMessage(record models.ConsentRecord, slot string, now time.Time) notifier.Message {
	template := notifier.TemplateConsentReminder
	if record.Kind == models.ConsentKindRenewal {
		template = notifier.TemplateRenewalReminder
		policy := s.machine.Policy()
		for _, candidate := range policy.RenewalSlots {
			if candidate.Name == slot && candidate.Offset == policy.RenewalOpenLead() {
				template = notifier.TemplateRenewalRequest
			}
		}
	}
	return s.message(template, record, s.ParentCode(record), slot, now)
}

func (s *consentService) RequestConsent(ctx context.Context, req dto.ConsentCreateRequest, actor consent.Actor) (dto.ConsentRequestCreated, error) {
	ctx, span := s.tracer.Start(ctx, "consent.request")
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return dto.ConsentRequestCreated{}, err
	}

	now := s.now().UTC()
	record, event, code, err := s.machine.Submit(consent.SubmitInput{
		StudentID:   req.StudentID,
		SchoolID:    req.SchoolID,
		ParentEmail: req.ParentEmail,
		ParentName:  strings.TrimSpace(s.sanitizer.Sanitize(req.ParentName)),
	}, actor, now)
	if err != nil {
		span.RecordError(err)
		return dto.ConsentRequestCreated{}, err
	}
	span.SetAttributes(attribute.String("consent.record_id", record.ID))

	err = s.store.WithinTx(ctx, func(tx repository.Store) error {
		if err := tx.Consents().Create(ctx, &record); err != nil {
			return err
		}
		if err := tx.Audit().Append(ctx, &event); err != nil {
			return fmt.Errorf("%w: %w", consent.ErrAuditAppend, err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failed")
		observability.ConsentTransitions().WithLabelValues("submit", "error").Inc()
		return dto.ConsentRequestCreated{}, err
	}
	observability.ConsentTransitions().WithLabelValues("submit", "committed").Inc()
	s.publisher.Publish(ctx, record, event)

	if err := s.notifier.Send(ctx, s.message(notifier.TemplateConsentRequest, record, code, "", now)); err != nil {
		span.RecordError(err)
		s.logger.Warn().Err(err).Str("record_id", record.ID).Str("email", notifier.MaskEmail(record.ParentEmail)).Msg("consent request notification failed")
	}

	s.logger.Info().Str("record_id", record.ID).Str("student_id", record.StudentID).Str("school_id", record.SchoolID).Msg("consent requested")
	span.SetStatus(codes.Ok, "requested")
	return dto.ConsentRequestCreated{Record: dto.NewConsentRecordResponse(record), ParentCode: code}, nil
}

func (s *consentService) StatusByCode(ctx context.Context, code string) (dto.ConsentStatusResponse, error) {
	ctx, span := s.tracer.Start(ctx, "consent.status")
	defer span.End()

	record, err := s.store.Consents().FindByVerificationHash(ctx, consent.HashCode(code))
	if err != nil {
		return dto.ConsentStatusResponse{}, codeLookupError(err)
	}
	now := s.now().UTC()
	if err := parentGate(record, now); err != nil {
		return dto.ConsentStatusResponse{}, err
	}
	return s.statusResponse(record, now), nil
}

func (s *consentService) ApproveByCode(ctx context.Context, code string, actor consent.Actor) (dto.ConsentStatusResponse, error) {
	return s.respond(ctx, "approve", code, actor, s.machine.Approve)
}

func (s *consentService) DenyByCode(ctx context.Context, code string, actor consent.Actor) (dto.ConsentStatusResponse, error) {
	return s.respond(ctx, "deny", code, actor, s.machine.Deny)
}

type parentDecision func(record *models.ConsentRecord, actor consent.Actor, now time.Time) (models.AuditEvent, error)

// respond applies a parent's decision. A request found past its deadline is
// closed by the system within the same transaction and the parent is told it
// expired.
func (s *consentService) respond(ctx context.Context, name, code string, actor consent.Actor, decide parentDecision) (dto.ConsentStatusResponse, error) {
	ctx, span := s.tracer.Start(ctx, "consent."+name)
	defer span.End()

	hash := consent.HashCode(code)
	now := s.now().UTC()
	actor.Role = models.ActorRoleParent
	lapsed := false

	record, _, err := s.mutate(ctx, name, mutation{
		load: func(tx repository.Store) (models.ConsentRecord, error) {
			record, err := tx.Consents().FindByVerificationHash(ctx, hash)
			if err != nil {
				return models.ConsentRecord{}, codeLookupError(err)
			}
			return record, nil
		},
		apply: func(record *models.ConsentRecord) (*models.AuditEvent, error) {
			lapsed = false
			if err := parentGate(*record, now); err != nil {
				if errors.Is(err, consent.ErrConsentExpired) && record.Status == models.ConsentStatusPending {
					lapsed = true
					return s.lapse(record, now)
				}
				return nil, err
			}
			if actor.ID == "" {
				actor.ID = notifier.MaskEmail(record.ParentEmail)
			}
			event, err := decide(record, actor, now)
			if err != nil {
				return nil, err
			}
			return &event, nil
		},
		follow: s.scheduleRenewal(ctx, now),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" rejected")
		return dto.ConsentStatusResponse{}, err
	}
	if lapsed {
		span.SetStatus(codes.Error, "expired")
		return dto.ConsentStatusResponse{}, consent.ErrConsentExpired
	}

	span.SetStatus(codes.Ok, name)
	return s.statusResponse(record, now), nil
}

func (s *consentService) Revoke(ctx context.Context, recordID string, actor consent.Actor) (dto.ConsentRecordResponse, error) {
	ctx, span := s.tracer.Start(ctx, "consent.revoke", trace.WithAttributes(attribute.String("consent.record_id", recordID)))
	defer span.End()

	now := s.now().UTC()
	actor.Reason = strings.TrimSpace(s.sanitizer.Sanitize(actor.Reason))

	record, _, err := s.mutate(ctx, "revoke", mutation{
		load: s.loadByID(ctx, recordID),
		apply: func(record *models.ConsentRecord) (*models.AuditEvent, error) {
			return s.machine.Revoke(record, actor, now)
		},
		follow: s.withdrawSuccessor(ctx, now),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "revoke rejected")
		return dto.ConsentRecordResponse{}, err
	}
	return dto.NewConsentRecordResponse(record), nil
}

func (s *consentService) Get(ctx context.Context, recordID string) (dto.ConsentRecordResponse, error) {
	record, err := s.store.Consents().FindByID(ctx, recordID)
	if err != nil {
		return dto.ConsentRecordResponse{}, err
	}
	return dto.NewConsentRecordResponse(record), nil
}

func (s *consentService) ActiveConsent(ctx context.Context, studentID string) (dto.ActiveConsentResponse, error) {
	records, err := s.store.Consents().ListByStudent(ctx, studentID)
	if err != nil {
		return dto.ActiveConsentResponse{}, err
	}

	now := s.now().UTC()
	response := dto.ActiveConsentResponse{StudentID: strings.TrimSpace(studentID)}
	for _, record := range records {
		if record.Status != models.ConsentStatusApproved || record.ValidUntil == nil {
			continue
		}
		if record.ValidUntil.After(now) {
			view := dto.NewConsentRecordResponse(record)
			response.Active = true
			response.Record = &view
			break
		}
	}
	return response, nil
}

func (s *consentService) Expire(ctx context.Context, recordID string, now time.Time) (models.ConsentRecord, error) {
	record, _, err := s.mutate(ctx, "expire", mutation{
		load: s.loadByID(ctx, recordID),
		apply: func(record *models.ConsentRecord) (*models.AuditEvent, error) {
			if err := s.requireDue(*record, consent.ActionExpire, "", now); err != nil {
				return nil, err
			}
			event, err := s.machine.Expire(record, consent.SystemActor(), now)
			if err != nil {
				return nil, err
			}
			return &event, nil
		},
	})
	return record, err
}

func (s *consentService) MarkOverdue(ctx context.Context, recordID string, now time.Time) (models.ConsentRecord, error) {
	record, _, err := s.mutate(ctx, "mark_overdue", mutation{
		load: s.loadByID(ctx, recordID),
		apply: func(record *models.ConsentRecord) (*models.AuditEvent, error) {
			if err := s.requireDue(*record, consent.ActionMarkOverdue, "", now); err != nil {
				return nil, err
			}
			event, err := s.machine.MarkOverdue(record, now)
			if err != nil {
				return nil, err
			}
			return &event, nil
		},
	})
	return record, err
}

func (s *consentService) OpenRenewal(ctx context.Context, recordID string, now time.Time) (models.ConsentRecord, error) {
	record, _, err := s.mutate(ctx, "open_renewal", mutation{
		load: s.loadByID(ctx, recordID),
		apply: func(record *models.ConsentRecord) (*models.AuditEvent, error) {
			if err := s.requireDue(*record, consent.ActionOpenRenewal, "", now); err != nil {
				return nil, err
			}
			event, _, err := s.machine.Open(record, now)
			if err != nil {
				return nil, err
			}
			return &event, nil
		},
	})
	return record, err
}

// RecordReminder commits a delivered reminder. The caller must only invoke it
// after the notifier confirmed delivery.
func (s *consentService) RecordReminder(ctx context.Context, recordID, slot string, now time.Time) (models.ConsentRecord, error) {
	record, _, err := s.mutate(ctx, "remind", mutation{
		load: s.loadByID(ctx, recordID),
		apply: func(record *models.ConsentRecord) (*models.AuditEvent, error) {
			if record.HasSlot(slot) {
				return nil, consent.ErrSlotAlreadyFired
			}
			if err := s.requireDue(*record, consent.ActionSendReminder, slot, now); err != nil {
				return nil, err
			}
			event, err := s.machine.RecordReminder(record, slot, now)
			if err != nil {
				return nil, err
			}
			return &event, nil
		},
	})
	return record, err
}

type committedEvent struct {
	record models.ConsentRecord
	event  models.AuditEvent
}

// mutation describes one optimistic read-modify-write of a consent record.
// apply must leave the record untouched when it returns an error; a nil
// event with a nil error is a no-op and nothing is written.
type mutation struct {
	load   func(tx repository.Store) (models.ConsentRecord, error)
	apply  func(record *models.ConsentRecord) (*models.AuditEvent, error)
	follow func(tx repository.Store, record models.ConsentRecord) ([]committedEvent, error)
}

func (s *consentService) mutate(ctx context.Context, name string, m mutation) (models.ConsentRecord, []committedEvent, error) {
	var lastErr error
	for attempt := 1; attempt <= maxMutationAttempts; attempt++ {
		var (
			result    models.ConsentRecord
			committed []committedEvent
		)
		err := s.store.WithinTx(ctx, func(tx repository.Store) error {
			committed = nil
			record, err := m.load(tx)
			if err != nil {
				return err
			}
			expected := record.Version
			event, err := m.apply(&record)
			if err != nil {
				return err
			}
			result = record
			if event == nil {
				return nil
			}
			if err := tx.Consents().Update(ctx, &record, expected); err != nil {
				return err
			}
			if err := tx.Audit().Append(ctx, event); err != nil {
				return fmt.Errorf("%w: %w", consent.ErrAuditAppend, err)
			}
			committed = append(committed, committedEvent{record: record, event: *event})
			if m.follow != nil {
				extra, err := m.follow(tx, record)
				if err != nil {
					return err
				}
				committed = append(committed, extra...)
			}
			return nil
		})
		if errors.Is(err, repository.ErrStaleRecord) {
			lastErr = err
			s.logger.Debug().Str("transition", name).Int("attempt", attempt).Msg("stale consent record, retrying")
			continue
		}
		if err != nil {
			observability.ConsentTransitions().WithLabelValues(name, transitionOutcome(err)).Inc()
			return models.ConsentRecord{}, nil, err
		}

		if len(committed) == 0 {
			observability.ConsentTransitions().WithLabelValues(name, "noop").Inc()
			return result, nil, nil
		}
		observability.ConsentTransitions().WithLabelValues(name, "committed").Inc()
		for _, c := range committed {
			s.logger.Info().
				Str("record_id", c.record.ID).
				Str("event", c.event.EventType).
				Str("status", string(c.record.Status)).
				Int64("version", c.record.Version).
				Msg("consent transition committed")
			s.publisher.Publish(ctx, c.record, c.event)
		}
		return result, committed, nil
	}

	observability.ConsentTransitions().WithLabelValues(name, "conflict").Inc()
	return models.ConsentRecord{}, nil, lastErr
}

func (s *consentService) loadByID(ctx context.Context, recordID string) func(tx repository.Store) (models.ConsentRecord, error) {
	return func(tx repository.Store) (models.ConsentRecord, error) {
		return tx.Consents().FindByID(ctx, recordID)
	}
}

// scheduleRenewal chains next year's renewal to a freshly approved record.
func (s *consentService) scheduleRenewal(ctx context.Context, now time.Time) func(tx repository.Store, record models.ConsentRecord) ([]committedEvent, error) {
	return func(tx repository.Store, record models.ConsentRecord) ([]committedEvent, error) {
		if record.Status != models.ConsentStatusApproved {
			return nil, nil
		}
		next, event, err := s.machine.ScheduleRenewal(record, now)
		if err != nil {
			return nil, err
		}
		if err := tx.Consents().Create(ctx, &next); err != nil {
			return nil, err
		}
		if err := tx.Audit().Append(ctx, &event); err != nil {
			return nil, fmt.Errorf("%w: %w", consent.ErrAuditAppend, err)
		}
		return []committedEvent{{record: next, event: event}}, nil
	}
}

// withdrawSuccessor expires a renewal that has not opened yet once the
// consent it would renew is revoked.
func (s *consentService) withdrawSuccessor(ctx context.Context, now time.Time) func(tx repository.Store, record models.ConsentRecord) ([]committedEvent, error) {
	return func(tx repository.Store, record models.ConsentRecord) ([]committedEvent, error) {
		next, err := tx.Consents().FindSuccessor(ctx, record.ID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if next.Status != models.ConsentStatusScheduled {
			return nil, nil
		}

		actor := consent.SystemActor()
		actor.Reason = "previous consent revoked"
		expected := next.Version
		event, err := s.machine.Expire(&next, actor, now)
		if err != nil {
			return nil, err
		}
		if err := tx.Consents().Update(ctx, &next, expected); err != nil {
			return nil, err
		}
		if err := tx.Audit().Append(ctx, &event); err != nil {
			return nil, fmt.Errorf("%w: %w", consent.ErrAuditAppend, err)
		}
		return []committedEvent{{record: next, event: event}}, nil
	}
}

// lapse closes a pending record whose deadline passed before the parent answered.
func (s *consentService) lapse(record *models.ConsentRecord, now time.Time) (*models.AuditEvent, error) {
	var (
		event models.AuditEvent
		err   error
	)
	if record.Kind == models.ConsentKindRenewal {
		event, err = s.machine.MarkOverdue(record, now)
	} else {
		event, err = s.machine.Expire(record, consent.SystemActor(), now)
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *consentService) requireDue(record models.ConsentRecord, kind consent.ActionKind, slot string, now time.Time) error {
	action, ok := s.machine.Policy().DueAction(record, now)
	if ok && action.Kind == kind && (slot == "" || action.Slot == slot) {
		return nil
	}
	return &consent.TransitionError{RecordID: record.ID, Transition: transitionFor(kind), From: record.Status}
}

func (s *consentService) statusResponse(record models.ConsentRecord, now time.Time) dto.ConsentStatusResponse {
	return dto.ConsentStatusResponse{
		Kind:          string(record.Kind),
		Status:        string(record.Status),
		StudentID:     record.StudentID,
		ParentName:    record.ParentName,
		SchoolYear:    record.SchoolYear,
		ExpiresAt:     record.ExpiresAt,
		ValidUntil:    record.ValidUntil,
		DaysRemaining: s.machine.Policy().DaysRemaining(record, now),
	}
}

func (s *consentService) message(template string, record models.ConsentRecord, code, slot string, now time.Time) notifier.Message {
	payload := map[string]interface{}{
		"record_id":      record.ID,
		"kind":           string(record.Kind),
		"student_id":     record.StudentID,
		"school_id":      record.SchoolID,
		"parent_name":    record.ParentName,
		"school_year":    record.SchoolYear,
		"code":           code,
		"expires_at":     record.ExpiresAt.Format(time.RFC3339),
		"days_remaining": s.machine.Policy().DaysRemaining(record, now),
	}
	if slot != "" {
		payload["slot"] = slot
	}
	return notifier.Message{TemplateID: template, Recipient: record.ParentEmail, Context: payload}
}

// parentGate decides whether a parent link may still act on the record.
func parentGate(record models.ConsentRecord, now time.Time) error {
	if record.CodeConsumedAt != nil {
		return consent.ErrCodeAlreadyUsed
	}
	switch record.Status {
	case models.ConsentStatusPending:
		if !now.Before(record.ExpiresAt) {
			return consent.ErrConsentExpired
		}
		return nil
	case models.ConsentStatusOverdue, models.ConsentStatusExpired:
		return consent.ErrConsentExpired
	case models.ConsentStatusScheduled:
		return consent.ErrInvalidCode
	default:
		return consent.ErrCodeAlreadyUsed
	}
}

func codeLookupError(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return consent.ErrInvalidCode
	}
	return err
}

func transitionFor(kind consent.ActionKind) consent.Transition {
	switch kind {
	case consent.ActionExpire:
		return consent.TransitionExpire
	case consent.ActionMarkOverdue:
		return consent.TransitionMissDeadline
	case consent.ActionOpenRenewal:
		return consent.TransitionOpen
	default:
		return consent.TransitionRemind
	}
}

func transitionOutcome(err error) string {
	switch {
	case errors.Is(err, consent.ErrInvalidTransition),
		errors.Is(err, consent.ErrCodeAlreadyUsed),
		errors.Is(err, consent.ErrConsentExpired),
		errors.Is(err, consent.ErrInvalidCode),
		errors.Is(err, consent.ErrSlotAlreadyFired),
		errors.Is(err, repository.ErrNotFound):
		return "rejected"
	default:
		return "error"
	}
}
