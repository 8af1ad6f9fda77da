// Package scheduler drives the time-based side of the consent lifecycle:
// expiry, renewal windows and reminder delivery.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/gema-consent-api/internal/consent"
	"github.com/noah-isme/gema-consent-api/internal/models"
	"github.com/noah-isme/gema-consent-api/internal/notifier"
	"github.com/noah-isme/gema-consent-api/internal/observability"
	"github.com/noah-isme/gema-consent-api/internal/repository"
	"github.com/noah-isme/gema-consent-api/internal/service"
)

// ErrRunInProgress is returned by RunOnce while another run is still active.
var ErrRunInProgress = errors.New("scheduler: run already in progress")

var (
	errLeaseHeld   = errors.New("scheduler: reminder lease held elsewhere")
	errNoLongerDue = errors.New("scheduler: reminder no longer due")
)

// Config tunes the scheduler.
type Config struct {
	Schedule     string
	StartupDelay time.Duration
	Concurrency  int
	PageSize     int
	LeaseTTL     time.Duration
	RunTimeout   time.Duration
	MaxSteps     int
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		Schedule:     "@every 30m",
		StartupDelay: 10 * time.Second,
		Concurrency:  4,
		PageSize:     100,
		LeaseTTL:     10 * time.Minute,
		RunTimeout:   20 * time.Minute,
		MaxSteps:     4,
	}
}

func (c Config) normalized() Config {
	defaults := DefaultConfig()
	if c.Schedule == "" {
		c.Schedule = defaults.Schedule
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.Concurrency
	}
	if c.PageSize <= 0 {
		c.PageSize = defaults.PageSize
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaults.LeaseTTL
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = defaults.MaxSteps
	}
	return c
}

// RunReport summarises one scheduler pass.
type RunReport struct {
	Schools   int `json:"schools"`
	Scanned   int `json:"scanned"`
	Applied   int `json:"applied"`
	Reminders int `json:"reminders"`
	Skipped   int `json:"skipped"`
	Failures  int `json:"failures"`
}

type tally struct {
	mu     sync.Mutex
	report RunReport
}

func (t *tally) add(fn func(r *RunReport)) {
	t.mu.Lock()
	fn(&t.report)
	t.mu.Unlock()
}

// ReminderScheduler periodically applies whatever lifecycle step the policy
// says is due for every actionable record.
type ReminderScheduler struct {
	lifecycle service.LifecycleService
	consents  repository.ConsentRepository
	schools   repository.SchoolDirectory
	notifier  notifier.Notifier
	guard     consent.Guard
	redis     *redis.Client
	cfg       Config
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	runMu    sync.Mutex
	mu       sync.Mutex
	cron     *cron.Cron
	startup  *time.Timer
	stopped  bool
	inflight sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
}

// NewReminderScheduler wires the scheduler. redisClient may be nil, in which
// case reminders are sent without a cross-replica delivery lease.
func NewReminderScheduler(
	lifecycle service.LifecycleService,
	consents repository.ConsentRepository,
	schools repository.SchoolDirectory,
	notify notifier.Notifier,
	redisClient *redis.Client,
	cfg Config,
	logger zerolog.Logger,
	clock func() time.Time,
) *ReminderScheduler {
	if clock == nil {
		clock = time.Now
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &ReminderScheduler{
		lifecycle: lifecycle,
		consents:  consents,
		schools:   schools,
		notifier:  notify,
		redis:     redisClient,
		cfg:       cfg.normalized(),
		logger:    logger.With().Str("component", "reminder_scheduler").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-consent-api/internal/scheduler"),
		now:       clock,
		baseCtx:   baseCtx,
		cancel:    cancel,
	}
}

// Start registers the cron job and arms the startup run.
func (s *ReminderScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("scheduler: already stopped")
	}
	if s.cron != nil {
		return nil
	}

	logAdapter := cronLogger{logger: s.logger}
	c := cron.New(cron.WithChain(cron.Recover(logAdapter), cron.SkipIfStillRunning(logAdapter)))
	if _, err := c.AddFunc(s.cfg.Schedule, s.tick); err != nil {
		return fmt.Errorf("register reminder schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.cron = c

	if s.cfg.StartupDelay >= 0 {
		s.startup = time.AfterFunc(s.cfg.StartupDelay, s.tick)
	}
	s.logger.Info().Str("schedule", s.cfg.Schedule).Dur("startup_delay", s.cfg.StartupDelay).Int("concurrency", s.cfg.Concurrency).Msg("reminder scheduler started")
	return nil
}

// Stop prevents new runs and waits for the in-flight one. When ctx ends first
// the running pass is cancelled and ctx.Err() is returned.
func (s *ReminderScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		if s.startup != nil {
			s.startup.Stop()
		}
		if s.cron != nil {
			s.cron.Stop()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.logger.Info().Msg("reminder scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		s.logger.Warn().Msg("reminder scheduler stop timed out, cancelling run")
		return ctx.Err()
	}
}

func (s *ReminderScheduler) tick() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.RunTimeout)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
		s.logger.Error().Err(err).Msg("reminder run failed")
	}
}

// RunOnce performs a single pass over every school. Only listing the schools
// can fail the run as a whole; record and school failures are counted in the
// report and logged.
func (s *ReminderScheduler) RunOnce(ctx context.Context) (report RunReport, err error) {
	if !s.runMu.TryLock() {
		observability.SchedulerRuns().WithLabelValues("skipped").Inc()
		return RunReport{}, ErrRunInProgress
	}
	defer s.runMu.Unlock()

	started := time.Now()
	now := s.now().UTC()
	ctx, span := s.tracer.Start(ctx, "scheduler.run", trace.WithAttributes(attribute.String("scheduler.now", now.Format(time.RFC3339))))
	defer span.End()

	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("scheduler run panicked: %v", recovered)
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic")
			observability.SchedulerRuns().WithLabelValues("panic").Inc()
			s.logger.Error().Interface("panic", recovered).Msg("reminder run panicked")
		}
		observability.SchedulerRunDuration().Observe(time.Since(started).Seconds())
	}()

	schools, err := s.schools.ListSchools(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list schools")
		observability.SchedulerRuns().WithLabelValues("error").Inc()
		return RunReport{}, fmt.Errorf("list schools: %w", err)
	}

	t := &tally{}
	t.report.Schools = len(schools)

	var group errgroup.Group
	group.SetLimit(s.cfg.Concurrency)
	for _, school := range schools {
		school := school
		group.Go(func() error {
			s.processSchoolSafely(ctx, school, now, t)
			return nil
		})
	}
	_ = group.Wait()

	report = t.report
	outcome := "ok"
	if report.Failures > 0 {
		outcome = "partial"
	}
	observability.SchedulerRuns().WithLabelValues(outcome).Inc()
	span.SetAttributes(
		attribute.Int("scheduler.schools", report.Schools),
		attribute.Int("scheduler.scanned", report.Scanned),
		attribute.Int("scheduler.applied", report.Applied),
		attribute.Int("scheduler.failures", report.Failures),
	)
	s.logger.Info().
		Int("schools", report.Schools).
		Int("scanned", report.Scanned).
		Int("applied", report.Applied).
		Int("reminders", report.Reminders).
		Int("skipped", report.Skipped).
		Int("failures", report.Failures).
		Dur("duration", time.Since(started)).
		Msg("reminder run finished")
	return report, nil
}

func (s *ReminderScheduler) processSchoolSafely(ctx context.Context, school string, now time.Time, t *tally) {
	defer func() {
		if recovered := recover(); recovered != nil {
			t.add(func(r *RunReport) { r.Failures++ })
			observability.SchedulerRecordErrors().WithLabelValues("panic").Inc()
			s.logger.Error().Interface("panic", recovered).Str("school_id", school).Msg("school pass panicked")
		}
	}()

	if err := s.processSchool(ctx, school, now, t); err != nil {
		t.add(func(r *RunReport) { r.Failures++ })
		s.logger.Error().Err(err).Str("school_id", school).Msg("school pass aborted")
	}
}

// processSchool walks the school's actionable records in id order. Store
// outages abort the school; everything else is confined to its record.
func (s *ReminderScheduler) processSchool(ctx context.Context, school string, now time.Time, t *tally) error {
	dueBefore := now.Add(s.lifecycle.Policy().Horizon())
	afterID := ""
	for {
		page, err := s.consents.ListActionable(ctx, repository.ActionableQuery{
			SchoolID:  school,
			DueBefore: dueBefore,
			AfterID:   afterID,
			Limit:     s.cfg.PageSize,
		})
		if err != nil {
			return err
		}

		for _, record := range page {
			afterID = record.ID
			if err := ctx.Err(); err != nil {
				return err
			}
			t.add(func(r *RunReport) { r.Scanned++ })
			if err := s.processRecord(ctx, record, now, t); err != nil {
				if errors.Is(err, repository.ErrStoreUnavailable) || ctx.Err() != nil {
					return err
				}
			}
		}

		if len(page) < s.cfg.PageSize {
			return nil
		}
	}
}

// processRecord applies due steps until the policy has nothing left, so a
// renewal can open and send its first reminder in the same pass.
func (s *ReminderScheduler) processRecord(ctx context.Context, record models.ConsentRecord, now time.Time, t *tally) error {
	policy := s.lifecycle.Policy()
	current := record
	for step := 0; step < s.cfg.MaxSteps; step++ {
		action, ok := policy.DueAction(current, now)
		if !ok {
			return nil
		}

		next, err := s.apply(ctx, current, action, now)
		if err != nil {
			if benign(err) {
				t.add(func(r *RunReport) { r.Skipped++ })
				s.logger.Debug().Err(err).Str("record_id", current.ID).Str("action", action.String()).Msg("step skipped")
				return nil
			}
			t.add(func(r *RunReport) { r.Failures++ })
			observability.SchedulerRecordErrors().WithLabelValues(string(action.Kind)).Inc()
			s.logger.Warn().Err(err).Str("record_id", current.ID).Str("school_id", current.SchoolID).Str("action", action.String()).Msg("lifecycle step failed")
			return err
		}

		t.add(func(r *RunReport) {
			r.Applied++
			if action.Kind == consent.ActionSendReminder {
				r.Reminders++
			}
		})
		current = next
	}
	return nil
}

func (s *ReminderScheduler) apply(ctx context.Context, record models.ConsentRecord, action consent.Action, now time.Time) (models.ConsentRecord, error) {
	switch action.Kind {
	case consent.ActionExpire:
		return s.lifecycle.Expire(ctx, record.ID, now)
	case consent.ActionMarkOverdue:
		return s.lifecycle.MarkOverdue(ctx, record.ID, now)
	case consent.ActionOpenRenewal:
		return s.lifecycle.OpenRenewal(ctx, record.ID, now)
	case consent.ActionSendReminder:
		return s.remind(ctx, record, action.Slot, now)
	default:
		return record, fmt.Errorf("unknown lifecycle action %q", action.Kind)
	}
}

// remind delivers first and records second. The lease stops a second replica
// from sending while this one is between the two, and the record is re-read
// under it so a stale page never reaches the notifier. The lease is released
// when nothing is sent, so the next run can retry a failed delivery.
func (s *ReminderScheduler) remind(ctx context.Context, record models.ConsentRecord, slot string, now time.Time) (models.ConsentRecord, error) {
	key := leaseKey(record.ID, slot)
	acquired, err := s.acquireLease(ctx, key)
	if err != nil {
		observability.ConsentReminders().WithLabelValues(slot, "lease_error").Inc()
		return record, fmt.Errorf("acquire reminder lease: %w", err)
	}
	if !acquired {
		observability.ConsentReminders().WithLabelValues(slot, "leased").Inc()
		return record, errLeaseHeld
	}

	fresh, err := s.stillDue(ctx, record.ID, slot, now)
	if err != nil {
		s.releaseLease(key)
		if benign(err) {
			observability.ConsentReminders().WithLabelValues(slot, "superseded").Inc()
		}
		return record, err
	}
	record = fresh

	msg := s.lifecycle.ReminderMessage(record, slot, now)
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.releaseLease(key)
		observability.ConsentReminders().WithLabelValues(slot, "failed").Inc()
		if !errors.Is(err, consent.ErrNotifierDelivery) {
			err = fmt.Errorf("%w: %w", consent.ErrNotifierDelivery, err)
		}
		return record, err
	}

	updated, err := s.lifecycle.RecordReminder(ctx, record.ID, slot, now)
	if err != nil {
		observability.ConsentReminders().WithLabelValues(slot, "unrecorded").Inc()
		s.logger.Error().Err(err).Str("record_id", record.ID).Str("slot", slot).Msg("reminder delivered but not recorded")
		return record, err
	}
	observability.ConsentReminders().WithLabelValues(slot, "sent").Inc()
	s.logger.Info().Str("record_id", record.ID).Str("slot", slot).Str("template", msg.TemplateID).Str("email", notifier.MaskEmail(record.ParentEmail)).Msg("reminder sent")
	return updated, nil
}

// stillDue re-reads the record while holding the lease. The page snapshot can
// predate a parent's answer or a delivery committed by another replica.
func (s *ReminderScheduler) stillDue(ctx context.Context, recordID, slot string, now time.Time) (models.ConsentRecord, error) {
	fresh, err := s.consents.FindByID(ctx, recordID)
	if err != nil {
		return models.ConsentRecord{}, err
	}
	if s.guard.HasFired(fresh, slot) {
		return fresh, consent.ErrSlotAlreadyFired
	}
	if fresh.Status.IsTerminal() {
		return fresh, errNoLongerDue
	}
	action, ok := s.lifecycle.Policy().DueAction(fresh, now)
	if !ok || action.Kind != consent.ActionSendReminder || action.Slot != slot {
		return fresh, errNoLongerDue
	}
	return fresh, nil
}

func (s *ReminderScheduler) acquireLease(ctx context.Context, key string) (bool, error) {
	if s.redis == nil {
		return true, nil
	}
	return s.redis.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), s.cfg.LeaseTTL).Result()
}

func (s *ReminderScheduler) releaseLease(key string) {
	if s.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.redis.Del(ctx, key).Err(); err != nil {
		s.logger.Warn().Err(err).Str("lease", key).Msg("failed to release reminder lease")
	}
}

func leaseKey(recordID, slot string) string {
	return fmt.Sprintf("consent:reminder:%s:%s", recordID, slot)
}

// benign errors mean another actor already moved the record on.
func benign(err error) bool {
	return errors.Is(err, consent.ErrSlotAlreadyFired) ||
		errors.Is(err, consent.ErrInvalidTransition) ||
		errors.Is(err, repository.ErrStaleRecord) ||
		errors.Is(err, errLeaseHeld) ||
		errors.Is(err, errNoLongerDue)
}

type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
