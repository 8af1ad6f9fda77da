package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/gema-consent-api/internal/consent"
	"github.com/noah-isme/gema-consent-api/internal/models"
	"github.com/noah-isme/gema-consent-api/internal/notifier"
	"github.com/noah-isme/gema-consent-api/internal/repository"
)

var serviceEpoch = time.Date(2026, time.September, 1, 8, 0, 0, 0, time.UTC)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []notifier.Message
	err      error
}

func (n *recordingNotifier) Send(ctx context.Context, msg notifier.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.messages = append(n.messages, msg)
	return nil
}

func (n *recordingNotifier) sent() []notifier.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifier.Message(nil), n.messages...)
}

// flakyStore injects version conflicts and audit failures into transactions.
type flakyStore struct {
	repository.Store
	mu           sync.Mutex
	staleUpdates int
	failAppend   error
}

func (f *flakyStore) WithinTx(ctx context.Context, fn func(tx repository.Store) error) error {
	return f.Store.WithinTx(ctx, func(tx repository.Store) error {
		return fn(&flakyTx{Store: tx, parent: f})
	})
}

type flakyTx struct {
	repository.Store
	parent *flakyStore
}

func (t *flakyTx) Consents() repository.ConsentRepository {
	return &flakyConsents{ConsentRepository: t.Store.Consents(), parent: t.parent}
}

func (t *flakyTx) Audit() repository.AuditRepository {
	return &flakyAudit{AuditRepository: t.Store.Audit(), parent: t.parent}
}

type flakyConsents struct {
	repository.ConsentRepository
	parent *flakyStore
}

func (c *flakyConsents) Update(ctx context.Context, record *models.ConsentRecord, expectedVersion int64) error {
	c.parent.mu.Lock()
	stale := c.parent.staleUpdates > 0
	if stale {
		c.parent.staleUpdates--
	}
	c.parent.mu.Unlock()
	if stale {
		return repository.ErrStaleRecord
	}
	return c.ConsentRepository.Update(ctx, record, expectedVersion)
}

type flakyAudit struct {
	repository.AuditRepository
	parent *flakyStore
}

func (a *flakyAudit) Append(ctx context.Context, event *models.AuditEvent) error {
	a.parent.mu.Lock()
	err := a.parent.failAppend
	a.parent.mu.Unlock()
	if err != nil {
		return err
	}
	return a.AuditRepository.Append(ctx, event)
}

type consentFixture struct {
	db     *gorm.DB
	store  *flakyStore
	clock  *fakeClock
	notify *recordingNotifier
	svc    ConsentService
	audit  AuditService
}

func newConsentFixture(t *testing.T) *consentFixture {
	t.Helper()
	db := setupServiceDB(t)
	codes, err := consent.NewCodeIssuer("service-test-secret-0123456789")
	require.NoError(t, err)

	store := &flakyStore{Store: repository.NewStore(db)}
	clock := &fakeClock{now: serviceEpoch}
	notify := &recordingNotifier{}
	validate := validator.New(validator.WithRequiredStructEnabled())
	machine := consent.NewMachine(consent.DefaultPolicy(), codes)

	return &consentFixture{
		db:     db,
		store:  store,
		clock:  clock,
		notify: notify,
		svc:    NewConsentService(store, machine, notify, nil, validate, testLogger(), clock.Now),
		audit:  NewAuditService(store, validate, testLogger()),
	}
}

func setupServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.ConsentRecord{}, &models.AuditEvent{}))
	return db
}

func adminActor() consent.Actor {
	return consent.Actor{Role: models.ActorRoleAdmin, ID: "admin-7"}
}

func parentActor() consent.Actor {
	return consent.Actor{Role: models.ActorRoleParent, IP: "198.51.100.4", UserAgent: "Mozilla/5.0"}
}

func (f *consentFixture) request(t *testing.T, studentID string) (string, string) {
	t.Helper()
	created, err := f.svc.RequestConsent(context.Background(), requestFor(studentID), adminActor())
	require.NoError(t, err)
	return created.Record.ID, created.ParentCode
}

func (f *consentFixture) record(t *testing.T, id string) models.ConsentRecord {
	t.Helper()
	record, err := f.store.Consents().FindByID(context.Background(), id)
	require.NoError(t, err)
	return record
}

func (f *consentFixture) events(t *testing.T, id string) []models.AuditEvent {
	t.Helper()
	events, err := f.store.Audit().ListForRecord(context.Background(), id)
	require.NoError(t, err)
	return events
}

func eventTypes(events []models.AuditEvent) []string {
	out := make([]string, 0, len(events))
	for _, event := range events {
		out = append(out, event.EventType)
	}
	return out
}
