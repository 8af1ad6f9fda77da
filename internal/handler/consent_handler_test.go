package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-consent-api/internal/consent"
	"github.com/noah-isme/gema-consent-api/internal/dto"
	"github.com/noah-isme/gema-consent-api/internal/handler"
	"github.com/noah-isme/gema-consent-api/internal/models"
	"github.com/noah-isme/gema-consent-api/internal/notifier"
	"github.com/noah-isme/gema-consent-api/internal/repository"
	"github.com/noah-isme/gema-consent-api/internal/service"
)

type stubConsentService struct {
	err        error
	status     dto.ConsentStatusResponse
	record     dto.ConsentRecordResponse
	created    dto.ConsentRequestCreated
	active     dto.ActiveConsentResponse
	lastCode   string
	lastActor  consent.Actor
	lastCreate dto.ConsentCreateRequest
}

func (s *stubConsentService) Policy() consent.Policy { return consent.DefaultPolicy() }

func (s *stubConsentService) Expire(ctx context.Context, id string, now time.Time) (models.ConsentRecord, error) {
	return models.ConsentRecord{}, s.err
}

func (s *stubConsentService) MarkOverdue(ctx context.Context, id string, now time.Time) (models.ConsentRecord, error) {
	return models.ConsentRecord{}, s.err
}

func (s *stubConsentService) OpenRenewal(ctx context.Context, id string, now time.Time) (models.ConsentRecord, error) {
	return models.ConsentRecord{}, s.err
}

func (s *stubConsentService) RecordReminder(ctx context.Context, id, slot string, now time.Time) (models.ConsentRecord, error) {
	return models.ConsentRecord{}, s.err
}

func (s *stubConsentService) ParentCode(record models.ConsentRecord) string { return "" }

func (s *stubConsentService) ReminderMessage(record models.ConsentRecord, slot string, now time.Time) notifier.Message {
	return notifier.Message{}
}

func (s *stubConsentService) RequestConsent(ctx context.Context, req dto.ConsentCreateRequest, actor consent.Actor) (dto.ConsentRequestCreated, error) {
	s.lastCreate = req
	s.lastActor = actor
	return s.created, s.err
}

func (s *stubConsentService) StatusByCode(ctx context.Context, code string) (dto.ConsentStatusResponse, error) {
	s.lastCode = code
	return s.status, s.err
}

func (s *stubConsentService) ApproveByCode(ctx context.Context, code string, actor consent.Actor) (dto.ConsentStatusResponse, error) {
	s.lastCode = code
	s.lastActor = actor
	return s.status, s.err
}

func (s *stubConsentService) DenyByCode(ctx context.Context, code string, actor consent.Actor) (dto.ConsentStatusResponse, error) {
	s.lastCode = code
	s.lastActor = actor
	return s.status, s.err
}

func (s *stubConsentService) Revoke(ctx context.Context, id string, actor consent.Actor) (dto.ConsentRecordResponse, error) {
	s.lastActor = actor
	return s.record, s.err
}

func (s *stubConsentService) Get(ctx context.Context, id string) (dto.ConsentRecordResponse, error) {
	return s.record, s.err
}

func (s *stubConsentService) ActiveConsent(ctx context.Context, studentID string) (dto.ActiveConsentResponse, error) {
	return s.active, s.err
}

var _ service.ConsentService = (*stubConsentService)(nil)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Details json.RawMessage `json:"details"`
}

func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, json.Unmarshal(body, target))
}

func newConsentApp(svc service.ConsentService, role string) *fiber.App {
	app := fiber.New()
	h := handler.NewConsentHandler(svc, validator.New(), zerolog.New(io.Discard))
	h.RegisterLinks(app.Group("/api/v1/consent"))
	h.RegisterRevoke(app.Group("/api/v1/consents", func(c *fiber.Ctx) error {
		c.Locals("user_id", "user-9")
		c.Locals("user_role", role)
		return c.Next()
	}))
	return app
}

func TestConsentHandlerApprove(t *testing.T) {
	svc := &stubConsentService{status: dto.ConsentStatusResponse{Status: "approved", SchoolYear: "2026/2027"}}
	app := newConsentApp(svc, "parent")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/consent/code-123/approve", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body envelope
	decodeResponse(t, resp, &body)
	require.True(t, body.Success)
	require.Equal(t, "consent approved", body.Message)

	var status dto.ConsentStatusResponse
	require.NoError(t, json.Unmarshal(body.Data, &status))
	require.Equal(t, "approved", status.Status)

	require.Equal(t, "code-123", svc.lastCode)
	require.Equal(t, models.ActorRoleParent, svc.lastActor.Role)
	require.Equal(t, "Mozilla/5.0", svc.lastActor.UserAgent)
}

func TestConsentHandlerMapsLifecycleErrors(t *testing.T) {
	cases := []struct {
		err     error
		status  int
		message string
	}{
		{consent.ErrCodeAlreadyUsed, fiber.StatusConflict, "already processed"},
		{consent.ErrConsentExpired, fiber.StatusGone, "expired, please contact the school"},
		{consent.ErrInvalidCode, fiber.StatusNotFound, "invalid or unknown consent link"},
		{&consent.TransitionError{RecordID: "r", Transition: consent.TransitionApprove, From: models.ConsentStatusDenied}, fiber.StatusConflict, "consent cannot change from its current status"},
		{fmt.Errorf("%w: disk", consent.ErrAuditAppend), fiber.StatusServiceUnavailable, "consent storage unavailable, please retry later"},
		{fmt.Errorf("%w: reset", repository.ErrStoreUnavailable), fiber.StatusServiceUnavailable, "consent storage unavailable, please retry later"},
		{repository.ErrStaleRecord, fiber.StatusConflict, "consent record changed, please retry"},
		{errors.New("boom"), fiber.StatusInternalServerError, "failed to load consent"},
	}

	for _, tc := range cases {
		t.Run(tc.message, func(t *testing.T) {
			app := newConsentApp(&stubConsentService{err: tc.err}, "parent")
			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/consent/code-123", nil))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			var body envelope
			decodeResponse(t, resp, &body)
			require.False(t, body.Success)
			require.Equal(t, tc.message, body.Message)
		})
	}
}

func TestConsentHandlerRevokeCarriesActorAndReason(t *testing.T) {
	svc := &stubConsentService{record: dto.ConsentRecordResponse{ID: "rec-1", Status: "revoked"}}
	app := newConsentApp(svc, "admin")

	payload, err := json.Marshal(dto.ConsentRevokeRequest{Reason: "family moved"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/consents/rec-1/revoke", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, models.ActorRoleAdmin, svc.lastActor.Role)
	require.Equal(t, "user-9", svc.lastActor.ID)
	require.Equal(t, "family moved", svc.lastActor.Reason)
}

func TestConsentHandlerRevokeWithoutBody(t *testing.T) {
	svc := &stubConsentService{record: dto.ConsentRecordResponse{ID: "rec-1", Status: "revoked"}}
	app := newConsentApp(svc, "parent")

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/consents/rec-1/revoke", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, models.ActorRoleParent, svc.lastActor.Role)
	require.Empty(t, svc.lastActor.Reason)
}

func TestConsentHandlerRevokeRejectsOversizedReason(t *testing.T) {
	app := newConsentApp(&stubConsentService{}, "admin")

	long := make([]byte, 501)
	for i := range long {
		long[i] = 'x'
	}
	payload, err := json.Marshal(dto.ConsentRevokeRequest{Reason: string(long)})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/consents/rec-1/revoke", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	var body envelope
	decodeResponse(t, resp, &body)
	require.Equal(t, "validation failed", body.Message)
	require.Contains(t, string(body.Details), "Reason")
}
