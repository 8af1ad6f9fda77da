package handler

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-consent-api/internal/consent"
	"github.com/noah-isme/gema-consent-api/internal/middleware"
	"github.com/noah-isme/gema-consent-api/internal/models"
	"github.com/noah-isme/gema-consent-api/internal/notifier"
	"github.com/noah-isme/gema-consent-api/internal/repository"
	"github.com/noah-isme/gema-consent-api/internal/service"
	"github.com/noah-isme/gema-consent-api/internal/utils"
)

func userRoleFromContext(c *fiber.Ctx) string {
	if v := c.Locals("user_role"); v != nil {
		if role, ok := v.(string); ok {
			return strings.ToLower(strings.TrimSpace(role))
		}
	}
	return ""
}

func userIDStringFromContext(c *fiber.Ctx) string {
	if v := c.Locals("user_id"); v != nil {
		if id, ok := v.(string); ok {
			return strings.TrimSpace(id)
		}
	}
	return ""
}

// actorFromContext maps the authenticated caller onto an audit actor.
func actorFromContext(c *fiber.Ctx) consent.Actor {
	actor := consent.Actor{
		ID:            userIDStringFromContext(c),
		IP:            c.IP(),
		UserAgent:     c.Get(fiber.HeaderUserAgent),
		CorrelationID: middleware.GetCorrelationID(c),
	}
	switch userRoleFromContext(c) {
	case middleware.AuthRoleParent:
		actor.Role = models.ActorRoleParent
		if email, ok := c.Locals("user_email").(string); ok && actor.ID == "" {
			actor.ID = notifier.MaskEmail(email)
		}
	default:
		actor.Role = models.ActorRoleAdmin
	}
	return actor
}

// linkActor identifies an anonymous parent acting through an emailed link.
func linkActor(c *fiber.Ctx) consent.Actor {
	return consent.Actor{
		Role:          models.ActorRoleParent,
		IP:            c.IP(),
		UserAgent:     c.Get(fiber.HeaderUserAgent),
		CorrelationID: middleware.GetCorrelationID(c),
	}
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

func validationDetails(err error) map[string]string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	details := make(map[string]string, len(validationErrors))
	for _, fieldErr := range validationErrors {
		details[fieldErr.Field()] = fieldErr.Tag()
	}
	return details
}

// sendConsentError translates lifecycle and storage errors into the API envelope.
func sendConsentError(c *fiber.Ctx, logger zerolog.Logger, err error, fallback string) error {
	switch {
	case isValidationError(err):
		return utils.Fail(c, fiber.StatusBadRequest, "validation failed", validationDetails(err))
	case errors.Is(err, service.ErrInvalidExportQuery):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, consent.ErrCodeAlreadyUsed):
		return utils.SendError(c, fiber.StatusConflict, "already processed")
	case errors.Is(err, consent.ErrConsentExpired):
		return utils.SendError(c, fiber.StatusGone, "expired, please contact the school")
	case errors.Is(err, consent.ErrInvalidCode):
		return utils.SendError(c, fiber.StatusNotFound, "invalid or unknown consent link")
	case errors.Is(err, consent.ErrInvalidTransition):
		return utils.SendError(c, fiber.StatusConflict, "consent cannot change from its current status")
	case errors.Is(err, repository.ErrNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "consent record not found")
	case errors.Is(err, repository.ErrStaleRecord):
		return utils.SendError(c, fiber.StatusConflict, "consent record changed, please retry")
	case errors.Is(err, consent.ErrAuditAppend), errors.Is(err, repository.ErrStoreUnavailable):
		requestLogger(logger, c).Error().Err(err).Msg(fallback)
		return utils.SendError(c, fiber.StatusServiceUnavailable, "consent storage unavailable, please retry later")
	default:
		requestLogger(logger, c).Error().Err(err).Msg(fallback)
		return utils.SendError(c, fiber.StatusInternalServerError, fallback)
	}
}
