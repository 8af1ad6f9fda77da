package handler

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-consent-api/internal/dto"
	"github.com/noah-isme/gema-consent-api/internal/service"
	"github.com/noah-isme/gema-consent-api/internal/utils"
)

// ConsentHandler serves the parent-facing consent endpoints.
type ConsentHandler struct {
	service   service.ConsentService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewConsentHandler constructs a consent handler.
func NewConsentHandler(service service.ConsentService, validate *validator.Validate, logger zerolog.Logger) *ConsentHandler {
	return &ConsentHandler{
		service:   service,
		validator: validate,
		logger:    logger.With().Str("component", "consent_handler").Logger(),
	}
}

// RegisterLinks wires the endpoints reached through the emailed parent link.
func (h *ConsentHandler) RegisterLinks(router fiber.Router) {
	router.Get("/:code", h.status)
	router.Post("/:code/approve", h.approve)
	router.Post("/:code/deny", h.deny)
}

// RegisterRevoke wires the authenticated revoke endpoint.
func (h *ConsentHandler) RegisterRevoke(router fiber.Router) {
	router.Post("/:id/revoke", h.revoke)
}

func (h *ConsentHandler) status(c *fiber.Ctx) error {
	code := strings.TrimSpace(c.Params("code"))
	if code == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "consent code is required")
	}

	response, err := h.service.StatusByCode(c.UserContext(), code)
	if err != nil {
		return sendConsentError(c, h.logger, err, "failed to load consent")
	}
	return utils.SendSuccess(c, "consent status", response)
}

func (h *ConsentHandler) approve(c *fiber.Ctx) error {
	code := strings.TrimSpace(c.Params("code"))
	if code == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "consent code is required")
	}

	response, err := h.service.ApproveByCode(c.UserContext(), code, linkActor(c))
	if err != nil {
		return sendConsentError(c, h.logger, err, "failed to approve consent")
	}
	return utils.SendSuccess(c, "consent approved", response)
}

func (h *ConsentHandler) deny(c *fiber.Ctx) error {
	code := strings.TrimSpace(c.Params("code"))
	if code == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "consent code is required")
	}

	response, err := h.service.DenyByCode(c.UserContext(), code, linkActor(c))
	if err != nil {
		return sendConsentError(c, h.logger, err, "failed to deny consent")
	}
	return utils.SendSuccess(c, "consent denied", response)
}

func (h *ConsentHandler) revoke(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if id == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "consent id is required")
	}

	var payload dto.ConsentRevokeRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
		}
	}
	if err := h.validator.Struct(payload); err != nil {
		return sendConsentError(c, h.logger, err, "invalid payload")
	}

	actor := actorFromContext(c)
	actor.Reason = payload.Reason

	record, err := h.service.Revoke(c.UserContext(), id, actor)
	if err != nil {
		return sendConsentError(c, h.logger, err, "failed to revoke consent")
	}

	requestLogger(h.logger, c).Info().Str("record_id", record.ID).Str("actor_role", actor.Role).Msg("consent revoked")
	return utils.SendSuccess(c, "consent revoked", record)
}
