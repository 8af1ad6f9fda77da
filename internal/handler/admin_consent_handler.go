package handler

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-consent-api/internal/dto"
	"github.com/noah-isme/gema-consent-api/internal/service"
	"github.com/noah-isme/gema-consent-api/internal/utils"
)

// AdminConsentHandler exposes consent management and compliance endpoints to school staff.
type AdminConsentHandler struct {
	consents service.ConsentService
	audit    service.AuditService
	logger   zerolog.Logger
}

// NewAdminConsentHandler constructs the admin consent handler.
func NewAdminConsentHandler(consents service.ConsentService, audit service.AuditService, logger zerolog.Logger) *AdminConsentHandler {
	return &AdminConsentHandler{
		consents: consents,
		audit:    audit,
		logger:   logger.With().Str("component", "admin_consent_handler").Logger(),
	}
}

// Register wires the consent record routes.
func (h *AdminConsentHandler) Register(router fiber.Router) {
	router.Post("", h.create)
	router.Get("/audit/export", h.export)
	router.Get("/:id", h.get)
	router.Get("/:id/audit", h.trail)
}

// RegisterStudents wires the per-student consent lookup.
func (h *AdminConsentHandler) RegisterStudents(router fiber.Router) {
	router.Get("/:studentId/consent", h.active)
}

func (h *AdminConsentHandler) create(c *fiber.Ctx) error {
	var payload dto.ConsentCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	created, err := h.consents.RequestConsent(c.UserContext(), payload, actorFromContext(c))
	if err != nil {
		return sendConsentError(c, h.logger, err, "failed to create consent request")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "consent requested", created)
}

func (h *AdminConsentHandler) get(c *fiber.Ctx) error {
	record, err := h.consents.Get(c.UserContext(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return sendConsentError(c, h.logger, err, "failed to load consent")
	}
	return utils.SendSuccess(c, "consent retrieved", record)
}

func (h *AdminConsentHandler) trail(c *fiber.Ctx) error {
	trail, err := h.audit.Trail(c.UserContext(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return sendConsentError(c, h.logger, err, "failed to load audit trail")
	}
	return utils.OK(c, trail, "audit trail retrieved", fiber.Map{
		"events":     len(trail.Events),
		"consistent": trail.Consistent,
	})
}

func (h *AdminConsentHandler) export(c *fiber.Ctx) error {
	var query dto.AuditExportQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query")
	}

	var buf bytes.Buffer
	rows, err := h.audit.ExportCSV(c.UserContext(), query, &buf)
	if err != nil {
		return sendConsentError(c, h.logger, err, "failed to export audit trail")
	}

	requestLogger(h.logger, c).Info().Int("rows", rows).Str("school_id", query.SchoolID).Msg("audit export served")
	c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", exportFilename(query)))
	c.Set("X-Row-Count", fmt.Sprintf("%d", rows))
	return c.Status(fiber.StatusOK).Send(buf.Bytes())
}

func (h *AdminConsentHandler) active(c *fiber.Ctx) error {
	studentID := strings.TrimSpace(c.Params("studentId"))
	if studentID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "student id is required")
	}

	response, err := h.consents.ActiveConsent(c.UserContext(), studentID)
	if err != nil {
		return sendConsentError(c, h.logger, err, "failed to check consent")
	}
	return utils.SendSuccess(c, "consent status retrieved", response)
}

func exportFilename(query dto.AuditExportQuery) string {
	from := query.From
	if from == "" {
		from = "start"
	}
	to := query.To
	if to == "" {
		to = time.Now().UTC().Format("2006-01-02")
	}
	return fmt.Sprintf("consent-audit-%s-%s.csv", from, to)
}
