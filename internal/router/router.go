package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-consent-api/internal/config"
	"github.com/noah-isme/gema-consent-api/internal/handler"
	"github.com/noah-isme/gema-consent-api/internal/middleware"
	"github.com/noah-isme/gema-consent-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ConsentHandler      *handler.ConsentHandler
	AdminConsentHandler *handler.AdminConsentHandler
	JWTMiddleware       fiber.Handler
	HealthChecks        map[string]handler.DependencyCheck
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthChecks))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.ConsentHandler != nil {
		// Parent links carry no session, so they are throttled per IP instead.
		links := api.Group("/consent", middleware.RateLimit("consent-link", cfg.PublicRateLimit, cfg.PublicRateWindow))
		deps.ConsentHandler.RegisterLinks(links)

		consents := api.Group("/consents", jwtMiddleware, middleware.WithAuth(func(c *fiber.Ctx) error {
			return c.Next()
		}, middleware.AuthOptions{Roles: []string{middleware.AuthRoleParent, middleware.AuthRoleAdmin}}))
		deps.ConsentHandler.RegisterRevoke(consents)
	}

	if deps.AdminConsentHandler != nil {
		admin := api.Group("/admin", jwtMiddleware, middleware.RequireRole("admin", "staff"))
		deps.AdminConsentHandler.Register(admin.Group("/consents"))
		deps.AdminConsentHandler.RegisterStudents(admin.Group("/students"))
	}

	app.Get("/metrics", observability.MetricsHandler())
}
