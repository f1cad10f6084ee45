package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/rally-go-api/internal/config"
	"github.com/noah-isme/rally-go-api/internal/handler"
	"github.com/noah-isme/rally-go-api/internal/middleware"
	"github.com/noah-isme/rally-go-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ConversationHandler *handler.ConversationHandler
	MessageHandler      *handler.MessageHandler
	NotificationHandler *handler.NotificationHandler
	UploadHandler       *handler.UploadHandler
	PresenceHandler     *handler.PresenceHandler
	SystemHandler       *handler.SystemHandler
	WebsocketHandler    *handler.WebsocketHandler
	HealthProbes        []handler.HealthProbe
	Sessions            func() int
	JWTMiddleware       fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	// Common v1 group for health & headers
	v1 := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	v1.Get("/health", handler.HealthCheck(cfg, deps.Sessions, deps.HealthProbes...))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	api := app.Group("/api", jwtMiddleware)

	if deps.WebsocketHandler != nil {
		deps.WebsocketHandler.Register(api)
	}
	if deps.ConversationHandler != nil {
		deps.ConversationHandler.Register(api.Group("/conversations"))
	}
	if deps.MessageHandler != nil {
		deps.MessageHandler.Register(api.Group("/messages"))
	}
	if deps.NotificationHandler != nil {
		deps.NotificationHandler.Register(api.Group("/notifications"))
	}
	if deps.UploadHandler != nil {
		deps.UploadHandler.Register(api.Group("/uploads"), middleware.RateLimit("uploads", 10, time.Minute))
	}
	if deps.PresenceHandler != nil {
		deps.PresenceHandler.Register(api.Group("/presence"))
	}

	// Operator endpoints
	if deps.SystemHandler != nil {
		deps.SystemHandler.Register(api.Group("/system", middleware.RequireRole("admin", "system")))
	}
}
