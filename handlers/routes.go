package handlers

import (
	"log/slog"

	"progression-engine/middleware"
	"progression-engine/services"
	"progression-engine/workers"

	"github.com/gofiber/fiber/v2"
)

// StreamPath is served outside the gateway token check; it authenticates with a query token.
const StreamPath = "/user/events/stream"

// RouteDeps are the collaborators the HTTP layer needs.
type RouteDeps struct {
	Engine     *services.Engine
	Hub        *services.EventHub
	AuthClient *services.AuthServiceClient
	Scheduler  *workers.Scheduler
	Jobs       *workers.JobRunner
	Logger     *slog.Logger
}

// SetupRoutes registers every route. Gateway auth is applied by the caller with app.Use.
func SetupRoutes(app *fiber.App, d RouteDeps) {
	// registered before the /user group so its middleware does not run for the stream
	if d.Hub != nil && d.AuthClient != nil {
		app.Get(StreamPath, middleware.SSEAuthMiddleware(d.AuthClient, d.Logger), streamUserEvents(d.Hub, d.Engine.Tribes, d.Logger))
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	public := app.Group("/")
	secured := app.Group("/user", middleware.UserContextMiddleware(d.Logger))
	admin := app.Group("/s/admin", middleware.UserContextMiddleware(d.Logger), middleware.RequireRole("admin"))
	internal := app.Group("/internal")

	setupProgressionRoutes(public, secured, admin, d.Engine, d.Logger)
	setupWalletRoutes(public, secured, admin, internal, d.Engine.Wallet, d.Logger)
	setupChallengeRoutes(public, secured, admin, d.Engine)
	setupEventRoutes(public, secured, admin, d.Engine.Events)
	setupActivityRoutes(admin, internal, d.Engine.Activities, d.Scheduler, d.Jobs, d.Logger)
}
