package handlers

import (
	"progression-engine/middleware"
	"progression-engine/services"

	"github.com/gofiber/fiber/v2"
)

func setupEventRoutes(public, secured, admin fiber.Router, events *services.EventService) {
	public.Get("/events/current", func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		current, err := events.CurrentEvents(ctx)
		if err != nil {
			return respondError(c, err)
		}
		mult, err := events.GetCurrentMultipliers(ctx, events.Clock.Now())
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"events": current, "multipliers": mult})
	})

	public.Get("/events/upcoming", func(c *fiber.Ctx) error {
		upcoming, err := events.UpcomingEvents(c.UserContext(), queryInt(c, "limit", 10))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(upcoming)
	})

	public.Get("/events/:id/standings", func(c *fiber.Ctx) error {
		standings, err := events.ClanWarStandings(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(standings)
	})

	secured.Get("/events/:id/participation", func(c *fiber.Ctx) error {
		p, err := events.Participation(c.UserContext(), middleware.UserID(c), c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(p)
	})

	admin.Post("/events/:id/close", func(c *fiber.Ctx) error {
		res, err := events.CloseClanWar(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(res)
	})
}
