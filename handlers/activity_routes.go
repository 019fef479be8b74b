package handlers

import (
	"errors"
	"log/slog"

	"progression-engine/services"
	"progression-engine/workers"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

func setupActivityRoutes(admin, internal fiber.Router, activities *services.ActivityService, sched *workers.Scheduler, runner *workers.JobRunner, logger *slog.Logger) {
	// Activity ingress from the gateway and queue consumers. Redelivery is safe when activity_id is set.
	internal.Post("/activities", func(c *fiber.Ctx) error {
		var act services.Activity
		if err := c.BodyParser(&act); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
		res, err := activities.RecordActivity(c.UserContext(), act)
		if err != nil {
			logger.Error("[ACTIVITY] record failed", "user", act.UserID, "type", act.Type, "activity", act.ID, "error", err)
			return respondError(c, err)
		}
		return c.JSON(res)
	})

	if sched == nil {
		return
	}

	admin.Get("/jobs", func(c *fiber.Ctx) error {
		parked, err := runner.Parked(c.UserContext())
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"jobs": sched.JobNames(), "parked": parked})
	})

	admin.Post("/jobs/:name/run", func(c *fiber.Ctx) error {
		name := c.Params("name")
		if err := sched.RunNow(c.UserContext(), name); err != nil {
			if errors.Is(err, workers.ErrUnknownJob) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
			}
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"job": name, "status": "completed"})
	})

	admin.Post("/jobs/parked/:id/resolve", func(c *fiber.Ctx) error {
		if err := runner.Resolve(c.UserContext(), c.Params("id")); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "parked job not found"})
			}
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"id": c.Params("id"), "resolved": true})
	})
}
