package handlers

import (
	"progression-engine/middleware"
	"progression-engine/services"
	"progression-engine/utils"

	"github.com/gofiber/fiber/v2"
)

func setupChallengeRoutes(public, secured, admin fiber.Router, engine *services.Engine) {
	secured.Get("/challenges", func(c *fiber.Ctx) error {
		active, err := engine.Challenges.ActiveChallenges(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(active)
	})

	secured.Get("/challenges/history", func(c *fiber.Ctx) error {
		history, err := engine.Challenges.History(c.UserContext(), middleware.UserID(c), queryInt(c, "limit", 30))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(history)
	})

	public.Get("/tribes/leaderboard", func(c *fiber.Ctx) error {
		weekKey := c.Query("week", utils.ISOWeekKey(engine.Clock.Now(), engine.Config.Location()))
		standings, err := engine.Tribes.TribeLeaderboard(c.UserContext(), weekKey)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"week_key": weekKey, "standings": standings})
	})

	public.Get("/tribes/:id", func(c *fiber.Ctx) error {
		tribe, err := engine.Tribes.GetTribe(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(tribe)
	})

	admin.Post("/challenges/:id/complete", func(c *fiber.Ctx) error {
		res, err := engine.Challenges.CompleteChallenge(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(res)
	})

	admin.Post("/tribes/weeks/:week/close", func(c *fiber.Ctx) error {
		res, err := engine.Tribes.CloseTribeWeek(c.UserContext(), c.Params("week"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(res)
	})
}
