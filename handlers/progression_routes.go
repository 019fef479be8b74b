package handlers

import (
	"log/slog"
	"time"

	"progression-engine/middleware"
	"progression-engine/models"
	"progression-engine/services"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

func setupProgressionRoutes(public, secured, admin fiber.Router, engine *services.Engine, logger *slog.Logger) {
	public.Get("/badges", func(c *fiber.Ctx) error {
		catalog, err := engine.Badges.Catalog(c.UserContext())
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(catalog)
	})

	secured.Get("/progress", func(c *fiber.Ctx) error {
		summary, err := engine.Progression.Summary(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(summary)
	})

	secured.Get("/progress/badges", func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		summary, err := engine.Progression.Summary(ctx, middleware.UserID(c))
		if err != nil {
			return respondError(c, err)
		}
		catalog, err := engine.Badges.Catalog(ctx)
		if err != nil {
			return respondError(c, err)
		}
		byCode := make(map[string]models.BadgeType, len(catalog))
		for _, b := range catalog {
			byCode[b.Code] = b
		}

		response := make([]fiber.Map, 0, len(summary.Badges))
		for _, ub := range summary.Badges {
			bt := byCode[ub.BadgeCode]
			response = append(response, fiber.Map{
				"id":          ub.ID,
				"code":        ub.BadgeCode,
				"name":        bt.Name,
				"description": bt.Description,
				"rarity":      bt.Rarity,
				"source":      ub.Source,
				"awarded_at":  ub.AwardedAt,
			})
		}
		return c.JSON(response)
	})

	secured.Get("/rewards", func(c *fiber.Ctx) error {
		grants, err := engine.Rewards.Grants(c.UserContext(), middleware.UserID(c), queryInt(c, "limit", 50))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(grants)
	})

	secured.Get("/streak", func(c *fiber.Ctx) error {
		status, err := engine.Streaks.Status(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(status)
	})

	secured.Post("/streak/freeze", func(c *fiber.Ctx) error {
		res, err := engine.Streaks.UseFreeze(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(res)
	})

	secured.Post("/streak/freeze/purchase", func(c *fiber.Ctx) error {
		streak, wallet, err := engine.Streaks.PurchaseFreeze(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"streak": streak, "wallet": wallet})
	})

	secured.Put("/timezone", func(c *fiber.Ctx) error {
		var req struct {
			Timezone string `json:"timezone"`
		}
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
		if err := engine.Streaks.SetTimezone(c.UserContext(), middleware.UserID(c), req.Timezone); err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"timezone": req.Timezone})
	})

	// Admin grants go through the dispatcher; a repeated idempotency_key is not paid twice.
	admin.Post("/xp/grant", func(c *fiber.Ctx) error {
		var req struct {
			UserID         string `json:"user_id"`
			XP             int64  `json:"xp"`
			Coins          int64  `json:"coins"`
			Reason         string `json:"reason"`
			IdempotencyKey string `json:"idempotency_key"`
		}
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
		if req.UserID == "" || (req.XP <= 0 && req.Coins <= 0) {
			return badRequest(c, "user_id and a positive xp or coins amount are required", nil)
		}
		key := req.IdempotencyKey
		if key == "" {
			key = uuid.NewString()
		}
		res, err := engine.Rewards.Dispatch(c.UserContext(), req.UserID, "admin:"+key, models.RewardSourceAdmin,
			models.RewardBundle{XP: req.XP, Coins: req.Coins})
		if err != nil {
			return respondError(c, err)
		}
		logger.Info("[ADMIN] reward granted", "user", req.UserID, "xp", req.XP, "coins", req.Coins,
			"reason", req.Reason, "by", middleware.UserID(c), "duplicate", res.Duplicate)
		return c.JSON(res)
	})

	admin.Post("/streak/freezes", func(c *fiber.Ctx) error {
		var req struct {
			UserID string `json:"user_id"`
			Count  int    `json:"count"`
		}
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
		if err := engine.Streaks.GrantFreezes(c.UserContext(), req.UserID, req.Count); err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"user_id": req.UserID, "granted": req.Count, "at": time.Now().UTC()})
	})
}
