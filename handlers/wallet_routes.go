package handlers

import (
	"log/slog"

	"progression-engine/config"
	"progression-engine/middleware"
	"progression-engine/services"

	"github.com/gofiber/fiber/v2"
)

type walletAmountRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func setupWalletRoutes(public, secured, admin, internal fiber.Router, wallet *services.WalletService, logger *slog.Logger) {
	public.Get("/wallet/packs", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"packs": config.CoinPacks, "costs": config.CoinCosts})
	})

	secured.Get("/wallet", func(c *fiber.Ctx) error {
		w, err := wallet.GetWallet(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(w)
	})

	secured.Get("/wallet/history", func(c *fiber.Ctx) error {
		history, err := wallet.GetHistory(c.UserContext(), middleware.UserID(c), queryInt(c, "page", 1), queryInt(c, "size", 20))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(history)
	})

	// Spends are priced server-side from the cost table.
	secured.Post("/wallet/spend", func(c *fiber.Ctx) error {
		var req struct {
			Item string `json:"item"`
		}
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
		cost, ok := config.CoinCosts[req.Item]
		if !ok {
			return badRequest(c, "unknown item "+req.Item, nil)
		}
		res, err := wallet.SpendCoins(c.UserContext(), middleware.UserID(c), cost, req.Item)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(res)
	})

	admin.Post("/wallet/refund", func(c *fiber.Ctx) error {
		var req walletAmountRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
		res, err := wallet.RefundCoins(c.UserContext(), req.UserID, req.Amount, "refund:"+req.Reason)
		if err != nil {
			return respondError(c, err)
		}
		logger.Info("[ADMIN] coins refunded", "user", req.UserID, "amount", req.Amount, "by", middleware.UserID(c))
		return c.JSON(res)
	})

	admin.Get("/wallet/:user_id/verify", func(c *fiber.Ctx) error {
		sum, balance, ok, err := wallet.VerifyLedger(c.UserContext(), c.Params("user_id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"ledger_sum": sum, "balance": balance, "consistent": ok})
	})

	// Called by the payments service once a purchase settles.
	internal.Post("/purchases", func(c *fiber.Ctx) error {
		var req struct {
			UserID    string `json:"user_id"`
			PackType  string `json:"pack_type"`
			PaymentID string `json:"payment_id"`
		}
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
		res, err := wallet.PurchaseCoins(c.UserContext(), req.UserID, req.PackType, req.PaymentID)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(res)
	})
}
