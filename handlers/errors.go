package handlers

import (
	"errors"
	"strconv"

	"progression-engine/services"

	"github.com/gofiber/fiber/v2"
)

// respondError maps service errors to HTTP statuses.
func respondError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrValidation):
		status = fiber.StatusBadRequest
	case errors.Is(err, services.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, services.ErrInsufficientBalance):
		status = fiber.StatusPaymentRequired
	case errors.Is(err, services.ErrDuplicatePayment):
		status = fiber.StatusConflict
	case errors.Is(err, services.ErrFreezeUnavailable):
		status = fiber.StatusConflict
	case errors.Is(err, services.ErrConcurrentUpdate):
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func badRequest(c *fiber.Ctx, msg string, cause error) error {
	body := fiber.Map{"error": msg}
	if cause != nil {
		body["cause"] = cause.Error()
	}
	return c.Status(fiber.StatusBadRequest).JSON(body)
}

func queryInt(c *fiber.Ctx, key string, def int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return n
}
