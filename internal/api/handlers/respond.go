package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	reqvalidation "github.com/pavit-health/backend/internal/middleware/validation"
	"github.com/pavit-health/backend/internal/pipeline"
)

func errorJSON(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"status":  "error",
		"message": message,
	})
}

func invalidJSON(c *fiber.Ctx, err error) error {
	body := fiber.Map{
		"status":  "error",
		"message": "Invalid request",
	}
	var re *reqvalidation.RequestError
	if errors.As(err, &re) {
		body["fields"] = re.Fields
	}
	return c.Status(fiber.StatusBadRequest).JSON(body)
}

// resultStatus maps a pipeline outcome to an HTTP status. Rejected and
// low-confidence runs are answers, not failures.
func resultStatus(err error) int {
	switch {
	case err == nil:
		return fiber.StatusOK
	case errors.Is(err, pipeline.ErrInvalidRequest), errors.Is(err, pipeline.ErrEmptyLabel):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}
