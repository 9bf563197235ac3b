package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/pavit-health/backend/pkg/logger"
)

// Check is one readiness probe. A failing optional check degrades the
// service without taking it out of rotation.
type Check struct {
	Name     string
	Required bool
	Probe    func(ctx context.Context) error
}

type HealthHandler struct {
	checks  []Check
	timeout time.Duration
}

func NewHealthHandler(timeout time.Duration, checks ...Check) *HealthHandler {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HealthHandler{checks: checks, timeout: timeout}
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "healthy",
		"service": "backend",
		"time":    time.Now().Unix(),
	})
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	status := "ready"
	code := fiber.StatusOK
	results := make(fiber.Map, len(h.checks))

	for _, chk := range h.checks {
		if err := chk.Probe(ctx); err != nil {
			logger.Warn("Readiness check failed",
				zap.String("check", chk.Name),
				zap.Bool("required", chk.Required),
				zap.Error(err),
			)
			results[chk.Name] = err.Error()
			if chk.Required {
				status = "unavailable"
				code = fiber.StatusServiceUnavailable
			} else if status == "ready" {
				status = "degraded"
			}
			continue
		}
		results[chk.Name] = "ok"
	}

	return c.Status(code).JSON(fiber.Map{
		"status": status,
		"checks": results,
	})
}
