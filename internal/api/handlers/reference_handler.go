package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/pavit-health/backend/internal/evidence"
	"github.com/pavit-health/backend/pkg/logger"
)

type ReferenceStore interface {
	Tables() *evidence.Tables
	Refresh(ctx context.Context) (evidence.Stats, error)
}

type ReferenceHandler struct {
	store ReferenceStore
}

func NewReferenceHandler(store ReferenceStore) *ReferenceHandler {
	return &ReferenceHandler{store: store}
}

func (h *ReferenceHandler) Stats(c *fiber.Ctx) error {
	return c.JSON(h.store.Tables().Stats())
}

// Refresh reloads the reference tables. On failure the previous tables stay
// in service and the response says so.
func (h *ReferenceHandler) Refresh(c *fiber.Ctx) error {
	stats, err := h.store.Refresh(c.UserContext())
	if err != nil {
		if errors.Is(err, evidence.ErrNoSource) {
			return errorJSON(c, fiber.StatusConflict, "Reference data is static and cannot be refreshed")
		}
		logger.Error("Reference refresh failed", zap.Error(err))
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"status":  "error",
			"message": "Reference refresh failed; previous tables kept: " + err.Error(),
			"current": h.store.Tables().Stats(),
		})
	}

	return c.JSON(fiber.Map{
		"status": "success",
		"stats":  stats,
	})
}
