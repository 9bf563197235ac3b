package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/pavit-health/backend/internal/reports"
	"github.com/pavit-health/backend/internal/storage/models"
	"github.com/pavit-health/backend/pkg/logger"
)

type ReportReader interface {
	ListReports(ctx context.Context, patientID string) ([]models.Report, error)
	Analytics(ctx context.Context, patientID string) (*reports.Summary, error)
}

type ReportHandler struct {
	reports ReportReader
}

func NewReportHandler(r ReportReader) *ReportHandler {
	return &ReportHandler{reports: r}
}

// ListReports returns a patient's reports, newest first. An unknown patient
// has no reports.
func (h *ReportHandler) ListReports(c *fiber.Ctx) error {
	pid := c.Params("patientId")

	list, err := h.reports.ListReports(c.UserContext(), pid)
	if err != nil {
		logger.Error("Failed to list reports", zap.String("patient_id", pid), zap.Error(err))
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to list reports")
	}
	if list == nil {
		list = []models.Report{}
	}
	return c.JSON(list)
}

func (h *ReportHandler) Analytics(c *fiber.Ctx) error {
	pid := c.Params("patientId")

	summary, err := h.reports.Analytics(c.UserContext(), pid)
	if err != nil {
		logger.Error("Failed to build analytics", zap.String("patient_id", pid), zap.Error(err))
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to build analytics")
	}
	return c.JSON(summary)
}
