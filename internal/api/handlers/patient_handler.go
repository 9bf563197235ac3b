package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	reqvalidation "github.com/pavit-health/backend/internal/middleware/validation"
	"github.com/pavit-health/backend/internal/storage/models"
	"github.com/pavit-health/backend/internal/storage/sqlite"
	"github.com/pavit-health/backend/pkg/logger"
)

type PatientStore interface {
	CreatePatient(ctx context.Context, p *models.Patient) error
	GetPatient(ctx context.Context, id string) (*models.Patient, error)
	ListPatients(ctx context.Context) ([]models.Patient, error)
}

type PatientHandler struct {
	store PatientStore
}

func NewPatientHandler(store PatientStore) *PatientHandler {
	return &PatientHandler{store: store}
}

type createPatientRequest struct {
	Name        string `json:"name" form:"name" validate:"required,max=120"`
	Phone       string `json:"phone" form:"phone" validate:"omitempty,max=32"`
	DateOfBirth string `json:"date_of_birth" form:"date_of_birth" validate:"omitempty,datetime=2006-01-02"`
	Address     string `json:"address" form:"address" validate:"omitempty,max=500"`
}

func (h *PatientHandler) CreatePatient(c *fiber.Ctx) error {
	var req createPatientRequest
	if err := reqvalidation.Bind(c, &req); err != nil {
		return invalidJSON(c, err)
	}

	p := &models.Patient{
		Name:        strings.TrimSpace(req.Name),
		Phone:       req.Phone,
		DateOfBirth: req.DateOfBirth,
		Address:     req.Address,
	}
	if p.Name == "" {
		return errorJSON(c, fiber.StatusBadRequest, "Patient name is required")
	}

	if err := h.store.CreatePatient(c.UserContext(), p); err != nil {
		logger.Error("Failed to create patient", zap.Error(err))
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to create patient")
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"status":     "success",
		"patient_id": p.ID,
		"patient":    p,
	})
}

func (h *PatientHandler) ListPatients(c *fiber.Ctx) error {
	patients, err := h.store.ListPatients(c.UserContext())
	if err != nil {
		logger.Error("Failed to list patients", zap.Error(err))
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to list patients")
	}
	if patients == nil {
		patients = []models.Patient{}
	}
	return c.JSON(patients)
}

func (h *PatientHandler) GetPatient(c *fiber.Ctx) error {
	p, err := h.store.GetPatient(c.UserContext(), c.Params("id"))
	if errors.Is(err, sqlite.ErrNotFound) {
		return errorJSON(c, fiber.StatusNotFound, "Patient not found")
	}
	if err != nil {
		logger.Error("Failed to get patient", zap.String("patient_id", c.Params("id")), zap.Error(err))
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to get patient")
	}
	return c.JSON(p)
}
