package handlers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	reqvalidation "github.com/pavit-health/backend/internal/middleware/validation"
	"github.com/pavit-health/backend/internal/pipeline"
	"github.com/pavit-health/backend/internal/storage/sqlite"
	"github.com/pavit-health/backend/pkg/logger"
)

const defaultRuleConfidence = 0.5

type Analyzer interface {
	Analyze(ctx context.Context, req pipeline.AnalyzeRequest) (*pipeline.Result, error)
	AnalyzeRule(ctx context.Context, req pipeline.RuleRequest) (*pipeline.Result, error)
}

type AnalysisHandler struct {
	analyzer  Analyzer
	patients  PatientStore
	uploadDir string
	validate  bool
}

// NewAnalysisHandler wires the pipeline to HTTP. validate is the default for
// image analyses; a request can still opt out with skip_validation.
func NewAnalysisHandler(analyzer Analyzer, patients PatientStore, uploadDir string, validate bool) *AnalysisHandler {
	return &AnalysisHandler{
		analyzer:  analyzer,
		patients:  patients,
		uploadDir: uploadDir,
		validate:  validate,
	}
}

// Analyze expects a multipart form with patient_id and image. The image is
// read and sniffed by the upload middleware before this runs.
func (h *AnalysisHandler) Analyze(c *fiber.Ctx) error {
	patientID := c.FormValue("patient_id")
	if err := reqvalidation.Struct(struct {
		PatientID string `json:"patient_id" validate:"required,patient_id"`
	}{patientID}); err != nil {
		return invalidJSON(c, err)
	}

	img := reqvalidation.ImageFrom(c)
	if img == nil {
		return errorJSON(c, fiber.StatusBadRequest, "Missing patient ID or image")
	}

	if status, msg := checkPatient(c.UserContext(), h.patients, patientID); status != fiber.StatusOK {
		return errorJSON(c, status, msg)
	}

	skip, _ := strconv.ParseBool(c.FormValue("skip_validation"))

	path, err := saveUpload(h.uploadDir, patientID, img)
	if err != nil {
		logger.Error("Failed to save upload", zap.String("patient_id", patientID), zap.Error(err))
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to save image")
	}

	res, err := h.analyzer.Analyze(c.UserContext(), pipeline.AnalyzeRequest{
		PatientID:        patientID,
		Image:            img.Data,
		ImagePath:        path,
		Validate:         h.validate && !skip,
		EnforceThreshold: true,
	})
	discardUnreferenced(res, path)

	return c.Status(resultStatus(err)).JSON(res)
}

type ruleRequest struct {
	PatientID  string   `json:"patient_id" form:"patient_id" validate:"required,patient_id"`
	Disease    string   `json:"disease" form:"disease" validate:"required,max=200"`
	Confidence *float64 `json:"confidence" form:"confidence" validate:"omitempty,gte=0,lte=1"`
}

// AnalyzeRule runs inference for a disease named by the caller.
func (h *AnalysisHandler) AnalyzeRule(c *fiber.Ctx) error {
	var req ruleRequest
	if err := reqvalidation.Bind(c, &req); err != nil {
		return invalidJSON(c, err)
	}

	if status, msg := checkPatient(c.UserContext(), h.patients, req.PatientID); status != fiber.StatusOK {
		return errorJSON(c, status, msg)
	}

	confidence := defaultRuleConfidence
	if req.Confidence != nil {
		confidence = *req.Confidence
	}

	res, err := h.analyzer.AnalyzeRule(c.UserContext(), pipeline.RuleRequest{
		PatientID:  req.PatientID,
		Disease:    req.Disease,
		Confidence: confidence,
	})
	return c.Status(resultStatus(err)).JSON(res)
}

func checkPatient(ctx context.Context, patients PatientStore, patientID string) (int, string) {
	_, err := patients.GetPatient(ctx, patientID)
	switch {
	case errors.Is(err, sqlite.ErrNotFound):
		return fiber.StatusNotFound, "Patient " + patientID + " not found"
	case err != nil:
		logger.Error("Failed to look up patient", zap.String("patient_id", patientID), zap.Error(err))
		return fiber.StatusInternalServerError, "Failed to look up patient"
	}
	return fiber.StatusOK, ""
}

// saveUpload writes the image under dir with a collision-free name.
func saveUpload(dir, patientID string, img *reqvalidation.Image) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create upload dir: %w", err)
	}
	path := filepath.Join(dir, patientID+"_"+uuid.NewString()+img.Extension)
	if err := os.WriteFile(path, img.Data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	return path, nil
}

// discardUnreferenced removes an upload that no stored report points to.
func discardUnreferenced(res *pipeline.Result, path string) {
	if res != nil && res.Status == pipeline.StatusSuccess {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Failed to remove unused upload", zap.String("path", path), zap.Error(err))
	}
}
