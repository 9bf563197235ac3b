package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/pavit-health/backend/internal/detection"
	"github.com/pavit-health/backend/internal/metrics"
	"github.com/pavit-health/backend/internal/storage/models"
	"github.com/pavit-health/backend/internal/validation"
	"github.com/pavit-health/backend/pkg/logger"
)

type Status string

const (
	StatusSuccess       Status = "success"
	StatusRejected      Status = "rejected"
	StatusLowConfidence Status = "low_confidence"
	StatusError         Status = "error"
)

type Stage string

const (
	StageValidate  Stage = "validate"
	StageDetect    Stage = "detect"
	StageInfer     Stage = "infer"
	StageRecommend Stage = "recommend"
	StageStore     Stage = "store"
)

type Captioner interface {
	Caption(ctx context.Context, image []byte) (string, error)
}

type Validator interface {
	Validate(caption string) validation.Result
}

type Detector interface {
	Detect(ctx context.Context, image []byte) detection.Detection
}

type Inferer interface {
	Infer(disease string) []models.DeficiencyEvidence
	Recommend(items []models.DeficiencyEvidence) []models.Recommendation
}

type ReportStore interface {
	StoreReport(ctx context.Context, r *models.Report) (int64, error)
}

type Config struct {
	MinConfidence  float64
	MaxConcurrent  int64
	CaptionTimeout time.Duration
}

type Orchestrator struct {
	captioner Captioner
	validator Validator
	detector  Detector
	engine    Inferer
	reports   ReportStore
	cfg       Config
	sem       *semaphore.Weighted
}

type Deps struct {
	Captioner Captioner
	Validator Validator
	Detector  Detector
	Engine    Inferer
	Reports   ReportStore
}

func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.CaptionTimeout <= 0 {
		cfg.CaptionTimeout = 30 * time.Second
	}
	if deps.Validator == nil {
		deps.Validator = validation.New()
	}
	if deps.Detector == nil {
		deps.Detector = detection.NewDetector(nil, detection.Config{})
	}
	return &Orchestrator{
		captioner: deps.Captioner,
		validator: deps.Validator,
		detector:  deps.Detector,
		engine:    deps.Engine,
		reports:   deps.Reports,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

type AnalyzeRequest struct {
	PatientID        string
	Image            []byte
	ImagePath        string
	Validate         bool
	EnforceThreshold bool
	Observer         Observer
}

type RuleRequest struct {
	PatientID  string
	Disease    string
	Confidence float64
	Observer   Observer
}

// Result is the terminal outcome of one run. Every status carries a
// message; ReportID is set only on success.
type Result struct {
	AnalysisID      string                      `json:"analysis_id"`
	Status          Status                      `json:"status"`
	Message         string                      `json:"message"`
	ReportID        int64                       `json:"report_id,omitempty"`
	DetectedDisease string                      `json:"detected_disease,omitempty"`
	Confidence      float64                     `json:"confidence"`
	DetectionSource string                      `json:"detection_source,omitempty"`
	FallbackReason  string                      `json:"fallback_reason,omitempty"`
	Validation      *validation.Result          `json:"validation,omitempty"`
	Deficiencies    []models.DeficiencyEvidence `json:"deficiencies"`
	Recommendations []models.Recommendation     `json:"recommendations"`
}

func newResult() *Result {
	return &Result{
		AnalysisID:      uuid.NewString(),
		Deficiencies:    []models.DeficiencyEvidence{},
		Recommendations: []models.Recommendation{},
	}
}

// Analyze runs VALIDATE (optional), DETECT, INFER, RECOMMEND and STORE for
// one image. The returned error is non-nil only for StatusError.
func (o *Orchestrator) Analyze(ctx context.Context, req AnalyzeRequest) (*Result, error) {
	res := newResult()
	tr := newTracker(res.AnalysisID, "image", req.Observer)
	log := logger.With(zap.String("analysis_id", res.AnalysisID), zap.String("patient_id", req.PatientID))

	if req.PatientID == "" || len(req.Image) == 0 {
		return tr.fail(res, stageError(StageValidate, ErrInvalidRequest, fmt.Errorf("patient id and image are required")))
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return tr.fail(res, stageError(StageValidate, ErrPipeline, err))
	}
	defer o.sem.Release(1)

	if req.Validate {
		var vres validation.Result
		err := tr.stage(StageValidate, func() error {
			vres = o.validate(ctx, req.Image, log)
			return ctx.Err()
		}, &vres)
		if err != nil {
			return tr.fail(res, stageError(StageValidate, ErrPipeline, err))
		}
		res.Validation = &vres
		if !vres.Accepted {
			res.Status = StatusRejected
			res.Message = "Image rejected: " + vres.Reason
			return tr.finish(res, nil)
		}
	}

	var det detection.Detection
	err := tr.stage(StageDetect, func() error {
		det = o.detector.Detect(ctx, req.Image)
		return ctx.Err()
	}, &det)
	if err != nil {
		return tr.fail(res, stageError(StageDetect, ErrPipeline, err))
	}

	res.DetectedDisease = strings.TrimSpace(det.Label)
	res.Confidence = det.Confidence
	res.DetectionSource = string(det.Source)
	res.FallbackReason = det.FallbackReason

	if res.DetectedDisease == "" || strings.EqualFold(res.DetectedDisease, "unknown") {
		return tr.fail(res, stageError(StageDetect, ErrPipeline, ErrEmptyLabel))
	}

	metrics.DetectionConfidence.Observe(det.Confidence)
	log.Info("Detection complete",
		zap.String("label", res.DetectedDisease),
		zap.Float64("confidence", det.Confidence),
		zap.String("source", res.DetectionSource),
	)

	if req.EnforceThreshold && det.Confidence < o.cfg.MinConfidence {
		res.Status = StatusLowConfidence
		res.Message = fmt.Sprintf("Detection confidence %.2f is below the required %.2f", det.Confidence, o.cfg.MinConfidence)
		return tr.finish(res, nil)
	}

	return o.inferAndStore(ctx, tr, res, req.PatientID, req.ImagePath)
}

// AnalyzeRule runs INFER, RECOMMEND and STORE for a caller-supplied disease
// and confidence. No validation, detection or threshold check happens.
func (o *Orchestrator) AnalyzeRule(ctx context.Context, req RuleRequest) (*Result, error) {
	res := newResult()
	tr := newTracker(res.AnalysisID, "rule", req.Observer)

	res.DetectedDisease = strings.TrimSpace(req.Disease)
	res.Confidence = req.Confidence
	res.DetectionSource = "rule"

	switch {
	case req.PatientID == "":
		return tr.fail(res, stageError(StageInfer, ErrInvalidRequest, fmt.Errorf("patient id is required")))
	case res.DetectedDisease == "":
		return tr.fail(res, stageError(StageInfer, ErrInvalidRequest, ErrEmptyLabel))
	case req.Confidence < 0 || req.Confidence > 1:
		return tr.fail(res, stageError(StageInfer, ErrInvalidRequest, fmt.Errorf("confidence %v outside [0,1]", req.Confidence)))
	}

	return o.inferAndStore(ctx, tr, res, req.PatientID, "")
}

func (o *Orchestrator) inferAndStore(ctx context.Context, tr *tracker, res *Result, patientID, imagePath string) (*Result, error) {
	var deficiencies []models.DeficiencyEvidence
	if err := tr.stage(StageInfer, func() error {
		deficiencies = o.engine.Infer(res.DetectedDisease)
		return nil
	}, &deficiencies); err != nil {
		return tr.fail(res, stageError(StageInfer, ErrPipeline, err))
	}

	var recommendations []models.Recommendation
	if err := tr.stage(StageRecommend, func() error {
		recommendations = o.engine.Recommend(deficiencies)
		return nil
	}, &recommendations); err != nil {
		return tr.fail(res, stageError(StageRecommend, ErrPipeline, err))
	}

	report := &models.Report{
		PatientID:       patientID,
		ImagePath:       imagePath,
		DetectedDisease: res.DetectedDisease,
		ConfidenceScore: res.Confidence,
		DetectionSource: res.DetectionSource,
		Deficiencies:    deficiencies,
		Recommendations: recommendations,
	}

	var reportID int64
	if err := tr.stage(StageStore, func() error {
		id, err := o.reports.StoreReport(ctx, report)
		reportID = id
		return err
	}, nil); err != nil {
		return tr.fail(res, stageError(StageStore, ErrPersistence, err))
	}

	res.ReportID = reportID
	res.Deficiencies = nonNil(deficiencies)
	res.Recommendations = nonNil(recommendations)
	res.Status = StatusSuccess
	res.Message = "Analysis completed successfully"
	if len(deficiencies) == 0 {
		res.Message = "Analysis completed: no known deficiency associations for " + res.DetectedDisease
	}
	return tr.finish(res, nil)
}

// validate captions the image and classifies the caption. A captioner
// failure lets the image through and flags the result as a fallback.
func (o *Orchestrator) validate(ctx context.Context, image []byte, log *zap.Logger) validation.Result {
	if o.captioner == nil {
		metrics.ValidationFallbacks.Inc()
		log.Warn("No captioner configured, skipping validation")
		return validation.Result{Accepted: true, Fallback: true, Reason: "captioner not configured", MatchedAccept: []string{}, MatchedReject: []string{}}
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CaptionTimeout)
	defer cancel()

	caption, err := o.captioner.Caption(callCtx, image)
	if err != nil {
		metrics.ValidationFallbacks.Inc()
		log.Warn("Captioner unavailable, accepting image unchecked", zap.Error(err))
		return validation.Result{
			Accepted:      true,
			Fallback:      true,
			Reason:        "captioner unavailable: " + err.Error(),
			MatchedAccept: []string{},
			MatchedReject: []string{},
		}
	}

	vres := o.validator.Validate(caption)
	log.Info("Validation complete",
		zap.Bool("accepted", vres.Accepted),
		zap.String("caption", caption),
		zap.Strings("matched_reject", vres.MatchedReject),
		zap.Strings("matched_accept", vres.MatchedAccept),
	)
	return vres
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
