package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/pavit-health/backend/internal/ai"
	"github.com/pavit-health/backend/internal/detection"
	"github.com/pavit-health/backend/internal/evidence"
	"github.com/pavit-health/backend/internal/inference"
	"github.com/pavit-health/backend/internal/storage/models"
	"github.com/pavit-health/backend/internal/validation"
)

type fakeCaptioner struct {
	caption string
	err     error
}

func (f fakeCaptioner) Caption(context.Context, []byte) (string, error) { return f.caption, f.err }

type fakeDetector struct {
	det   detection.Detection
	calls int
}

func (f *fakeDetector) Detect(context.Context, []byte) detection.Detection {
	f.calls++
	return f.det
}

type countingEngine struct {
	Inferer
	inferCalls int
	panicOn    string
}

func (c *countingEngine) Infer(disease string) []models.DeficiencyEvidence {
	c.inferCalls++
	if disease == c.panicOn {
		panic("corrupt table")
	}
	return c.Inferer.Infer(disease)
}

type memoryReports struct {
	mu      sync.Mutex
	reports []models.Report
	err     error
}

func (m *memoryReports) StoreReport(_ context.Context, r *models.Report) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.reports = append(m.reports, *r)
	r.ID = int64(len(m.reports))
	return r.ID, nil
}

type harness struct {
	orch     *Orchestrator
	detector *fakeDetector
	engine   *countingEngine
	reports  *memoryReports
}

func newHarness(t *testing.T, captioner Captioner, det detection.Detection) *harness {
	t.Helper()
	rows := []evidence.EvidenceRow{
		{DiseaseName: "dermatitis", Vitamin: "Vitamin E", RawTier: "medium"},
		{DiseaseName: "dermatitis", Vitamin: "Vitamin A", RawTier: "high"},
		{DiseaseName: "scurvy", Vitamin: "Vitamin C", RawTier: "high"},
	}
	nutrition := []evidence.NutritionEntry{
		{Vitamin: "Vitamin A", Foods: []string{"carrots"}},
		{Vitamin: "Vitamin C", Foods: []string{"oranges"}},
	}
	tables, err := evidence.NewTables("test", rows, nutrition)
	if err != nil {
		t.Fatalf("NewTables: %v", err)
	}

	h := &harness{
		detector: &fakeDetector{det: det},
		engine:   &countingEngine{Inferer: inference.NewEngine(evidence.NewStaticStore(tables))},
		reports:  &memoryReports{},
	}
	h.orch = NewOrchestrator(Deps{
		Captioner: captioner,
		Validator: validation.New(),
		Detector:  h.detector,
		Engine:    h.engine,
		Reports:   h.reports,
	}, Config{MinConfidence: 0.5, MaxConcurrent: 2})
	return h
}

func modelDetection(label string, conf float64) detection.Detection {
	return detection.Detection{Label: label, Confidence: conf, Source: detection.SourceModel}
}

func imageRequest(validate, enforce bool) AnalyzeRequest {
	return AnalyzeRequest{PatientID: "PAVIT-00001", Image: []byte("img"), ImagePath: "/uploads/x.jpg", Validate: validate, EnforceThreshold: enforce}
}

func TestAnalyzeSuccess(t *testing.T) {
	h := newHarness(t, fakeCaptioner{caption: "a close up of skin on a hand"}, modelDetection("Dermatitis", 0.82))

	res, err := h.orch.Analyze(context.Background(), imageRequest(true, true))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Status != StatusSuccess || res.ReportID != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.AnalysisID == "" || res.DetectionSource != "model" || res.Validation == nil || !res.Validation.Accepted {
		t.Fatalf("missing metadata: %+v", res)
	}

	var got []string
	for _, d := range res.Deficiencies {
		got = append(got, d.Vitamin)
	}
	if !reflect.DeepEqual(got, []string{"Vitamin A", "Vitamin E"}) {
		t.Fatalf("unexpected ranking %v", got)
	}
	if len(res.Recommendations) != 1 || res.Recommendations[0].Vitamin != "Vitamin A" {
		t.Fatalf("unexpected recommendations %+v", res.Recommendations)
	}

	if len(h.reports.reports) != 1 {
		t.Fatalf("expected exactly one write, got %d", len(h.reports.reports))
	}
	stored := h.reports.reports[0]
	if stored.ImagePath != "/uploads/x.jpg" || stored.ConfidenceScore != 0.82 || stored.DetectionSource != "model" {
		t.Fatalf("unexpected stored report %+v", stored)
	}
}

func TestAnalyzeRejectedSkipsDetection(t *testing.T) {
	h := newHarness(t, fakeCaptioner{caption: "a dog sitting next to a hand"}, modelDetection("dermatitis", 0.9))

	res, err := h.orch.Analyze(context.Background(), imageRequest(true, true))
	if err != nil {
		t.Fatalf("rejection is not an error: %v", err)
	}
	if res.Status != StatusRejected || res.Message == "" {
		t.Fatalf("expected rejected with message, got %+v", res)
	}
	if !reflect.DeepEqual(res.Validation.MatchedReject, []string{"dog"}) {
		t.Fatalf("unexpected reject words %v", res.Validation.MatchedReject)
	}
	if h.detector.calls != 0 || h.engine.inferCalls != 0 || len(h.reports.reports) != 0 {
		t.Fatalf("rejected run must not detect, infer or write (%d, %d, %d)",
			h.detector.calls, h.engine.inferCalls, len(h.reports.reports))
	}
}

func TestAnalyzeValidationFailsOpenWhenCaptionerDown(t *testing.T) {
	h := newHarness(t, fakeCaptioner{err: errors.New("model not loaded")}, modelDetection("scurvy", 0.7))

	res, err := h.orch.Analyze(context.Background(), imageRequest(true, true))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Status != StatusSuccess || res.Validation == nil || !res.Validation.Fallback {
		t.Fatalf("expected success with validation fallback flag: %+v", res)
	}
}

func TestAnalyzeValidationFailsOpenOnCaptionServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"valid":false,"caption":null,"reason":"CUDA out of memory"}`))
	}))
	defer srv.Close()
	svc := ai.NewHTTPService(ai.HTTPConfig{BaseURL: srv.URL, Timeout: time.Second})

	h := newHarness(t, svc, modelDetection("scurvy", 0.7))
	res, err := h.orch.Analyze(context.Background(), imageRequest(true, true))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Status != StatusSuccess || res.Validation == nil || !res.Validation.Fallback {
		t.Fatalf("caption service failure must fail open, got %+v", res)
	}
}

func TestAnalyzeSkipValidation(t *testing.T) {
	h := newHarness(t, fakeCaptioner{caption: "a red car"}, modelDetection("scurvy", 0.7))

	res, err := h.orch.Analyze(context.Background(), imageRequest(false, true))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Status != StatusSuccess || res.Validation != nil {
		t.Fatalf("validation should be skipped: %+v", res)
	}
}

func TestAnalyzeEmptyLabelIsError(t *testing.T) {
	for _, label := range []string{"", "  ", "unknown", "Unknown"} {
		h := newHarness(t, nil, modelDetection(label, 0.9))

		res, err := h.orch.Analyze(context.Background(), imageRequest(false, true))
		if !errors.Is(err, ErrPipeline) || !errors.Is(err, ErrEmptyLabel) {
			t.Fatalf("label %q: expected ErrPipeline+ErrEmptyLabel, got %v", label, err)
		}
		var se *StageError
		if !errors.As(err, &se) || se.Stage != StageDetect {
			t.Fatalf("label %q: expected detect stage error, got %v", label, err)
		}
		if res.Status != StatusError || res.Message == "" {
			t.Fatalf("label %q: unexpected result %+v", label, res)
		}
		if h.engine.inferCalls != 0 || len(h.reports.reports) != 0 {
			t.Fatalf("label %q: infer must not run and nothing may be stored", label)
		}
	}
}

func TestAnalyzeLowConfidence(t *testing.T) {
	h := newHarness(t, nil, modelDetection("dermatitis", 0.3))

	res, err := h.orch.Analyze(context.Background(), imageRequest(false, true))
	if err != nil {
		t.Fatalf("low confidence is not an error: %v", err)
	}
	if res.Status != StatusLowConfidence || res.Confidence != 0.3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if h.engine.inferCalls != 0 || len(h.reports.reports) != 0 {
		t.Fatal("low confidence run must not infer or write")
	}

	res, err = h.orch.Analyze(context.Background(), imageRequest(false, false))
	if err != nil || res.Status != StatusSuccess {
		t.Fatalf("threshold not enforced should succeed: %+v, %v", res, err)
	}
}

func TestAnalyzeFallbackProvenance(t *testing.T) {
	h := newHarness(t, nil, detection.Detection{
		Label:          "dermatitis",
		Confidence:     0.85,
		Source:         detection.SourceFallback,
		FallbackReason: "classifier unavailable: timeout",
	})

	res, err := h.orch.Analyze(context.Background(), imageRequest(false, true))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.DetectionSource != "fallback" || res.FallbackReason == "" {
		t.Fatalf("fallback must be visible in the result: %+v", res)
	}
	if h.reports.reports[0].DetectionSource != "fallback" {
		t.Fatal("fallback must be visible in the stored report")
	}
}

func TestAnalyzeNoEvidenceStillStores(t *testing.T) {
	h := newHarness(t, nil, modelDetection("unknown_condition", 0.9))

	res, err := h.orch.Analyze(context.Background(), imageRequest(false, true))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Status != StatusSuccess || res.ReportID == 0 {
		t.Fatalf("expected stored success, got %+v", res)
	}
	if res.Deficiencies == nil || len(res.Deficiencies) != 0 || res.Recommendations == nil || len(res.Recommendations) != 0 {
		t.Fatalf("expected empty, non-nil sequences: %+v", res)
	}
	if len(h.reports.reports) != 1 {
		t.Fatalf("expected one write, got %d", len(h.reports.reports))
	}
}

func TestAnalyzePersistenceFailure(t *testing.T) {
	h := newHarness(t, nil, modelDetection("scurvy", 0.9))
	h.reports.err = errors.New("disk full")

	res, err := h.orch.Analyze(context.Background(), imageRequest(false, true))
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if res.Status != StatusError || res.ReportID != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAnalyzeInferPanicBecomesPipelineError(t *testing.T) {
	h := newHarness(t, nil, modelDetection("scurvy", 0.9))
	h.engine.panicOn = "scurvy"

	res, err := h.orch.Analyze(context.Background(), imageRequest(false, true))
	if !errors.Is(err, ErrPipeline) {
		t.Fatalf("expected ErrPipeline, got %v", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageInfer {
		t.Fatalf("expected infer stage error, got %v", err)
	}
	if res.Status != StatusError || len(h.reports.reports) != 0 {
		t.Fatalf("no report may be stored: %+v", res)
	}
}

func TestAnalyzeRuleSkipsDetectionAndThreshold(t *testing.T) {
	h := newHarness(t, nil, modelDetection("acne", 0.9))

	res, err := h.orch.AnalyzeRule(context.Background(), RuleRequest{PatientID: "PAVIT-00002", Disease: "Scurvy", Confidence: 0.1})
	if err != nil {
		t.Fatalf("AnalyzeRule: %v", err)
	}
	if res.Status != StatusSuccess || res.DetectionSource != "rule" {
		t.Fatalf("unexpected result %+v", res)
	}
	if h.detector.calls != 0 {
		t.Fatal("rule analysis must not call the detector")
	}
	stored := h.reports.reports[0]
	if stored.ImagePath != "" || stored.DetectedDisease != "Scurvy" || stored.ConfidenceScore != 0.1 {
		t.Fatalf("unexpected stored report %+v", stored)
	}
}

func TestAnalyzeRuleRejectsBadInput(t *testing.T) {
	h := newHarness(t, nil, detection.Detection{})

	tests := []RuleRequest{
		{PatientID: "", Disease: "scurvy", Confidence: 0.5},
		{PatientID: "PAVIT-00001", Disease: " ", Confidence: 0.5},
		{PatientID: "PAVIT-00001", Disease: "scurvy", Confidence: 1.5},
	}
	for _, req := range tests {
		res, err := h.orch.AnalyzeRule(context.Background(), req)
		if !errors.Is(err, ErrInvalidRequest) || res.Status != StatusError {
			t.Fatalf("request %+v: expected invalid request, got %v", req, err)
		}
	}
	if len(h.reports.reports) != 0 || h.engine.inferCalls != 0 {
		t.Fatal("invalid requests must not infer or write")
	}
}

func TestObserverSeesStagesInOrder(t *testing.T) {
	h := newHarness(t, fakeCaptioner{caption: "skin"}, modelDetection("scurvy", 0.9))

	var seen []string
	req := imageRequest(true, true)
	req.Observer = func(e Event) {
		if e.AnalysisID == "" {
			t.Errorf("event without analysis id: %+v", e)
		}
		seen = append(seen, string(e.Stage)+":"+e.State)
	}

	if _, err := h.orch.Analyze(context.Background(), req); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	want := []string{
		"validate:started", "validate:completed",
		"detect:started", "detect:completed",
		"infer:started", "infer:completed",
		"recommend:started", "recommend:completed",
		"store:started", "store:completed",
		":done",
	}
	if !reflect.DeepEqual(seen, want) {
		t.Fatalf("events = %v\nwant %v", seen, want)
	}
}

func TestAnalyzeHonoursCancelledContext(t *testing.T) {
	h := newHarness(t, nil, modelDetection("scurvy", 0.9))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.orch.Analyze(ctx, imageRequest(false, true))
	if err == nil || res.Status != StatusError {
		t.Fatalf("expected error for cancelled context, got %+v", res)
	}
	if len(h.reports.reports) != 0 {
		t.Fatal("cancelled run must not write")
	}
}
