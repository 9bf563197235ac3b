package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AnalysisDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pavit_analysis_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"mode"},
	)

	AnalysisTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pavit_analysis_total",
			Help: "Total number of pipeline runs by terminal status",
		},
		[]string{"mode", "status"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pavit_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"stage"},
	)

	DetectionConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pavit_detection_confidence",
			Help:    "Confidence of detections passed to inference",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	DetectionFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pavit_detection_fallback_total",
			Help: "Total detections served by the fallback policy",
		},
		[]string{"reason"},
	)

	ValidationFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pavit_validation_fallback_total",
			Help: "Total validations accepted because the captioner was unavailable",
		},
	)

	EvidenceRowsReturned = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pavit_evidence_rows_returned",
			Help:    "Number of deficiency evidence rows per inference",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		},
	)

	MissingNutrition = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pavit_missing_nutrition_total",
			Help: "Deficiencies skipped because no nutrition entry exists",
		},
		[]string{"vitamin"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pavit_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pavit_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	ReportsStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pavit_reports_stored_total",
			Help: "Total reports persisted",
		},
	)

	ReferenceRows = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pavit_reference_rows",
			Help: "Rows in the currently loaded reference tables",
		},
		[]string{"table"},
	)

	ReferenceRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pavit_reference_refresh_total",
			Help: "Reference table reloads by result",
		},
		[]string{"status"},
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pavit_circuit_state",
			Help: "Collaborator circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(AnalysisDuration)
		prometheus.MustRegister(AnalysisTotal)
		prometheus.MustRegister(StageDuration)
		prometheus.MustRegister(DetectionConfidence)
		prometheus.MustRegister(DetectionFallbacks)
		prometheus.MustRegister(ValidationFallbacks)
		prometheus.MustRegister(EvidenceRowsReturned)
		prometheus.MustRegister(MissingNutrition)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(ReportsStored)
		prometheus.MustRegister(ReferenceRows)
		prometheus.MustRegister(ReferenceRefreshes)
		prometheus.MustRegister(CircuitState)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
