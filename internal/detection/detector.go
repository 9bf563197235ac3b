package detection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pavit-health/backend/internal/metrics"
	"github.com/pavit-health/backend/pkg/circuitbreaker"
	"github.com/pavit-health/backend/pkg/logger"
	"github.com/pavit-health/backend/pkg/utils"
)

var (
	ErrCollaboratorUnavailable = errors.New("classifier unavailable")
	ErrNoClassifier            = errors.New("no classifier configured")
	ErrInvalidConfidence       = errors.New("classifier returned confidence outside [0,1]")
)

// DefaultLabels is the closed set of conditions the companion model emits.
var DefaultLabels = []string{
	"dermatitis", "eczema", "psoriasis", "acne", "rosacea", "vitiligo",
	"melanoma", "scurvy", "pellagra", "beriberi", "rickets",
}

type Classifier interface {
	Classify(ctx context.Context, image []byte) (label string, confidence float64, err error)
}

// Cache stores genuine detections keyed by image hash.
type Cache interface {
	GetDetection(ctx context.Context, imageHash string, dst any) (bool, error)
	SetDetection(ctx context.Context, imageHash string, v any, ttl time.Duration) error
}

type Source string

const (
	SourceModel    Source = "model"
	SourceFallback Source = "fallback"
)

// Detection is the outcome of the detect stage. A fallback result always
// carries Source=fallback and the reason the model was bypassed.
type Detection struct {
	Label          string  `json:"label"`
	Confidence     float64 `json:"confidence"`
	Source         Source  `json:"source"`
	Cached         bool    `json:"cached"`
	FallbackReason string  `json:"fallback_reason,omitempty"`
}

func (d Detection) IsFallback() bool { return d.Source == SourceFallback }

// FallbackPolicy picks the label used when the classifier cannot answer.
type FallbackPolicy interface {
	Pick() (label string, confidence float64)
}

type FixedFallback struct {
	Label      string
	Confidence float64
}

func (f FixedFallback) Pick() (string, float64) { return f.Label, f.Confidence }

// RandomFallback picks a label uniformly with a confidence in [0.65, 0.90]
// rounded to two places.
type RandomFallback struct {
	labels []string
	mu     sync.Mutex
	rnd    *rand.Rand
}

func NewRandomFallback(labels []string, seed int64) *RandomFallback {
	if len(labels) == 0 {
		labels = DefaultLabels
	}
	return &RandomFallback{labels: labels, rnd: rand.New(rand.NewSource(seed))}
}

func (r *RandomFallback) Pick() (string, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	label := r.labels[r.rnd.Intn(len(r.labels))]
	conf := 0.65 + r.rnd.Float64()*0.25
	return label, math.Round(conf*100) / 100
}

type Config struct {
	Timeout  time.Duration
	Fallback FallbackPolicy
	Cache    Cache
	CacheTTL time.Duration
}

type Detector struct {
	classifier Classifier
	cfg        Config
}

// NewDetector wraps classifier, which may be nil when no model is deployed.
func NewDetector(classifier Classifier, cfg Config) *Detector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Fallback == nil {
		cfg.Fallback = FixedFallback{Label: "dermatitis", Confidence: 0.85}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	return &Detector{classifier: classifier, cfg: cfg}
}

// Detect never fails: any classifier problem yields a fallback detection.
// A model answer with an empty label is returned as is so the caller can
// decide what to do with it.
func (d *Detector) Detect(ctx context.Context, image []byte) Detection {
	if d.classifier == nil {
		return d.fallback(ErrNoClassifier)
	}

	hash := utils.HashBytes(image)
	if cached, ok := d.lookup(ctx, hash); ok {
		return cached
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	label, conf, err := d.classifier.Classify(callCtx, image)
	if err != nil {
		return d.fallback(fmt.Errorf("%w: %w", ErrCollaboratorUnavailable, err))
	}
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return d.fallback(fmt.Errorf("%w: %v", ErrInvalidConfidence, conf))
	}

	det := Detection{
		Label:      strings.TrimSpace(label),
		Confidence: conf,
		Source:     SourceModel,
	}

	logger.Debug("Classifier detection",
		zap.String("label", det.Label),
		zap.Float64("confidence", det.Confidence),
	)

	if det.Label != "" && d.cfg.Cache != nil {
		if err := d.cfg.Cache.SetDetection(ctx, hash, det, d.cfg.CacheTTL); err != nil {
			logger.Warn("Failed to cache detection", zap.Error(err))
		}
	}
	return det
}

func (d *Detector) lookup(ctx context.Context, hash string) (Detection, bool) {
	if d.cfg.Cache == nil {
		return Detection{}, false
	}

	var det Detection
	found, err := d.cfg.Cache.GetDetection(ctx, hash, &det)
	if err != nil {
		logger.Warn("Detection cache lookup failed", zap.Error(err))
		metrics.CacheMisses.WithLabelValues("detection").Inc()
		return Detection{}, false
	}
	if !found || det.Source != SourceModel {
		metrics.CacheMisses.WithLabelValues("detection").Inc()
		return Detection{}, false
	}

	metrics.CacheHits.WithLabelValues("detection").Inc()
	det.Cached = true
	return det, true
}

func (d *Detector) fallback(cause error) Detection {
	label, conf := d.cfg.Fallback.Pick()
	reason := fallbackReason(cause)

	metrics.DetectionFallbacks.WithLabelValues(reason).Inc()
	logger.Warn("Classifier unavailable, using fallback detection",
		zap.String("reason", reason),
		zap.String("label", label),
		zap.Float64("confidence", conf),
		zap.Error(cause),
	)

	return Detection{
		Label:          label,
		Confidence:     conf,
		Source:         SourceFallback,
		FallbackReason: cause.Error(),
	}
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, ErrNoClassifier):
		return "no_classifier"
	case errors.Is(err, ErrInvalidConfidence):
		return "invalid_confidence"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return "circuit_open"
	default:
		return "error"
	}
}
