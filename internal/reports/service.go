package reports

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pavit-health/backend/internal/metrics"
	"github.com/pavit-health/backend/internal/storage/models"
	"github.com/pavit-health/backend/pkg/logger"
)

type Store interface {
	InsertReport(ctx context.Context, r *models.Report) (int64, error)
	ListReports(ctx context.Context, patientID string) ([]models.Report, error)
	ListReportSummaries(ctx context.Context, patientID string) ([]models.ReportSummaryRow, error)
}

type AnalyticsCache interface {
	GetAnalytics(ctx context.Context, patientID string, dst any) (bool, error)
	SetAnalytics(ctx context.Context, patientID string, v any, ttl time.Duration) error
	InvalidateAnalytics(ctx context.Context, patientID string) error
}

type Service struct {
	store Store
	cache AnalyticsCache
	ttl   time.Duration
}

// NewService creates the report service. cache may be nil.
func NewService(store Store, cache AnalyticsCache, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{store: store, cache: cache, ttl: ttl}
}

// StoreReport appends r and sets its ID.
func (s *Service) StoreReport(ctx context.Context, r *models.Report) (int64, error) {
	id, err := s.store.InsertReport(ctx, r)
	if err != nil {
		return 0, err
	}
	r.ID = id
	metrics.ReportsStored.Inc()

	if s.cache != nil {
		if err := s.cache.InvalidateAnalytics(ctx, r.PatientID); err != nil {
			logger.Warn("Failed to invalidate analytics cache",
				zap.String("patient_id", r.PatientID),
				zap.Error(err),
			)
		}
	}

	logger.Info("Report stored",
		zap.Int64("report_id", id),
		zap.String("patient_id", r.PatientID),
		zap.String("disease", r.DetectedDisease),
		zap.Int("deficiencies", len(r.Deficiencies)),
		zap.Int("recommendations", len(r.Recommendations)),
	)
	return id, nil
}

func (s *Service) ListReports(ctx context.Context, patientID string) ([]models.Report, error) {
	return s.store.ListReports(ctx, patientID)
}

func (s *Service) Analytics(ctx context.Context, patientID string) (*Summary, error) {
	if s.cache != nil {
		var cached Summary
		found, err := s.cache.GetAnalytics(ctx, patientID, &cached)
		if err != nil {
			logger.Warn("Analytics cache lookup failed", zap.Error(err))
		}
		if found {
			metrics.CacheHits.WithLabelValues("analytics").Inc()
			return &cached, nil
		}
		metrics.CacheMisses.WithLabelValues("analytics").Inc()
	}

	rows, err := s.store.ListReportSummaries(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load report history: %w", err)
	}

	summary := Summarize(rows)

	if s.cache != nil {
		if err := s.cache.SetAnalytics(ctx, patientID, summary, s.ttl); err != nil {
			logger.Warn("Failed to cache analytics", zap.Error(err))
		}
	}
	return &summary, nil
}
