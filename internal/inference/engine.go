package inference

import (
	"sort"

	"go.uber.org/zap"

	"github.com/pavit-health/backend/internal/evidence"
	"github.com/pavit-health/backend/internal/metrics"
	"github.com/pavit-health/backend/internal/storage/models"
	"github.com/pavit-health/backend/pkg/logger"
)

// Engine maps a condition label to ranked deficiency evidence and joins it
// with nutrition advice. It holds no state beyond the table provider.
type Engine struct {
	provider evidence.Provider
}

func NewEngine(provider evidence.Provider) *Engine {
	return &Engine{provider: provider}
}

// Infer returns one entry per matching evidence row, sorted by strength
// descending with ties in load order. Rows naming the same vitamin twice are
// both kept.
func (e *Engine) Infer(disease string) []models.DeficiencyEvidence {
	key := evidence.Normalize(disease)
	rows := e.provider.Tables().Evidence(key)

	out := make([]models.DeficiencyEvidence, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.DeficiencyEvidence{
			Vitamin:        row.Vitamin,
			StrengthScore:  row.Tier.Score(),
			ConfidenceNote: row.ConfidenceNote,
			SourceType:     row.SourceType,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StrengthScore > out[j].StrengthScore
	})

	metrics.EvidenceRowsReturned.Observe(float64(len(out)))
	if len(out) == 0 {
		logger.Debug("No evidence for disease", zap.String("disease", disease), zap.String("key", key))
	}
	return out
}

// Recommend joins each evidence item with its nutrition entry, keeping
// order. Items without a nutrition entry are dropped.
func (e *Engine) Recommend(items []models.DeficiencyEvidence) []models.Recommendation {
	tables := e.provider.Tables()

	out := make([]models.Recommendation, 0, len(items))
	for _, item := range items {
		entry, ok := tables.Nutrition(item.Vitamin)
		if !ok {
			metrics.MissingNutrition.WithLabelValues(item.Vitamin).Inc()
			logger.Debug("No nutrition entry for vitamin", zap.String("vitamin", item.Vitamin))
			continue
		}

		foods := make([]string, len(entry.Foods))
		copy(foods, entry.Foods)

		out = append(out, models.Recommendation{
			Vitamin:        item.Vitamin,
			Foods:          foods,
			Notes:          entry.Notes,
			StrengthScore:  item.StrengthScore,
			ConfidenceNote: item.ConfidenceNote,
			SourceType:     item.SourceType,
		})
	}
	return out
}
