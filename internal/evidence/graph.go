package evidence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	kgneo4j "github.com/pavit-health/backend/internal/kg/neo4j"
	"github.com/pavit-health/backend/pkg/logger"
)

// GraphReader is the read side of the reference graph.
type GraphReader interface {
	Associations(ctx context.Context) ([]kgneo4j.Association, error)
	Vitamins(ctx context.Context) ([]kgneo4j.VitaminNode, error)
}

// GraphWriter is the write side used to seed the graph from another source.
// ReplaceReference replaces everything previously seeded.
type GraphWriter interface {
	ReplaceReference(ctx context.Context, vitamins []kgneo4j.VitaminNode, assocs []kgneo4j.Association) error
}

type GraphSource struct {
	reader GraphReader
}

func NewGraphSource(reader GraphReader) *GraphSource {
	return &GraphSource{reader: reader}
}

func (s *GraphSource) Name() string { return "neo4j" }

func (s *GraphSource) Load(ctx context.Context) (*Tables, error) {
	assocs, err := s.reader.Associations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load associations: %w", err)
	}
	vitamins, err := s.reader.Vitamins(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load vitamins: %w", err)
	}

	rows := make([]EvidenceRow, 0, len(assocs))
	for i, a := range assocs {
		rows = append(rows, EvidenceRow{
			DiseaseName:    a.Disease,
			Vitamin:        a.Vitamin,
			Tier:           ParseTier(a.Strength),
			RawTier:        a.Strength,
			ConfidenceNote: a.Note,
			SourceType:     a.Source,
			Line:           i + 1,
		})
	}

	nutrition := make([]NutritionEntry, 0, len(vitamins))
	for _, v := range vitamins {
		// Vitamin nodes created only as association targets carry no foods.
		if len(v.Foods) == 0 && v.Notes == "" {
			continue
		}
		nutrition = append(nutrition, NutritionEntry{Vitamin: v.Name, Foods: v.Foods, Notes: v.Notes})
	}

	tables, err := NewTables("neo4j", rows, nutrition)
	if err != nil {
		return nil, err
	}

	logger.Info("Reference tables loaded from graph",
		zap.Int("evidence_rows", len(rows)),
		zap.Int("nutrition_entries", len(nutrition)),
	)
	return tables, nil
}

// SeedGraph replaces the graph contents with tables so a neo4j source can
// serve them. Rows dropped from tables since the last seed are removed.
func SeedGraph(ctx context.Context, w GraphWriter, t *Tables) error {
	entries := t.NutritionEntries()
	vitamins := make([]kgneo4j.VitaminNode, 0, len(entries))
	for _, entry := range entries {
		vitamins = append(vitamins, kgneo4j.VitaminNode{Name: entry.Vitamin, Foods: entry.Foods, Notes: entry.Notes})
	}

	rows := t.Rows()
	assocs := make([]kgneo4j.Association, 0, len(rows))
	for i, row := range rows {
		assocs = append(assocs, kgneo4j.Association{
			Disease:  row.Key,
			Vitamin:  row.Vitamin,
			Strength: row.RawTier,
			Note:     row.ConfidenceNote,
			Source:   row.SourceType,
			Position: int64(i),
		})
	}

	if err := w.ReplaceReference(ctx, vitamins, assocs); err != nil {
		return fmt.Errorf("failed to seed reference graph: %w", err)
	}

	logger.Info("Reference graph seeded",
		zap.Int("associations", len(assocs)),
		zap.Int("vitamins", len(vitamins)),
	)
	return nil
}
