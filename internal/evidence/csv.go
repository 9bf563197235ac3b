package evidence

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/pavit-health/backend/pkg/logger"
)

// Source loads a complete set of reference tables.
type Source interface {
	Name() string
	Load(ctx context.Context) (*Tables, error)
}

var (
	evidenceColumns  = []string{"disease_name", "vitamin", "association_strength", "confidence_note", "source_type"}
	nutritionColumns = []string{"vitamin", "foods", "notes"}
)

type CSVSource struct {
	EvidencePath  string
	NutritionPath string
}

func NewCSVSource(evidencePath, nutritionPath string) *CSVSource {
	return &CSVSource{EvidencePath: evidencePath, NutritionPath: nutritionPath}
}

func (s *CSVSource) Name() string { return "csv" }

// Paths lists the files a watcher should follow.
func (s *CSVSource) Paths() []string {
	return []string{s.EvidencePath, s.NutritionPath}
}

func (s *CSVSource) Load(ctx context.Context) (*Tables, error) {
	rows, err := readFile(s.EvidencePath, ParseEvidenceCSV)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nutrition, err := readFile(s.NutritionPath, ParseNutritionCSV)
	if err != nil {
		return nil, err
	}

	tables, err := NewTables(s.EvidencePath, rows, nutrition)
	if err != nil {
		return nil, err
	}

	logger.Info("Reference tables loaded from CSV",
		zap.String("evidence", s.EvidencePath),
		zap.String("nutrition", s.NutritionPath),
		zap.Int("evidence_rows", len(rows)),
		zap.Int("nutrition_entries", len(nutrition)),
	)
	return tables, nil
}

func readFile[T any](path string, parse func(io.Reader, string) ([]T, error)) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open reference file: %w", err)
	}
	defer f.Close()
	return parse(f, path)
}

// ParseEvidenceCSV reads disease/vitamin association rows. Unknown strength
// tiers are kept and scored as low.
func ParseEvidenceCSV(r io.Reader, name string) ([]EvidenceRow, error) {
	var rows []EvidenceRow
	err := scanCSV(r, name, evidenceColumns, func(line int, get func(string) string) error {
		row := EvidenceRow{
			DiseaseName:    get("disease_name"),
			Vitamin:        get("vitamin"),
			RawTier:        get("association_strength"),
			ConfidenceNote: get("confidence_note"),
			SourceType:     get("source_type"),
			Line:           line,
		}
		row.Tier = ParseTier(row.RawTier)
		if row.Tier == TierUnknown {
			logger.Warn("Unknown association strength, scoring as low",
				zap.String("file", name),
				zap.Int("line", line),
				zap.String("strength", row.RawTier),
			)
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

// ParseNutritionCSV reads vitamin food lists. Foods are separated by ';'.
func ParseNutritionCSV(r io.Reader, name string) ([]NutritionEntry, error) {
	var entries []NutritionEntry
	seen := make(map[string]int)
	err := scanCSV(r, name, nutritionColumns, func(line int, get func(string) string) error {
		vitamin := get("vitamin")
		if vitamin == "" {
			return &LoadError{File: name, Line: line, Reason: "missing vitamin"}
		}
		if first, dup := seen[vitamin]; dup {
			return &LoadError{
				File:   name,
				Line:   line,
				Reason: fmt.Sprintf("duplicate nutrition entry for %s (first seen at line %d)", vitamin, first),
			}
		}
		seen[vitamin] = line
		entries = append(entries, NutritionEntry{
			Vitamin: vitamin,
			Foods:   splitFoods(get("foods")),
			Notes:   get("notes"),
		})
		return nil
	})
	return entries, err
}

func scanCSV(r io.Reader, name string, required []string, fn func(line int, get func(string) string) error) error {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return &LoadError{File: name, Line: 1, Reason: "empty file"}
	}
	if err != nil {
		return csvError(name, err)
	}

	index := make(map[string]int, len(header))
	for i, col := range header {
		col = strings.TrimPrefix(col, "\ufeff")
		index[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range required {
		if _, ok := index[col]; !ok {
			return &LoadError{File: name, Line: 1, Reason: fmt.Sprintf("missing column %q", col)}
		}
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return csvError(name, err)
		}
		line, _ := reader.FieldPos(0)
		get := func(col string) string {
			return strings.TrimSpace(record[index[col]])
		}
		if err := fn(line, get); err != nil {
			return err
		}
	}
}

func csvError(name string, err error) error {
	var perr *csv.ParseError
	if errors.As(err, &perr) {
		return &LoadError{File: name, Line: perr.Line, Reason: perr.Err.Error()}
	}
	return fmt.Errorf("failed to read %s: %w", name, err)
}

func splitFoods(s string) []string {
	foods := []string{}
	for _, f := range strings.Split(s, ";") {
		if f = strings.TrimSpace(f); f != "" {
			foods = append(foods, f)
		}
	}
	return foods
}
