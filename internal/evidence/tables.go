package evidence

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// ErrMalformed is wrapped by every LoadError.
var ErrMalformed = errors.New("malformed reference data")

// LoadError reports the first bad row of a reference table.
type LoadError struct {
	File   string
	Line   int
	Reason string
}

func (e *LoadError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Reason)
}

func (e *LoadError) Unwrap() error { return ErrMalformed }

type Tier int

const (
	TierUnknown Tier = iota
	TierLow
	TierMedium
	TierHigh
)

func ParseTier(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return TierHigh
	case "medium":
		return TierMedium
	case "low":
		return TierLow
	default:
		return TierUnknown
	}
}

// Score maps a tier to its ranking weight. Unknown tiers rank as low.
func (t Tier) Score() float64 {
	switch t {
	case TierHigh:
		return 0.9
	case TierMedium:
		return 0.7
	default:
		return 0.5
	}
}

func (t Tier) String() string {
	switch t {
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	case TierLow:
		return "low"
	default:
		return "unknown"
	}
}

type EvidenceRow struct {
	DiseaseName    string
	Key            string
	Vitamin        string
	Tier           Tier
	RawTier        string
	ConfidenceNote string
	SourceType     string
	Line           int
}

type NutritionEntry struct {
	Vitamin string
	Foods   []string
	Notes   string
}

type Stats struct {
	Source           string    `json:"source"`
	Diseases         int       `json:"diseases"`
	EvidenceRows     int       `json:"evidence_rows"`
	NutritionEntries int       `json:"nutrition_entries"`
	LoadedAt         time.Time `json:"loaded_at"`
}

// Tables is an immutable, indexed snapshot of the reference data. It is
// shared by reference between requests and must not be modified after
// NewTables returns.
type Tables struct {
	rows      []EvidenceRow
	byDisease map[string][]EvidenceRow
	vitamins  []string
	nutrition map[string]NutritionEntry
	stats     Stats
}

// Provider hands out the current tables.
type Provider interface {
	Tables() *Tables
}

// Normalize turns a disease name into its lookup key.
func Normalize(name string) string {
	s := norm.NFKC.String(name)
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, s)
}

// NewTables indexes rows by normalized disease key, keeping file order within
// each disease. Rows missing a disease or vitamin, exact duplicate evidence
// rows, and repeated nutrition keys are rejected.
func NewTables(source string, rows []EvidenceRow, nutrition []NutritionEntry) (*Tables, error) {
	t := &Tables{
		byDisease: make(map[string][]EvidenceRow),
		nutrition: make(map[string]NutritionEntry, len(nutrition)),
	}

	type rowKey struct {
		key, vitamin, tier, note, source string
	}
	seen := make(map[rowKey]int, len(rows))

	for _, row := range rows {
		row.DiseaseName = strings.TrimSpace(row.DiseaseName)
		row.Vitamin = strings.TrimSpace(row.Vitamin)
		if row.DiseaseName == "" {
			return nil, &LoadError{File: source, Line: row.Line, Reason: "missing disease_name"}
		}
		if row.Vitamin == "" {
			return nil, &LoadError{File: source, Line: row.Line, Reason: "missing vitamin"}
		}
		row.Key = Normalize(row.DiseaseName)
		if row.Tier == TierUnknown {
			row.Tier = ParseTier(row.RawTier)
		}

		k := rowKey{row.Key, row.Vitamin, strings.ToLower(strings.TrimSpace(row.RawTier)), row.ConfidenceNote, row.SourceType}
		if first, dup := seen[k]; dup {
			return nil, &LoadError{
				File:   source,
				Line:   row.Line,
				Reason: fmt.Sprintf("duplicate evidence row for %s/%s (first seen at line %d)", row.Key, row.Vitamin, first),
			}
		}
		seen[k] = row.Line

		t.rows = append(t.rows, row)
		t.byDisease[row.Key] = append(t.byDisease[row.Key], row)
	}

	for i, entry := range nutrition {
		entry.Vitamin = strings.TrimSpace(entry.Vitamin)
		if entry.Vitamin == "" {
			return nil, &LoadError{File: source, Line: i + 1, Reason: "nutrition entry without vitamin"}
		}
		if _, dup := t.nutrition[entry.Vitamin]; dup {
			return nil, &LoadError{File: source, Reason: fmt.Sprintf("duplicate nutrition entry for %s", entry.Vitamin)}
		}
		if entry.Foods == nil {
			entry.Foods = []string{}
		}
		t.vitamins = append(t.vitamins, entry.Vitamin)
		t.nutrition[entry.Vitamin] = entry
	}

	t.stats = Stats{
		Source:           source,
		Diseases:         len(t.byDisease),
		EvidenceRows:     len(rows),
		NutritionEntries: len(t.nutrition),
		LoadedAt:         time.Now().UTC(),
	}
	return t, nil
}

// Evidence returns the rows for an already normalized disease key in load
// order. The returned slice is shared and read-only.
func (t *Tables) Evidence(key string) []EvidenceRow {
	if t == nil {
		return nil
	}
	return t.byDisease[key]
}

func (t *Tables) Nutrition(vitamin string) (NutritionEntry, bool) {
	if t == nil {
		return NutritionEntry{}, false
	}
	entry, ok := t.nutrition[vitamin]
	return entry, ok
}

// Rows returns every evidence row in load order. Read-only.
func (t *Tables) Rows() []EvidenceRow {
	if t == nil {
		return nil
	}
	return t.rows
}

// NutritionEntries returns the nutrition table in load order.
func (t *Tables) NutritionEntries() []NutritionEntry {
	if t == nil {
		return nil
	}
	out := make([]NutritionEntry, 0, len(t.vitamins))
	for _, v := range t.vitamins {
		out = append(out, t.nutrition[v])
	}
	return out
}

func (t *Tables) Stats() Stats {
	if t == nil {
		return Stats{}
	}
	return t.stats
}
