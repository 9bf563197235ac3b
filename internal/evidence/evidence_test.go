package evidence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	kgneo4j "github.com/pavit-health/backend/internal/kg/neo4j"
)

const evidenceCSV = `disease_name,vitamin,association_strength,confidence_note,source_type
Dermatitis,Vitamin E,medium,observational,study
dermatitis,Vitamin A,high,clinical consensus,review
Scurvy,Vitamin C,high,classic deficiency,textbook
Night Blindness,Vitamin A,HIGH,classic deficiency,textbook
pellagra,Vitamin B3,strong,unclear tier,blog
`

const nutritionCSV = `vitamin,foods,notes
Vitamin A,carrots; sweet potato ;spinach,fat soluble
Vitamin C,oranges;kiwi,
Vitamin E,almonds;sunflower seeds,
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func loadTestTables(t *testing.T) *Tables {
	t.Helper()
	dir := t.TempDir()
	src := NewCSVSource(
		writeFile(t, dir, "evidence.csv", evidenceCSV),
		writeFile(t, dir, "nutrition.csv", nutritionCSV),
	)
	tables, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return tables
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Dermatitis", "dermatitis"},
		{"  Night Blindness ", "night_blindness"},
		{"night_blindness", "night_blindness"},
		{"NIGHT\tBLINDNESS", "night_blindness"},
		{"Ｄｅｒｍａｔｉｔｉｓ", "dermatitis"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if again := Normalize(Normalize(tt.in)); again != Normalize(tt.in) {
			t.Fatalf("Normalize not idempotent for %q", tt.in)
		}
	}
}

func TestParseTierScores(t *testing.T) {
	tests := []struct {
		raw   string
		tier  Tier
		score float64
	}{
		{"high", TierHigh, 0.9},
		{" Medium ", TierMedium, 0.7},
		{"LOW", TierLow, 0.5},
		{"strong", TierUnknown, 0.5},
		{"", TierUnknown, 0.5},
	}
	for _, tt := range tests {
		tier := ParseTier(tt.raw)
		if tier != tt.tier || tier.Score() != tt.score {
			t.Fatalf("ParseTier(%q) = %s/%v, want %s/%v", tt.raw, tier, tier.Score(), tt.tier, tt.score)
		}
	}
}

func TestCSVSourceIndexesByNormalizedDisease(t *testing.T) {
	tables := loadTestTables(t)

	rows := tables.Evidence("dermatitis")
	if len(rows) != 2 {
		t.Fatalf("expected 2 dermatitis rows, got %d", len(rows))
	}
	if rows[0].Vitamin != "Vitamin E" || rows[1].Vitamin != "Vitamin A" {
		t.Fatalf("file order not preserved: %+v", rows)
	}
	if rows[1].Line != 3 {
		t.Fatalf("expected line 3, got %d", rows[1].Line)
	}

	if got := tables.Evidence("night_blindness"); len(got) != 1 || got[0].Tier != TierHigh {
		t.Fatalf("unexpected night_blindness rows: %+v", got)
	}
	if got := tables.Evidence("pellagra"); len(got) != 1 || got[0].Tier != TierUnknown || got[0].RawTier != "strong" {
		t.Fatalf("unknown tier should load leniently: %+v", got)
	}

	entry, ok := tables.Nutrition("Vitamin A")
	if !ok {
		t.Fatal("expected Vitamin A nutrition entry")
	}
	if strings.Join(entry.Foods, "|") != "carrots|sweet potato|spinach" {
		t.Fatalf("unexpected foods: %q", entry.Foods)
	}

	stats := tables.Stats()
	if stats.Diseases != 4 || stats.EvidenceRows != 5 || stats.NutritionEntries != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCSVLoadFailsFast(t *testing.T) {
	tests := []struct {
		name      string
		evidence  string
		nutrition string
		wantLine  int
	}{
		{
			name:      "missing column",
			evidence:  "disease_name,vitamin,confidence_note,source_type\nacne,Vitamin A,x,y\n",
			nutrition: nutritionCSV,
			wantLine:  1,
		},
		{
			name:      "missing vitamin",
			evidence:  "disease_name,vitamin,association_strength,confidence_note,source_type\nacne,,high,x,y\n",
			nutrition: nutritionCSV,
			wantLine:  2,
		},
		{
			name:      "wrong field count",
			evidence:  "disease_name,vitamin,association_strength,confidence_note,source_type\nacne,Vitamin A,high\n",
			nutrition: nutritionCSV,
			wantLine:  2,
		},
		{
			name:      "exact duplicate row",
			evidence:  "disease_name,vitamin,association_strength,confidence_note,source_type\nacne,Vitamin A,high,x,y\nAcne,Vitamin A,high,x,y\n",
			nutrition: nutritionCSV,
			wantLine:  3,
		},
		{
			name:      "duplicate nutrition key",
			evidence:  evidenceCSV,
			nutrition: "vitamin,foods,notes\nVitamin A,carrots,\nVitamin A,liver,\n",
			wantLine:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			src := NewCSVSource(
				writeFile(t, dir, "evidence.csv", tt.evidence),
				writeFile(t, dir, "nutrition.csv", tt.nutrition),
			)
			_, err := src.Load(context.Background())
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
			var lerr *LoadError
			if !errors.As(err, &lerr) || lerr.Line != tt.wantLine {
				t.Fatalf("expected line %d, got %v", tt.wantLine, err)
			}
		})
	}
}

func TestDistinctRowsForSameVitaminAreKept(t *testing.T) {
	rows := []EvidenceRow{
		{DiseaseName: "acne", Vitamin: "Vitamin A", RawTier: "high", ConfidenceNote: "a", Line: 2},
		{DiseaseName: "acne", Vitamin: "Vitamin A", RawTier: "high", ConfidenceNote: "b", Line: 3},
	}
	tables, err := NewTables("test", rows, nil)
	if err != nil {
		t.Fatalf("NewTables: %v", err)
	}
	if got := tables.Evidence("acne"); len(got) != 2 {
		t.Fatalf("expected both rows kept, got %d", len(got))
	}
}

type staticSource struct {
	tables *Tables
	err    error
}

func (s *staticSource) Name() string { return "static" }

func (s *staticSource) Load(context.Context) (*Tables, error) { return s.tables, s.err }

func TestStoreRefreshKeepsPreviousTablesOnFailure(t *testing.T) {
	first, err := NewTables("first", []EvidenceRow{{DiseaseName: "acne", Vitamin: "Vitamin A", RawTier: "high"}}, nil)
	if err != nil {
		t.Fatalf("NewTables: %v", err)
	}
	src := &staticSource{tables: first}

	store, err := NewStore(context.Background(), src)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	src.tables, src.err = nil, &LoadError{File: "broken", Line: 4, Reason: "missing vitamin"}
	if _, err := store.Refresh(context.Background()); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	if store.Tables() != first {
		t.Fatal("previous tables should stay active after failed refresh")
	}
}

func TestNewStoreFailsOnBadInitialLoad(t *testing.T) {
	_, err := NewStore(context.Background(), &staticSource{err: errors.New("boom")})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestStaticStoreRefresh(t *testing.T) {
	store := NewStaticStore(nil)
	if _, err := store.Refresh(context.Background()); !errors.Is(err, ErrNoSource) {
		t.Fatalf("expected ErrNoSource, got %v", err)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	evidencePath := writeFile(t, dir, "evidence.csv", evidenceCSV)
	nutritionPath := writeFile(t, dir, "nutrition.csv", nutritionCSV)

	store, err := NewStore(context.Background(), NewCSVSource(evidencePath, nutritionPath))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx, evidencePath, nutritionPath) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "evidence.csv", evidenceCSV+"rickets,Vitamin D,high,classic,textbook\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(store.Tables().Evidence("rickets")) == 1 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("store was not refreshed after file write")
}

type fakeGraph struct {
	assocs   []kgneo4j.Association
	vitamins []kgneo4j.VitaminNode
}

func (g *fakeGraph) Associations(context.Context) ([]kgneo4j.Association, error) { return g.assocs, nil }

func (g *fakeGraph) Vitamins(context.Context) ([]kgneo4j.VitaminNode, error) { return g.vitamins, nil }

func (g *fakeGraph) ReplaceReference(_ context.Context, vitamins []kgneo4j.VitaminNode, assocs []kgneo4j.Association) error {
	g.vitamins = vitamins
	g.assocs = assocs
	return nil
}

func TestSeedGraphThenLoadMatchesCSV(t *testing.T) {
	tables := loadTestTables(t)
	graph := &fakeGraph{}

	if err := SeedGraph(context.Background(), graph, tables); err != nil {
		t.Fatalf("SeedGraph: %v", err)
	}
	// A bare vitamin node without foods is ignored.
	graph.vitamins = append(graph.vitamins, kgneo4j.VitaminNode{Name: "Vitamin B3"})

	loaded, err := NewGraphSource(graph).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	rows := loaded.Evidence("dermatitis")
	if len(rows) != 2 || rows[0].Vitamin != "Vitamin E" || rows[1].Tier != TierHigh {
		t.Fatalf("unexpected graph rows: %+v", rows)
	}
	if loaded.Stats().NutritionEntries != 3 {
		t.Fatalf("expected 3 nutrition entries, got %d", loaded.Stats().NutritionEntries)
	}
}

func TestSeedGraphTwiceKeepsOnlyLatestRows(t *testing.T) {
	graph := &fakeGraph{}
	if err := SeedGraph(context.Background(), graph, loadTestTables(t)); err != nil {
		t.Fatalf("first SeedGraph: %v", err)
	}

	dir := t.TempDir()
	smaller, err := NewCSVSource(
		writeFile(t, dir, "evidence.csv", "disease_name,vitamin,association_strength,confidence_note,source_type\nscurvy,Vitamin C,high,Classic,clinical\n"),
		writeFile(t, dir, "nutrition.csv", "vitamin,foods,notes\nVitamin C,oranges,Water soluble\n"),
	).Load(context.Background())
	if err != nil {
		t.Fatalf("Load smaller tables: %v", err)
	}
	if err := SeedGraph(context.Background(), graph, smaller); err != nil {
		t.Fatalf("second SeedGraph: %v", err)
	}

	loaded, err := NewGraphSource(graph).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rows := loaded.Evidence("dermatitis"); len(rows) != 0 {
		t.Fatalf("rows removed from the csv survived: %+v", rows)
	}
	if rows := loaded.Evidence("scurvy"); len(rows) != 1 || rows[0].Vitamin != "Vitamin C" {
		t.Fatalf("unexpected scurvy rows: %+v", rows)
	}
	if st := loaded.Stats(); st.EvidenceRows != 1 || st.NutritionEntries != 1 {
		t.Fatalf("unexpected stats after re-seed: %+v", st)
	}
}
