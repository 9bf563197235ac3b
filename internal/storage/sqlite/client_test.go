package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pavit-health/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(filepath.Join(t.TempDir(), "db", "test.db"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	if err := c.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return c
}

func createPatient(t *testing.T, c *Client, name string) string {
	t.Helper()
	p := &models.Patient{Name: name}
	if err := c.CreatePatient(context.Background(), p); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}
	return p.ID
}

func TestNextPatientID(t *testing.T) {
	tests := []struct {
		last string
		want string
	}{
		{"", "PAVIT-00000"},
		{"PAVIT-00000", "PAVIT-00001"},
		{"PAVIT-00041", "PAVIT-00042"},
		{"PAVIT-99999", "PAVIT-100000"},
		{"PAVIT-abc", "PAVIT-00000"},
	}
	for _, tt := range tests {
		if got := NextPatientID(tt.last); got != tt.want {
			t.Fatalf("NextPatientID(%q) = %q, want %q", tt.last, got, tt.want)
		}
	}
}

func TestCreatePatientAssignsSequentialIDs(t *testing.T) {
	c := newTestClient(t)

	first := createPatient(t, c, "Asha")
	second := createPatient(t, c, "Ravi")
	if first != "PAVIT-00000" || second != "PAVIT-00001" {
		t.Fatalf("unexpected ids %q, %q", first, second)
	}

	patients, err := c.ListPatients(context.Background())
	if err != nil {
		t.Fatalf("ListPatients: %v", err)
	}
	if len(patients) != 2 || patients[0].ID != second {
		t.Fatalf("expected newest id first, got %+v", patients)
	}
}

func TestCreatePatientConcurrentIDsAreUnique(t *testing.T) {
	c := newTestClient(t)

	const n = 8
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := &models.Patient{Name: "concurrent"}
			if err := c.CreatePatient(context.Background(), p); err != nil {
				t.Errorf("CreatePatient: %v", err)
				return
			}
			ids <- p.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate patient id %s", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d ids, got %d", n, len(seen))
	}
}

func TestGetPatientNotFound(t *testing.T) {
	c := newTestClient(t)
	if _, err := c.GetPatient(context.Background(), "PAVIT-12345"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertAndListReportsRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	pid := createPatient(t, c, "Asha")

	report := &models.Report{
		PatientID:       pid,
		ImagePath:       "/uploads/a.jpg",
		DetectedDisease: "dermatitis",
		ConfidenceScore: 0.82,
		DetectionSource: "model",
		Deficiencies: []models.DeficiencyEvidence{
			{Vitamin: "Vitamin A", StrengthScore: 0.9, ConfidenceNote: "clinical", SourceType: "review"},
			{Vitamin: "Vitamin E", StrengthScore: 0.7, ConfidenceNote: "observational", SourceType: "study"},
		},
		Recommendations: []models.Recommendation{
			{Vitamin: "Vitamin A", Foods: []string{"carrots", "spinach"}, Notes: "fat soluble", StrengthScore: 0.9},
		},
		CreatedAt: time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC),
	}

	id, err := c.InsertReport(ctx, report)
	if err != nil {
		t.Fatalf("InsertReport: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected positive id, got %d", id)
	}

	reports, err := c.ListReports(ctx, pid)
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected one report, got %d", len(reports))
	}
	got := reports[0]
	if got.ID != id || got.DetectedDisease != "dermatitis" || got.ConfidenceScore != 0.82 {
		t.Fatalf("unexpected report: %+v", got)
	}
	if len(got.Deficiencies) != 2 || got.Deficiencies[1].Vitamin != "Vitamin E" {
		t.Fatalf("deficiencies not preserved: %+v", got.Deficiencies)
	}
	if len(got.Recommendations) != 1 || got.Recommendations[0].Foods[1] != "spinach" {
		t.Fatalf("recommendations not preserved: %+v", got.Recommendations)
	}
	if !got.CreatedAt.Equal(report.CreatedAt) {
		t.Fatalf("created_at mismatch: %v vs %v", got.CreatedAt, report.CreatedAt)
	}
}

func TestInsertReportWithEmptyEvidence(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	pid := createPatient(t, c, "Asha")

	id, err := c.InsertReport(ctx, &models.Report{PatientID: pid, DetectedDisease: "unknown_condition", ConfidenceScore: 0.5})
	if err != nil {
		t.Fatalf("InsertReport: %v", err)
	}

	reports, err := c.ListReports(ctx, pid)
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if reports[0].ID != id || reports[0].Deficiencies == nil || len(reports[0].Deficiencies) != 0 {
		t.Fatalf("expected empty, non-nil deficiencies: %+v", reports[0])
	}
}

func TestListReportsNewestFirst(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	pid := createPatient(t, c, "Asha")

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, disease := range []string{"acne", "scurvy", "rickets"} {
		_, err := c.InsertReport(ctx, &models.Report{
			PatientID:       pid,
			DetectedDisease: disease,
			CreatedAt:       base.AddDate(0, i, 0),
		})
		if err != nil {
			t.Fatalf("InsertReport: %v", err)
		}
	}

	reports, err := c.ListReports(ctx, pid)
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if reports[0].DetectedDisease != "rickets" || reports[2].DetectedDisease != "acne" {
		t.Fatalf("unexpected order: %s, %s, %s", reports[0].DetectedDisease, reports[1].DetectedDisease, reports[2].DetectedDisease)
	}

	rows, err := c.ListReportSummaries(ctx, pid)
	if err != nil {
		t.Fatalf("ListReportSummaries: %v", err)
	}
	if len(rows) != 3 || rows[0].DetectedDisease != "acne" || rows[0].CreatedAt != "2025-01-01 00:00:00" {
		t.Fatalf("unexpected summaries: %+v", rows)
	}
}

func TestInsertReportRejectsUnknownPatient(t *testing.T) {
	c := newTestClient(t)
	_, err := c.InsertReport(context.Background(), &models.Report{PatientID: "PAVIT-00077", DetectedDisease: "acne"})
	if err == nil {
		t.Fatal("expected foreign key violation")
	}
}
