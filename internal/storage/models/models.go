package models

import "time"

type Patient struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Phone       string    `json:"phone"`
	DateOfBirth string    `json:"date_of_birth"`
	Address     string    `json:"address"`
	CreatedAt   time.Time `json:"created_at"`
}

// DeficiencyEvidence is one ranked vitamin association produced by inference.
type DeficiencyEvidence struct {
	Vitamin        string  `json:"vitamin"`
	StrengthScore  float64 `json:"strength_score"`
	ConfidenceNote string  `json:"confidence_note"`
	SourceType     string  `json:"source_type"`
}

// Recommendation joins a DeficiencyEvidence with its nutrition entry.
type Recommendation struct {
	Vitamin        string   `json:"vitamin"`
	Foods          []string `json:"foods"`
	Notes          string   `json:"notes"`
	StrengthScore  float64  `json:"strength_score"`
	ConfidenceNote string   `json:"confidence_note"`
	SourceType     string   `json:"source_type"`
}

// Report is the immutable record of one pipeline run.
type Report struct {
	ID              int64                `json:"id"`
	PatientID       string               `json:"patient_id"`
	ImagePath       string               `json:"image_path"`
	DetectedDisease string               `json:"detected_disease"`
	ConfidenceScore float64              `json:"confidence_score"`
	DetectionSource string               `json:"detection_source"`
	Deficiencies    []DeficiencyEvidence `json:"deficiencies"`
	Recommendations []Recommendation     `json:"recommendations"`
	CreatedAt       time.Time            `json:"created_at"`
}

// ReportSummaryRow is the slice of a report the analytics fold reads.
// CreatedAt is kept as the raw stored text so that unparsable values can be
// skipped by the aggregator instead of failing the scan.
type ReportSummaryRow struct {
	DetectedDisease string
	Recommendations []Recommendation
	CreatedAt       string
}
