package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/pavit-health/backend/internal/storage/models"
	"github.com/pavit-health/backend/pkg/logger"
)

const (
	patientIDPrefix = "PAVIT-"
	timeLayout      = "2006-01-02 15:04:05"
)

var ErrNotFound = errors.New("record not found")

type Client struct {
	db  *sql.DB
	now func() time.Time
}

func NewClient(dbPath string) (*Client, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}

	// Immediate transactions take the write lock at BEGIN so the patient id
	// read-then-insert cannot interleave with another writer.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db, now: time.Now}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS patients (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT,
		date_of_birth TEXT,
		address TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		patient_id TEXT NOT NULL,
		image_path TEXT,
		detected_disease TEXT NOT NULL,
		confidence_score REAL NOT NULL,
		detection_source TEXT,
		vitamin_deficiencies TEXT NOT NULL,
		nutrition_recommendations TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (patient_id) REFERENCES patients(id)
	);
	CREATE INDEX IF NOT EXISTS idx_reports_patient ON reports(patient_id);
	CREATE INDEX IF NOT EXISTS idx_reports_created ON reports(created_at);
	`

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// CreatePatient assigns the next PAVIT-NNNNN identifier and inserts the
// patient in the same transaction.
func (c *Client) CreatePatient(ctx context.Context, p *models.Patient) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var last string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM patients
		WHERE id LIKE 'PAVIT-%'
		ORDER BY CAST(substr(id, 7) AS INTEGER) DESC, id DESC
		LIMIT 1
	`).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read last patient id: %w", err)
	}

	id := NextPatientID(last)
	createdAt := c.now().UTC()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO patients (id, name, phone, date_of_birth, address, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, p.Name, p.Phone, p.DateOfBirth, p.Address, createdAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert patient: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit patient: %w", err)
	}

	p.ID = id
	p.CreatedAt = createdAt.Truncate(time.Second)

	logger.Info("Patient created", zap.String("patient_id", id))
	return nil
}

// NextPatientID returns the identifier following last. An empty or
// unparsable last id restarts the sequence at zero.
func NextPatientID(last string) string {
	next := 0
	if len(last) > len(patientIDPrefix) {
		if n, err := strconv.Atoi(last[len(patientIDPrefix):]); err == nil && n >= 0 {
			next = n + 1
		}
	}
	return fmt.Sprintf("%s%05d", patientIDPrefix, next)
}

func (c *Client) GetPatient(ctx context.Context, id string) (*models.Patient, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, name, phone, date_of_birth, address, created_at FROM patients WHERE id = ?`, id)

	p, err := scanPatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get patient: %w", err)
	}
	return p, nil
}

func (c *Client) ListPatients(ctx context.Context) ([]models.Patient, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, name, phone, date_of_birth, address, created_at
		FROM patients
		ORDER BY id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list patients: %w", err)
	}
	defer rows.Close()

	patients := []models.Patient{}
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		patients = append(patients, *p)
	}
	return patients, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPatient(s scanner) (*models.Patient, error) {
	var p models.Patient
	var phone, dob, address sql.NullString
	var createdAt string

	if err := s.Scan(&p.ID, &p.Name, &phone, &dob, &address, &createdAt); err != nil {
		return nil, err
	}
	p.Phone = phone.String
	p.DateOfBirth = dob.String
	p.Address = address.String
	p.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &p, nil
}

// InsertReport appends a report and returns its assigned id. The report is
// never updated afterwards.
func (c *Client) InsertReport(ctx context.Context, r *models.Report) (int64, error) {
	deficiencies, err := json.Marshal(nonNilDeficiencies(r.Deficiencies))
	if err != nil {
		return 0, fmt.Errorf("failed to marshal deficiencies: %w", err)
	}
	recommendations, err := json.Marshal(nonNilRecommendations(r.Recommendations))
	if err != nil {
		return 0, fmt.Errorf("failed to marshal recommendations: %w", err)
	}

	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = c.now()
	}
	createdAt = createdAt.UTC()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO reports (patient_id, image_path, detected_disease, confidence_score, detection_source,
			vitamin_deficiencies, nutrition_recommendations, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.PatientID,
		r.ImagePath,
		r.DetectedDisease,
		r.ConfidenceScore,
		r.DetectionSource,
		string(deficiencies),
		string(recommendations),
		createdAt.Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert report: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read report id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit report: %w", err)
	}

	logger.Debug("Report inserted",
		zap.Int64("report_id", id),
		zap.String("patient_id", r.PatientID),
		zap.String("disease", r.DetectedDisease),
	)
	return id, nil
}

// ListReports returns a patient's reports, newest first.
func (c *Client) ListReports(ctx context.Context, patientID string) ([]models.Report, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, patient_id, image_path, detected_disease, confidence_score, detection_source,
			vitamin_deficiencies, nutrition_recommendations, created_at
		FROM reports
		WHERE patient_id = ?
		ORDER BY created_at DESC, id DESC
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	reports := []models.Report{}
	for rows.Next() {
		var r models.Report
		var imagePath, source sql.NullString
		var deficiencies, recommendations, createdAt string

		err := rows.Scan(&r.ID, &r.PatientID, &imagePath, &r.DetectedDisease, &r.ConfidenceScore, &source,
			&deficiencies, &recommendations, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.ImagePath = imagePath.String
		r.DetectionSource = source.String

		if err := json.Unmarshal([]byte(deficiencies), &r.Deficiencies); err != nil {
			return nil, fmt.Errorf("failed to decode deficiencies of report %d: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(recommendations), &r.Recommendations); err != nil {
			return nil, fmt.Errorf("failed to decode recommendations of report %d: %w", r.ID, err)
		}
		r.Deficiencies = nonNilDeficiencies(r.Deficiencies)
		r.Recommendations = nonNilRecommendations(r.Recommendations)
		r.CreatedAt, _ = time.Parse(timeLayout, createdAt)

		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// ListReportSummaries returns the analytics view of a patient's reports in
// creation order.
func (c *Client) ListReportSummaries(ctx context.Context, patientID string) ([]models.ReportSummaryRow, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, detected_disease, nutrition_recommendations, created_at
		FROM reports
		WHERE patient_id = ?
		ORDER BY created_at, id
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list report summaries: %w", err)
	}
	defer rows.Close()

	var out []models.ReportSummaryRow
	for rows.Next() {
		var id int64
		var row models.ReportSummaryRow
		var recommendations sql.NullString
		var createdAt sql.NullString

		if err := rows.Scan(&id, &row.DetectedDisease, &recommendations, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if recommendations.Valid && recommendations.String != "" {
			if err := json.Unmarshal([]byte(recommendations.String), &row.Recommendations); err != nil {
				logger.Warn("Skipping undecodable recommendations",
					zap.Int64("report_id", id),
					zap.Error(err),
				)
			}
		}
		row.CreatedAt = createdAt.String
		out = append(out, row)
	}
	return out, rows.Err()
}

func nonNilDeficiencies(in []models.DeficiencyEvidence) []models.DeficiencyEvidence {
	if in == nil {
		return []models.DeficiencyEvidence{}
	}
	return in
}

func nonNilRecommendations(in []models.Recommendation) []models.Recommendation {
	if in == nil {
		return []models.Recommendation{}
	}
	return in
}
