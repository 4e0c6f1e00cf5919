package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"brainmap/internal/validate"
)

// Store wraps SQLite-backed persistence for jobs and run provenance.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS extraction_runs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT,
            stat_path TEXT,
            index_path TEXT,
            q REAL,
            cutoff REAL,
            min_cluster_size INTEGER,
            cluster_count INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS density_records (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT,
            sample_id TEXT NOT NULL,
            cluster INTEGER NOT NULL,
            voxel_count INTEGER,
            volume_mm3 REAL,
            count REAL,
            density REAL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS sample_warnings (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT,
            sample_id TEXT NOT NULL,
            reason TEXT NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_density_records_sample ON density_records(sample_id);`,
		`CREATE INDEX IF NOT EXISTS idx_density_records_job ON density_records(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_sample_warnings_job ON sample_warnings(job_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// ExtractionRunRecord captures the thresholding provenance of one
// cluster index.
type ExtractionRunRecord struct {
	JobID          string
	StatPath       string
	IndexPath      string
	Q              float64
	Cutoff         float64
	MinClusterSize int
	ClusterCount   int
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO pipeline_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE pipeline_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE pipeline_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM pipeline_jobs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordExtractionRun persists the provenance of one extraction.
func (s *Store) RecordExtractionRun(rec ExtractionRunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO extraction_runs (job_id, stat_path, index_path, q, cutoff, min_cluster_size, cluster_count) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.JobID, rec.StatPath, rec.IndexPath, rec.Q, rec.Cutoff, rec.MinClusterSize, rec.ClusterCount)
	return err
}

// RecentExtractionRuns returns the latest extraction runs up to limit.
func (s *Store) RecentExtractionRuns(limit int) ([]ExtractionRunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT job_id, stat_path, index_path, q, cutoff, min_cluster_size, cluster_count FROM extraction_runs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ExtractionRunRecord
	for rows.Next() {
		var rec ExtractionRunRecord
		if err := rows.Scan(&rec.JobID, &rec.StatPath, &rec.IndexPath, &rec.Q, &rec.Cutoff, &rec.MinClusterSize, &rec.ClusterCount); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// RecordDensities stores validated densities for a job.
func (s *Store) RecordDensities(jobID string, records []validate.DensityRecord) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO density_records (job_id, sample_id, cluster, voxel_count, volume_mm3, count, density) VALUES (?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, r := range records {
		if _, err := stmt.Exec(jobID, r.SampleID, r.Cluster, r.VoxelCount, r.VolumeMM3, r.Count, r.Density); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// RecordSampleWarning stores a skipped or unmapped sample.
func (s *Store) RecordSampleWarning(jobID, sampleID, reason string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO sample_warnings (job_id, sample_id, reason) VALUES (?, ?, ?);`,
		jobID, sampleID, reason)
	return err
}

// SampleWarnings returns the warnings recorded for a job.
func (s *Store) SampleWarnings(jobID string) (map[string]string, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT sample_id, reason FROM sample_warnings WHERE job_id=? ORDER BY created_at;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	warnings := make(map[string]string)
	for rows.Next() {
		var sample, reason string
		if err := rows.Scan(&sample, &reason); err != nil {
			return nil, err
		}
		warnings[sample] = reason
	}
	return warnings, nil
}
