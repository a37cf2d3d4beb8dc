// Package storage is the SQLite-backed system of record for map builds
// (the job ledger) and for which maps exist (the map registry), adapted
// from the teacher's image-group/job ledger schema.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for builds and the map registry.
type Store struct {
	DB *sql.DB
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
		`CREATE TABLE IF NOT EXISTS build_jobs (
            id TEXT PRIMARY KEY,
            map_name TEXT NOT NULL,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            attempt INTEGER DEFAULT 0,
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
		`CREATE TABLE IF NOT EXISTS maps (
            name TEXT PRIMARY KEY,
            directory TEXT NOT NULL,
            capture_source TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            ready BOOLEAN DEFAULT FALSE
        );`,
		`CREATE INDEX IF NOT EXISTS idx_build_jobs_map_name ON build_jobs(map_name);`,
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

// JobRecord captures one persisted build job.
type JobRecord struct {
	ID          string
	MapName     string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Attempt     int
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// MapRecord captures one registered map.
type MapRecord struct {
	Name          string
	Directory     string
	CaptureSource string
	CreatedAt     time.Time
	Ready         bool
}

// RecordJobQueued inserts a pending build job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO build_jobs (id, map_name, job_type, status, input_path, output_path, options_json, attempt) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.MapName, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON, rec.Attempt)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE build_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobRetry increments a job's attempt counter and resets it to
// queued, used by the job controller's retry-with-backoff loop.
func (s *Store) RecordJobRetry(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE build_jobs SET status='queued', attempt=attempt+1, error_message=NULL WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE build_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest build jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, map_name, job_type, status, input_path, output_path, options_json, attempt, created_at, started_at, completed_at, error_message FROM build_jobs ORDER BY created_at DESC LIMIT ?;`, limit)
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
		if err := rows.Scan(&rec.ID, &rec.MapName, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &rec.Attempt, &created, &started, &completed, &errorMsg); err != nil {
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

// JobByID fetches a single build job by ID.
func (s *Store) JobByID(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, errors.New("store not initialized")
	}
	var rec JobRecord
	var created time.Time
	var started, completed sql.NullTime
	var errorMsg sql.NullString
	err := s.DB.QueryRow(`SELECT id, map_name, job_type, status, input_path, output_path, options_json, attempt, created_at, started_at, completed_at, error_message FROM build_jobs WHERE id=?;`, id).
		Scan(&rec.ID, &rec.MapName, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &rec.Attempt, &created, &started, &completed, &errorMsg)
	if err != nil {
		return JobRecord{}, err
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
	return rec, nil
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

// RegisterMap inserts or updates a map's registry entry.
func (s *Store) RegisterMap(rec MapRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO maps (name, directory, capture_source, ready) VALUES (?, ?, ?, ?)
        ON CONFLICT(name) DO UPDATE SET directory=excluded.directory, capture_source=excluded.capture_source, ready=excluded.ready;`,
		rec.Name, rec.Directory, rec.CaptureSource, rec.Ready)
	return err
}

// MarkMapReady flips a map's ready flag once its build completes.
func (s *Store) MarkMapReady(name string, ready bool) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE maps SET ready=? WHERE name=?;`, ready, name)
	return err
}

// ListMaps returns every registered map.
func (s *Store) ListMaps() ([]MapRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT name, directory, capture_source, created_at, ready FROM maps ORDER BY created_at DESC;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []MapRecord
	for rows.Next() {
		var rec MapRecord
		var created time.Time
		if err := rows.Scan(&rec.Name, &rec.Directory, &rec.CaptureSource, &created, &rec.Ready); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		recs = append(recs, rec)
	}
	return recs, nil
}

// MapByName fetches one registered map's entry.
func (s *Store) MapByName(name string) (MapRecord, error) {
	if s == nil {
		return MapRecord{}, errors.New("store not initialized")
	}
	var rec MapRecord
	var created time.Time
	err := s.DB.QueryRow(`SELECT name, directory, capture_source, created_at, ready FROM maps WHERE name=?;`, name).
		Scan(&rec.Name, &rec.Directory, &rec.CaptureSource, &created, &rec.Ready)
	if err != nil {
		return MapRecord{}, err
	}
	rec.CreatedAt = created
	return rec, nil
}
