package database

import (
	"database/sql"
	"fmt"
	"time"

	"imagetrace/types"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
)

// JobRecord is the persisted snapshot of a terminal analysis job. Results
// stay inspectable after a restart; in-flight jobs are never written.
type JobRecord struct {
	ID           string
	ProjectScope string
	Status       types.JobStatus
	Progress     int
	Threshold    float64
	HashKind     types.HashKind
	Error        string
	CreatedAt    time.Time
	CompletedAt  time.Time
	Result       *types.JobResult
}

// Store persists analysis jobs in SQLite.
type Store struct {
	db *sql.DB
}

// Open initializes the job database, creating the schema if needed.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS analysis_jobs (
		id TEXT PRIMARY KEY,
		project_scope TEXT,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL,
		threshold REAL,
		hash_kind TEXT,
		error TEXT,
		created_at TEXT,
		completed_at TEXT,
		results TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_project ON analysis_jobs(project_scope);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON analysis_jobs(status);`

	if _, err = db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot create jobs schema: %v", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveJob writes a terminal job snapshot. Rewriting the same id replaces
// the previous row, which only happens if a restart replays a terminal
// transition with identical content.
func (s *Store) SaveJob(record JobRecord) error {
	var resultsJSON []byte
	if record.Result != nil {
		var err error
		resultsJSON, err = json.Marshal(record.Result)
		if err != nil {
			return fmt.Errorf("cannot encode results for job %s: %v", record.ID, err)
		}
	}

	stmt, err := s.db.Prepare(`
		INSERT OR REPLACE INTO analysis_jobs (
			id, project_scope, status, progress, threshold, hash_kind, error, created_at, completed_at, results
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("cannot prepare statement for job %s: %v", record.ID, err)
	}
	defer stmt.Close()

	_, err = stmt.Exec(
		record.ID,
		record.ProjectScope,
		string(record.Status),
		record.Progress,
		record.Threshold,
		string(record.HashKind),
		record.Error,
		record.CreatedAt.Format(time.RFC3339),
		record.CompletedAt.Format(time.RFC3339),
		string(resultsJSON),
	)
	if err != nil {
		return fmt.Errorf("cannot insert job %s: %v", record.ID, err)
	}
	return nil
}

// GetJob loads a persisted job by id. Returns types.ErrNotFound when no row
// exists.
func (s *Store) GetJob(jobID string) (*JobRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, project_scope, status, progress, threshold, hash_kind, error, created_at, completed_at, results
		FROM analysis_jobs WHERE id = ?
	`, jobID)

	var record JobRecord
	var status, hashKind, createdAt, completedAt, resultsJSON string
	err := row.Scan(&record.ID, &record.ProjectScope, &status, &record.Progress,
		&record.Threshold, &hashKind, &record.Error, &createdAt, &completedAt, &resultsJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", jobID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot load job %s: %v", jobID, err)
	}

	record.Status = types.JobStatus(status)
	record.HashKind = types.HashKind(hashKind)
	if t, parseErr := time.Parse(time.RFC3339, createdAt); parseErr == nil {
		record.CreatedAt = t
	}
	if t, parseErr := time.Parse(time.RFC3339, completedAt); parseErr == nil {
		record.CompletedAt = t
	}
	if resultsJSON != "" {
		var result types.JobResult
		if err := json.Unmarshal([]byte(resultsJSON), &result); err != nil {
			return nil, fmt.Errorf("cannot decode results for job %s: %v", jobID, err)
		}
		record.Result = &result
	}
	return &record, nil
}

// ListJobs returns the persisted jobs for a project scope, newest first.
func (s *Store) ListJobs(projectScope string) ([]JobRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, status, progress, error, created_at, completed_at
		FROM analysis_jobs WHERE project_scope = ? ORDER BY created_at DESC
	`, projectScope)
	if err != nil {
		return nil, fmt.Errorf("cannot list jobs for %s: %v", projectScope, err)
	}
	defer rows.Close()

	var records []JobRecord
	for rows.Next() {
		record := JobRecord{ProjectScope: projectScope}
		var status, createdAt, completedAt string
		if err := rows.Scan(&record.ID, &status, &record.Progress, &record.Error, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("cannot scan job row: %v", err)
		}
		record.Status = types.JobStatus(status)
		if t, parseErr := time.Parse(time.RFC3339, createdAt); parseErr == nil {
			record.CreatedAt = t
		}
		if t, parseErr := time.Parse(time.RFC3339, completedAt); parseErr == nil {
			record.CompletedAt = t
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
