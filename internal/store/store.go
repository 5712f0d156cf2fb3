// Package store archives finished jobs in SQLite so past runs can be listed
// and their request lists reloaded.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"testscope/internal/logging"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Store is the job archive.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// JobRecord is everything archived for one job.
type JobRecord struct {
	ID         string
	Title      string
	StartedAt  time.Time
	FinishedAt time.Time
	Tests      int
	Failed     int
	// RequestList and Coverage hold the job report values as JSON.
	RequestList json.RawMessage
	Coverage    json.RawMessage
}

// JobSummary is one row of the history listing.
type JobSummary struct {
	ID         string
	Title      string
	StartedAt  time.Time
	FinishedAt time.Time
	Tests      int
	Failed     int
	Requests   int
}

// Duration is the wall time of the job.
func (j JobSummary) Duration() time.Duration {
	if j.FinishedAt.Before(j.StartedAt) {
		return 0
	}
	return j.FinishedAt.Sub(j.StartedAt)
}

// Open opens or creates the archive at path.
func Open(path string) (*Store, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == MemoryPath {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	logging.StoreDebug("Opened job archive at %s", path)
	return s, nil
}

func (s *Store) initialize() error {
	jobsTable := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		tests INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		request_count INTEGER DEFAULT 0,
		request_list TEXT DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_started ON jobs(started_at);
	`

	if _, err := s.db.Exec(jobsTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

// Path returns the database path.
func (s *Store) Path() string { return s.dbPath }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveJob archives a job, replacing any previous row with the same id.
func (s *Store) SaveJob(ctx context.Context, job JobRecord) error {
	timer := logging.StartTimer(logging.CategoryStore, "SaveJob")
	defer timer.Stop()

	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}

	requests := job.RequestList
	if len(requests) == 0 {
		requests = json.RawMessage("[]")
	}
	var list []json.RawMessage
	if err := json.Unmarshal(requests, &list); err != nil {
		return fmt.Errorf("request list for job %s is not a JSON array: %w", job.ID, err)
	}

	var coverage sql.NullString
	if len(job.Coverage) > 0 {
		coverage = sql.NullString{String: string(job.Coverage), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO jobs
		 (id, title, started_at, finished_at, tests, failed, request_count, request_list, coverage)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Title, job.StartedAt.UTC(), job.FinishedAt.UTC(),
		job.Tests, job.Failed, len(list), string(requests), coverage,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to archive job %s: %v", job.ID, err)
		return fmt.Errorf("failed to archive job %s: %w", job.ID, err)
	}

	logging.StoreDebug("Archived job %s (%d tests, %d failed, %d requests)", job.ID, job.Tests, job.Failed, len(list))
	return nil
}

// ListJobs returns the most recent jobs first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]JobSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, started_at, finished_at, tests, failed, request_count
		 FROM jobs ORDER BY started_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var results []JobSummary
	for rows.Next() {
		var j JobSummary
		if err := rows.Scan(&j.ID, &j.Title, &j.StartedAt, &j.FinishedAt, &j.Tests, &j.Failed, &j.Requests); err != nil {
			logging.StoreDebug("Skipping unreadable job row: %v", err)
			continue
		}
		results = append(results, j)
	}
	return results, rows.Err()
}

// LoadRequestList returns the archived request list of a job.
func (s *Store) LoadRequestList(ctx context.Context, jobID string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list string
	err := s.db.QueryRowContext(ctx, "SELECT request_list FROM jobs WHERE id = ?", jobID).Scan(&list)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s not found: %w", jobID, ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load request list for %s: %w", jobID, err)
	}
	return json.RawMessage(list), nil
}

// LoadCoverage returns the archived coverage list of a job, or nil when
// coverage was not generated.
func (s *Store) LoadCoverage(ctx context.Context, jobID string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var coverage sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT coverage FROM jobs WHERE id = ?", jobID).Scan(&coverage)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s not found: %w", jobID, ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load coverage for %s: %w", jobID, err)
	}
	if !coverage.Valid {
		return nil, nil
	}
	return json.RawMessage(coverage.String), nil
}
