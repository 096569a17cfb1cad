package cron

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store persists jobs and their execution audit trail in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the job database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			identity_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			schedule_json TEXT NOT NULL,
			session_target TEXT,
			message TEXT NOT NULL,
			delivery_json TEXT NOT NULL,
			creator TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_identity ON jobs(identity_id);
		CREATE INDEX IF NOT EXISTS idx_jobs_enabled ON jobs(enabled);

		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			scheduled_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			status TEXT NOT NULL,
			result TEXT,
			FOREIGN KEY (job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_executions_job ON executions(job_id);
		CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	`)
	return err
}

// Write creates or updates a job. The update path enforces the
// locked-field set: an existing jobId may only be rewritten by the
// owner, and jobId, creator and identity binding never change.
func (s *Store) Write(caller Creator, j *Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()

	existing, err := s.get(j.JobID)
	if errors.Is(err, ErrNotFound) {
		j.CreatedAt = now
		j.UpdatedAt = now
		return s.insert(j)
	}
	if err != nil {
		return err
	}

	if caller != CreatorOwner {
		return fmt.Errorf("%w: %s", ErrJobExists, j.JobID)
	}
	if j.Creator != existing.Creator {
		return fmt.Errorf("%w: creator", ErrLockedField)
	}
	if j.IdentityID != existing.IdentityID {
		return fmt.Errorf("%w: identity", ErrLockedField)
	}

	j.CreatedAt = existing.CreatedAt
	j.UpdatedAt = now
	return s.update(j)
}

func (s *Store) insert(j *Job) error {
	scheduleJSON, deliveryJSON, err := marshalJob(j)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO jobs (job_id, identity_id, name, description, schedule_json, session_target, message, delivery_json, creator, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.JobID, j.IdentityID, j.Name, j.Description, scheduleJSON, j.SessionTarget, j.Message,
		deliveryJSON, j.Creator, boolInt(j.Enabled),
		j.CreatedAt.Format(time.RFC3339Nano), j.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) update(j *Job) error {
	scheduleJSON, deliveryJSON, err := marshalJob(j)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		UPDATE jobs SET name = ?, description = ?, schedule_json = ?, session_target = ?, message = ?, delivery_json = ?, enabled = ?, updated_at = ?
		WHERE job_id = ?
	`, j.Name, j.Description, scheduleJSON, j.SessionTarget, j.Message, deliveryJSON,
		boolInt(j.Enabled), j.UpdatedAt.Format(time.RFC3339Nano), j.JobID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// Get retrieves a job within an identity scope.
func (s *Store) Get(identityID, jobID string) (*Job, error) {
	j, err := s.get(jobID)
	if err != nil {
		return nil, err
	}
	if j.IdentityID != identityID {
		return nil, ErrNotFound
	}
	return j, nil
}

func (s *Store) get(jobID string) (*Job, error) {
	row := s.db.QueryRow(`
		SELECT job_id, identity_id, name, description, schedule_json, session_target, message, delivery_json, creator, enabled, created_at, updated_at
		FROM jobs WHERE job_id = ?
	`, jobID)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// List returns an identity's jobs, optionally enabled-only.
func (s *Store) List(identityID string, enabledOnly bool) ([]*Job, error) {
	query := `SELECT job_id, identity_id, name, description, schedule_json, session_target, message, delivery_json, creator, enabled, created_at, updated_at
		FROM jobs WHERE identity_id = ?`
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListAll returns every job across identities. The fire loop uses
// this; it is not exposed to agent-facing callers.
func (s *Store) ListAll(enabledOnly bool) ([]*Job, error) {
	query := `SELECT job_id, identity_id, name, description, schedule_json, session_target, message, delivery_json, creator, enabled, created_at, updated_at FROM jobs`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// SetEnabled flips a job's enabled flag.
func (s *Store) SetEnabled(identityID, jobID string, enabled bool) error {
	res, err := s.db.Exec(`UPDATE jobs SET enabled = ?, updated_at = ? WHERE job_id = ? AND identity_id = ?`,
		boolInt(enabled), time.Now().UTC().Format(time.RFC3339Nano), jobID, identityID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a job and its execution history.
func (s *Store) Delete(identityID, jobID string) error {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE job_id = ? AND identity_id = ?`, jobID, identityID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = s.db.Exec(`DELETE FROM executions WHERE job_id = ?`, jobID)
	return err
}

// CreateExecution records the start of one firing.
func (s *Store) CreateExecution(e *Execution) error {
	if e.ID == "" {
		e.ID = newExecutionID()
	}
	_, err := s.db.Exec(`
		INSERT INTO executions (id, job_id, scheduled_at, started_at, completed_at, status, result)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.JobID, e.ScheduledAt.Format(time.RFC3339Nano),
		nullTime(e.StartedAt), nullTime(e.CompletedAt), e.Status, e.Result)
	return err
}

// UpdateExecution rewrites an execution's outcome fields.
func (s *Store) UpdateExecution(e *Execution) error {
	_, err := s.db.Exec(`
		UPDATE executions SET started_at = ?, completed_at = ?, status = ?, result = ? WHERE id = ?
	`, nullTime(e.StartedAt), nullTime(e.CompletedAt), e.Status, e.Result, e.ID)
	return err
}

// Executions returns a job's most recent firings, newest first.
func (s *Store) Executions(jobID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, job_id, scheduled_at, started_at, completed_at, status, result
		FROM executions WHERE job_id = ? ORDER BY scheduled_at DESC LIMIT ?
	`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		var e Execution
		var scheduledStr string
		var started, completed, result sql.NullString
		if err := rows.Scan(&e.ID, &e.JobID, &scheduledStr, &started, &completed, &e.Status, &result); err != nil {
			return nil, err
		}
		e.ScheduledAt, _ = time.Parse(time.RFC3339Nano, scheduledStr)
		e.StartedAt = parseNullTime(started)
		e.CompletedAt = parseNullTime(completed)
		e.Result = result.String
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}

func newExecutionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func marshalJob(j *Job) (string, string, error) {
	scheduleJSON, err := json.Marshal(j.Schedule)
	if err != nil {
		return "", "", fmt.Errorf("marshal schedule: %w", err)
	}
	deliveryJSON, err := json.Marshal(j.Delivery)
	if err != nil {
		return "", "", fmt.Errorf("marshal delivery: %w", err)
	}
	return string(scheduleJSON), string(deliveryJSON), nil
}

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var scheduleJSON, deliveryJSON, createdStr, updatedStr string
	var description, sessionTarget sql.NullString
	var enabled int

	err := row.Scan(&j.JobID, &j.IdentityID, &j.Name, &description, &scheduleJSON,
		&sessionTarget, &j.Message, &deliveryJSON, &j.Creator, &enabled, &createdStr, &updatedStr)
	if err != nil {
		return nil, err
	}

	j.Description = description.String
	j.SessionTarget = sessionTarget.String
	if err := json.Unmarshal([]byte(scheduleJSON), &j.Schedule); err != nil {
		return nil, fmt.Errorf("unmarshal schedule: %w", err)
	}
	if err := json.Unmarshal([]byte(deliveryJSON), &j.Delivery); err != nil {
		return nil, fmt.Errorf("unmarshal delivery: %w", err)
	}
	j.Enabled = enabled != 0
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)

	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
