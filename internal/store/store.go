package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// JobStatus represents asynchronous job state.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "completed"
	JobFailed  JobStatus = "failed"
)

// Job represents an asynchronous lifecycle task (rebuild, data update).
type Job struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Status      JobStatus              `json:"status"`
	Stage       string                 `json:"stage,omitempty"`
	Progress    int                    `json:"progress,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Attempt     int                    `json:"attempt"`
	MaxAttempts int                    `json:"maxAttempts"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// JobLogEntry is one line of a job's progress log.
type JobLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message"`
}

// HistoryEntry stores past lifecycle actions (start, stop, rebuild, ...).
type HistoryEntry struct {
	ID        string                 `json:"id"`
	Event     string                 `json:"event"`
	Target    string                 `json:"target,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status JobStatus
	Type   string
	Limit  int
}

// Store wraps the SQL database used for persistence.
type Store struct {
	db     *sql.DB
	driver string
}

// Open initializes the datastore using the supplied DSN/file path and driver
// ("sqlite" or "postgres").
func Open(dsn string, driver string) (*Store, error) {
	if driver == "" {
		driver = "sqlite"
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("datastore DSN is required")
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create datastore directory: %w", err)
		}
		conn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", dsn)
		db, err = sql.Open("sqlite", conn)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite datastore: %w", err)
		}
		// One writer at a time keeps WAL mode free of SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	case "postgres":
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres datastore: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported datastore driver: %s", driver)
	}

	s := &Store{db: db, driver: driver}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	ts := "TIMESTAMP"
	if s.driver == "postgres" {
		serial = "BIGSERIAL PRIMARY KEY"
		ts = "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			progress INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			payload TEXT,
			result TEXT,
			error TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 1,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_type ON jobs(type);`,
		`CREATE TABLE IF NOT EXISTS job_logs (
			id ` + serial + `,
			job_id TEXT NOT NULL,
			level TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL,
			created_at ` + ts + ` NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs(job_id);`,
		`CREATE TABLE IF NOT EXISTS history (
			id ` + serial + `,
			event TEXT NOT NULL,
			target TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			created_at ` + ts + ` NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema apply failed: %w", err)
		}
	}
	return nil
}

// Close shuts down the datastore.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Driver reports the backing database ("sqlite" or "postgres").
func (s *Store) Driver() string {
	return s.driver
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CreateJob inserts a new job record.
func (s *Store) CreateJob(job *Job) error {
	if job.ID == "" {
		return errors.New("job id required")
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return err
	}
	result, err := json.Marshal(job.Result)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(s.rebind(`INSERT INTO jobs (id, type, status, stage, progress, message, payload, result, error, attempt, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID, job.Type, string(job.Status), job.Stage, job.Progress, job.Message, string(payload), string(result), job.Error, job.Attempt, job.MaxAttempts, job.CreatedAt, job.UpdatedAt,
	)
	return err
}

// UpdateJob mutates an existing job.
func (s *Store) UpdateJob(job *Job) error {
	job.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return err
	}
	result, err := json.Marshal(job.Result)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(s.rebind(`UPDATE jobs SET type=?, status=?, stage=?, progress=?, message=?, payload=?, result=?, error=?, attempt=?, max_attempts=?, updated_at=? WHERE id=?`),
		job.Type, string(job.Status), job.Stage, job.Progress, job.Message, string(payload), string(result), job.Error, job.Attempt, job.MaxAttempts, job.UpdatedAt, job.ID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
	}
	return nil
}

const jobColumns = `id, type, status, stage, progress, message, payload, result, error, attempt, max_attempts, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		job     Job
		status  string
		payload sql.NullString
		result  sql.NullString
	)
	if err := row.Scan(&job.ID, &job.Type, &status, &job.Stage, &job.Progress, &job.Message, &payload, &result, &job.Error, &job.Attempt, &job.MaxAttempts, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Status = JobStatus(status)
	if payload.Valid {
		_ = json.Unmarshal([]byte(payload.String), &job.Payload)
	}
	if result.Valid {
		_ = json.Unmarshal([]byte(result.String), &job.Result)
	}
	return &job, nil
}

// GetJob loads a job by ID.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id=?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// ListJobs returns jobs matching the filter sorted from newest to oldest.
func (s *Store) ListJobs(filter JobFilter) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		where = append(where, "type=?")
		args = append(args, filter.Type)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, filter.Limit)
	}
	rows, err := s.db.Query(s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jobs := []Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// DeleteJobs removes jobs (and their logs) in the given status. An empty
// status removes every finished job; pending and running jobs are never
// removed that way.
func (s *Store) DeleteJobs(status JobStatus) (int64, error) {
	cond := "status=?"
	args := []interface{}{string(status)}
	if status == "" {
		cond = "status IN (?, ?)"
		args = []interface{}{string(JobDone), string(JobFailed)}
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck
	if _, err := tx.Exec(s.rebind(`DELETE FROM job_logs WHERE job_id IN (SELECT id FROM jobs WHERE `+cond+`)`), args...); err != nil {
		return 0, err
	}
	res, err := tx.Exec(s.rebind(`DELETE FROM jobs WHERE `+cond), args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

// AppendJobLog adds a line to a job's log.
func (s *Store) AppendJobLog(jobID string, entry JobLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Level == "" {
		entry.Level = "info"
	}
	_, err := s.db.Exec(s.rebind(`INSERT INTO job_logs (job_id, level, stage, message, created_at) VALUES (?, ?, ?, ?, ?)`),
		jobID, entry.Level, entry.Stage, entry.Message, entry.Timestamp,
	)
	return err
}

// ListJobLogs returns a job's log in insertion order. A positive limit keeps
// only the most recent lines.
func (s *Store) ListJobLogs(jobID string, limit int) ([]JobLogEntry, error) {
	query := `SELECT id, level, stage, message, created_at FROM job_logs WHERE job_id=? ORDER BY id DESC`
	if limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, limit)
	}
	rows, err := s.db.Query(s.rebind(query), jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []JobLogEntry{}
	for rows.Next() {
		var (
			id int64
			e  JobLogEntry
		)
		if err := rows.Scan(&id, &e.Level, &e.Stage, &e.Message, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// AppendHistory writes an entry to the history log.
func (s *Store) AppendHistory(entry *HistoryEntry) error {
	entry.CreatedAt = time.Now().UTC()
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return err
	}
	var id int64
	err = s.db.QueryRow(s.rebind(`INSERT INTO history (event, target, metadata, created_at) VALUES (?, ?, ?, ?) RETURNING id`),
		entry.Event, entry.Target, string(metadata), entry.CreatedAt,
	).Scan(&id)
	if err != nil {
		return err
	}
	entry.ID = strconv.FormatInt(id, 10)
	return nil
}

// ListHistory returns the newest history entries.
func (s *Store) ListHistory(limit int) ([]HistoryEntry, error) {
	query := `SELECT id, event, target, metadata, created_at FROM history ORDER BY id DESC`
	if limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, limit)
	}
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []HistoryEntry{}
	for rows.Next() {
		var e HistoryEntry
		var metadata sql.NullString
		var id int64
		if err := rows.Scan(&id, &e.Event, &e.Target, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ID = strconv.FormatInt(id, 10)
		if metadata.Valid {
			_ = json.Unmarshal([]byte(metadata.String), &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClearHistory deletes every history entry and returns how many were removed.
func (s *Store) ClearHistory() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM history`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneJobsBefore removes finished jobs last updated before the cutoff,
// together with their logs.
func (s *Store) PruneJobsBefore(before time.Time) (int64, error) {
	cond := "status IN (?, ?) AND updated_at < ?"
	args := []interface{}{string(JobDone), string(JobFailed), before.UTC()}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck
	if _, err := tx.Exec(s.rebind(`DELETE FROM job_logs WHERE job_id IN (SELECT id FROM jobs WHERE `+cond+`)`), args...); err != nil {
		return 0, err
	}
	res, err := tx.Exec(s.rebind(`DELETE FROM jobs WHERE `+cond), args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

// PruneHistoryBefore removes history entries older than the cutoff.
func (s *Store) PruneHistoryBefore(before time.Time) (int64, error) {
	res, err := s.db.Exec(s.rebind(`DELETE FROM history WHERE created_at < ?`), before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
