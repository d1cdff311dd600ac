// Package store persists jobs and worker accounting rows in SQLite.
//
// Jobs keep the submitter's raw JSON body verbatim; the extracted type
// and tags are denormalized columns used for dispatch bookkeeping and
// the queue histogram. Rows are never deleted.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the persisted lifecycle state of a job.
type Status string

const (
	// StatusPending means the job is queued and eligible for dispatch.
	StatusPending Status = "pending"

	// StatusProcessing means the job has been handed to a worker.
	StatusProcessing Status = "processing"

	// StatusCompleted means the assigned worker reported success.
	StatusCompleted Status = "completed"

	// StatusFailed means the assigned worker reported failure.
	StatusFailed Status = "failed"
)

// Job is the persisted record of a submitted job.
type Job struct {
	ID        string
	Body      string // raw JSON exactly as submitted
	Type      string
	Status    Status
	Tags      []string
	CreatedAt int64 // unix milliseconds; defines FIFO order
}

// Store wraps the jobs and workers tables.
type Store struct {
	db *sql.DB
}

// New creates a Store on top of an opened, migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert writes a new job row. CreatedAt is assigned here when unset.
func (s *Store) Insert(ctx context.Context, j *Job) error {
	if j.CreatedAt == 0 {
		j.CreatedAt = time.Now().UnixMilli()
	}
	if j.Status == "" {
		j.Status = StatusPending
	}

	tags, err := encodeTags(j.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, body, job_type, status, tags, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		j.ID, j.Body, j.Type, string(j.Status), tags, j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

// ListPending returns all pending jobs, oldest first. Ties on the
// millisecond timestamp fall back to insertion order.
func (s *Store) ListPending(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, body, job_type, status, tags, created_at FROM jobs
		 WHERE status = ? ORDER BY created_at ASC, rowid ASC`,
		string(StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Get returns a single job by id. Returns sql.ErrNoRows when absent.
func (s *Store) Get(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, body, job_type, status, tags, created_at FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// MarkProcessing performs the conditional pending→processing transition.
// The returned bool reports whether this caller won the row; a false
// return means another sweep already claimed it (or the job is no longer
// pending).
func (s *Store) MarkProcessing(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE id = ? AND status = ?`,
		string(StatusProcessing), id, string(StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("mark job %s processing: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// SetStatus unconditionally updates a job's status.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE id = ?`, string(status), id); err != nil {
		return fmt.Errorf("set job %s status %s: %w", id, status, err)
	}
	return nil
}

// PendingTagCounts returns a tag → count histogram over pending jobs.
func (s *Store) PendingTagCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tags FROM jobs WHERE status = ?`, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("list pending tags: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var raw sql.NullString
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan tags: %w", err)
		}
		for _, tag := range decodeTags(raw) {
			counts[tag]++
		}
	}
	return counts, rows.Err()
}

// UpsertEarnings sets a worker's cumulative earnings and refreshes its
// last_seen timestamp, creating the row on first contact.
func (s *Store) UpsertEarnings(ctx context.Context, name string, earnings float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (name, earnings, last_seen) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET earnings = excluded.earnings, last_seen = excluded.last_seen`,
		name, earnings, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert earnings for %s: %w", name, err)
	}
	return nil
}

// TouchWorker refreshes a worker's last_seen timestamp, creating the
// row on first contact.
func (s *Store) TouchWorker(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (name, earnings, last_seen) VALUES (?, 0.0, ?)
		 ON CONFLICT(name) DO UPDATE SET last_seen = excluded.last_seen`,
		name, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("touch worker %s: %w", name, err)
	}
	return nil
}

// WorkerEarnings returns a worker's recorded earnings, or 0 when the
// worker has never reported.
func (s *Store) WorkerEarnings(ctx context.Context, name string) (float64, error) {
	var earnings float64
	err := s.db.QueryRowContext(ctx,
		`SELECT earnings FROM workers WHERE name = ?`, name).Scan(&earnings)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("worker earnings for %s: %w", name, err)
	}
	return earnings, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (Job, error) {
	var j Job
	var status string
	var tags sql.NullString
	if err := row.Scan(&j.ID, &j.Body, &j.Type, &status, &tags, &j.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Job{}, err
		}
		return Job{}, fmt.Errorf("scan job: %w", err)
	}
	j.Status = Status(status)
	j.Tags = decodeTags(tags)
	return j, nil
}

func encodeTags(tags []string) (sql.NullString, error) {
	if len(tags) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeTags(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw.String), &tags); err != nil {
		// Legacy rows may hold a bare comma-separated list.
		return nil
	}
	return tags
}
