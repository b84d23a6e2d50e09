// Package storage - Durable job queue operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Job errors
var (
	ErrJobNotFound = errors.New("job not found")
)

// JobStatus tracks a queued job's delivery state.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// Job is one durable work item.
type Job struct {
	ID         int64
	JobID      string // deduplication key
	Queue      string
	Payload    []byte
	RetryCount int
	RunAt      time.Time
	Status     JobStatus
	CreatedAt  time.Time
	ErrorMsg   string
}

// EnqueueJob inserts a job, deduplicating on job_id. Returns false when a
// job with the same id already exists.
func (s *Storage) EnqueueJob(jobID, queue string, payload []byte, runAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO jobs (job_id, queue, payload, created_at, run_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, jobID, queue, payload, time.Now().Unix(), runAt.Unix(), JobStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClaimDueJobs atomically marks up to limit due pending jobs as running and
// returns them. Safe against a crashed worker: RecoverRunningJobs resets
// stale claims on startup.
func (s *Storage) ClaimDueJobs(limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, job_id, queue, payload, retry_count, run_at, created_at
		FROM jobs
		WHERE status = ? AND run_at <= ?
		ORDER BY run_at
		LIMIT ?
	`, JobStatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due jobs: %w", err)
	}

	var jobs []*Job
	for rows.Next() {
		var j Job
		var runAt, createdAt int64
		if err := rows.Scan(&j.ID, &j.JobID, &j.Queue, &j.Payload, &j.RetryCount, &runAt, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		j.RunAt = time.Unix(runAt, 0)
		j.CreatedAt = time.Unix(createdAt, 0)
		j.Status = JobStatusRunning
		jobs = append(jobs, &j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, j := range jobs {
		if _, err := tx.Exec(`
			UPDATE jobs SET status = ?, last_attempt_at = ? WHERE id = ?
		`, JobStatusRunning, now, j.ID); err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claims: %w", err)
	}
	return jobs, nil
}

// MarkJobDone finalizes a successfully handled job.
func (s *Storage) MarkJobDone(id int64) error {
	return s.setJobStatus(id, JobStatusDone, "")
}

// MarkJobFailed finalizes a job that will never be retried.
func (s *Storage) MarkJobFailed(id int64, errMsg string) error {
	return s.setJobStatus(id, JobStatusFailed, errMsg)
}

func (s *Storage) setJobStatus(id int64, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, error_message = ? WHERE id = ?
	`, status, nullString(errMsg), id)
	if err != nil {
		return fmt.Errorf("failed to set job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// RescheduleJob returns a job to pending with an incremented retry count and
// a new due time.
func (s *Storage) RescheduleJob(id int64, runAt time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE jobs
		SET status = ?, retry_count = retry_count + 1, run_at = ?, error_message = ?
		WHERE id = ?
	`, JobStatusPending, runAt.Unix(), nullString(errMsg), id)
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// RecoverRunningJobs resets jobs left running by a crashed process back to
// pending. Call once on startup before dispatching.
func (s *Storage) RecoverRunningJobs() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE jobs SET status = ? WHERE status = ?
	`, JobStatusPending, JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to recover running jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetJobByJobID looks a job up by its deduplication key.
func (s *Storage) GetJobByJobID(jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var j Job
	var runAt, createdAt int64
	var errMsg sql.NullString
	err := s.db.QueryRow(`
		SELECT id, job_id, queue, payload, retry_count, run_at, status, created_at, error_message
		FROM jobs WHERE job_id = ?
	`, jobID).Scan(&j.ID, &j.JobID, &j.Queue, &j.Payload, &j.RetryCount, &runAt, &j.Status, &createdAt, &errMsg)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	j.RunAt = time.Unix(runAt, 0)
	j.CreatedAt = time.Unix(createdAt, 0)
	j.ErrorMsg = errMsg.String
	return &j, nil
}

// PurgeFinishedJobs deletes done/failed jobs older than the cutoff.
func (s *Storage) PurgeFinishedJobs(olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		DELETE FROM jobs WHERE status IN (?, ?) AND created_at < ?
	`, JobStatusDone, JobStatusFailed, olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
