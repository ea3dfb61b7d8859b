package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/apelier/backend/internal/models"
)

var (
	// ErrJobNotFound is returned when a job is not found in the database.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned when a job with the same idempotency key was
	// already enqueued.
	ErrJobExists = errors.New("job already enqueued")
	// ErrJobNotCancellable is returned when the job is running or finished.
	ErrJobNotCancellable = errors.New("job cannot be cancelled")
)

const jobColumns = `
	id, job_type, idempotency_key, payload, status, priority, attempts, max_attempts,
	created_at, updated_at, scheduled_for, last_error, retry_after,
	processed_at, completed_at, worker_id`

// JobStore provides database operations for the background job queue.
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a new JobStore instance.
func NewJobStore(db *sql.DB) (*JobStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &JobStore{db: db}, nil
}

// Enqueue creates a new job in the queue. A job whose idempotency key is
// already present is not inserted and ErrJobExists is returned.
func (s *JobStore) Enqueue(ctx context.Context, job *models.Job) error {
	return insertJob(ctx, s.db, job)
}

func insertJob(ctx context.Context, q queryer, job *models.Job) error {
	if err := job.IsValid(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	query := `
		INSERT INTO jobs (job_type, idempotency_key, payload, status, priority, max_attempts, scheduled_for)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id, status, created_at, updated_at
	`

	status := models.JobStatusPending
	if job.Status != "" {
		status = job.Status
	}

	err := q.QueryRowContext(
		ctx,
		query,
		job.JobType,
		job.IdempotencyKey,
		job.Payload,
		status,
		job.Priority,
		job.MaxAttempts,
		job.ScheduledFor,
	).Scan(&job.ID, &job.Status, &job.CreatedAt, &job.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobExists
	}
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	return nil
}

// GetByID retrieves a job by its ID.
func (s *JobStore) GetByID(ctx context.Context, id int64) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job by id: %w", err)
	}
	return job, nil
}

// ClaimNextJob atomically claims the next due job for workerID. A job left
// in processing for longer than staleAfter belongs to a worker that died
// before finishing it and is claimed again. It returns nil when nothing is
// due.
func (s *JobStore) ClaimNextJob(ctx context.Context, workerID string, staleAfter time.Duration) (*models.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'processing',
		    worker_id = $1,
		    processed_at = NOW(),
		    updated_at = NOW(),
		    attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE (status = 'pending'
			       AND (scheduled_for IS NULL OR scheduled_for <= NOW())
			       AND (retry_after IS NULL OR retry_after <= NOW()))
			   OR (status = 'processing'
			       AND processed_at < NOW() - INTERVAL '1 second' * $2)
			ORDER BY
				CASE priority
					WHEN 'critical' THEN 4
					WHEN 'high' THEN 3
					WHEN 'normal' THEN 2
					WHEN 'low' THEN 1
				END DESC,
				created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	job, err := scanJob(s.db.QueryRowContext(ctx, query, workerID, staleAfter.Seconds()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

// MarkCompleted marks a job as successfully completed.
func (s *JobStore) MarkCompleted(ctx context.Context, id int64) error {
	query := `
		UPDATE jobs
		SET status = 'completed',
		    completed_at = NOW(),
		    updated_at = NOW(),
		    worker_id = NULL
		WHERE id = $1
	`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return nil
}

// MarkFailed marks a job as permanently failed.
func (s *JobStore) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	query := `
		UPDATE jobs
		SET status = 'failed',
		    last_error = $2,
		    updated_at = NOW(),
		    worker_id = NULL
		WHERE id = $1
	`
	if _, err := s.db.ExecContext(ctx, query, id, errorMsg); err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

// ScheduleRetry returns a job to pending, not to be picked up before retryAfter.
func (s *JobStore) ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error {
	query := `
		UPDATE jobs
		SET status = 'pending',
		    last_error = $2,
		    retry_after = $3,
		    updated_at = NOW(),
		    worker_id = NULL
		WHERE id = $1
	`
	if _, err := s.db.ExecContext(ctx, query, id, errorMsg, retryAfter); err != nil {
		return fmt.Errorf("schedule job retry: %w", err)
	}
	return nil
}

// CancelJob cancels a pending or failed job.
func (s *JobStore) CancelJob(ctx context.Context, id int64) error {
	query := `
		UPDATE jobs
		SET status = 'cancelled',
		    updated_at = NOW(),
		    worker_id = NULL
		WHERE id = $1 AND status IN ('pending', 'failed')
	`
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrJobNotCancellable
	}
	return nil
}

// ReleaseJob puts a processing job back to pending during shutdown. The
// attempt it consumed is given back.
func (s *JobStore) ReleaseJob(ctx context.Context, id int64) error {
	query := `
		UPDATE jobs
		SET status = 'pending',
		    worker_id = NULL,
		    attempts = GREATEST(attempts - 1, 0),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return nil
}

// GetStats returns job counts by status.
func (s *JobStore) GetStats(ctx context.Context) (*models.JobStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'processing') AS processing,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'cancelled') AS cancelled,
			COUNT(*) AS total
		FROM jobs
	`

	stats := &models.JobStats{}
	err := s.db.QueryRowContext(ctx, query).Scan(
		&stats.Pending,
		&stats.Processing,
		&stats.Completed,
		&stats.Failed,
		&stats.Cancelled,
		&stats.Total,
	)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return stats, nil
}

// ListProcessingJobs returns all jobs currently being processed.
func (s *JobStore) ListProcessingJobs(ctx context.Context) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'processing'
		ORDER BY processed_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list processing jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListPendingJobs returns pending jobs in claim order, including ones
// scheduled for later.
func (s *JobStore) ListPendingJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'pending'
		ORDER BY COALESCE(retry_after, scheduled_for, created_at) ASC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// CleanupOldJobs removes finished jobs older than the given age.
func (s *JobStore) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND updated_at < NOW() - INTERVAL '1 second' * $1
	`
	result, err := s.db.ExecContext(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup old jobs: %w", err)
	}

	affected, _ := result.RowsAffected()
	return affected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	var (
		idemKey     sql.NullString
		payloadJSON []byte
	)

	err := row.Scan(
		&job.ID,
		&job.JobType,
		&idemKey,
		&payloadJSON,
		&job.Status,
		&job.Priority,
		&job.Attempts,
		&job.MaxAttempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.ScheduledFor,
		&job.LastError,
		&job.RetryAfter,
		&job.ProcessedAt,
		&job.CompletedAt,
		&job.WorkerID,
	)
	if err != nil {
		return nil, err
	}

	job.IdempotencyKey = nullStringPtr(idemKey)
	job.Payload = models.JSONB{}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return job, nil
}

func scanJobs(rows *sql.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}
