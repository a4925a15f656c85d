package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"campaignflow/db"
)

var (
	// ErrNoStore is returned when the queue has no database behind it.
	ErrNoStore = errors.New("jobqueue: no store configured")
	// ErrNotFound is returned when no job row exists for the identifier.
	ErrNotFound = errors.New("jobqueue: job not found")
	// ErrNotRunning is returned when completing or failing a job another actor already settled.
	ErrNotRunning = errors.New("jobqueue: job not running")
	// ErrNotCancellable is returned when cancelling a job that already reached a terminal status.
	ErrNotCancellable = errors.New("jobqueue: job already finished")
)

type Repository struct {
	pool           db.Pool
	now            func() time.Time
	maxAttempts    int
	staleThreshold time.Duration
}

func NewRepository(pool db.Pool) *Repository {
	return &Repository{
		pool:        pool,
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
	}
}

// WithMaxAttempts overrides the attempt budget given to newly enqueued jobs.
func (r *Repository) WithMaxAttempts(n int) *Repository {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

// WithStaleThreshold limits startup recovery to locks older than d. Zero
// recovers every running job, which is right for a single worker process.
func (r *Repository) WithStaleThreshold(d time.Duration) *Repository {
	if d >= 0 {
		r.staleThreshold = d
	}
	return r
}

// WithClock replaces the time source.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	if now != nil {
		r.now = now
	}
	return r
}

// Enqueue upserts a queued job for the campaign, clearing lock and attempt bookkeeping.
func (r *Repository) Enqueue(ctx context.Context, campaignID string) (Job, error) {
	if r == nil || r.pool == nil {
		return Job{}, ErrNoStore
	}
	if _, err := uuid.Parse(campaignID); err != nil {
		return Job{}, fmt.Errorf("jobqueue: invalid campaign id %q", campaignID)
	}

	const query = `
INSERT INTO jobs (campaign_id, status, max_attempts, created_at, updated_at)
VALUES ($1, 'queued', $2, $3, $3)
ON CONFLICT (campaign_id) DO UPDATE
SET status = 'queued',
    locked_by = NULL,
    locked_at = NULL,
    attempts = 0,
    max_attempts = EXCLUDED.max_attempts,
    last_error = NULL,
    updated_at = EXCLUDED.updated_at
RETURNING ` + jobColumns

	job, err := scanJob(r.pool.QueryRow(ctx, query, campaignID, r.maxAttempts, r.now().UTC()))
	if err != nil {
		return Job{}, fmt.Errorf("jobqueue: enqueue: %w", err)
	}
	return job, nil
}

// ClaimNext takes the oldest queued job for workerID. The status guard on the
// update is the only serialization point: when another claimer wins the race
// the update touches no rows and ClaimNext reports no job.
func (r *Repository) ClaimNext(ctx context.Context, workerID string) (Job, bool, error) {
	if r == nil || r.pool == nil {
		return Job{}, false, ErrNoStore
	}

	var id string
	err := r.pool.QueryRow(ctx, `
SELECT id::text FROM jobs
WHERE status = 'queued'
ORDER BY created_at, id
LIMIT 1`).Scan(&id)
	if err != nil {
		if db.IsNoRows(err) {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("jobqueue: select next: %w", err)
	}

	const claim = `
UPDATE jobs
SET status = 'running',
    locked_by = $2,
    locked_at = $3,
    attempts = attempts + 1,
    updated_at = $3
WHERE id = $1 AND status = 'queued'
RETURNING ` + jobColumns

	job, err := scanJob(r.pool.QueryRow(ctx, claim, id, workerID, r.now().UTC()))
	if err != nil {
		if db.IsNoRows(err) {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("jobqueue: claim: %w", err)
	}
	return job, true, nil
}

// Complete marks a running job completed. Completing it again is a no-op.
func (r *Repository) Complete(ctx context.Context, jobID string) error {
	if r == nil || r.pool == nil {
		return ErrNoStore
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE jobs
SET status = 'completed', locked_by = NULL, locked_at = NULL, updated_at = $2
WHERE id = $1 AND status = 'running'`, jobID, r.now().UTC())
	if err != nil {
		return fmt.Errorf("jobqueue: complete: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	job, err := r.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == StatusCompleted {
		return nil
	}
	return fmt.Errorf("%w: status %s", ErrNotRunning, job.Status)
}

// Fail records the error and requeues the job while attempts remain; otherwise
// it becomes terminally failed. Attempts were already counted by ClaimNext.
func (r *Repository) Fail(ctx context.Context, jobID string, cause string) (Job, error) {
	return r.fail(ctx, jobID, cause, false)
}

// Abandon fails a running job terminally regardless of remaining attempts.
// Used for errors a retry cannot fix, such as a corrupt campaign context.
func (r *Repository) Abandon(ctx context.Context, jobID string, cause string) (Job, error) {
	return r.fail(ctx, jobID, cause, true)
}

func (r *Repository) fail(ctx context.Context, jobID string, cause string, terminal bool) (Job, error) {
	if r == nil || r.pool == nil {
		return Job{}, ErrNoStore
	}

	const query = `
UPDATE jobs
SET status = CASE WHEN NOT $4 AND attempts < max_attempts THEN 'queued' ELSE 'failed' END,
    locked_by = NULL,
    locked_at = NULL,
    last_error = $2,
    updated_at = $3
WHERE id = $1 AND status = 'running'
RETURNING ` + jobColumns

	job, err := scanJob(r.pool.QueryRow(ctx, query, jobID, truncateError(cause), r.now().UTC(), terminal))
	if err == nil {
		return job, nil
	}
	if !db.IsNoRows(err) {
		return Job{}, fmt.Errorf("jobqueue: fail: %w", err)
	}

	current, getErr := r.Get(ctx, jobID)
	if getErr != nil {
		return Job{}, getErr
	}
	return current, fmt.Errorf("%w: status %s", ErrNotRunning, current.Status)
}

// RecoverStaleJobs settles running jobs left behind by a dead process and keeps
// the owning campaign's status in step: requeued jobs put their campaign back
// to running, exhausted ones mark it failed.
func (r *Repository) RecoverStaleJobs(ctx context.Context) (RecoveryReport, error) {
	if r == nil || r.pool == nil {
		return RecoveryReport{}, ErrNoStore
	}

	now := r.now().UTC()
	cutoff := now.Add(-r.staleThreshold)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return RecoveryReport{}, fmt.Errorf("jobqueue: begin recovery: %w", err)
	}
	defer tx.Rollback(ctx)

	const recoverSQL = `
UPDATE jobs
SET status = CASE WHEN attempts < max_attempts THEN 'queued' ELSE 'failed' END,
    locked_by = NULL,
    locked_at = NULL,
    last_error = $1,
    updated_at = $2
WHERE status = 'running' AND (locked_at IS NULL OR locked_at <= $3)
RETURNING ` + jobColumns

	rows, err := tx.Query(ctx, recoverSQL, RecoveredReason, now, cutoff)
	if err != nil {
		return RecoveryReport{}, fmt.Errorf("jobqueue: recover: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return RecoveryReport{}, fmt.Errorf("jobqueue: recover: %w", err)
	}

	var report RecoveryReport
	var requeued, failed []string
	for _, j := range jobs {
		if j.Status == StatusQueued {
			report.Requeued = append(report.Requeued, j)
			requeued = append(requeued, j.CampaignID)
		} else {
			report.Failed = append(report.Failed, j)
			failed = append(failed, j.CampaignID)
		}
	}

	if len(requeued) > 0 {
		if _, err := tx.Exec(ctx, `
UPDATE campaigns SET status = 'running', updated_at = $2
WHERE id::text = ANY($1::text[]) AND cancelled_at IS NULL`, requeued, now); err != nil {
			return RecoveryReport{}, fmt.Errorf("jobqueue: reset campaign status: %w", err)
		}
	}
	if len(failed) > 0 {
		if _, err := tx.Exec(ctx, `
UPDATE campaigns SET status = 'failed', agent_state = $2, updated_at = $3
WHERE id::text = ANY($1::text[])`, failed, "error: "+RecoveredReason, now); err != nil {
			return RecoveryReport{}, fmt.Errorf("jobqueue: fail campaign status: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return RecoveryReport{}, fmt.Errorf("jobqueue: commit recovery: %w", err)
	}
	return report, nil
}

// Cancel fails the campaign's live job with reason "cancelled" and flags the
// campaign so the runner halts at its next decision point.
func (r *Repository) Cancel(ctx context.Context, campaignID string) (Job, error) {
	if r == nil || r.pool == nil {
		return Job{}, ErrNoStore
	}
	if _, err := uuid.Parse(campaignID); err != nil {
		return Job{}, ErrNotFound
	}

	now := r.now().UTC()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("jobqueue: begin cancel: %w", err)
	}
	defer tx.Rollback(ctx)

	const cancel = `
UPDATE jobs
SET status = 'failed', locked_by = NULL, locked_at = NULL, last_error = $2, updated_at = $3
WHERE campaign_id = $1 AND status IN ('queued', 'running')
RETURNING ` + jobColumns

	job, err := scanJob(tx.QueryRow(ctx, cancel, campaignID, CancelledReason, now))
	if err != nil {
		if !db.IsNoRows(err) {
			return Job{}, fmt.Errorf("jobqueue: cancel: %w", err)
		}
		current, getErr := r.GetJobForInstance(ctx, campaignID)
		if getErr != nil {
			return Job{}, getErr
		}
		return current, fmt.Errorf("%w: status %s", ErrNotCancellable, current.Status)
	}

	if _, err := tx.Exec(ctx, `
UPDATE campaigns
SET cancelled_at = $2,
    status = 'failed',
    agent_state = $3,
    context = jsonb_set(context, '{cancelled}', 'true'::jsonb),
    updated_at = $2
WHERE id = $1`, campaignID, now, CancelledReason); err != nil {
		return Job{}, fmt.Errorf("jobqueue: flag campaign cancelled: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("jobqueue: commit cancel: %w", err)
	}
	return job, nil
}

func (r *Repository) Get(ctx context.Context, jobID string) (Job, error) {
	if r == nil || r.pool == nil {
		return Job{}, ErrNoStore
	}
	if _, err := uuid.Parse(jobID); err != nil {
		return Job{}, ErrNotFound
	}
	job, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if err != nil {
		if db.IsNoRows(err) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("jobqueue: get: %w", err)
	}
	return job, nil
}

func (r *Repository) GetJobForInstance(ctx context.Context, campaignID string) (Job, error) {
	if r == nil || r.pool == nil {
		return Job{}, ErrNoStore
	}
	if _, err := uuid.Parse(campaignID); err != nil {
		return Job{}, ErrNotFound
	}
	job, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE campaign_id = $1`, campaignID))
	if err != nil {
		if db.IsNoRows(err) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("jobqueue: get for campaign: %w", err)
	}
	return job, nil
}

// List returns jobs in a status, oldest first. An empty status lists everything.
func (r *Repository) List(ctx context.Context, status Status, limit int) ([]Job, error) {
	if r == nil || r.pool == nil {
		return nil, ErrNoStore
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `
SELECT `+jobColumns+` FROM jobs
WHERE ($1 = '' OR status = $1)
ORDER BY created_at, id
LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: list: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: list: %w", err)
	}
	return jobs, nil
}

// StaleRunning lists running jobs locked longer ago than olderThan, for operators.
func (r *Repository) StaleRunning(ctx context.Context, olderThan time.Duration) ([]Job, error) {
	if r == nil || r.pool == nil {
		return nil, ErrNoStore
	}

	rows, err := r.pool.Query(ctx, `
SELECT `+jobColumns+` FROM jobs
WHERE status = 'running' AND locked_at < $1
ORDER BY locked_at, id`, r.now().UTC().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("jobqueue: stale running: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: stale running: %w", err)
	}
	return jobs, nil
}

const jobColumns = `id::text, campaign_id::text, status, COALESCE(locked_by, ''), locked_at,
attempts, max_attempts, COALESCE(last_error, ''), created_at, updated_at`

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	err := row.Scan(
		&j.ID,
		&j.CampaignID,
		&j.Status,
		&j.LockedBy,
		&j.LockedAt,
		&j.Attempts,
		&j.MaxAttempts,
		&j.LastError,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	return j, err
}

func collectJobs(rows pgx.Rows) ([]Job, error) {
	defer rows.Close()
	jobs := make([]Job, 0, 4)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}
