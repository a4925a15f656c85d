package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"campaignflow/jobqueue"
	"campaignflow/metrics"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultErrorBackoff = 10 * time.Second
)

// Queue is the slice of the job queue the loop drives.
type Queue interface {
	ClaimNext(ctx context.Context, workerID string) (jobqueue.Job, bool, error)
	RecoverStaleJobs(ctx context.Context) (jobqueue.RecoveryReport, error)
}

// JobRunner executes one claimed job to a settled outcome.
type JobRunner interface {
	Run(ctx context.Context, job jobqueue.Job) error
}

// Worker claims queued campaigns and runs each on its own goroutine.
type Worker struct {
	id           string
	queue        Queue
	runner       JobRunner
	metrics      *metrics.Metrics
	logger       *slog.Logger
	pollInterval time.Duration
	errorBackoff time.Duration

	wg       sync.WaitGroup
	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

type Option func(*Worker)

func WithID(id string) Option {
	return func(w *Worker) {
		if id != "" {
			w.id = id
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

func WithErrorBackoff(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.errorBackoff = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func New(queue Queue, runner JobRunner, opts ...Option) *Worker {
	w := &Worker{
		id:           defaultID(),
		queue:        queue,
		runner:       runner,
		logger:       slog.Default(),
		pollInterval: DefaultPollInterval,
		errorBackoff: DefaultErrorBackoff,
		active:       make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func defaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (w *Worker) ID() string { return w.id }

// Run recovers jobs orphaned by a previous process, then claims and starts
// jobs until ctx is done. Recovery is retried until it succeeds; no job is
// claimed before then. Run waits for started jobs before returning.
func (w *Worker) Run(ctx context.Context) error {
	logger := w.logger.With("worker_id", w.id)
	logger.Info("worker starting", "poll_interval", w.pollInterval, "error_backoff", w.errorBackoff)

	recovered := false
	for ctx.Err() == nil {
		if !recovered {
			if err := w.recoverStale(ctx, logger); err != nil {
				if ctx.Err() != nil {
					break
				}
				logger.Error("recover stale jobs", "error", err, "retry_in", w.errorBackoff)
				sleep(ctx, w.errorBackoff)
				continue
			}
			recovered = true
		}

		job, ok, err := w.queue.ClaimNext(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("claim next job", "error", err)
			sleep(ctx, w.errorBackoff)
			continue
		}
		if !ok {
			sleep(ctx, w.pollInterval)
			continue
		}
		w.start(ctx, job, logger)
	}

	logger.Info("worker stopping", "active", w.Active())
	w.wg.Wait()
	logger.Info("worker stopped")
	return nil
}

func (w *Worker) recoverStale(ctx context.Context, logger *slog.Logger) error {
	report, err := w.queue.RecoverStaleJobs(ctx)
	if err != nil {
		return err
	}
	if len(report.Requeued)+len(report.Failed) > 0 {
		w.metrics.JobsRecoveredAdd(len(report.Requeued), len(report.Failed))
		logger.Warn("recovered stale jobs", "requeued", len(report.Requeued), "failed", len(report.Failed))
	}
	return nil
}

func (w *Worker) start(ctx context.Context, job jobqueue.Job, logger *slog.Logger) {
	jobCtx, cancel := context.WithCancel(ctx)
	w.track(job.CampaignID, cancel)
	w.metrics.JobClaimed()
	logger.Info("job claimed", "job_id", job.ID, "instance_id", job.CampaignID, "attempt", job.Attempts)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.untrack(job.CampaignID)
		defer cancel()
		defer w.metrics.JobFinished()
		// A panic escaping the runner is logged and counted; the job stays
		// running for stale recovery.
		defer func() {
			if rec := recover(); rec != nil {
				w.metrics.JobFailed(false)
				logger.Error("job panicked", "job_id", job.ID, "instance_id", job.CampaignID,
					"error", fmt.Sprint(rec), "stack", string(debug.Stack()))
			}
		}()
		if err := w.runner.Run(jobCtx, job); err != nil {
			logger.Error("job run", "job_id", job.ID, "instance_id", job.CampaignID, "error", err)
		}
	}()
}

// Interrupt stops the local run of a campaign, if this worker holds one.
func (w *Worker) Interrupt(campaignID string) bool {
	w.activeMu.Lock()
	cancel, ok := w.active[campaignID]
	w.activeMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active reports how many jobs this worker is running.
func (w *Worker) Active() int {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	return len(w.active)
}

func (w *Worker) track(campaignID string, cancel context.CancelFunc) {
	w.activeMu.Lock()
	w.active[campaignID] = cancel
	w.activeMu.Unlock()
}

func (w *Worker) untrack(campaignID string) {
	w.activeMu.Lock()
	delete(w.active, campaignID)
	w.activeMu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
