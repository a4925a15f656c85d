package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"campaignflow/approval"
	"campaignflow/campaign"
	"campaignflow/jobqueue"
	"campaignflow/metrics"
	"campaignflow/notify"
	"campaignflow/workflow"
)

// DefaultMaxSteps bounds a single run so a looping context cannot pin a worker.
const DefaultMaxSteps = 200

var (
	// ErrStepLimit is returned when a run exceeds its step budget.
	ErrStepLimit = errors.New("worker: step limit reached")

	errHalted = errors.New("worker: campaign cancelled")
)

// CampaignStore persists the workflow instance a job drives.
type CampaignStore interface {
	Get(ctx context.Context, id string) (campaign.Campaign, error)
	SaveContext(ctx context.Context, wc *workflow.Context) error
	IsCancelled(ctx context.Context, id string) (bool, error)
	SetStatus(ctx context.Context, id string, status campaign.Status, agentState string) error
	MarkFailed(ctx context.Context, id string, reason string) error
}

// JobSettler records how a claimed job ended.
type JobSettler interface {
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, cause string) (jobqueue.Job, error)
	Abandon(ctx context.Context, jobID string, cause string) (jobqueue.Job, error)
}

// Approver blocks until a human decides on a request.
type Approver interface {
	Await(ctx context.Context, req approval.Request) (approval.Decision, error)
}

// Runner drives one campaign from its persisted context to completion,
// persisting after every step so a crash resumes where it stopped.
type Runner struct {
	campaigns CampaignStore
	jobs      JobSettler
	gate      Approver
	tools     Toolset
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	maxSteps  int
	newID     func() string

	replies   notify.Notifier
	replyWait time.Duration
}

func NewRunner(campaigns CampaignStore, jobs JobSettler, gate Approver, tools Toolset) *Runner {
	return &Runner{
		campaigns: campaigns,
		jobs:      jobs,
		gate:      gate,
		tools:     tools,
		logger:    slog.Default(),
		tracer:    otel.Tracer("campaignflow/worker"),
		maxSteps:  DefaultMaxSteps,
		newID:     uuid.NewString,
	}
}

func (r *Runner) WithMetrics(m *metrics.Metrics) *Runner {
	r.metrics = m
	return r
}

func (r *Runner) WithLogger(logger *slog.Logger) *Runner {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// WithReplyWait holds a negotiation step that finds nobody has replied yet for
// up to d, waking early when a reply for the campaign is published on n.
func (r *Runner) WithReplyWait(n notify.Notifier, d time.Duration) *Runner {
	if n != nil && d > 0 {
		r.replies = n
		r.replyWait = d
	}
	return r
}

func (r *Runner) WithMaxSteps(n int) *Runner {
	if n > 0 {
		r.maxSteps = n
	}
	return r
}

// Run executes the job and settles it. A cancelled campaign is left as the
// cancel path wrote it, and a run interrupted by ctx is left running for
// stale recovery to pick up. A panic in a collaborator fails the job like any
// other step error.
func (r *Runner) Run(ctx context.Context, job jobqueue.Job) (err error) {
	ctx, span := r.tracer.Start(ctx, "campaign.run", trace.WithAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("instance_id", job.CampaignID),
		attribute.Int("attempt", job.Attempts),
	))
	defer span.End()

	logger := r.logger.With("job_id", job.ID, "instance_id", job.CampaignID)
	logger.Info("job started", "attempt", job.Attempts)

	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		cause := fmt.Errorf("worker: panic: %v", rec)
		logger.Error("job panicked", "error", cause, "stack", string(debug.Stack()))
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
		err = r.fail(ctx, job, cause, logger)
	}()

	err = r.drive(ctx, job, logger)
	switch {
	case err == nil:
		return r.complete(ctx, job, logger)
	case errors.Is(err, errHalted):
		logger.Info("job halted: campaign cancelled")
		return nil
	case ctx.Err() != nil:
		logger.Warn("job interrupted", "error", err)
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return r.fail(ctx, job, err, logger)
}

func (r *Runner) drive(ctx context.Context, job jobqueue.Job, logger *slog.Logger) error {
	c, err := r.campaigns.Get(ctx, job.CampaignID)
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			return permanent(err)
		}
		return err
	}
	wc := c.Context
	if wc == nil {
		return permanent(fmt.Errorf("worker: campaign %s has no context", job.CampaignID))
	}
	if c.CancelledAt != nil || wc.Cancelled {
		return errHalted
	}
	if !wc.State.Valid() {
		return permanent(fmt.Errorf("%w: %q", workflow.ErrUnknownState, wc.State))
	}
	if wc.CampaignID == "" {
		wc.CampaignID = c.ID
	}

	for step := 0; ; step++ {
		if step >= r.maxSteps {
			return fmt.Errorf("%w: %d steps in state %s", ErrStepLimit, r.maxSteps, wc.State)
		}
		if err := r.checkCancelled(ctx, wc.CampaignID); err != nil {
			return err
		}

		action := workflow.Reason(wc)
		switch action.Kind {
		case workflow.ActionHalt:
			return errHalted
		case workflow.ActionComplete:
			if wc.State.Terminal() {
				return nil
			}
			next, err := workflow.Update(wc, workflow.CompleteResult{})
			if err != nil {
				return permanent(err)
			}
			return r.save(ctx, next)
		}

		logger.Info("step", "state", wc.State, "action", action.Kind, "reasoning", action.Reasoning)
		next, err := r.step(ctx, wc, action, logger)
		if err != nil {
			return err
		}
		wc = next
	}
}

func (r *Runner) step(ctx context.Context, wc *workflow.Context, action workflow.Action, logger *slog.Logger) (*workflow.Context, error) {
	ctx, span := r.tracer.Start(ctx, "campaign.step", trace.WithAttributes(
		attribute.String("action", string(action.Kind)),
		attribute.String("state", string(wc.State)),
	))
	defer span.End()
	start := time.Now()
	defer func() { r.metrics.ObserveStep(string(action.Kind), time.Since(start)) }()

	if action.RequiresApproval() {
		return r.awaitApproval(ctx, wc, action, logger)
	}

	var res workflow.Result
	var err error
	if action.Kind == workflow.ActionCollectResponses && r.replies != nil {
		res, err = r.awaitReplies(ctx, wc, logger)
	} else {
		res, err = execute(ctx, r.tools, wc, action)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("worker: %s: %w", action.Kind, err)
	}
	next, err := workflow.Update(wc, res)
	if err != nil {
		return nil, permanent(err)
	}
	if err := r.save(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// awaitApproval parks the campaign at the gate state, bound to the id of the
// approval row, before blocking. A restart reads that row and applies a
// decision made while no worker was running.
func (r *Runner) awaitApproval(ctx context.Context, wc *workflow.Context, action workflow.Action, logger *slog.Logger) (*workflow.Context, error) {
	waiting, err := workflow.EnterApproval(wc, action.Approval)
	if err != nil {
		return nil, permanent(err)
	}
	if waiting.PendingApprovalID == "" {
		waiting = workflow.AttachApproval(waiting, r.newID())
	}
	if waiting != wc {
		if err := r.save(ctx, waiting); err != nil {
			return nil, err
		}
	}

	decision, err := r.gate.Await(ctx, approval.Snapshot(waiting, action.Approval, action.Reasoning))
	if err != nil {
		return nil, fmt.Errorf("worker: await %s approval: %w", action.Approval, err)
	}
	if err := r.checkCancelled(ctx, wc.CampaignID); err != nil {
		return nil, err
	}
	logger.Info("approval decided",
		"kind", decision.Kind,
		"approval_id", decision.ApprovalID,
		"granted", decision.Granted,
		"auto", decision.Auto,
	)

	next, err := workflow.Update(waiting, decision.Result())
	if err != nil {
		return nil, permanent(err)
	}
	if err := r.save(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// awaitReplies collects responses and, when creators were contacted but none
// has replied, waits out the reply window before settling.
func (r *Runner) awaitReplies(ctx context.Context, wc *workflow.Context, logger *slog.Logger) (workflow.Result, error) {
	wake, unsubscribe := r.replies.Subscribe(notify.ReplyTopic(wc.CampaignID))
	defer unsubscribe()

	res, err := r.tools.CollectResponses(ctx, wc)
	if err != nil {
		return nil, err
	}
	if res.Next != "" || len(res.Engagements) == 0 || anyResponded(res.Engagements) {
		return settleResponses(res), nil
	}

	logger.Info("waiting for creator replies", "window", r.replyWait)
	t := time.NewTimer(r.replyWait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return settleResponses(res), nil
	case <-wake:
	}

	res, err = r.tools.CollectResponses(ctx, wc)
	if err != nil {
		return nil, err
	}
	return settleResponses(res), nil
}

func (r *Runner) save(ctx context.Context, wc *workflow.Context) error {
	err := r.campaigns.SaveContext(ctx, wc)
	if errors.Is(err, campaign.ErrCancelled) {
		return errHalted
	}
	return err
}

func (r *Runner) checkCancelled(ctx context.Context, id string) error {
	cancelled, err := r.campaigns.IsCancelled(ctx, id)
	if err != nil {
		return err
	}
	if cancelled {
		return errHalted
	}
	return nil
}

func (r *Runner) complete(ctx context.Context, job jobqueue.Job, logger *slog.Logger) error {
	if err := r.jobs.Complete(ctx, job.ID); err != nil {
		if errors.Is(err, jobqueue.ErrNotRunning) {
			logger.Warn("job settled elsewhere before completion", "error", err)
			return nil
		}
		return err
	}
	if err := r.campaigns.SetStatus(ctx, job.CampaignID, campaign.StatusCompleted, string(workflow.StateCompleted)); err != nil {
		return err
	}
	r.metrics.JobCompleted()
	logger.Info("job completed")
	return nil
}

func (r *Runner) fail(ctx context.Context, job jobqueue.Job, cause error, logger *slog.Logger) error {
	settle := r.jobs.Fail
	if isPermanent(cause) {
		settle = r.jobs.Abandon
	}
	failed, err := settle(ctx, job.ID, cause.Error())
	if err != nil {
		if errors.Is(err, jobqueue.ErrNotRunning) {
			logger.Warn("job settled elsewhere before failure", "cause", cause, "error", err)
			return nil
		}
		return fmt.Errorf("worker: record failure: %w (cause: %v)", err, cause)
	}

	terminal := failed.Status == jobqueue.StatusFailed
	r.metrics.JobFailed(terminal)
	if terminal {
		if err := r.campaigns.MarkFailed(ctx, job.CampaignID, cause.Error()); err != nil {
			logger.Error("mark campaign failed", "error", err)
		}
	}
	logger.Error("job failed", "error", cause, "terminal", terminal, "attempts", failed.Attempts)
	return cause
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// permanent marks an error that a retry cannot fix.
func permanent(err error) error {
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
