package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"campaignflow/metrics"
	"campaignflow/notify"
	"campaignflow/workflow"
)

var (
	// ErrTooManyErrors is returned when reading the approval row keeps failing.
	ErrTooManyErrors = errors.New("approval: too many consecutive store errors")
	// ErrMismatch is returned when a bound approval id names another campaign's gate.
	ErrMismatch = errors.New("approval: bound approval does not match request")
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultMaxErrors    = 20
	DefaultMaxBackoff   = 30 * time.Second
)

// Store is the persistence the gate needs.
type Store interface {
	Create(ctx context.Context, params CreateParams) (Approval, error)
	Get(ctx context.Context, id string) (Approval, error)
}

// Request describes the artifact a human is asked to review. ApprovalID, when
// set, names the row a previous run already bound the gate to.
type Request struct {
	ApprovalID string
	CampaignID string
	Kind       workflow.ApprovalKind
	Subject    string
	Payload    any
	Reasoning  string
}

// Gate blocks a runner until a human decides an approval. It wakes on a
// notification for the row and falls back to a slow poll, so a missed
// notification only delays the decision by one poll interval.
type Gate struct {
	store          Store
	notifier       notify.Notifier
	autoApprove    bool
	pollInterval   time.Duration
	maxErrors      int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	metrics        *metrics.Metrics
	logger         *slog.Logger
	now            func() time.Time
}

func NewGate(store Store, notifier notify.Notifier) *Gate {
	if notifier == nil {
		notifier = notify.NewLocal()
	}
	return &Gate{
		store:          store,
		notifier:       notifier,
		pollInterval:   DefaultPollInterval,
		maxErrors:      DefaultMaxErrors,
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     DefaultMaxBackoff,
		logger:         slog.Default(),
		now:            time.Now,
	}
}

// WithAutoApprove grants every request without creating a row. Used for
// non-interactive runs and backfills.
func (g *Gate) WithAutoApprove(on bool) *Gate {
	g.autoApprove = on
	return g
}

func (g *Gate) WithPollInterval(d time.Duration) *Gate {
	if d > 0 {
		g.pollInterval = d
	}
	return g
}

// WithRetry bounds transient store errors: maxErrors consecutive failures are
// tolerated, with exponential backoff from initial up to maxDelay.
func (g *Gate) WithRetry(maxErrors int, initial, maxDelay time.Duration) *Gate {
	if maxErrors > 0 {
		g.maxErrors = maxErrors
	}
	if initial > 0 {
		g.initialBackoff = initial
	}
	if maxDelay > 0 {
		g.maxBackoff = maxDelay
	}
	return g
}

func (g *Gate) WithMetrics(m *metrics.Metrics) *Gate {
	g.metrics = m
	return g
}

func (g *Gate) WithLogger(logger *slog.Logger) *Gate {
	if logger != nil {
		g.logger = logger
	}
	return g
}

// Await creates (or reattaches to) the approval for req and blocks until it is
// decided or ctx ends. A bound row decided while no worker was running returns
// its decision at once.
func (g *Gate) Await(ctx context.Context, req Request) (Decision, error) {
	if !req.Kind.Valid() {
		return Decision{}, fmt.Errorf("%w: %q", workflow.ErrInvalidApprovalKind, req.Kind)
	}
	if g.autoApprove {
		return Decision{Kind: req.Kind, Granted: true, Auto: true}, nil
	}

	row, err := g.open(ctx, req)
	if err != nil {
		return Decision{}, err
	}

	logger := g.logger.With("approval_id", row.ID, "instance_id", req.CampaignID, "kind", req.Kind)
	logger.Info("awaiting approval")

	wake, unsubscribe := g.notifier.Subscribe(notify.ApprovalTopic(row.ID))
	defer unsubscribe()

	started := g.now()
	decided, err := g.wait(ctx, row.ID, wake, logger)
	if err != nil {
		return Decision{}, err
	}
	g.metrics.ObserveApprovalWait(string(req.Kind), g.now().Sub(started))
	logger.Info("approval decided", "status", decided.Status)

	return Decision{
		ApprovalID: decided.ID,
		Kind:       req.Kind,
		Granted:    decided.Status == StatusApproved,
		Feedback:   decided.Feedback,
	}, nil
}

// open returns the row that decides req. A bound row is reused even when it
// was decided while no worker was watching; otherwise a row is created or the
// pending one reattached.
func (g *Gate) open(ctx context.Context, req Request) (Approval, error) {
	if req.ApprovalID != "" {
		row, err := g.store.Get(ctx, req.ApprovalID)
		switch {
		case err == nil:
			if row.CampaignID != req.CampaignID || row.Kind != req.Kind {
				return Approval{}, fmt.Errorf("%w: %s belongs to %s/%s", ErrMismatch, row.ID, row.CampaignID, row.Kind)
			}
			return row, nil
		case !errors.Is(err, ErrNotFound):
			return Approval{}, fmt.Errorf("approval: load %s: %w", req.ApprovalID, err)
		}
	}

	row, err := g.store.Create(ctx, CreateParams{
		ID:         req.ApprovalID,
		CampaignID: req.CampaignID,
		Kind:       req.Kind,
		Subject:    req.Subject,
		Payload:    req.Payload,
		Reasoning:  req.Reasoning,
	})
	if err != nil {
		return Approval{}, fmt.Errorf("approval: request %s: %w", req.Kind, err)
	}
	return row, nil
}

func (g *Gate) wait(ctx context.Context, id string, wake <-chan struct{}, logger *slog.Logger) (Approval, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.initialBackoff
	bo.MaxInterval = g.maxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		row, err := g.store.Get(ctx, id)
		switch {
		case err == nil:
			failures = 0
			bo.Reset()
			if row.Status != StatusPending {
				return row, nil
			}
		case errors.Is(err, ErrNotFound):
			return Approval{}, fmt.Errorf("approval: %s disappeared while waiting: %w", id, err)
		case ctx.Err() != nil:
			return Approval{}, ctx.Err()
		default:
			failures++
			if failures > g.maxErrors {
				return Approval{}, fmt.Errorf("%w: %d in a row, last: %v", ErrTooManyErrors, failures, err)
			}
			delay := bo.NextBackOff()
			logger.Warn("approval poll failed, retrying", "error", err, "attempt", failures, "retry_in", delay)
			if err := sleep(ctx, delay); err != nil {
				return Approval{}, err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return Approval{}, ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
