package approval

import (
	"context"
	"fmt"
	"log/slog"

	"campaignflow/metrics"
	"campaignflow/notify"
)

// DecisionStore is the persistence behind human decisions.
type DecisionStore interface {
	Get(ctx context.Context, id string) (Approval, error)
	Decide(ctx context.Context, params DecideParams) (Approval, error)
	List(ctx context.Context, status Status, limit int) ([]Approval, error)
	ListForCampaign(ctx context.Context, campaignID string) ([]Approval, error)
	WithdrawPending(ctx context.Context, campaignID string) ([]Approval, error)
}

// Service records human decisions and wakes the gate waiting on them.
type Service struct {
	store    DecisionStore
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewService(store DecisionStore, notifier notify.Notifier) *Service {
	if notifier == nil {
		notifier = notify.NewLocal()
	}
	return &Service{store: store, notifier: notifier, logger: slog.Default()}
}

func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

func (s *Service) Get(ctx context.Context, id string) (Approval, error) {
	return s.store.Get(ctx, id)
}

// Decide validates and stores a decision, then notifies waiters. A failed
// notification is logged only: the gate's fallback poll picks the row up.
func (s *Service) Decide(ctx context.Context, params DecideParams) (Approval, error) {
	if !params.Status.Decided() {
		return Approval{}, fmt.Errorf("%w: %q", ErrInvalidStatus, params.Status)
	}

	a, err := s.store.Decide(ctx, params)
	if err != nil {
		return a, err
	}
	s.metrics.ApprovalDecided(string(a.Kind), string(a.Status))
	s.publish(ctx, a)
	return a, nil
}

func (s *Service) List(ctx context.Context, status Status, limit int) ([]Approval, error) {
	if status != "" && status != StatusPending && !status.Decided() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.store.List(ctx, status, limit)
}

func (s *Service) ListForCampaign(ctx context.Context, campaignID string) ([]Approval, error) {
	return s.store.ListForCampaign(ctx, campaignID)
}

// Withdraw rejects the campaign's pending approvals so a gate blocked on them
// returns and the runner can observe the cancellation.
func (s *Service) Withdraw(ctx context.Context, campaignID string) ([]Approval, error) {
	withdrawn, err := s.store.WithdrawPending(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	for _, a := range withdrawn {
		s.publish(ctx, a)
	}
	return withdrawn, nil
}

func (s *Service) publish(ctx context.Context, a Approval) {
	if err := s.notifier.Publish(ctx, notify.ApprovalTopic(a.ID)); err != nil {
		s.logger.Warn("approval notification failed", "approval_id", a.ID, "error", err)
	}
}
