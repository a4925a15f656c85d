package campaign

import (
	"context"
	"fmt"

	"campaignflow/jobqueue"
	"campaignflow/workflow"
)

// Enqueuer is the slice of the job queue a launch needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, campaignID string) (jobqueue.Job, error)
}

type Store interface {
	Create(ctx context.Context, brief workflow.Brief, status Status) (Campaign, error)
	Get(ctx context.Context, id string) (Campaign, error)
	MarkFailed(ctx context.Context, id string, reason string) error
}

type Service struct {
	store Store
	jobs  Enqueuer
}

func NewService(store Store, jobs Enqueuer) *Service {
	return &Service{store: store, jobs: jobs}
}

// Launch creates a campaign from a brief and queues it for the worker.
func (s *Service) Launch(ctx context.Context, brief workflow.Brief) (Campaign, jobqueue.Job, error) {
	c, err := s.store.Create(ctx, brief, StatusRunning)
	if err != nil {
		return Campaign{}, jobqueue.Job{}, err
	}

	job, err := s.jobs.Enqueue(ctx, c.ID)
	if err != nil {
		if markErr := s.store.MarkFailed(ctx, c.ID, "enqueue failed"); markErr != nil {
			return Campaign{}, jobqueue.Job{}, fmt.Errorf("campaign: enqueue: %w (mark failed: %v)", err, markErr)
		}
		return Campaign{}, jobqueue.Job{}, fmt.Errorf("campaign: enqueue: %w", err)
	}
	return c, job, nil
}

func (s *Service) Get(ctx context.Context, id string) (Campaign, error) {
	return s.store.Get(ctx, id)
}
