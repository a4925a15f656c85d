package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"campaignflow/approval"
	"campaignflow/campaign"
	"campaignflow/jobqueue"
	"campaignflow/webhook"
	"campaignflow/workflow"
)

// ErrDoubleClaim is returned when two claimers hold the same job at once.
var ErrDoubleClaim = errors.New("actors: job claimed twice")

// ClaimLedger tracks which worker currently holds each claimed job.
type ClaimLedger struct {
	mu      sync.Mutex
	holders map[string]string
	claims  atomic.Int64
}

func NewClaimLedger() *ClaimLedger {
	return &ClaimLedger{holders: make(map[string]string)}
}

func (l *ClaimLedger) Acquire(jobID, workerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if holder, ok := l.holders[jobID]; ok {
		return fmt.Errorf("%w: %s held by %s, claimed by %s", ErrDoubleClaim, jobID, holder, workerID)
	}
	l.holders[jobID] = workerID
	l.claims.Add(1)
	return nil
}

func (l *ClaimLedger) Release(jobID string) {
	l.mu.Lock()
	delete(l.holders, jobID)
	l.mu.Unlock()
}

func (l *ClaimLedger) Claims() int64 { return l.claims.Load() }

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func jitter(base, spread int) time.Duration {
	return time.Duration(base+rand.IntN(spread)) * time.Millisecond
}

// StressBrief is the brief every launched campaign uses.
func StressBrief(n int) workflow.Brief {
	return workflow.Brief{
		BrandName:     "Stress Co " + strconv.Itoa(n),
		Objective:     "awareness",
		Platforms:     []string{"instagram"},
		FollowerRange: [2]int{1000, 100000},
		BudgetGBP:     2000,
	}
}

// Launcher keeps creating campaigns and queueing them. Store errors are
// tolerated because chaos kills connections underneath it.
func Launcher(ctx context.Context, svc *campaign.Service, launched chan<- string, stop <-chan struct{}) error {
	for n := 0; ; n++ {
		if stopped(ctx, stop) {
			return nil
		}
		c, _, err := svc.Launch(ctx, StressBrief(n))
		if err == nil && launched != nil {
			select {
			case launched <- c.ID:
			default:
			}
		}
		time.Sleep(jitter(20, 30))
	}
}

// Claimer races other claimers for queued jobs, holds each briefly, then
// completes, retries or abandons it at random.
func Claimer(ctx context.Context, queue *jobqueue.Repository, workerID string, ledger *ClaimLedger, stop <-chan struct{}) error {
	for {
		if stopped(ctx, stop) {
			return nil
		}
		job, ok, err := queue.ClaimNext(ctx, workerID)
		if err != nil || !ok {
			time.Sleep(jitter(5, 15))
			continue
		}
		if err := ledger.Acquire(job.ID, workerID); err != nil {
			return err
		}

		time.Sleep(jitter(1, 10))
		ledger.Release(job.ID)

		switch rand.IntN(4) {
		case 0:
			_, _ = queue.Fail(ctx, job.ID, "stress: transient failure")
		case 1:
			if rand.IntN(5) == 0 {
				_, _ = queue.Abandon(ctx, job.ID, "stress: permanent failure")
			} else {
				_ = queue.Complete(ctx, job.ID)
			}
		default:
			_ = queue.Complete(ctx, job.ID)
		}
	}
}

// Recoverer periodically requeues jobs whose holder went away.
func Recoverer(ctx context.Context, queue *jobqueue.Repository, stop <-chan struct{}) error {
	for {
		if stopped(ctx, stop) {
			return nil
		}
		_, _ = queue.RecoverStaleJobs(ctx)
		time.Sleep(jitter(500, 500))
	}
}

// Requester opens approval gates on launched campaigns; a second request for
// the same gate must reuse the pending row.
func Requester(ctx context.Context, repo *approval.Repository, launched <-chan string, stop <-chan struct{}) error {
	kinds := []workflow.ApprovalKind{workflow.ApprovalStrategy, workflow.ApprovalCreators, workflow.ApprovalOutreach, workflow.ApprovalTerms}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case id := <-launched:
			kind := kinds[rand.IntN(len(kinds))]
			first, err := repo.Create(ctx, approval.CreateParams{CampaignID: id, Kind: kind, Payload: map[string]string{"stress": "1"}})
			if err != nil {
				continue
			}
			again, err := repo.Create(ctx, approval.CreateParams{CampaignID: id, Kind: kind, Payload: map[string]string{"stress": "2"}})
			if err != nil || again.ID == first.ID {
				continue
			}
			// A different row is only legal once the first was decided.
			current, err := repo.Get(ctx, first.ID)
			if err == nil && current.Status == approval.StatusPending {
				return fmt.Errorf("actors: gate %s/%s opened twice: %s and %s", id, kind, first.ID, again.ID)
			}
		}
	}
}

// Decider races other deciders on pending approvals. Exactly one decision per
// row may win; the rest must see ErrAlreadyDecided.
func Decider(ctx context.Context, svc *approval.Service, operator string, wins *atomic.Int64, stop <-chan struct{}) error {
	for {
		if stopped(ctx, stop) {
			return nil
		}
		pending, err := svc.List(ctx, approval.StatusPending, 20)
		if err != nil || len(pending) == 0 {
			time.Sleep(jitter(10, 20))
			continue
		}
		a := pending[rand.IntN(len(pending))]
		status := approval.StatusApproved
		if rand.IntN(3) == 0 {
			status = approval.StatusRejected
		}
		_, err = svc.Decide(ctx, approval.DecideParams{ID: a.ID, Status: status, Feedback: "stress", DecidedBy: operator})
		if err == nil {
			wins.Add(1)
		}
		time.Sleep(jitter(5, 10))
	}
}

// Redeliverer sends the same signed reply over and over, as a provider does
// when it never sees an acknowledgement.
func Redeliverer(ctx context.Context, proc *webhook.Processor, signer *webhook.Verifier, webhookID string, body []byte, stop <-chan struct{}) error {
	for {
		if stopped(ctx, stop) {
			return nil
		}
		now := time.Now()
		h := http.Header{}
		h.Set("webhook-id", webhookID)
		h.Set("webhook-timestamp", strconv.FormatInt(now.Unix(), 10))
		h.Set("webhook-signature", signer.Sign(webhookID, now, body))

		_, err := proc.Handle(ctx, webhook.SourceInbound, h, body)
		if errors.Is(err, webhook.ErrInvalidSignature) || errors.Is(err, webhook.ErrMalformed) {
			return fmt.Errorf("actors: redelivery rejected: %w", err)
		}
		time.Sleep(jitter(5, 20))
	}
}
