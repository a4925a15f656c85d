package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"campaignflow/db"
	"campaignflow/workflow"
)

var (
	// ErrNotFound is returned when no campaign row exists for the identifier.
	ErrNotFound = errors.New("campaign: not found")
	// ErrCancelled is returned when progress is saved for a cancelled campaign.
	ErrCancelled = errors.New("campaign: cancelled")
	// ErrInvalidBrief signals a brief that cannot start a campaign.
	ErrInvalidBrief = errors.New("campaign: invalid brief")
)

type Repository struct {
	pool db.DBTX
	now  func() time.Time
}

func NewRepository(pool db.DBTX) *Repository {
	return &Repository{pool: pool, now: time.Now}
}

// Create inserts a campaign at brief_received with the given status.
func (r *Repository) Create(ctx context.Context, brief workflow.Brief, status Status) (Campaign, error) {
	if brief.BrandName == "" {
		return Campaign{}, fmt.Errorf("%w: brand name required", ErrInvalidBrief)
	}

	id := uuid.NewString()
	wc := workflow.NewContext(id, brief)
	payload, err := json.Marshal(wc)
	if err != nil {
		return Campaign{}, fmt.Errorf("campaign: marshal context: %w", err)
	}

	const query = `
INSERT INTO campaigns (id, status, state, context, agent_state)
VALUES ($1, $2, $3, $4, $3)
RETURNING ` + campaignColumns

	c, err := scanCampaign(r.pool.QueryRow(ctx, query, id, status, wc.State, payload))
	if err != nil {
		return Campaign{}, fmt.Errorf("campaign: create: %w", err)
	}
	return c, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Campaign, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Campaign{}, ErrNotFound
	}

	c, err := scanCampaign(r.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if err != nil {
		if db.IsNoRows(err) {
			return Campaign{}, ErrNotFound
		}
		return Campaign{}, fmt.Errorf("campaign: get: %w", err)
	}
	return c, nil
}

// SaveContext persists progress after a step. Cancelled campaigns are not written.
func (r *Repository) SaveContext(ctx context.Context, wc *workflow.Context) error {
	payload, err := json.Marshal(wc)
	if err != nil {
		return fmt.Errorf("campaign: marshal context: %w", err)
	}

	const update = `
UPDATE campaigns
SET context = $2, state = $3, agent_state = $3, updated_at = $4
WHERE id = $1 AND cancelled_at IS NULL`

	tag, err := r.pool.Exec(ctx, update, wc.CampaignID, payload, wc.State, r.now().UTC())
	if err != nil {
		return fmt.Errorf("campaign: save context: %w", err)
	}
	if tag.RowsAffected() == 0 {
		cancelled, err := r.IsCancelled(ctx, wc.CampaignID)
		if err != nil {
			return err
		}
		if cancelled {
			return ErrCancelled
		}
		return ErrNotFound
	}
	return nil
}

func (r *Repository) IsCancelled(ctx context.Context, id string) (bool, error) {
	var cancelled bool
	err := r.pool.QueryRow(ctx, `SELECT cancelled_at IS NOT NULL FROM campaigns WHERE id = $1`, id).Scan(&cancelled)
	if err != nil {
		if db.IsNoRows(err) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("campaign: check cancelled: %w", err)
	}
	return cancelled, nil
}

// SetStatus updates the externally visible status and the agent state note.
func (r *Repository) SetStatus(ctx context.Context, id string, status Status, agentState string) error {
	const update = `
UPDATE campaigns
SET status = $2, agent_state = COALESCE(NULLIF($3, ''), agent_state), updated_at = $4
WHERE id = $1`

	tag, err := r.pool.Exec(ctx, update, id, status, agentState, r.now().UTC())
	if err != nil {
		return fmt.Errorf("campaign: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records a terminal failure the way operators see it.
func (r *Repository) MarkFailed(ctx context.Context, id string, reason string) error {
	return r.SetStatus(ctx, id, StatusFailed, "error: "+reason)
}

// RecordPayment stores a settled payment once per transaction id. A replay of
// the same transaction reports duplicate=true and changes nothing.
func (r *Repository) RecordPayment(ctx context.Context, p PaymentParams) (duplicate bool, err error) {
	if p.CampaignID == "" || p.TransactionID == "" {
		return false, fmt.Errorf("campaign: payment requires campaign and transaction id")
	}
	if _, err := uuid.Parse(p.CampaignID); err != nil {
		return false, ErrNotFound
	}

	const update = `
UPDATE campaigns
SET payment_status = 'paid',
    amount_paid = $3::numeric,
    paddle_transaction_id = $2,
    paid_at = $4,
    updated_at = $4
WHERE id = $1 AND paddle_transaction_id IS DISTINCT FROM $2`

	tag, err := r.pool.Exec(ctx, update, p.CampaignID, p.TransactionID, p.Amount, r.now().UTC())
	if err != nil {
		return false, fmt.Errorf("campaign: record payment: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return false, nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM campaigns WHERE id = $1)`, p.CampaignID).Scan(&exists); err != nil {
		return false, fmt.Errorf("campaign: check payment: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return true, nil
}

const campaignColumns = `id::text, status, state, context, COALESCE(agent_state, ''), cancelled_at,
payment_status, COALESCE(amount_paid::text, ''), COALESCE(paddle_transaction_id, ''), created_at, updated_at`

func scanCampaign(row pgx.Row) (Campaign, error) {
	var (
		c       Campaign
		raw     []byte
		state   string
		payment string
	)
	if err := row.Scan(
		&c.ID,
		&c.Status,
		&state,
		&raw,
		&c.AgentState,
		&c.CancelledAt,
		&payment,
		&c.AmountPaid,
		&c.PaddleTransactionID,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Campaign{}, err
	}
	st, err := workflow.ParseState(state)
	if err != nil {
		return Campaign{}, err
	}
	c.State = st
	c.PaymentStatus = payment

	var wc workflow.Context
	if err := json.Unmarshal(raw, &wc); err != nil {
		return Campaign{}, fmt.Errorf("decode context: %w", err)
	}
	if wc.CampaignID == "" {
		wc.CampaignID = c.ID
	}
	wc.Cancelled = wc.Cancelled || c.CancelledAt != nil
	c.Context = &wc
	return c, nil
}
