package approval

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
	// ErrNotFound is returned when no approval row exists for the identifier.
	ErrNotFound = errors.New("approval: not found")
	// ErrInvalidStatus signals a decision other than approved or rejected.
	ErrInvalidStatus = errors.New("approval: status must be approved or rejected")
	// ErrAlreadyDecided is returned when deciding a row that is no longer pending.
	ErrAlreadyDecided = errors.New("approval: already decided")
)

// WithdrawnFeedback is recorded on approvals rejected because their campaign was cancelled.
const WithdrawnFeedback = "cancelled"

type Repository struct {
	pool db.DBTX
	now  func() time.Time
}

func NewRepository(pool db.DBTX) *Repository {
	return &Repository{pool: pool, now: time.Now}
}

func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

// Create inserts a pending approval. When one is already pending for the same
// campaign and kind, that row is returned instead, so a worker resuming after a
// crash reattaches to the review the human may already be looking at. A
// params.ID that already exists returns that row whatever its status.
func (r *Repository) Create(ctx context.Context, params CreateParams) (Approval, error) {
	if !params.Kind.Valid() {
		return Approval{}, fmt.Errorf("%w: %q", workflow.ErrInvalidApprovalKind, params.Kind)
	}
	if _, err := uuid.Parse(params.CampaignID); err != nil {
		return Approval{}, fmt.Errorf("approval: invalid campaign id %q", params.CampaignID)
	}
	id := params.ID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return Approval{}, fmt.Errorf("approval: invalid approval id %q", id)
	}

	payload, err := json.Marshal(params.Payload)
	if err != nil {
		return Approval{}, fmt.Errorf("approval: marshal payload: %w", err)
	}
	subject := params.Subject
	if subject == "" {
		subject = DefaultSubject(params.Kind)
	}

	const insertSQL = `
INSERT INTO approvals (id, campaign_id, kind, subject, payload, reasoning, status, created_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), 'pending', $7)
RETURNING ` + approvalColumns

	a, err := scanApproval(r.pool.QueryRow(ctx, insertSQL,
		id, params.CampaignID, params.Kind, subject, payload, params.Reasoning, r.now().UTC()))
	if err != nil {
		if db.IsUniqueViolation(err) {
			if existing, getErr := r.Get(ctx, id); getErr == nil {
				return existing, nil
			}
			return r.PendingFor(ctx, params.CampaignID, params.Kind)
		}
		return Approval{}, fmt.Errorf("approval: create: %w", err)
	}
	return a, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Approval, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Approval{}, ErrNotFound
	}
	a, err := scanApproval(r.pool.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id))
	if err != nil {
		if db.IsNoRows(err) {
			return Approval{}, ErrNotFound
		}
		return Approval{}, fmt.Errorf("approval: get: %w", err)
	}
	return a, nil
}

// PendingFor returns the pending approval for a campaign gate.
func (r *Repository) PendingFor(ctx context.Context, campaignID string, kind workflow.ApprovalKind) (Approval, error) {
	a, err := scanApproval(r.pool.QueryRow(ctx, `
SELECT `+approvalColumns+` FROM approvals
WHERE campaign_id = $1 AND kind = $2 AND status = 'pending'`, campaignID, kind))
	if err != nil {
		if db.IsNoRows(err) {
			return Approval{}, ErrNotFound
		}
		return Approval{}, fmt.Errorf("approval: get pending: %w", err)
	}
	return a, nil
}

// Decide records a human decision. Only pending rows can be decided.
func (r *Repository) Decide(ctx context.Context, params DecideParams) (Approval, error) {
	if !params.Status.Decided() {
		return Approval{}, fmt.Errorf("%w: %q", ErrInvalidStatus, params.Status)
	}
	if _, err := uuid.Parse(params.ID); err != nil {
		return Approval{}, ErrNotFound
	}

	const updateSQL = `
UPDATE approvals
SET status = $2, feedback = NULLIF($3, ''), decided_by = NULLIF($4, ''), decided_at = $5
WHERE id = $1 AND status = 'pending'
RETURNING ` + approvalColumns

	a, err := scanApproval(r.pool.QueryRow(ctx, updateSQL,
		params.ID, params.Status, params.Feedback, params.DecidedBy, r.now().UTC()))
	if err == nil {
		return a, nil
	}
	if !db.IsNoRows(err) {
		return Approval{}, fmt.Errorf("approval: decide: %w", err)
	}

	current, getErr := r.Get(ctx, params.ID)
	if getErr != nil {
		return Approval{}, getErr
	}
	return current, fmt.Errorf("%w: %s", ErrAlreadyDecided, current.Status)
}

// List returns approvals newest first. An empty status lists every row.
func (r *Repository) List(ctx context.Context, status Status, limit int) ([]Approval, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
SELECT `+approvalColumns+` FROM approvals
WHERE ($1 = '' OR status = $1)
ORDER BY created_at DESC, id
LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("approval: list: %w", err)
	}
	return collectApprovals(rows)
}

func (r *Repository) ListForCampaign(ctx context.Context, campaignID string) ([]Approval, error) {
	if _, err := uuid.Parse(campaignID); err != nil {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
SELECT `+approvalColumns+` FROM approvals
WHERE campaign_id = $1
ORDER BY created_at DESC, id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("approval: list for campaign: %w", err)
	}
	return collectApprovals(rows)
}

// WithdrawPending rejects every pending approval of a campaign with the
// cancellation feedback and returns the rows it changed.
func (r *Repository) WithdrawPending(ctx context.Context, campaignID string) ([]Approval, error) {
	if _, err := uuid.Parse(campaignID); err != nil {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
UPDATE approvals
SET status = 'rejected', feedback = $2, decided_by = 'system', decided_at = $3
WHERE campaign_id = $1 AND status = 'pending'
RETURNING `+approvalColumns, campaignID, WithdrawnFeedback, r.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("approval: withdraw: %w", err)
	}
	return collectApprovals(rows)
}

const approvalColumns = `id::text, campaign_id::text, kind, subject, payload, COALESCE(reasoning, ''),
status, COALESCE(feedback, ''), COALESCE(decided_by, ''), created_at, decided_at`

func scanApproval(row pgx.Row) (Approval, error) {
	var (
		a       Approval
		payload []byte
	)
	err := row.Scan(
		&a.ID,
		&a.CampaignID,
		&a.Kind,
		&a.Subject,
		&payload,
		&a.Reasoning,
		&a.Status,
		&a.Feedback,
		&a.DecidedBy,
		&a.CreatedAt,
		&a.DecidedAt,
	)
	if err != nil {
		return Approval{}, err
	}
	a.Payload = json.RawMessage(payload)
	return a, nil
}

func collectApprovals(rows pgx.Rows) ([]Approval, error) {
	defer rows.Close()
	out := make([]Approval, 0, 4)
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("approval: scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approval: iterate: %w", err)
	}
	return out, nil
}
