package engagement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"campaignflow/db"
	"campaignflow/workflow"
)

var (
	// ErrNotFound is returned when no engagement exists for (campaign, creator).
	ErrNotFound = errors.New("engagement: not found")
	// ErrVersionConflict is returned when another writer changed the row first.
	ErrVersionConflict = errors.New("engagement: version conflict")
	// ErrStatusRegression is returned when a status change would move backward.
	ErrStatusRegression = errors.New("engagement: status regression")
)

// Repository stores engagements and the outreach message mapping used to
// correlate replies. It is bound to a pool or, through WithTx, a transaction.
type Repository struct {
	q   db.DBTX
	now func() time.Time
}

func NewRepository(q db.DBTX) *Repository {
	return &Repository{q: q, now: time.Now}
}

func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

// WithTx returns a repository that runs every statement on tx.
func (r *Repository) WithTx(tx db.DBTX) *Repository {
	return &Repository{q: tx, now: r.now}
}

// Upsert creates the engagement at contacted, or refreshes the email of an
// existing one. Status and thread of an existing row are left alone.
func (r *Repository) Upsert(ctx context.Context, campaignID string, e workflow.Engagement) (workflow.Engagement, error) {
	if e.CreatorID == "" {
		return workflow.Engagement{}, fmt.Errorf("engagement: creator id required")
	}
	if _, err := uuid.Parse(campaignID); err != nil {
		return workflow.Engagement{}, fmt.Errorf("engagement: invalid campaign id %q", campaignID)
	}
	status := e.Status
	if status == "" {
		status = workflow.EngagementContacted
	}
	if !status.Valid() {
		return workflow.Engagement{}, fmt.Errorf("engagement: invalid status %q", status)
	}

	const upsertSQL = `
INSERT INTO engagements (campaign_id, creator_id, email, status, message_history, notes, created_at, updated_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), $7, $7)
ON CONFLICT (campaign_id, creator_id) DO UPDATE
SET email = COALESCE(EXCLUDED.email, engagements.email),
    updated_at = EXCLUDED.updated_at
RETURNING ` + engagementColumns

	out, err := scanEngagement(r.q.QueryRow(ctx, upsertSQL,
		campaignID, e.CreatorID, e.Email, status, nonNil(e.MessageHistory), e.Notes, r.now().UTC()))
	if err != nil {
		return workflow.Engagement{}, fmt.Errorf("engagement: upsert: %w", err)
	}
	return out, nil
}

func (r *Repository) Get(ctx context.Context, campaignID, creatorID string) (workflow.Engagement, error) {
	if _, err := uuid.Parse(campaignID); err != nil {
		return workflow.Engagement{}, ErrNotFound
	}
	e, err := scanEngagement(r.q.QueryRow(ctx, `
SELECT `+engagementColumns+` FROM engagements
WHERE campaign_id = $1 AND creator_id = $2`, campaignID, creatorID))
	if err != nil {
		if db.IsNoRows(err) {
			return workflow.Engagement{}, ErrNotFound
		}
		return workflow.Engagement{}, fmt.Errorf("engagement: get: %w", err)
	}
	return e, nil
}

// List returns a campaign's engagements in creation order.
func (r *Repository) List(ctx context.Context, campaignID string) ([]workflow.Engagement, error) {
	if _, err := uuid.Parse(campaignID); err != nil {
		return nil, nil
	}
	rows, err := r.q.Query(ctx, `
SELECT `+engagementColumns+` FROM engagements
WHERE campaign_id = $1
ORDER BY created_at, id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("engagement: list: %w", err)
	}
	defer rows.Close()

	out := make([]workflow.Engagement, 0, 8)
	for rows.Next() {
		e, err := scanEngagement(rows)
		if err != nil {
			return nil, fmt.Errorf("engagement: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("engagement: iterate: %w", err)
	}
	return out, nil
}

// ApplyReply records an inbound creator reply. A concurrent writer costs one
// re-read and retry; a second conflict is returned to the caller.
func (r *Repository) ApplyReply(ctx context.Context, campaignID, creatorID string, msg workflow.Message) (workflow.Engagement, error) {
	if msg.From == "" {
		msg.From = "creator"
	}
	return r.Mutate(ctx, campaignID, creatorID, func(e *workflow.Engagement) error {
		applyMessage(e, msg)
		return nil
	})
}

// SetProposal stores a counter-offer sent to the creator and marks the
// engagement negotiating.
func (r *Repository) SetProposal(ctx context.Context, campaignID, creatorID string, terms workflow.Terms, msg *workflow.Message) (workflow.Engagement, error) {
	return r.Mutate(ctx, campaignID, creatorID, func(e *workflow.Engagement) error {
		if !e.Status.CanAdvanceTo(workflow.EngagementNegotiating) {
			return fmt.Errorf("%w: %s to %s", ErrStatusRegression, e.Status, workflow.EngagementNegotiating)
		}
		t := terms
		e.LatestProposal = &t
		e.Status = workflow.EngagementNegotiating
		if msg != nil {
			e.MessageHistory = append(e.MessageHistory, *msg)
		}
		return nil
	})
}

// SetTerms records agreed terms. Terms are only ever set together with agreed.
func (r *Repository) SetTerms(ctx context.Context, campaignID, creatorID string, terms workflow.Terms) (workflow.Engagement, error) {
	return r.Mutate(ctx, campaignID, creatorID, func(e *workflow.Engagement) error {
		if !e.Status.CanAdvanceTo(workflow.EngagementAgreed) {
			return fmt.Errorf("%w: %s to %s", ErrStatusRegression, e.Status, workflow.EngagementAgreed)
		}
		t := terms
		e.Terms = &t
		e.Status = workflow.EngagementAgreed
		return nil
	})
}

// AddNote appends a line to the engagement notes.
func (r *Repository) AddNote(ctx context.Context, campaignID, creatorID, note string) (workflow.Engagement, error) {
	return r.Mutate(ctx, campaignID, creatorID, func(e *workflow.Engagement) error {
		if e.Notes == "" {
			e.Notes = note
		} else {
			e.Notes = e.Notes + "\n" + note
		}
		return nil
	})
}

// Mutate is a version-guarded read-modify-write of one engagement.
func (r *Repository) Mutate(ctx context.Context, campaignID, creatorID string, fn func(*workflow.Engagement) error) (workflow.Engagement, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		current, err := r.Get(ctx, campaignID, creatorID)
		if err != nil {
			return workflow.Engagement{}, err
		}
		version := current.Version
		if err := fn(&current); err != nil {
			return workflow.Engagement{}, err
		}
		saved, err := r.save(ctx, campaignID, current, version)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return workflow.Engagement{}, err
		}
		lastErr = err
	}
	return workflow.Engagement{}, lastErr
}

func (r *Repository) save(ctx context.Context, campaignID string, e workflow.Engagement, expectedVersion int) (workflow.Engagement, error) {
	const updateSQL = `
UPDATE engagements
SET email = NULLIF($4, ''),
    status = $5,
    latest_proposal = $6,
    terms = $7,
    message_history = $8,
    response_timestamp = $9,
    notes = NULLIF($10, ''),
    version = version + 1,
    updated_at = $11
WHERE campaign_id = $1 AND creator_id = $2 AND version = $3
RETURNING ` + engagementColumns

	out, err := scanEngagement(r.q.QueryRow(ctx, updateSQL,
		campaignID, e.CreatorID, expectedVersion,
		e.Email, e.Status, e.LatestProposal, e.Terms, nonNil(e.MessageHistory),
		e.ResponseTimestamp, e.Notes, r.now().UTC()))
	if err != nil {
		if db.IsNoRows(err) {
			return workflow.Engagement{}, fmt.Errorf("%w: expected version %d", ErrVersionConflict, expectedVersion)
		}
		return workflow.Engagement{}, fmt.Errorf("engagement: save: %w", err)
	}
	return out, nil
}

func applyMessage(e *workflow.Engagement, msg workflow.Message) {
	e.MessageHistory = append(e.MessageHistory, msg)
	if msg.From != "creator" {
		return
	}
	ts := msg.Timestamp
	e.ResponseTimestamp = &ts
	if e.Status == workflow.EngagementContacted {
		e.Status = workflow.EngagementResponded
	}
}

func nonNil(msgs []workflow.Message) []workflow.Message {
	if msgs == nil {
		return []workflow.Message{}
	}
	return msgs
}

const engagementColumns = `creator_id, COALESCE(email, ''), status, latest_proposal, terms, message_history,
response_timestamp, COALESCE(notes, ''), version`

func scanEngagement(row pgx.Row) (workflow.Engagement, error) {
	var e workflow.Engagement
	err := row.Scan(
		&e.CreatorID,
		&e.Email,
		&e.Status,
		&e.LatestProposal,
		&e.Terms,
		&e.MessageHistory,
		&e.ResponseTimestamp,
		&e.Notes,
		&e.Version,
	)
	return e, err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
