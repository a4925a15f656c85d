package engagement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"campaignflow/db"
	"campaignflow/workflow"
)

// ErrNoMapping is returned when no sent message matches a correlation lookup.
var ErrNoMapping = errors.New("engagement: no outreach mapping")

// Correlation is where a message id or sender address leads.
type Correlation struct {
	MessageID  string
	CampaignID string
	CreatorID  string
	Email      string
	SentAt     time.Time
}

// RecordSent stores the provider message id of an outreach email. Recording
// the same id twice is a no-op.
func (r *Repository) RecordSent(ctx context.Context, campaignID string, m workflow.SentMessage) error {
	if m.MessageID == "" {
		return fmt.Errorf("engagement: message id required")
	}
	if _, err := uuid.Parse(campaignID); err != nil {
		return fmt.Errorf("engagement: invalid campaign id %q", campaignID)
	}
	_, err := r.q.Exec(ctx, `
INSERT INTO outreach_messages (message_id, campaign_id, creator_id, email, sent_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (message_id) DO NOTHING`, m.MessageID, campaignID, m.CreatorID, normalizeEmail(m.Email), r.now().UTC())
	if err != nil {
		return fmt.Errorf("engagement: record sent: %w", err)
	}
	return nil
}

func (r *Repository) LookupByMessageID(ctx context.Context, messageID string) (Correlation, error) {
	if messageID == "" {
		return Correlation{}, ErrNoMapping
	}
	return r.lookup(ctx, `
SELECT message_id, campaign_id::text, creator_id, email, sent_at
FROM outreach_messages WHERE message_id = $1`, messageID)
}

// LookupBySender returns the most recent outreach sent to email.
func (r *Repository) LookupBySender(ctx context.Context, email string) (Correlation, error) {
	email = normalizeEmail(email)
	if email == "" {
		return Correlation{}, ErrNoMapping
	}
	return r.lookup(ctx, `
SELECT message_id, campaign_id::text, creator_id, email, sent_at
FROM outreach_messages WHERE lower(email) = $1
ORDER BY sent_at DESC
LIMIT 1`, email)
}

func (r *Repository) lookup(ctx context.Context, query string, arg string) (Correlation, error) {
	var c Correlation
	err := r.q.QueryRow(ctx, query, arg).Scan(&c.MessageID, &c.CampaignID, &c.CreatorID, &c.Email, &c.SentAt)
	if err != nil {
		if db.IsNoRows(err) {
			return Correlation{}, ErrNoMapping
		}
		return Correlation{}, fmt.Errorf("engagement: lookup outreach: %w", err)
	}
	return c, nil
}

// EmailEvent is a delivery receipt for an outreach email.
type EmailEvent struct {
	EmailID    string
	EventType  string
	Recipient  string
	CampaignID string
	CreatorID  string
	Payload    json.RawMessage
}

// RecordEmailEvent stores a delivery event and returns its id.
func (r *Repository) RecordEmailEvent(ctx context.Context, ev EmailEvent) (string, error) {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var campaignID any
	if _, err := uuid.Parse(ev.CampaignID); err == nil {
		campaignID = ev.CampaignID
	}

	var id string
	err := r.q.QueryRow(ctx, `
INSERT INTO email_events (email_id, event_type, recipient, campaign_id, creator_id, payload, created_at)
VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7)
RETURNING id::text`,
		ev.EmailID, ev.EventType, ev.Recipient, campaignID, ev.CreatorID, []byte(payload), r.now().UTC()).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("engagement: record email event: %w", err)
	}
	return id, nil
}
