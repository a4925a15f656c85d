// Package dedup is the append-only ledger of applied inbound events and the
// audit log of every webhook request.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"campaignflow/db"
)

// ErrDuplicate is returned when a dedup key is already recorded.
var ErrDuplicate = errors.New("dedup: key already recorded")

type Ledger struct {
	q   db.DBTX
	now func() time.Time
}

func NewLedger(q db.DBTX) *Ledger {
	return &Ledger{q: q, now: time.Now}
}

// WithTx returns a ledger that writes on tx, so a key can be recorded in the
// same transaction as the change it guards.
func (l *Ledger) WithTx(tx db.DBTX) *Ledger {
	return &Ledger{q: tx, now: l.now}
}

func (l *Ledger) Seen(ctx context.Context, key string) (bool, error) {
	var seen bool
	if err := l.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM processed_events WHERE dedup_key = $1)`, key).Scan(&seen); err != nil {
		return false, fmt.Errorf("dedup: check key: %w", err)
	}
	return seen, nil
}

// Record inserts key. A second insert of the same key returns ErrDuplicate.
func (l *Ledger) Record(ctx context.Context, key, source string) error {
	if key == "" {
		return fmt.Errorf("dedup: empty key")
	}
	_, err := l.q.Exec(ctx, `
INSERT INTO processed_events (dedup_key, source, first_seen_at)
VALUES ($1, $2, $3)`, key, source, l.now().UTC())
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("dedup: record key: %w", err)
	}
	return nil
}

// LogEntry is one row of the webhook audit log.
type LogEntry struct {
	Source  string
	Body    []byte
	Outcome string
	Detail  string
}

// LogWebhook stores the request outcome with a digest of the raw body.
func (l *Ledger) LogWebhook(ctx context.Context, entry LogEntry) error {
	sum := sha256.Sum256(entry.Body)
	_, err := l.q.Exec(ctx, `
INSERT INTO webhook_log (source, body_sha256, outcome, detail, created_at)
VALUES ($1, $2, $3, NULLIF($4, ''), $5)`,
		entry.Source, hex.EncodeToString(sum[:]), entry.Outcome, entry.Detail, l.now().UTC())
	if err != nil {
		return fmt.Errorf("dedup: log webhook: %w", err)
	}
	return nil
}
