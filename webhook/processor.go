package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"

	"campaignflow/campaign"
	"campaignflow/db"
	"campaignflow/dedup"
	"campaignflow/engagement"
	"campaignflow/metrics"
	"campaignflow/notify"
	"campaignflow/workflow"
)

type Source string

const (
	SourceDelivery Source = "delivery"
	SourceInbound  Source = "inbound-reply"
	SourcePayment  Source = "payment"
)

// Response is the JSON acknowledgement returned to the provider.
type Response struct {
	OK            bool   `json:"ok"`
	Duplicate     bool   `json:"duplicate,omitempty"`
	Skipped       bool   `json:"skipped,omitempty"`
	Routed        *bool  `json:"routed,omitempty"`
	Handled       *bool  `json:"handled,omitempty"`
	Reason        string `json:"reason,omitempty"`
	EventID       string `json:"event_id,omitempty"`
	EventType     string `json:"event_type,omitempty"`
	CampaignID    string `json:"campaign_id,omitempty"`
	CreatorID     string `json:"creator_id,omitempty"`
	PaymentStatus string `json:"payment_status,omitempty"`
}

type Options struct {
	DeliverySecret string
	InboundSecret  string
	PaymentSecret  string
	Tolerance      time.Duration
}

// Processor runs the ingestion pipeline for every inbound webhook:
// verify, parse, derive the dedup key, skip if seen, correlate, apply, and
// record the key in the same transaction as the application.
type Processor struct {
	pool     db.Pool
	delivery *Verifier
	inbound  *Verifier
	payment  *PaymentVerifier
	ledger   *dedup.Ledger
	outreach *engagement.Repository
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewProcessor(pool db.Pool, opts Options) (*Processor, error) {
	delivery, err := NewVerifier(opts.DeliverySecret, opts.Tolerance)
	if err != nil {
		return nil, fmt.Errorf("delivery secret: %w", err)
	}
	inbound, err := NewVerifier(opts.InboundSecret, opts.Tolerance)
	if err != nil {
		return nil, fmt.Errorf("inbound secret: %w", err)
	}
	return &Processor{
		pool:     pool,
		delivery: delivery,
		inbound:  inbound,
		payment:  NewPaymentVerifier(opts.PaymentSecret, opts.Tolerance),
		ledger:   dedup.NewLedger(pool),
		outreach: engagement.NewRepository(pool),
		notifier: notify.NewLocal(),
		logger:   slog.Default(),
		now:      time.Now,
	}, nil
}

func (p *Processor) WithNotifier(n notify.Notifier) *Processor {
	if n != nil {
		p.notifier = n
	}
	return p
}

func (p *Processor) WithMetrics(m *metrics.Metrics) *Processor {
	p.metrics = m
	return p
}

func (p *Processor) WithLogger(logger *slog.Logger) *Processor {
	if logger != nil {
		p.logger = logger
	}
	return p
}

func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	p.delivery.now = now
	p.inbound.now = now
	p.payment.now = now
	return p
}

// VerifiersEnabled reports which sources check signatures, for startup logging.
func (p *Processor) VerifiersEnabled() map[Source]bool {
	return map[Source]bool{
		SourceDelivery: p.delivery.Enabled(),
		SourceInbound:  p.inbound.Enabled(),
		SourcePayment:  p.payment.Enabled(),
	}
}

// Handle dispatches one request by source. Signature failures wrap
// ErrInvalidSignature and parse failures wrap ErrMalformed; both mutate nothing.
func (p *Processor) Handle(ctx context.Context, source Source, h http.Header, body []byte) (Response, error) {
	var (
		resp Response
		err  error
	)
	switch source {
	case SourceDelivery:
		resp, err = p.handleDelivery(ctx, h, body)
	case SourceInbound:
		resp, err = p.handleReply(ctx, h, body)
	case SourcePayment:
		resp, err = p.handlePayment(ctx, h, body)
	default:
		return Response{}, fmt.Errorf("webhook: unknown source %q", source)
	}

	outcome, detail := outcomeOf(resp, err)
	p.metrics.Webhook(string(source), outcome)
	if logErr := p.ledger.LogWebhook(ctx, dedup.LogEntry{Source: string(source), Body: body, Outcome: outcome, Detail: detail}); logErr != nil {
		p.logger.Warn("webhook audit log failed", "source", source, "error", logErr)
	}
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, ErrInvalidSignature) || errors.Is(err, ErrMalformed) {
			level = slog.LevelWarn
		}
		p.logger.Log(ctx, level, "webhook rejected", "source", source, "outcome", outcome, "error", err)
	}
	return resp, err
}

func (p *Processor) handleReply(ctx context.Context, h http.Header, body []byte) (Response, error) {
	webhookID, err := p.inbound.Verify(h, body)
	if err != nil {
		return Response{}, err
	}
	reply, err := ParseReply(body, p.now())
	if err != nil {
		return Response{}, err
	}
	if reply.MessageID == "" && webhookID != "" && p.inbound.Enabled() {
		reply.MessageID = webhookID
	}
	key := reply.DedupKey()

	seen, err := p.ledger.Seen(ctx, key)
	if err != nil {
		return Response{}, err
	}
	if seen {
		return Response{OK: true, Duplicate: true}, nil
	}

	corr, reason, err := p.correlate(ctx, reply)
	if err != nil {
		return Response{}, err
	}
	if reason != "" {
		p.logger.Info("reply not routed", "sender", reply.Sender, "in_reply_to", reply.InReplyTo, "reason", reason)
		return Response{OK: true, Routed: boolPtr(false), Reason: reason}, nil
	}

	err = p.inTx(ctx, func(tx pgx.Tx) error {
		repo := p.outreach.WithTx(tx)
		if _, err := repo.Get(ctx, corr.CampaignID, corr.CreatorID); errors.Is(err, engagement.ErrNotFound) {
			if _, err := repo.Upsert(ctx, corr.CampaignID, workflow.Engagement{CreatorID: corr.CreatorID, Email: corr.Email}); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		if _, err := repo.ApplyReply(ctx, corr.CampaignID, corr.CreatorID, workflow.Message{
			From:      "creator",
			To:        "brand",
			Body:      reply.Body,
			Timestamp: reply.Timestamp,
		}); err != nil {
			return err
		}
		return p.ledger.WithTx(tx).Record(ctx, key, string(SourceInbound))
	})
	if errors.Is(err, dedup.ErrDuplicate) {
		return Response{OK: true, Duplicate: true}, nil
	}
	if err != nil {
		return Response{}, fmt.Errorf("webhook: apply reply: %w", err)
	}

	if err := p.notifier.Publish(ctx, notify.ReplyTopic(corr.CampaignID)); err != nil {
		p.logger.Warn("reply notification failed", "instance_id", corr.CampaignID, "error", err)
	}
	p.logger.Info("reply applied", "instance_id", corr.CampaignID, "creator_id", corr.CreatorID, "dedup_key", key)
	return Response{OK: true, Routed: boolPtr(true), CampaignID: corr.CampaignID, CreatorID: corr.CreatorID}, nil
}

// correlate resolves a reply to its campaign and creator. The in-reply-to
// mapping wins over the sender address. A non-empty reason means unroutable.
func (p *Processor) correlate(ctx context.Context, r Reply) (engagement.Correlation, string, error) {
	if r.InReplyTo != "" {
		c, err := p.outreach.LookupByMessageID(ctx, r.InReplyTo)
		if err == nil {
			return c, "", nil
		}
		if !errors.Is(err, engagement.ErrNoMapping) {
			return engagement.Correlation{}, "", err
		}
	}
	if r.Sender != "" {
		c, err := p.outreach.LookupBySender(ctx, r.Sender)
		if err == nil {
			return c, "", nil
		}
		if !errors.Is(err, engagement.ErrNoMapping) {
			return engagement.Correlation{}, "", err
		}
	}
	return engagement.Correlation{}, "no outreach matches message id or sender", nil
}

func (p *Processor) handleDelivery(ctx context.Context, h http.Header, body []byte) (Response, error) {
	webhookID, err := p.delivery.Verify(h, body)
	if err != nil {
		return Response{}, err
	}
	ev, err := ParseDelivery(body)
	if err != nil {
		return Response{}, err
	}
	if ev.Type == "" || ev.EmailID == "" {
		return Response{OK: true, Skipped: true, Reason: "missing type or email_id"}, nil
	}
	if !ev.Supported() {
		return Response{OK: true, Skipped: true, Reason: "unsupported event type", EventType: ev.Type}, nil
	}

	key := "evt:" + webhookID
	if webhookID == "" {
		key = "evt:" + ev.EmailID + ":" + ev.Type
	}
	seen, err := p.ledger.Seen(ctx, key)
	if err != nil {
		return Response{}, err
	}
	if seen {
		return Response{OK: true, Duplicate: true}, nil
	}

	corr, err := p.outreach.LookupByMessageID(ctx, ev.EmailID)
	if err != nil && !errors.Is(err, engagement.ErrNoMapping) {
		return Response{}, err
	}

	var eventID string
	err = p.inTx(ctx, func(tx pgx.Tx) error {
		repo := p.outreach.WithTx(tx)
		id, err := repo.RecordEmailEvent(ctx, engagement.EmailEvent{
			EmailID:    ev.EmailID,
			EventType:  ev.Type,
			Recipient:  ev.Recipient,
			CampaignID: corr.CampaignID,
			CreatorID:  corr.CreatorID,
			Payload:    ev.Raw,
		})
		if err != nil {
			return err
		}
		eventID = id
		if corr.CampaignID != "" && (ev.Type == "bounced" || ev.Type == "complained") {
			note := fmt.Sprintf("%s: %s", ev.Type, ev.Recipient)
			if _, err := repo.AddNote(ctx, corr.CampaignID, corr.CreatorID, note); err != nil && !errors.Is(err, engagement.ErrNotFound) {
				return err
			}
		}
		return p.ledger.WithTx(tx).Record(ctx, key, string(SourceDelivery))
	})
	if errors.Is(err, dedup.ErrDuplicate) {
		return Response{OK: true, Duplicate: true}, nil
	}
	if err != nil {
		return Response{}, fmt.Errorf("webhook: apply delivery event: %w", err)
	}

	p.logger.Info("delivery event recorded", "event_type", ev.Type, "email_id", ev.EmailID, "instance_id", corr.CampaignID)
	return Response{OK: true, EventID: eventID, EventType: ev.Type, CampaignID: corr.CampaignID, CreatorID: corr.CreatorID}, nil
}

func (p *Processor) handlePayment(ctx context.Context, h http.Header, body []byte) (Response, error) {
	if err := p.payment.Verify(h, body); err != nil {
		return Response{}, err
	}
	ev, err := ParsePayment(body)
	if err != nil {
		return Response{}, err
	}
	if ev.EventType != EventTransactionCompleted {
		return Response{OK: true, EventType: ev.EventType, Handled: boolPtr(false)}, nil
	}
	if ev.TransactionID == "" {
		return Response{}, fmt.Errorf("%w: transaction id required", ErrMalformed)
	}
	if ev.CampaignID == "" {
		return Response{OK: true, Skipped: true, Reason: "no_campaign_id"}, nil
	}
	amount, err := MinorToDecimal(ev.GrandTotal)
	if err != nil {
		return Response{}, err
	}

	key := "txn:" + ev.TransactionID
	seen, err := p.ledger.Seen(ctx, key)
	if err != nil {
		return Response{}, err
	}
	if seen {
		return Response{OK: true, Duplicate: true}, nil
	}

	var duplicate bool
	err = p.inTx(ctx, func(tx pgx.Tx) error {
		dup, err := campaign.NewRepository(tx).RecordPayment(ctx, campaign.PaymentParams{
			CampaignID:    ev.CampaignID,
			TransactionID: ev.TransactionID,
			Amount:        amount,
		})
		if err != nil {
			return err
		}
		duplicate = dup
		return p.ledger.WithTx(tx).Record(ctx, key, string(SourcePayment))
	})
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		return Response{OK: true, Skipped: true, Reason: "campaign_not_found"}, nil
	case errors.Is(err, dedup.ErrDuplicate):
		return Response{OK: true, Duplicate: true}, nil
	case err != nil:
		return Response{}, fmt.Errorf("webhook: apply payment: %w", err)
	}
	if duplicate {
		return Response{OK: true, Duplicate: true}, nil
	}

	p.logger.Info("campaign paid", "instance_id", ev.CampaignID, "transaction_id", ev.TransactionID, "amount", amount)
	return Response{OK: true, CampaignID: ev.CampaignID, PaymentStatus: "paid"}, nil
}

func (p *Processor) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if db.IsUniqueViolation(err) {
			return dedup.ErrDuplicate
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func outcomeOf(resp Response, err error) (string, string) {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return "rejected_signature", err.Error()
	case errors.Is(err, ErrMalformed):
		return "rejected_malformed", err.Error()
	case err != nil:
		return "error", err.Error()
	case resp.Duplicate:
		return "duplicate", ""
	case resp.Skipped:
		return "skipped", resp.Reason
	case resp.Routed != nil && !*resp.Routed:
		return "unrouted", resp.Reason
	case resp.Handled != nil && !*resp.Handled:
		return "ignored", resp.EventType
	}
	return "applied", ""
}

func boolPtr(b bool) *bool {
	return &b
}
