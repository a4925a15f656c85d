package webhook

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaignflow/engagement"
	"campaignflow/notify"
	"campaignflow/test/infra"
	"campaignflow/workflow"
)

type fixture struct {
	pool       *pgxpool.Pool
	proc       *Processor
	engagement *engagement.Repository
	bus        *notify.Local
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool := infra.NewTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)
	proc, err := NewProcessor(pool, Options{InboundSecret: testSecret, DeliverySecret: testSecret, PaymentSecret: "pdl_secret"})
	require.NoError(t, err)
	bus := notify.NewLocal()
	proc.WithClock(func() time.Time { return now }).WithNotifier(bus)
	return &fixture{pool: pool, proc: proc, engagement: engagement.NewRepository(pool), bus: bus, now: now}
}

func (f *fixture) seedOutreach(t *testing.T, messageID, creatorID, email string) string {
	t.Helper()
	ctx := context.Background()
	var campaignID string
	require.NoError(t, f.pool.QueryRow(ctx, `INSERT INTO campaigns (status) VALUES ('running') RETURNING id::text`).Scan(&campaignID))
	_, err := f.engagement.Upsert(ctx, campaignID, workflow.Engagement{CreatorID: creatorID, Email: email})
	require.NoError(t, err)
	require.NoError(t, f.engagement.RecordSent(ctx, campaignID, workflow.SentMessage{MessageID: messageID, CreatorID: creatorID, Email: email}))
	return campaignID
}

func (f *fixture) signed(id string, body []byte) http.Header {
	h := http.Header{}
	h.Set("webhook-id", id)
	h.Set("webhook-timestamp", strconv.FormatInt(f.now.Unix(), 10))
	h.Set("webhook-signature", f.proc.inbound.Sign(id, f.now, body))
	return h
}

func TestProcessor_Integration_ReplyAppliedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	campaignID := f.seedOutreach(t, "sim_c_cr1", "cr-1", "jane@example.com")

	wake, cancel := f.bus.Subscribe(notify.ReplyTopic(campaignID))
	defer cancel()

	body := []byte(`{"from_email":"Jane <jane@example.com>","body":"Happy to work together","in_reply_to":"sim_c_cr1"}`)
	resp, err := f.proc.Handle(ctx, SourceInbound, f.signed("wh_1", body), body)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	require.NotNil(t, resp.Routed)
	assert.True(t, *resp.Routed)
	assert.Equal(t, campaignID, resp.CampaignID)
	assert.Equal(t, "cr-1", resp.CreatorID)

	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("expected reply notification")
	}

	for i := 0; i < 3; i++ {
		again, err := f.proc.Handle(ctx, SourceInbound, f.signed("wh_1", body), body)
		require.NoError(t, err)
		assert.True(t, again.Duplicate)
	}

	e, err := f.engagement.Get(ctx, campaignID, "cr-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.EngagementResponded, e.Status)
	assert.Len(t, e.MessageHistory, 1)
	assert.Equal(t, 2, e.Version)
}

func TestProcessor_Integration_UnsignedRedeliveryHashesContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	campaignID := f.seedOutreach(t, "sim_x", "cr-1", "jane@example.com")
	unsigned, err := NewProcessor(f.pool, Options{})
	require.NoError(t, err)

	first := []byte(`{"from":"jane@example.com","text":"Sure,  let's talk"}`)
	retry := []byte(`{"from":"JANE@example.com","text":"Sure, let's talk"}`)

	resp, err := unsigned.Handle(ctx, SourceInbound, http.Header{}, first)
	require.NoError(t, err)
	assert.Equal(t, campaignID, resp.CampaignID)

	resp, err = unsigned.Handle(ctx, SourceInbound, http.Header{}, retry)
	require.NoError(t, err)
	assert.True(t, resp.Duplicate)
}

func TestProcessor_Integration_MessageIDBeatsSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	byID := f.seedOutreach(t, "sim_a", "cr-a", "agent@talent.example")
	bySender := f.seedOutreach(t, "sim_b", "cr-b", "someone@else.example")

	body := []byte(`{"from_email":"someone@else.example","body":"Replying for my client","in_reply_to":"sim_a"}`)
	resp, err := f.proc.Handle(ctx, SourceInbound, f.signed("wh_2", body), body)
	require.NoError(t, err)
	assert.Equal(t, byID, resp.CampaignID)
	assert.Equal(t, "cr-a", resp.CreatorID)

	untouched, err := f.engagement.Get(ctx, bySender, "cr-b")
	require.NoError(t, err)
	assert.Empty(t, untouched.MessageHistory)
}

func TestProcessor_Integration_UnroutedIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"from_email":"stranger@example.com","body":"Who is this?"}`)
	resp, err := f.proc.Handle(context.Background(), SourceInbound, f.signed("wh_3", body), body)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	require.NotNil(t, resp.Routed)
	assert.False(t, *resp.Routed)
	assert.NotEmpty(t, resp.Reason)
}

func TestProcessor_Integration_BadSignatureMutatesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	campaignID := f.seedOutreach(t, "sim_s", "cr-1", "jane@example.com")

	body := []byte(`{"from_email":"jane@example.com","body":"hi","in_reply_to":"sim_s"}`)
	h := f.signed("wh_4", []byte(`{"other":"body"}`))
	_, err := f.proc.Handle(ctx, SourceInbound, h, body)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	e, err := f.engagement.Get(ctx, campaignID, "cr-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.EngagementContacted, e.Status)
}

func TestProcessor_Integration_DeliveryEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	campaignID := f.seedOutreach(t, "sim_d", "cr-1", "jane@example.com")

	body := []byte(`{"type":"email.bounced","data":{"email_id":"sim_d","to":["jane@example.com"]}}`)
	h := f.signed("evt_1", body)
	resp, err := f.proc.Handle(ctx, SourceDelivery, h, body)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.EventID)
	assert.Equal(t, campaignID, resp.CampaignID)

	again, err := f.proc.Handle(ctx, SourceDelivery, h, body)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	var events int
	require.NoError(t, f.pool.QueryRow(ctx, `SELECT count(*) FROM email_events WHERE email_id = 'sim_d'`).Scan(&events))
	assert.Equal(t, 1, events)

	e, err := f.engagement.Get(ctx, campaignID, "cr-1")
	require.NoError(t, err)
	assert.Contains(t, e.Notes, "bounced")

	skipped, err := f.proc.Handle(ctx, SourceDelivery, f.signed("evt_2", []byte(`{"type":"email.sent","data":{}}`)), []byte(`{"type":"email.sent","data":{}}`))
	require.NoError(t, err)
	assert.True(t, skipped.Skipped)
}

func TestProcessor_Integration_PaymentIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	campaignID := f.seedOutreach(t, "sim_p", "cr-1", "jane@example.com")

	body := []byte(`{"event_type":"transaction.completed","data":{"id":"txn_9","custom_data":{"instance_id":"` + campaignID + `"},"details":{"totals":{"grand_total":"150000"}}}}`)
	h := http.Header{}
	h.Set(PaymentSignatureHeader, f.proc.payment.Sign(f.now, body))

	resp, err := f.proc.Handle(ctx, SourcePayment, h, body)
	require.NoError(t, err)
	assert.Equal(t, "paid", resp.PaymentStatus)

	again, err := f.proc.Handle(ctx, SourcePayment, h, body)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	var amount, status string
	require.NoError(t, f.pool.QueryRow(ctx, `SELECT amount_paid::text, payment_status FROM campaigns WHERE id = $1`, campaignID).Scan(&amount, &status))
	assert.Equal(t, "1500.00", amount)
	assert.Equal(t, "paid", status)

	other := []byte(`{"event_type":"transaction.updated","data":{"id":"txn_9"}}`)
	h.Set(PaymentSignatureHeader, f.proc.payment.Sign(f.now, other))
	ignored, err := f.proc.Handle(ctx, SourcePayment, h, other)
	require.NoError(t, err)
	require.NotNil(t, ignored.Handled)
	assert.False(t, *ignored.Handled)
}
