package engagement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaignflow/test/infra"
	"campaignflow/workflow"
)

func TestRepository_Integration_Lifecycle(t *testing.T) {
	pool := infra.NewTestDB(t)
	ctx := context.Background()
	repo := NewRepository(pool)

	var campaignID string
	require.NoError(t, pool.QueryRow(ctx, `INSERT INTO campaigns (status) VALUES ('running') RETURNING id::text`).Scan(&campaignID))

	created, err := repo.Upsert(ctx, campaignID, workflow.Engagement{CreatorID: "cr-1", Email: "jane@example.com"})
	require.NoError(t, err)
	assert.Equal(t, workflow.EngagementContacted, created.Status)
	assert.Equal(t, 1, created.Version)
	assert.Empty(t, created.MessageHistory)

	_, err = repo.Upsert(ctx, campaignID, workflow.Engagement{CreatorID: "cr-2"})
	require.NoError(t, err)

	replied, err := repo.ApplyReply(ctx, campaignID, "cr-1", workflow.Message{Body: "Sounds great", Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, workflow.EngagementResponded, replied.Status)
	assert.Equal(t, 2, replied.Version)
	require.Len(t, replied.MessageHistory, 1)
	assert.Equal(t, "creator", replied.MessageHistory[0].From)
	require.NotNil(t, replied.ResponseTimestamp)

	proposed, err := repo.SetProposal(ctx, campaignID, "cr-1", workflow.Terms{FeeGBP: 1000, Deadline: "2 weeks from acceptance"}, nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.EngagementNegotiating, proposed.Status)
	require.NotNil(t, proposed.LatestProposal)
	assert.InDelta(t, 1000, proposed.LatestProposal.FeeGBP, 0.001)

	agreed, err := repo.SetTerms(ctx, campaignID, "cr-1", workflow.Terms{FeeGBP: 1100})
	require.NoError(t, err)
	assert.Equal(t, workflow.EngagementAgreed, agreed.Status)
	require.NotNil(t, agreed.Terms)

	_, err = repo.SetProposal(ctx, campaignID, "cr-1", workflow.Terms{FeeGBP: 900}, nil)
	assert.ErrorIs(t, err, ErrStatusRegression)

	list, err := repo.List(ctx, campaignID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "cr-1", list[0].CreatorID)
	assert.Equal(t, "cr-2", list[1].CreatorID)

	_, err = repo.Get(ctx, campaignID, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_Integration_Correlation(t *testing.T) {
	pool := infra.NewTestDB(t)
	ctx := context.Background()
	repo := NewRepository(pool)

	var first, second string
	require.NoError(t, pool.QueryRow(ctx, `INSERT INTO campaigns (status) VALUES ('running') RETURNING id::text`).Scan(&first))
	require.NoError(t, pool.QueryRow(ctx, `INSERT INTO campaigns (status) VALUES ('running') RETURNING id::text`).Scan(&second))

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	repo.WithClock(func() time.Time { return now })
	require.NoError(t, repo.RecordSent(ctx, first, workflow.SentMessage{MessageID: "msg-a", CreatorID: "cr-1", Email: "Jane@Example.com"}))
	require.NoError(t, repo.RecordSent(ctx, first, workflow.SentMessage{MessageID: "msg-a", CreatorID: "cr-1", Email: "jane@example.com"}))

	now = now.Add(time.Hour)
	require.NoError(t, repo.RecordSent(ctx, second, workflow.SentMessage{MessageID: "msg-b", CreatorID: "cr-9", Email: "jane@example.com"}))

	byID, err := repo.LookupByMessageID(ctx, "msg-a")
	require.NoError(t, err)
	assert.Equal(t, first, byID.CampaignID)
	assert.Equal(t, "cr-1", byID.CreatorID)

	bySender, err := repo.LookupBySender(ctx, " JANE@example.com ")
	require.NoError(t, err)
	assert.Equal(t, second, bySender.CampaignID, "sender fallback picks the latest outreach")

	_, err = repo.LookupByMessageID(ctx, "msg-unknown")
	assert.ErrorIs(t, err, ErrNoMapping)

	id, err := repo.RecordEmailEvent(ctx, EmailEvent{EmailID: "msg-a", EventType: "delivered", CampaignID: first, CreatorID: "cr-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}
