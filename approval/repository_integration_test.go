package approval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaignflow/test/infra"
	"campaignflow/workflow"
)

func TestRepository_Integration_OnePendingPerGate(t *testing.T) {
	pool := infra.NewTestDB(t)
	ctx := context.Background()
	repo := NewRepository(pool)

	var campaignID string
	require.NoError(t, pool.QueryRow(ctx, `INSERT INTO campaigns (status) VALUES ('running') RETURNING id::text`).Scan(&campaignID))

	first, err := repo.Create(ctx, CreateParams{
		CampaignID: campaignID,
		Kind:       workflow.ApprovalStrategy,
		Payload:    map[string]any{"approach": "micro-influencers"},
		Reasoning:  "Strategy ready; request human approval.",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, first.Status)
	assert.Equal(t, "Campaign strategy", first.Subject)
	assert.JSONEq(t, `{"approach":"micro-influencers"}`, string(first.Payload))

	again, err := repo.Create(ctx, CreateParams{CampaignID: campaignID, Kind: workflow.ApprovalStrategy})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "second request must reattach to the pending row")

	rejected, err := repo.Decide(ctx, DecideParams{ID: first.ID, Status: StatusRejected, Feedback: "too broad", DecidedBy: "op"})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, "too broad", rejected.Feedback)
	require.NotNil(t, rejected.DecidedAt)

	_, err = repo.Decide(ctx, DecideParams{ID: first.ID, Status: StatusApproved})
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	_, err = repo.Decide(ctx, DecideParams{ID: first.ID, Status: "maybe"})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = repo.Decide(ctx, DecideParams{ID: "00000000-0000-0000-0000-000000000000", Status: StatusApproved})
	assert.ErrorIs(t, err, ErrNotFound)

	second, err := repo.Create(ctx, CreateParams{CampaignID: campaignID, Kind: workflow.ApprovalStrategy})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID, "a decided row frees the gate")

	pending, err := repo.List(ctx, StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	withdrawn, err := repo.WithdrawPending(ctx, campaignID)
	require.NoError(t, err)
	require.Len(t, withdrawn, 1)
	assert.Equal(t, WithdrawnFeedback, withdrawn[0].Feedback)

	all, err := repo.ListForCampaign(ctx, campaignID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRepository_Integration_CreateWithDecidedIDReturnsDecision(t *testing.T) {
	pool := infra.NewTestDB(t)
	ctx := context.Background()
	repo := NewRepository(pool)

	var campaignID string
	require.NoError(t, pool.QueryRow(ctx, `INSERT INTO campaigns (status) VALUES ('running') RETURNING id::text`).Scan(&campaignID))

	id := "6f1c1c1e-5d0b-4a53-9a36-3f3a9f2a7d11"
	first, err := repo.Create(ctx, CreateParams{ID: id, CampaignID: campaignID, Kind: workflow.ApprovalStrategy})
	require.NoError(t, err)
	assert.Equal(t, id, first.ID)

	_, err = repo.Decide(ctx, DecideParams{ID: id, Status: StatusApproved, DecidedBy: "op"})
	require.NoError(t, err)

	again, err := repo.Create(ctx, CreateParams{ID: id, CampaignID: campaignID, Kind: workflow.ApprovalStrategy})
	require.NoError(t, err)
	assert.Equal(t, id, again.ID)
	assert.Equal(t, StatusApproved, again.Status)

	rows, err := repo.ListForCampaign(ctx, campaignID)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "a decided bound row must not be asked again")
}
