package worker

import (
	"context"
	"fmt"

	"campaignflow/workflow"
)

// Toolset performs the non-approval actions Reason selects. Feedback is the
// latest rejection note for the gate the output will be reviewed at, empty on
// the first attempt.
type Toolset interface {
	GenerateStrategy(ctx context.Context, c *workflow.Context, feedback string) (workflow.StrategyResult, error)
	FindCreators(ctx context.Context, c *workflow.Context, feedback string) (workflow.CreatorsResult, error)
	DraftOutreach(ctx context.Context, c *workflow.Context, feedback string) (workflow.OutreachDraftsResult, error)
	SendOutreach(ctx context.Context, c *workflow.Context) (workflow.OutreachSentResult, error)
	CollectResponses(ctx context.Context, c *workflow.Context) (workflow.ResponsesResult, error)
	NegotiateTerms(ctx context.Context, c *workflow.Context, creatorID, feedback string) (workflow.CounterOfferResult, error)
	GeneratePayment(ctx context.Context, c *workflow.Context, creatorID string) (workflow.PaymentResult, error)
	MonitorCampaign(ctx context.Context, c *workflow.Context) (workflow.MonitorResult, error)
	GenerateReport(ctx context.Context, c *workflow.Context) (workflow.ReportResult, error)
}

func execute(ctx context.Context, tools Toolset, c *workflow.Context, a workflow.Action) (workflow.Result, error) {
	switch a.Kind {
	case workflow.ActionGenerateStrategy:
		return tools.GenerateStrategy(ctx, c, c.LastFeedback(workflow.ApprovalStrategy))
	case workflow.ActionFindCreators:
		return tools.FindCreators(ctx, c, c.LastFeedback(workflow.ApprovalCreators))
	case workflow.ActionDraftOutreach:
		return tools.DraftOutreach(ctx, c, c.LastFeedback(workflow.ApprovalOutreach))
	case workflow.ActionSendOutreach:
		return tools.SendOutreach(ctx, c)
	case workflow.ActionCollectResponses:
		res, err := tools.CollectResponses(ctx, c)
		if err != nil {
			return nil, err
		}
		return settleResponses(res), nil
	case workflow.ActionNegotiateTerms:
		return tools.NegotiateTerms(ctx, c, a.CreatorID, c.LastFeedback(workflow.ApprovalTerms))
	case workflow.ActionGeneratePayment:
		return tools.GeneratePayment(ctx, c, a.CreatorID)
	case workflow.ActionMonitorCampaign:
		return tools.MonitorCampaign(ctx, c)
	case workflow.ActionGenerateReport:
		return tools.GenerateReport(ctx, c)
	}
	return nil, fmt.Errorf("worker: no tool for action %q", a.Kind)
}

// settleResponses moves the campaign on to monitoring when nobody has replied
// yet. Replies that arrive later are still recorded against the engagement.
func settleResponses(r workflow.ResponsesResult) workflow.ResponsesResult {
	if r.Next != "" || anyResponded(r.Engagements) {
		return r
	}
	r.Next = workflow.StateCampaignActive
	return r
}

func anyResponded(engagements []workflow.Engagement) bool {
	for _, e := range engagements {
		if e.Status == workflow.EngagementResponded {
			return true
		}
	}
	return false
}
