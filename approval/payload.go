package approval

import (
	"fmt"

	"campaignflow/workflow"
)

func DefaultSubject(kind workflow.ApprovalKind) string {
	switch kind {
	case workflow.ApprovalStrategy:
		return "Campaign strategy"
	case workflow.ApprovalCreators:
		return "Creator shortlist"
	case workflow.ApprovalOutreach:
		return "Outreach drafts"
	case workflow.ApprovalTerms:
		return "Negotiated terms"
	}
	return fmt.Sprintf("%s approval", kind)
}

type termsPayload struct {
	CreatorID string                `json:"creator_id"`
	Offer     *workflow.CounterOffer `json:"counter_offer"`
	Thread    string                `json:"thread,omitempty"`
}

type creatorsPayload struct {
	Creators []workflow.Creator        `json:"creators"`
	Criteria *workflow.CreatorCriteria `json:"criteria,omitempty"`
}

// Snapshot builds the request for the artifact under review at a gate. The
// payload is copied into the approval row so later context changes do not
// alter what the reviewer saw.
func Snapshot(c *workflow.Context, kind workflow.ApprovalKind, reasoning string) Request {
	req := Request{
		ApprovalID: c.PendingApprovalID,
		CampaignID: c.CampaignID,
		Kind:       kind,
		Subject:    DefaultSubject(kind),
		Reasoning:  reasoning,
	}
	switch kind {
	case workflow.ApprovalStrategy:
		req.Payload = c.Strategy
	case workflow.ApprovalCreators:
		req.Payload = creatorsPayload{Creators: c.Creators, Criteria: c.Criteria}
	case workflow.ApprovalOutreach:
		req.Payload = c.OutreachDrafts
	case workflow.ApprovalTerms:
		p := termsPayload{CreatorID: c.PendingCreatorID, Offer: c.PendingCounterOffer}
		if e, ok := c.Engagements.Get(c.PendingCreatorID); ok {
			p.Thread = workflow.SummarizeThread(e)
		}
		req.Payload = p
	}
	return req
}
