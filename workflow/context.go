package workflow

import "errors"

var (
	// ErrUnknownState signals a state value outside the workflow enum.
	ErrUnknownState = errors.New("workflow: unknown state")
	// ErrUnknownResult signals a step result type Update does not handle.
	ErrUnknownResult = errors.New("workflow: unknown result")
	// ErrInvalidTransition is returned when an approval gate is entered from the wrong state.
	ErrInvalidTransition = errors.New("workflow: invalid transition")
	// ErrInvalidApprovalKind signals an approval kind outside the enum.
	ErrInvalidApprovalKind = errors.New("workflow: invalid approval kind")
	// ErrNilContext is returned when a transition is asked of a missing context.
	ErrNilContext = errors.New("workflow: nil context")
)

// Context is the full state of one campaign instance.
type Context struct {
	CampaignID          string               `json:"campaign_id"`
	State               State                `json:"state"`
	Brief               Brief                `json:"brief"`
	Criteria            *CreatorCriteria     `json:"creator_criteria,omitempty"`
	Strategy            *Strategy            `json:"strategy,omitempty"`
	Creators            []Creator            `json:"creators,omitempty"`
	OutreachDrafts      []OutreachDraft      `json:"outreach_drafts,omitempty"`
	OutreachSent        *SendSummary         `json:"outreach_sent,omitempty"`
	Engagements         *EngagementMap       `json:"engagements,omitempty"`
	PendingCounterOffer *CounterOffer        `json:"pending_counter_offer,omitempty"`
	PendingCreatorID    string               `json:"pending_creator_id,omitempty"`
	PaymentInstructions *PaymentInstructions `json:"payment_instructions,omitempty"`
	MonitorUpdates      []MonitorUpdate      `json:"monitor_updates,omitempty"`
	Report              *Report              `json:"report,omitempty"`
	History             []HistoryEntry       `json:"history"`
	Cancelled           bool                 `json:"cancelled,omitempty"`
	PendingApprovalID   string               `json:"pending_approval_id,omitempty"`
}

// NewContext starts a campaign at BriefReceived.
func NewContext(campaignID string, brief Brief) *Context {
	return &Context{
		CampaignID: campaignID,
		State:      StateBriefReceived,
		Brief:      brief,
		History:    []HistoryEntry{},
	}
}

func (c *Context) Complete() bool {
	return c.State.Terminal()
}

// LastFeedback returns the most recent rejection feedback recorded for a gate.
func (c *Context) LastFeedback(kind ApprovalKind) string {
	step := rejectedStep(kind)
	for i := len(c.History) - 1; i >= 0; i-- {
		if c.History[i].Step == step && c.History[i].Feedback != "" {
			return c.History[i].Feedback
		}
	}
	return ""
}

// Clone copies the context deeply enough that Update never aliases the caller's slices.
func (c *Context) Clone() *Context {
	out := *c
	out.Brief.Platforms = append([]string(nil), c.Brief.Platforms...)
	out.Brief.Deliverables = append([]string(nil), c.Brief.Deliverables...)
	out.Brief.SeedCreators = append([]Creator(nil), c.Brief.SeedCreators...)
	if c.Criteria != nil {
		cr := *c.Criteria
		out.Criteria = &cr
	}
	if c.Strategy != nil {
		s := *c.Strategy
		out.Strategy = &s
	}
	out.Creators = append([]Creator(nil), c.Creators...)
	out.OutreachDrafts = append([]OutreachDraft(nil), c.OutreachDrafts...)
	if c.OutreachSent != nil {
		s := *c.OutreachSent
		s.Messages = append([]SentMessage(nil), c.OutreachSent.Messages...)
		s.Failed = append([]SendFailure(nil), c.OutreachSent.Failed...)
		out.OutreachSent = &s
	}
	out.Engagements = c.Engagements.Clone()
	if c.PendingCounterOffer != nil {
		o := *c.PendingCounterOffer
		out.PendingCounterOffer = &o
	}
	if c.PaymentInstructions != nil {
		p := *c.PaymentInstructions
		out.PaymentInstructions = &p
	}
	out.MonitorUpdates = append([]MonitorUpdate(nil), c.MonitorUpdates...)
	if c.Report != nil {
		r := *c.Report
		out.Report = &r
	}
	out.History = append([]HistoryEntry{}, c.History...)
	return &out
}
