package workflow

type ActionKind string

const (
	ActionGenerateStrategy ActionKind = "generate_strategy"
	ActionRequestApproval  ActionKind = "request_approval"
	ActionFindCreators     ActionKind = "find_creators"
	ActionDraftOutreach    ActionKind = "draft_outreach"
	ActionSendOutreach     ActionKind = "send_outreach"
	ActionCollectResponses ActionKind = "collect_responses"
	ActionNegotiateTerms   ActionKind = "negotiate_terms"
	ActionGeneratePayment  ActionKind = "generate_payment"
	ActionMonitorCampaign  ActionKind = "monitor_campaign"
	ActionGenerateReport   ActionKind = "generate_report"
	ActionComplete         ActionKind = "complete"
	// ActionHalt stops execution of a cancelled campaign without completing it.
	ActionHalt ActionKind = "halt"
)

// Action is the next step Reason selects for a campaign.
type Action struct {
	Kind      ActionKind
	Approval  ApprovalKind
	CreatorID string
	Reasoning string
}

func (a Action) RequiresApproval() bool {
	return a.Kind == ActionRequestApproval
}
