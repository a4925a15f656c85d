package workflow

import "fmt"

// State is a named point in the campaign progression.
type State string

const (
	StateBriefReceived            State = "brief_received"
	StateStrategyDraft            State = "strategy_draft"
	StateAwaitingStrategyApproval State = "awaiting_brief_approval"
	StateCreatorDiscovery         State = "creator_discovery"
	StateAwaitingCreatorApproval  State = "awaiting_creator_approval"
	StateOutreachDraft            State = "outreach_draft"
	StateAwaitingOutreachApproval State = "awaiting_outreach_approval"
	StateOutreachInProgress       State = "outreach_in_progress"
	StateNegotiation              State = "negotiation"
	StateAwaitingTermsApproval    State = "awaiting_terms_approval"
	StatePaymentPending           State = "payment_pending"
	StateCampaignActive           State = "campaign_active"
	StateCompleted                State = "completed"
)

var orderedStates = []State{
	StateBriefReceived,
	StateStrategyDraft,
	StateAwaitingStrategyApproval,
	StateCreatorDiscovery,
	StateAwaitingCreatorApproval,
	StateOutreachDraft,
	StateAwaitingOutreachApproval,
	StateOutreachInProgress,
	StateNegotiation,
	StateAwaitingTermsApproval,
	StatePaymentPending,
	StateCampaignActive,
	StateCompleted,
}

// States returns every state in workflow order.
func States() []State {
	out := make([]State, len(orderedStates))
	copy(out, orderedStates)
	return out
}

func (s State) Valid() bool {
	for _, known := range orderedStates {
		if s == known {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	return s == StateCompleted
}

// AwaitingApproval reports whether the state is an approval gate.
func (s State) AwaitingApproval() bool {
	_, ok := advanceTable[s]
	return ok
}

// ParseState validates a persisted state value.
func ParseState(raw string) (State, error) {
	s := State(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, raw)
	}
	return s, nil
}

// ApprovalKind identifies which artifact a human is asked to review.
type ApprovalKind string

const (
	ApprovalStrategy ApprovalKind = "strategy"
	ApprovalCreators ApprovalKind = "creators"
	ApprovalOutreach ApprovalKind = "outreach"
	ApprovalTerms    ApprovalKind = "terms"
)

func (k ApprovalKind) Valid() bool {
	_, ok := gateStates[k]
	return ok
}

// AwaitingState is the gate state entered before the approval is requested.
func (k ApprovalKind) AwaitingState() State {
	return gateStates[k]
}

var gateStates = map[ApprovalKind]State{
	ApprovalStrategy: StateAwaitingStrategyApproval,
	ApprovalCreators: StateAwaitingCreatorApproval,
	ApprovalOutreach: StateAwaitingOutreachApproval,
	ApprovalTerms:    StateAwaitingTermsApproval,
}

// advanceTable maps each gate to its successor on approval.
var advanceTable = map[State]State{
	StateAwaitingStrategyApproval: StateCreatorDiscovery,
	StateAwaitingCreatorApproval:  StateOutreachDraft,
	StateAwaitingOutreachApproval: StateOutreachInProgress,
	StateAwaitingTermsApproval:    StatePaymentPending,
}

// revertTable maps each gate to the editable state it falls back to on rejection.
var revertTable = map[State]State{
	StateAwaitingStrategyApproval: StateStrategyDraft,
	StateAwaitingCreatorApproval:  StateCreatorDiscovery,
	StateAwaitingOutreachApproval: StateOutreachDraft,
	StateAwaitingTermsApproval:    StateNegotiation,
}

// AdvanceFrom returns the successor of a gate state.
func AdvanceFrom(s State) (State, bool) {
	next, ok := advanceTable[s]
	return next, ok
}

// RevertFrom returns the predecessor a rejected gate falls back to.
func RevertFrom(s State) (State, bool) {
	prev, ok := revertTable[s]
	return prev, ok
}
