package workflow

import "fmt"

// Reason picks the next action from the context alone. It is total over State:
// terminal and unrecognised states yield ActionComplete.
func Reason(c *Context) Action {
	if c == nil {
		return Action{Kind: ActionComplete, Reasoning: "No campaign context."}
	}
	if c.Cancelled {
		return Action{Kind: ActionHalt, Reasoning: "Campaign cancelled."}
	}

	switch c.State {
	case StateBriefReceived:
		return Action{Kind: ActionGenerateStrategy, Reasoning: "Generate campaign strategy from brief."}
	case StateStrategyDraft:
		if c.Strategy == nil {
			return Action{Kind: ActionGenerateStrategy, Reasoning: "Strategy rejected; generate a new one."}
		}
		return approvalAction(ApprovalStrategy, "Strategy ready; request human approval.")
	case StateAwaitingStrategyApproval:
		return approvalAction(ApprovalStrategy, "Waiting on strategy approval.")
	case StateCreatorDiscovery:
		if len(c.Creators) == 0 {
			return Action{Kind: ActionFindCreators, Reasoning: "Discover and rank creators."}
		}
		return approvalAction(ApprovalCreators, "Creators found; request approval.")
	case StateAwaitingCreatorApproval:
		return approvalAction(ApprovalCreators, "Waiting on creator shortlist approval.")
	case StateOutreachDraft:
		if len(c.OutreachDrafts) == 0 {
			return Action{Kind: ActionDraftOutreach, Reasoning: "Draft personalized outreach messages."}
		}
		return approvalAction(ApprovalOutreach, "Outreach drafted; request approval.")
	case StateAwaitingOutreachApproval:
		return approvalAction(ApprovalOutreach, "Waiting on outreach approval.")
	case StateOutreachInProgress:
		return Action{Kind: ActionSendOutreach, Reasoning: "Send approved outreach to creators."}
	case StateNegotiation:
		if c.Engagements.Len() == 0 {
			return Action{Kind: ActionCollectResponses, Reasoning: "Collect creator responses."}
		}
		if e, ok := c.Engagements.FirstWithStatus(EngagementResponded); ok {
			return Action{
				Kind:      ActionNegotiateTerms,
				CreatorID: e.CreatorID,
				Reasoning: "Compose counter offer for responding creator.",
			}
		}
		return Action{Kind: ActionCollectResponses, Reasoning: "No responded engagements yet."}
	case StateAwaitingTermsApproval:
		return approvalAction(ApprovalTerms, "Request human approval for proposed terms.")
	case StatePaymentPending:
		return Action{
			Kind:      ActionGeneratePayment,
			CreatorID: c.PendingCreatorID,
			Reasoning: "Generate payment instructions from agreed terms.",
		}
	case StateCampaignActive:
		if len(c.MonitorUpdates) == 0 {
			return Action{Kind: ActionMonitorCampaign, Reasoning: "Monitor creator posts and collect metrics."}
		}
		if c.Report == nil {
			return Action{Kind: ActionGenerateReport, Reasoning: "Generate final report."}
		}
		return Action{Kind: ActionComplete, Reasoning: "Report completed."}
	}

	return Action{Kind: ActionComplete, Reasoning: "No further actions."}
}

func approvalAction(kind ApprovalKind, reasoning string) Action {
	return Action{Kind: ActionRequestApproval, Approval: kind, Reasoning: reasoning}
}

// EnterApproval moves the context into the gate state for kind. It is a no-op
// when the context is already waiting at that gate.
func EnterApproval(c *Context, kind ApprovalKind) (*Context, error) {
	if c == nil {
		return nil, ErrNilContext
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidApprovalKind, kind)
	}
	gate := kind.AwaitingState()
	if c.State == gate {
		return c, nil
	}
	if prev := revertTable[gate]; c.State != prev {
		return nil, fmt.Errorf("%w: cannot enter %s from %s", ErrInvalidTransition, gate, c.State)
	}

	next := c.Clone()
	next.State = gate
	next.History = append(next.History, HistoryEntry{State: gate, Step: awaitingStep(kind)})
	return next, nil
}

// AttachApproval binds a waiting context to the approval row that will decide
// its gate. Update clears the binding when that decision is applied.
func AttachApproval(c *Context, approvalID string) *Context {
	next := c.Clone()
	next.PendingApprovalID = approvalID
	return next
}

// Update merges a step result into a copy of the context and advances its state.
func Update(c *Context, r Result) (*Context, error) {
	if _, failed := r.(FailedResult); failed {
		return c, nil
	}
	if c == nil {
		return nil, ErrNilContext
	}

	next := c.Clone()
	switch r := r.(type) {
	case StrategyResult:
		s := r.Strategy
		next.Strategy = &s
		next.State = StateStrategyDraft
	case CreatorsResult:
		next.Creators = append([]Creator(nil), r.Creators...)
		if r.Criteria != nil {
			cr := *r.Criteria
			next.Criteria = &cr
		}
		next.State = StateCreatorDiscovery
	case OutreachDraftsResult:
		next.OutreachDrafts = append([]OutreachDraft(nil), r.Drafts...)
		next.State = StateOutreachDraft
	case OutreachSentResult:
		s := r.Summary
		next.OutreachSent = &s
		st, err := nextOr(r.Next, StateOutreachInProgress)
		if err != nil {
			return nil, err
		}
		next.State = st
	case ResponsesResult:
		next.Engagements = NewEngagementMap(r.Engagements...)
		st, err := nextOr(r.Next, StateNegotiation)
		if err != nil {
			return nil, err
		}
		next.State = st
	case CounterOfferResult:
		o := r.Offer
		next.PendingCounterOffer = &o
		next.PendingCreatorID = r.CreatorID
		next.State = StateAwaitingTermsApproval
	case PaymentResult:
		p := r.Instructions
		next.PaymentInstructions = &p
		st, err := nextOr(r.Next, StateCampaignActive)
		if err != nil {
			return nil, err
		}
		next.State = st
	case MonitorResult:
		next.MonitorUpdates = append([]MonitorUpdate(nil), r.Updates...)
		st, err := nextOr(r.Next, StateCampaignActive)
		if err != nil {
			return nil, err
		}
		next.State = st
	case ReportResult:
		rep := r.Report
		next.Report = &rep
		next.State = StateCompleted
	case CompleteResult:
		next.State = StateCompleted
	case ApprovalResult:
		return applyApproval(next, r)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownResult, r)
	}

	next.History = append(next.History, HistoryEntry{State: next.State, Step: r.step()})
	return next, nil
}

func nextOr(next, fallback State) (State, error) {
	if next == "" {
		return fallback, nil
	}
	if !next.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, next)
	}
	return next, nil
}

// applyApproval advances or reverts through the fixed tables. A decision for a
// gate the context is not waiting at changes no state; a repeated rejection is
// still recorded so every piece of feedback stays in history.
func applyApproval(next *Context, r ApprovalResult) (*Context, error) {
	if !r.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidApprovalKind, r.Kind)
	}

	gate := r.Kind.AwaitingState()
	if next.State != gate {
		if !r.Granted {
			next.History = append(next.History, HistoryEntry{State: next.State, Step: r.step(), Feedback: r.Feedback})
		}
		return next, nil
	}

	next.PendingApprovalID = ""
	if r.Granted {
		next.State = advanceTable[gate]
	} else {
		next.State = revertTable[gate]
		discardRejected(next, r.Kind)
	}
	next.History = append(next.History, HistoryEntry{State: next.State, Step: r.step(), Feedback: r.Feedback})
	return next, nil
}

// discardRejected clears the artifact under review so Reason redoes the work.
func discardRejected(c *Context, kind ApprovalKind) {
	switch kind {
	case ApprovalStrategy:
		c.Strategy = nil
	case ApprovalCreators:
		c.Creators = nil
		c.Criteria = nil
	case ApprovalOutreach:
		c.OutreachDrafts = nil
	case ApprovalTerms:
		c.PendingCounterOffer = nil
		c.PendingCreatorID = ""
	}
}
