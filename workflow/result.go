package workflow

import "fmt"

// Result is the typed outcome of one step. The set of implementations is closed.
type Result interface {
	isResult()
	step() string
}

type StrategyResult struct {
	Strategy Strategy
}

type CreatorsResult struct {
	Creators []Creator
	Criteria *CreatorCriteria
}

type OutreachDraftsResult struct {
	Drafts []OutreachDraft
}

// OutreachSentResult moves to Next when set, otherwise OutreachInProgress.
type OutreachSentResult struct {
	Summary SendSummary
	Next    State
}

// ResponsesResult snapshots engagements collected from the store.
type ResponsesResult struct {
	Engagements []Engagement
	Next        State
}

type CounterOfferResult struct {
	CreatorID string
	Offer     CounterOffer
}

type PaymentResult struct {
	Instructions PaymentInstructions
	Next         State
}

type MonitorResult struct {
	Updates []MonitorUpdate
	Next    State
}

type ReportResult struct {
	Report Report
}

type CompleteResult struct{}

// ApprovalResult carries a human decision for one gate.
type ApprovalResult struct {
	ApprovalID string
	Kind       ApprovalKind
	Granted    bool
	Feedback   string
}

// FailedResult leaves the context untouched so the same action is retried.
type FailedResult struct {
	Err error
}

func (StrategyResult) isResult()       {}
func (CreatorsResult) isResult()       {}
func (OutreachDraftsResult) isResult() {}
func (OutreachSentResult) isResult()   {}
func (ResponsesResult) isResult()      {}
func (CounterOfferResult) isResult()   {}
func (PaymentResult) isResult()        {}
func (MonitorResult) isResult()        {}
func (ReportResult) isResult()         {}
func (CompleteResult) isResult()       {}
func (ApprovalResult) isResult()       {}
func (FailedResult) isResult()         {}

func (StrategyResult) step() string       { return "strategy" }
func (CreatorsResult) step() string       { return "creators" }
func (OutreachDraftsResult) step() string { return "outreach_drafts" }
func (OutreachSentResult) step() string   { return "outreach_sent" }
func (ResponsesResult) step() string      { return "engagements" }
func (CounterOfferResult) step() string   { return "counter_offer" }
func (PaymentResult) step() string        { return "payment_instructions" }
func (MonitorResult) step() string        { return "monitor_updates" }
func (ReportResult) step() string         { return "report" }
func (CompleteResult) step() string       { return "complete" }
func (r ApprovalResult) step() string {
	if r.Granted {
		return grantedStep(r.Kind)
	}
	return rejectedStep(r.Kind)
}
func (FailedResult) step() string { return "failed" }

func grantedStep(kind ApprovalKind) string {
	return fmt.Sprintf("approval_granted:%s", kind)
}

func rejectedStep(kind ApprovalKind) string {
	return fmt.Sprintf("approval_rejected:%s", kind)
}

func awaitingStep(kind ApprovalKind) string {
	return fmt.Sprintf("awaiting_approval:%s", kind)
}
