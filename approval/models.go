package approval

import (
	"encoding/json"
	"time"

	"campaignflow/workflow"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Decided reports whether s is one of the two decision values a human may record.
func (s Status) Decided() bool {
	return s == StatusApproved || s == StatusRejected
}

// Approval is one human review request for a gate of one campaign.
type Approval struct {
	ID         string
	CampaignID string
	Kind       workflow.ApprovalKind
	Subject    string
	Payload    json.RawMessage
	Reasoning  string
	Status     Status
	Feedback   string
	DecidedBy  string
	CreatedAt  time.Time
	DecidedAt  *time.Time
}

// CreateParams describes a new approval row. ID is optional; a caller that
// has already recorded the id it expects passes it here.
type CreateParams struct {
	ID         string
	CampaignID string
	Kind       workflow.ApprovalKind
	Subject    string
	Payload    any
	Reasoning  string
}

type DecideParams struct {
	ID        string
	Status    Status
	Feedback  string
	DecidedBy string
}

// Decision is what the gate hands back to the runner.
type Decision struct {
	ApprovalID string
	Kind       workflow.ApprovalKind
	Granted    bool
	Feedback   string
	Auto       bool
}

func (d Decision) Result() workflow.ApprovalResult {
	return workflow.ApprovalResult{
		ApprovalID: d.ApprovalID,
		Kind:       d.Kind,
		Granted:    d.Granted,
		Feedback:   d.Feedback,
	}
}
