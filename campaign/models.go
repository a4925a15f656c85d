package campaign

import (
	"time"

	"campaignflow/workflow"
)

// Status is the externally visible lifecycle of a campaign.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Campaign is one persisted workflow instance.
type Campaign struct {
	ID                  string
	Status              Status
	State               workflow.State
	Context             *workflow.Context
	AgentState          string
	CancelledAt         *time.Time
	PaymentStatus       string
	AmountPaid          string
	PaddleTransactionID string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// PaymentParams is a settled payment reported by the payment processor.
type PaymentParams struct {
	CampaignID    string
	TransactionID string
	// Amount is a decimal string with two fraction digits.
	Amount string
}
