package jobqueue

import "time"

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is the queue row for one campaign. There is at most one per campaign.
type Job struct {
	ID          string
	CampaignID  string
	Status      Status
	LockedBy    string
	LockedAt    *time.Time
	Attempts    int
	MaxAttempts int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Retryable reports whether a failure now would requeue the job.
func (j Job) Retryable() bool {
	return j.Attempts < j.MaxAttempts
}

// RecoveryReport lists what a startup scan did with orphaned running jobs.
type RecoveryReport struct {
	Requeued []Job
	Failed   []Job
}

const (
	// DefaultMaxAttempts bounds how often a campaign is retried.
	DefaultMaxAttempts = 3
	// CancelledReason is stored as last_error for operator cancellations.
	CancelledReason = "cancelled"
	// RecoveredReason is stored as last_error for jobs found running at startup.
	RecoveredReason = "worker died, recovered on startup"

	maxErrorLen = 500
)

func truncateError(msg string) string {
	runes := []rune(msg)
	if len(runes) <= maxErrorLen {
		return msg
	}
	return string(runes[:maxErrorLen])
}
