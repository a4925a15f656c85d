package workflow

import "time"

// Brief is the immutable input a campaign is created from.
type Brief struct {
	BrandName      string    `json:"brand_name" yaml:"brand_name"`
	Objective      string    `json:"objective" yaml:"objective"`
	TargetAudience string    `json:"target_audience" yaml:"target_audience"`
	Platforms      []string  `json:"platforms" yaml:"platforms"`
	FollowerRange  [2]int    `json:"follower_range" yaml:"follower_range"`
	BudgetGBP      float64   `json:"budget_gbp" yaml:"budget_gbp"`
	Deliverables   []string  `json:"deliverables" yaml:"deliverables"`
	KeyMessage     string    `json:"key_message" yaml:"key_message"`
	Timeline       string    `json:"timeline" yaml:"timeline"`
	Industry       string    `json:"industry,omitempty" yaml:"industry,omitempty"`
	BrandValues    string    `json:"brand_values,omitempty" yaml:"brand_values,omitempty"`
	BrandVoice     string    `json:"brand_voice,omitempty" yaml:"brand_voice,omitempty"`
	SeedCreators   []Creator `json:"seed_creators,omitempty" yaml:"seed_creators,omitempty"`
}

// CreatorCriteria is derived from a brief and drives creator discovery.
type CreatorCriteria struct {
	Platforms     []string `json:"platforms"`
	FollowerRange [2]int   `json:"follower_range"`
	Categories    []string `json:"categories,omitempty"`
	Locations     []string `json:"locations,omitempty"`
	MinEngagement float64  `json:"min_engagement,omitempty"`
	MaxResults    int      `json:"max_results"`
}

type Strategy struct {
	Approach         string   `json:"approach"`
	CreatorCount     int      `json:"creator_count"`
	MessagingAngle   string   `json:"messaging_angle"`
	PlatformPriority []string `json:"platform_priority,omitempty"`
	Rationale        string   `json:"rationale,omitempty"`
	Risks            []string `json:"risks,omitempty"`
}

type Creator struct {
	ID             string   `json:"id,omitempty" yaml:"id,omitempty"`
	ExternalID     string   `json:"external_id,omitempty" yaml:"external_id,omitempty"`
	Username       string   `json:"username" yaml:"username"`
	Platform       string   `json:"platform" yaml:"platform"`
	DisplayName    string   `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	FollowerCount  int      `json:"follower_count" yaml:"follower_count"`
	EngagementRate float64  `json:"engagement_rate,omitempty" yaml:"engagement_rate,omitempty"`
	Categories     []string `json:"categories,omitempty" yaml:"categories,omitempty"`
	Location       string   `json:"location,omitempty" yaml:"location,omitempty"`
	Email          string   `json:"email,omitempty" yaml:"email,omitempty"`
	BrandFitScore  float64  `json:"brand_fit_score,omitempty" yaml:"brand_fit_score,omitempty"`
}

// Key is the identifier engagements and outreach records use for the creator.
func (c Creator) Key() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Username
}

// Name prefers the display name.
func (c Creator) Name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Username
}

type OutreachDraft struct {
	Creator Creator `json:"creator"`
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
}

// SentMessage links a provider message id to the creator it was sent to.
type SentMessage struct {
	Email     string `json:"email"`
	MessageID string `json:"message_id"`
	CreatorID string `json:"creator_id"`
}

type SendFailure struct {
	Email     string `json:"email"`
	CreatorID string `json:"creator_id"`
	Error     string `json:"error"`
}

type SendSummary struct {
	SentCount    int           `json:"sent_count"`
	SkippedCount int           `json:"skipped_count"`
	Failed       []SendFailure `json:"failed,omitempty"`
	Messages     []SentMessage `json:"messages,omitempty"`
	Simulated    bool          `json:"simulated"`
}

// Terms are proposed or agreed commercial terms.
type Terms struct {
	FeeGBP       float64  `json:"fee_gbp"`
	Deliverables []string `json:"deliverables,omitempty"`
	Deadline     string   `json:"deadline,omitempty"`
}

type CounterOffer struct {
	Subject       string `json:"subject"`
	Body          string `json:"body"`
	ProposedTerms Terms  `json:"proposed_terms"`
	Score         int    `json:"score"`
}

type PaymentInstructions struct {
	CampaignID   string   `json:"campaign_id"`
	CreatorID    string   `json:"creator_id"`
	AmountGBP    float64  `json:"amount_gbp"`
	Reference    string   `json:"reference"`
	Payee        string   `json:"payee"`
	Deliverables []string `json:"deliverables,omitempty"`
	Notes        string   `json:"notes,omitempty"`
	Status       string   `json:"status"`
	Instructions string   `json:"instructions"`
}

type MonitorUpdate struct {
	CreatorID  string             `json:"creator_id"`
	Status     string             `json:"status"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	CapturedAt time.Time          `json:"captured_at"`
}

type Report struct {
	Summary         string             `json:"summary"`
	CreatorsEngaged int                `json:"creators_engaged"`
	SpendGBP        float64            `json:"spend_gbp"`
	Totals          map[string]float64 `json:"totals,omitempty"`
}

// HistoryEntry is one append-only step record.
type HistoryEntry struct {
	State    State  `json:"state"`
	Step     string `json:"step"`
	Feedback string `json:"feedback,omitempty"`
}
