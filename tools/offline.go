// Package tools holds the default collaborators the worker calls when no
// external provider is configured. Every tool is deterministic.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"campaignflow/engagement"
	"campaignflow/workflow"
)

var (
	// ErrNoInput is returned when the context lacks what a tool needs.
	ErrNoInput = errors.New("tools: missing input")
)

const (
	defaultMaxCreators = 10
	referencePrefix    = "HUD-"
	referenceMaxLen    = 30
)

// EngagementStore is the engagement persistence the tools write through.
type EngagementStore interface {
	Upsert(ctx context.Context, campaignID string, e workflow.Engagement) (workflow.Engagement, error)
	List(ctx context.Context, campaignID string) ([]workflow.Engagement, error)
	SetProposal(ctx context.Context, campaignID, creatorID string, terms workflow.Terms, msg *workflow.Message) (workflow.Engagement, error)
	SetTerms(ctx context.Context, campaignID, creatorID string, terms workflow.Terms) (workflow.Engagement, error)
	RecordSent(ctx context.Context, campaignID string, m workflow.SentMessage) error
	RecordEmailEvent(ctx context.Context, ev engagement.EmailEvent) (string, error)
}

type Offline struct {
	store  EngagementStore
	now    func() time.Time
	logger *slog.Logger
}

func NewOffline(store EngagementStore) *Offline {
	return &Offline{store: store, now: time.Now, logger: slog.Default()}
}

func (o *Offline) WithClock(now func() time.Time) *Offline {
	o.now = now
	return o
}

func (o *Offline) WithLogger(logger *slog.Logger) *Offline {
	if logger != nil {
		o.logger = logger
	}
	return o
}

func (o *Offline) GenerateStrategy(_ context.Context, c *workflow.Context, feedback string) (workflow.StrategyResult, error) {
	b := c.Brief
	platforms := append([]string(nil), b.Platforms...)
	if len(platforms) == 0 {
		platforms = []string{"instagram"}
	}

	count := 5 + int(b.BudgetGBP/1000)
	if count > 50 {
		count = 50
	}
	approach := fmt.Sprintf("Partner with %s creators on %s to %s.",
		tierFor(b.FollowerRange), strings.Join(platforms, " and "), strings.ToLower(strings.TrimSuffix(nonEmpty(b.Objective, "build awareness"), ".")))
	rationale := fmt.Sprintf("Budget of £%.0f across %d creators reaches %s.", b.BudgetGBP, count, nonEmpty(b.TargetAudience, "the target audience"))

	if feedback != "" {
		count = max(1, count/2)
		platforms = platforms[:1]
		approach = fmt.Sprintf("Focused: partner with a small group of %s creators on %s.", tierFor(b.FollowerRange), platforms[0])
		rationale = fmt.Sprintf("Revised after review (%q): fewer creators on one platform.", feedback)
	}

	return workflow.StrategyResult{Strategy: workflow.Strategy{
		Approach:         approach,
		CreatorCount:     count,
		MessagingAngle:   nonEmpty(b.KeyMessage, b.BrandName),
		PlatformPriority: platforms,
		Rationale:        rationale,
		Risks:            []string{"Creator availability within " + nonEmpty(b.Timeline, "the timeline")},
	}}, nil
}

func tierFor(r [2]int) string {
	switch {
	case r[1] > 0 && r[1] <= 10_000:
		return "nano"
	case r[1] > 0 && r[1] <= 100_000:
		return "micro"
	case r[1] > 0 && r[1] <= 1_000_000:
		return "mid-tier"
	}
	return "established"
}

// FindCreators ranks the brief's seed creators by fit. Feedback narrows the
// shortlist to the stronger half.
func (o *Offline) FindCreators(_ context.Context, c *workflow.Context, feedback string) (workflow.CreatorsResult, error) {
	criteria := workflow.CreatorCriteria{
		Platforms:     append([]string(nil), c.Brief.Platforms...),
		FollowerRange: c.Brief.FollowerRange,
		MaxResults:    defaultMaxCreators,
	}
	if c.Strategy != nil && c.Strategy.CreatorCount > 0 {
		criteria.MaxResults = c.Strategy.CreatorCount
	}
	if c.Brief.Industry != "" {
		criteria.Categories = []string{c.Brief.Industry}
	}

	var creators []workflow.Creator
	for _, cr := range c.Brief.SeedCreators {
		if !matches(cr, criteria) {
			continue
		}
		cr.BrandFitScore = fitScore(cr, criteria)
		creators = append(creators, cr)
	}
	sort.SliceStable(creators, func(i, j int) bool {
		return creators[i].BrandFitScore > creators[j].BrandFitScore
	})
	if feedback != "" && len(creators) > 1 {
		creators = creators[:(len(creators)+1)/2]
	}
	if len(creators) > criteria.MaxResults {
		creators = creators[:criteria.MaxResults]
	}
	return workflow.CreatorsResult{Creators: creators, Criteria: &criteria}, nil
}

func matches(cr workflow.Creator, c workflow.CreatorCriteria) bool {
	if len(c.Platforms) > 0 && !containsFold(c.Platforms, cr.Platform) {
		return false
	}
	lo, hi := c.FollowerRange[0], c.FollowerRange[1]
	if lo > 0 && cr.FollowerCount < lo {
		return false
	}
	if hi > 0 && cr.FollowerCount > hi {
		return false
	}
	return true
}

func fitScore(cr workflow.Creator, c workflow.CreatorCriteria) float64 {
	score := 50 + cr.EngagementRate*10
	for _, cat := range c.Categories {
		if containsFold(cr.Categories, cat) {
			score += 20
			break
		}
	}
	if cr.Email != "" {
		score += 5
	}
	return min(100, score)
}

func (o *Offline) DraftOutreach(_ context.Context, c *workflow.Context, feedback string) (workflow.OutreachDraftsResult, error) {
	if len(c.Creators) == 0 {
		return workflow.OutreachDraftsResult{}, fmt.Errorf("%w: no creators to draft outreach for", ErrNoInput)
	}
	b := c.Brief
	drafts := make([]workflow.OutreachDraft, 0, len(c.Creators))
	for _, cr := range c.Creators {
		body := fmt.Sprintf("Hi %s, we're reaching out from %s about a campaign: %s. We're looking for %s.",
			cr.Name(), b.BrandName, nonEmpty(b.KeyMessage, b.Objective), strings.Join(b.Deliverables, ", "))
		if feedback != "" {
			body = fmt.Sprintf("Hi %s, %s would love to work with you. %s", cr.Name(), b.BrandName, nonEmpty(b.KeyMessage, b.Objective))
		}
		drafts = append(drafts, workflow.OutreachDraft{
			Creator: cr,
			Subject: fmt.Sprintf("Partnership with %s", b.BrandName),
			Body:    body,
		})
	}
	return workflow.OutreachDraftsResult{Drafts: drafts}, nil
}

// SimulatedMessageID is the provider id recorded for an outreach email that
// was not actually sent.
func SimulatedMessageID(campaignID, creatorID string) string {
	return "sim_" + campaignID + "_" + creatorID
}

// SendOutreach records a simulated send per draft: the message id mapping
// replies correlate against, a sent event, and a contacted engagement.
func (o *Offline) SendOutreach(ctx context.Context, c *workflow.Context) (workflow.OutreachSentResult, error) {
	if len(c.OutreachDrafts) == 0 {
		return workflow.OutreachSentResult{}, fmt.Errorf("%w: no outreach drafts to send", ErrNoInput)
	}

	summary := workflow.SendSummary{Simulated: true}
	for _, d := range c.OutreachDrafts {
		email := strings.TrimSpace(d.Creator.Email)
		creatorID := d.Creator.Key()
		if email == "" {
			summary.SkippedCount++
			continue
		}
		msg := workflow.SentMessage{Email: email, MessageID: SimulatedMessageID(c.CampaignID, creatorID), CreatorID: creatorID}
		if err := o.send(ctx, c.CampaignID, msg); err != nil {
			o.logger.Error("record outreach", "instance_id", c.CampaignID, "creator_id", creatorID, "error", err)
			summary.Failed = append(summary.Failed, workflow.SendFailure{Email: email, CreatorID: creatorID, Error: err.Error()})
			continue
		}
		summary.SentCount++
		summary.Messages = append(summary.Messages, msg)
	}
	if summary.SentCount == 0 && len(summary.Failed) > 0 {
		return workflow.OutreachSentResult{}, fmt.Errorf("tools: send outreach: all %d sends failed: %s", len(summary.Failed), summary.Failed[0].Error)
	}

	o.logger.Info("outreach sent", "instance_id", c.CampaignID, "sent", summary.SentCount, "skipped", summary.SkippedCount, "simulated", true)
	return workflow.OutreachSentResult{Summary: summary, Next: workflow.StateNegotiation}, nil
}

func (o *Offline) send(ctx context.Context, campaignID string, msg workflow.SentMessage) error {
	if _, err := o.store.Upsert(ctx, campaignID, workflow.Engagement{CreatorID: msg.CreatorID, Email: msg.Email}); err != nil {
		return err
	}
	if err := o.store.RecordSent(ctx, campaignID, msg); err != nil {
		return err
	}
	_, err := o.store.RecordEmailEvent(ctx, engagement.EmailEvent{
		EmailID:    msg.MessageID,
		EventType:  "sent",
		Recipient:  msg.Email,
		CampaignID: campaignID,
		CreatorID:  msg.CreatorID,
	})
	return err
}

// CollectResponses snapshots the engagement store. With nobody responded the
// campaign moves on to monitoring.
func (o *Offline) CollectResponses(ctx context.Context, c *workflow.Context) (workflow.ResponsesResult, error) {
	engagements, err := o.store.List(ctx, c.CampaignID)
	if err != nil {
		return workflow.ResponsesResult{}, err
	}
	next := workflow.StateCampaignActive
	for _, e := range engagements {
		if e.Status == workflow.EngagementResponded {
			next = workflow.StateNegotiation
			break
		}
	}
	return workflow.ResponsesResult{Engagements: engagements, Next: next}, nil
}

// NegotiateTerms proposes the fallback counter offer and records it against
// the engagement. A rejected offer comes back at a lower fee.
func (o *Offline) NegotiateTerms(ctx context.Context, c *workflow.Context, creatorID, feedback string) (workflow.CounterOfferResult, error) {
	if creatorID == "" {
		return workflow.CounterOfferResult{}, fmt.Errorf("%w: creator id required", ErrNoInput)
	}
	if _, ok := c.Engagements.Get(creatorID); !ok {
		return workflow.CounterOfferResult{}, fmt.Errorf("%w: no engagement for creator %s", ErrNoInput, creatorID)
	}

	offer := workflow.FallbackCounterOffer(c.Brief)
	if feedback != "" {
		offer.ProposedTerms.FeeGBP = offer.ProposedTerms.FeeGBP * 0.8
		offer.Body = fmt.Sprintf("Thanks for your patience. We'd like to offer £%d for the agreed deliverables.", int(offer.ProposedTerms.FeeGBP))
		offer.Score = workflow.ScoreOffer(offer.ProposedTerms, c.Brief)
	}

	msg := &workflow.Message{From: "brand", To: "creator", Body: offer.Body, Timestamp: o.now().UTC()}
	if _, err := o.store.SetProposal(ctx, c.CampaignID, creatorID, offer.ProposedTerms, msg); err != nil {
		return workflow.CounterOfferResult{}, err
	}
	return workflow.CounterOfferResult{CreatorID: creatorID, Offer: offer}, nil
}

// PaymentReference is the bank transfer reference for a creator payment.
func PaymentReference(campaignID, creatorID string) string {
	ref := referencePrefix + campaignID + "-" + creatorID
	if len(ref) > referenceMaxLen {
		ref = ref[:referenceMaxLen]
	}
	return ref
}

// GeneratePayment turns the approved counter offer into agreed terms and
// manual payment instructions.
func (o *Offline) GeneratePayment(ctx context.Context, c *workflow.Context, creatorID string) (workflow.PaymentResult, error) {
	if c.PendingCounterOffer == nil {
		return workflow.PaymentResult{}, fmt.Errorf("%w: no approved terms", ErrNoInput)
	}
	if creatorID == "" {
		creatorID = c.PendingCreatorID
	}
	if creatorID == "" {
		creatorID = "unknown"
	}
	terms := c.PendingCounterOffer.ProposedTerms

	if creatorID != "unknown" {
		if _, err := o.store.SetTerms(ctx, c.CampaignID, creatorID, terms); err != nil && !errors.Is(err, engagement.ErrNotFound) {
			return workflow.PaymentResult{}, err
		}
	}

	ref := PaymentReference(c.CampaignID, creatorID)
	return workflow.PaymentResult{
		Instructions: workflow.PaymentInstructions{
			CampaignID:   c.CampaignID,
			CreatorID:    creatorID,
			AmountGBP:    terms.FeeGBP,
			Reference:    ref,
			Payee:        creatorID,
			Deliverables: append([]string(nil), terms.Deliverables...),
			Notes:        "Creator payment for campaign " + c.CampaignID,
			Status:       "pending",
			Instructions: fmt.Sprintf("Transfer £%.2f to creator %s. Use reference: %s. Deliverables: %s.",
				terms.FeeGBP, creatorID, ref, strings.Join(terms.Deliverables, ", ")),
		},
		Next: workflow.StateCampaignActive,
	}, nil
}

// MonitorCampaign records one snapshot per engaged creator. Without a
// platform integration every post is still pending.
func (o *Offline) MonitorCampaign(ctx context.Context, c *workflow.Context) (workflow.MonitorResult, error) {
	engagements, err := o.store.List(ctx, c.CampaignID)
	if err != nil {
		return workflow.MonitorResult{}, err
	}
	now := o.now().UTC()
	updates := make([]workflow.MonitorUpdate, 0, len(engagements))
	for _, e := range engagements {
		status := "no_agreement"
		if e.Status == workflow.EngagementAgreed {
			status = "awaiting_post"
		}
		updates = append(updates, workflow.MonitorUpdate{
			CreatorID:  e.CreatorID,
			Status:     status,
			Metrics:    map[string]float64{"views": 0, "likes": 0, "comments": 0},
			CapturedAt: now,
		})
	}
	if len(updates) == 0 {
		updates = append(updates, workflow.MonitorUpdate{Status: "no_creators", CapturedAt: now})
	}
	return workflow.MonitorResult{Updates: updates}, nil
}

func (o *Offline) GenerateReport(_ context.Context, c *workflow.Context) (workflow.ReportResult, error) {
	totals := map[string]float64{}
	engaged := 0
	for _, u := range c.MonitorUpdates {
		if u.CreatorID != "" {
			engaged++
		}
		for k, v := range u.Metrics {
			totals[k] += v
		}
	}
	var spend float64
	if c.PaymentInstructions != nil {
		spend = c.PaymentInstructions.AmountGBP
	}
	sent := 0
	if c.OutreachSent != nil {
		sent = c.OutreachSent.SentCount
	}
	return workflow.ReportResult{Report: workflow.Report{
		Summary:         fmt.Sprintf("%s: %d creators contacted, %d engaged, £%.2f committed.", c.Brief.BrandName, sent, engaged, spend),
		CreatorsEngaged: engaged,
		SpendGBP:        spend,
		Totals:          totals,
	}}, nil
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
