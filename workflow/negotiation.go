package workflow

import (
	"fmt"
	"strings"
)

// ScoreOffer rates proposed terms from 0 to 100 against the brief's budget.
func ScoreOffer(t Terms, b Brief) int {
	score := 50
	if b.BudgetGBP > 0 {
		pct := t.FeeGBP / b.BudgetGBP * 100
		switch {
		case pct <= 80:
			score += 25
		case pct <= 100:
			score += 10
		default:
			score -= 30
		}
	}
	if len(t.Deliverables) > 0 {
		score += 15
	}
	if t.Deadline != "" {
		score += 10
	}
	return max(0, min(100, score))
}

// FallbackCounterOffer is the deterministic offer used when no drafting service is configured.
func FallbackCounterOffer(b Brief) CounterOffer {
	fee := b.BudgetGBP / 5
	terms := Terms{
		FeeGBP:       fee,
		Deliverables: append([]string(nil), b.Deliverables...),
		Deadline:     "2 weeks from acceptance",
	}
	return CounterOffer{
		Subject:       fmt.Sprintf("Re: Partnership with %s", b.BrandName),
		Body:          fmt.Sprintf("Thanks for your interest. We'd like to offer £%d for the agreed deliverables.", int(fee)),
		ProposedTerms: terms,
		Score:         ScoreOffer(terms, b),
	}
}

// SummarizeThread renders an engagement thread as "[role] body" lines.
func SummarizeThread(e Engagement) string {
	if len(e.MessageHistory) == 0 {
		return "No messages yet."
	}
	parts := make([]string, 0, len(e.MessageHistory))
	for _, m := range e.MessageHistory {
		body := strings.TrimSpace(m.Body)
		if body == "" {
			continue
		}
		role := m.From
		if role == "" {
			role = "unknown"
		}
		parts = append(parts, fmt.Sprintf("[%s] %s", role, body))
	}
	if len(parts) == 0 {
		return "No message content."
	}
	return strings.Join(parts, "\n")
}
