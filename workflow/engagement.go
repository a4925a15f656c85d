package workflow

import (
	"encoding/json"
	"time"
)

type EngagementStatus string

const (
	EngagementContacted   EngagementStatus = "contacted"
	EngagementResponded   EngagementStatus = "responded"
	EngagementNegotiating EngagementStatus = "negotiating"
	EngagementAgreed      EngagementStatus = "agreed"
	EngagementDeclined    EngagementStatus = "declined"
)

var engagementRank = map[EngagementStatus]int{
	EngagementContacted:   1,
	EngagementResponded:   2,
	EngagementNegotiating: 3,
	EngagementAgreed:      4,
	EngagementDeclined:    4,
}

func (s EngagementStatus) Valid() bool {
	_, ok := engagementRank[s]
	return ok
}

// CanAdvanceTo reports whether moving from s to next keeps the status monotonic.
// Declined is reachable from anything short of agreed; agreed and declined are final.
func (s EngagementStatus) CanAdvanceTo(next EngagementStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if s == EngagementAgreed || s == EngagementDeclined {
		return false
	}
	if next == EngagementDeclined {
		return true
	}
	return engagementRank[next] > engagementRank[s]
}

// Message is one entry of an engagement thread.
type Message struct {
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// Engagement is the negotiation record for one creator within one campaign.
type Engagement struct {
	CreatorID         string           `json:"creator_id"`
	Email             string           `json:"email,omitempty"`
	Status            EngagementStatus `json:"status"`
	LatestProposal    *Terms           `json:"latest_proposal,omitempty"`
	Terms             *Terms           `json:"terms,omitempty"`
	MessageHistory    []Message        `json:"message_history"`
	ResponseTimestamp *time.Time       `json:"response_timestamp,omitempty"`
	Notes             string           `json:"notes,omitempty"`
	Version           int              `json:"version"`
}

func (e Engagement) clone() Engagement {
	out := e
	out.MessageHistory = append([]Message(nil), e.MessageHistory...)
	if e.LatestProposal != nil {
		p := *e.LatestProposal
		out.LatestProposal = &p
	}
	if e.Terms != nil {
		t := *e.Terms
		out.Terms = &t
	}
	if e.ResponseTimestamp != nil {
		ts := *e.ResponseTimestamp
		out.ResponseTimestamp = &ts
	}
	return out
}

// LatestCreatorMessage returns the most recent message sent by the creator.
func (e Engagement) LatestCreatorMessage() (Message, bool) {
	for i := len(e.MessageHistory) - 1; i >= 0; i-- {
		if e.MessageHistory[i].From == "creator" {
			return e.MessageHistory[i], true
		}
	}
	return Message{}, false
}

// EngagementMap keeps engagements keyed by creator id in insertion order.
type EngagementMap struct {
	order []string
	items map[string]Engagement
}

func NewEngagementMap(engagements ...Engagement) *EngagementMap {
	m := &EngagementMap{items: make(map[string]Engagement, len(engagements))}
	for _, e := range engagements {
		m.Set(e)
	}
	return m
}

// Set inserts or replaces an engagement. Replacing keeps the original position.
func (m *EngagementMap) Set(e Engagement) {
	if m.items == nil {
		m.items = make(map[string]Engagement)
	}
	if _, ok := m.items[e.CreatorID]; !ok {
		m.order = append(m.order, e.CreatorID)
	}
	m.items[e.CreatorID] = e
}

func (m *EngagementMap) Get(creatorID string) (Engagement, bool) {
	if m == nil {
		return Engagement{}, false
	}
	e, ok := m.items[creatorID]
	return e, ok
}

func (m *EngagementMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.order)
}

// All returns the engagements in insertion order.
func (m *EngagementMap) All() []Engagement {
	if m == nil {
		return nil
	}
	out := make([]Engagement, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.items[id])
	}
	return out
}

// FirstWithStatus returns the earliest inserted engagement with the given status.
func (m *EngagementMap) FirstWithStatus(status EngagementStatus) (Engagement, bool) {
	if m == nil {
		return Engagement{}, false
	}
	for _, id := range m.order {
		if e := m.items[id]; e.Status == status {
			return e, true
		}
	}
	return Engagement{}, false
}

func (m *EngagementMap) Clone() *EngagementMap {
	if m == nil {
		return nil
	}
	out := &EngagementMap{
		order: append([]string(nil), m.order...),
		items: make(map[string]Engagement, len(m.items)),
	}
	for k, v := range m.items {
		out.items[k] = v.clone()
	}
	return out
}

// MarshalJSON encodes the map as an array so order survives persistence.
func (m *EngagementMap) MarshalJSON() ([]byte, error) {
	all := m.All()
	if all == nil {
		all = []Engagement{}
	}
	return json.Marshal(all)
}

func (m *EngagementMap) UnmarshalJSON(data []byte) error {
	var list []Engagement
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*m = EngagementMap{items: make(map[string]Engagement, len(list))}
	for _, e := range list {
		m.Set(e)
	}
	return nil
}
