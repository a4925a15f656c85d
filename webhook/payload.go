package webhook

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"net/mail"
	"slices"
	"strconv"
	"strings"
	"time"
)

// DeliveryEvent is an email provider receipt for one outreach message.
type DeliveryEvent struct {
	Type      string
	EmailID   string
	Recipient string
	Raw       json.RawMessage
}

var deliveryTypes = map[string]bool{
	"sent":             true,
	"delivered":        true,
	"delivery_delayed": true,
	"opened":           true,
	"clicked":          true,
	"bounced":          true,
	"complained":       true,
}

// ParseDelivery decodes {type, data:{email_id, to:[...]}}. The "email." type
// prefix is stripped.
func ParseDelivery(body []byte) (DeliveryEvent, error) {
	var raw struct {
		Type string `json:"type"`
		Data struct {
			EmailID string   `json:"email_id"`
			To      []string `json:"to"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return DeliveryEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ev := DeliveryEvent{
		Type:    strings.TrimPrefix(strings.TrimSpace(raw.Type), "email."),
		EmailID: strings.TrimSpace(raw.Data.EmailID),
		Raw:     json.RawMessage(body),
	}
	if len(raw.Data.To) > 0 {
		ev.Recipient = normalizeAddress(raw.Data.To[0])
	}
	return ev, nil
}

func (e DeliveryEvent) Supported() bool {
	return deliveryTypes[e.Type]
}

// Reply is a normalized inbound creator reply.
type Reply struct {
	Sender    string
	Body      string
	MessageID string
	InReplyTo string
	Timestamp time.Time
}

type inboundPayload struct {
	FromEmail string          `json:"from_email"`
	Body      string          `json:"body"`
	From      json.RawMessage `json:"from"`
	Text      string          `json:"text"`
	Address   string          `json:"address"`
	ReplyBody string          `json:"reply_body"`
	MessageID string          `json:"message_id"`
	InReplyTo string          `json:"in_reply_to"`
	Timestamp string          `json:"timestamp"`
	Headers   json.RawMessage `json:"headers"`
	Data      json.RawMessage `json:"data"`
}

// ParseReply accepts the three inbound shapes: {from_email, body},
// {from, text} and {address, reply_body}. A provider envelope with the
// fields under "data" is unwrapped first.
func ParseReply(body []byte, now time.Time) (Reply, error) {
	var p inboundPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(p.Data) > 0 && p.FromEmail == "" && len(p.From) == 0 && p.Address == "" {
		var inner inboundPayload
		if err := json.Unmarshal(p.Data, &inner); err == nil {
			p = inner
		}
	}

	r := Reply{
		Sender:    firstNonEmpty(p.FromEmail, fromField(p.From), p.Address),
		Body:      strings.TrimSpace(firstNonEmpty(p.Body, p.Text, p.ReplyBody)),
		MessageID: stripAngles(p.MessageID),
		InReplyTo: stripAngles(p.InReplyTo),
		Timestamp: now.UTC(),
	}
	r.Sender = normalizeAddress(r.Sender)

	hdrInReplyTo, hdrMessageID := headerIDs(p.Headers)
	if r.InReplyTo == "" {
		r.InReplyTo = hdrInReplyTo
	}
	if r.MessageID == "" {
		r.MessageID = hdrMessageID
	}
	if p.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
			r.Timestamp = ts.UTC()
		}
	}

	if r.Body == "" {
		return Reply{}, fmt.Errorf("%w: reply body required", ErrMalformed)
	}
	if r.Sender == "" && r.InReplyTo == "" {
		return Reply{}, fmt.Errorf("%w: sender or in-reply-to required", ErrMalformed)
	}
	return r, nil
}

// DedupKey prefers the message id; otherwise it hashes the lower-cased sender
// and the whitespace-normalized body so redeliveries of the same content
// collapse to one key.
func (r Reply) DedupKey() string {
	if r.MessageID != "" {
		return "msg:" + r.MessageID
	}
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(r.Sender)) + "\n" + normalizeBody(r.Body)))
	return "hash:" + hex.EncodeToString(sum[:])
}

// PaymentEvent is a payment processor notification.
type PaymentEvent struct {
	EventType     string
	TransactionID string
	CampaignID    string
	GrandTotal    string
}

const EventTransactionCompleted = "transaction.completed"

// ParsePayment decodes {event_type, data:{id, custom_data:{instance_id},
// details:{totals:{grand_total}}}}. custom_data.campaign_id is accepted too.
func ParsePayment(body []byte) (PaymentEvent, error) {
	var raw struct {
		EventType string `json:"event_type"`
		Data      struct {
			ID         string `json:"id"`
			CustomData struct {
				InstanceID string `json:"instance_id"`
				CampaignID string `json:"campaign_id"`
			} `json:"custom_data"`
			Details struct {
				Totals struct {
					GrandTotal json.RawMessage `json:"grand_total"`
				} `json:"totals"`
			} `json:"details"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return PaymentEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	total := string(bytes.Trim(raw.Data.Details.Totals.GrandTotal, `"`))
	if total == "null" {
		total = ""
	}
	return PaymentEvent{
		EventType:     strings.TrimSpace(raw.EventType),
		TransactionID: strings.TrimSpace(raw.Data.ID),
		CampaignID:    strings.TrimSpace(firstNonEmpty(raw.Data.CustomData.InstanceID, raw.Data.CustomData.CampaignID)),
		GrandTotal:    strings.TrimSpace(total),
	}, nil
}

// MinorToDecimal converts an integer amount in minor units ("12345") to a
// two-decimal string ("123.45") without going through floating point.
func MinorToDecimal(minor string) (string, error) {
	if minor == "" {
		return "0.00", nil
	}
	n, err := strconv.ParseInt(minor, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: amount %q is not an integer", ErrMalformed, minor)
	}
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	return fmt.Sprintf("%s%d.%02d", sign, n/100, n%100), nil
}

func fromField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Email   string `json:"email"`
		Address string `json:"address"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return firstNonEmpty(obj.Email, obj.Address)
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}

// headerKeyOrder puts exact canonical names first, the rest sorted.
func headerKeyOrder(m map[string]json.RawMessage) []string {
	keys := slices.Sorted(maps.Keys(m))
	slices.SortStableFunc(keys, func(a, b string) int {
		return canonicalRank(a) - canonicalRank(b)
	})
	return keys
}

func canonicalRank(k string) int {
	if k == "In-Reply-To" || k == "Message-ID" {
		return 0
	}
	return 1
}

// headerIDs reads In-Reply-To and Message-ID from either a header map or a
// list of {name, value} pairs. In a map the exact canonical key wins over
// case variants, which are then taken in sorted order.
func headerIDs(raw json.RawMessage) (inReplyTo, messageID string) {
	if len(raw) == 0 {
		return "", ""
	}
	pick := func(name, value string) {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "in-reply-to":
			if inReplyTo == "" {
				inReplyTo = stripAngles(value)
			}
		case "message-id":
			if messageID == "" {
				messageID = stripAngles(value)
			}
		}
	}

	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err == nil {
		for _, k := range headerKeyOrder(asMap) {
			pick(k, rawString(asMap[k]))
		}
		return inReplyTo, messageID
	}
	var asList []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &asList); err == nil {
		for _, h := range asList {
			pick(h.Name, h.Value)
		}
	}
	return inReplyTo, messageID
}

func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}

// normalizeAddress turns "Name <addr>" into a lower-case bare address.
func normalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(s); err == nil {
		return strings.ToLower(addr.Address)
	}
	if i, j := strings.LastIndex(s, "<"), strings.LastIndex(s, ">"); i >= 0 && j > i {
		s = s[i+1 : j]
	}
	return strings.ToLower(strings.TrimSpace(s))
}

func stripAngles(s string) string {
	return strings.Trim(strings.TrimSpace(s), "<>")
}

func normalizeBody(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
