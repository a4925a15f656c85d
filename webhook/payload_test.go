package webhook

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func TestParseReply_Shapes(t *testing.T) {
	cases := map[string]struct {
		body      string
		sender    string
		text      string
		inReplyTo string
	}{
		"explicit fields": {
			body:   `{"from_email":"Jane@Example.com","body":"Yes please","in_reply_to":"<sim_1>"}`,
			sender: "jane@example.com", text: "Yes please", inReplyTo: "sim_1",
		},
		"from and text with header map": {
			body:   `{"from":"Jane Doe <jane@example.com>","text":"Count me in","headers":{"In-Reply-To":"<msg-42@mail>"}}`,
			sender: "jane@example.com", text: "Count me in", inReplyTo: "msg-42@mail",
		},
		"address and reply body with header list": {
			body:   `{"address":"jane@example.com","reply_body":" Rate is £900 ","headers":[{"name":"in-reply-to","value":"msg-7"}]}`,
			sender: "jane@example.com", text: "Rate is £900", inReplyTo: "msg-7",
		},
		"provider envelope": {
			body:   `{"type":"email.received","data":{"from":{"email":"jane@example.com"},"text":"hi"}}`,
			sender: "jane@example.com", text: "hi",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r, err := ParseReply([]byte(tc.body), fixedNow)
			require.NoError(t, err)
			assert.Equal(t, tc.sender, r.Sender)
			assert.Equal(t, tc.text, r.Body)
			assert.Equal(t, tc.inReplyTo, r.InReplyTo)
			assert.Equal(t, fixedNow, r.Timestamp)
		})
	}
}

func TestParseReply_CaseVariantHeaders(t *testing.T) {
	body := `{"from_email":"jane@example.com","body":"hi","headers":{"in-reply-to":"<lower>","IN-REPLY-TO":"<upper>","In-Reply-To":"<canonical>","message-id":"<m-lower>","MESSAGE-ID":"<m-upper>"}}`
	for range 20 {
		r, err := ParseReply([]byte(body), fixedNow)
		require.NoError(t, err)
		assert.Equal(t, "canonical", r.InReplyTo)
		assert.Equal(t, "m-upper", r.MessageID)
	}
}

func TestParseReply_Malformed(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`{"from_email":"jane@example.com"}`,
		`{"body":"orphan text"}`,
	} {
		_, err := ParseReply([]byte(body), fixedNow)
		assert.True(t, errors.Is(err, ErrMalformed), "body %s: got %v", body, err)
	}
}

func TestReply_DedupKey(t *testing.T) {
	withID := Reply{MessageID: "abc", Sender: "x@y.z", Body: "hi"}
	assert.Equal(t, "msg:abc", withID.DedupKey())

	a := Reply{Sender: "Jane@Example.com ", Body: "Sounds   good\n\nthanks"}
	b := Reply{Sender: "jane@example.com", Body: "Sounds good thanks"}
	assert.Equal(t, a.DedupKey(), b.DedupKey(), "retries of the same content collapse")
	assert.True(t, strings.HasPrefix(a.DedupKey(), "hash:"))

	c := Reply{Sender: "jane@example.com", Body: "Different"}
	assert.NotEqual(t, a.DedupKey(), c.DedupKey())
}

func TestParseDelivery(t *testing.T) {
	ev, err := ParseDelivery([]byte(`{"type":"email.bounced","data":{"email_id":"sim_1","to":["Jane <jane@example.com>"]}}`))
	require.NoError(t, err)
	assert.Equal(t, "bounced", ev.Type)
	assert.Equal(t, "sim_1", ev.EmailID)
	assert.Equal(t, "jane@example.com", ev.Recipient)
	assert.True(t, ev.Supported())

	_, err = ParseDelivery([]byte(`[`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParsePayment(t *testing.T) {
	ev, err := ParsePayment([]byte(`{"event_type":"transaction.completed","data":{"id":"txn_1","custom_data":{"instance_id":"c-1"},"details":{"totals":{"grand_total":"12345"}}}}`))
	require.NoError(t, err)
	assert.Equal(t, EventTransactionCompleted, ev.EventType)
	assert.Equal(t, "txn_1", ev.TransactionID)
	assert.Equal(t, "c-1", ev.CampaignID)
	assert.Equal(t, "12345", ev.GrandTotal)

	legacy, err := ParsePayment([]byte(`{"event_type":"transaction.completed","data":{"id":"txn_2","custom_data":{"campaign_id":"c-2"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "c-2", legacy.CampaignID)
}

func TestMinorToDecimal(t *testing.T) {
	cases := map[string]string{"12345": "123.45", "5": "0.05", "100": "1.00", "": "0.00", "-250": "-2.50"}
	for in, want := range cases {
		got, err := MinorToDecimal(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := MinorToDecimal("12.5")
	assert.ErrorIs(t, err, ErrMalformed)
}
