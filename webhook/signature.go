package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidSignature covers a missing, stale, or non-matching signature.
	ErrInvalidSignature = errors.New("webhook: invalid signature")
	// ErrMalformed signals a body that does not parse into the expected shape.
	ErrMalformed = errors.New("webhook: malformed payload")
)

// DefaultTolerance bounds how far a signed timestamp may be from now.
const DefaultTolerance = 5 * time.Minute

// Verifier checks the timestamped HMAC scheme used by the email provider:
// headers webhook-id, webhook-timestamp and webhook-signature (or their svix-
// prefixed aliases), signed content "id.timestamp.body", and a signature
// header holding space-separated "v1,<base64>" entries. Any entry may match.
// A Verifier without a secret accepts everything.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	v := &Verifier{tolerance: tolerance, now: time.Now}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return v, nil
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, "whsec_"))
	if err != nil {
		return nil, fmt.Errorf("webhook: signing secret is not base64: %w", err)
	}
	v.secret = key
	return v, nil
}

func (v *Verifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// Verify checks the signature headers against body and returns the message id.
func (v *Verifier) Verify(h http.Header, body []byte) (string, error) {
	id := headerAny(h, "webhook-id", "svix-id")
	if !v.Enabled() {
		return id, nil
	}

	ts := headerAny(h, "webhook-timestamp", "svix-timestamp")
	sigs := headerAny(h, "webhook-signature", "svix-signature")
	if id == "" || ts == "" || sigs == "" {
		return "", fmt.Errorf("%w: missing signature headers", ErrInvalidSignature)
	}
	if err := v.checkTimestamp(ts); err != nil {
		return "", err
	}

	expected := v.sign(id, ts, body)
	for _, part := range strings.Fields(sigs) {
		version, sig, ok := strings.Cut(part, ",")
		if !ok || version != "v1" {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: no matching v1 signature", ErrInvalidSignature)
}

// Sign produces a signature header value for id, ts and body.
func (v *Verifier) Sign(id string, ts time.Time, body []byte) string {
	return "v1," + base64.StdEncoding.EncodeToString(v.sign(id, strconv.FormatInt(ts.Unix(), 10), body))
}

func (v *Verifier) sign(id, ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(id))
	mac.Write([]byte("."))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

func (v *Verifier) checkTimestamp(ts string) error {
	return checkTimestamp(ts, v.now(), v.tolerance)
}

// PaymentVerifier checks the payment processor's "ts=<unix>;h1=<hex>" header
// computed over "ts:body". A PaymentVerifier without a secret accepts everything.
type PaymentVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

const PaymentSignatureHeader = "Paddle-Signature"

func NewPaymentVerifier(secret string, tolerance time.Duration) *PaymentVerifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &PaymentVerifier{secret: []byte(strings.TrimSpace(secret)), tolerance: tolerance, now: time.Now}
}

func (v *PaymentVerifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

func (v *PaymentVerifier) Verify(h http.Header, body []byte) error {
	if !v.Enabled() {
		return nil
	}
	header := h.Get(PaymentSignatureHeader)
	if header == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, PaymentSignatureHeader)
	}

	var ts string
	var candidates []string
	for _, part := range strings.Split(header, ";") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "h1":
			candidates = append(candidates, strings.TrimSpace(value))
		}
	}
	if ts == "" || len(candidates) == 0 {
		return fmt.Errorf("%w: header missing ts or h1", ErrInvalidSignature)
	}
	if err := checkTimestamp(ts, v.now(), v.tolerance); err != nil {
		return err
	}

	expected := v.sign(ts, body)
	for _, c := range candidates {
		got, err := hex.DecodeString(c)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: h1 mismatch", ErrInvalidSignature)
}

// Sign produces a header value for ts and body.
func (v *PaymentVerifier) Sign(ts time.Time, body []byte) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return "ts=" + unix + ";h1=" + hex.EncodeToString(v.sign(unix, body))
}

func (v *PaymentVerifier) sign(ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(ts))
	mac.Write([]byte(":"))
	mac.Write(body)
	return mac.Sum(nil)
}

func checkTimestamp(ts string, now time.Time, tolerance time.Duration) error {
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrInvalidSignature, ts)
	}
	skew := now.Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return fmt.Errorf("%w: timestamp outside %s window", ErrInvalidSignature, tolerance)
	}
	return nil
}

func headerAny(h http.Header, names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(h.Get(n)); v != "" {
			return v
		}
	}
	return ""
}
