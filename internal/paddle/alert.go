package paddle

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/brandon/cotex-billing/internal/billing"
)

// SignatureHeader carries the hex HMAC-SHA1 of the raw alert body
const SignatureHeader = "Paddle-Signature"

// Verifier checks Paddle alert signatures over the raw request body
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the shared webhook secret
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify compares the signature header against HMAC-SHA1(body) in constant time
func (v *Verifier) Verify(body []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	signature = strings.TrimPrefix(signature, "sha1=")
	if signature == "" || len(v.secret) == 0 {
		return fmt.Errorf("%w: missing %s header", billing.ErrInvalidSignature, SignatureHeader)
	}

	got, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", billing.ErrInvalidSignature)
	}

	mac := hmac.New(sha1.New, v.secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return billing.ErrInvalidSignature
	}
	return nil
}

// Sign returns the hex signature Paddle would send for body
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha1.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Alert is one Paddle Classic webhook alert. Every field arrives as a string.
type Alert map[string]string

// ParseAlert decodes a verified body sent either as JSON or as a form
func ParseAlert(body []byte, contentType string) (Alert, error) {
	trimmed := bytes.TrimSpace(body)
	if strings.Contains(contentType, "json") || bytes.HasPrefix(trimmed, []byte("{")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var raw map[string]interface{}
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: %v", billing.ErrMalformedPayload, err)
		}
		alert := make(Alert, len(raw))
		for k, v := range raw {
			switch val := v.(type) {
			case nil:
				continue
			case string:
				alert[k] = val
			case json.Number:
				alert[k] = val.String()
			default:
				encoded, _ := json.Marshal(val)
				alert[k] = string(encoded)
			}
		}
		return alert.validate()
	}

	values, err := url.ParseQuery(string(trimmed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrMalformedPayload, err)
	}
	alert := make(Alert, len(values))
	for k := range values {
		alert[k] = values.Get(k)
	}
	return alert.validate()
}

func (a Alert) validate() (Alert, error) {
	if a.Name() == "" {
		return nil, fmt.Errorf("%w: alert_name missing", billing.ErrMalformedPayload)
	}
	return a, nil
}

// Name is the alert_name discriminator
func (a Alert) Name() string { return a["alert_name"] }

// ID is the alert id Paddle reuses on redelivery
func (a Alert) ID() string { return a["alert_id"] }

// Passthrough is the custom data attached at checkout
type Passthrough struct {
	UserID string `json:"user_id"`
	PlanID string `json:"plan_id"`
}

// Passthrough decodes the passthrough field. A bare string is taken as the user id.
func (a Alert) Passthrough() Passthrough {
	raw := strings.TrimSpace(a["passthrough"])
	if raw == "" {
		return Passthrough{}
	}
	var p Passthrough
	if err := json.Unmarshal([]byte(raw), &p); err == nil {
		return p
	}
	return Passthrough{UserID: raw}
}

// Status maps Paddle subscription statuses onto the stored vocabulary
func (a Alert) Status() string {
	status := strings.ToLower(strings.TrimSpace(a["status"]))
	if status == "deleted" {
		return "canceled"
	}
	return status
}

// Time parses a date or timestamp field, returning nil when absent or invalid
func (a Alert) Time(key string) *time.Time {
	return parseAnyTimestamp(a[key])
}

// Amount parses a decimal amount field into minor units
func (a Alert) Amount(key string) (int64, error) {
	n, err := billing.ParseMinorUnits(a[key])
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", billing.ErrMalformedPayload, key, err)
	}
	return n, nil
}

// Currency returns the lower-case ISO currency code
func (a Alert) Currency() string {
	return strings.ToLower(strings.TrimSpace(a["currency"]))
}

func parseAnyTimestamp(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
