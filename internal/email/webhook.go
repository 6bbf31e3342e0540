package email

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wesm/stalewatch/internal/resilience"
)

// SignatureTolerance bounds how old a signed webhook may be
const SignatureTolerance = 5 * time.Minute

var (
	// ErrInvalidSignature means no signature on the request matched
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrIgnoredEvent is returned for webhook types that carry no delivery status
	ErrIgnoredEvent = errors.New("ignored webhook event")
)

type resendEvent struct {
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      struct {
		EmailID string `json:"email_id"`
		Bounce  *struct {
			Type    string `json:"type"`
			SubType string `json:"subType"`
			Message string `json:"message"`
		} `json:"bounce"`
	} `json:"data"`
}

var resendEventTypes = map[string]EventType{
	"email.sent":             EventSent,
	"email.delivered":        EventDelivered,
	"email.bounced":          EventBounced,
	"email.complained":       EventComplained,
	"email.delivery_delayed": EventDelayed,
}

// ParseResendEvent decodes a Resend webhook payload. Event types without a
// delivery meaning, such as email.opened, return ErrIgnoredEvent.
func ParseResendEvent(body []byte) (DeliveryEvent, error) {
	const op = "parse resend event"

	var raw resendEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return DeliveryEvent{}, resilience.Wrap(resilience.KindValidation, op, err)
	}
	eventType, ok := resendEventTypes[raw.Type]
	if !ok {
		return DeliveryEvent{}, fmt.Errorf("%w: %s", ErrIgnoredEvent, raw.Type)
	}
	if raw.Data.EmailID == "" {
		return DeliveryEvent{}, resilience.NewError(resilience.KindValidation, op, "missing email id")
	}

	event := DeliveryEvent{
		Type:       eventType,
		MessageID:  raw.Data.EmailID,
		OccurredAt: raw.CreatedAt,
	}
	if b := raw.Data.Bounce; b != nil {
		event.HardBounce = strings.EqualFold(b.Type, "Permanent")
		event.Reason = b.Message
		if event.Reason == "" {
			event.Reason = strings.TrimSpace(b.Type + " " + b.SubType)
		}
	}
	return event, nil
}

// VerifySignature checks the svix-id, svix-timestamp and svix-signature
// headers Resend signs its webhooks with. The secret is the "whsec_" value
// from the provider dashboard.
func VerifySignature(secret string, header http.Header, body []byte, now time.Time) error {
	const op = "verify webhook signature"

	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, "whsec_"))
	if err != nil {
		return resilience.Wrap(resilience.KindValidation, op, fmt.Errorf("invalid secret: %w", err))
	}

	id := header.Get("svix-id")
	ts := header.Get("svix-timestamp")
	sigs := header.Get("svix-signature")
	if id == "" || ts == "" || sigs == "" {
		return resilience.Wrap(resilience.KindValidation, op, ErrInvalidSignature)
	}

	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return resilience.Wrap(resilience.KindValidation, op, ErrInvalidSignature)
	}
	sent := time.Unix(secs, 0)
	if now.Sub(sent) > SignatureTolerance || sent.Sub(now) > SignatureTolerance {
		return resilience.Wrap(resilience.KindValidation, op, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature))
	}

	expected := Sign(key, id, ts, body)
	for _, candidate := range strings.Fields(sigs) {
		version, sig, ok := strings.Cut(candidate, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return resilience.Wrap(resilience.KindValidation, op, ErrInvalidSignature)
}

// Sign computes the base64 v1 signature for a webhook
func Sign(key []byte, id, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id + "." + timestamp + "."))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
