package cashfree

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/akylbek/payment-system/payment-reconciler/internal/apperr"
	"github.com/akylbek/payment-system/payment-reconciler/internal/gateway"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

// WebhookCodec verifies notifications signed as base64(HMAC-SHA256(secret, body)).
type WebhookCodec struct {
	secret []byte
}

var _ gateway.WebhookCodec = (*WebhookCodec)(nil)

func NewWebhookCodec(secret string) *WebhookCodec {
	return &WebhookCodec{secret: []byte(secret)}
}

// Sign returns the signature a notification with this body must carry.
func (c *WebhookCodec) Sign(body []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *WebhookCodec) Parse(body []byte, signature string) (models.WebhookEvent, error) {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return models.WebhookEvent{}, apperr.Security("missing webhook signature")
	}
	// Compared in encoded form: decoding would ignore the spare bits of the
	// last base64 character and accept altered headers.
	if !hmac.Equal([]byte(signature), []byte(c.Sign(body))) {
		return models.WebhookEvent{}, apperr.Security("invalid webhook signature")
	}

	var ev models.WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return models.WebhookEvent{}, apperr.Validation("malformed webhook payload: %v", err)
	}
	if ev.OrderID == "" || ev.EventType == "" {
		return models.WebhookEvent{}, apperr.Validation("webhook payload missing orderId or eventType")
	}
	if ev.Timestamp.IsZero() {
		return models.WebhookEvent{}, apperr.Validation("webhook payload missing timestamp")
	}
	ev.EventType = models.NormalizeEventType(ev.EventType)
	ev.Payload = append(json.RawMessage(nil), body...)
	ev.Signature = signature
	return ev, nil
}
