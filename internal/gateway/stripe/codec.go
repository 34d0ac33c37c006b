package stripegw

import (
	"encoding/json"
	"time"

	stripe "github.com/stripe/stripe-go"
	"github.com/stripe/stripe-go/webhook"

	"github.com/akylbek/payment-system/payment-reconciler/internal/apperr"
	"github.com/akylbek/payment-system/payment-reconciler/internal/gateway"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

var eventTypes = map[string]string{
	"payment_intent.succeeded":      models.EventPaymentSuccess,
	"payment_intent.payment_failed": models.EventPaymentFailed,
	"payment_intent.canceled":       models.EventPaymentCancelled,
}

// WebhookCodec verifies the Stripe-Signature header and lifts payment_intent
// events into the common event shape.
type WebhookCodec struct {
	secret string
}

var _ gateway.WebhookCodec = (*WebhookCodec)(nil)

func NewWebhookCodec(secret string) *WebhookCodec {
	return &WebhookCodec{secret: secret}
}

func (c *WebhookCodec) Parse(body []byte, signature string) (models.WebhookEvent, error) {
	if signature == "" {
		return models.WebhookEvent{}, apperr.Security("missing webhook signature")
	}
	ev, err := webhook.ConstructEvent(body, signature, c.secret)
	if err != nil {
		return models.WebhookEvent{}, apperr.Security("invalid webhook signature")
	}
	if ev.Data == nil {
		return models.WebhookEvent{}, apperr.Validation("webhook event %s has no data", ev.ID)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return models.WebhookEvent{}, apperr.Validation("malformed payment intent in event %s", ev.ID)
	}
	if pi.ID == "" {
		return models.WebhookEvent{}, apperr.Validation("event %s carries no payment intent", ev.ID)
	}

	eventType, ok := eventTypes[ev.Type]
	if !ok {
		eventType = models.NormalizeEventType(ev.Type)
	}
	res := toVerificationResult(&pi)
	return models.WebhookEvent{
		EventType: eventType,
		OrderID:   pi.ID,
		Data: models.WebhookData{
			PaymentStatus: res.PaymentStatus,
			PaymentID:     res.TransactionID,
			PaymentMethod: res.PaymentMethod,
			Amount:        res.Amount,
			FailureReason: res.FailureReason,
		},
		Timestamp: time.Unix(ev.Created, 0).UTC(),
		Payload:   append(json.RawMessage(nil), body...),
		Signature: signature,
	}, nil
}
