package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventPaymentSuccess     = "PAYMENT_SUCCESS"
	EventPaymentFailed      = "PAYMENT_FAILED"
	EventPaymentCancelled   = "PAYMENT_CANCELLED"
	EventPaymentUserDropped = "PAYMENT_USER_DROPPED"
)

// WebhookEvent is a verified, decoded gateway notification. It is folded into a
// PaymentRecord transition and never stored raw.
type WebhookEvent struct {
	EventType string          `json:"eventType"`
	OrderID   string          `json:"orderId"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      WebhookData     `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"-"`
	Signature string          `json:"-"`
}

type WebhookData struct {
	PaymentStatus GatewayStatus   `json:"paymentStatus,omitempty"`
	PaymentID     string          `json:"cfPaymentId,omitempty"`
	PaymentMethod string          `json:"paymentMethod,omitempty"`
	BankReference string          `json:"bankReference,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	FailureReason string          `json:"failureReason,omitempty"`
}

// NormalizeEventType upper-cases t and strips the "_WEBHOOK" suffix some gateways append.
func NormalizeEventType(t string) string {
	t = strings.ToUpper(strings.TrimSpace(t))
	return strings.TrimSuffix(t, "_WEBHOOK")
}

// TargetStatus is the record status asserted by the event, if any.
func (e WebhookEvent) TargetStatus() (PaymentStatus, bool) {
	switch NormalizeEventType(e.EventType) {
	case EventPaymentSuccess:
		return StatusApproved, true
	case EventPaymentFailed, EventPaymentCancelled:
		return StatusRejected, true
	case EventPaymentUserDropped:
		return StatusIncomplete, true
	default:
		return "", false
	}
}

// DedupKey identifies a delivery so redeliveries of the same notification collapse.
func (e WebhookEvent) DedupKey() string {
	return fmt.Sprintf("%s:%s:%d", e.OrderID, NormalizeEventType(e.EventType), e.Timestamp.UnixNano())
}
