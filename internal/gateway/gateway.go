package gateway

//go:generate mockgen -destination=mocks/mock_gateway.go -package=mocks github.com/akylbek/payment-system/payment-reconciler/internal/gateway Client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/akylbek/payment-system/payment-reconciler/internal/apperr"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
	"github.com/akylbek/payment-system/payment-reconciler/internal/telemetry"
)

type Customer struct {
	ID    string
	Name  string
	Phone string
	Email string
}

type OrderRequest struct {
	OrderID   string
	Amount    decimal.Decimal
	Currency  string
	Customer  Customer
	ReturnURL string
	NotifyURL string
	Note      string
}

type Order struct {
	GatewayOrderID   string
	GatewaySessionID string
	Raw              json.RawMessage
}

// Client performs the server-to-server calls to the payment gateway. It is the
// only holder of gateway credentials and keeps no state between calls.
//
// Failures are *apperr.Error of KindAPI (non-2xx, Code set) or KindNetwork.
type Client interface {
	Name() string
	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	GetPaymentStatus(ctx context.Context, gatewayOrderID string) (models.VerificationResult, error)
}

// WebhookCodec authenticates and decodes an inbound notification. A signature
// mismatch must yield a KindSecurity error before anything is decoded.
type WebhookCodec interface {
	Parse(body []byte, signature string) (models.WebhookEvent, error)
}

// Observe opens a client span for a gateway operation; call the returned
// function with the operation's error when it completes.
func Observe(ctx context.Context, provider, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	attrs = append(attrs, attribute.String("gateway.provider", provider))
	ctx, span := telemetry.Tracer().Start(ctx, "gateway."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return ctx, func(err error) {
		telemetry.GatewayLatency.WithLabelValues(provider, op).Observe(time.Since(start).Seconds())
		outcome := "ok"
		if err != nil {
			outcome = string(apperr.KindOf(err))
		}
		telemetry.GatewayRequests.WithLabelValues(provider, op, outcome).Inc()
		telemetry.EndSpan(span, err)
	}
}
