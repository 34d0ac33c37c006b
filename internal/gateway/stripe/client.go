// Package stripegw adapts Stripe PaymentIntents to the gateway.Client contract.
package stripegw

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go"
	"github.com/stripe/stripe-go/client"
	"go.opentelemetry.io/otel/attribute"

	"github.com/akylbek/payment-system/payment-reconciler/internal/apperr"
	"github.com/akylbek/payment-system/payment-reconciler/internal/gateway"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

const providerName = "stripe"

// paymentIntents is the subset of the SDK's PaymentIntent client in use.
type paymentIntents interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type Client struct {
	intents paymentIntents
}

var _ gateway.Client = (*Client)(nil)

// New returns a Client backed by the official SDK using secretKey.
func New(secretKey string) *Client {
	return &Client{intents: client.New(secretKey, nil).PaymentIntents}
}

func (c *Client) Name() string { return providerName }

func (c *Client) CreateOrder(ctx context.Context, req gateway.OrderRequest) (gateway.Order, error) {
	_, done := gateway.Observe(ctx, providerName, "create_order", attribute.String("order_id", req.OrderID))

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(minorUnits(req.Amount)),
		Currency: stripe.String(strings.ToLower(req.Currency)),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(req.OrderID)
	params.AddMetadata("order_id", req.OrderID)
	if req.Customer.ID != "" {
		params.AddMetadata("customer_id", req.Customer.ID)
	}
	if req.Customer.Email != "" {
		params.ReceiptEmail = stripe.String(req.Customer.Email)
	}
	if req.Note != "" {
		params.Description = stripe.String(req.Note)
	}

	pi, err := c.intents.New(params)
	if err != nil {
		err = mapError(err)
		done(err)
		return gateway.Order{}, err
	}
	raw, _ := json.Marshal(pi)
	done(nil)
	return gateway.Order{GatewayOrderID: pi.ID, GatewaySessionID: pi.ClientSecret, Raw: raw}, nil
}

func (c *Client) GetPaymentStatus(ctx context.Context, gatewayOrderID string) (models.VerificationResult, error) {
	_, done := gateway.Observe(ctx, providerName, "get_payment_status", attribute.String("order_id", gatewayOrderID))

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := c.intents.Get(gatewayOrderID, params)
	if err != nil {
		err = mapError(err)
		done(err)
		return models.VerificationResult{}, err
	}
	done(nil)
	return toVerificationResult(pi), nil
}

func toVerificationResult(pi *stripe.PaymentIntent) models.VerificationResult {
	status := mapStatus(pi)
	res := models.VerificationResult{
		Success:       status == models.GatewaySuccess,
		OrderID:       pi.ID,
		PaymentStatus: status,
		Amount:        decimal.New(pi.Amount, -2),
		Message:       string(pi.Status),
	}
	if len(pi.PaymentMethodTypes) > 0 {
		res.PaymentMethod = pi.PaymentMethodTypes[0]
	}
	if pi.Charges != nil && len(pi.Charges.Data) > 0 {
		ch := pi.Charges.Data[0]
		res.TransactionID = ch.ID
		if ch.Created > 0 && ch.Paid {
			paid := time.Unix(ch.Created, 0).UTC()
			res.PaidAt = &paid
		}
	}
	if pi.LastPaymentError != nil {
		res.FailureReason = pi.LastPaymentError.Msg
	}
	res.Raw, _ = json.Marshal(pi)
	return res
}

func mapStatus(pi *stripe.PaymentIntent) models.GatewayStatus {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return models.GatewaySuccess
	case stripe.PaymentIntentStatusCanceled:
		return models.GatewayCancelled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		// The intent falls back here after a declined attempt.
		if pi.LastPaymentError != nil {
			return models.GatewayFailed
		}
		return models.GatewayNotAttempted
	case stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresCapture,
		stripe.PaymentIntentStatusRequiresConfirmation:
		return models.GatewayPending
	default:
		return models.GatewayUnknown
	}
}

func mapError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode > 0 {
		msg := se.Msg
		if msg == "" {
			msg = string(se.Type)
		}
		return apperr.API(se.HTTPStatusCode, "gateway rejected request: "+msg)
	}
	return apperr.Network("payment gateway unreachable", err)
}

// minorUnits assumes a two-decimal currency.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
