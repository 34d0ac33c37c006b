package cashfree

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/akylbek/payment-system/payment-reconciler/internal/apperr"
	"github.com/akylbek/payment-system/payment-reconciler/internal/config"
	"github.com/akylbek/payment-system/payment-reconciler/internal/gateway"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

const providerName = "cashfree"

// maxBody caps how much of a gateway response is read.
const maxBody = 1 << 20

type Client struct {
	baseURL    string
	apiVersion string
	creds      config.GatewayCredentials
	httpClient *http.Client
}

var _ gateway.Client = (*Client)(nil)

func New(cfg config.Gateway, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion: cfg.APIVersion,
		creds:      cfg.Credentials,
		httpClient: httpClient,
	}
}

func (c *Client) Name() string { return providerName }

type customerDetails struct {
	CustomerID    string `json:"customer_id"`
	CustomerName  string `json:"customer_name,omitempty"`
	CustomerPhone string `json:"customer_phone"`
	CustomerEmail string `json:"customer_email,omitempty"`
}

type orderMeta struct {
	ReturnURL string `json:"return_url,omitempty"`
	NotifyURL string `json:"notify_url,omitempty"`
}

type createOrderRequest struct {
	OrderID         string          `json:"order_id"`
	OrderAmount     json.Number     `json:"order_amount"`
	OrderCurrency   string          `json:"order_currency"`
	CustomerDetails customerDetails `json:"customer_details"`
	OrderMeta       *orderMeta      `json:"order_meta,omitempty"`
	OrderNote       string          `json:"order_note,omitempty"`
}

type createOrderResponse struct {
	OrderID          string `json:"order_id"`
	PaymentSessionID string `json:"payment_session_id"`
	OrderStatus      string `json:"order_status"`
}

type paymentEntity struct {
	PaymentID      flexString  `json:"cf_payment_id"`
	PaymentStatus  string      `json:"payment_status"`
	PaymentAmount  json.Number `json:"payment_amount"`
	PaymentTime    string      `json:"payment_time"`
	PaymentMessage string      `json:"payment_message"`
	PaymentGroup   string      `json:"payment_group"`
	BankReference  string      `json:"bank_reference"`
	ErrorDetails   *struct {
		ErrorDescription string `json:"error_description"`
		ErrorReason      string `json:"error_reason"`
	} `json:"error_details"`
}

type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Type    string `json:"type"`
}

func (c *Client) CreateOrder(ctx context.Context, req gateway.OrderRequest) (gateway.Order, error) {
	ctx, done := gateway.Observe(ctx, providerName, "create_order", attribute.String("order_id", req.OrderID))

	body := createOrderRequest{
		OrderID:       req.OrderID,
		OrderAmount:   json.Number(req.Amount.StringFixed(2)),
		OrderCurrency: req.Currency,
		CustomerDetails: customerDetails{
			CustomerID:    req.Customer.ID,
			CustomerName:  req.Customer.Name,
			CustomerPhone: req.Customer.Phone,
			CustomerEmail: req.Customer.Email,
		},
		OrderNote: req.Note,
	}
	if req.ReturnURL != "" || req.NotifyURL != "" {
		body.OrderMeta = &orderMeta{ReturnURL: req.ReturnURL, NotifyURL: req.NotifyURL}
	}

	raw, err := c.do(ctx, http.MethodPost, "/orders", body)
	if err != nil {
		done(err)
		return gateway.Order{}, err
	}

	var resp createOrderResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		err = apperr.Wrap(apperr.KindAPI, "unreadable create order response", err)
		done(err)
		return gateway.Order{}, err
	}
	if resp.OrderID == "" || resp.PaymentSessionID == "" {
		err := apperr.API(http.StatusBadGateway, "gateway returned an order without a session")
		done(err)
		return gateway.Order{}, err
	}

	done(nil)
	return gateway.Order{
		GatewayOrderID:   resp.OrderID,
		GatewaySessionID: resp.PaymentSessionID,
		Raw:              raw,
	}, nil
}

func (c *Client) GetPaymentStatus(ctx context.Context, gatewayOrderID string) (models.VerificationResult, error) {
	ctx, done := gateway.Observe(ctx, providerName, "get_payment_status", attribute.String("order_id", gatewayOrderID))

	raw, err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(gatewayOrderID)+"/payments", nil)
	if err != nil {
		done(err)
		return models.VerificationResult{}, err
	}

	var payments []paymentEntity
	if err := json.Unmarshal(raw, &payments); err != nil {
		err = apperr.Wrap(apperr.KindAPI, "unreadable payment status response", err)
		done(err)
		return models.VerificationResult{}, err
	}

	done(nil)
	result := toVerificationResult(gatewayOrderID, payments)
	result.Raw = raw
	return result, nil
}

// toVerificationResult condenses the attempts on an order into one status. A
// successful attempt wins; otherwise the most recent attempt speaks for the order.
func toVerificationResult(orderID string, payments []paymentEntity) models.VerificationResult {
	if len(payments) == 0 {
		return models.VerificationResult{
			OrderID:       orderID,
			PaymentStatus: models.GatewayNotAttempted,
			Message:       "no payment attempted yet",
		}
	}

	chosen := payments[0]
	chosenAt := parseTime(chosen.PaymentTime)
	for _, p := range payments[1:] {
		if strings.EqualFold(chosen.PaymentStatus, "SUCCESS") {
			break
		}
		at := parseTime(p.PaymentTime)
		if strings.EqualFold(p.PaymentStatus, "SUCCESS") || at.After(chosenAt) {
			chosen, chosenAt = p, at
		}
	}

	status := mapStatus(chosen.PaymentStatus)
	result := models.VerificationResult{
		Success:       status == models.GatewaySuccess,
		OrderID:       orderID,
		PaymentStatus: status,
		TransactionID: string(chosen.PaymentID),
		Message:       chosen.PaymentMessage,
		PaymentMethod: chosen.PaymentGroup,
		BankReference: chosen.BankReference,
	}
	if amt, err := decimal.NewFromString(chosen.PaymentAmount.String()); err == nil {
		result.Amount = amt
	}
	if !chosenAt.IsZero() {
		result.PaidAt = &chosenAt
	}
	if chosen.ErrorDetails != nil {
		result.FailureReason = chosen.ErrorDetails.ErrorDescription
		if result.FailureReason == "" {
			result.FailureReason = chosen.ErrorDetails.ErrorReason
		}
	}
	return result
}

func mapStatus(s string) models.GatewayStatus {
	switch strings.ToUpper(s) {
	case "SUCCESS":
		return models.GatewaySuccess
	case "FAILED":
		return models.GatewayFailed
	case "CANCELLED", "VOID":
		return models.GatewayCancelled
	case "USER_DROPPED":
		return models.GatewayUserDropped
	case "PENDING", "FLAGGED":
		return models.GatewayPending
	case "NOT_ATTEMPTED":
		return models.GatewayNotAttempted
	default:
		return models.GatewayUnknown
	}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, apperr.Internal("failed to encode gateway request", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, apperr.Internal("failed to build gateway request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-version", c.apiVersion)
	req.Header.Set("x-client-id", c.creds.ClientID)
	req.Header.Set("x-client-secret", c.creds.ClientSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Network("payment gateway unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, apperr.Network("payment gateway response interrupted", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er errorResponse
		msg := http.StatusText(resp.StatusCode)
		if json.Unmarshal(raw, &er) == nil && er.Message != "" {
			msg = er.Message
		}
		return nil, apperr.API(resp.StatusCode, fmt.Sprintf("gateway rejected request: %s", msg))
	}
	return raw, nil
}

// flexString accepts identifiers the gateway sends either as strings or numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}
