package cashfree

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/payment-reconciler/internal/apperr"
	"github.com/akylbek/payment-system/payment-reconciler/internal/config"
	"github.com/akylbek/payment-system/payment-reconciler/internal/gateway"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(config.Gateway{
		BaseURL:     srv.URL + "/pg/",
		APIVersion:  "2023-08-01",
		HTTPTimeout: 2 * time.Second,
		Credentials: config.GatewayCredentials{ClientID: "app-id", ClientSecret: "secret-key"},
	}, nil)
}

func TestCreateOrder(t *testing.T) {
	var got createOrderRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/pg/orders", r.URL.Path)
		assert.Equal(t, "app-id", r.Header.Get("x-client-id"))
		assert.Equal(t, "secret-key", r.Header.Get("x-client-secret"))
		assert.Equal(t, "2023-08-01", r.Header.Get("x-api-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"cf_order_id":"2149460581","order_id":"order_1","payment_session_id":"session_abc","order_status":"ACTIVE"}`))
	})

	order, err := c.CreateOrder(context.Background(), gateway.OrderRequest{
		OrderID:   "order_1",
		Amount:    decimal.RequireFromString("101.5"),
		Currency:  "INR",
		Customer:  gateway.Customer{ID: "user-1", Phone: "9999999999"},
		ReturnURL: "https://shop.example/return",
	})
	require.NoError(t, err)
	assert.Equal(t, "order_1", order.GatewayOrderID)
	assert.Equal(t, "session_abc", order.GatewaySessionID)

	assert.Equal(t, "order_1", got.OrderID)
	assert.Equal(t, json.Number("101.50"), got.OrderAmount)
	assert.Equal(t, "INR", got.OrderCurrency)
	assert.Equal(t, "user-1", got.CustomerDetails.CustomerID)
	require.NotNil(t, got.OrderMeta)
	assert.Equal(t, "https://shop.example/return", got.OrderMeta.ReturnURL)
}

func TestCreateOrderAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"order_amount is invalid","code":"order_amount_invalid","type":"invalid_request_error"}`))
	})

	_, err := c.CreateOrder(context.Background(), gateway.OrderRequest{OrderID: "o", Amount: decimal.NewFromInt(1), Currency: "INR"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrAPI)
	assert.False(t, apperr.Retryable(err))
	assert.Contains(t, apperr.Message(err), "order_amount is invalid")
}

func TestCreateOrderServerErrorIsRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := c.CreateOrder(context.Background(), gateway.OrderRequest{OrderID: "o", Amount: decimal.NewFromInt(1), Currency: "INR"})
	assert.True(t, apperr.Retryable(err))
}

func TestCreateOrderNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(config.Gateway{BaseURL: url, HTTPTimeout: time.Second}, nil)
	_, err := c.CreateOrder(context.Background(), gateway.OrderRequest{OrderID: "o", Amount: decimal.NewFromInt(1), Currency: "INR"})
	assert.ErrorIs(t, err, apperr.ErrNetwork)
}

func TestGetPaymentStatusPrefersSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/pg/orders/test123/payments", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"cf_payment_id":111,"payment_status":"FAILED","payment_amount":100,"payment_time":"2024-05-01T10:00:00+05:30","error_details":{"error_description":"card declined"}},
			{"cf_payment_id":"222","payment_status":"SUCCESS","payment_amount":100.00,"payment_time":"2024-05-01T09:59:00+05:30","bank_reference":"BR1","payment_group":"upi","payment_message":"ok"},
			{"cf_payment_id":"333","payment_status":"PENDING","payment_amount":100,"payment_time":"2024-05-01T10:05:00+05:30"}
		]`))
	})

	res, err := c.GetPaymentStatus(context.Background(), "test123")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, models.GatewaySuccess, res.PaymentStatus)
	assert.Equal(t, "222", res.TransactionID)
	assert.Equal(t, "BR1", res.BankReference)
	assert.Equal(t, "upi", res.PaymentMethod)
	assert.True(t, res.Amount.Equal(decimal.NewFromInt(100)))
	require.NotNil(t, res.PaidAt)
	assert.NotEmpty(t, res.Raw)
}

func TestGetPaymentStatusLatestAttemptWins(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"cf_payment_id":1,"payment_status":"PENDING","payment_time":"2024-05-01T10:00:00Z"},
			{"cf_payment_id":2,"payment_status":"FAILED","payment_time":"2024-05-01T10:03:00Z","error_details":{"error_reason":"auth_failed"}}
		]`))
	})

	res, err := c.GetPaymentStatus(context.Background(), "o")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, models.GatewayFailed, res.PaymentStatus)
	assert.Equal(t, "2", res.TransactionID)
	assert.Equal(t, "auth_failed", res.FailureReason)
}

func TestGetPaymentStatusNoAttempts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	res, err := c.GetPaymentStatus(context.Background(), "o")
	require.NoError(t, err)
	assert.Equal(t, models.GatewayNotAttempted, res.PaymentStatus)
	_, decided := res.PaymentStatus.Target()
	assert.False(t, decided)
}

func TestMapStatus(t *testing.T) {
	cases := map[string]models.GatewayStatus{
		"SUCCESS":       models.GatewaySuccess,
		"failed":        models.GatewayFailed,
		"CANCELLED":     models.GatewayCancelled,
		"VOID":          models.GatewayCancelled,
		"USER_DROPPED":  models.GatewayUserDropped,
		"PENDING":       models.GatewayPending,
		"FLAGGED":       models.GatewayPending,
		"NOT_ATTEMPTED": models.GatewayNotAttempted,
		"weird":         models.GatewayUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, mapStatus(in), in)
	}
}
