package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/apperr"
	"github.com/akylbek/payment-system/payment-reconciler/internal/checkout"
	"github.com/akylbek/payment-system/payment-reconciler/internal/config"
	"github.com/akylbek/payment-system/payment-reconciler/internal/gateway"
	"github.com/akylbek/payment-system/payment-reconciler/internal/gateway/cashfree"
	"github.com/akylbek/payment-system/payment-reconciler/internal/idempotency"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
	"github.com/akylbek/payment-system/payment-reconciler/internal/payment"
	"github.com/akylbek/payment-system/payment-reconciler/internal/repository"
	"github.com/akylbek/payment-system/payment-reconciler/internal/retry"
	"github.com/akylbek/payment-system/payment-reconciler/internal/wallet"
)

// stubGateway opens orders under the requested id and reports a settable status.
type stubGateway struct {
	mu     sync.Mutex
	status models.GatewayStatus
}

func (g *stubGateway) Name() string { return "stub" }

func (g *stubGateway) CreateOrder(_ context.Context, req gateway.OrderRequest) (gateway.Order, error) {
	return gateway.Order{GatewayOrderID: req.OrderID, GatewaySessionID: "sess_" + req.OrderID}, nil
}

func (g *stubGateway) GetPaymentStatus(_ context.Context, orderID string) (models.VerificationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return models.VerificationResult{
		Success:       g.status == models.GatewaySuccess,
		OrderID:       orderID,
		PaymentStatus: g.status,
	}, nil
}

func (g *stubGateway) set(s models.GatewayStatus) {
	g.mu.Lock()
	g.status = s
	g.mu.Unlock()
}

type fixture struct {
	router *gin.Engine
	repo   *repository.MemoryRepository
	gw     *stubGateway
	hub    *checkout.Hub
	codec  *cashfree.WebhookCodec
	ledger *wallet.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// Attempts outlive the request, so nothing may log through t.
	logger := zap.NewNop()
	f := &fixture{
		repo:   repository.NewMemoryRepository(),
		gw:     &stubGateway{status: models.GatewayPending},
		hub:    checkout.NewHub(),
		codec:  cashfree.NewWebhookCodec("whsec"),
		ledger: wallet.NewLedger(),
	}
	deps := payment.Deps{
		Repo:    f.repo,
		Gateway: f.gw,
		Policy:  retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 1, Retryable: apperr.Retryable},
		Logger:  logger,
	}
	settings := payment.Settings{
		Currency:        "INR",
		PaymentTimeout:  5 * time.Second,
		FreshnessWindow: 5 * time.Minute,
		DedupTTL:        time.Hour,
	}
	reconciler := payment.NewReconciler(deps)
	orchestrator := payment.NewOrchestrator(deps, settings, f.hub, reconciler)
	combined := payment.NewCombinedCoordinator(deps, orchestrator, f.ledger)
	processor := payment.NewWebhookProcessor(deps, settings, f.codec, idempotency.NewMemoryStore())

	payments := NewPaymentHandler(orchestrator, reconciler, combined, f.repo, f.hub, logger)
	webhooks := NewWebhookHandler(processor, config.ProviderCashfree, logger)

	r := gin.New()
	r.POST("/payments/sessions", payments.CreateSession)
	r.POST("/payments", payments.ProcessPayment)
	r.POST("/payments/combined", payments.PayCombined)
	r.GET("/payments/:orderId", payments.GetPayment)
	r.POST("/payments/:orderId/sdk-result", payments.SDKResult)
	r.POST("/payments/:orderId/verify", payments.Verify)
	r.POST("/payments/:orderId/admin-decision", payments.AdminDecision)
	r.POST("/webhooks/gateway", webhooks.Receive)
	f.router = r
	return f
}

func (f *fixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) status(t *testing.T, orderID string) models.PaymentStatus {
	t.Helper()
	rec, err := f.repo.GetByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	return rec.Status
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestCreateSessionAndGet(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/payments/sessions", `{"user_id":"user-1","amount":"250.00","order_id":"order-1"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "order-1", body["order_id"])
	assert.Equal(t, "sess_order-1", body["session_id"])

	w = f.do(http.MethodGet, "/payments/order-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(models.StatusPending), decode(t, w)["status"])
}

func TestGetUnknownPayment(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/payments/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/payments/sessions", `{"user_id":"user-1","amount":"0"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(apperr.KindValidation), decode(t, w)["error_type"])
}

func TestProcessPaymentAcceptsThenSDKResultSettles(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/payments", `{"user_id":"user-1","amount":"99.50","order_id":"order-2"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Eventually(t, func() bool { return f.hub.Waiting("order-2") }, time.Second, 5*time.Millisecond)

	f.gw.set(models.GatewaySuccess)
	w = f.do(http.MethodPost, "/payments/order-2/sdk-result", `{"outcome":"completed"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, true, decode(t, w)["delivered"])

	assert.Eventually(t, func() bool {
		return f.status(t, "order-2") == models.StatusApproved
	}, time.Second, 5*time.Millisecond)
}

func TestSDKResultWithoutWaiter(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPost, "/payments/sessions", `{"user_id":"user-1","amount":"10","order_id":"order-3"}`)

	w := f.do(http.MethodPost, "/payments/order-3/sdk-result", `{"outcome":"cancelled","message":"closed sheet"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.StatusIncomplete, f.status(t, "order-3"))

	w = f.do(http.MethodPost, "/payments/order-3/sdk-result", `{"outcome":"teleported"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVerifyEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPost, "/payments/sessions", `{"user_id":"user-1","amount":"10","order_id":"order-4"}`)
	f.gw.set(models.GatewayFailed)

	w := f.do(http.MethodPost, "/payments/order-4/verify", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.StatusRejected, f.status(t, "order-4"))

	w = f.do(http.MethodPost, "/payments/nope/verify", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminDecisionOnCash(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/payments/sessions", `{"user_id":"user-1","amount":"10","order_id":"cash-1","method":"CASH"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(http.MethodPost, "/payments/cash-1/admin-decision", `{"reason":"collected"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/payments/cash-1/admin-decision", `{"approve":true,"reason":"collected"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.StatusApproved, f.status(t, "cash-1"))

	w = f.do(http.MethodPost, "/payments/cash-1/admin-decision", `{"approve":false}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestPayCombinedInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/payments/combined",
		`{"user_id":"user-1","total_amount":"150","wallet_portion":"50","gateway_portion":"100"}`)
	require.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())
}

func (f *fixture) webhook(eventType, orderID string, ts time.Time) (string, string) {
	body := fmt.Sprintf(`{"eventType":%q,"orderId":%q,"timestamp":%q}`, eventType, orderID, ts.Format(time.RFC3339Nano))
	return body, f.codec.Sign([]byte(body))
}

func TestWebhookReceive(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPost, "/payments/sessions", `{"user_id":"user-1","amount":"10","order_id":"order-5"}`)

	body, sig := f.webhook(models.EventPaymentSuccess, "order-5", time.Now().Add(-time.Second))

	w := f.do(http.MethodPost, "/webhooks/gateway", body, "x-webhook-signature", "AAAA")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, models.StatusPending, f.status(t, "order-5"))

	w = f.do(http.MethodPost, "/webhooks/gateway", body, "x-webhook-signature", sig)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(payment.OutcomeApplied), decode(t, w)["outcome"])
	assert.Equal(t, models.StatusApproved, f.status(t, "order-5"))

	w = f.do(http.MethodPost, "/webhooks/gateway", body, "x-webhook-signature", sig)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(payment.OutcomeDuplicate), decode(t, w)["outcome"])
}

func TestWebhookUnknownOrderIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	body, sig := f.webhook(models.EventPaymentFailed, "ghost", time.Now())
	w := f.do(http.MethodPost, "/webhooks/gateway", body, "x-webhook-signature", sig)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(payment.OutcomeUnknown), decode(t, w)["outcome"])
}

func TestWebhookSignedButMissingOrderIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	body := fmt.Sprintf(`{"eventType":"PAYMENT_SUCCESS","timestamp":%q,"data":{}}`, time.Now().Format(time.RFC3339Nano))
	sig := f.codec.Sign([]byte(body))

	w := f.do(http.MethodPost, "/webhooks/gateway", body, "x-webhook-signature", sig)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(payment.OutcomeMalformed), decode(t, w)["outcome"])
}

func TestWebhookBodyTooLarge(t *testing.T) {
	f := newFixture(t)
	big := bytes.Repeat([]byte("a"), maxWebhookBody+1)
	w := f.do(http.MethodPost, "/webhooks/gateway", string(big), "x-webhook-signature", "x")
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestSignatureHeader(t *testing.T) {
	assert.Equal(t, "Stripe-Signature", SignatureHeader(config.ProviderStripe))
	assert.Equal(t, "x-webhook-signature", SignatureHeader(config.ProviderCashfree))
}
