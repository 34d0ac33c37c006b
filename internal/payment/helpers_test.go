package payment

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/akylbek/payment-system/payment-reconciler/internal/apperr"
	"github.com/akylbek/payment-system/payment-reconciler/internal/checkout"
	"github.com/akylbek/payment-system/payment-reconciler/internal/config"
	"github.com/akylbek/payment-system/payment-reconciler/internal/gateway"
	"github.com/akylbek/payment-system/payment-reconciler/internal/gateway/cashfree"
	"github.com/akylbek/payment-system/payment-reconciler/internal/idempotency"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
	"github.com/akylbek/payment-system/payment-reconciler/internal/repository"
	"github.com/akylbek/payment-system/payment-reconciler/internal/retry"
	"github.com/akylbek/payment-system/payment-reconciler/internal/wallet"
)

type fakeGateway struct {
	mu          sync.Mutex
	createCalls int
	statusCalls int
	createOrder func(ctx context.Context, req gateway.OrderRequest) (gateway.Order, error)
	status      func(ctx context.Context, orderID string) (models.VerificationResult, error)
	lastRequest gateway.OrderRequest
}

func (f *fakeGateway) Name() string { return "fake" }

func (f *fakeGateway) CreateOrder(ctx context.Context, req gateway.OrderRequest) (gateway.Order, error) {
	f.mu.Lock()
	f.createCalls++
	f.lastRequest = req
	fn := f.createOrder
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return gateway.Order{GatewayOrderID: req.OrderID, GatewaySessionID: "session_" + req.OrderID}, nil
}

func (f *fakeGateway) GetPaymentStatus(ctx context.Context, orderID string) (models.VerificationResult, error) {
	f.mu.Lock()
	f.statusCalls++
	fn := f.status
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, orderID)
	}
	return gatewayResult(orderID, models.GatewaySuccess), nil
}

func (f *fakeGateway) calls() (create, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, f.statusCalls
}

func (f *fakeGateway) setStatus(s models.GatewayStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = func(_ context.Context, orderID string) (models.VerificationResult, error) {
		return gatewayResult(orderID, s), nil
	}
}

func gatewayResult(orderID string, s models.GatewayStatus) models.VerificationResult {
	return models.VerificationResult{
		Success:       s == models.GatewaySuccess,
		OrderID:       orderID,
		PaymentStatus: s,
		TransactionID: "verify_" + orderID,
		Amount:        decimal.NewFromInt(100),
		Raw:           []byte(`{"payment_status":"` + string(s) + `"}`),
	}
}

func unreachable(context.Context, string) (models.VerificationResult, error) {
	return models.VerificationResult{}, apperr.Network("payment gateway unreachable", fmt.Errorf("dial tcp: i/o timeout"))
}

func serverError(context.Context, gateway.OrderRequest) (gateway.Order, error) {
	return gateway.Order{}, apperr.API(http.StatusServiceUnavailable, "gateway rejected request: unavailable")
}

type driverFunc func(ctx context.Context, sess models.Session) (models.SDKOutcome, error)

func (f driverFunc) Launch(ctx context.Context, sess models.Session) (models.SDKOutcome, error) {
	return f(ctx, sess)
}

func reports(kind models.SDKOutcomeKind) checkout.Driver {
	return driverFunc(func(context.Context, models.Session) (models.SDKOutcome, error) {
		return models.SDKOutcome{Kind: kind}, nil
	})
}

type harness struct {
	t            *testing.T
	now          time.Time
	repo         *repository.MemoryRepository
	gw           *fakeGateway
	store        *idempotency.MemoryStore
	codec        *cashfree.WebhookCodec
	ledger       *wallet.Ledger
	deps         Deps
	settings     Settings
	reconciler   *Reconciler
	orchestrator *Orchestrator
	webhooks     *WebhookProcessor
	combined     *CombinedCoordinator
	sweeper      *Sweeper
}

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		Retryable:   apperr.Retryable,
	}
}

func newHarness(t *testing.T, driver checkout.Driver) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		now:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		repo:   repository.NewMemoryRepository(),
		gw:     &fakeGateway{},
		store:  idempotency.NewMemoryStore(),
		codec:  cashfree.NewWebhookCodec("webhook-secret"),
		ledger: wallet.NewLedger(),
	}
	h.settings = Settings{
		Currency:        "INR",
		ReturnURL:       "https://shop.example/return",
		NotifyURL:       "https://shop.example/webhooks/gateway",
		PaymentTimeout:  5 * time.Second,
		FreshnessWindow: 5 * time.Minute,
		DedupTTL:        time.Hour,
	}
	h.deps = Deps{
		Repo:    h.repo,
		Gateway: h.gw,
		Policy:  fastPolicy(),
		Logger:  zaptest.NewLogger(t),
		Now:     func() time.Time { return h.now },
	}
	h.build(driver)
	return h
}

func (h *harness) build(driver checkout.Driver) {
	h.reconciler = NewReconciler(h.deps)
	h.orchestrator = NewOrchestrator(h.deps, h.settings, driver, h.reconciler)
	h.webhooks = NewWebhookProcessor(h.deps, h.settings, h.codec, h.store)
	h.combined = NewCombinedCoordinator(h.deps, h.orchestrator, h.ledger)
	h.sweeper = NewSweeper(h.deps, config.Sweep{Interval: time.Minute, StaleAfter: 10 * time.Minute, BatchSize: 50}, h.reconciler, h.combined)
}

// seed opens a card session for orderID and returns its record.
func (h *harness) seed(orderID string) models.PaymentRecord {
	h.t.Helper()
	_, err := h.orchestrator.CreateSession(context.Background(), SessionRequest{
		UserID:  "user-1",
		Amount:  decimal.NewFromInt(100),
		OrderID: orderID,
		Method:  models.MethodGatewayCard,
	})
	require.NoError(h.t, err)
	return h.record(orderID)
}

func (h *harness) record(orderID string) models.PaymentRecord {
	h.t.Helper()
	rec, err := h.repo.GetByOrderID(context.Background(), orderID)
	require.NoError(h.t, err)
	return *rec
}

func (h *harness) webhook(eventType, orderID string, ts time.Time) ([]byte, string) {
	body := []byte(fmt.Sprintf(
		`{"eventType":%q,"orderId":%q,"timestamp":%q,"data":{"cfPaymentId":"cf_%s","bankReference":"BR_%s","amount":100}}`,
		eventType, orderID, ts.Format(time.RFC3339Nano), orderID, orderID))
	return body, h.codec.Sign(body)
}

func (h *harness) deliver(eventType, orderID string) (HandleResult, error) {
	body, sig := h.webhook(eventType, orderID, h.now.Add(-time.Second))
	return h.webhooks.Handle(context.Background(), body, sig)
}
