package payment

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/apperr"
	"github.com/akylbek/payment-system/payment-reconciler/internal/checkout"
	"github.com/akylbek/payment-system/payment-reconciler/internal/config"
	"github.com/akylbek/payment-system/payment-reconciler/internal/gateway"
	"github.com/akylbek/payment-system/payment-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
	"github.com/akylbek/payment-system/payment-reconciler/internal/repository"
	"github.com/akylbek/payment-system/payment-reconciler/internal/retry"
	"github.com/akylbek/payment-system/payment-reconciler/internal/telemetry"
)

// Settings are the deployment values the payment flows depend on.
type Settings struct {
	Currency        string
	ReturnURL       string
	NotifyURL       string
	PaymentTimeout  time.Duration
	FreshnessWindow time.Duration
	DedupTTL        time.Duration
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Currency:        cfg.Currency,
		ReturnURL:       cfg.Gateway.ReturnURL,
		NotifyURL:       cfg.Gateway.NotifyURL,
		PaymentTimeout:  cfg.PaymentTimeout,
		FreshnessWindow: cfg.Webhook.FreshnessWindow,
		DedupTTL:        cfg.Webhook.DedupTTL,
	}
}

type SessionRequest struct {
	UserID       string
	Amount       decimal.Decimal
	ExtraCharges decimal.Decimal
	// OrderID is generated when empty. Reusing the id of an open record returns
	// that record's session.
	OrderID  string
	Method   models.PaymentMethod
	Note     string
	Customer gateway.Customer
	// WalletAmount is the wallet share of a COMBINED payment.
	WalletAmount decimal.Decimal
}

type PaymentRequest struct {
	SessionRequest
	// OnSession, if set, is called once the session exists and before checkout.
	OnSession func(models.Session)
}

type Orchestrator struct {
	settings    Settings
	gateway     gateway.Client
	repo        interfaces.PaymentRepository
	driver      checkout.Driver
	reconciler  *Reconciler
	transitions *transitioner
	policy      retry.Policy
	logger      *zap.Logger
	now         func() time.Time
}

func NewOrchestrator(d Deps, settings Settings, driver checkout.Driver, reconciler *Reconciler) *Orchestrator {
	d = d.withDefaults()
	return &Orchestrator{
		settings:    settings,
		gateway:     d.Gateway,
		repo:        d.Repo,
		driver:      driver,
		reconciler:  reconciler,
		transitions: newTransitioner(d),
		policy:      d.Policy,
		logger:      d.Logger,
		now:         d.Now,
	}
}

// NewOrderID returns a fresh gateway order id.
func NewOrderID() string {
	return "order_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func validateSession(req *SessionRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return apperr.Validation("user id is required")
	}
	if !req.Amount.IsPositive() {
		return apperr.Validation("amount must be greater than zero")
	}
	if req.ExtraCharges.IsNegative() {
		return apperr.Validation("extra charges cannot be negative")
	}
	if req.WalletAmount.IsNegative() {
		return apperr.Validation("wallet amount cannot be negative")
	}
	if req.Method == "" {
		req.Method = models.MethodGatewayCard
	}
	if !req.Method.Valid() {
		return apperr.Validation("unsupported payment method %q", req.Method)
	}
	if req.Method == models.MethodWallet {
		return apperr.Validation("wallet-only payments are settled by the wallet service")
	}
	if req.WalletAmount.IsPositive() && req.Method != models.MethodCombined {
		return apperr.Validation("wallet amount is only allowed for combined payments")
	}
	return nil
}

func sessionOf(rec models.PaymentRecord) models.Session {
	return models.Session{
		RecordID:         rec.ID,
		OrderID:          rec.GatewayOrderID,
		GatewaySessionID: rec.GatewaySessionID,
		Amount:           rec.TotalAmount(),
		Currency:         rec.Currency,
	}
}

// CreateSession opens a gateway order and persists the PENDING record for it.
// Cash payments get a record only; they are settled by ApplyAdminDecision.
func (o *Orchestrator) CreateSession(ctx context.Context, req SessionRequest) (models.Session, error) {
	if err := validateSession(&req); err != nil {
		return models.Session{}, err
	}

	if req.OrderID != "" {
		existing, err := o.repo.GetByOrderID(ctx, req.OrderID)
		switch {
		case err == nil:
			return o.reuse(*existing, req)
		case !errors.Is(err, repository.ErrNotFound):
			return models.Session{}, apperr.Internal("failed to look up order", err)
		}
	} else {
		req.OrderID = NewOrderID()
	}

	ctx, span := telemetry.StartSpan(ctx, "payment.create_session", attribute.String("order_id", req.OrderID))
	sess, err := o.createSession(ctx, req)
	telemetry.EndSpan(span, err)
	return sess, err
}

func (o *Orchestrator) reuse(existing models.PaymentRecord, req SessionRequest) (models.Session, error) {
	if existing.UserID != req.UserID {
		return models.Session{}, apperr.Validation("order %s belongs to another user", req.OrderID)
	}
	if existing.Status.IsTerminal() {
		return models.Session{}, apperr.Validation("order %s is already %s", req.OrderID, existing.Status)
	}
	o.logger.Info("Reusing open payment session", zap.String("order_id", existing.GatewayOrderID))
	return sessionOf(existing), nil
}

func (o *Orchestrator) createSession(ctx context.Context, req SessionRequest) (models.Session, error) {
	now := o.now()
	rec := models.PaymentRecord{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		Amount:         req.Amount,
		ExtraCharges:   req.ExtraCharges,
		Currency:       o.settings.Currency,
		Method:         req.Method,
		Status:         models.StatusPending,
		GatewayOrderID: req.OrderID,
		Note:           req.Note,
		WalletAmount:   req.WalletAmount,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if req.Method.UsesGateway() {
		order, err := o.openOrder(ctx, req, rec.TotalAmount())
		if err != nil {
			return models.Session{}, err
		}
		rec.GatewayOrderID = order.GatewayOrderID
		rec.GatewaySessionID = order.GatewaySessionID
		rec.GatewayResponse = order.Raw
	}

	if err := o.repo.Create(ctx, &rec); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// A concurrent request for the same order id won the insert.
			existing, gerr := o.repo.GetByOrderID(ctx, rec.GatewayOrderID)
			if gerr == nil {
				return o.reuse(*existing, req)
			}
		}
		return models.Session{}, apperr.Internal("failed to persist payment record", err)
	}

	o.logger.Info("Payment session created",
		zap.String("record_id", rec.ID),
		zap.String("order_id", rec.GatewayOrderID),
		zap.String("user_id", rec.UserID),
		zap.String("method", string(rec.Method)),
		zap.String("amount", rec.TotalAmount().String()),
	)
	o.transitions.publish(ctx, rec, "", SourceSession)
	return sessionOf(rec), nil
}

func (o *Orchestrator) openOrder(ctx context.Context, req SessionRequest, total decimal.Decimal) (gateway.Order, error) {
	customer := req.Customer
	if customer.ID == "" {
		customer.ID = req.UserID
	}
	orderReq := gateway.OrderRequest{
		OrderID:   req.OrderID,
		Amount:    total,
		Currency:  o.settings.Currency,
		Customer:  customer,
		ReturnURL: o.settings.ReturnURL,
		NotifyURL: o.settings.NotifyURL,
		Note:      req.Note,
	}

	policy := o.policy.WithNotify(func(err error, attempt int, delay time.Duration) {
		telemetry.RetryAttempts.WithLabelValues("create_order").Inc()
		o.logger.Warn("Gateway order creation failed, retrying",
			zap.String("order_id", req.OrderID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	})

	var order gateway.Order
	err := policy.Do(ctx, func(ctx context.Context) error {
		var err error
		order, err = o.gateway.CreateOrder(ctx, orderReq)
		return err
	})
	if err != nil {
		o.logger.Error("Gateway order creation failed",
			zap.String("order_id", req.OrderID),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			return gateway.Order{}, apperr.Network("payment gateway did not respond in time", err)
		}
		return gateway.Order{}, apperr.Wrap(apperr.KindGateway, "could not create payment session", err)
	}
	return order, nil
}

// ProcessPayment runs one attempt end to end: session, checkout, then the
// authoritative verification. It is bounded by the configured payment timeout;
// a timeout leaves the record untouched for the webhook or the sweep to settle.
func (o *Orchestrator) ProcessPayment(ctx context.Context, req PaymentRequest) models.PaymentResult {
	if o.settings.PaymentTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.settings.PaymentTimeout)
		defer cancel()
	}

	sess, err := o.CreateSession(ctx, req.SessionRequest)
	if err != nil {
		if ctx.Err() != nil {
			return timedOut(models.Session{})
		}
		return models.FailedResult(err)
	}
	if req.OnSession != nil {
		req.OnSession(sess)
	}

	if !req.Method.UsesGateway() && req.Method != "" {
		return models.PaymentResult{
			RecordID: sess.RecordID,
			OrderID:  sess.OrderID,
			Status:   models.StatusPending,
			Message:  "awaiting cash collection",
		}
	}

	outcome, err := o.driver.Launch(ctx, sess)
	if err != nil {
		if ctx.Err() != nil {
			o.logger.Warn("Payment attempt timed out",
				zap.String("order_id", sess.OrderID),
				zap.Duration("timeout", o.settings.PaymentTimeout),
			)
			return timedOut(sess)
		}
		return withSession(models.FailedResult(err), sess)
	}

	o.logger.Info("Checkout finished",
		zap.String("order_id", sess.OrderID),
		zap.String("outcome", string(outcome.Kind)),
	)

	if outcome.Kind == models.SDKCancelled {
		rec, err := o.reconciler.MarkIncomplete(ctx, sess.OrderID, outcome.Message)
		if err != nil {
			return withSession(models.FailedResult(err), sess)
		}
		return o.resultFor(rec)
	}

	// The SDK outcome is a hint; the gateway decides.
	if _, err := o.reconciler.Verify(ctx, sess.OrderID); err != nil {
		if ctx.Err() != nil {
			return timedOut(sess)
		}
		return withSession(models.FailedResult(err), sess)
	}
	rec, err := o.repo.GetByOrderID(ctx, sess.OrderID)
	if err != nil {
		return withSession(models.FailedResult(apperr.Internal("failed to load payment record", err)), sess)
	}
	return o.resultFor(*rec)
}

func (o *Orchestrator) resultFor(rec models.PaymentRecord) models.PaymentResult {
	res := withSession(models.PaymentResult{Status: rec.Status}, sessionOf(rec))
	switch rec.Status {
	case models.StatusApproved:
		res.Success = true
		res.Message = "payment approved"
	case models.StatusRejected:
		res.ErrorType = apperr.KindGateway
		res.Message = "payment was declined"
		if rec.FailureReason != "" {
			res.Message = rec.FailureReason
		}
	case models.StatusIncomplete:
		res.Message = "payment was not completed"
		if rec.FailureReason != "" {
			res.Message = rec.FailureReason
		}
	default:
		res.Message = "payment is awaiting confirmation"
	}
	return res
}

// ApplyAdminDecision settles a record by hand, as cash collection does. A
// record already settled the other way is reported as a conflict and left alone.
// Only the gateway may approve a gateway-routed payment; an admin may still
// reject one.
func (o *Orchestrator) ApplyAdminDecision(ctx context.Context, orderID string, approve bool, reason string) (models.PaymentRecord, error) {
	target := models.StatusRejected
	if approve {
		cur, err := o.transitions.load(ctx, orderID)
		if err != nil {
			return models.PaymentRecord{}, err
		}
		if cur.Method.UsesGateway() {
			return *cur, apperr.Validation("order %s is paid through the gateway and cannot be approved by hand", orderID)
		}
		target = models.StatusApproved
	}
	rec, _, err := o.transitions.transition(ctx, orderID, target, SourceAdmin, withReason(reason))
	if err != nil {
		return rec, err
	}
	if rec.Status != target {
		return rec, apperr.New(apperr.KindConflict, "order "+orderID+" is already "+string(rec.Status))
	}
	return rec, nil
}

func withSession(res models.PaymentResult, sess models.Session) models.PaymentResult {
	res.RecordID = sess.RecordID
	res.OrderID = sess.OrderID
	res.SessionID = sess.GatewaySessionID
	return res
}

func timedOut(sess models.Session) models.PaymentResult {
	res := withSession(models.PaymentResult{
		ErrorType: apperr.KindNetwork,
		Message:   "payment timed out; its status will be confirmed by the gateway",
	}, sess)
	if sess.OrderID != "" {
		res.Status = models.StatusPending
	}
	return res
}
