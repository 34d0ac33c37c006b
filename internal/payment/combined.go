package payment

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/apperr"
	"github.com/akylbek/payment-system/payment-reconciler/internal/gateway"
	"github.com/akylbek/payment-system/payment-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
	"github.com/akylbek/payment-system/payment-reconciler/internal/telemetry"
	"github.com/akylbek/payment-system/payment-reconciler/internal/wallet"
)

type CombinedRequest struct {
	UserID         string
	TotalAmount    decimal.Decimal
	WalletPortion  decimal.Decimal
	GatewayPortion decimal.Decimal
	Note           string
	Customer       gateway.Customer
	OnSession      func(models.Session)
}

// CombinedCoordinator splits one payment between the wallet and the gateway.
// The wallet is only debited once the gateway share is APPROVED; a gateway
// failure leaves the wallet untouched and is never retried on another channel.
type CombinedCoordinator struct {
	orchestrator *Orchestrator
	wallet       wallet.Service
	repo         interfaces.PaymentRepository
	transitions  *transitioner
	logger       *zap.Logger
}

func NewCombinedCoordinator(d Deps, orchestrator *Orchestrator, w wallet.Service) *CombinedCoordinator {
	d = d.withDefaults()
	return &CombinedCoordinator{
		orchestrator: orchestrator,
		wallet:       w,
		repo:         d.Repo,
		transitions:  newTransitioner(d),
		logger:       d.Logger,
	}
}

func validateCombined(req CombinedRequest) error {
	if req.UserID == "" {
		return apperr.Validation("user id is required")
	}
	if req.WalletPortion.IsNegative() || req.GatewayPortion.IsNegative() {
		return apperr.Validation("payment portions cannot be negative")
	}
	if !req.TotalAmount.Equal(req.WalletPortion.Add(req.GatewayPortion)) {
		return apperr.Validation("total %s does not equal wallet %s plus gateway %s",
			req.TotalAmount, req.WalletPortion, req.GatewayPortion)
	}
	if !req.GatewayPortion.IsPositive() {
		return apperr.Validation("gateway portion must be greater than zero for a combined payment")
	}
	return nil
}

func (c *CombinedCoordinator) Pay(ctx context.Context, req CombinedRequest) models.PaymentResult {
	if err := validateCombined(req); err != nil {
		return models.FailedResult(err)
	}

	if req.WalletPortion.IsPositive() {
		balance, err := c.wallet.Balance(ctx, req.UserID)
		if err != nil {
			return models.FailedResult(err)
		}
		if balance.LessThan(req.WalletPortion) {
			c.logger.Info("Combined payment refused, wallet short",
				zap.String("user_id", req.UserID),
				zap.String("balance", balance.String()),
				zap.String("wallet_portion", req.WalletPortion.String()),
			)
			return models.FailedResult(apperr.New(apperr.KindInsufficientBalance, "insufficient wallet balance"))
		}
	}

	res := c.orchestrator.ProcessPayment(ctx, PaymentRequest{
		SessionRequest: SessionRequest{
			UserID:       req.UserID,
			Amount:       req.GatewayPortion,
			Method:       models.MethodCombined,
			Note:         req.Note,
			Customer:     req.Customer,
			WalletAmount: req.WalletPortion,
		},
		OnSession: req.OnSession,
	})
	if !res.Success || res.Status != models.StatusApproved || !req.WalletPortion.IsPositive() {
		return res
	}

	rec, err := c.repo.GetByOrderID(ctx, res.OrderID)
	if err != nil {
		return withSession(models.FailedResult(apperr.Internal("failed to load payment record", err)), models.Session{
			RecordID: res.RecordID, OrderID: res.OrderID, GatewaySessionID: res.SessionID,
		})
	}
	if _, err := c.SettleWallet(ctx, *rec); err != nil {
		failed := models.FailedResult(err)
		failed.RecordID, failed.OrderID, failed.SessionID = res.RecordID, res.OrderID, res.SessionID
		failed.Status = models.StatusApproved
		failed.Message = "gateway payment approved but the wallet debit is still pending: " + failed.Message
		return failed
	}
	res.Message = "combined payment approved"
	return res
}

// SettleWallet issues the wallet debit owed by an APPROVED combined record and
// stamps WalletDebitedAt. The gateway order id is the debit's idempotency key,
// so repeating this after a crash cannot debit twice.
func (c *CombinedCoordinator) SettleWallet(ctx context.Context, rec models.PaymentRecord) (models.PaymentRecord, error) {
	if !rec.WalletPending() {
		return rec, nil
	}
	log := c.logger.With(
		zap.String("order_id", rec.GatewayOrderID),
		zap.String("user_id", rec.UserID),
		zap.String("wallet_amount", rec.WalletAmount.String()),
	)

	if _, err := c.wallet.Debit(ctx, rec.UserID, rec.WalletAmount, rec.GatewayOrderID); err != nil {
		telemetry.WalletDebits.WithLabelValues("failed").Inc()
		log.Error("Wallet debit failed", zap.Error(err))
		return rec, err
	}

	updated, changed, err := c.transitions.mutate(ctx, rec.GatewayOrderID, func(cur models.PaymentRecord) (models.PaymentRecord, bool) {
		if !cur.WalletPending() {
			return cur, false
		}
		at := c.transitions.now()
		cur.WalletDebitedAt = &at
		return cur, true
	})
	if err != nil {
		telemetry.WalletDebits.WithLabelValues("unrecorded").Inc()
		log.Error("Wallet debited but not recorded", zap.Error(err))
		return rec, err
	}
	if changed {
		telemetry.WalletDebits.WithLabelValues("debited").Inc()
		log.Info("Wallet portion settled")
		c.transitions.publish(ctx, updated, updated.Status, SourceWallet)
	}
	return updated, nil
}
