package payment

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/apperr"
	"github.com/akylbek/payment-system/payment-reconciler/internal/gateway"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
	"github.com/akylbek/payment-system/payment-reconciler/internal/retry"
	"github.com/akylbek/payment-system/payment-reconciler/internal/telemetry"
)

// Reconciler pulls the authoritative status from the gateway and folds it into
// the record. It commutes with the webhook path: whichever lands first wins and
// the other is absorbed.
type Reconciler struct {
	gateway     gateway.Client
	policy      retry.Policy
	transitions *transitioner
	logger      *zap.Logger
}

func NewReconciler(d Deps) *Reconciler {
	d = d.withDefaults()
	return &Reconciler{
		gateway:     d.Gateway,
		policy:      d.Policy,
		transitions: newTransitioner(d),
		logger:      d.Logger,
	}
}

// Verify queries the gateway for orderID, retrying transient failures, and
// applies any decisive status. When every attempt fails the last error is
// returned as an apperr and the record is left as it was.
func (r *Reconciler) Verify(ctx context.Context, orderID string) (models.VerificationResult, error) {
	if _, err := r.transitions.load(ctx, orderID); err != nil {
		return models.VerificationResult{}, err
	}

	policy := r.policy.WithNotify(func(err error, attempt int, delay time.Duration) {
		telemetry.RetryAttempts.WithLabelValues("verify").Inc()
		r.logger.Warn("Payment verification failed, retrying",
			zap.String("order_id", orderID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	})

	var res models.VerificationResult
	err := policy.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = r.gateway.GetPaymentStatus(ctx, orderID)
		return err
	})
	if err != nil {
		r.logger.Error("Payment verification gave up",
			zap.String("order_id", orderID),
			zap.Error(err),
		)
		var ae *apperr.Error
		if !errors.As(err, &ae) {
			// Deadlines and cancellation surface bare from the retry loop.
			err = apperr.Network("payment verification did not complete", err)
		}
		return models.VerificationResult{}, err
	}

	target, decisive := res.PaymentStatus.Target()
	if !decisive {
		r.logger.Info("Gateway has no decision yet",
			zap.String("order_id", orderID),
			zap.String("gateway_status", string(res.PaymentStatus)),
		)
		return res, nil
	}
	if _, _, err := r.transitions.transition(ctx, orderID, target, SourceVerification, patchFromVerification(res)); err != nil {
		return res, err
	}
	return res, nil
}

// MarkIncomplete records that the shopper left the checkout. Only a PENDING
// record moves; anything else absorbs the signal.
func (r *Reconciler) MarkIncomplete(ctx context.Context, orderID, reason string) (models.PaymentRecord, error) {
	if reason == "" {
		reason = "payment cancelled by user"
	}
	rec, _, err := r.transitions.transition(ctx, orderID, models.StatusIncomplete, SourceSDK, withReason(reason))
	return rec, err
}
