// Package payment reconciles the SDK callback, gateway webhooks and gateway
// verification into one durable status per payment record.
package payment

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/apperr"
	"github.com/akylbek/payment-system/payment-reconciler/internal/events"
	"github.com/akylbek/payment-system/payment-reconciler/internal/gateway"
	"github.com/akylbek/payment-system/payment-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
	"github.com/akylbek/payment-system/payment-reconciler/internal/repository"
	"github.com/akylbek/payment-system/payment-reconciler/internal/retry"
	"github.com/akylbek/payment-system/payment-reconciler/internal/telemetry"
)

// Source names the signal that drove a transition.
type Source string

const (
	SourceSession      Source = "session"
	SourceWebhook      Source = "webhook"
	SourceVerification Source = "verification"
	SourceSDK          Source = "sdk"
	SourceAdmin        Source = "admin"
	SourceWallet       Source = "wallet"
)

// maxCASAttempts bounds re-reads after a version conflict.
const maxCASAttempts = 5

// Deps are the collaborators shared by every component in this package.
type Deps struct {
	Repo      interfaces.PaymentRepository
	Gateway   gateway.Client
	Publisher events.Publisher
	Policy    retry.Policy
	Logger    *zap.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Publisher == nil {
		d.Publisher = events.Noop{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

type transitioner struct {
	repo      interfaces.PaymentRepository
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func newTransitioner(d Deps) *transitioner {
	return &transitioner{repo: d.Repo, publisher: d.Publisher, logger: d.Logger, now: d.Now}
}

func (t *transitioner) load(ctx context.Context, orderID string) (*models.PaymentRecord, error) {
	rec, err := t.repo.GetByOrderID(ctx, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.Wrap(apperr.KindValidation, "unknown order "+orderID, err)
	}
	if err != nil {
		return nil, apperr.Internal("failed to load payment record", err)
	}
	return rec, nil
}

// mutate applies change to the latest copy of the record under compare-and-set,
// re-reading on conflict. change returns false to leave the record as it is.
func (t *transitioner) mutate(ctx context.Context, orderID string, change func(cur models.PaymentRecord) (models.PaymentRecord, bool)) (models.PaymentRecord, bool, error) {
	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		cur, err := t.load(ctx, orderID)
		if err != nil {
			return models.PaymentRecord{}, false, err
		}
		next, ok := change(cur.Clone())
		if !ok {
			return *cur, false, nil
		}
		next.Version = cur.Version
		next.UpdatedAt = cur.UpdatedAt
		next.Touch(t.now())

		err = t.repo.CompareAndSet(ctx, cur.ID, cur.Version, &next)
		if errors.Is(err, repository.ErrVersionConflict) {
			t.logger.Debug("Record changed underneath, re-reading",
				zap.String("order_id", orderID),
				zap.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return models.PaymentRecord{}, false, apperr.Internal("failed to update payment record", err)
		}
		return next, true, nil
	}
	return models.PaymentRecord{}, false, apperr.Wrap(apperr.KindConflict, "payment record is being updated concurrently", repository.ErrVersionConflict)
}

// transition moves the record to target if the state machine allows it. Signals
// for a record already at target, or already terminal, are absorbed: the current
// record is returned with changed=false.
func (t *transitioner) transition(ctx context.Context, orderID string, target models.PaymentStatus, source Source, patch func(*models.PaymentRecord)) (models.PaymentRecord, bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "payment.transition",
		attribute.String("order_id", orderID),
		attribute.String("target", string(target)),
		attribute.String("source", string(source)),
	)

	var from models.PaymentStatus
	rec, changed, err := t.mutate(ctx, orderID, func(cur models.PaymentRecord) (models.PaymentRecord, bool) {
		from = cur.Status
		if !models.CanTransition(cur.Status, target) {
			return cur, false
		}
		if patch != nil {
			patch(&cur)
		}
		cur.Status = target
		return cur, true
	})
	telemetry.EndSpan(span, err)
	if err != nil {
		return rec, false, err
	}

	if !changed {
		telemetry.IgnoredSignals.WithLabelValues(string(source), string(rec.Status)).Inc()
		t.logger.Info("Signal absorbed, record unchanged",
			zap.String("order_id", orderID),
			zap.String("status", string(rec.Status)),
			zap.String("signal", string(target)),
			zap.String("source", string(source)),
		)
		return rec, false, nil
	}

	telemetry.Transitions.WithLabelValues(string(from), string(target), string(source)).Inc()
	t.logger.Info("Payment status transition",
		zap.String("order_id", orderID),
		zap.String("from_status", string(from)),
		zap.String("to_status", string(target)),
		zap.String("source", string(source)),
		zap.Int64("version", rec.Version),
	)
	t.publish(ctx, rec, from, source)
	return rec, true, nil
}

func (t *transitioner) publish(ctx context.Context, rec models.PaymentRecord, from models.PaymentStatus, source Source) {
	err := t.publisher.Publish(ctx, events.StatusChanged{
		RecordID:       rec.ID,
		GatewayOrderID: rec.GatewayOrderID,
		UserID:         rec.UserID,
		Method:         rec.Method,
		From:           from,
		To:             rec.Status,
		Source:         string(source),
		Amount:         rec.TotalAmount(),
		Currency:       rec.Currency,
		Version:        rec.Version,
		OccurredAt:     rec.UpdatedAt,
	})
	if err != nil {
		t.logger.Warn("Status change not published",
			zap.String("order_id", rec.GatewayOrderID),
			zap.Error(err),
		)
	}
}

// setIfEmpty fills dst from v unless dst already holds a value.
func setIfEmpty(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}

func patchFromVerification(res models.VerificationResult) func(*models.PaymentRecord) {
	return func(r *models.PaymentRecord) {
		setIfEmpty(&r.GatewayPaymentID, res.TransactionID)
		setIfEmpty(&r.BankReference, res.BankReference)
		if res.FailureReason != "" {
			r.FailureReason = res.FailureReason
		}
		if len(res.Raw) > 0 {
			r.GatewayResponse = res.Raw
		}
	}
}

func patchFromWebhook(ev models.WebhookEvent) func(*models.PaymentRecord) {
	return func(r *models.PaymentRecord) {
		setIfEmpty(&r.GatewayPaymentID, ev.Data.PaymentID)
		setIfEmpty(&r.BankReference, ev.Data.BankReference)
		if ev.Data.FailureReason != "" {
			r.FailureReason = ev.Data.FailureReason
		}
		if len(ev.Payload) > 0 {
			r.GatewayResponse = ev.Payload
		}
	}
}

func withReason(reason string) func(*models.PaymentRecord) {
	return func(r *models.PaymentRecord) {
		if reason != "" {
			r.FailureReason = reason
		}
	}
}
