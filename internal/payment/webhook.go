package payment

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/apperr"
	"github.com/akylbek/payment-system/payment-reconciler/internal/gateway"
	"github.com/akylbek/payment-system/payment-reconciler/internal/idempotency"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
	"github.com/akylbek/payment-system/payment-reconciler/internal/telemetry"
)

// maxFutureSkew is how far ahead of our clock an event timestamp may be.
const maxFutureSkew = time.Minute

type WebhookOutcome string

const (
	OutcomeApplied     WebhookOutcome = "applied"
	OutcomeAbsorbed    WebhookOutcome = "absorbed"
	OutcomeUnsupported WebhookOutcome = "unsupported_event"
	OutcomeDuplicate   WebhookOutcome = "duplicate"
	OutcomeStale       WebhookOutcome = "stale"
	OutcomeUnknown     WebhookOutcome = "unknown_order"
	OutcomeRejected    WebhookOutcome = "rejected_signature"
	OutcomeMalformed   WebhookOutcome = "malformed"
	OutcomeFailed      WebhookOutcome = "failed"
)

// HandleResult describes what happened to one delivery. Acknowledged means the
// gateway must not redeliver it, even when an error is returned alongside.
type HandleResult struct {
	Outcome      WebhookOutcome       `json:"outcome"`
	OrderID      string               `json:"order_id,omitempty"`
	Status       models.PaymentStatus `json:"status,omitempty"`
	Acknowledged bool                 `json:"-"`
}

type WebhookProcessor struct {
	codec       gateway.WebhookCodec
	store       idempotency.Store
	transitions *transitioner
	window      time.Duration
	dedupTTL    time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

func NewWebhookProcessor(d Deps, settings Settings, codec gateway.WebhookCodec, store idempotency.Store) *WebhookProcessor {
	d = d.withDefaults()
	window := settings.FreshnessWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	ttl := settings.DedupTTL
	if ttl < 2*window {
		ttl = 2 * window
	}
	return &WebhookProcessor{
		codec:       codec,
		store:       store,
		transitions: newTransitioner(d),
		window:      window,
		dedupTTL:    ttl,
		logger:      d.Logger,
		now:         d.Now,
	}
}

// Handle authenticates, deduplicates and applies one gateway notification.
// Nothing is read from the body before its signature checks out.
func (p *WebhookProcessor) Handle(ctx context.Context, body []byte, signature string) (res HandleResult, err error) {
	defer func() {
		telemetry.WebhookEvents.WithLabelValues(string(res.Outcome)).Inc()
	}()

	ev, err := p.codec.Parse(body, signature)
	if err != nil {
		if errors.Is(err, apperr.ErrSecurity) {
			p.logger.Warn("Webhook signature rejected", zap.Error(err))
			return HandleResult{Outcome: OutcomeRejected}, err
		}
		// Authentic but unusable: redelivery would not fix it.
		p.logger.Warn("Webhook payload rejected", zap.Error(err))
		return HandleResult{Outcome: OutcomeMalformed, Acknowledged: true}, err
	}

	res = HandleResult{OrderID: ev.OrderID, Acknowledged: true}
	log := p.logger.With(
		zap.String("order_id", ev.OrderID),
		zap.String("event_type", ev.EventType),
		zap.Time("event_time", ev.Timestamp),
	)

	age := p.now().Sub(ev.Timestamp)
	if age > p.window || age < -maxFutureSkew {
		log.Warn("Webhook outside freshness window", zap.Duration("age", age))
		res.Outcome = OutcomeStale
		return res, apperr.Replay("webhook event is outside the freshness window")
	}

	key := "webhook:" + ev.DedupKey()
	claimed, err := p.store.Claim(ctx, key, p.dedupTTL)
	if err != nil {
		log.Error("Webhook dedup store unavailable", zap.Error(err))
		return HandleResult{Outcome: OutcomeFailed, OrderID: ev.OrderID}, apperr.Internal("webhook dedup unavailable", err)
	}
	if !claimed {
		log.Info("Duplicate webhook delivery")
		res.Outcome = OutcomeDuplicate
		return res, apperr.Replay("webhook event already processed")
	}

	target, ok := ev.TargetStatus()
	if !ok {
		log.Info("Ignoring unsupported webhook event")
		res.Outcome = OutcomeUnsupported
		return res, nil
	}

	rec, changed, err := p.transitions.transition(ctx, ev.OrderID, target, SourceWebhook, patchFromWebhook(ev))
	if err != nil {
		// Let a redelivery retry this event.
		if rerr := p.store.Release(ctx, key); rerr != nil {
			log.Error("Failed to release webhook claim", zap.Error(rerr))
		}
		if errors.Is(err, apperr.ErrValidation) {
			log.Warn("Webhook for unknown order")
			res.Outcome = OutcomeUnknown
			return res, err
		}
		log.Error("Failed to apply webhook", zap.Error(err))
		return HandleResult{Outcome: OutcomeFailed, OrderID: ev.OrderID}, err
	}

	res.Status = rec.Status
	res.Outcome = OutcomeAbsorbed
	if changed {
		res.Outcome = OutcomeApplied
	}
	return res, nil
}
