package wallet

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/apperr"
)

// Responder serves the wallet request/reply protocol from a Ledger. It stands
// in for the real wallet service in debug deployments.
type Responder struct {
	ledger *Ledger
	logger *zap.Logger
	subs   []*nats.Subscription
}

func NewResponder(ledger *Ledger, logger *zap.Logger) *Responder {
	return &Responder{ledger: ledger, logger: logger}
}

// Start subscribes to <prefix>.balance and <prefix>.debit on conn.
func (r *Responder) Start(conn *nats.Conn, prefix string) error {
	for subject, handler := range map[string]func([]byte) any{
		prefix + ".balance": r.handleBalance,
		prefix + ".debit":   r.handleDebit,
	} {
		handler := handler
		sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
			resp, _ := json.Marshal(handler(msg.Data))
			if err := msg.Respond(resp); err != nil {
				r.logger.Error("Failed to respond to wallet request",
					zap.String("subject", msg.Subject),
					zap.Error(err),
				)
			}
		})
		if err != nil {
			r.Stop()
			return err
		}
		r.subs = append(r.subs, sub)
		r.logger.Info("Subscribed to wallet subject", zap.String("subject", subject))
	}
	return nil
}

func (r *Responder) Stop() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
}

func (r *Responder) handleBalance(data []byte) any {
	var req balanceRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return balanceResponse{Code: codeInvalidRequest, Error: "malformed balance request"}
	}
	bal, err := r.ledger.Balance(context.Background(), req.UserID)
	if err != nil {
		code, msg := errorCode(err)
		return balanceResponse{UserID: req.UserID, Code: code, Error: msg}
	}
	return balanceResponse{UserID: req.UserID, Balance: bal}
}

func (r *Responder) handleDebit(data []byte) any {
	var req debitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return debitResponse{Code: codeInvalidRequest, Error: "malformed debit request"}
	}
	bal, applied, err := r.ledger.debit(req.UserID, req.Amount, req.IdempotencyKey)
	if err != nil {
		code, msg := errorCode(err)
		return debitResponse{Balance: bal, Code: code, Error: msg}
	}
	r.logger.Info("Wallet debit handled",
		zap.String("user_id", req.UserID),
		zap.String("amount", req.Amount.String()),
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.Bool("applied", applied),
	)
	return debitResponse{Balance: bal, Applied: applied}
}

func errorCode(err error) (string, string) {
	switch {
	case errors.Is(err, apperr.ErrInsufficientBalance):
		return codeInsufficientBalance, apperr.Message(err)
	case errors.Is(err, apperr.ErrValidation):
		return codeInvalidRequest, apperr.Message(err)
	default:
		return codeInternal, apperr.Message(err)
	}
}
