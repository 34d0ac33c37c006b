// Package wallet talks to the in-app wallet ledger that funds combined payments.
package wallet

import (
	"context"

	"github.com/shopspring/decimal"
)

// Service is the wallet ledger as seen by the payment core.
type Service interface {
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	// Debit is idempotent on idempotencyKey: replaying a key that was already
	// applied succeeds without moving money twice.
	Debit(ctx context.Context, userID string, amount decimal.Decimal, idempotencyKey string) (decimal.Decimal, error)
}

const (
	codeInsufficientBalance = "insufficient_balance"
	codeInvalidRequest      = "invalid_request"
	codeInternal            = "internal"
)

type balanceRequest struct {
	UserID string `json:"user_id"`
}

type balanceResponse struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
	Code    string          `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type debitRequest struct {
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type debitResponse struct {
	Balance decimal.Decimal `json:"balance"`
	Applied bool            `json:"applied"`
	Code    string          `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
}
