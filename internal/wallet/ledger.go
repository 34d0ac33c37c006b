package wallet

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/payment-reconciler/internal/apperr"
)

// Ledger is an in-process wallet keeping balances and applied debit keys.
// It backs the embedded responder in debug deployments and tests.
type Ledger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	applied  map[string]decimal.Decimal
}

var _ Service = (*Ledger)(nil)

func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[string]decimal.Decimal),
		applied:  make(map[string]decimal.Decimal),
	}
}

func (l *Ledger) Credit(userID string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] = l.balances[userID].Add(amount)
}

func (l *Ledger) Balance(_ context.Context, userID string) (decimal.Decimal, error) {
	if userID == "" {
		return decimal.Zero, apperr.Validation("user id is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID], nil
}

func (l *Ledger) Debit(_ context.Context, userID string, amount decimal.Decimal, idempotencyKey string) (decimal.Decimal, error) {
	bal, _, err := l.debit(userID, amount, idempotencyKey)
	return bal, err
}

// debit reports whether this call moved money; replays of a key return false.
func (l *Ledger) debit(userID string, amount decimal.Decimal, key string) (decimal.Decimal, bool, error) {
	if userID == "" || key == "" {
		return decimal.Zero, false, apperr.Validation("user id and idempotency key are required")
	}
	if !amount.IsPositive() {
		return decimal.Zero, false, apperr.Validation("debit amount must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.applied[key]; ok {
		return l.balances[userID], false, nil
	}
	bal := l.balances[userID]
	if bal.LessThan(amount) {
		return bal, false, apperr.New(apperr.KindInsufficientBalance, "insufficient wallet balance")
	}
	bal = bal.Sub(amount)
	l.balances[userID] = bal
	l.applied[key] = amount
	return bal, true, nil
}
