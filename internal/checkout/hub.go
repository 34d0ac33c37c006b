// Package checkout bridges a server-side payment attempt to the client-side
// checkout that reports how the shopper left it.
package checkout

import (
	"context"
	"sync"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

// Driver hands a session to the client-side checkout and waits for its outcome.
type Driver interface {
	Launch(ctx context.Context, session models.Session) (models.SDKOutcome, error)
}

// Hub is a Driver whose outcomes arrive through Report, typically from the
// app's sdk-result callback. It holds waiters only, never payment state.
type Hub struct {
	mu      sync.Mutex
	waiters map[string]chan models.SDKOutcome
}

var _ Driver = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{waiters: make(map[string]chan models.SDKOutcome)}
}

// Launch blocks until an outcome is reported for session.OrderID or ctx ends.
func (h *Hub) Launch(ctx context.Context, session models.Session) (models.SDKOutcome, error) {
	ch := make(chan models.SDKOutcome, 1)

	h.mu.Lock()
	h.waiters[session.OrderID] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if h.waiters[session.OrderID] == ch {
			delete(h.waiters, session.OrderID)
		}
		h.mu.Unlock()
	}()

	select {
	case out := <-ch:
		return out, nil
	case <-ctx.Done():
		return models.SDKOutcome{}, ctx.Err()
	}
}

// Report delivers outcome to the attempt waiting on orderID. It returns false
// when nobody is waiting, in which case the caller must act on the outcome itself.
func (h *Hub) Report(orderID string, outcome models.SDKOutcome) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.waiters[orderID]
	if !ok {
		return false
	}
	delete(h.waiters, orderID)
	ch <- outcome
	return true
}

// Waiting reports whether an attempt is currently waiting on orderID.
func (h *Hub) Waiting(orderID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.waiters[orderID]
	return ok
}
