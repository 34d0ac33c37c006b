package checkout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

func waitFor(t *testing.T, h *Hub, orderID string) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Waiting(orderID) }, time.Second, time.Millisecond)
}

func TestHubDeliversReportedOutcome(t *testing.T) {
	h := NewHub()
	done := make(chan models.SDKOutcome, 1)
	go func() {
		out, err := h.Launch(context.Background(), models.Session{OrderID: "order-1"})
		assert.NoError(t, err)
		done <- out
	}()

	waitFor(t, h, "order-1")
	assert.True(t, h.Report("order-1", models.SDKOutcome{Kind: models.SDKCancelled}))

	select {
	case out := <-done:
		assert.Equal(t, models.SDKCancelled, out.Kind)
	case <-time.After(time.Second):
		t.Fatal("launch did not return")
	}
	assert.False(t, h.Waiting("order-1"))
}

func TestHubReportWithoutWaiter(t *testing.T) {
	h := NewHub()
	assert.False(t, h.Report("nobody", models.SDKOutcome{Kind: models.SDKCompleted}))
}

func TestHubLaunchHonoursContext(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := h.Launch(ctx, models.Session{OrderID: "order-1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, h.Waiting("order-1"))
	assert.False(t, h.Report("order-1", models.SDKOutcome{Kind: models.SDKCompleted}))
}
