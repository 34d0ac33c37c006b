package repository

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/payment-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

func newRecord(id, orderID string, status models.PaymentStatus, updated time.Time) *models.PaymentRecord {
	return &models.PaymentRecord{
		ID:             id,
		UserID:         "user-1",
		Amount:         decimal.NewFromInt(100),
		Currency:       "INR",
		Method:         models.MethodGatewayUPI,
		Status:         status,
		GatewayOrderID: orderID,
		Version:        1,
		CreatedAt:      updated,
		UpdatedAt:      updated,
	}
}

func TestMemoryCreateRejectsDuplicateOrderID(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Now()

	require.NoError(t, repo.Create(ctx, newRecord("r1", "order-1", models.StatusPending, now)))
	err := repo.Create(ctx, newRecord("r2", "order-1", models.StatusPending, now))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestMemoryCompareAndSet(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.Create(ctx, newRecord("r1", "order-1", models.StatusPending, time.Now())))

	cur, err := repo.GetByOrderID(ctx, "order-1")
	require.NoError(t, err)

	next := cur.Clone()
	next.Status = models.StatusApproved
	next.Touch(time.Now())
	require.NoError(t, repo.CompareAndSet(ctx, cur.ID, cur.Version, &next))

	stale := cur.Clone()
	stale.Status = models.StatusRejected
	stale.Touch(time.Now())
	assert.ErrorIs(t, repo.CompareAndSet(ctx, cur.ID, cur.Version, &stale), ErrVersionConflict)

	got, err := repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, got.Status)
	assert.Equal(t, int64(2), got.Version)

	assert.ErrorIs(t, repo.CompareAndSet(ctx, "missing", 1, &next), ErrNotFound)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.Create(ctx, newRecord("r1", "order-1", models.StatusPending, time.Now())))

	got, err := repo.Get(ctx, "r1")
	require.NoError(t, err)
	got.Status = models.StatusApproved

	again, err := repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, again.Status)
}

func TestMemoryQuery(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(ctx, newRecord("old-pending", "o1", models.StatusPending, base.Add(-time.Hour))))
	require.NoError(t, repo.Create(ctx, newRecord("old-incomplete", "o2", models.StatusIncomplete, base.Add(-2*time.Hour))))
	require.NoError(t, repo.Create(ctx, newRecord("fresh-pending", "o3", models.StatusPending, base)))
	require.NoError(t, repo.Create(ctx, newRecord("approved", "o4", models.StatusApproved, base.Add(-time.Hour))))

	got, err := repo.Query(ctx, interfaces.RecordFilter{
		Statuses:      []models.PaymentStatus{models.StatusPending, models.StatusIncomplete},
		UpdatedBefore: base.Add(-time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "old-incomplete", got[0].ID)
	assert.Equal(t, "old-pending", got[1].ID)

	limited, err := repo.Query(ctx, interfaces.RecordFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryQueryWalletPending(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Now()

	pending := newRecord("c1", "o1", models.StatusApproved, now)
	pending.Method = models.MethodCombined
	pending.WalletAmount = decimal.NewFromInt(20)
	require.NoError(t, repo.Create(ctx, pending))

	settled := newRecord("c2", "o2", models.StatusApproved, now)
	settled.Method = models.MethodCombined
	settled.WalletAmount = decimal.NewFromInt(20)
	settled.WalletDebitedAt = &now
	require.NoError(t, repo.Create(ctx, settled))

	got, err := repo.Query(ctx, interfaces.RecordFilter{
		Statuses:      []models.PaymentStatus{models.StatusApproved},
		Method:        models.MethodCombined,
		WalletPending: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ID)
}

func TestMemoryMarkCheckedRotatesIdleQuery(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(ctx, newRecord("a", "o1", models.StatusPending, base.Add(-3*time.Hour))))
	require.NoError(t, repo.Create(ctx, newRecord("b", "o2", models.StatusPending, base.Add(-2*time.Hour))))
	cash := newRecord("c", "o3", models.StatusPending, base.Add(-4*time.Hour))
	cash.Method = models.MethodCash
	require.NoError(t, repo.Create(ctx, cash))

	filter := interfaces.RecordFilter{
		Methods:    models.GatewayMethods(),
		IdleBefore: base.Add(-time.Hour),
		Limit:      1,
	}
	got, err := repo.Query(ctx, filter)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	require.NoError(t, repo.MarkChecked(ctx, "a", base))
	got, err = repo.Query(ctx, filter)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)

	// A later compare-and-set keeps the check stamp and the version is untouched.
	cur, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cur.Version)
	next := cur.Clone()
	next.LastCheckedAt = nil
	next.Touch(base)
	require.NoError(t, repo.CompareAndSet(ctx, "a", cur.Version, &next))
	cur, err = repo.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, cur.LastCheckedAt)
	assert.Equal(t, base, *cur.LastCheckedAt)

	assert.ErrorIs(t, repo.MarkChecked(ctx, "missing", base), ErrNotFound)
}
