package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/akylbek/payment-system/payment-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

// MemoryRepository is a process-local PaymentRepository for debug mode and tests.
// It hands out copies so callers can never mutate stored state in place.
type MemoryRepository struct {
	mu      sync.RWMutex
	byID    map[string]models.PaymentRecord
	byOrder map[string]string
}

var _ interfaces.PaymentRepository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[string]models.PaymentRecord),
		byOrder: make(map[string]string),
	}
}

func (m *MemoryRepository) Create(_ context.Context, rec *models.PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[rec.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.byOrder[rec.GatewayOrderID]; ok {
		return ErrDuplicate
	}
	m.byID[rec.ID] = rec.Clone()
	m.byOrder[rec.GatewayOrderID] = rec.ID
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (*models.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := rec.Clone()
	return &c, nil
}

func (m *MemoryRepository) GetByOrderID(ctx context.Context, gatewayOrderID string) (*models.PaymentRecord, error) {
	m.mu.RLock()
	id, ok := m.byOrder[gatewayOrderID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryRepository) CompareAndSet(_ context.Context, id string, expectedVersion int64, next *models.PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	stored := next.Clone()
	// Identity and amounts are immutable after creation.
	stored.ID = cur.ID
	stored.UserID = cur.UserID
	stored.Amount = cur.Amount
	stored.ExtraCharges = cur.ExtraCharges
	stored.Currency = cur.Currency
	stored.Method = cur.Method
	stored.GatewayOrderID = cur.GatewayOrderID
	stored.WalletAmount = cur.WalletAmount
	stored.CreatedAt = cur.CreatedAt
	stored.LastCheckedAt = cur.LastCheckedAt
	m.byID[id] = stored
	return nil
}

func (m *MemoryRepository) MarkChecked(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	rec.LastCheckedAt = &at
	m.byID[id] = rec
	return nil
}

func (m *MemoryRepository) Query(_ context.Context, f interfaces.RecordFilter) ([]models.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.PaymentRecord
	for _, rec := range m.byID {
		if matches(rec, f) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !f.IdleBefore.IsZero() {
			return out[i].IdleSince().Before(out[j].IdleSince())
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(rec models.PaymentRecord, f interfaces.RecordFilter) bool {
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if rec.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Method != "" && rec.Method != f.Method {
		return false
	}
	if len(f.Methods) > 0 {
		found := false
		for _, m := range f.Methods {
			if rec.Method == m {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.UpdatedBefore.IsZero() && !rec.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if !f.IdleBefore.IsZero() && !rec.IdleSince().Before(f.IdleBefore) {
		return false
	}
	if f.WalletPending && (!rec.WalletAmount.IsPositive() || rec.WalletDebitedAt != nil) {
		return false
	}
	return true
}
