package interfaces

import (
	"context"
	"time"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

// RecordFilter narrows PaymentRepository.Query. Zero values mean "any".
type RecordFilter struct {
	UserID        string
	Statuses      []models.PaymentStatus
	Method        models.PaymentMethod
	Methods       []models.PaymentMethod
	UpdatedBefore time.Time
	// IdleBefore keeps records neither updated nor checked since the given time.
	// Results then come oldest IdleSince first.
	IdleBefore    time.Time
	WalletPending bool
	Limit         int
}

// PaymentRepository is the durable record store. It offers single-record
// compare-and-set and nothing spanning several records.
type PaymentRepository interface {
	Create(ctx context.Context, record *models.PaymentRecord) error
	Get(ctx context.Context, id string) (*models.PaymentRecord, error)
	GetByOrderID(ctx context.Context, gatewayOrderID string) (*models.PaymentRecord, error)
	// CompareAndSet replaces the record only if its stored version still equals
	// expectedVersion. next.Version must already be advanced by the caller.
	CompareAndSet(ctx context.Context, id string, expectedVersion int64, next *models.PaymentRecord) error
	Query(ctx context.Context, filter RecordFilter) ([]models.PaymentRecord, error)
	// MarkChecked stamps LastCheckedAt without touching Version or UpdatedAt.
	MarkChecked(ctx context.Context, id string, at time.Time) error
}
