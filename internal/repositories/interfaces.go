package repositories

import (
	"context"
	"time"

	domain "github.com/maplecart/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a transactional boundary. Reads
// performed inside the transaction take row locks so concurrent transitions
// on the same order serialize.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	CustomerRef string
	Status      []domain.OrderStatus
	DateRange   domain.RangeQuery[time.Time]
	Pagination  domain.Pagination
}

// OrderStatusUpdate carries a conditional status write. The update applies
// only while the stored status equals ExpectedStatus; otherwise the
// repository reports a conflict and nothing changes.
type OrderStatusUpdate struct {
	OrderID          string
	ExpectedStatus   domain.OrderStatus
	NewStatus        domain.OrderStatus
	PaidAt           *time.Time
	ShippedAt        *time.Time
	DeliveredAt      *time.Time
	CancelledAt      *time.Time
	ReturnDeadline   *time.Time
	ShipBackDeadline *time.Time
	Now              time.Time
}

// OrderRepository persists orders and their line items.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByCheckoutSession(ctx context.Context, sessionID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	UpdateStatus(ctx context.Context, update OrderStatusUpdate) error
	SetPaymentReferences(ctx context.Context, orderID string, paymentIntentID, checkoutSessionID string) error
	// UpdateItemReturnStatus sets the return status on the given items only;
	// a nil status clears it.
	UpdateItemReturnStatus(ctx context.Context, orderID string, itemIDs []string, status *domain.ReturnStatus) error
}

// StatusHistoryRepository appends and reads the immutable transition audit trail.
type StatusHistoryRepository interface {
	Append(ctx context.Context, entry domain.StatusHistoryEntry) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.StatusHistoryEntry, error)
}

// RefundRepository persists immutable refund records.
type RefundRepository interface {
	Insert(ctx context.Context, record domain.RefundRecord) error
	// SumByOrder returns the total amount already refunded for the order.
	SumByOrder(ctx context.Context, orderID string) (int64, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.RefundRecord, error)
}

// StockRepository mutates product stock levels with atomic conditional writes.
type StockRepository interface {
	// Adjust applies delta to the product's stock. A negative delta that
	// would take the level below zero fails with StockErrorInsufficient and
	// leaves the row untouched.
	Adjust(ctx context.Context, productID string, delta int) (domain.StockLevel, error)
	Get(ctx context.Context, productID string) (domain.StockLevel, error)
}

// StockErrorCode categorises stock repository failures.
type StockErrorCode string

const (
	// StockErrorInsufficient indicates the adjustment would drive stock negative.
	StockErrorInsufficient StockErrorCode = "insufficient_stock"
	// StockErrorNotFound indicates the product has no stock row.
	StockErrorNotFound StockErrorCode = "stock_not_found"
)

// StockError is returned by StockRepository implementations for domain-level failures.
type StockError struct {
	Code    StockErrorCode
	Message string
}

func (e *StockError) Error() string {
	if e.Message != "" {
		return "stock: " + e.Message
	}
	return "stock: " + string(e.Code)
}
