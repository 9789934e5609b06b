// Package services contains the business logic for the order lifecycle.
package services

import (
	"context"
	"time"

	domain "github.com/maplecart/api/internal/domain"
	"github.com/maplecart/api/internal/notifications"
)

// Actor identifies who invoked an operation. Authorization happens inside the
// services, never in the transport layer.
type Actor struct {
	ID    string
	Admin bool
}

// CreateOrderCommand captures everything needed to place a new order.
type CreateOrderCommand struct {
	Actor           Actor
	UserID          string
	GuestEmail      string
	Currency        string
	DiscountAmount  int64
	CouponID        string
	ShippingAddress *domain.Address
	Items           []CreateOrderItem
	CheckoutSession string
}

// CreateOrderItem is one product line in a create command.
type CreateOrderItem struct {
	ProductID       string
	ProductName     string
	Quantity        int
	PriceAtPurchase int64
}

// OrderListQuery narrows order listings for customers and admins.
type OrderListQuery struct {
	Actor       Actor
	CustomerRef string
	Status      []domain.OrderStatus
	From        *time.Time
	To          *time.Time
	Pagination  domain.Pagination
}

// CancelOrderCommand cancels an order. A paid order triggers a full refund of
// the remaining refundable amount before the cancellation commits.
type CancelOrderCommand struct {
	Actor   Actor
	OrderID string
	Notes   string
}

// MarkShippedCommand moves a paid order to shipped.
type MarkShippedCommand struct {
	Actor   Actor
	OrderID string
	Notes   string
}

// MarkDeliveredCommand moves a shipped order to delivered and stamps the
// return deadline.
type MarkDeliveredCommand struct {
	Actor   Actor
	OrderID string
	Notes   string
}

// RequestReturnCommand asks to return one or more items of a delivered or
// partially returned order.
type RequestReturnCommand struct {
	Actor   Actor
	OrderID string
	ItemIDs []string
	Notes   string
}

// ApproveReturnCommand approves the return for a subset of the requested
// items. On a fully returned order it instead narrows the approval to the
// given subset, rejecting the rest. RestoreStock is an explicit admin choice,
// not automatic.
type ApproveReturnCommand struct {
	Actor        Actor
	OrderID      string
	ItemIDs      []string
	RestoreStock bool
	Notes        string
}

// RejectReturnCommand declines a pending return request and reverts the
// order to delivered.
type RejectReturnCommand struct {
	Actor   Actor
	OrderID string
	Notes   string
}

// RefundCommand processes a refund for a returned or partially returned
// order. AmountOverride, when set, is validated against the remaining
// refundable amount and never exceeds the item-derived sum.
type RefundCommand struct {
	Actor          Actor
	OrderID        string
	ItemIDs        []string
	AmountOverride *int64
	Notes          string
}

// ConfirmPaymentCommand applies a payment-processor confirmation.
type ConfirmPaymentCommand struct {
	OrderID         string
	PaymentIntentID string
	CheckoutSession string
	ActorID         string
}

// TransitionResult reports the outcome of a lifecycle operation.
type TransitionResult struct {
	Order            domain.Order
	PreviousStatus   domain.OrderStatus
	NewStatus        domain.OrderStatus
	RefundID         string
	ProviderRefundID string
	AffectedItemIDs  []string

	// NoOp is true when a duplicate request found the order already in the
	// target state and nothing was changed.
	NoOp bool
}

// OrderService is the single writer of order status, item return status,
// history entries, and refund records.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error)
	GetOrder(ctx context.Context, actor Actor, orderID string) (domain.Order, error)
	ListOrders(ctx context.Context, query OrderListQuery) (domain.CursorPage[domain.Order], error)
	ListHistory(ctx context.Context, actor Actor, orderID string) ([]domain.StatusHistoryEntry, error)
	ListRefunds(ctx context.Context, actor Actor, orderID string) ([]domain.RefundRecord, error)

	ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (TransitionResult, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (TransitionResult, error)
	MarkShipped(ctx context.Context, cmd MarkShippedCommand) (TransitionResult, error)
	MarkDelivered(ctx context.Context, cmd MarkDeliveredCommand) (TransitionResult, error)
	RequestReturn(ctx context.Context, cmd RequestReturnCommand) (TransitionResult, error)
	ApproveReturn(ctx context.Context, cmd ApproveReturnCommand) (TransitionResult, error)
	RejectReturn(ctx context.Context, cmd RejectReturnCommand) (TransitionResult, error)
	Refund(ctx context.Context, cmd RefundCommand) (TransitionResult, error)

	// RecordStockAlert appends an operational alert to the order's history
	// when a post-payment stock deduction cannot be satisfied.
	RecordStockAlert(ctx context.Context, orderID, productID string, shortfall int) error
}

// StockAdjustment is one ledger movement applied to a product.
type StockAdjustment struct {
	ProductID string
	Quantity  int
}

// StockService is the only mutator of stock levels.
type StockService interface {
	// Deduct removes quantities for every adjustment. A shortfall on one
	// product is reported but does not prevent the other deductions.
	Deduct(ctx context.Context, orderID string, adjustments []StockAdjustment) ([]StockShortfall, error)
	Restore(ctx context.Context, orderID string, adjustments []StockAdjustment) error
	Level(ctx context.Context, productID string) (domain.StockLevel, error)

	// Adjust applies a manual correction, for example after a narrowed
	// return left restored stock that never arrived. A negative delta that
	// would drive the level below zero fails with ErrInsufficientStock.
	Adjust(ctx context.Context, productID string, delta int) (domain.StockLevel, error)
}

// StockShortfall reports a deduction that could not be satisfied.
type StockShortfall struct {
	ProductID string
	Requested int
	Available int
}

// PaymentConfirmedEvent is the normalised inbound webhook payload.
type PaymentConfirmedEvent struct {
	EventID         string
	CheckoutSession string
	PaymentIntentID string
	OrderID         string
	AmountTotal     int64
	Currency        string
}

// ReconciliationService turns at-least-once processor events into
// exactly-once order effects.
type ReconciliationService interface {
	HandlePaymentConfirmed(ctx context.Context, event PaymentConfirmedEvent) (TransitionResult, error)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// Notifier re-exports the notification contract used by the services.
type Notifier = notifications.Notifier
