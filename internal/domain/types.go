package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusAwaitingPayment indicates the order exists but payment has not completed.
	OrderStatusAwaitingPayment OrderStatus = "awaiting_payment"
	// OrderStatusPaid indicates the payment processor confirmed the charge.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusShipped indicates the order has been handed to the carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled before delivery.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusReturnRequested indicates the customer asked to return one or more items.
	OrderStatusReturnRequested OrderStatus = "return_requested"
	// OrderStatusReturned indicates every item of the order was approved for return.
	OrderStatusReturned OrderStatus = "returned"
	// OrderStatusPartiallyReturned indicates a subset of items was approved for return.
	OrderStatusPartiallyReturned OrderStatus = "partially_returned"
	// OrderStatusRefunded indicates the full order amount has been refunded.
	OrderStatusRefunded OrderStatus = "refunded"
	// OrderStatusPartiallyRefunded indicates part of the order amount has been refunded.
	OrderStatusPartiallyRefunded OrderStatus = "partially_refunded"
)

// ReturnStatus tracks the per-item return state independent of the order status.
type ReturnStatus string

const (
	// ReturnStatusRequested marks an item the customer asked to send back.
	ReturnStatusRequested ReturnStatus = "requested"
	// ReturnStatusApproved marks an item whose return an admin accepted.
	ReturnStatusApproved ReturnStatus = "approved"
	// ReturnStatusRejected marks an item whose return an admin declined.
	ReturnStatusRejected ReturnStatus = "rejected"
)

// Address is an immutable snapshot captured at order placement. Later edits to
// the customer's address book must not alter order history.
type Address struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// Order captures one purchase transaction and its lifecycle state.
type Order struct {
	ID          string
	OrderNumber string
	Status      OrderStatus
	Currency    string

	// TotalAmount is fixed at creation in minor currency units and is never
	// mutated by later return/refund activity.
	TotalAmount    int64
	DiscountAmount int64
	CouponID       *string

	// Exactly one of UserID and GuestEmail is set.
	UserID     *string
	GuestEmail *string

	ShippingAddress *Address

	StripePaymentIntentID   *string
	StripeCheckoutSessionID *string

	Items []OrderItem

	CreatedAt        time.Time
	UpdatedAt        time.Time
	PaidAt           *time.Time
	ShippedAt        *time.Time
	DeliveredAt      *time.Time
	CancelledAt      *time.Time
	ReturnDeadline   *time.Time
	ShipBackDeadline *time.Time
}

// CustomerRef returns the identifier of whoever placed the order.
func (o Order) CustomerRef() string {
	if o.UserID != nil && *o.UserID != "" {
		return *o.UserID
	}
	if o.GuestEmail != nil {
		return *o.GuestEmail
	}
	return ""
}

// OwnedBy reports whether the given actor id placed the order.
func (o Order) OwnedBy(actorID string) bool {
	if actorID == "" {
		return false
	}
	if o.UserID != nil && *o.UserID == actorID {
		return true
	}
	return o.GuestEmail != nil && *o.GuestEmail == actorID
}

// OrderItem is a single product line within an order. Items are created
// atomically with the order and never deleted.
type OrderItem struct {
	ID          string
	OrderID     string
	ProductID   string
	ProductName string
	Quantity    int

	// PriceAtPurchase snapshots the unit price in minor currency units at
	// order time; catalog price changes do not touch it.
	PriceAtPurchase int64

	ReturnStatus *ReturnStatus
}

// LineTotal returns quantity times the unit price snapshot.
func (i OrderItem) LineTotal() int64 {
	return i.PriceAtPurchase * int64(i.Quantity)
}

// StatusHistoryEntry is the append-only audit record of a transition. Entries
// are written exclusively by the order service and never mutated.
type StatusHistoryEntry struct {
	ID             string
	OrderID        string
	PreviousStatus OrderStatus
	NewStatus      OrderStatus
	ActorID        string
	Note           string
	CreatedAt      time.Time
}

// RefundScope distinguishes full-order refunds from item-subset refunds.
type RefundScope string

const (
	// RefundScopeFull covers the entire remaining order amount.
	RefundScopeFull RefundScope = "full"
	// RefundScopePartial covers a subset of items or an explicit amount.
	RefundScopePartial RefundScope = "partial"
)

// RefundRecord is the immutable credit note created for every executed refund.
type RefundRecord struct {
	ID             string
	OrderID        string
	Amount         int64
	Scope          RefundScope
	ItemIDs        []string
	StripeRefundID string
	CreatedAt      time.Time
}

// StockLevel is the inventory count for a product. It is mutated only by the
// stock ledger and never goes negative.
type StockLevel struct {
	ProductID string
	Quantity  int
	UpdatedAt time.Time
}
