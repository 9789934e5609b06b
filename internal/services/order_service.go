package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/maplecart/api/internal/domain"
	"github.com/maplecart/api/internal/notifications"
	"github.com/maplecart/api/internal/payments"
	"github.com/maplecart/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"

	orderIDPrefix   = "ord_"
	itemIDPrefix    = "oit_"
	historyIDPrefix = "ohs_"
	refundIDPrefix  = "rfn_"

	systemActorID = "system"

	defaultReturnRequestWindow = 30 * 24 * time.Hour
	defaultShipBackWindow      = 14 * 24 * time.Hour
	defaultConflictRetries     = 3
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrInvalidTransition indicates the current status forbids the requested transition.
	ErrInvalidTransition = errors.New("order: invalid status transition")
	// ErrForbidden indicates the actor lacks rights on the order.
	ErrForbidden = errors.New("order: forbidden")
	// ErrRefundFailed indicates the payment processor rejected the refund; the transition was aborted.
	ErrRefundFailed = errors.New("order: refund failed")
	// ErrAmountMismatch indicates an explicit refund amount exceeds the remaining eligible amount.
	ErrAmountMismatch = errors.New("order: refund amount exceeds eligible remaining")
	// ErrOrderConflict indicates the operation lost a race on a conditional update.
	ErrOrderConflict = errors.New("order: conflict")
)

// orderStateTransitions is the only source of truth for legal status edges.
var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusAwaitingPayment:   {domain.OrderStatusPaid, domain.OrderStatusCancelled},
	domain.OrderStatusPaid:              {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:           {domain.OrderStatusDelivered},
	domain.OrderStatusDelivered:         {domain.OrderStatusReturnRequested},
	domain.OrderStatusReturnRequested:   {domain.OrderStatusReturned, domain.OrderStatusDelivered, domain.OrderStatusPartiallyReturned},
	domain.OrderStatusReturned:          {domain.OrderStatusRefunded, domain.OrderStatusPartiallyReturned},
	domain.OrderStatusPartiallyReturned: {domain.OrderStatusReturnRequested, domain.OrderStatusPartiallyRefunded},
}

func canTransition(from, to domain.OrderStatus) bool {
	return slices.Contains(orderStateTransitions[from], to)
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders   repositories.OrderRepository
	History  repositories.StatusHistoryRepository
	Refunds  repositories.RefundRepository
	Stock    StockService
	Payments payments.Provider

	UnitOfWork  repositories.UnitOfWork
	Notifier    notifications.Notifier
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)

	ReturnRequestWindow time.Duration
	ShipBackWindow      time.Duration
	ConflictRetries     int
}

type orderService struct {
	orders   repositories.OrderRepository
	history  repositories.StatusHistoryRepository
	refunds  repositories.RefundRepository
	stock    StockService
	payments payments.Provider

	unitOfWork repositories.UnitOfWork
	notifier   notifications.Notifier
	events     OrderEventPublisher
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)

	returnRequestWindow time.Duration
	shipBackWindow      time.Duration
	conflictRetries     int
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.History == nil {
		return nil, errors.New("order service: history repository is required")
	}
	if deps.Refunds == nil {
		return nil, errors.New("order service: refund repository is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("order service: stock service is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("order service: payment provider is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	requestWindow := deps.ReturnRequestWindow
	if requestWindow <= 0 {
		requestWindow = defaultReturnRequestWindow
	}
	shipBackWindow := deps.ShipBackWindow
	if shipBackWindow <= 0 {
		shipBackWindow = defaultShipBackWindow
	}
	retries := deps.ConflictRetries
	if retries <= 0 {
		retries = defaultConflictRetries
	}

	return &orderService{
		orders:     deps.Orders,
		history:    deps.History,
		refunds:    deps.Refunds,
		stock:      deps.Stock,
		payments:   deps.Payments,
		unitOfWork: unit,
		notifier:   deps.Notifier,
		events:     deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:               idGen,
		logger:              logger,
		returnRequestWindow: requestWindow,
		shipBackWindow:      shipBackWindow,
		conflictRetries:     retries,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error) {
	if len(cmd.Items) == 0 {
		return domain.Order{}, fmt.Errorf("%w: order must contain at least one item", ErrOrderInvalidInput)
	}
	userID := strings.TrimSpace(cmd.UserID)
	guestEmail := strings.TrimSpace(cmd.GuestEmail)
	if (userID == "") == (guestEmail == "") {
		return domain.Order{}, fmt.Errorf("%w: exactly one of user id and guest email must be set", ErrOrderInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		return domain.Order{}, fmt.Errorf("%w: currency is required", ErrOrderInvalidInput)
	}
	if cmd.DiscountAmount < 0 {
		return domain.Order{}, fmt.Errorf("%w: discount must not be negative", ErrOrderInvalidInput)
	}

	now := s.now()
	orderID := orderIDPrefix + s.newID()

	var subtotal int64
	items := make([]domain.OrderItem, 0, len(cmd.Items))
	for _, item := range cmd.Items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return domain.Order{}, fmt.Errorf("%w: item product id is required", ErrOrderInvalidInput)
		}
		if item.Quantity <= 0 {
			return domain.Order{}, fmt.Errorf("%w: item quantity must be positive", ErrOrderInvalidInput)
		}
		if item.PriceAtPurchase < 0 {
			return domain.Order{}, fmt.Errorf("%w: item price must not be negative", ErrOrderInvalidInput)
		}
		items = append(items, domain.OrderItem{
			ID:              itemIDPrefix + s.newID(),
			OrderID:         orderID,
			ProductID:       productID,
			ProductName:     strings.TrimSpace(item.ProductName),
			Quantity:        item.Quantity,
			PriceAtPurchase: item.PriceAtPurchase,
		})
		subtotal += item.PriceAtPurchase * int64(item.Quantity)
	}
	total := subtotal - cmd.DiscountAmount
	if total < 0 {
		return domain.Order{}, fmt.Errorf("%w: discount exceeds item subtotal", ErrOrderInvalidInput)
	}

	order := domain.Order{
		ID:             orderID,
		OrderNumber:    s.generateOrderNumber(now),
		Status:         domain.OrderStatusAwaitingPayment,
		Currency:       currency,
		TotalAmount:    total,
		DiscountAmount: cmd.DiscountAmount,
		CouponID:       optionalString(cmd.CouponID),
		UserID:         optionalString(userID),
		GuestEmail:     optionalString(guestEmail),
		Items:          items,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if cmd.ShippingAddress != nil {
		address := *cmd.ShippingAddress
		order.ShippingAddress = &address
	}
	if session := strings.TrimSpace(cmd.CheckoutSession); session != "" {
		order.StripeCheckoutSessionID = valuePtr(session)
	}

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CurrentStatus: string(order.Status),
		ActorID:       cmd.Actor.ID,
		OccurredAt:    now,
	})
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, actor Actor, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	if err := authorize(actor, order); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, query OrderListQuery) (domain.CursorPage[domain.Order], error) {
	customerRef := strings.TrimSpace(query.CustomerRef)
	if !query.Actor.Admin {
		// Customers only ever see their own orders.
		customerRef = query.Actor.ID
	}

	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		CustomerRef: customerRef,
		Status:      query.Status,
		DateRange:   domain.RangeQuery[time.Time]{From: query.From, To: query.To},
		Pagination:  query.Pagination,
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) ListHistory(ctx context.Context, actor Actor, orderID string) ([]domain.StatusHistoryEntry, error) {
	if _, err := s.GetOrder(ctx, actor, orderID); err != nil {
		return nil, err
	}
	entries, err := s.history.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return entries, nil
}

func (s *orderService) ListRefunds(ctx context.Context, actor Actor, orderID string) ([]domain.RefundRecord, error) {
	if _, err := s.GetOrder(ctx, actor, orderID); err != nil {
		return nil, err
	}
	records, err := s.refunds.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return records, nil
}

func (s *orderService) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (TransitionResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return TransitionResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	actorID := strings.TrimSpace(cmd.ActorID)
	if actorID == "" {
		actorID = systemActorID
	}

	return s.withConflictRetry(ctx, func(ctx context.Context) (TransitionResult, error) {
		var result TransitionResult
		err := s.runInTx(ctx, func(txCtx context.Context) error {
			order, err := s.orders.FindByID(txCtx, orderID)
			if err != nil {
				return s.mapRepositoryError(err)
			}
			result.PreviousStatus = order.Status

			if order.Status != domain.OrderStatusAwaitingPayment {
				// Duplicate delivery; the payment already took effect.
				result.Order = order
				result.NewStatus = order.Status
				result.NoOp = true
				return nil
			}

			if cmd.PaymentIntentID != "" || cmd.CheckoutSession != "" {
				if err := s.orders.SetPaymentReferences(txCtx, order.ID, cmd.PaymentIntentID, cmd.CheckoutSession); err != nil {
					return s.mapRepositoryError(err)
				}
				if intent := strings.TrimSpace(cmd.PaymentIntentID); intent != "" {
					order.StripePaymentIntentID = valuePtr(intent)
				}
				if session := strings.TrimSpace(cmd.CheckoutSession); session != "" {
					order.StripeCheckoutSessionID = valuePtr(session)
				}
			}

			now := s.now()
			if err := s.writeTransition(txCtx, &order, transitionWrite{
				target:  domain.OrderStatusPaid,
				actorID: actorID,
				note:    "payment confirmed",
				now:     now,
				paidAt:  &now,
			}); err != nil {
				return err
			}
			result.Order = order
			result.NewStatus = order.Status
			return nil
		})
		return result, err
	})
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (TransitionResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return TransitionResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	result, err := s.withConflictRetry(ctx, func(ctx context.Context) (TransitionResult, error) {
		var result TransitionResult
		err := s.runInTx(ctx, func(txCtx context.Context) error {
			order, err := s.orders.FindByID(txCtx, orderID)
			if err != nil {
				return s.mapRepositoryError(err)
			}
			if err := authorize(cmd.Actor, order); err != nil {
				return err
			}
			result.PreviousStatus = order.Status

			// An already-cancelled order is a hard failure here, not a
			// no-op: the loser of a simultaneous cancel must learn it
			// lost. Duplicate-tolerance is reserved for processor events.
			if !canTransition(order.Status, domain.OrderStatusCancelled) {
				return fmt.Errorf("%w: order status %q cannot be cancelled", ErrInvalidTransition, order.Status)
			}

			now := s.now()
			wasPaid := order.Status == domain.OrderStatusPaid

			if wasPaid {
				refundID, providerRefundID, err := s.executeRefund(txCtx, order, refundExecution{
					recordID:       refundIDPrefix + s.newID(),
					scope:          domain.RefundScopeFull,
					idempotencyKey: "cancel:" + order.ID,
					reason:         "requested_by_customer",
					now:            now,
				})
				if err != nil {
					return err
				}
				result.RefundID = refundID
				result.ProviderRefundID = providerRefundID

				if err := s.stock.Restore(txCtx, order.ID, stockAdjustments(order.Items)); err != nil {
					return err
				}
			}

			if err := s.writeTransition(txCtx, &order, transitionWrite{
				target:      domain.OrderStatusCancelled,
				actorID:     cmd.Actor.ID,
				note:        noteOrDefault(cmd.Notes, "order cancelled"),
				now:         now,
				cancelledAt: &now,
			}); err != nil {
				return err
			}
			result.Order = order
			result.NewStatus = order.Status
			return nil
		})
		return result, err
	})
	if err != nil {
		return TransitionResult{}, err
	}

	s.afterTransition(ctx, result, cmd.Actor.ID, notifications.TemplateOrderCancelled)
	return result, nil
}

func (s *orderService) MarkShipped(ctx context.Context, cmd MarkShippedCommand) (TransitionResult, error) {
	return s.adminTransition(ctx, cmd.Actor, cmd.OrderID, domain.OrderStatusShipped,
		noteOrDefault(cmd.Notes, "order shipped"), notifications.TemplateOrderShipped,
		func(order *domain.Order, write *transitionWrite, now time.Time) error {
			write.shippedAt = &now
			return nil
		})
}

func (s *orderService) MarkDelivered(ctx context.Context, cmd MarkDeliveredCommand) (TransitionResult, error) {
	return s.adminTransition(ctx, cmd.Actor, cmd.OrderID, domain.OrderStatusDelivered,
		noteOrDefault(cmd.Notes, "order delivered"), "",
		func(order *domain.Order, write *transitionWrite, now time.Time) error {
			deadline := now.Add(s.returnRequestWindow)
			write.deliveredAt = &now
			write.returnDeadline = &deadline
			return nil
		})
}

func (s *orderService) RequestReturn(ctx context.Context, cmd RequestReturnCommand) (TransitionResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return TransitionResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if len(cmd.ItemIDs) == 0 {
		return TransitionResult{}, fmt.Errorf("%w: at least one item id is required", ErrOrderInvalidInput)
	}

	result, err := s.withConflictRetry(ctx, func(ctx context.Context) (TransitionResult, error) {
		var result TransitionResult
		err := s.runInTx(ctx, func(txCtx context.Context) error {
			order, err := s.orders.FindByID(txCtx, orderID)
			if err != nil {
				return s.mapRepositoryError(err)
			}
			if err := authorize(cmd.Actor, order); err != nil {
				return err
			}
			result.PreviousStatus = order.Status

			if !canTransition(order.Status, domain.OrderStatusReturnRequested) {
				return fmt.Errorf("%w: order status %q does not allow return requests", ErrInvalidTransition, order.Status)
			}

			now := s.now()
			// The deadline timestamp itself is still inside the window.
			if order.ReturnDeadline != nil && now.After(*order.ReturnDeadline) {
				return fmt.Errorf("%w: return window expired", ErrInvalidTransition)
			}

			itemIDs, err := selectItems(order.Items, cmd.ItemIDs, itemReturnable)
			if err != nil {
				return err
			}

			requested := domain.ReturnStatusRequested
			if err := s.orders.UpdateItemReturnStatus(txCtx, order.ID, itemIDs, &requested); err != nil {
				return s.mapRepositoryError(err)
			}
			applyItemStatus(order.Items, itemIDs, &requested)

			if err := s.writeTransition(txCtx, &order, transitionWrite{
				target:  domain.OrderStatusReturnRequested,
				actorID: cmd.Actor.ID,
				note:    noteOrDefault(cmd.Notes, fmt.Sprintf("return requested for %d item(s)", len(itemIDs))),
				now:     now,
			}); err != nil {
				return err
			}
			result.Order = order
			result.NewStatus = order.Status
			result.AffectedItemIDs = itemIDs
			return nil
		})
		return result, err
	})
	if err != nil {
		return TransitionResult{}, err
	}

	s.afterTransition(ctx, result, cmd.Actor.ID, "")
	return result, nil
}

func (s *orderService) ApproveReturn(ctx context.Context, cmd ApproveReturnCommand) (TransitionResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return TransitionResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !cmd.Actor.Admin {
		return TransitionResult{}, fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	if len(cmd.ItemIDs) == 0 {
		return TransitionResult{}, fmt.Errorf("%w: at least one item id is required", ErrOrderInvalidInput)
	}

	result, err := s.withConflictRetry(ctx, func(ctx context.Context) (TransitionResult, error) {
		var result TransitionResult
		err := s.runInTx(ctx, func(txCtx context.Context) error {
			order, err := s.orders.FindByID(txCtx, orderID)
			if err != nil {
				return s.mapRepositoryError(err)
			}
			result.PreviousStatus = order.Status

			switch order.Status {
			case domain.OrderStatusReturnRequested:
				// fall through to the approval below
			case domain.OrderStatusReturned:
				return s.narrowReturn(txCtx, cmd, order, &result)
			default:
				return fmt.Errorf("%w: order status %q has no pending return request", ErrInvalidTransition, order.Status)
			}

			itemIDs, err := selectItems(order.Items, cmd.ItemIDs, itemRequested)
			if err != nil {
				return err
			}

			approved := domain.ReturnStatusApproved
			if err := s.orders.UpdateItemReturnStatus(txCtx, order.ID, itemIDs, &approved); err != nil {
				return s.mapRepositoryError(err)
			}
			applyItemStatus(order.Items, itemIDs, &approved)

			target := domain.OrderStatusPartiallyReturned
			if allItemsApproved(order.Items) {
				target = domain.OrderStatusReturned
			}

			if cmd.RestoreStock {
				var restored []StockAdjustment
				for _, item := range order.Items {
					if slices.Contains(itemIDs, item.ID) {
						restored = append(restored, StockAdjustment{ProductID: item.ProductID, Quantity: item.Quantity})
					}
				}
				if err := s.stock.Restore(txCtx, order.ID, restored); err != nil {
					return err
				}
			}

			now := s.now()
			shipBack := now.Add(s.shipBackWindow)
			if err := s.writeTransition(txCtx, &order, transitionWrite{
				target:           target,
				actorID:          cmd.Actor.ID,
				note:             noteOrDefault(cmd.Notes, fmt.Sprintf("return approved for %d item(s)", len(itemIDs))),
				now:              now,
				shipBackDeadline: &shipBack,
			}); err != nil {
				return err
			}
			result.Order = order
			result.NewStatus = order.Status
			result.AffectedItemIDs = itemIDs
			return nil
		})
		return result, err
	})
	if err != nil {
		return TransitionResult{}, err
	}

	if !result.NoOp {
		s.afterTransition(ctx, result, cmd.Actor.ID, notifications.TemplateReturnApproved)
	}
	return result, nil
}

// narrowReturn re-scopes a fully approved return to the subset of items that
// actually arrived. Items outside the subset flip to rejected, which makes
// them requestable again, and the order drops to partially_returned. Stock is
// untouched here; a restore made at approval time is corrected through a
// manual stock adjustment.
func (s *orderService) narrowReturn(ctx context.Context, cmd ApproveReturnCommand, order domain.Order, result *TransitionResult) error {
	itemIDs, err := selectItems(order.Items, cmd.ItemIDs, itemApproved)
	if err != nil {
		return err
	}

	var rejectedIDs []string
	for _, item := range order.Items {
		if itemApproved(item) && !slices.Contains(itemIDs, item.ID) {
			rejectedIDs = append(rejectedIDs, item.ID)
		}
	}
	if len(rejectedIDs) == 0 {
		result.Order = order
		result.NewStatus = order.Status
		result.AffectedItemIDs = itemIDs
		result.NoOp = true
		return nil
	}

	rejected := domain.ReturnStatusRejected
	if err := s.orders.UpdateItemReturnStatus(ctx, order.ID, rejectedIDs, &rejected); err != nil {
		return s.mapRepositoryError(err)
	}
	applyItemStatus(order.Items, rejectedIDs, &rejected)

	if err := s.writeTransition(ctx, &order, transitionWrite{
		target:  domain.OrderStatusPartiallyReturned,
		actorID: cmd.Actor.ID,
		note:    noteOrDefault(cmd.Notes, fmt.Sprintf("return narrowed to %d item(s)", len(itemIDs))),
		now:     s.now(),
	}); err != nil {
		return err
	}
	result.Order = order
	result.NewStatus = order.Status
	result.AffectedItemIDs = itemIDs
	return nil
}

func (s *orderService) RejectReturn(ctx context.Context, cmd RejectReturnCommand) (TransitionResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return TransitionResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !cmd.Actor.Admin {
		return TransitionResult{}, fmt.Errorf("%w: admin role required", ErrForbidden)
	}

	result, err := s.withConflictRetry(ctx, func(ctx context.Context) (TransitionResult, error) {
		var result TransitionResult
		err := s.runInTx(ctx, func(txCtx context.Context) error {
			order, err := s.orders.FindByID(txCtx, orderID)
			if err != nil {
				return s.mapRepositoryError(err)
			}
			result.PreviousStatus = order.Status

			if order.Status != domain.OrderStatusReturnRequested {
				return fmt.Errorf("%w: order status %q has no pending return request", ErrInvalidTransition, order.Status)
			}

			// Only the pending items are cleared; previously approved or
			// rejected items keep their state.
			var itemIDs []string
			for _, item := range order.Items {
				if itemRequested(item) {
					itemIDs = append(itemIDs, item.ID)
				}
			}
			if err := s.orders.UpdateItemReturnStatus(txCtx, order.ID, itemIDs, nil); err != nil {
				return s.mapRepositoryError(err)
			}
			applyItemStatus(order.Items, itemIDs, nil)

			if err := s.writeTransition(txCtx, &order, transitionWrite{
				target:  domain.OrderStatusDelivered,
				actorID: cmd.Actor.ID,
				note:    noteOrDefault(cmd.Notes, "return rejected"),
				now:     s.now(),
			}); err != nil {
				return err
			}
			result.Order = order
			result.NewStatus = order.Status
			result.AffectedItemIDs = itemIDs
			return nil
		})
		return result, err
	})
	if err != nil {
		return TransitionResult{}, err
	}

	s.afterTransition(ctx, result, cmd.Actor.ID, "")
	return result, nil
}

func (s *orderService) Refund(ctx context.Context, cmd RefundCommand) (TransitionResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return TransitionResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !cmd.Actor.Admin {
		return TransitionResult{}, fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	if cmd.AmountOverride != nil && *cmd.AmountOverride <= 0 {
		return TransitionResult{}, fmt.Errorf("%w: amount override must be positive", ErrOrderInvalidInput)
	}

	result, err := s.withConflictRetry(ctx, func(ctx context.Context) (TransitionResult, error) {
		var result TransitionResult
		err := s.runInTx(ctx, func(txCtx context.Context) error {
			order, err := s.orders.FindByID(txCtx, orderID)
			if err != nil {
				return s.mapRepositoryError(err)
			}
			result.PreviousStatus = order.Status

			var target domain.OrderStatus
			switch order.Status {
			case domain.OrderStatusReturned:
				target = domain.OrderStatusRefunded
			case domain.OrderStatusPartiallyReturned:
				target = domain.OrderStatusPartiallyRefunded
			default:
				return fmt.Errorf("%w: order status %q is not refundable", ErrInvalidTransition, order.Status)
			}

			refunded, err := s.refunds.SumByOrder(txCtx, order.ID)
			if err != nil {
				return s.mapRepositoryError(err)
			}
			remaining := order.TotalAmount - refunded

			// The eligible amount always derives from approved items'
			// line totals. A request without an explicit subset targets
			// every approved item, never the whole order total.
			requested := cmd.ItemIDs
			if len(requested) == 0 {
				for _, item := range order.Items {
					if itemApproved(item) {
						requested = append(requested, item.ID)
					}
				}
			}
			itemIDs, err := selectItems(order.Items, requested, itemApproved)
			if err != nil {
				return err
			}
			var itemSum int64
			for _, item := range order.Items {
				if slices.Contains(itemIDs, item.ID) {
					itemSum += item.LineTotal()
				}
			}
			eligible := min(itemSum, remaining)
			if eligible <= 0 {
				return fmt.Errorf("%w: nothing left to refund", ErrAmountMismatch)
			}

			amount := eligible
			if cmd.AmountOverride != nil {
				if *cmd.AmountOverride > eligible {
					return fmt.Errorf("%w: override %d exceeds eligible %d", ErrAmountMismatch, *cmd.AmountOverride, eligible)
				}
				amount = *cmd.AmountOverride
			}

			scope := domain.RefundScopePartial
			if target == domain.OrderStatusRefunded && amount == remaining {
				scope = domain.RefundScopeFull
			}

			refundID, providerRefundID, err := s.executeRefund(txCtx, order, refundExecution{
				recordID:       refundIDPrefix + s.newID(),
				amount:         amount,
				scope:          scope,
				itemIDs:        itemIDs,
				idempotencyKey: refundIdempotencyKey(order.ID, order.Status, itemIDs),
				reason:         "requested_by_customer",
				now:            s.now(),
			})
			if err != nil {
				return err
			}
			result.RefundID = refundID
			result.ProviderRefundID = providerRefundID

			if err := s.writeTransition(txCtx, &order, transitionWrite{
				target:  target,
				actorID: cmd.Actor.ID,
				note:    noteOrDefault(cmd.Notes, fmt.Sprintf("refund of %d issued", amount)),
				now:     s.now(),
			}); err != nil {
				return err
			}
			result.Order = order
			result.NewStatus = order.Status
			result.AffectedItemIDs = itemIDs
			return nil
		})
		return result, err
	})
	if err != nil {
		return TransitionResult{}, err
	}

	s.afterTransition(ctx, result, cmd.Actor.ID, notifications.TemplateRefundProcessed)
	return result, nil
}

func (s *orderService) RecordStockAlert(ctx context.Context, orderID, productID string, shortfall int) error {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return s.mapRepositoryError(err)
	}
	entry := domain.StatusHistoryEntry{
		ID:             historyIDPrefix + s.newID(),
		OrderID:        order.ID,
		PreviousStatus: order.Status,
		NewStatus:      order.Status,
		ActorID:        systemActorID,
		Note:           fmt.Sprintf("stock shortfall: product %s short by %d, fulfil manually", productID, shortfall),
		CreatedAt:      s.now(),
	}
	if err := s.history.Append(ctx, entry); err != nil {
		return s.mapRepositoryError(err)
	}
	s.logger(ctx, "order.stock.alert", map[string]any{
		"order":     order.ID,
		"product":   productID,
		"shortfall": shortfall,
	})
	return nil
}

// adminTransition covers the simple admin-driven edges that only move status
// and stamp timestamps.
func (s *orderService) adminTransition(
	ctx context.Context,
	actor Actor,
	orderID string,
	target domain.OrderStatus,
	note string,
	template notifications.TemplateKind,
	prepare func(order *domain.Order, write *transitionWrite, now time.Time) error,
) (TransitionResult, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return TransitionResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !actor.Admin {
		return TransitionResult{}, fmt.Errorf("%w: admin role required", ErrForbidden)
	}

	result, err := s.withConflictRetry(ctx, func(ctx context.Context) (TransitionResult, error) {
		var result TransitionResult
		err := s.runInTx(ctx, func(txCtx context.Context) error {
			order, err := s.orders.FindByID(txCtx, orderID)
			if err != nil {
				return s.mapRepositoryError(err)
			}
			result.PreviousStatus = order.Status

			if order.Status == target {
				result.Order = order
				result.NewStatus = order.Status
				result.NoOp = true
				return nil
			}
			if !canTransition(order.Status, target) {
				return fmt.Errorf("%w: %q cannot move to %q", ErrInvalidTransition, order.Status, target)
			}

			now := s.now()
			write := transitionWrite{target: target, actorID: actor.ID, note: note, now: now}
			if prepare != nil {
				if err := prepare(&order, &write, now); err != nil {
					return err
				}
			}
			if err := s.writeTransition(txCtx, &order, write); err != nil {
				return err
			}
			result.Order = order
			result.NewStatus = order.Status
			return nil
		})
		return result, err
	})
	if err != nil {
		return TransitionResult{}, err
	}

	if !result.NoOp {
		s.afterTransition(ctx, result, actor.ID, template)
	}
	return result, nil
}

// transitionWrite groups the fields written alongside a status change.
type transitionWrite struct {
	target           domain.OrderStatus
	actorID          string
	note             string
	now              time.Time
	paidAt           *time.Time
	shippedAt        *time.Time
	deliveredAt      *time.Time
	cancelledAt      *time.Time
	returnDeadline   *time.Time
	shipBackDeadline *time.Time
}

// writeTransition performs the conditional status update and appends the
// history entry. The conditional write is what makes concurrent transitions
// lose cleanly instead of overwriting each other.
func (s *orderService) writeTransition(ctx context.Context, order *domain.Order, write transitionWrite) error {
	err := s.orders.UpdateStatus(ctx, repositories.OrderStatusUpdate{
		OrderID:          order.ID,
		ExpectedStatus:   order.Status,
		NewStatus:        write.target,
		PaidAt:           write.paidAt,
		ShippedAt:        write.shippedAt,
		DeliveredAt:      write.deliveredAt,
		CancelledAt:      write.cancelledAt,
		ReturnDeadline:   write.returnDeadline,
		ShipBackDeadline: write.shipBackDeadline,
		Now:              write.now,
	})
	if err != nil {
		return s.mapRepositoryError(err)
	}

	entry := domain.StatusHistoryEntry{
		ID:             historyIDPrefix + s.newID(),
		OrderID:        order.ID,
		PreviousStatus: order.Status,
		NewStatus:      write.target,
		ActorID:        write.actorID,
		Note:           write.note,
		CreatedAt:      write.now,
	}
	if entry.ActorID == "" {
		entry.ActorID = systemActorID
	}
	if err := s.history.Append(ctx, entry); err != nil {
		return s.mapRepositoryError(err)
	}

	order.Status = write.target
	order.UpdatedAt = write.now
	if write.paidAt != nil {
		order.PaidAt = write.paidAt
	}
	if write.shippedAt != nil {
		order.ShippedAt = write.shippedAt
	}
	if write.deliveredAt != nil {
		order.DeliveredAt = write.deliveredAt
	}
	if write.cancelledAt != nil {
		order.CancelledAt = write.cancelledAt
	}
	if write.returnDeadline != nil {
		order.ReturnDeadline = write.returnDeadline
	}
	if write.shipBackDeadline != nil {
		order.ShipBackDeadline = write.shipBackDeadline
	}
	return nil
}

// refundExecution describes one processor refund plus its credit note.
type refundExecution struct {
	recordID       string
	amount         int64
	scope          domain.RefundScope
	itemIDs        []string
	idempotencyKey string
	reason         string
	now            time.Time
}

// executeRefund calls the payment processor and records the credit note. A
// zero amount means "the full remaining refundable amount". The processor
// call happens inside the transaction on purpose: the row lock taken by the
// preceding read guarantees at most one concurrent caller reaches the
// processor, and a failure aborts the whole transition.
func (s *orderService) executeRefund(ctx context.Context, order domain.Order, exec refundExecution) (string, string, error) {
	if order.StripePaymentIntentID == nil || *order.StripePaymentIntentID == "" {
		return "", "", fmt.Errorf("%w: order has no payment reference", ErrRefundFailed)
	}

	amount := exec.amount
	if amount == 0 {
		refunded, err := s.refunds.SumByOrder(ctx, order.ID)
		if err != nil {
			return "", "", s.mapRepositoryError(err)
		}
		amount = order.TotalAmount - refunded
	}
	if amount <= 0 {
		// Everything was already refunded; nothing to send to the processor.
		return "", "", nil
	}

	refund, err := s.payments.CreateRefund(ctx, payments.RefundRequest{
		IntentID:       *order.StripePaymentIntentID,
		Amount:         &amount,
		Reason:         exec.reason,
		IdempotencyKey: exec.idempotencyKey,
		Metadata:       map[string]string{"order_id": order.ID},
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrRefundFailed, err)
	}
	// Pending settles asynchronously on the bank side and counts as success.
	if refund.Status == payments.StatusFailed {
		return "", "", fmt.Errorf("%w: processor returned status %q", ErrRefundFailed, refund.Status)
	}

	s.logger(ctx, "order.refund.executed", map[string]any{
		"order":          order.ID,
		"amount":         amount,
		"refund":         exec.recordID,
		"providerRefund": refund.ID,
	})

	record := domain.RefundRecord{
		ID:             exec.recordID,
		OrderID:        order.ID,
		Amount:         amount,
		Scope:          exec.scope,
		ItemIDs:        slices.Clone(exec.itemIDs),
		StripeRefundID: refund.ID,
		CreatedAt:      exec.now,
	}
	if err := s.refunds.Insert(ctx, record); err != nil {
		return "", "", s.mapRepositoryError(err)
	}
	return record.ID, refund.ID, nil
}

func (s *orderService) afterTransition(ctx context.Context, result TransitionResult, actorID string, template notifications.TemplateKind) {
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        result.Order.ID,
		OrderNumber:    result.Order.OrderNumber,
		PreviousStatus: string(result.PreviousStatus),
		CurrentStatus:  string(result.NewStatus),
		ActorID:        actorID,
		OccurredAt:     s.now(),
	})
	if template != "" {
		s.notify(ctx, result.Order, template)
	}
}

// notify dispatches after the transition committed; a delivery failure is
// logged and never propagated.
func (s *orderService) notify(ctx context.Context, order domain.Order, template notifications.TemplateKind) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Send(ctx, notifications.Message{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Recipient:   order.CustomerRef(),
		Template:    template,
		Data: map[string]string{
			"status": string(order.Status),
		},
	})
	if err != nil {
		s.logger(ctx, "order.notification.failed", map[string]any{
			"order":    order.ID,
			"template": string(template),
			"error":    err.Error(),
		})
	}
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func (s *orderService) withConflictRetry(ctx context.Context, fn func(ctx context.Context) (TransitionResult, error)) (TransitionResult, error) {
	var (
		result TransitionResult
		err    error
	)
	for attempt := 0; attempt < s.conflictRetries; attempt++ {
		result, err = fn(ctx)
		if err == nil || !errors.Is(err, ErrOrderConflict) {
			return result, err
		}
		s.logger(ctx, "order.transition.retry", map[string]any{
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
	}
	return result, err
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}
	return err
}

// refundIdempotencyKey derives the processor idempotency key from the
// operation's identity, not the attempt. A conflict retry or an admin
// re-submission of the same refund then reuses the key and the processor
// deduplicates instead of issuing a second refund.
func refundIdempotencyKey(orderID string, status domain.OrderStatus, itemIDs []string) string {
	ids := slices.Clone(itemIDs)
	slices.Sort(ids)
	parts := append([]string{"refund", orderID, string(status)}, ids...)
	return strings.Join(parts, ":")
}

func (s *orderService) generateOrderNumber(now time.Time) string {
	id := s.newID()
	if len(id) > 6 {
		id = id[len(id)-6:]
	}
	return fmt.Sprintf("MC-%04d-%s", now.Year(), strings.ToUpper(id))
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

// authorize implements the single owner-or-admin predicate used by every
// entry point.
func authorize(actor Actor, order domain.Order) error {
	if actor.Admin {
		return nil
	}
	if order.OwnedBy(actor.ID) {
		return nil
	}
	return fmt.Errorf("%w: actor %q does not own order %q", ErrForbidden, actor.ID, order.ID)
}

// selectItems validates that every requested id exists on the order and is
// eligible, returning the deduplicated ids.
func selectItems(items []domain.OrderItem, requested []string, eligible func(domain.OrderItem) bool) ([]string, error) {
	byID := make(map[string]domain.OrderItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	var selected []string
	for _, raw := range requested {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		item, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: item %q does not belong to the order", ErrOrderInvalidInput, id)
		}
		if !eligible(item) {
			return nil, fmt.Errorf("%w: item %q is not eligible", ErrOrderInvalidInput, id)
		}
		if !slices.Contains(selected, id) {
			selected = append(selected, id)
		}
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: no eligible items", ErrOrderInvalidInput)
	}
	return selected, nil
}

func itemReturnable(item domain.OrderItem) bool {
	return item.ReturnStatus == nil || *item.ReturnStatus == domain.ReturnStatusRejected
}

func itemRequested(item domain.OrderItem) bool {
	return item.ReturnStatus != nil && *item.ReturnStatus == domain.ReturnStatusRequested
}

func itemApproved(item domain.OrderItem) bool {
	return item.ReturnStatus != nil && *item.ReturnStatus == domain.ReturnStatusApproved
}

func allItemsApproved(items []domain.OrderItem) bool {
	for _, item := range items {
		if !itemApproved(item) {
			return false
		}
	}
	return true
}

func applyItemStatus(items []domain.OrderItem, itemIDs []string, status *domain.ReturnStatus) {
	for i := range items {
		if slices.Contains(itemIDs, items[i].ID) {
			items[i].ReturnStatus = status
		}
	}
}

func stockAdjustments(items []domain.OrderItem) []StockAdjustment {
	adjustments := make([]StockAdjustment, 0, len(items))
	for _, item := range items {
		adjustments = append(adjustments, StockAdjustment{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return adjustments
}

func noteOrDefault(note, fallback string) string {
	if trimmed := strings.TrimSpace(note); trimmed != "" {
		return trimmed
	}
	return fallback
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func valuePtr[T any](value T) *T {
	return &value
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
