package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/maplecart/api/internal/domain"
	"github.com/maplecart/api/internal/notifications"
	"github.com/maplecart/api/internal/platform/idempotency"
	"github.com/maplecart/api/internal/repositories"
)

// ErrReconciliationInvalidEvent signals a processor event missing required fields.
var ErrReconciliationInvalidEvent = errors.New("reconciliation: invalid event")

const defaultEventDedupTTL = 48 * time.Hour

// ReconciliationServiceDeps bundles collaborators for webhook reconciliation.
type ReconciliationServiceDeps struct {
	Orders       OrderService
	OrderLookups repositories.OrderRepository
	Stock        StockService
	Dedup        idempotency.Store
	Notifier     notifications.Notifier
	Events       OrderEventPublisher
	Clock        func() time.Time
	Logger       func(ctx context.Context, event string, fields map[string]any)
	DedupTTL     time.Duration
}

type reconciliationService struct {
	orders   OrderService
	lookups  repositories.OrderRepository
	stock    StockService
	dedup    idempotency.Store
	notifier notifications.Notifier
	events   OrderEventPublisher
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
	dedupTTL time.Duration
}

// NewReconciliationService wires dependencies into a concrete ReconciliationService.
func NewReconciliationService(deps ReconciliationServiceDeps) (ReconciliationService, error) {
	if deps.Orders == nil {
		return nil, errors.New("reconciliation service: order service is required")
	}
	if deps.OrderLookups == nil {
		return nil, errors.New("reconciliation service: order repository is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("reconciliation service: stock service is required")
	}

	dedup := deps.Dedup
	if dedup == nil {
		dedup = idempotency.NewMemoryStore()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	ttl := deps.DedupTTL
	if ttl <= 0 {
		ttl = defaultEventDedupTTL
	}

	return &reconciliationService{
		orders:   deps.Orders,
		lookups:  deps.OrderLookups,
		stock:    deps.Stock,
		dedup:    dedup,
		notifier: deps.Notifier,
		events:   deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger:   logger,
		dedupTTL: ttl,
	}, nil
}

// HandlePaymentConfirmed applies a "checkout completed" processor event. The
// delivery contract is at-least-once; the effect is exactly-once through the
// event-id dedup store plus the status precondition on the transition.
func (s *reconciliationService) HandlePaymentConfirmed(ctx context.Context, event PaymentConfirmedEvent) (TransitionResult, error) {
	eventID := strings.TrimSpace(event.EventID)
	if eventID == "" {
		return TransitionResult{}, fmt.Errorf("%w: event id is required", ErrReconciliationInvalidEvent)
	}
	if strings.TrimSpace(event.OrderID) == "" && strings.TrimSpace(event.CheckoutSession) == "" {
		return TransitionResult{}, fmt.Errorf("%w: order reference is required", ErrReconciliationInvalidEvent)
	}

	fresh, err := s.dedup.MarkIfNew(ctx, eventID, s.dedupTTL)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("reconciliation: dedup store: %w", err)
	}
	if !fresh {
		s.logger(ctx, "reconciliation.event.duplicate", map[string]any{"event": eventID})
		return TransitionResult{NoOp: true}, nil
	}

	order, err := s.resolveOrder(ctx, event)
	if err != nil {
		s.releaseEvent(ctx, eventID)
		return TransitionResult{}, err
	}

	s.logger(ctx, "reconciliation.payment.confirmed.received", map[string]any{
		"event":         eventID,
		"order":         order.ID,
		"paymentIntent": event.PaymentIntentID,
		"amount":        event.AmountTotal,
	})

	// The charge was already captured processor-side; an amount discrepancy
	// is flagged for manual review rather than blocking confirmation.
	if event.AmountTotal > 0 && event.AmountTotal != order.TotalAmount {
		s.logger(ctx, "reconciliation.amount.mismatch", map[string]any{
			"event":    eventID,
			"order":    order.ID,
			"expected": order.TotalAmount,
			"received": event.AmountTotal,
		})
	}

	result, err := s.orders.ConfirmPayment(ctx, ConfirmPaymentCommand{
		OrderID:         order.ID,
		PaymentIntentID: event.PaymentIntentID,
		CheckoutSession: event.CheckoutSession,
		ActorID:         systemActorID,
	})
	if err != nil {
		s.releaseEvent(ctx, eventID)
		return TransitionResult{}, err
	}
	if result.NoOp {
		s.logger(ctx, "reconciliation.payment.already.applied", map[string]any{
			"event":  eventID,
			"order":  order.ID,
			"status": string(result.NewStatus),
		})
		return result, nil
	}

	shortfalls, err := s.stock.Deduct(ctx, order.ID, stockAdjustments(result.Order.Items))
	if err != nil {
		return TransitionResult{}, err
	}
	for _, shortfall := range shortfalls {
		if alertErr := s.orders.RecordStockAlert(ctx, order.ID, shortfall.ProductID, shortfall.Requested-shortfall.Available); alertErr != nil {
			s.logger(ctx, "reconciliation.stock.alert.failed", map[string]any{
				"order":   order.ID,
				"product": shortfall.ProductID,
				"error":   alertErr.Error(),
			})
		}
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        result.Order.ID,
		OrderNumber:    result.Order.OrderNumber,
		PreviousStatus: string(result.PreviousStatus),
		CurrentStatus:  string(result.NewStatus),
		ActorID:        systemActorID,
		OccurredAt:     s.clock(),
	})
	s.notifyConfirmation(ctx, result.Order)

	return result, nil
}

// releaseEvent frees the dedup slot when the event's effects did not apply,
// so a redelivery of the same event id gets a fresh attempt. ConfirmPayment's
// status precondition keeps a true concurrent duplicate from applying twice.
func (s *reconciliationService) releaseEvent(ctx context.Context, eventID string) {
	if err := s.dedup.Release(ctx, eventID); err != nil {
		s.logger(ctx, "reconciliation.event.release.failed", map[string]any{
			"event": eventID,
			"error": err.Error(),
		})
	}
}

func (s *reconciliationService) resolveOrder(ctx context.Context, event PaymentConfirmedEvent) (domain.Order, error) {
	if orderID := strings.TrimSpace(event.OrderID); orderID != "" {
		order, err := s.lookups.FindByID(ctx, orderID)
		if err != nil {
			return domain.Order{}, s.mapRepositoryError(err)
		}
		return order, nil
	}
	order, err := s.lookups.FindByCheckoutSession(ctx, strings.TrimSpace(event.CheckoutSession))
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

// notifyConfirmation runs after the payment confirmation committed; failures
// are logged, never propagated.
func (s *reconciliationService) notifyConfirmation(ctx context.Context, order domain.Order) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Send(ctx, notifications.Message{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Recipient:   order.CustomerRef(),
		Template:    notifications.TemplateOrderConfirmed,
		Data: map[string]string{
			"status": string(order.Status),
		},
	})
	if err != nil {
		s.logger(ctx, "reconciliation.notification.failed", map[string]any{
			"order": order.ID,
			"error": err.Error(),
		})
	}
}

func (s *reconciliationService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "reconciliation.event.publish.failed", map[string]any{
			"type":  event.Type,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}

func (s *reconciliationService) mapRepositoryError(err error) error {
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
			return fmt.Errorf("reconciliation: repository unavailable: %w", err)
		}
	}
	return err
}
