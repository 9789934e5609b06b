package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	domain "github.com/maplecart/api/internal/domain"
	"github.com/maplecart/api/internal/notifications"
	"github.com/maplecart/api/internal/payments"
	"github.com/maplecart/api/internal/repositories"
)

type stubOrderRepo struct {
	insertFn           func(context.Context, domain.Order) error
	findFn             func(context.Context, string) (domain.Order, error)
	findBySessionFn    func(context.Context, string) (domain.Order, error)
	listFn             func(context.Context, repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)
	updateStatusFn     func(context.Context, repositories.OrderStatusUpdate) error
	setPaymentRefsFn   func(context.Context, string, string, string) error
	updateItemStatusFn func(context.Context, string, []string, *domain.ReturnStatus) error
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, orderID)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepo) FindByCheckoutSession(ctx context.Context, sessionID string) (domain.Order, error) {
	if s.findBySessionFn != nil {
		return s.findBySessionFn(ctx, sessionID)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

func (s *stubOrderRepo) UpdateStatus(ctx context.Context, update repositories.OrderStatusUpdate) error {
	if s.updateStatusFn != nil {
		return s.updateStatusFn(ctx, update)
	}
	return nil
}

func (s *stubOrderRepo) SetPaymentReferences(ctx context.Context, orderID, paymentIntentID, checkoutSessionID string) error {
	if s.setPaymentRefsFn != nil {
		return s.setPaymentRefsFn(ctx, orderID, paymentIntentID, checkoutSessionID)
	}
	return nil
}

func (s *stubOrderRepo) UpdateItemReturnStatus(ctx context.Context, orderID string, itemIDs []string, status *domain.ReturnStatus) error {
	if s.updateItemStatusFn != nil {
		return s.updateItemStatusFn(ctx, orderID, itemIDs, status)
	}
	return nil
}

type stubHistoryRepo struct {
	appendFn func(context.Context, domain.StatusHistoryEntry) error
	listFn   func(context.Context, string) ([]domain.StatusHistoryEntry, error)
	entries  []domain.StatusHistoryEntry
}

func (s *stubHistoryRepo) Append(ctx context.Context, entry domain.StatusHistoryEntry) error {
	if s.appendFn != nil {
		return s.appendFn(ctx, entry)
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *stubHistoryRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.StatusHistoryEntry, error) {
	if s.listFn != nil {
		return s.listFn(ctx, orderID)
	}
	return s.entries, nil
}

type stubRefundRepo struct {
	insertFn func(context.Context, domain.RefundRecord) error
	sumFn    func(context.Context, string) (int64, error)
	listFn   func(context.Context, string) ([]domain.RefundRecord, error)
	records  []domain.RefundRecord
}

func (s *stubRefundRepo) Insert(ctx context.Context, record domain.RefundRecord) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, record)
	}
	s.records = append(s.records, record)
	return nil
}

func (s *stubRefundRepo) SumByOrder(ctx context.Context, orderID string) (int64, error) {
	if s.sumFn != nil {
		return s.sumFn(ctx, orderID)
	}
	var total int64
	for _, record := range s.records {
		if record.OrderID == orderID {
			total += record.Amount
		}
	}
	return total, nil
}

func (s *stubRefundRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.RefundRecord, error) {
	if s.listFn != nil {
		return s.listFn(ctx, orderID)
	}
	return s.records, nil
}

type stubStockService struct {
	deductFn  func(context.Context, string, []StockAdjustment) ([]StockShortfall, error)
	restoreFn func(context.Context, string, []StockAdjustment) error
	levelFn   func(context.Context, string) (domain.StockLevel, error)
	adjustFn  func(context.Context, string, int) (domain.StockLevel, error)
	restored  [][]StockAdjustment
	deducted  [][]StockAdjustment
}

func (s *stubStockService) Deduct(ctx context.Context, orderID string, adjustments []StockAdjustment) ([]StockShortfall, error) {
	if s.deductFn != nil {
		return s.deductFn(ctx, orderID, adjustments)
	}
	s.deducted = append(s.deducted, adjustments)
	return nil, nil
}

func (s *stubStockService) Restore(ctx context.Context, orderID string, adjustments []StockAdjustment) error {
	if s.restoreFn != nil {
		return s.restoreFn(ctx, orderID, adjustments)
	}
	s.restored = append(s.restored, adjustments)
	return nil
}

func (s *stubStockService) Level(ctx context.Context, productID string) (domain.StockLevel, error) {
	if s.levelFn != nil {
		return s.levelFn(ctx, productID)
	}
	return domain.StockLevel{}, errors.New("not implemented")
}

func (s *stubStockService) Adjust(ctx context.Context, productID string, delta int) (domain.StockLevel, error) {
	if s.adjustFn != nil {
		return s.adjustFn(ctx, productID, delta)
	}
	return domain.StockLevel{}, errors.New("not implemented")
}

type stubPaymentProvider struct {
	createRefundFn func(context.Context, payments.RefundRequest) (payments.Refund, error)
	lookupFn       func(context.Context, payments.LookupRequest) (payments.PaymentDetails, error)
	refundCalls    []payments.RefundRequest
}

func (s *stubPaymentProvider) CreateRefund(ctx context.Context, req payments.RefundRequest) (payments.Refund, error) {
	s.refundCalls = append(s.refundCalls, req)
	if s.createRefundFn != nil {
		return s.createRefundFn(ctx, req)
	}
	return payments.Refund{ID: "re_stub", Status: payments.StatusSucceeded}, nil
}

func (s *stubPaymentProvider) LookupPayment(ctx context.Context, req payments.LookupRequest) (payments.PaymentDetails, error) {
	if s.lookupFn != nil {
		return s.lookupFn(ctx, req)
	}
	return payments.PaymentDetails{}, errors.New("not implemented")
}

type stubNotifier struct {
	sendFn func(context.Context, notifications.Message) error
	sent   []notifications.Message
}

func (s *stubNotifier) Send(ctx context.Context, msg notifications.Message) error {
	s.sent = append(s.sent, msg)
	if s.sendFn != nil {
		return s.sendFn(ctx, msg)
	}
	return nil
}

type stubPublisher struct {
	publishFn func(context.Context, OrderEvent) error
	events    []OrderEvent
}

func (s *stubPublisher) PublishOrderEvent(ctx context.Context, event OrderEvent) error {
	s.events = append(s.events, event)
	if s.publishFn != nil {
		return s.publishFn(ctx, event)
	}
	return nil
}

type stubRepoError struct {
	notFound bool
	conflict bool
}

func (e *stubRepoError) Error() string       { return "stub repository error" }
func (e *stubRepoError) IsNotFound() bool    { return e.notFound }
func (e *stubRepoError) IsConflict() bool    { return e.conflict }
func (e *stubRepoError) IsUnavailable() bool { return !e.notFound && !e.conflict }

// rollbackUnitOfWork mimics the transactional repositories: writes made by a
// failed attempt are discarded, so a conflict retry starts from clean state.
type rollbackUnitOfWork struct {
	refunds *stubRefundRepo
	history *stubHistoryRepo
}

func (u *rollbackUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	refunds := slices.Clone(u.refunds.records)
	entries := slices.Clone(u.history.entries)
	if err := fn(ctx); err != nil {
		u.refunds.records = refunds
		u.history.entries = entries
		return err
	}
	return nil
}

type orderServiceFixture struct {
	orders   *stubOrderRepo
	history  *stubHistoryRepo
	refunds  *stubRefundRepo
	stock    *stubStockService
	provider *stubPaymentProvider
	notifier *stubNotifier
	events   *stubPublisher
	now      time.Time
	service  OrderService
}

func newOrderServiceFixture(t *testing.T) *orderServiceFixture {
	t.Helper()
	f := &orderServiceFixture{
		orders:   &stubOrderRepo{},
		history:  &stubHistoryRepo{},
		refunds:  &stubRefundRepo{},
		stock:    &stubStockService{},
		provider: &stubPaymentProvider{},
		notifier: &stubNotifier{},
		events:   &stubPublisher{},
		now:      time.Date(2025, time.April, 1, 12, 0, 0, 0, time.UTC),
	}
	counter := 0
	service, err := NewOrderService(OrderServiceDeps{
		Orders:     f.orders,
		History:    f.history,
		Refunds:    f.refunds,
		Stock:      f.stock,
		Payments:   f.provider,
		Notifier:   f.notifier,
		Events:     f.events,
		UnitOfWork: &rollbackUnitOfWork{refunds: f.refunds, history: f.history},
		Clock:      func() time.Time { return f.now },
		IDGenerator: func() string {
			counter++
			return fmt.Sprintf("TESTID%06d", counter)
		},
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	f.service = service
	return f
}

func paidTestOrder() domain.Order {
	userID := "usr_1"
	intent := "pi_123"
	paidAt := time.Date(2025, time.March, 30, 9, 0, 0, 0, time.UTC)
	return domain.Order{
		ID:                    "ord_1",
		OrderNumber:           "MC-2025-AAAAAA",
		Status:                domain.OrderStatusPaid,
		Currency:              "USD",
		TotalAmount:           5000,
		UserID:                &userID,
		StripePaymentIntentID: &intent,
		PaidAt:                &paidAt,
		Items: []domain.OrderItem{
			{ID: "oit_1", OrderID: "ord_1", ProductID: "prd_1", Quantity: 2, PriceAtPurchase: 1500},
			{ID: "oit_2", OrderID: "ord_1", ProductID: "prd_2", Quantity: 1, PriceAtPurchase: 2000},
		},
	}
}

func TestCreateOrderComputesTotal(t *testing.T) {
	f := newOrderServiceFixture(t)

	var inserted domain.Order
	f.orders.insertFn = func(_ context.Context, order domain.Order) error {
		inserted = order
		return nil
	}

	order, err := f.service.CreateOrder(context.Background(), CreateOrderCommand{
		Actor:          Actor{ID: "usr_1"},
		UserID:         "usr_1",
		Currency:       "usd",
		DiscountAmount: 500,
		Items: []CreateOrderItem{
			{ProductID: "prd_1", ProductName: "Mug", Quantity: 2, PriceAtPurchase: 1500},
			{ProductID: "prd_2", ProductName: "Plate", Quantity: 1, PriceAtPurchase: 2500},
		},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.TotalAmount != 5000 {
		t.Fatalf("expected total 5000, got %d", order.TotalAmount)
	}
	if order.Status != domain.OrderStatusAwaitingPayment {
		t.Fatalf("unexpected status %q", order.Status)
	}
	if order.Currency != "USD" {
		t.Fatalf("currency not normalised: %q", order.Currency)
	}
	if inserted.ID != order.ID || len(inserted.Items) != 2 {
		t.Fatalf("insert payload mismatch: %+v", inserted)
	}
	if len(f.events.events) != 1 || f.events.events[0].Type != orderEventCreated {
		t.Fatalf("expected created event, got %+v", f.events.events)
	}
}

func TestCreateOrderRejectsAmbiguousCustomer(t *testing.T) {
	f := newOrderServiceFixture(t)

	_, err := f.service.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:     "usr_1",
		GuestEmail: "guest@example.com",
		Currency:   "USD",
		Items:      []CreateOrderItem{{ProductID: "prd_1", Quantity: 1, PriceAtPurchase: 100}},
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestGetOrderForbiddenForOtherCustomer(t *testing.T) {
	f := newOrderServiceFixture(t)
	order := paidTestOrder()
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	if _, err := f.service.GetOrder(context.Background(), Actor{ID: "usr_other"}, order.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.service.GetOrder(context.Background(), Actor{ID: "staff", Admin: true}, order.ID); err != nil {
		t.Fatalf("admin read failed: %v", err)
	}
}

func TestListOrdersForcesCustomerScope(t *testing.T) {
	f := newOrderServiceFixture(t)

	var captured repositories.OrderListFilter
	f.orders.listFn = func(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
		captured = filter
		return domain.CursorPage[domain.Order]{}, nil
	}

	_, err := f.service.ListOrders(context.Background(), OrderListQuery{
		Actor:       Actor{ID: "usr_1"},
		CustomerRef: "usr_someone_else",
	})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if captured.CustomerRef != "usr_1" {
		t.Fatalf("customer scope not enforced: %q", captured.CustomerRef)
	}
}

func TestConfirmPaymentTransitionsToPaid(t *testing.T) {
	f := newOrderServiceFixture(t)

	order := paidTestOrder()
	order.Status = domain.OrderStatusAwaitingPayment
	order.StripePaymentIntentID = nil
	order.PaidAt = nil
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	var update repositories.OrderStatusUpdate
	f.orders.updateStatusFn = func(_ context.Context, u repositories.OrderStatusUpdate) error {
		update = u
		return nil
	}

	result, err := f.service.ConfirmPayment(context.Background(), ConfirmPaymentCommand{
		OrderID:         order.ID,
		PaymentIntentID: "pi_123",
		CheckoutSession: "cs_123",
	})
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if result.NewStatus != domain.OrderStatusPaid || result.NoOp {
		t.Fatalf("unexpected result %+v", result)
	}
	if update.ExpectedStatus != domain.OrderStatusAwaitingPayment || update.NewStatus != domain.OrderStatusPaid {
		t.Fatalf("conditional update mismatch: %+v", update)
	}
	if update.PaidAt == nil {
		t.Fatal("paid_at not stamped")
	}
	if len(f.history.entries) != 1 || f.history.entries[0].NewStatus != domain.OrderStatusPaid {
		t.Fatalf("history entry missing: %+v", f.history.entries)
	}
}

func TestConfirmPaymentDuplicateIsNoOp(t *testing.T) {
	f := newOrderServiceFixture(t)
	order := paidTestOrder()
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	updates := 0
	f.orders.updateStatusFn = func(context.Context, repositories.OrderStatusUpdate) error {
		updates++
		return nil
	}

	result, err := f.service.ConfirmPayment(context.Background(), ConfirmPaymentCommand{OrderID: order.ID})
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if !result.NoOp || result.NewStatus != domain.OrderStatusPaid {
		t.Fatalf("expected no-op, got %+v", result)
	}
	if updates != 0 {
		t.Fatalf("expected no status write, got %d", updates)
	}
}

func TestCancelPaidOrderRefundsFullAmountFirst(t *testing.T) {
	f := newOrderServiceFixture(t)
	order := paidTestOrder()
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	result, err := f.service.Cancel(context.Background(), CancelOrderCommand{
		Actor:   Actor{ID: "usr_1"},
		OrderID: order.ID,
	})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if result.NewStatus != domain.OrderStatusCancelled {
		t.Fatalf("unexpected status %q", result.NewStatus)
	}
	if len(f.provider.refundCalls) != 1 {
		t.Fatalf("expected one refund call, got %d", len(f.provider.refundCalls))
	}
	call := f.provider.refundCalls[0]
	if call.Amount == nil || *call.Amount != 5000 {
		t.Fatalf("expected full 5000 refund, got %+v", call.Amount)
	}
	if call.IntentID != "pi_123" {
		t.Fatalf("unexpected intent %q", call.IntentID)
	}
	if len(f.refunds.records) != 1 || f.refunds.records[0].Scope != domain.RefundScopeFull {
		t.Fatalf("refund record mismatch: %+v", f.refunds.records)
	}
	if result.RefundID == "" || result.ProviderRefundID != "re_stub" {
		t.Fatalf("refund ids missing from result: %+v", result)
	}
	if len(f.stock.restored) != 1 || len(f.stock.restored[0]) != 2 {
		t.Fatalf("stock not restored for both items: %+v", f.stock.restored)
	}
	if len(f.notifier.sent) != 1 || f.notifier.sent[0].Template != notifications.TemplateOrderCancelled {
		t.Fatalf("cancellation notification missing: %+v", f.notifier.sent)
	}
}

func TestCancelAbortsWhenRefundFails(t *testing.T) {
	f := newOrderServiceFixture(t)
	order := paidTestOrder()
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }
	f.provider.createRefundFn = func(context.Context, payments.RefundRequest) (payments.Refund, error) {
		return payments.Refund{}, errors.New("processor unavailable")
	}

	statusWrites := 0
	f.orders.updateStatusFn = func(context.Context, repositories.OrderStatusUpdate) error {
		statusWrites++
		return nil
	}

	_, err := f.service.Cancel(context.Background(), CancelOrderCommand{
		Actor:   Actor{ID: "usr_1"},
		OrderID: order.ID,
	})
	if !errors.Is(err, ErrRefundFailed) {
		t.Fatalf("expected ErrRefundFailed, got %v", err)
	}
	if statusWrites != 0 {
		t.Fatal("status must not change when the refund fails")
	}
	if len(f.refunds.records) != 0 {
		t.Fatal("no refund record may exist for a failed refund")
	}
	if len(f.stock.restored) != 0 {
		t.Fatal("stock must not be restored when the refund fails")
	}
}

func TestCancelTreatsPendingRefundAsSuccess(t *testing.T) {
	f := newOrderServiceFixture(t)
	order := paidTestOrder()
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }
	f.provider.createRefundFn = func(context.Context, payments.RefundRequest) (payments.Refund, error) {
		return payments.Refund{ID: "re_pending", Status: payments.StatusPending}, nil
	}

	result, err := f.service.Cancel(context.Background(), CancelOrderCommand{
		Actor:   Actor{ID: "usr_1"},
		OrderID: order.ID,
	})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if result.ProviderRefundID != "re_pending" {
		t.Fatalf("unexpected provider refund id %q", result.ProviderRefundID)
	}
}

func TestCancelAwaitingPaymentSkipsRefund(t *testing.T) {
	f := newOrderServiceFixture(t)
	order := paidTestOrder()
	order.Status = domain.OrderStatusAwaitingPayment
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	result, err := f.service.Cancel(context.Background(), CancelOrderCommand{
		Actor:   Actor{ID: "usr_1"},
		OrderID: order.ID,
	})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if result.NewStatus != domain.OrderStatusCancelled {
		t.Fatalf("unexpected status %q", result.NewStatus)
	}
	if len(f.provider.refundCalls) != 0 {
		t.Fatal("no refund may be issued before payment")
	}
	if len(f.stock.restored) != 0 {
		t.Fatal("no stock restore before payment deducted anything")
	}
}

func TestCancelShippedOrderRejected(t *testing.T) {
	f := newOrderServiceFixture(t)
	order := paidTestOrder()
	order.Status = domain.OrderStatusShipped
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	_, err := f.service.Cancel(context.Background(), CancelOrderCommand{
		Actor:   Actor{ID: "usr_1"},
		OrderID: order.ID,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancelLosingRaceSurfacesConflict(t *testing.T) {
	f := newOrderServiceFixture(t)
	order := paidTestOrder()
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }
	f.orders.updateStatusFn = func(context.Context, repositories.OrderStatusUpdate) error {
		return &stubRepoError{conflict: true}
	}

	_, err := f.service.Cancel(context.Background(), CancelOrderCommand{
		Actor:   Actor{ID: "usr_1"},
		OrderID: order.ID,
	})
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected ErrOrderConflict, got %v", err)
	}
	// The bounded retry re-ran the whole transaction each time.
	if len(f.provider.refundCalls) != defaultConflictRetries {
		t.Fatalf("expected %d attempts, got %d", defaultConflictRetries, len(f.provider.refundCalls))
	}
	// Every attempt reused the same processor idempotency key, so the
	// processor would have issued at most one actual refund.
	for _, call := range f.provider.refundCalls {
		if call.IdempotencyKey != f.provider.refundCalls[0].IdempotencyKey {
			t.Fatalf("idempotency key changed between attempts: %+v", f.provider.refundCalls)
		}
	}
	if len(f.refunds.records) != 0 {
		t.Fatalf("failed attempts must not leave refund records, got %+v", f.refunds.records)
	}
}

func TestCancelAlreadyCancelledRejected(t *testing.T) {
	f := newOrderServiceFixture(t)
	order := paidTestOrder()
	order.Status = domain.OrderStatusCancelled
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	_, err := f.service.Cancel(context.Background(), CancelOrderCommand{
		Actor:   Actor{ID: "usr_1"},
		OrderID: order.ID,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if len(f.provider.refundCalls) != 0 {
		t.Fatal("an already-cancelled order must not reach the processor")
	}
}

func TestCancelRaceLoserGetsInvalidTransition(t *testing.T) {
	f := newOrderServiceFixture(t)

	// The first attempt loses the conditional update; the re-read then
	// finds the order cancelled by the winner.
	cancelled := false
	f.orders.findFn = func(context.Context, string) (domain.Order, error) {
		order := paidTestOrder()
		if cancelled {
			order.Status = domain.OrderStatusCancelled
		}
		return order, nil
	}
	f.orders.updateStatusFn = func(context.Context, repositories.OrderStatusUpdate) error {
		cancelled = true
		return &stubRepoError{conflict: true}
	}

	result, err := f.service.Cancel(context.Background(), CancelOrderCommand{
		Actor:   Actor{ID: "usr_1"},
		OrderID: "ord_1",
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for the loser, got %v (%+v)", err, result)
	}
	if len(f.provider.refundCalls) != 1 {
		t.Fatalf("expected a single processor call, got %d", len(f.provider.refundCalls))
	}
}

func TestMarkShippedRequiresAdmin(t *testing.T) {
	f := newOrderServiceFixture(t)

	_, err := f.service.MarkShipped(context.Background(), MarkShippedCommand{
		Actor:   Actor{ID: "usr_1"},
		OrderID: "ord_1",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestMarkDeliveredStampsReturnDeadline(t *testing.T) {
	f := newOrderServiceFixture(t)
	order := paidTestOrder()
	order.Status = domain.OrderStatusShipped
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	var update repositories.OrderStatusUpdate
	f.orders.updateStatusFn = func(_ context.Context, u repositories.OrderStatusUpdate) error {
		update = u
		return nil
	}

	result, err := f.service.MarkDelivered(context.Background(), MarkDeliveredCommand{
		Actor:   Actor{ID: "staff", Admin: true},
		OrderID: order.ID,
	})
	if err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if result.NewStatus != domain.OrderStatusDelivered {
		t.Fatalf("unexpected status %q", result.NewStatus)
	}
	if update.DeliveredAt == nil || !update.DeliveredAt.Equal(f.now) {
		t.Fatalf("delivered_at mismatch: %+v", update.DeliveredAt)
	}
	wantDeadline := f.now.Add(defaultReturnRequestWindow)
	if update.ReturnDeadline == nil || !update.ReturnDeadline.Equal(wantDeadline) {
		t.Fatalf("return deadline mismatch: %+v", update.ReturnDeadline)
	}
}

func TestRequestReturnBoundary(t *testing.T) {
	f := newOrderServiceFixture(t)
	order := paidTestOrder()
	order.Status = domain.OrderStatusDelivered
	deadline := time.Date(2025, time.April, 1, 12, 0, 0, 0, time.UTC)
	order.ReturnDeadline = &deadline
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	// Exactly at the deadline is still inside the window.
	f.now = deadline
	result, err := f.service.RequestReturn(context.Background(), RequestReturnCommand{
		Actor:   Actor{ID: "usr_1"},
		OrderID: order.ID,
		ItemIDs: []string{"oit_1"},
	})
	if err != nil {
		t.Fatalf("RequestReturn at deadline: %v", err)
	}
	if result.NewStatus != domain.OrderStatusReturnRequested {
		t.Fatalf("unexpected status %q", result.NewStatus)
	}

	// One second past the deadline is rejected.
	f.now = deadline.Add(time.Second)
	_, err = f.service.RequestReturn(context.Background(), RequestReturnCommand{
		Actor:   Actor{ID: "usr_1"},
		OrderID: order.ID,
		ItemIDs: []string{"oit_1"},
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition past deadline, got %v", err)
	}
}

func TestRequestReturnRejectsForeignItem(t *testing.T) {
	f := newOrderServiceFixture(t)
	order := paidTestOrder()
	order.Status = domain.OrderStatusDelivered
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	_, err := f.service.RequestReturn(context.Background(), RequestReturnCommand{
		Actor:   Actor{ID: "usr_1"},
		OrderID: order.ID,
		ItemIDs: []string{"oit_unknown"},
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestRequestReturnAcceptsRejectedItemAgain(t *testing.T) {
	f := newOrderServiceFixture(t)

	approved := domain.ReturnStatusApproved
	rejected := domain.ReturnStatusRejected
	order := paidTestOrder()
	order.Status = domain.OrderStatusPartiallyReturned
	order.Items[0].ReturnStatus = &rejected
	order.Items[1].ReturnStatus = &approved
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	result, err := f.service.RequestReturn(context.Background(), RequestReturnCommand{
		Actor:   Actor{ID: "usr_1"},
		OrderID: order.ID,
		ItemIDs: []string{"oit_1"},
	})
	if err != nil {
		t.Fatalf("RequestReturn: %v", err)
	}
	if result.NewStatus != domain.OrderStatusReturnRequested {
		t.Fatalf("expected return_requested, got %q", result.NewStatus)
	}
	if len(result.AffectedItemIDs) != 1 || result.AffectedItemIDs[0] != "oit_1" {
		t.Fatalf("expected the rejected item to be requestable, got %v", result.AffectedItemIDs)
	}
}

func TestApproveReturnSubsetRestoresStockForApprovedOnly(t *testing.T) {
	f := newOrderServiceFixture(t)

	requested := domain.ReturnStatusRequested
	order := paidTestOrder()
	order.Status = domain.OrderStatusReturnRequested
	order.Items = []domain.OrderItem{
		{ID: "oit_1", OrderID: order.ID, ProductID: "prd_1", Quantity: 2, PriceAtPurchase: 1000, ReturnStatus: &requested},
		{ID: "oit_2", OrderID: order.ID, ProductID: "prd_2", Quantity: 1, PriceAtPurchase: 1500, ReturnStatus: &requested},
		{ID: "oit_3", OrderID: order.ID, ProductID: "prd_3", Quantity: 1, PriceAtPurchase: 1500, ReturnStatus: &requested},
	}
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	var updatedIDs []string
	var updatedStatus *domain.ReturnStatus
	f.orders.updateItemStatusFn = func(_ context.Context, _ string, itemIDs []string, status *domain.ReturnStatus) error {
		updatedIDs = itemIDs
		updatedStatus = status
		return nil
	}

	result, err := f.service.ApproveReturn(context.Background(), ApproveReturnCommand{
		Actor:        Actor{ID: "staff", Admin: true},
		OrderID:      order.ID,
		ItemIDs:      []string{"oit_1", "oit_2"},
		RestoreStock: true,
	})
	if err != nil {
		t.Fatalf("ApproveReturn: %v", err)
	}
	if result.NewStatus != domain.OrderStatusPartiallyReturned {
		t.Fatalf("expected partially_returned, got %q", result.NewStatus)
	}
	if len(updatedIDs) != 2 || updatedStatus == nil || *updatedStatus != domain.ReturnStatusApproved {
		t.Fatalf("item status update mismatch: %v %v", updatedIDs, updatedStatus)
	}
	if len(f.stock.restored) != 1 || len(f.stock.restored[0]) != 2 {
		t.Fatalf("expected restore for the two approved items, got %+v", f.stock.restored)
	}
	for _, adjustment := range f.stock.restored[0] {
		if adjustment.ProductID == "prd_3" {
			t.Fatal("unapproved item must not be restocked")
		}
	}
	if result.Order.ShipBackDeadline == nil || !result.Order.ShipBackDeadline.Equal(f.now.Add(defaultShipBackWindow)) {
		t.Fatalf("ship-back deadline mismatch: %+v", result.Order.ShipBackDeadline)
	}
}

func TestApproveReturnAllItemsMovesToReturned(t *testing.T) {
	f := newOrderServiceFixture(t)

	requested := domain.ReturnStatusRequested
	order := paidTestOrder()
	order.Status = domain.OrderStatusReturnRequested
	for i := range order.Items {
		order.Items[i].ReturnStatus = &requested
	}
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	result, err := f.service.ApproveReturn(context.Background(), ApproveReturnCommand{
		Actor:   Actor{ID: "staff", Admin: true},
		OrderID: order.ID,
		ItemIDs: []string{"oit_1", "oit_2"},
	})
	if err != nil {
		t.Fatalf("ApproveReturn: %v", err)
	}
	if result.NewStatus != domain.OrderStatusReturned {
		t.Fatalf("expected returned, got %q", result.NewStatus)
	}
	if len(f.stock.restored) != 0 {
		t.Fatal("restore_stock was not requested")
	}
}

func TestApproveReturnNarrowsFullyReturnedOrder(t *testing.T) {
	f := newOrderServiceFixture(t)

	approved := domain.ReturnStatusApproved
	order := paidTestOrder()
	order.Status = domain.OrderStatusReturned
	for i := range order.Items {
		order.Items[i].ReturnStatus = &approved
	}
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	var updatedIDs []string
	var updatedStatus *domain.ReturnStatus
	f.orders.updateItemStatusFn = func(_ context.Context, _ string, itemIDs []string, status *domain.ReturnStatus) error {
		updatedIDs = itemIDs
		updatedStatus = status
		return nil
	}

	result, err := f.service.ApproveReturn(context.Background(), ApproveReturnCommand{
		Actor:   Actor{ID: "staff", Admin: true},
		OrderID: order.ID,
		ItemIDs: []string{"oit_1"},
	})
	if err != nil {
		t.Fatalf("ApproveReturn: %v", err)
	}
	if result.NewStatus != domain.OrderStatusPartiallyReturned {
		t.Fatalf("expected partially_returned, got %q", result.NewStatus)
	}
	if len(updatedIDs) != 1 || updatedIDs[0] != "oit_2" {
		t.Fatalf("expected the excluded item to be rejected, got %v", updatedIDs)
	}
	if updatedStatus == nil || *updatedStatus != domain.ReturnStatusRejected {
		t.Fatalf("expected rejected status, got %v", updatedStatus)
	}
	if len(result.AffectedItemIDs) != 1 || result.AffectedItemIDs[0] != "oit_1" {
		t.Fatalf("expected oit_1 to stay approved, got %v", result.AffectedItemIDs)
	}
}

func TestApproveReturnNarrowToFullSetIsNoOp(t *testing.T) {
	f := newOrderServiceFixture(t)

	approved := domain.ReturnStatusApproved
	order := paidTestOrder()
	order.Status = domain.OrderStatusReturned
	for i := range order.Items {
		order.Items[i].ReturnStatus = &approved
	}
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	result, err := f.service.ApproveReturn(context.Background(), ApproveReturnCommand{
		Actor:   Actor{ID: "staff", Admin: true},
		OrderID: order.ID,
		ItemIDs: []string{"oit_1", "oit_2"},
	})
	if err != nil {
		t.Fatalf("ApproveReturn: %v", err)
	}
	if !result.NoOp || result.NewStatus != domain.OrderStatusReturned {
		t.Fatalf("expected a no-op on the full set, got %+v", result)
	}
	if len(f.history.entries) != 0 {
		t.Fatalf("a no-op must not write history, got %+v", f.history.entries)
	}
}

func TestRejectReturnClearsOnlyPendingItems(t *testing.T) {
	f := newOrderServiceFixture(t)

	requested := domain.ReturnStatusRequested
	approved := domain.ReturnStatusApproved
	order := paidTestOrder()
	order.Status = domain.OrderStatusReturnRequested
	order.Items = []domain.OrderItem{
		{ID: "oit_1", OrderID: order.ID, ProductID: "prd_1", Quantity: 1, PriceAtPurchase: 1000, ReturnStatus: &requested},
		{ID: "oit_2", OrderID: order.ID, ProductID: "prd_2", Quantity: 1, PriceAtPurchase: 1000, ReturnStatus: &approved},
	}
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	var clearedIDs []string
	var clearedStatus *domain.ReturnStatus = &requested
	f.orders.updateItemStatusFn = func(_ context.Context, _ string, itemIDs []string, status *domain.ReturnStatus) error {
		clearedIDs = itemIDs
		clearedStatus = status
		return nil
	}

	result, err := f.service.RejectReturn(context.Background(), RejectReturnCommand{
		Actor:   Actor{ID: "staff", Admin: true},
		OrderID: order.ID,
	})
	if err != nil {
		t.Fatalf("RejectReturn: %v", err)
	}
	if result.NewStatus != domain.OrderStatusDelivered {
		t.Fatalf("expected delivered, got %q", result.NewStatus)
	}
	if len(clearedIDs) != 1 || clearedIDs[0] != "oit_1" {
		t.Fatalf("only the pending item should be cleared, got %v", clearedIDs)
	}
	if clearedStatus != nil {
		t.Fatalf("expected nil status to clear, got %v", *clearedStatus)
	}
}

func TestRefundOverrideExceedingEligibleFailsBeforeProcessorCall(t *testing.T) {
	f := newOrderServiceFixture(t)

	order := paidTestOrder()
	order.Status = domain.OrderStatusReturned
	approved := domain.ReturnStatusApproved
	for i := range order.Items {
		order.Items[i].ReturnStatus = &approved
	}
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	override := int64(6000)
	_, err := f.service.Refund(context.Background(), RefundCommand{
		Actor:          Actor{ID: "staff", Admin: true},
		OrderID:        order.ID,
		AmountOverride: &override,
	})
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	if len(f.provider.refundCalls) != 0 {
		t.Fatal("the processor must not be called on an amount mismatch")
	}
}

func TestRefundAccountsForPriorPartialRefunds(t *testing.T) {
	f := newOrderServiceFixture(t)

	order := paidTestOrder()
	order.Status = domain.OrderStatusReturned
	approved := domain.ReturnStatusApproved
	for i := range order.Items {
		order.Items[i].ReturnStatus = &approved
	}
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }
	f.refunds.records = []domain.RefundRecord{
		{ID: "rfn_prior", OrderID: order.ID, Amount: 2000, Scope: domain.RefundScopePartial},
	}

	result, err := f.service.Refund(context.Background(), RefundCommand{
		Actor:   Actor{ID: "staff", Admin: true},
		OrderID: order.ID,
	})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if result.NewStatus != domain.OrderStatusRefunded {
		t.Fatalf("expected refunded, got %q", result.NewStatus)
	}
	call := f.provider.refundCalls[0]
	if call.Amount == nil || *call.Amount != 3000 {
		t.Fatalf("expected remaining 3000, got %+v", call.Amount)
	}

	var total int64
	for _, record := range f.refunds.records {
		total += record.Amount
	}
	if total > order.TotalAmount {
		t.Fatalf("refund total %d exceeds order total %d", total, order.TotalAmount)
	}
}

func TestRefundItemSubsetUsesLineTotals(t *testing.T) {
	f := newOrderServiceFixture(t)

	approved := domain.ReturnStatusApproved
	order := paidTestOrder()
	order.Status = domain.OrderStatusPartiallyReturned
	order.Items[0].ReturnStatus = &approved
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	result, err := f.service.Refund(context.Background(), RefundCommand{
		Actor:   Actor{ID: "staff", Admin: true},
		OrderID: order.ID,
		ItemIDs: []string{"oit_1"},
	})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if result.NewStatus != domain.OrderStatusPartiallyRefunded {
		t.Fatalf("expected partially_refunded, got %q", result.NewStatus)
	}
	call := f.provider.refundCalls[0]
	if call.Amount == nil || *call.Amount != 3000 {
		t.Fatalf("expected line total 3000 for oit_1, got %+v", call.Amount)
	}
	if f.refunds.records[0].Scope != domain.RefundScopePartial {
		t.Fatalf("expected partial scope, got %q", f.refunds.records[0].Scope)
	}
}

func TestRefundWithoutItemsOnPartialReturnCoversApprovedOnly(t *testing.T) {
	f := newOrderServiceFixture(t)

	approved := domain.ReturnStatusApproved
	order := paidTestOrder()
	order.Status = domain.OrderStatusPartiallyReturned
	order.Items[1].ReturnStatus = &approved
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	result, err := f.service.Refund(context.Background(), RefundCommand{
		Actor:   Actor{ID: "staff", Admin: true},
		OrderID: order.ID,
	})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if result.NewStatus != domain.OrderStatusPartiallyRefunded {
		t.Fatalf("expected partially_refunded, got %q", result.NewStatus)
	}
	// Only oit_2's line total is refundable, never the whole order total.
	call := f.provider.refundCalls[0]
	if call.Amount == nil || *call.Amount != 2000 {
		t.Fatalf("expected approved line total 2000, got %+v", call.Amount)
	}
	if len(result.AffectedItemIDs) != 1 || result.AffectedItemIDs[0] != "oit_2" {
		t.Fatalf("expected the approved item only, got %v", result.AffectedItemIDs)
	}
}

func TestRefundRetryReusesIdempotencyKey(t *testing.T) {
	f := newOrderServiceFixture(t)

	approved := domain.ReturnStatusApproved
	order := paidTestOrder()
	order.Status = domain.OrderStatusReturned
	for i := range order.Items {
		order.Items[i].ReturnStatus = &approved
	}
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }
	f.orders.updateStatusFn = func(context.Context, repositories.OrderStatusUpdate) error {
		return &stubRepoError{conflict: true}
	}

	_, err := f.service.Refund(context.Background(), RefundCommand{
		Actor:   Actor{ID: "staff", Admin: true},
		OrderID: order.ID,
	})
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected ErrOrderConflict, got %v", err)
	}
	if len(f.provider.refundCalls) != defaultConflictRetries {
		t.Fatalf("expected %d attempts, got %d", defaultConflictRetries, len(f.provider.refundCalls))
	}
	// The key derives from the order, its status, and the item set, so the
	// processor collapses the retries into one refund.
	want := f.provider.refundCalls[0].IdempotencyKey
	for _, call := range f.provider.refundCalls {
		if call.IdempotencyKey != want {
			t.Fatalf("idempotency key changed between attempts: %+v", f.provider.refundCalls)
		}
	}
	if len(f.refunds.records) != 0 {
		t.Fatalf("failed attempts must not leave refund records, got %+v", f.refunds.records)
	}
}

func TestRefundRequiresReturnedState(t *testing.T) {
	f := newOrderServiceFixture(t)
	order := paidTestOrder()
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	_, err := f.service.Refund(context.Background(), RefundCommand{
		Actor:   Actor{ID: "staff", Admin: true},
		OrderID: order.ID,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRecordStockAlertAppendsHistory(t *testing.T) {
	f := newOrderServiceFixture(t)
	order := paidTestOrder()
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	if err := f.service.RecordStockAlert(context.Background(), order.ID, "prd_1", 2); err != nil {
		t.Fatalf("RecordStockAlert: %v", err)
	}
	if len(f.history.entries) != 1 {
		t.Fatalf("expected one history entry, got %d", len(f.history.entries))
	}
	entry := f.history.entries[0]
	if entry.PreviousStatus != order.Status || entry.NewStatus != order.Status {
		t.Fatalf("alert entry must not change status: %+v", entry)
	}
	if entry.ActorID != systemActorID {
		t.Fatalf("unexpected actor %q", entry.ActorID)
	}
}

func TestOrderNotFoundMapped(t *testing.T) {
	f := newOrderServiceFixture(t)
	f.orders.findFn = func(context.Context, string) (domain.Order, error) {
		return domain.Order{}, &stubRepoError{notFound: true}
	}

	_, err := f.service.GetOrder(context.Background(), Actor{ID: "usr_1"}, "ord_missing")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}
