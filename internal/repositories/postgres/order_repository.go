package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/maplecart/api/internal/domain"
	"github.com/maplecart/api/internal/platform/pagination"
	"github.com/maplecart/api/internal/repositories"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

const orderColumns = `id, order_number, status, currency, total_amount, discount_amount, coupon_id,
	user_id, guest_email, shipping_address, stripe_payment_intent_id, stripe_checkout_session_id,
	created_at, updated_at, paid_at, shipped_at, delivered_at, cancelled_at, return_deadline, ship_back_deadline`

// OrderRepository persists orders and line items in Postgres.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository wraps a connection pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Insert stores the order and its items atomically.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	q := runner(ctx, r.pool)

	address, err := marshalAddress(order.ShippingAddress)
	if err != nil {
		return unavailableError("insert order: marshal address", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		order.ID, order.OrderNumber, order.Status, order.Currency,
		order.TotalAmount, order.DiscountAmount, order.CouponID,
		order.UserID, order.GuestEmail, address,
		order.StripePaymentIntentID, order.StripeCheckoutSessionID,
		order.CreatedAt, order.UpdatedAt, order.PaidAt, order.ShippedAt,
		order.DeliveredAt, order.CancelledAt, order.ReturnDeadline, order.ShipBackDeadline,
	)
	if err != nil {
		return unavailableError("insert order", err)
	}

	for _, item := range order.Items {
		_, err = q.Exec(ctx, `
			INSERT INTO order_items (id, order_id, product_id, product_name, quantity, price_at_purchase, return_status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			item.ID, order.ID, item.ProductID, item.ProductName, item.Quantity, item.PriceAtPurchase, item.ReturnStatus,
		)
		if err != nil {
			return unavailableError("insert order item", err)
		}
	}
	return nil
}

// FindByID loads an order with its items. Inside a transaction the order row
// is read with FOR UPDATE so concurrent transitions serialize.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if inTx(ctx) {
		query += ` FOR UPDATE`
	}
	return r.findOne(ctx, query, orderID)
}

// FindByCheckoutSession loads the order created for a checkout session.
func (r *OrderRepository) FindByCheckoutSession(ctx context.Context, sessionID string) (domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE stripe_checkout_session_id = $1`
	if inTx(ctx) {
		query += ` FOR UPDATE`
	}
	return r.findOne(ctx, query, sessionID)
}

func (r *OrderRepository) findOne(ctx context.Context, query string, arg any) (domain.Order, error) {
	q := runner(ctx, r.pool)

	row := q.QueryRow(ctx, query, arg)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, notFoundError("order not found")
		}
		return domain.Order{}, unavailableError("find order", err)
	}

	items, err := r.loadItems(ctx, q, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items
	return order, nil
}

// List returns orders newest first with an opaque cursor for the next page.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	q := runner(ctx, r.pool)

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	var (
		clauses []string
		args    []any
	)
	addArg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.CustomerRef != "" {
		ref := addArg(filter.CustomerRef)
		clauses = append(clauses, fmt.Sprintf("(user_id = %s OR guest_email = %s)", ref, ref))
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, status := range filter.Status {
			statuses = append(statuses, string(status))
		}
		clauses = append(clauses, fmt.Sprintf("status = ANY(%s)", addArg(statuses)))
	}
	if filter.DateRange.From != nil {
		clauses = append(clauses, fmt.Sprintf("created_at >= %s", addArg(*filter.DateRange.From)))
	}
	if filter.DateRange.To != nil {
		clauses = append(clauses, fmt.Sprintf("created_at <= %s", addArg(*filter.DateRange.To)))
	}
	if cursor.ID != "" {
		clauses = append(clauses, fmt.Sprintf("(created_at, id) < (%s, %s)", addArg(cursor.CreatedAt), addArg(cursor.ID)))
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT %s", addArg(pageSize+1))

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, unavailableError("list orders", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, unavailableError("scan order", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return domain.CursorPage[domain.Order]{}, unavailableError("list orders", err)
	}

	var nextToken string
	if len(orders) > pageSize {
		orders = orders[:pageSize]
		last := orders[len(orders)-1]
		nextToken, err = pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, unavailableError("encode page token", err)
		}
	}

	for i := range orders {
		items, err := r.loadItems(ctx, q, orders[i].ID)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		orders[i].Items = items
	}

	return domain.CursorPage[domain.Order]{Items: orders, NextPageToken: nextToken}, nil
}

// UpdateStatus applies a conditional status write. When the stored status no
// longer matches the expected one, nothing changes and a conflict is returned.
func (r *OrderRepository) UpdateStatus(ctx context.Context, update repositories.OrderStatusUpdate) error {
	q := runner(ctx, r.pool)

	tag, err := q.Exec(ctx, `
		UPDATE orders SET
			status = $1,
			updated_at = $2,
			paid_at = COALESCE($3, paid_at),
			shipped_at = COALESCE($4, shipped_at),
			delivered_at = COALESCE($5, delivered_at),
			cancelled_at = COALESCE($6, cancelled_at),
			return_deadline = COALESCE($7, return_deadline),
			ship_back_deadline = COALESCE($8, ship_back_deadline)
		WHERE id = $9 AND status = $10`,
		update.NewStatus, update.Now,
		update.PaidAt, update.ShippedAt, update.DeliveredAt, update.CancelledAt,
		update.ReturnDeadline, update.ShipBackDeadline,
		update.OrderID, update.ExpectedStatus,
	)
	if err != nil {
		return unavailableError("update order status", err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := q.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, update.OrderID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return notFoundError("order not found")
		}
		if err != nil {
			return unavailableError("update order status", err)
		}
		return conflictError(fmt.Sprintf("order status changed concurrently (now %s)", current))
	}
	return nil
}

// SetPaymentReferences records the processor identifiers on the order.
func (r *OrderRepository) SetPaymentReferences(ctx context.Context, orderID string, paymentIntentID, checkoutSessionID string) error {
	q := runner(ctx, r.pool)

	tag, err := q.Exec(ctx, `
		UPDATE orders SET
			stripe_payment_intent_id = NULLIF($1, ''),
			stripe_checkout_session_id = NULLIF($2, '')
		WHERE id = $3`,
		paymentIntentID, checkoutSessionID, orderID,
	)
	if err != nil {
		return unavailableError("set payment references", err)
	}
	if tag.RowsAffected() == 0 {
		return notFoundError("order not found")
	}
	return nil
}

// UpdateItemReturnStatus sets the return status on the given items; nil clears it.
func (r *OrderRepository) UpdateItemReturnStatus(ctx context.Context, orderID string, itemIDs []string, status *domain.ReturnStatus) error {
	if len(itemIDs) == 0 {
		return nil
	}
	q := runner(ctx, r.pool)

	tag, err := q.Exec(ctx, `
		UPDATE order_items SET return_status = $1
		WHERE order_id = $2 AND id = ANY($3)`,
		status, orderID, itemIDs,
	)
	if err != nil {
		return unavailableError("update item return status", err)
	}
	if tag.RowsAffected() != int64(len(itemIDs)) {
		return notFoundError("one or more order items not found")
	}
	return nil
}

func (r *OrderRepository) loadItems(ctx context.Context, q querier, orderID string) ([]domain.OrderItem, error) {
	rows, err := q.Query(ctx, `
		SELECT id, order_id, product_id, product_name, quantity, price_at_purchase, return_status
		FROM order_items
		WHERE order_id = $1
		ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, unavailableError("load order items", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductName, &item.Quantity, &item.PriceAtPurchase, &item.ReturnStatus); err != nil {
			return nil, unavailableError("scan order item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailableError("load order items", err)
	}
	return items, nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		order   domain.Order
		address []byte
	)
	err := row.Scan(
		&order.ID, &order.OrderNumber, &order.Status, &order.Currency,
		&order.TotalAmount, &order.DiscountAmount, &order.CouponID,
		&order.UserID, &order.GuestEmail, &address,
		&order.StripePaymentIntentID, &order.StripeCheckoutSessionID,
		&order.CreatedAt, &order.UpdatedAt, &order.PaidAt, &order.ShippedAt,
		&order.DeliveredAt, &order.CancelledAt, &order.ReturnDeadline, &order.ShipBackDeadline,
	)
	if err != nil {
		return domain.Order{}, err
	}
	if len(address) > 0 {
		var parsed domain.Address
		if err := json.Unmarshal(address, &parsed); err != nil {
			return domain.Order{}, fmt.Errorf("unmarshal shipping address: %w", err)
		}
		order.ShippingAddress = &parsed
	}
	return order, nil
}

func marshalAddress(address *domain.Address) ([]byte, error) {
	if address == nil {
		return nil, nil
	}
	return json.Marshal(address)
}
