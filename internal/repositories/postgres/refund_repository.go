package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/maplecart/api/internal/domain"
)

// RefundRepository stores immutable refund records.
type RefundRepository struct {
	pool *pgxpool.Pool
}

// NewRefundRepository wraps a connection pool.
func NewRefundRepository(pool *pgxpool.Pool) *RefundRepository {
	return &RefundRepository{pool: pool}
}

// Insert stores one refund record.
func (r *RefundRepository) Insert(ctx context.Context, record domain.RefundRecord) error {
	q := runner(ctx, r.pool)

	_, err := q.Exec(ctx, `
		INSERT INTO refunds (id, order_id, amount, scope, item_ids, stripe_refund_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ID, record.OrderID, record.Amount, record.Scope, record.ItemIDs, record.StripeRefundID, record.CreatedAt,
	)
	if err != nil {
		return unavailableError("insert refund", err)
	}
	return nil
}

// SumByOrder returns the total amount already refunded for the order.
func (r *RefundRepository) SumByOrder(ctx context.Context, orderID string) (int64, error) {
	q := runner(ctx, r.pool)

	var total int64
	err := q.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM refunds WHERE order_id = $1`, orderID).Scan(&total)
	if err != nil {
		return 0, unavailableError("sum refunds", err)
	}
	return total, nil
}

// ListByOrder returns the order's refunds oldest first.
func (r *RefundRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.RefundRecord, error) {
	q := runner(ctx, r.pool)

	rows, err := q.Query(ctx, `
		SELECT id, order_id, amount, scope, item_ids, stripe_refund_id, created_at
		FROM refunds
		WHERE order_id = $1
		ORDER BY created_at, id`,
		orderID,
	)
	if err != nil {
		return nil, unavailableError("list refunds", err)
	}
	defer rows.Close()

	var records []domain.RefundRecord
	for rows.Next() {
		var record domain.RefundRecord
		if err := rows.Scan(&record.ID, &record.OrderID, &record.Amount, &record.Scope, &record.ItemIDs, &record.StripeRefundID, &record.CreatedAt); err != nil {
			return nil, unavailableError("scan refund", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailableError("list refunds", err)
	}
	return records, nil
}
