package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/maplecart/api/internal/domain"
)

// StatusHistoryRepository stores the append-only transition audit trail.
type StatusHistoryRepository struct {
	pool *pgxpool.Pool
}

// NewStatusHistoryRepository wraps a connection pool.
func NewStatusHistoryRepository(pool *pgxpool.Pool) *StatusHistoryRepository {
	return &StatusHistoryRepository{pool: pool}
}

// Append inserts one history entry. Entries are never updated or deleted.
func (r *StatusHistoryRepository) Append(ctx context.Context, entry domain.StatusHistoryEntry) error {
	q := runner(ctx, r.pool)

	_, err := q.Exec(ctx, `
		INSERT INTO order_status_history (id, order_id, previous_status, new_status, actor_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.OrderID, entry.PreviousStatus, entry.NewStatus, entry.ActorID, entry.Note, entry.CreatedAt,
	)
	if err != nil {
		return unavailableError("append status history", err)
	}
	return nil
}

// ListByOrder returns the order's history oldest first.
func (r *StatusHistoryRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.StatusHistoryEntry, error) {
	q := runner(ctx, r.pool)

	rows, err := q.Query(ctx, `
		SELECT id, order_id, previous_status, new_status, actor_id, note, created_at
		FROM order_status_history
		WHERE order_id = $1
		ORDER BY created_at, id`,
		orderID,
	)
	if err != nil {
		return nil, unavailableError("list status history", err)
	}
	defer rows.Close()

	var entries []domain.StatusHistoryEntry
	for rows.Next() {
		var entry domain.StatusHistoryEntry
		if err := rows.Scan(&entry.ID, &entry.OrderID, &entry.PreviousStatus, &entry.NewStatus, &entry.ActorID, &entry.Note, &entry.CreatedAt); err != nil {
			return nil, unavailableError("scan status history", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailableError("list status history", err)
	}
	return entries, nil
}
