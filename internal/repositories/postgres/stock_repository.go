package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/maplecart/api/internal/domain"
	"github.com/maplecart/api/internal/repositories"
)

// StockRepository mutates stock levels with atomic conditional writes.
type StockRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStockRepository wraps a connection pool.
func NewStockRepository(pool *pgxpool.Pool) *StockRepository {
	return &StockRepository{pool: pool, now: time.Now}
}

// Adjust applies delta atomically. A deduction that would drive the level
// negative changes nothing and returns StockErrorInsufficient. A positive
// delta upserts the row so restocks work for products never counted before.
func (r *StockRepository) Adjust(ctx context.Context, productID string, delta int) (domain.StockLevel, error) {
	q := runner(ctx, r.pool)
	now := r.now().UTC()

	var level domain.StockLevel
	if delta >= 0 {
		err := q.QueryRow(ctx, `
			INSERT INTO stock_levels (product_id, quantity, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (product_id)
			DO UPDATE SET quantity = stock_levels.quantity + $2, updated_at = $3
			RETURNING product_id, quantity, updated_at`,
			productID, delta, now,
		).Scan(&level.ProductID, &level.Quantity, &level.UpdatedAt)
		if err != nil {
			return domain.StockLevel{}, unavailableError("adjust stock", err)
		}
		return level, nil
	}

	// The WHERE guard makes insufficient deductions no-ops at the database
	// level, so concurrent deductions can never oversell.
	err := q.QueryRow(ctx, `
		UPDATE stock_levels
		SET quantity = quantity + $1, updated_at = $2
		WHERE product_id = $3 AND quantity + $1 >= 0
		RETURNING product_id, quantity, updated_at`,
		delta, now, productID,
	).Scan(&level.ProductID, &level.Quantity, &level.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.Get(ctx, productID); getErr != nil {
			return domain.StockLevel{}, getErr
		}
		return domain.StockLevel{}, &repositories.StockError{
			Code:    repositories.StockErrorInsufficient,
			Message: "insufficient stock for " + productID,
		}
	}
	if err != nil {
		return domain.StockLevel{}, unavailableError("adjust stock", err)
	}
	return level, nil
}

// Get returns the current stock level for a product.
func (r *StockRepository) Get(ctx context.Context, productID string) (domain.StockLevel, error) {
	q := runner(ctx, r.pool)

	var level domain.StockLevel
	err := q.QueryRow(ctx, `
		SELECT product_id, quantity, updated_at FROM stock_levels WHERE product_id = $1`,
		productID,
	).Scan(&level.ProductID, &level.Quantity, &level.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StockLevel{}, &repositories.StockError{
			Code:    repositories.StockErrorNotFound,
			Message: "no stock row for " + productID,
		}
	}
	if err != nil {
		return domain.StockLevel{}, unavailableError("get stock", err)
	}
	return level, nil
}
