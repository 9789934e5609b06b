package services

import (
	"context"
	"errors"
	"fmt"

	domain "github.com/maplecart/api/internal/domain"
	"github.com/maplecart/api/internal/repositories"
)

var (
	// ErrStockInvalidInput signals the caller provided invalid data.
	ErrStockInvalidInput = errors.New("stock: invalid input")
	// ErrInsufficientStock indicates a deduction would drive a level negative.
	ErrInsufficientStock = errors.New("stock: insufficient stock")
	// ErrStockNotFound indicates the product has no stock record.
	ErrStockNotFound = errors.New("stock: not found")
)

// StockServiceDeps bundles collaborators for the stock service.
type StockServiceDeps struct {
	Stock  repositories.StockRepository
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type stockService struct {
	stock  repositories.StockRepository
	logger func(context.Context, string, map[string]any)
}

// NewStockService wires dependencies into a concrete StockService implementation.
func NewStockService(deps StockServiceDeps) (StockService, error) {
	if deps.Stock == nil {
		return nil, errors.New("stock service: stock repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &stockService{stock: deps.Stock, logger: logger}, nil
}

// Deduct removes the quantities for every adjustment. The sale behind a
// deduction was already captured, so a shortfall on one product is collected
// and reported instead of aborting the rest.
func (s *stockService) Deduct(ctx context.Context, orderID string, adjustments []StockAdjustment) ([]StockShortfall, error) {
	var shortfalls []StockShortfall
	for _, adjustment := range adjustments {
		if err := validateAdjustment(adjustment); err != nil {
			return nil, err
		}
		level, err := s.stock.Adjust(ctx, adjustment.ProductID, -adjustment.Quantity)
		if err != nil {
			var stockErr *repositories.StockError
			if errors.As(err, &stockErr) {
				available := 0
				if current, getErr := s.stock.Get(ctx, adjustment.ProductID); getErr == nil {
					available = current.Quantity
				}
				shortfalls = append(shortfalls, StockShortfall{
					ProductID: adjustment.ProductID,
					Requested: adjustment.Quantity,
					Available: available,
				})
				s.logger(ctx, "stock.deduct.shortfall", map[string]any{
					"order":     orderID,
					"product":   adjustment.ProductID,
					"requested": adjustment.Quantity,
					"available": available,
				})
				continue
			}
			return nil, err
		}
		s.logger(ctx, "stock.deducted", map[string]any{
			"order":     orderID,
			"product":   adjustment.ProductID,
			"quantity":  adjustment.Quantity,
			"remaining": level.Quantity,
		})
	}
	return shortfalls, nil
}

// Restore adds the quantities back. Used on cancellation and, when the
// approving admin chose so, on return approval.
func (s *stockService) Restore(ctx context.Context, orderID string, adjustments []StockAdjustment) error {
	for _, adjustment := range adjustments {
		if err := validateAdjustment(adjustment); err != nil {
			return err
		}
		level, err := s.stock.Adjust(ctx, adjustment.ProductID, adjustment.Quantity)
		if err != nil {
			return err
		}
		s.logger(ctx, "stock.restored", map[string]any{
			"order":    orderID,
			"product":  adjustment.ProductID,
			"quantity": adjustment.Quantity,
			"level":    level.Quantity,
		})
	}
	return nil
}

// Adjust applies a signed manual correction to one product's level.
func (s *stockService) Adjust(ctx context.Context, productID string, delta int) (domain.StockLevel, error) {
	if productID == "" {
		return domain.StockLevel{}, fmt.Errorf("%w: product id is required", ErrStockInvalidInput)
	}
	if delta == 0 {
		return domain.StockLevel{}, fmt.Errorf("%w: delta must be non-zero", ErrStockInvalidInput)
	}
	level, err := s.stock.Adjust(ctx, productID, delta)
	if err != nil {
		var stockErr *repositories.StockError
		if errors.As(err, &stockErr) {
			switch stockErr.Code {
			case repositories.StockErrorInsufficient:
				return domain.StockLevel{}, fmt.Errorf("%w: product %s", ErrInsufficientStock, productID)
			case repositories.StockErrorNotFound:
				return domain.StockLevel{}, fmt.Errorf("%w: %s", ErrStockNotFound, productID)
			}
		}
		return domain.StockLevel{}, err
	}
	s.logger(ctx, "stock.adjusted", map[string]any{
		"product": productID,
		"delta":   delta,
		"level":   level.Quantity,
	})
	return level, nil
}

func (s *stockService) Level(ctx context.Context, productID string) (domain.StockLevel, error) {
	if productID == "" {
		return domain.StockLevel{}, fmt.Errorf("%w: product id is required", ErrStockInvalidInput)
	}
	level, err := s.stock.Get(ctx, productID)
	if err != nil {
		var stockErr *repositories.StockError
		if errors.As(err, &stockErr) && stockErr.Code == repositories.StockErrorNotFound {
			return domain.StockLevel{}, fmt.Errorf("%w: %s", ErrStockNotFound, productID)
		}
		return domain.StockLevel{}, err
	}
	return level, nil
}

func validateAdjustment(adjustment StockAdjustment) error {
	if adjustment.ProductID == "" {
		return fmt.Errorf("%w: product id is required", ErrStockInvalidInput)
	}
	if adjustment.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrStockInvalidInput)
	}
	return nil
}
