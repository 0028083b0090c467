package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/store"
)

var ErrEmptyCart = errors.New("cart is empty")

// ProductSource resolves catalog products for cart validation.
type ProductSource interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
}

// BatchSource supplies the eligible-batch snapshot a plan is built from.
// The snapshot is best-effort; the committer re-validates at commit time.
type BatchSource interface {
	ListEligibleBatches(ctx context.Context, productID string, asOf time.Time) ([]domain.InventoryBatch, error)
}

// Planner turns a cart into a complete, priced allocation plan, or fails
// the whole cart.
type Planner struct {
	products ProductSource
	batches  BatchSource
}

func NewPlanner(products ProductSource, batches BatchSource) *Planner {
	return &Planner{products: products, batches: batches}
}

func (p *Planner) BuildPlan(ctx context.Context, lines []domain.CartLine, asOf time.Time) (domain.SalePlan, error) {
	coalesced, err := CoalesceLines(lines)
	if err != nil {
		return domain.SalePlan{}, err
	}

	plan := domain.SalePlan{AsOf: asOf}
	total := decimal.Zero
	for _, line := range coalesced {
		product, err := p.products.GetProduct(ctx, line.ProductID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.SalePlan{}, domain.UnknownProductError{ProductID: line.ProductID}
			}
			return domain.SalePlan{}, fmt.Errorf("lookup product %s: %w", line.ProductID, err)
		}
		if !product.Active {
			return domain.SalePlan{}, domain.UnknownProductError{ProductID: line.ProductID}
		}

		batches, err := p.batches.ListEligibleBatches(ctx, line.ProductID, asOf)
		if err != nil {
			return domain.SalePlan{}, fmt.Errorf("list batches for %s: %w", line.ProductID, err)
		}

		segments, err := Allocate(batches, line.Quantity)
		if err != nil {
			var shortfall *ShortfallError
			if errors.As(err, &shortfall) {
				return domain.SalePlan{}, domain.InsufficientStockError{
					ProductID: line.ProductID,
					Requested: shortfall.Requested,
					Available: shortfall.Available,
				}
			}
			return domain.SalePlan{}, err
		}

		for _, seg := range segments {
			total = total.Add(seg.UnitPrice.Mul(decimal.NewFromInt(int64(seg.Quantity))))
		}
		plan.Lines = append(plan.Lines, domain.ProductAllocation{
			ProductID: line.ProductID,
			Requested: line.Quantity,
			Segments:  segments,
		})
	}

	plan.AuthoritativeTotal = total
	plan.EstimatedTotal = EstimateTotal(lines)
	return plan, nil
}

// CoalesceLines merges duplicate product lines into one requested quantity,
// preserving first-seen order. Allocating duplicates independently would
// double-count batches.
func CoalesceLines(lines []domain.CartLine) ([]domain.CartLine, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}

	merged := make([]domain.CartLine, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.ProductID == "" {
			return nil, domain.UnknownProductError{ProductID: line.ProductID}
		}
		if line.Quantity <= 0 {
			return nil, domain.InvalidQuantityError{ProductID: line.ProductID, Quantity: line.Quantity}
		}
		if at, ok := index[line.ProductID]; ok {
			merged[at].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, line)
	}
	return merged, nil
}

// EstimateTotal sums the terminal's optimistic line prices. Advisory only;
// it may legitimately differ from the batch-derived total.
func EstimateTotal(lines []domain.CartLine) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		total = total.Add(line.UnitPriceEstimate.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	return total
}
