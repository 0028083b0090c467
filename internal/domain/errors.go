package domain

import "fmt"

// InvalidQuantityError rejects a cart line with a non-positive quantity
// before any storage is touched.
type InvalidQuantityError struct {
	ProductID string
	Quantity  int
}

func (e InvalidQuantityError) Error() string {
	return fmt.Sprintf("invalid quantity %d for product %s", e.Quantity, e.ProductID)
}

// UnknownProductError rejects a cart line whose product does not exist or
// has been deactivated.
type UnknownProductError struct {
	ProductID string
}

func (e UnknownProductError) Error() string {
	return fmt.Sprintf("unknown or inactive product %s", e.ProductID)
}

// InsufficientStockError aborts a whole cart when one product's eligible
// batches cannot cover the requested quantity at planning time.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

// StalePlanError is returned when commit-time re-validation finds a planned
// batch no longer has the quantity the plan assumed. The caller should
// re-plan and retry.
type StalePlanError struct {
	BatchID   string
	ProductID string
	Requested int
	Available int
}

func (e StalePlanError) Error() string {
	return fmt.Sprintf("stale plan: batch %s (product %s) has %d on hand, plan needs %d", e.BatchID, e.ProductID, e.Available, e.Requested)
}

// PersistenceError wraps a storage failure. The commit it interrupted left
// no partial effect.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
