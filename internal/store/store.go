package store

import (
	"context"
	"errors"
	"time"

	"farmapos/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrDuplicateReceipt  = errors.New("duplicate receipt number")
	ErrOrderNotOpen      = errors.New("purchase order is not open")
)

// Repository is the persistence boundary. Batch quantities are mutated only
// through DecrementBatch, CommitSale, and the receipt operations; reads
// return defensive copies.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, id string, update domain.ProductUpdateRequest) (*domain.Product, error)

	CreateBatch(ctx context.Context, batch domain.InventoryBatch) (*domain.InventoryBatch, error)
	ListBatches(ctx context.Context, productID string) ([]domain.InventoryBatch, error)
	// ListEligibleBatches returns active batches with stock that have not
	// expired as of the given date, nearest expiry first, batches without an
	// expiry last, ties by receipt order. Best-effort snapshot: callers must
	// not assume the quantities still hold at commit time.
	ListEligibleBatches(ctx context.Context, productID string, asOf time.Time) ([]domain.InventoryBatch, error)
	// DecrementBatch reduces a batch's on-hand quantity only if the current
	// quantity covers the amount, otherwise it fails with
	// ErrInsufficientStock. Linearizable per batch.
	DecrementBatch(ctx context.Context, batchID string, amount int) error
	ListBatchesExpiringBefore(ctx context.Context, cutoff time.Time) ([]domain.InventoryBatch, error)

	// CommitSale atomically re-validates every line's batch quantity,
	// applies the decrements, and persists the sale. On any failure nothing
	// is persisted and no decrement survives. A now-insufficient batch
	// yields domain.StalePlanError; a reused receipt number yields
	// ErrDuplicateReceipt.
	CommitSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	GetSaleByReceipt(ctx context.Context, receiptNumber string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)

	CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error)
	ListSuppliers(ctx context.Context) ([]domain.Supplier, error)
	CreatePurchaseOrder(ctx context.Context, order domain.PurchaseOrder) (*domain.PurchaseOrder, error)
	GetPurchaseOrder(ctx context.Context, id string) (*domain.PurchaseOrder, error)
	ListPurchaseOrders(ctx context.Context) ([]domain.PurchaseOrder, error)
	// ReceivePurchaseOrder marks an open order received and creates the
	// supplied batches in the same unit of work. A non-open order fails with
	// ErrOrderNotOpen, so receiving twice cannot double stock.
	ReceivePurchaseOrder(ctx context.Context, id string, receivedAt time.Time, batches []domain.InventoryBatch) (*domain.PurchaseOrder, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error

	AppendAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)

	ListLowStockProducts(ctx context.Context) ([]domain.LowStockProduct, error)
}
