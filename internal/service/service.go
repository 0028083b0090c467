package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"farmapos/backend/internal/allocation"
	"farmapos/backend/internal/cache"
	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/store"
	"farmapos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

var (
	ErrCashierRequired = errors.New("authenticated cashier required")
	ErrAdminRequired   = errors.New("admin role required")
	ErrValidation      = errors.New("invalid input")
)

const (
	catalogCacheKey = "catalog:products"
	catalogCacheTTL = 5 * time.Minute

	// A receipt-number collision is vanishingly rare but cheap to retry.
	maxReceiptAttempts = 3
)

type Service struct {
	repo    store.Repository
	planner *allocation.Planner
	catalog cache.CatalogCache
}

func New(repo store.Repository, catalog cache.CatalogCache) *Service {
	if catalog == nil {
		catalog = cache.NoopCatalogCache{}
	}

	return &Service{
		repo:    repo,
		planner: allocation.NewPlanner(repo, repo),
		catalog: catalog,
	}
}

// PlanSale builds an allocation plan without committing anything. Terminals
// use it to preview the authoritative total before the cashier confirms.
func (s *Service) PlanSale(ctx context.Context, lines []domain.CartLine) (domain.SalePlan, error) {
	return s.planner.BuildPlan(ctx, lines, time.Now().UTC())
}

// Checkout turns a cart into a committed sale. The plan is built from a
// best-effort snapshot, so a commit that loses a race to a concurrent
// checkout is re-planned once; a second stale result is returned to the
// caller. A failed checkout never leaves a partial decrement behind.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.CheckoutResponse{}, ErrCashierRequired
	}

	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if method == "" {
		method = domain.PaymentMethodCash
	}
	if !isSupportedPaymentMethod(method) {
		return domain.CheckoutResponse{}, fmt.Errorf("unsupported payment method %q: %w", req.PaymentMethod, ErrValidation)
	}
	if req.Discount.IsNegative() {
		return domain.CheckoutResponse{}, fmt.Errorf("discount must not be negative: %w", ErrValidation)
	}

	meta := domain.SaleMeta{
		Cashier:         actor.Username,
		PaymentMethod:   method,
		CustomerEmail:   strings.TrimSpace(req.CustomerEmail),
		PrescriptionRef: strings.TrimSpace(req.PrescriptionRef),
		Discount:        req.Discount,
	}

	now := time.Now().UTC()
	plan, err := s.planner.BuildPlan(ctx, req.Lines, now)
	if err != nil {
		s.logAudit(ctx, "checkout_aborted", "sale", "", fmt.Sprintf("state=%s reason=%v", domain.CheckoutStateAborted, err))
		return domain.CheckoutResponse{}, err
	}

	sale, err := s.commitPlan(ctx, plan, meta, now)
	if err != nil {
		var stale domain.StalePlanError
		if errors.As(err, &stale) {
			plan, err = s.planner.BuildPlan(ctx, req.Lines, now)
			if err == nil {
				sale, err = s.commitPlan(ctx, plan, meta, now)
			}
		}
	}
	if err != nil {
		s.logAudit(ctx, "checkout_aborted", "sale", "", fmt.Sprintf("state=%s reason=%v", domain.CheckoutStateAborted, err))
		return domain.CheckoutResponse{}, err
	}

	s.logAudit(ctx, "checkout_committed", "sale", sale.ID,
		fmt.Sprintf("state=%s receipt=%s total=%s items=%d", domain.CheckoutStateCommitted, sale.ReceiptNumber, sale.TotalAmount.String(), len(sale.Lines)))

	return domain.CheckoutResponse{
		Sale:            *sale,
		EstimatedTotal:  plan.EstimatedTotal,
		EstimateDiffers: !plan.EstimatedTotal.Equal(plan.AuthoritativeTotal),
	}, nil
}

// commitPlan materializes the plan into a sale record and applies it.
// Receipt-number collisions get a fresh number and another attempt; every
// other storage failure is wrapped as a persistence error.
func (s *Service) commitPlan(ctx context.Context, plan domain.SalePlan, meta domain.SaleMeta, now time.Time) (*domain.Sale, error) {
	var lastErr error
	for attempt := 0; attempt < maxReceiptAttempts; attempt++ {
		candidate := saleFromPlan(plan, meta, now)
		sale, err := s.repo.CommitSale(ctx, candidate)
		if err == nil {
			return sale, nil
		}
		if errors.Is(err, store.ErrDuplicateReceipt) {
			lastErr = err
			continue
		}
		var stale domain.StalePlanError
		if errors.As(err, &stale) {
			return nil, stale
		}
		return nil, &domain.PersistenceError{Op: "commit sale", Err: err}
	}
	return nil, &domain.PersistenceError{Op: "commit sale", Err: lastErr}
}

func saleFromPlan(plan domain.SalePlan, meta domain.SaleMeta, now time.Time) domain.Sale {
	lines := make([]domain.SaleLine, 0, len(plan.Lines))
	for _, group := range plan.Lines {
		for _, seg := range group.Segments {
			lines = append(lines, domain.SaleLine{
				ID:        xid.New("sln"),
				ProductID: group.ProductID,
				BatchID:   seg.BatchID,
				Quantity:  seg.Quantity,
				UnitPrice: seg.UnitPrice,
				LineTotal: seg.UnitPrice.Mul(decimal.NewFromInt(int64(seg.Quantity))),
			})
		}
	}

	total := plan.AuthoritativeTotal.Sub(meta.Discount)
	if total.IsNegative() {
		total = decimal.Zero
	}

	return domain.Sale{
		ID:              xid.New("sale"),
		ReceiptNumber:   xid.Receipt(now),
		Cashier:         meta.Cashier,
		PaymentMethod:   meta.PaymentMethod,
		CustomerEmail:   meta.CustomerEmail,
		PrescriptionRef: meta.PrescriptionRef,
		Discount:        meta.Discount,
		TotalAmount:     total,
		Lines:           lines,
		SoldAt:          now,
	}
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	sale, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) GetSaleByReceipt(ctx context.Context, receiptNumber string) (domain.Sale, error) {
	sale, err := s.repo.GetSaleByReceipt(ctx, strings.TrimSpace(receiptNumber))
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	return s.repo.ListSales(ctx, filter)
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	if products, ok, err := s.catalog.Get(ctx, catalogCacheKey); err == nil && ok {
		return products, nil
	}

	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.catalog.Set(ctx, catalogCacheKey, products, catalogCacheTTL); err != nil {
		log.Printf("[service] WARN: failed to cache product catalog: %v", err)
	}
	return products, nil
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	req.Unit = strings.TrimSpace(req.Unit)
	if req.Name == "" || req.Category == "" {
		return domain.Product{}, fmt.Errorf("product name and category are required: %w", ErrValidation)
	}
	if req.MinimumStock < 0 {
		return domain.Product{}, fmt.Errorf("minimum stock must not be negative: %w", ErrValidation)
	}

	product := domain.Product{
		ID:           xid.New("prd"),
		Name:         req.Name,
		Category:     req.Category,
		Unit:         req.Unit,
		MinimumStock: req.MinimumStock,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.invalidateCatalog(ctx)
	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("name=%s,category=%s", created.Name, created.Category))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, store.ErrNotFound
	}

	updated, err := s.repo.UpdateProduct(ctx, id, req)
	if err != nil {
		return domain.Product{}, err
	}

	s.invalidateCatalog(ctx)
	s.logAudit(ctx, "product_update", "product", updated.ID, fmt.Sprintf("active=%t", updated.Active))
	return *updated, nil
}

// ReceiveBatch records a manual stock receipt as a new inventory batch.
func (s *Service) ReceiveBatch(ctx context.Context, req domain.BatchReceiptRequest) (domain.InventoryBatch, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.InventoryBatch{}, err
	}

	if req.Quantity <= 0 {
		return domain.InventoryBatch{}, domain.InvalidQuantityError{ProductID: req.ProductID, Quantity: req.Quantity}
	}
	if req.CostPrice.IsNegative() || req.SellingPrice.IsNegative() {
		return domain.InventoryBatch{}, fmt.Errorf("batch prices must not be negative: %w", ErrValidation)
	}

	batch := domain.InventoryBatch{
		ID:             xid.New("bat"),
		ProductID:      strings.TrimSpace(req.ProductID),
		BatchCode:      strings.TrimSpace(req.BatchCode),
		QuantityOnHand: req.Quantity,
		CostPrice:      req.CostPrice,
		SellingPrice:   req.SellingPrice,
		ExpiryDate:     req.ExpiryDate,
		Active:         true,
		ReceivedAt:     time.Now().UTC(),
	}

	created, err := s.repo.CreateBatch(ctx, batch)
	if err != nil {
		return domain.InventoryBatch{}, err
	}

	s.logAudit(ctx, "batch_receive", "batch", created.ID, fmt.Sprintf("product=%s,qty=%d", created.ProductID, created.QuantityOnHand))
	return *created, nil
}

func (s *Service) ListBatches(ctx context.Context, productID string) ([]domain.InventoryBatch, error) {
	return s.repo.ListBatches(ctx, strings.TrimSpace(productID))
}

// NearExpiryBatches lists sellable batches expiring within the given number
// of days, nearest expiry first.
func (s *Service) NearExpiryBatches(ctx context.Context, withinDays int) ([]domain.InventoryBatch, error) {
	if withinDays <= 0 {
		withinDays = 30
	}
	cutoff := allocation.DateUTC(time.Now().UTC().AddDate(0, 0, withinDays+1))
	return s.repo.ListBatchesExpiringBefore(ctx, cutoff)
}

func (s *Service) LowStockProducts(ctx context.Context) ([]domain.LowStockProduct, error) {
	return s.repo.ListLowStockProducts(ctx)
}

func (s *Service) CreateSupplier(ctx context.Context, supplier domain.Supplier) (domain.Supplier, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Supplier{}, err
	}

	supplier.Name = strings.TrimSpace(supplier.Name)
	if supplier.Name == "" {
		return domain.Supplier{}, fmt.Errorf("supplier name is required: %w", ErrValidation)
	}
	supplier.ID = xid.New("sup")
	supplier.CreatedAt = time.Now().UTC()

	created, err := s.repo.CreateSupplier(ctx, supplier)
	if err != nil {
		return domain.Supplier{}, err
	}

	s.logAudit(ctx, "supplier_create", "supplier", created.ID, fmt.Sprintf("name=%s", created.Name))
	return *created, nil
}

func (s *Service) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	return s.repo.ListSuppliers(ctx)
}

func (s *Service) CreatePurchaseOrder(ctx context.Context, req domain.PurchaseOrderCreateRequest) (domain.PurchaseOrder, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.PurchaseOrder{}, err
	}

	if strings.TrimSpace(req.SupplierID) == "" {
		return domain.PurchaseOrder{}, fmt.Errorf("supplier is required: %w", ErrValidation)
	}
	if len(req.Lines) == 0 {
		return domain.PurchaseOrder{}, fmt.Errorf("purchase order needs at least one line: %w", ErrValidation)
	}

	lines := make([]domain.PurchaseOrderLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		if line.Quantity <= 0 {
			return domain.PurchaseOrder{}, domain.InvalidQuantityError{ProductID: line.ProductID, Quantity: line.Quantity}
		}
		if _, err := s.repo.GetProduct(ctx, line.ProductID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.PurchaseOrder{}, domain.UnknownProductError{ProductID: line.ProductID}
			}
			return domain.PurchaseOrder{}, err
		}
		line.ID = xid.New("pol")
		lines = append(lines, line)
	}

	order := domain.PurchaseOrder{
		ID:         xid.New("po"),
		SupplierID: strings.TrimSpace(req.SupplierID),
		Status:     domain.PurchaseOrderStatusOpen,
		Notes:      strings.TrimSpace(req.Notes),
		Lines:      lines,
		CreatedAt:  time.Now().UTC(),
	}

	created, err := s.repo.CreatePurchaseOrder(ctx, order)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}

	s.logAudit(ctx, "po_create", "purchase_order", created.ID, fmt.Sprintf("supplier=%s,lines=%d", created.SupplierID, len(created.Lines)))
	return *created, nil
}

func (s *Service) GetPurchaseOrder(ctx context.Context, id string) (domain.PurchaseOrder, error) {
	order, err := s.repo.GetPurchaseOrder(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	return *order, nil
}

func (s *Service) ListPurchaseOrders(ctx context.Context) ([]domain.PurchaseOrder, error) {
	return s.repo.ListPurchaseOrders(ctx)
}

// ReceivePurchaseOrder marks an open order received and creates one
// inventory batch per order line. The store rejects a second receive, so
// stock cannot be doubled by a retried request.
func (s *Service) ReceivePurchaseOrder(ctx context.Context, id string) (domain.PurchaseOrder, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.PurchaseOrder{}, err
	}

	order, err := s.repo.GetPurchaseOrder(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.PurchaseOrder{}, err
	}

	now := time.Now().UTC()
	batches := make([]domain.InventoryBatch, 0, len(order.Lines))
	for _, line := range order.Lines {
		batches = append(batches, domain.InventoryBatch{
			ID:             xid.New("bat"),
			ProductID:      line.ProductID,
			BatchCode:      line.BatchCode,
			QuantityOnHand: line.Quantity,
			CostPrice:      line.CostPrice,
			SellingPrice:   line.SellingPrice,
			ExpiryDate:     line.ExpiryDate,
			Active:         true,
			ReceivedAt:     now,
		})
	}

	received, err := s.repo.ReceivePurchaseOrder(ctx, order.ID, now, batches)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}

	s.logAudit(ctx, "po_receive", "purchase_order", received.ID, fmt.Sprintf("batches=%d", len(batches)))
	return *received, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, limit)
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return ErrAdminRequired
	}
	return nil
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentMethodCash, domain.PaymentMethodCard, domain.PaymentMethodQRIS, domain.PaymentMethodTransfer:
		return true
	}
	return false
}

func (s *Service) invalidateCatalog(ctx context.Context) {
	if err := s.catalog.Invalidate(ctx, catalogCacheKey); err != nil {
		log.Printf("[service] WARN: failed to invalidate product catalog cache: %v", err)
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entity string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.AppendAuditLog(ctx, domain.AuditLog{
		ID:       xid.New("audit"),
		Actor:    actor.Username,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Detail:   detail,
		At:       time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entity, entityID, err)
	}
}
