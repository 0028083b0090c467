package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"farmapos/backend/internal/cache"
	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/store"
	"farmapos/backend/internal/store/memory"
)

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	return New(repo, cache.NoopCatalogCache{}), repo
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: "cashier"})
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func TestCheckoutRequiresActor(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Checkout(context.Background(), domain.CheckoutRequest{
		Lines: []domain.CartLine{{ProductID: "prd-paracetamol", Quantity: 1}},
	})
	if !errors.Is(err, ErrCashierRequired) {
		t.Fatalf("expected cashier-required error, got %v", err)
	}
}

func TestCheckoutCommitsSale(t *testing.T) {
	svc, repo := newTestService()
	ctx := cashierCtx()

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		Lines: []domain.CartLine{
			{ProductID: "prd-paracetamol", Quantity: 5, UnitPriceEstimate: decimal.NewFromInt(12000)},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if !strings.HasPrefix(resp.Sale.ReceiptNumber, "RCP-") {
		t.Fatalf("unexpected receipt number %s", resp.Sale.ReceiptNumber)
	}
	if resp.Sale.Cashier != "cashier" {
		t.Fatalf("expected actor as cashier, got %s", resp.Sale.Cashier)
	}
	if resp.Sale.PaymentMethod != domain.PaymentMethodCash {
		t.Fatalf("expected cash default, got %s", resp.Sale.PaymentMethod)
	}
	// 5 * 12000 from the nearest-expiry batch.
	if !resp.Sale.TotalAmount.Equal(decimal.NewFromInt(60000)) {
		t.Fatalf("unexpected total %s", resp.Sale.TotalAmount)
	}
	if resp.EstimateDiffers {
		t.Fatalf("estimate matches batch price, should not differ")
	}

	batches, _ := repo.ListEligibleBatches(ctx, "prd-paracetamol", time.Now())
	if batches[0].QuantityOnHand != 35 {
		t.Fatalf("expected nearest-expiry batch decremented to 35, got %d", batches[0].QuantityOnHand)
	}
	if batches[1].QuantityOnHand != 80 {
		t.Fatalf("later batch must be untouched, got %d", batches[1].QuantityOnHand)
	}
}

func TestCheckoutSpansBatchesNearestExpiryFirst(t *testing.T) {
	svc, _ := newTestService()

	resp, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		Lines: []domain.CartLine{
			{ProductID: "prd-paracetamol", Quantity: 50, UnitPriceEstimate: decimal.NewFromInt(12000)},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if len(resp.Sale.Lines) != 2 {
		t.Fatalf("expected sale split over 2 batches, got %d lines", len(resp.Sale.Lines))
	}
	if resp.Sale.Lines[0].Quantity != 40 || resp.Sale.Lines[1].Quantity != 10 {
		t.Fatalf("unexpected split: %d + %d", resp.Sale.Lines[0].Quantity, resp.Sale.Lines[1].Quantity)
	}
	// 40 * 12000 + 10 * 12500, against an estimate of 50 * 12000.
	if !resp.Sale.TotalAmount.Equal(decimal.NewFromInt(605000)) {
		t.Fatalf("unexpected total %s", resp.Sale.TotalAmount)
	}
	if !resp.EstimateDiffers {
		t.Fatalf("expected estimate mismatch to be flagged")
	}
}

func TestCheckoutInsufficientStockLeavesStockUntouched(t *testing.T) {
	svc, repo := newTestService()
	ctx := cashierCtx()

	_, err := svc.Checkout(ctx, domain.CheckoutRequest{
		Lines: []domain.CartLine{
			{ProductID: "prd-paracetamol", Quantity: 5},
			{ProductID: "prd-vitc", Quantity: 30},
		},
	})
	var insufficient domain.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
	if insufficient.ProductID != "prd-vitc" || insufficient.Available != 25 {
		t.Fatalf("unexpected detail: %+v", insufficient)
	}

	batches, _ := repo.ListEligibleBatches(ctx, "prd-paracetamol", time.Now())
	if batches[0].QuantityOnHand != 40 {
		t.Fatalf("aborted checkout must not decrement stock, got %d", batches[0].QuantityOnHand)
	}
}

func TestCheckoutValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := cashierCtx()
	lines := []domain.CartLine{{ProductID: "prd-vitc", Quantity: 1}}

	_, err := svc.Checkout(ctx, domain.CheckoutRequest{Lines: lines, PaymentMethod: "crypto"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for payment method, got %v", err)
	}

	_, err = svc.Checkout(ctx, domain.CheckoutRequest{Lines: lines, Discount: decimal.NewFromInt(-1)})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for negative discount, got %v", err)
	}

	_, err = svc.Checkout(ctx, domain.CheckoutRequest{
		Lines: []domain.CartLine{{ProductID: "prd-vitc", Quantity: 0}},
	})
	var invalid domain.InvalidQuantityError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid quantity error, got %v", err)
	}
}

func TestCheckoutDiscountFloorsAtZero(t *testing.T) {
	svc, _ := newTestService()

	resp, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		Lines:    []domain.CartLine{{ProductID: "prd-antasida", Quantity: 1}},
		Discount: decimal.NewFromInt(1000000),
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if !resp.Sale.TotalAmount.Equal(decimal.Zero) {
		t.Fatalf("over-discounted total must floor at zero, got %s", resp.Sale.TotalAmount)
	}
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	svc, repo := newTestService()

	// The vitamin C seed batch holds 25 units; two carts of 20 cannot both
	// commit.
	const attempts = 2
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
				Lines: []domain.CartLine{{ProductID: "prd-vitc", Quantity: 20}},
			})
			results[slot] = err
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		var insufficient domain.InsufficientStockError
		var stale domain.StalePlanError
		if !errors.As(err, &insufficient) && !errors.As(err, &stale) {
			t.Fatalf("loser must fail with a stock error, got %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one checkout to win, got %d", succeeded)
	}

	batches, _ := repo.ListBatches(context.Background(), "prd-vitc")
	if batches[0].QuantityOnHand != 5 {
		t.Fatalf("expected 5 on hand after the winning checkout, got %d", batches[0].QuantityOnHand)
	}
}

// staleOnceRepo makes the first commit fail as stale, simulating a
// concurrent sale between planning and commit.
type staleOnceRepo struct {
	store.Repository
	mu    sync.Mutex
	fired bool
}

func (r *staleOnceRepo) CommitSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	r.mu.Lock()
	first := !r.fired
	r.fired = true
	r.mu.Unlock()
	if first {
		line := sale.Lines[0]
		return nil, domain.StalePlanError{
			BatchID:   line.BatchID,
			ProductID: line.ProductID,
			Requested: line.Quantity,
			Available: 0,
		}
	}
	return r.Repository.CommitSale(ctx, sale)
}

func TestCheckoutReplansOnceAfterStalePlan(t *testing.T) {
	repo := &staleOnceRepo{Repository: memory.NewSeeded()}
	svc := New(repo, cache.NoopCatalogCache{})

	resp, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		Lines: []domain.CartLine{{ProductID: "prd-vitc", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("checkout should recover from one stale plan: %v", err)
	}
	if len(resp.Sale.Lines) != 1 || resp.Sale.Lines[0].Quantity != 2 {
		t.Fatalf("unexpected committed lines: %+v", resp.Sale.Lines)
	}
}

func TestCheckoutWritesAuditTrail(t *testing.T) {
	svc, _ := newTestService()

	if _, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		Lines: []domain.CartLine{{ProductID: "prd-antasida", Quantity: 1}},
	}); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	logs, err := svc.ListAuditLogs(adminCtx(), 10)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	found := false
	for _, entry := range logs {
		if entry.Action == "checkout_committed" && entry.Actor == "cashier" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected checkout_committed audit entry")
	}
}

func TestPlanSaleDoesNotCommit(t *testing.T) {
	svc, repo := newTestService()

	plan, err := svc.PlanSale(cashierCtx(), []domain.CartLine{
		{ProductID: "prd-paracetamol", Quantity: 10},
	})
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if len(plan.Lines) != 1 || plan.Lines[0].Requested != 10 {
		t.Fatalf("unexpected plan: %+v", plan.Lines)
	}

	batches, _ := repo.ListEligibleBatches(context.Background(), "prd-paracetamol", time.Now())
	if batches[0].QuantityOnHand != 40 {
		t.Fatalf("planning must not decrement stock, got %d", batches[0].QuantityOnHand)
	}
}

func TestAdminOnlyOperations(t *testing.T) {
	svc, _ := newTestService()
	ctx := cashierCtx()

	if _, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{Name: "X", Category: "misc"}); !errors.Is(err, ErrAdminRequired) {
		t.Fatalf("create product as cashier should fail, got %v", err)
	}
	if _, err := svc.ReceiveBatch(ctx, domain.BatchReceiptRequest{ProductID: "prd-vitc", Quantity: 1}); !errors.Is(err, ErrAdminRequired) {
		t.Fatalf("receive batch as cashier should fail, got %v", err)
	}
	if _, err := svc.ListAuditLogs(ctx, 10); !errors.Is(err, ErrAdminRequired) {
		t.Fatalf("audit logs as cashier should fail, got %v", err)
	}
}

func TestCreateProductValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()

	if _, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{Name: "", Category: "misc"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	created, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		Name: "  Ibuprofen 400mg  ", Category: "analgesic", Unit: "strip", MinimumStock: 10,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if created.Name != "Ibuprofen 400mg" {
		t.Fatalf("expected trimmed name, got %q", created.Name)
	}
	if !created.Active {
		t.Fatalf("new products start active")
	}
}

func TestReceiveBatchValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()

	_, err := svc.ReceiveBatch(ctx, domain.BatchReceiptRequest{ProductID: "prd-vitc", Quantity: 0})
	var invalid domain.InvalidQuantityError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid quantity error, got %v", err)
	}

	created, err := svc.ReceiveBatch(ctx, domain.BatchReceiptRequest{
		ProductID:    "prd-vitc",
		BatchCode:    "VTC-NEW",
		Quantity:     50,
		CostPrice:    decimal.NewFromInt(20000),
		SellingPrice: decimal.NewFromInt(30000),
	})
	if err != nil {
		t.Fatalf("receive batch: %v", err)
	}
	if created.QuantityOnHand != 50 || !created.Active {
		t.Fatalf("unexpected batch: %+v", created)
	}
}

func TestNearExpiryBatches(t *testing.T) {
	svc, _ := newTestService()

	soon, err := svc.NearExpiryBatches(adminCtx(), 30)
	if err != nil {
		t.Fatalf("near expiry: %v", err)
	}
	// Seed data has one batch inside 30 days (OBH at +20d); the +45d batch
	// must stay out.
	if len(soon) != 1 || soon[0].ProductID != "prd-obh" {
		t.Fatalf("expected only the OBH batch, got %+v", soon)
	}
}

func TestPurchaseOrderLifecycle(t *testing.T) {
	svc, repo := newTestService()
	ctx := adminCtx()

	supplier, err := svc.CreateSupplier(ctx, domain.Supplier{Name: "PT Kimia Farma"})
	if err != nil {
		t.Fatalf("create supplier: %v", err)
	}

	expiry := time.Now().AddDate(1, 0, 0)
	order, err := svc.CreatePurchaseOrder(ctx, domain.PurchaseOrderCreateRequest{
		SupplierID: supplier.ID,
		Lines: []domain.PurchaseOrderLine{{
			ProductID:    "prd-vitc",
			Quantity:     40,
			CostPrice:    decimal.NewFromInt(21000),
			SellingPrice: decimal.NewFromInt(31000),
			BatchCode:    "VTC-PO1",
			ExpiryDate:   &expiry,
		}},
	})
	if err != nil {
		t.Fatalf("create purchase order: %v", err)
	}
	if order.Status != domain.PurchaseOrderStatusOpen {
		t.Fatalf("new order should be open, got %s", order.Status)
	}

	received, err := svc.ReceivePurchaseOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("receive purchase order: %v", err)
	}
	if received.Status != domain.PurchaseOrderStatusReceived {
		t.Fatalf("expected received, got %s", received.Status)
	}

	batches, _ := repo.ListBatches(ctx, "prd-vitc")
	total := 0
	for _, b := range batches {
		total += b.QuantityOnHand
	}
	if total != 65 {
		t.Fatalf("expected 25 seed + 40 received on hand, got %d", total)
	}

	if _, err := svc.ReceivePurchaseOrder(ctx, order.ID); !errors.Is(err, store.ErrOrderNotOpen) {
		t.Fatalf("second receive must not double stock, got %v", err)
	}
}

func TestCreatePurchaseOrderUnknownProduct(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()

	supplier, err := svc.CreateSupplier(ctx, domain.Supplier{Name: "PT Generik"})
	if err != nil {
		t.Fatalf("create supplier: %v", err)
	}

	_, err = svc.CreatePurchaseOrder(ctx, domain.PurchaseOrderCreateRequest{
		SupplierID: supplier.ID,
		Lines:      []domain.PurchaseOrderLine{{ProductID: "prd-missing", Quantity: 5}},
	})
	var unknown domain.UnknownProductError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected unknown product error, got %v", err)
	}
}

// countingCache records catalog cache traffic.
type countingCache struct {
	mu          sync.Mutex
	store       map[string][]domain.Product
	gets, sets  int
	invalidates int
}

func newCountingCache() *countingCache {
	return &countingCache{store: map[string][]domain.Product{}}
}

func (c *countingCache) Get(_ context.Context, key string) ([]domain.Product, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	products, ok := c.store[key]
	return products, ok, nil
}

func (c *countingCache) Set(_ context.Context, key string, value []domain.Product, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.store[key] = value
	return nil
}

func (c *countingCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidates++
	delete(c.store, key)
	return nil
}

func TestListProductsUsesCatalogCache(t *testing.T) {
	catalog := newCountingCache()
	svc := New(memory.NewSeeded(), catalog)
	ctx := adminCtx()

	first, err := svc.ListProducts(ctx)
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	if catalog.sets != 1 {
		t.Fatalf("expected cache fill, got %d sets", catalog.sets)
	}

	second, err := svc.ListProducts(ctx)
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	if catalog.sets != 1 {
		t.Fatalf("second list must be served from cache")
	}
	if len(first) != len(second) {
		t.Fatalf("cache returned a different catalog")
	}

	if _, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{Name: "Loratadine", Category: "antihistamine"}); err != nil {
		t.Fatalf("create product: %v", err)
	}
	if catalog.invalidates != 1 {
		t.Fatalf("catalog write must invalidate the cache, got %d", catalog.invalidates)
	}
}
