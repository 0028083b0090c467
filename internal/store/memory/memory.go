package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"farmapos/backend/internal/allocation"
	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/store"
	"farmapos/backend/internal/xid"
)

type Store struct {
	mu                 sync.RWMutex
	productsByID       map[string]domain.Product
	batchesByID        map[string]*domain.InventoryBatch
	salesByID          map[string]*domain.Sale
	saleIDByReceipt    map[string]string
	suppliersByID      map[string]domain.Supplier
	purchaseOrdersByID map[string]domain.PurchaseOrder
	usersByUsername    map[string]domain.UserAccount
	auditLogs          []domain.AuditLog
}

func New() *Store {
	return &Store{
		productsByID:       make(map[string]domain.Product),
		batchesByID:        make(map[string]*domain.InventoryBatch),
		salesByID:          make(map[string]*domain.Sale),
		saleIDByReceipt:    make(map[string]string),
		suppliersByID:      make(map[string]domain.Supplier),
		purchaseOrdersByID: make(map[string]domain.PurchaseOrder),
		usersByUsername:    make(map[string]domain.UserAccount),
		auditLogs:          make([]domain.AuditLog, 0, 128),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; if
// unset, hardcoded dev defaults are used with a warning. These accounts are
// never used in production (the backend uses PostgreSQL when DATABASE_URL
// is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	now := time.Now().UTC()
	products := []domain.Product{
		{ID: "prd-paracetamol", Name: "Paracetamol 500mg", Category: "analgesic", Unit: "strip", MinimumStock: 20, Active: true, CreatedAt: now},
		{ID: "prd-amoxicillin", Name: "Amoxicillin 500mg", Category: "antibiotic", Unit: "strip", MinimumStock: 15, Active: true, CreatedAt: now},
		{ID: "prd-vitc", Name: "Vitamin C 500mg", Category: "supplement", Unit: "botol", MinimumStock: 10, Active: true, CreatedAt: now},
		{ID: "prd-obh", Name: "OBH Sirup 100ml", Category: "cough-cold", Unit: "botol", MinimumStock: 12, Active: true, CreatedAt: now},
		{ID: "prd-antasida", Name: "Antasida Doen", Category: "digestive", Unit: "strip", MinimumStock: 10, Active: true, CreatedAt: now},
		{ID: "prd-betadine", Name: "Povidone Iodine 30ml", Category: "antiseptic", Unit: "botol", MinimumStock: 8, Active: true, CreatedAt: now},
		{ID: "prd-kasa", Name: "Kasa Steril 16x16", Category: "medical-supply", Unit: "pak", MinimumStock: 10, Active: true, CreatedAt: now},
		{ID: "prd-cetirizine", Name: "Cetirizine 10mg", Category: "antihistamine", Unit: "strip", MinimumStock: 10, Active: true, CreatedAt: now},
	}

	s := New()
	for _, p := range products {
		s.productsByID[p.ID] = p
	}

	expiry := func(days int) *time.Time {
		d := allocation.DateUTC(now.AddDate(0, 0, days))
		return &d
	}
	price := func(v string) decimal.Decimal { return decimal.RequireFromString(v) }

	batches := []domain.InventoryBatch{
		{ID: xid.New("bat"), ProductID: "prd-paracetamol", BatchCode: "PCT-2406A", QuantityOnHand: 40, CostPrice: price("8500"), SellingPrice: price("12000"), ExpiryDate: expiry(45), Active: true, ReceivedAt: now.AddDate(0, -3, 0)},
		{ID: xid.New("bat"), ProductID: "prd-paracetamol", BatchCode: "PCT-2409B", QuantityOnHand: 80, CostPrice: price("8700"), SellingPrice: price("12500"), ExpiryDate: expiry(180), Active: true, ReceivedAt: now.AddDate(0, -1, 0)},
		{ID: xid.New("bat"), ProductID: "prd-amoxicillin", BatchCode: "AMX-2405", QuantityOnHand: 30, CostPrice: price("14000"), SellingPrice: price("21000"), ExpiryDate: expiry(90), Active: true, ReceivedAt: now.AddDate(0, -2, 0)},
		{ID: xid.New("bat"), ProductID: "prd-vitc", BatchCode: "VTC-2410", QuantityOnHand: 25, CostPrice: price("22000"), SellingPrice: price("32000"), ExpiryDate: expiry(365), Active: true, ReceivedAt: now.AddDate(0, -1, 0)},
		{ID: xid.New("bat"), ProductID: "prd-obh", BatchCode: "OBH-2404", QuantityOnHand: 18, CostPrice: price("11000"), SellingPrice: price("16500"), ExpiryDate: expiry(20), Active: true, ReceivedAt: now.AddDate(0, -4, 0)},
		{ID: xid.New("bat"), ProductID: "prd-antasida", BatchCode: "ANT-2408", QuantityOnHand: 35, CostPrice: price("4500"), SellingPrice: price("7000"), ExpiryDate: expiry(240), Active: true, ReceivedAt: now.AddDate(0, -1, -10)},
		{ID: xid.New("bat"), ProductID: "prd-betadine", BatchCode: "BTD-2407", QuantityOnHand: 15, CostPrice: price("18000"), SellingPrice: price("26000"), ExpiryDate: expiry(400), Active: true, ReceivedAt: now.AddDate(0, -2, -5)},
		{ID: xid.New("bat"), ProductID: "prd-kasa", BatchCode: "KSA-2401", QuantityOnHand: 50, CostPrice: price("6000"), SellingPrice: price("9500"), ExpiryDate: nil, Active: true, ReceivedAt: now.AddDate(0, -5, 0)},
		{ID: xid.New("bat"), ProductID: "prd-cetirizine", BatchCode: "CTZ-2403", QuantityOnHand: 22, CostPrice: price("9000"), SellingPrice: price("13500"), ExpiryDate: expiry(60), Active: true, ReceivedAt: now.AddDate(0, -3, -12)},
	}
	for i := range batches {
		b := batches[i]
		s.batchesByID[b.ID] = &b
	}

	s.usersByUsername = seedUsers()
	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, len(s.productsByID))
	for _, p := range s.productsByID {
		result = append(result, p)
	}
	slices.SortFunc(result, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return result, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.productsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := product
	return &clone, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.productsByID[product.ID]; exists {
		return nil, fmt.Errorf("product %s already exists", product.ID)
	}
	s.productsByID[product.ID] = product
	clone := product
	return &clone, nil
}

func (s *Store) UpdateProduct(_ context.Context, id string, update domain.ProductUpdateRequest) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.productsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if update.Name != nil {
		product.Name = *update.Name
	}
	if update.Category != nil {
		product.Category = *update.Category
	}
	if update.Unit != nil {
		product.Unit = *update.Unit
	}
	if update.MinimumStock != nil {
		product.MinimumStock = *update.MinimumStock
	}
	if update.Active != nil {
		product.Active = *update.Active
	}
	s.productsByID[id] = product
	clone := product
	return &clone, nil
}

func (s *Store) CreateBatch(_ context.Context, batch domain.InventoryBatch) (*domain.InventoryBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.productsByID[batch.ProductID]; !ok {
		return nil, store.ErrNotFound
	}
	if batch.QuantityOnHand < 0 {
		return nil, fmt.Errorf("batch quantity must not be negative")
	}
	if _, exists := s.batchesByID[batch.ID]; exists {
		return nil, fmt.Errorf("batch %s already exists", batch.ID)
	}
	stored := batch
	s.batchesByID[batch.ID] = &stored
	clone := stored
	return &clone, nil
}

func (s *Store) ListBatches(_ context.Context, productID string) ([]domain.InventoryBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.InventoryBatch, 0, len(s.batchesByID))
	for _, b := range s.batchesByID {
		if productID != "" && b.ProductID != productID {
			continue
		}
		result = append(result, *b)
	}
	slices.SortFunc(result, allocation.CompareFEFO)
	return result, nil
}

func (s *Store) ListEligibleBatches(_ context.Context, productID string, asOf time.Time) ([]domain.InventoryBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.InventoryBatch, 0, 8)
	for _, b := range s.batchesByID {
		if b.ProductID != productID {
			continue
		}
		if !allocation.Eligible(*b, asOf) {
			continue
		}
		result = append(result, *b)
	}
	slices.SortFunc(result, allocation.CompareFEFO)
	return result, nil
}

func (s *Store) DecrementBatch(_ context.Context, batchID string, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("decrement amount must be positive, got %d", amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batchesByID[batchID]
	if !ok {
		return store.ErrNotFound
	}
	if batch.QuantityOnHand < amount {
		return fmt.Errorf("batch %s has %d on hand, need %d: %w", batchID, batch.QuantityOnHand, amount, store.ErrInsufficientStock)
	}
	batch.QuantityOnHand -= amount
	return nil
}

func (s *Store) ListBatchesExpiringBefore(_ context.Context, cutoff time.Time) ([]domain.InventoryBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.InventoryBatch, 0, 8)
	for _, b := range s.batchesByID {
		if !b.Active || b.QuantityOnHand <= 0 || b.ExpiryDate == nil {
			continue
		}
		if b.ExpiryDate.Before(cutoff) {
			result = append(result, *b)
		}
	}
	slices.SortFunc(result, allocation.CompareFEFO)
	return result, nil
}

func (s *Store) CommitSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.salesByID[sale.ID]; exists {
		return nil, fmt.Errorf("sale %s already exists", sale.ID)
	}
	if _, exists := s.saleIDByReceipt[sale.ReceiptNumber]; exists {
		return nil, store.ErrDuplicateReceipt
	}

	// Re-validate every line before touching any quantity so a failure
	// leaves the store untouched.
	for _, line := range sale.Lines {
		batch, ok := s.batchesByID[line.BatchID]
		if !ok || !batch.Active {
			return nil, domain.StalePlanError{
				BatchID:   line.BatchID,
				ProductID: line.ProductID,
				Requested: line.Quantity,
				Available: 0,
			}
		}
		if batch.QuantityOnHand < line.Quantity {
			return nil, domain.StalePlanError{
				BatchID:   line.BatchID,
				ProductID: line.ProductID,
				Requested: line.Quantity,
				Available: batch.QuantityOnHand,
			}
		}
	}

	for _, line := range sale.Lines {
		s.batchesByID[line.BatchID].QuantityOnHand -= line.Quantity
	}

	stored := cloneSale(sale)
	s.salesByID[sale.ID] = stored
	s.saleIDByReceipt[sale.ReceiptNumber] = sale.ID

	return cloneSale(*stored), nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(*sale), nil
}

func (s *Store) GetSaleByReceipt(_ context.Context, receiptNumber string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.saleIDByReceipt[receiptNumber]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(*s.salesByID[id]), nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		if filter.Cashier != "" && sale.Cashier != filter.Cashier {
			continue
		}
		if filter.From != nil && sale.SoldAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && sale.SoldAt.After(*filter.To) {
			continue
		}
		result = append(result, *cloneSale(*sale))
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		if a.SoldAt.After(b.SoldAt) {
			return -1
		}
		if a.SoldAt.Before(b.SoldAt) {
			return 1
		}
		return strings.Compare(b.ID, a.ID)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateSupplier(_ context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.suppliersByID[supplier.ID]; exists {
		return nil, fmt.Errorf("supplier %s already exists", supplier.ID)
	}
	s.suppliersByID[supplier.ID] = supplier
	clone := supplier
	return &clone, nil
}

func (s *Store) ListSuppliers(_ context.Context) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Supplier, 0, len(s.suppliersByID))
	for _, supplier := range s.suppliersByID {
		result = append(result, supplier)
	}
	slices.SortFunc(result, func(a, b domain.Supplier) int {
		return strings.Compare(a.Name, b.Name)
	})
	return result, nil
}

func (s *Store) CreatePurchaseOrder(_ context.Context, order domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.purchaseOrdersByID[order.ID]; exists {
		return nil, fmt.Errorf("purchase order %s already exists", order.ID)
	}
	if _, ok := s.suppliersByID[order.SupplierID]; !ok {
		return nil, store.ErrNotFound
	}
	s.purchaseOrdersByID[order.ID] = clonePurchaseOrder(order)
	return clonePurchaseOrderPtr(s.purchaseOrdersByID[order.ID]), nil
}

func (s *Store) GetPurchaseOrder(_ context.Context, id string) (*domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.purchaseOrdersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clonePurchaseOrderPtr(order), nil
}

func (s *Store) ListPurchaseOrders(_ context.Context) ([]domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.PurchaseOrder, 0, len(s.purchaseOrdersByID))
	for _, order := range s.purchaseOrdersByID {
		result = append(result, clonePurchaseOrder(order))
	}
	slices.SortFunc(result, func(a, b domain.PurchaseOrder) int {
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) ReceivePurchaseOrder(_ context.Context, id string, receivedAt time.Time, batches []domain.InventoryBatch) (*domain.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.purchaseOrdersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.PurchaseOrderStatusOpen {
		return nil, store.ErrOrderNotOpen
	}
	for _, b := range batches {
		if _, ok := s.productsByID[b.ProductID]; !ok {
			return nil, store.ErrNotFound
		}
		if _, exists := s.batchesByID[b.ID]; exists {
			return nil, fmt.Errorf("batch %s already exists", b.ID)
		}
	}

	for i := range batches {
		b := batches[i]
		s.batchesByID[b.ID] = &b
	}
	at := receivedAt
	order.Status = domain.PurchaseOrderStatusReceived
	order.ReceivedAt = &at
	s.purchaseOrdersByID[id] = order
	return clonePurchaseOrderPtr(order), nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return fmt.Errorf("user %s already exists", user.Username)
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		result = append(result, user)
	}
	slices.SortFunc(result, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return result, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) AppendAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, s.auditLogs[i])
	}
	return result, nil
}

func (s *Store) ListLowStockProducts(_ context.Context) ([]domain.LowStockProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	onHand := make(map[string]int, len(s.productsByID))
	for _, b := range s.batchesByID {
		if !b.Active {
			continue
		}
		onHand[b.ProductID] += b.QuantityOnHand
	}

	result := make([]domain.LowStockProduct, 0, 8)
	for _, p := range s.productsByID {
		if !p.Active || p.MinimumStock <= 0 {
			continue
		}
		if onHand[p.ID] <= p.MinimumStock {
			result = append(result, domain.LowStockProduct{
				Product:   p,
				OnHand:    onHand[p.ID],
				Threshold: p.MinimumStock,
			})
		}
	}
	slices.SortFunc(result, func(a, b domain.LowStockProduct) int {
		return strings.Compare(a.Product.Name, b.Product.Name)
	})
	return result, nil
}

func cloneSale(sale domain.Sale) *domain.Sale {
	clone := sale
	clone.Lines = make([]domain.SaleLine, len(sale.Lines))
	copy(clone.Lines, sale.Lines)
	return &clone
}

func clonePurchaseOrder(order domain.PurchaseOrder) domain.PurchaseOrder {
	clone := order
	clone.Lines = make([]domain.PurchaseOrderLine, len(order.Lines))
	copy(clone.Lines, order.Lines)
	if order.ReceivedAt != nil {
		at := *order.ReceivedAt
		clone.ReceivedAt = &at
	}
	return clone
}

func clonePurchaseOrderPtr(order domain.PurchaseOrder) *domain.PurchaseOrder {
	clone := clonePurchaseOrder(order)
	return &clone
}
