package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"farmapos/backend/internal/allocation"
	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, unit, minimum_stock, active, created_at
		FROM products
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Unit, &p.MinimumStock, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, category, unit, minimum_stock, active, created_at
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Category, &p.Unit, &p.MinimumStock, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, category, unit, minimum_stock, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, product.ID, product.Name, product.Category, product.Unit, product.MinimumStock, product.Active, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("product %s already exists", product.ID)
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, id string, update domain.ProductUpdateRequest) (*domain.Product, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var p domain.Product
	err = tx.QueryRowContext(ctx, `
		SELECT id, name, category, unit, minimum_stock, active, created_at
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&p.ID, &p.Name, &p.Category, &p.Unit, &p.MinimumStock, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if update.Name != nil {
		p.Name = *update.Name
	}
	if update.Category != nil {
		p.Category = *update.Category
	}
	if update.Unit != nil {
		p.Unit = *update.Unit
	}
	if update.MinimumStock != nil {
		p.MinimumStock = *update.MinimumStock
	}
	if update.Active != nil {
		p.Active = *update.Active
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE products
		SET name = $1, category = $2, unit = $3, minimum_stock = $4, active = $5
		WHERE id = $6
	`, p.Name, p.Category, p.Unit, p.MinimumStock, p.Active, p.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &p, nil
}

const batchColumns = `id, product_id, batch_code, quantity_on_hand, cost_price, selling_price, expiry_date, active, received_at`

func (s *Store) CreateBatch(ctx context.Context, batch domain.InventoryBatch) (*domain.InventoryBatch, error) {
	if batch.QuantityOnHand < 0 {
		return nil, fmt.Errorf("batch quantity must not be negative")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_batches (`+batchColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, batch.ID, batch.ProductID, batch.BatchCode, batch.QuantityOnHand, batch.CostPrice,
		batch.SellingPrice, nullDate(batch.ExpiryDate), batch.Active, batch.ReceivedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("batch %s already exists", batch.ID)
		}
		return nil, err
	}
	return &batch, nil
}

func (s *Store) ListBatches(ctx context.Context, productID string) ([]domain.InventoryBatch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM inventory_batches
		ORDER BY expiry_date ASC NULLS LAST, received_at ASC, id ASC
	`
	args := []any{}
	if productID != "" {
		query = `
			SELECT ` + batchColumns + `
			FROM inventory_batches
			WHERE product_id = $1
			ORDER BY expiry_date ASC NULLS LAST, received_at ASC, id ASC
		`
		args = append(args, productID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBatches(rows)
}

func (s *Store) ListEligibleBatches(ctx context.Context, productID string, asOf time.Time) ([]domain.InventoryBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM inventory_batches
		WHERE product_id = $1 AND active AND quantity_on_hand > 0
		  AND (expiry_date IS NULL OR expiry_date >= $2)
		ORDER BY expiry_date ASC NULLS LAST, received_at ASC, id ASC
	`, productID, allocation.DateUTC(asOf))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBatches(rows)
}

func (s *Store) DecrementBatch(ctx context.Context, batchID string, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("decrement amount must be positive, got %d", amount)
	}

	// Conditional update: the guard keeps the quantity from going negative
	// even under concurrent decrements.
	result, err := s.db.ExecContext(ctx, `
		UPDATE inventory_batches
		SET quantity_on_hand = quantity_on_hand - $1
		WHERE id = $2 AND quantity_on_hand >= $1
	`, amount, batchID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var onHand int
	err = s.db.QueryRowContext(ctx, `
		SELECT quantity_on_hand FROM inventory_batches WHERE id = $1
	`, batchID).Scan(&onHand)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	return fmt.Errorf("batch %s has %d on hand, need %d: %w", batchID, onHand, amount, store.ErrInsufficientStock)
}

func (s *Store) ListBatchesExpiringBefore(ctx context.Context, cutoff time.Time) ([]domain.InventoryBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM inventory_batches
		WHERE active AND quantity_on_hand > 0 AND expiry_date IS NOT NULL AND expiry_date < $1
		ORDER BY expiry_date ASC, received_at ASC, id ASC
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBatches(rows)
}

func (s *Store) CommitSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Guarded decrement per line. Zero rows affected means the plan went
	// stale; the explicit rollback on return discards any earlier
	// decrements in this transaction.
	for _, line := range sale.Lines {
		result, err := tx.ExecContext(ctx, `
			UPDATE inventory_batches
			SET quantity_on_hand = quantity_on_hand - $1
			WHERE id = $2 AND active AND quantity_on_hand >= $1
		`, line.Quantity, line.BatchID)
		if err != nil {
			return nil, err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			var onHand int
			scanErr := tx.QueryRowContext(ctx, `
				SELECT quantity_on_hand FROM inventory_batches WHERE id = $1 AND active
			`, line.BatchID).Scan(&onHand)
			if scanErr != nil && !errors.Is(scanErr, sql.ErrNoRows) {
				return nil, scanErr
			}
			return nil, domain.StalePlanError{
				BatchID:   line.BatchID,
				ProductID: line.ProductID,
				Requested: line.Quantity,
				Available: onHand,
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (id, receipt_number, cashier, payment_method, customer_email, prescription_ref, discount, total_amount, sold_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, sale.ID, sale.ReceiptNumber, sale.Cashier, sale.PaymentMethod,
		nullIfEmpty(sale.CustomerEmail), nullIfEmpty(sale.PrescriptionRef), sale.Discount, sale.TotalAmount, sale.SoldAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateReceipt
		}
		return nil, err
	}

	for _, line := range sale.Lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_lines (id, sale_id, product_id, batch_id, quantity, unit_price, line_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, line.ID, sale.ID, line.ProductID, line.BatchID, line.Quantity, line.UnitPrice, line.LineTotal)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

const saleColumns = `id, receipt_number, cashier, payment_method, COALESCE(customer_email,''), COALESCE(prescription_ref,''), discount, total_amount, sold_at`

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	sale, err := s.scanSaleRow(s.db.QueryRowContext(ctx, `
		SELECT `+saleColumns+` FROM sales WHERE id = $1
	`, id))
	if err != nil {
		return nil, err
	}
	if err := s.loadSaleLines(ctx, sale); err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Store) GetSaleByReceipt(ctx context.Context, receiptNumber string) (*domain.Sale, error) {
	sale, err := s.scanSaleRow(s.db.QueryRowContext(ctx, `
		SELECT `+saleColumns+` FROM sales WHERE receipt_number = $1
	`, receiptNumber))
	if err != nil {
		return nil, err
	}
	if err := s.loadSaleLines(ctx, sale); err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Cashier != "" {
		query += ` AND cashier = ` + arg(filter.Cashier)
	}
	if filter.From != nil {
		query += ` AND sold_at >= ` + arg(*filter.From)
	}
	if filter.To != nil {
		query += ` AND sold_at <= ` + arg(*filter.To)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY sold_at DESC, id DESC LIMIT ` + arg(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sales []domain.Sale
	for rows.Next() {
		var sale domain.Sale
		var email, prescription string
		if err := rows.Scan(&sale.ID, &sale.ReceiptNumber, &sale.Cashier, &sale.PaymentMethod,
			&email, &prescription, &sale.Discount, &sale.TotalAmount, &sale.SoldAt); err != nil {
			return nil, err
		}
		sale.CustomerEmail = email
		sale.PrescriptionRef = prescription
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range sales {
		if err := s.loadSaleLines(ctx, &sales[i]); err != nil {
			return nil, err
		}
	}
	return sales, nil
}

func (s *Store) scanSaleRow(row *sql.Row) (*domain.Sale, error) {
	var sale domain.Sale
	var email, prescription string
	err := row.Scan(&sale.ID, &sale.ReceiptNumber, &sale.Cashier, &sale.PaymentMethod,
		&email, &prescription, &sale.Discount, &sale.TotalAmount, &sale.SoldAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.CustomerEmail = email
	sale.PrescriptionRef = prescription
	return &sale, nil
}

func (s *Store) loadSaleLines(ctx context.Context, sale *domain.Sale) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, batch_id, quantity, unit_price, line_total
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY id ASC
	`, sale.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	sale.Lines = sale.Lines[:0]
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.ID, &line.ProductID, &line.BatchID, &line.Quantity, &line.UnitPrice, &line.LineTotal); err != nil {
			return err
		}
		sale.Lines = append(sale.Lines, line)
	}
	return rows.Err()
}

func (s *Store) CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppliers (id, name, contact, phone, email, address, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, supplier.ID, supplier.Name, supplier.Contact, supplier.Phone, supplier.Email, supplier.Address, supplier.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("supplier %s already exists", supplier.ID)
		}
		return nil, err
	}
	return &supplier, nil
}

func (s *Store) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, contact, phone, email, address, created_at
		FROM suppliers
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var suppliers []domain.Supplier
	for rows.Next() {
		var sup domain.Supplier
		if err := rows.Scan(&sup.ID, &sup.Name, &sup.Contact, &sup.Phone, &sup.Email, &sup.Address, &sup.CreatedAt); err != nil {
			return nil, err
		}
		suppliers = append(suppliers, sup)
	}
	return suppliers, rows.Err()
}

func (s *Store) CreatePurchaseOrder(ctx context.Context, order domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO purchase_orders (id, supplier_id, status, notes, created_at, received_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, order.ID, order.SupplierID, order.Status, order.Notes, order.CreatedAt, nullTime(order.ReceivedAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	for _, line := range order.Lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO purchase_order_lines (id, purchase_order_id, product_id, quantity, cost_price, selling_price, batch_code, expiry_date)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, line.ID, order.ID, line.ProductID, line.Quantity, line.CostPrice, line.SellingPrice, line.BatchCode, nullDate(line.ExpiryDate))
		if err != nil {
			if isForeignKeyViolation(err) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) GetPurchaseOrder(ctx context.Context, id string) (*domain.PurchaseOrder, error) {
	var order domain.PurchaseOrder
	var receivedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, supplier_id, status, COALESCE(notes,''), created_at, received_at
		FROM purchase_orders
		WHERE id = $1
	`, id).Scan(&order.ID, &order.SupplierID, &order.Status, &order.Notes, &order.CreatedAt, &receivedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if receivedAt.Valid {
		at := receivedAt.Time
		order.ReceivedAt = &at
	}
	if err := s.loadPurchaseOrderLines(ctx, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) ListPurchaseOrders(ctx context.Context) ([]domain.PurchaseOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, supplier_id, status, COALESCE(notes,''), created_at, received_at
		FROM purchase_orders
		ORDER BY created_at DESC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.PurchaseOrder
	for rows.Next() {
		var order domain.PurchaseOrder
		var receivedAt sql.NullTime
		if err := rows.Scan(&order.ID, &order.SupplierID, &order.Status, &order.Notes, &order.CreatedAt, &receivedAt); err != nil {
			return nil, err
		}
		if receivedAt.Valid {
			at := receivedAt.Time
			order.ReceivedAt = &at
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range orders {
		if err := s.loadPurchaseOrderLines(ctx, &orders[i]); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (s *Store) loadPurchaseOrderLines(ctx context.Context, order *domain.PurchaseOrder) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, quantity, cost_price, selling_price, batch_code, expiry_date
		FROM purchase_order_lines
		WHERE purchase_order_id = $1
		ORDER BY id ASC
	`, order.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	order.Lines = order.Lines[:0]
	for rows.Next() {
		var line domain.PurchaseOrderLine
		var expiry sql.NullTime
		if err := rows.Scan(&line.ID, &line.ProductID, &line.Quantity, &line.CostPrice, &line.SellingPrice, &line.BatchCode, &expiry); err != nil {
			return err
		}
		if expiry.Valid {
			at := expiry.Time
			line.ExpiryDate = &at
		}
		order.Lines = append(order.Lines, line)
	}
	return rows.Err()
}

func (s *Store) ReceivePurchaseOrder(ctx context.Context, id string, receivedAt time.Time, batches []domain.InventoryBatch) (*domain.PurchaseOrder, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM purchase_orders WHERE id = $1 FOR UPDATE
	`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.PurchaseOrderStatusOpen {
		return nil, store.ErrOrderNotOpen
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE purchase_orders SET status = $1, received_at = $2 WHERE id = $3
	`, domain.PurchaseOrderStatusReceived, receivedAt, id)
	if err != nil {
		return nil, err
	}

	for _, batch := range batches {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO inventory_batches (`+batchColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, batch.ID, batch.ProductID, batch.BatchCode, batch.QuantityOnHand, batch.CostPrice,
			batch.SellingPrice, nullDate(batch.ExpiryDate), batch.Active, batch.ReceivedAt)
		if err != nil {
			if isForeignKeyViolation(err) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetPurchaseOrder(ctx, id)
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("user %s already exists", user.Username)
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.UserAccount
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $1 WHERE username = $2
	`, password, username)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AppendAuditLog(ctx context.Context, entry domain.AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor, action, entity, entity_id, detail, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, entry.ID, entry.Actor, entry.Action, entry.Entity, nullIfEmpty(entry.EntityID), entry.Detail, entry.At)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, entity, COALESCE(entity_id,''), detail, at
		FROM audit_logs
		ORDER BY at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.AuditLog
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.Actor, &entry.Action, &entry.Entity, &entry.EntityID, &entry.Detail, &entry.At); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) ListLowStockProducts(ctx context.Context) ([]domain.LowStockProduct, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.category, p.unit, p.minimum_stock, p.active, p.created_at,
		       COALESCE(SUM(b.quantity_on_hand) FILTER (WHERE b.active), 0) AS on_hand
		FROM products p
		LEFT JOIN inventory_batches b ON b.product_id = p.id
		WHERE p.active AND p.minimum_stock > 0
		GROUP BY p.id
		HAVING COALESCE(SUM(b.quantity_on_hand) FILTER (WHERE b.active), 0) <= p.minimum_stock
		ORDER BY p.name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.LowStockProduct
	for rows.Next() {
		var item domain.LowStockProduct
		if err := rows.Scan(&item.Product.ID, &item.Product.Name, &item.Product.Category, &item.Product.Unit,
			&item.Product.MinimumStock, &item.Product.Active, &item.Product.CreatedAt, &item.OnHand); err != nil {
			return nil, err
		}
		item.Threshold = item.Product.MinimumStock
		result = append(result, item)
	}
	return result, rows.Err()
}

func scanBatches(rows *sql.Rows) ([]domain.InventoryBatch, error) {
	var batches []domain.InventoryBatch
	for rows.Next() {
		var b domain.InventoryBatch
		var expiry sql.NullTime
		var cost, selling decimal.Decimal
		if err := rows.Scan(&b.ID, &b.ProductID, &b.BatchCode, &b.QuantityOnHand, &cost, &selling, &expiry, &b.Active, &b.ReceivedAt); err != nil {
			return nil, err
		}
		b.CostPrice = cost
		b.SellingPrice = selling
		if expiry.Valid {
			at := expiry.Time
			b.ExpiryDate = &at
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return allocation.DateUTC(*val)
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
