package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Category     string    `json:"category"`
	Unit         string    `json:"unit"`
	MinimumStock int       `json:"minimum_stock"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

type ProductCreateRequest struct {
	Name         string `json:"name"`
	Category     string `json:"category"`
	Unit         string `json:"unit"`
	MinimumStock int    `json:"minimum_stock"`
}

type ProductUpdateRequest struct {
	Name         *string `json:"name,omitempty"`
	Category     *string `json:"category,omitempty"`
	Unit         *string `json:"unit,omitempty"`
	MinimumStock *int    `json:"minimum_stock,omitempty"`
	Active       *bool   `json:"active,omitempty"`
}

type InventoryBatch struct {
	ID             string          `json:"id"`
	ProductID      string          `json:"product_id"`
	BatchCode      string          `json:"batch_code"`
	QuantityOnHand int             `json:"quantity_on_hand"`
	CostPrice      decimal.Decimal `json:"cost_price"`
	SellingPrice   decimal.Decimal `json:"selling_price"`
	ExpiryDate     *time.Time      `json:"expiry_date,omitempty"`
	Active         bool            `json:"active"`
	ReceivedAt     time.Time       `json:"received_at"`
}

type BatchReceiptRequest struct {
	ProductID    string          `json:"product_id"`
	BatchCode    string          `json:"batch_code"`
	Quantity     int             `json:"quantity"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	ExpiryDate   *time.Time      `json:"expiry_date,omitempty"`
}

type CartLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	// UnitPriceEstimate is the price the terminal displayed when the line was
	// added. Display-only; the committed total is always batch-derived.
	UnitPriceEstimate decimal.Decimal `json:"unit_price_estimate"`
}

type AllocationSegment struct {
	BatchID   string          `json:"batch_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type ProductAllocation struct {
	ProductID string              `json:"product_id"`
	Requested int                 `json:"requested"`
	Segments  []AllocationSegment `json:"segments"`
}

type SalePlan struct {
	Lines              []ProductAllocation `json:"lines"`
	AuthoritativeTotal decimal.Decimal     `json:"authoritative_total"`
	EstimatedTotal     decimal.Decimal     `json:"estimated_total"`
	AsOf               time.Time           `json:"as_of"`
}

const (
	CheckoutStatePlanning   = "planning"
	CheckoutStatePlanned    = "planned"
	CheckoutStateCommitting = "committing"
	CheckoutStateCommitted  = "committed"
	CheckoutStateAborted    = "aborted"
)

const (
	PaymentMethodCash     = "cash"
	PaymentMethodCard     = "card"
	PaymentMethodQRIS     = "qris"
	PaymentMethodTransfer = "transfer"
)

type SaleLine struct {
	ID        string          `json:"id"`
	ProductID string          `json:"product_id"`
	BatchID   string          `json:"batch_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type Sale struct {
	ID              string          `json:"id"`
	ReceiptNumber   string          `json:"receipt_number"`
	Cashier         string          `json:"cashier"`
	PaymentMethod   string          `json:"payment_method"`
	CustomerEmail   string          `json:"customer_email,omitempty"`
	PrescriptionRef string          `json:"prescription_ref,omitempty"`
	Discount        decimal.Decimal `json:"discount"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	Lines           []SaleLine      `json:"lines"`
	SoldAt          time.Time       `json:"sold_at"`
}

// SaleMeta is the sale metadata supplied by the terminal alongside the cart.
type SaleMeta struct {
	Cashier         string          `json:"cashier"`
	PaymentMethod   string          `json:"payment_method"`
	CustomerEmail   string          `json:"customer_email,omitempty"`
	PrescriptionRef string          `json:"prescription_ref,omitempty"`
	Discount        decimal.Decimal `json:"discount"`
}

type CheckoutRequest struct {
	Lines           []CartLine      `json:"lines"`
	PaymentMethod   string          `json:"payment_method"`
	CustomerEmail   string          `json:"customer_email,omitempty"`
	PrescriptionRef string          `json:"prescription_ref,omitempty"`
	Discount        decimal.Decimal `json:"discount"`
}

type CheckoutResponse struct {
	Sale           Sale            `json:"sale"`
	EstimatedTotal decimal.Decimal `json:"estimated_total"`
	// EstimateDiffers flags a mismatch between the terminal's estimate and the
	// committed total so the UI can reconcile. Never an error.
	EstimateDiffers bool `json:"estimate_differs"`
}

type SaleFilter struct {
	Cashier string     `json:"cashier,omitempty"`
	From    *time.Time `json:"from,omitempty"`
	To      *time.Time `json:"to,omitempty"`
	Limit   int        `json:"limit,omitempty"`
}

type Supplier struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Contact   string    `json:"contact,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	PurchaseOrderStatusOpen      = "open"
	PurchaseOrderStatusReceived  = "received"
	PurchaseOrderStatusCancelled = "cancelled"
)

type PurchaseOrderLine struct {
	ID           string          `json:"id"`
	ProductID    string          `json:"product_id"`
	Quantity     int             `json:"quantity"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	BatchCode    string          `json:"batch_code"`
	ExpiryDate   *time.Time      `json:"expiry_date,omitempty"`
}

type PurchaseOrder struct {
	ID         string              `json:"id"`
	SupplierID string              `json:"supplier_id"`
	Status     string              `json:"status"`
	Notes      string              `json:"notes,omitempty"`
	Lines      []PurchaseOrderLine `json:"lines"`
	CreatedAt  time.Time           `json:"created_at"`
	ReceivedAt *time.Time          `json:"received_at,omitempty"`
}

type PurchaseOrderCreateRequest struct {
	SupplierID string              `json:"supplier_id"`
	Notes      string              `json:"notes,omitempty"`
	Lines      []PurchaseOrderLine `json:"lines"`
}

type LowStockProduct struct {
	Product   Product `json:"product"`
	OnHand    int     `json:"on_hand"`
	Threshold int     `json:"threshold"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditLog struct {
	ID       string    `json:"id"`
	Actor    string    `json:"actor"`
	Action   string    `json:"action"`
	Entity   string    `json:"entity"`
	EntityID string    `json:"entity_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}
