package domain

import (
	"github.com/shopspring/decimal"

	"cafepos/internal/ident"
)

type Category struct {
	ID        ident.ID `json:"id"`
	Name      string   `json:"name"`
	SortOrder int64    `json:"sort_order"`
	Active    bool     `json:"is_active"`
	Synced    bool     `json:"synced"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
}

type CategoryCreateRequest struct {
	Name      string `json:"name"`
	SortOrder int64  `json:"sort_order"`
}

type Product struct {
	ID           ident.ID        `json:"id"`
	CategoryID   ident.ID        `json:"category_id,omitempty"`
	Name         string          `json:"name"`
	Unit         string          `json:"unit"`
	PriceCents   int64           `json:"price_cents"`
	CostCents    int64           `json:"cost_cents"`
	Veg          bool            `json:"is_veg"`
	Active       bool            `json:"is_active"`
	Purchasable  bool            `json:"is_purchasable"`
	Sellable     bool            `json:"is_sellable"`
	ReorderLevel decimal.Decimal `json:"reorder_level"`
	Synced       bool            `json:"synced"`
	CreatedAt    int64           `json:"created_at"`
	UpdatedAt    int64           `json:"updated_at"`
}

type ProductCreateRequest struct {
	CategoryID   string          `json:"category_id"`
	Name         string          `json:"name"`
	Unit         string          `json:"unit"`
	PriceCents   int64           `json:"price_cents"`
	CostCents    int64           `json:"cost_cents"`
	Veg          bool            `json:"is_veg"`
	Purchasable  bool            `json:"is_purchasable"`
	Sellable     bool            `json:"is_sellable"`
	ReorderLevel decimal.Decimal `json:"reorder_level"`
}

type ProductUpdateRequest struct {
	CategoryID   *string          `json:"category_id,omitempty"`
	Name         *string          `json:"name,omitempty"`
	Unit         *string          `json:"unit,omitempty"`
	PriceCents   *int64           `json:"price_cents,omitempty"`
	CostCents    *int64           `json:"cost_cents,omitempty"`
	Active       *bool            `json:"is_active,omitempty"`
	Purchasable  *bool            `json:"is_purchasable,omitempty"`
	Sellable     *bool            `json:"is_sellable,omitempty"`
	ReorderLevel *decimal.Decimal `json:"reorder_level,omitempty"`
}

type ProductFilter struct {
	Sellable    bool
	Purchasable bool
	ActiveOnly  bool
}

type Supplier struct {
	ID        ident.ID `json:"id"`
	Name      string   `json:"name"`
	Phone     string   `json:"phone,omitempty"`
	Address   string   `json:"address,omitempty"`
	CreatedAt int64    `json:"created_at"`
}

type SupplierCreateRequest struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

const (
	TableFree     = "free"
	TableOccupied = "occupied"
)

type Table struct {
	ID       ident.ID `json:"id"`
	Name     string   `json:"name"`
	Capacity int64    `json:"capacity"`
	Status   string   `json:"status"`
}

type TableCreateRequest struct {
	Name     string `json:"name"`
	Capacity int64  `json:"capacity"`
}

type Customer struct {
	ID                 ident.ID `json:"id"`
	Name               string   `json:"name"`
	Phone              string   `json:"phone,omitempty"`
	CreditBalanceCents int64    `json:"credit_balance_cents"`
	Synced             bool     `json:"synced"`
	CreatedAt          int64    `json:"created_at"`
	UpdatedAt          int64    `json:"updated_at"`
}

type CustomerCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

const (
	CreditTypeCredit  = "credit"
	CreditTypePayment = "payment"
)

type CreditTransaction struct {
	ID                 ident.ID `json:"id"`
	CustomerID         ident.ID `json:"customer_id"`
	OrderID            ident.ID `json:"order_id,omitempty"`
	Seq                int64    `json:"seq"`
	Type               string   `json:"type"`
	AmountCents        int64    `json:"amount_cents"`
	BalanceBeforeCents int64    `json:"balance_before_cents"`
	BalanceAfterCents  int64    `json:"balance_after_cents"`
	Note               string   `json:"note,omitempty"`
	CreatedBy          string   `json:"created_by,omitempty"`
	CreatedAt          int64    `json:"created_at"`
}

type CreditRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Note        string `json:"note"`
}

const (
	LedgerPurchase   = "purchase"
	LedgerSale       = "sale"
	LedgerAdjustment = "adjustment"
	LedgerReturn     = "return"
	LedgerCorrection = "correction"
)

// LedgerEntry is one immutable stock movement. Exactly one of QuantityIn and
// QuantityOut is positive.
type LedgerEntry struct {
	ID              ident.ID        `json:"id"`
	ProductID       ident.ID        `json:"product_id"`
	QuantityIn      decimal.Decimal `json:"quantity_in"`
	QuantityOut     decimal.Decimal `json:"quantity_out"`
	UnitPriceCents  int64           `json:"unit_price_cents"`
	TransactionType string          `json:"transaction_type"`
	ReferenceType   string          `json:"reference_type,omitempty"`
	ReferenceID     string          `json:"reference_id,omitempty"`
	Note            string          `json:"note,omitempty"`
	CreatedBy       string          `json:"created_by,omitempty"`
	CreatedAt       int64           `json:"created_at"`
}

const (
	StockOK       = "ok"
	StockLow      = "low"
	StockNegative = "negative"
)

type StockLevel struct {
	ProductID    ident.ID        `json:"product_id"`
	Name         string          `json:"name"`
	Unit         string          `json:"unit"`
	Quantity     decimal.Decimal `json:"quantity"`
	ReorderLevel decimal.Decimal `json:"reorder_level"`
	Status       string          `json:"status"`
}

type StockAdjustRequest struct {
	ProductID string          `json:"product_id"`
	Desired   decimal.Decimal `json:"desired"`
	Note      string          `json:"note"`
}

type StockReturnRequest struct {
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	OrderID   string          `json:"order_id"`
	Note      string          `json:"note"`
}

const (
	OrderDineIn   = "dine_in"
	OrderTakeaway = "takeaway"

	OrderPending   = "pending"
	OrderConfirmed = "confirmed"
	OrderPaid      = "paid"
)

type Order struct {
	ID            ident.ID    `json:"id"`
	OrderNo       string      `json:"order_no"`
	TableID       ident.ID    `json:"table_id,omitempty"`
	CustomerID    ident.ID    `json:"customer_id,omitempty"`
	DaySessionID  ident.ID    `json:"day_session_id,omitempty"`
	OrderType     string      `json:"order_type"`
	Status        string      `json:"status"`
	SubtotalCents int64       `json:"subtotal_cents"`
	DiscountCents int64       `json:"discount_cents"`
	TaxCents      int64       `json:"tax_cents"`
	TotalCents    int64       `json:"total_cents"`
	Note          string      `json:"note,omitempty"`
	CreatedBy     string      `json:"created_by,omitempty"`
	PaidAt        int64       `json:"paid_at,omitempty"`
	Items         []OrderItem `json:"items"`
	Payments      []Payment   `json:"payments"`
	Synced        bool        `json:"synced"`
	CreatedAt     int64       `json:"created_at"`
	UpdatedAt     int64       `json:"updated_at"`
}

type OrderItem struct {
	ID             ident.ID        `json:"id"`
	OrderID        ident.ID        `json:"order_id"`
	ProductID      ident.ID        `json:"product_id"`
	ProductName    string          `json:"product_name"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitPriceCents int64           `json:"unit_price_cents"`
	LineTotalCents int64           `json:"line_total_cents"`
	Note           string          `json:"note,omitempty"`
}

type OrderCreateRequest struct {
	OrderType  string `json:"order_type"`
	TableID    string `json:"table_id"`
	CustomerID string `json:"customer_id"`
	Note       string `json:"note"`
}

type OrderItemRequest struct {
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	Note      string          `json:"note"`
}

type OrderDiscountRequest struct {
	DiscountCents int64 `json:"discount_cents"`
}

type OrderFilter struct {
	Status string
	From   int64
	To     int64
	Limit  int
}

const (
	PaymentCash   = "cash"
	PaymentCard   = "card"
	PaymentQRIS   = "qris"
	PaymentCredit = "credit"
)

type Payment struct {
	ID          ident.ID `json:"id"`
	OrderID     ident.ID `json:"order_id"`
	Method      string   `json:"method"`
	AmountCents int64    `json:"amount_cents"`
	Reference   string   `json:"reference,omitempty"`
	CreatedBy   string   `json:"created_by,omitempty"`
	CreatedAt   int64    `json:"created_at"`
}

type PayRequest struct {
	Method      string `json:"method"`
	AmountCents int64  `json:"amount_cents"`
	Reference   string `json:"reference"`
	CustomerID  string `json:"customer_id"`
}

type PayResponse struct {
	Order       Order              `json:"order"`
	Payment     Payment            `json:"payment"`
	ChangeCents int64              `json:"change_cents"`
	Credit      *CreditTransaction `json:"credit,omitempty"`
}

const (
	PurchaseDraft    = "draft"
	PurchaseReceived = "received"
)

type Purchase struct {
	ID         ident.ID       `json:"id"`
	SupplierID ident.ID       `json:"supplier_id,omitempty"`
	InvoiceNo  string         `json:"invoice_no,omitempty"`
	Status     string         `json:"status"`
	TotalCents int64          `json:"total_cents"`
	Note       string         `json:"note,omitempty"`
	CreatedBy  string         `json:"created_by,omitempty"`
	ReceivedAt int64          `json:"received_at,omitempty"`
	Items      []PurchaseItem `json:"items"`
	CreatedAt  int64          `json:"created_at"`
}

type PurchaseItem struct {
	ID             ident.ID        `json:"id"`
	PurchaseID     ident.ID        `json:"purchase_id"`
	ProductID      ident.ID        `json:"product_id"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitCostCents  int64           `json:"unit_cost_cents"`
	LineTotalCents int64           `json:"line_total_cents"`
}

type PurchaseItemRequest struct {
	ProductID     string          `json:"product_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitCostCents int64           `json:"unit_cost_cents"`
}

type PurchaseCreateRequest struct {
	SupplierID string                `json:"supplier_id"`
	InvoiceNo  string                `json:"invoice_no"`
	Note       string                `json:"note"`
	Items      []PurchaseItemRequest `json:"items"`
}

const (
	DayOpen   = "open"
	DayClosed = "closed"
)

type DaySession struct {
	ID                ident.ID `json:"id"`
	Status            string   `json:"status"`
	OpenedBy          string   `json:"opened_by"`
	ClosedBy          string   `json:"closed_by,omitempty"`
	OpeningCashCents  int64    `json:"opening_cash_cents"`
	ClosingCashCents  int64    `json:"closing_cash_cents"`
	ExpectedCashCents int64    `json:"expected_cash_cents"`
	OpenedAt          int64    `json:"opened_at"`
	ClosedAt          int64    `json:"closed_at,omitempty"`
}

type DayOpenRequest struct {
	OpeningCashCents int64 `json:"opening_cash_cents"`
}

type DayCloseRequest struct {
	ClosingCashCents int64 `json:"closing_cash_cents"`
}

type DailyReportPayment struct {
	Method      string `json:"method"`
	Count       int    `json:"count"`
	AmountCents int64  `json:"amount_cents"`
}

type DailyReport struct {
	From          int64                `json:"from"`
	To            int64                `json:"to"`
	Orders        int                  `json:"orders"`
	SubtotalCents int64                `json:"subtotal_cents"`
	DiscountCents int64                `json:"discount_cents"`
	TaxCents      int64                `json:"tax_cents"`
	TotalCents    int64                `json:"total_cents"`
	Payments      []DailyReportPayment `json:"payments"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	Role      string `json:"role"`
}

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type UserAccount struct {
	Username     string `json:"username"`
	Role         string `json:"role"`
	Active       bool   `json:"active"`
	PasswordHash string `json:"-"`
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type AuditLog struct {
	ID         ident.ID `json:"id"`
	Actor      string   `json:"actor"`
	Role       string   `json:"role"`
	Action     string   `json:"action"`
	EntityType string   `json:"entity_type"`
	EntityID   string   `json:"entity_id"`
	Detail     string   `json:"detail,omitempty"`
	CreatedAt  int64    `json:"created_at"`
}

type SyncTableStatus struct {
	Table   string `json:"table"`
	Pending int    `json:"pending"`
}

type SyncStatus struct {
	Tables       []SyncTableStatus `json:"tables"`
	TotalPending int               `json:"total_pending"`
}
