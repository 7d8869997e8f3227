package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleAdmin    = "admin"
	RoleEmployee = "employee"
)

const (
	TargetMonthly = "monthly"
	TargetYearly  = "yearly"
)

type Item struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	BasePrice decimal.Decimal `json:"base_price"`
	Stock     int             `json:"stock"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type ItemCreateRequest struct {
	Name      string          `json:"name" validate:"required,max=120"`
	BasePrice decimal.Decimal `json:"base_price"`
	Stock     int             `json:"stock" validate:"gte=0"`
}

type ItemUpdateRequest struct {
	Name      *string          `json:"name,omitempty" validate:"omitempty,max=120"`
	BasePrice *decimal.Decimal `json:"base_price,omitempty"`
	Stock     *int             `json:"stock,omitempty" validate:"omitempty,gte=0"`
}

// Customer is a snapshot of the buyer taken when a sale is committed.
type Customer struct {
	ID      string `json:"id"`
	Name    string `json:"name" validate:"required,max=120"`
	Phone   string `json:"phone,omitempty" validate:"max=32"`
	Address string `json:"address,omitempty" validate:"max=255"`
}

// BillLine is one pending line of an open bill.
type BillLine struct {
	ItemID       string          `json:"item_id"`
	Name         string          `json:"name"`
	BasePrice    decimal.Decimal `json:"base_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	Qty          int             `json:"qty"`
	LineTotal    decimal.Decimal `json:"line_total"`
	LineProfit   decimal.Decimal `json:"line_profit"`
}

type BillView struct {
	ID          string          `json:"id"`
	Employee    string          `json:"employee"`
	Customer    *Customer       `json:"customer,omitempty"`
	Lines       []BillLine      `json:"lines"`
	GrandTotal  decimal.Decimal `json:"grand_total"`
	TotalProfit decimal.Decimal `json:"total_profit"`
	OpenedAt    time.Time       `json:"opened_at"`
}

type BillOpenRequest struct {
	Customer *Customer `json:"customer,omitempty"`
}

type BillLineRequest struct {
	ItemID       string          `json:"item_id" validate:"required"`
	Qty          int             `json:"qty"`
	SellingPrice decimal.Decimal `json:"selling_price"`
}

// SaleRequest records a sale in one call without an open bill.
type SaleRequest struct {
	Customer *Customer        `json:"customer,omitempty"`
	Items    []BillLineRequest `json:"items" validate:"dive"`
}

// SaleLine is the immutable record of one line inside a committed sale.
type SaleLine struct {
	ItemID    string          `json:"item_id"`
	Name      string          `json:"name"`
	BasePrice decimal.Decimal `json:"base_price"`
	SellPrice decimal.Decimal `json:"sell_price"`
	Qty       int             `json:"qty"`
	Total     decimal.Decimal `json:"total"`
	Profit    decimal.Decimal `json:"profit"`
}

// Sale is one ledger entry. It is never updated or deleted once appended.
type Sale struct {
	ID          string          `json:"id"`
	Date        time.Time       `json:"date"`
	Employee    string          `json:"employee"`
	Customer    *Customer       `json:"customer,omitempty"`
	Items       []SaleLine      `json:"items"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	TotalProfit decimal.Decimal `json:"total_profit"`
}

// Quantity is the total number of units across all lines.
func (s Sale) Quantity() int {
	total := 0
	for _, line := range s.Items {
		total += line.Qty
	}
	return total
}

// SaleFilter narrows ledger reads. Zero values match everything; To is exclusive.
type SaleFilter struct {
	From     time.Time
	To       time.Time
	Employee string
}

// Target is an admin-defined unit goal. Month is zero-based (0 = January)
// and only set for monthly targets.
type Target struct {
	ID               string     `json:"id"`
	EmployeeUsername string     `json:"employee_username"`
	Type             string     `json:"type"`
	Month            *int       `json:"month,omitempty"`
	Year             int        `json:"year"`
	Target           int        `json:"target"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
}

type TargetUpsertRequest struct {
	EmployeeUsername string `json:"employee_username" validate:"required"`
	Month            int    `json:"month" validate:"gte=0,lte=11"`
	Year             int    `json:"year" validate:"gte=2000,lte=9999"`
	MonthlyTarget    *int   `json:"monthly_target,omitempty" validate:"omitempty,gt=0"`
	YearlyTarget     *int   `json:"yearly_target,omitempty" validate:"omitempty,gt=0"`
}

type TargetProgress struct {
	Target    Target          `json:"target"`
	Sold      int             `json:"sold"`
	Remaining int             `json:"remaining"`
	Percent   decimal.Decimal `json:"percent"`
}

type DailyStats struct {
	Date       string          `json:"date"`
	SalesCount int             `json:"sales_count"`
	Revenue    decimal.Decimal `json:"revenue"`
	Profit     decimal.Decimal `json:"profit"`
}

type Dashboard struct {
	DailyStats
	TotalItems    int `json:"total_items"`
	LowStockItems int `json:"low_stock_items"`
}

type EmployeeProgress struct {
	Username      string           `json:"username"`
	Month         int              `json:"month"`
	Year          int              `json:"year"`
	TodayQty      int              `json:"today_qty"`
	MonthQty      int              `json:"month_qty"`
	YearQty       int              `json:"year_qty"`
	TotalRevenue  *decimal.Decimal `json:"total_revenue,omitempty"`
	MonthlyTarget *TargetProgress  `json:"monthly_target,omitempty"`
	YearlyTarget  *TargetProgress  `json:"yearly_target,omitempty"`
}

type CustomerSummary struct {
	Customer         Customer        `json:"customer"`
	Transactions     int             `json:"transactions"`
	TotalSpent       decimal.Decimal `json:"total_spent"`
	TopEmployee      string          `json:"top_employee"`
	TopEmployeeSales int             `json:"top_employee_sales"`
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

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

type UserCreateRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32"`
	Password string `json:"password" validate:"required,min=6,max=72"`
	Role     string `json:"role" validate:"omitempty,oneof=admin employee"`
}

type User struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
