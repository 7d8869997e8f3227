package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"stockdesk/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrItemNotFound      = errors.New("item not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrPriceBelowCost    = errors.New("selling price below base price")
	ErrInvalidInput      = errors.New("invalid input")
	ErrEmptyBill         = errors.New("bill has no lines")
	ErrConflict          = errors.New("conflict")
)

type Catalog interface {
	ListItems(ctx context.Context) ([]domain.Item, error)
	GetItem(ctx context.Context, id string) (*domain.Item, error)
	CreateItem(ctx context.Context, item domain.Item) (*domain.Item, error)
	UpdateItem(ctx context.Context, item domain.Item) (*domain.Item, error)
	DeleteItem(ctx context.Context, id string) error
	// DecrementStock removes qty units only if at least qty are available.
	DecrementStock(ctx context.Context, id string, qty int) error
}

type Ledger interface {
	// CommitSale re-validates every line against current catalog state, then
	// decrements stock and appends the sale as one atomic unit. The store
	// assigns the sale id and date and snapshots name and base price.
	CommitSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
}

type TargetStore interface {
	ListTargets(ctx context.Context) ([]domain.Target, error)
	UpsertTarget(ctx context.Context, target domain.Target) (*domain.Target, error)
	DeleteTarget(ctx context.Context, id string) error
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
	DeleteUser(ctx context.Context, username string) error
}

type Repository interface {
	Catalog
	Ledger
	TargetStore
	UserStore
}

// CheckLine validates one sale line against the current state of its item.
// reserved is the quantity of the same item already claimed by earlier lines
// of the same commit.
func CheckLine(item *domain.Item, line domain.SaleLine, reserved int) error {
	if line.Qty <= 0 || !line.SellPrice.IsPositive() {
		return fmt.Errorf("%w: qty and selling price must be positive (item %s)", ErrInvalidInput, line.ItemID)
	}
	if item == nil {
		return fmt.Errorf("%w: %s", ErrItemNotFound, line.ItemID)
	}
	if line.SellPrice.LessThan(item.BasePrice) {
		return fmt.Errorf("%w: %s (base %s, selling %s)", ErrPriceBelowCost, item.Name, item.BasePrice.StringFixed(2), line.SellPrice.StringFixed(2))
	}
	if reserved+line.Qty > item.Stock {
		return InsufficientStock(item.Name, item.Stock-reserved, line.Qty)
	}
	return nil
}

func InsufficientStock(name string, available int, requested int) error {
	if available < 0 {
		available = 0
	}
	return fmt.Errorf("%w: %s (available %d, requested %d)", ErrInsufficientStock, name, available, requested)
}

// PriceLine fills the snapshot and computed fields of a committed line.
func PriceLine(item domain.Item, line domain.SaleLine) domain.SaleLine {
	qty := decimal.NewFromInt(int64(line.Qty))
	line.Name = item.Name
	line.BasePrice = item.BasePrice
	line.Total = line.SellPrice.Mul(qty)
	line.Profit = line.SellPrice.Sub(item.BasePrice).Mul(qty)
	return line
}

// Totals sums line totals and profits.
func Totals(lines []domain.SaleLine) (decimal.Decimal, decimal.Decimal) {
	amount, profit := decimal.Zero, decimal.Zero
	for _, line := range lines {
		amount = amount.Add(line.Total)
		profit = profit.Add(line.Profit)
	}
	return amount, profit
}

// ValidateItem checks an item before it is stored.
func ValidateItem(item domain.Item) error {
	if strings.TrimSpace(item.Name) == "" {
		return fmt.Errorf("%w: item name required", ErrInvalidInput)
	}
	if !item.BasePrice.IsPositive() {
		return fmt.Errorf("%w: base price must be positive", ErrInvalidInput)
	}
	if item.Stock < 0 {
		return fmt.Errorf("%w: stock must not be negative", ErrInvalidInput)
	}
	return nil
}

// ValidateTarget checks the shape of a target before it is upserted.
func ValidateTarget(t domain.Target) error {
	if strings.TrimSpace(t.EmployeeUsername) == "" || t.Target <= 0 || t.Year <= 0 {
		return ErrInvalidInput
	}
	switch t.Type {
	case domain.TargetMonthly:
		if t.Month == nil || *t.Month < 0 || *t.Month > 11 {
			return fmt.Errorf("%w: monthly target needs a month between 0 and 11", ErrInvalidInput)
		}
	case domain.TargetYearly:
	default:
		return fmt.Errorf("%w: unknown target type %q", ErrInvalidInput, t.Type)
	}
	return nil
}

// Money rounds a price to two decimal places.
func Money(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// TargetKey identifies the upsert slot of a target.
func TargetKey(t domain.Target) string {
	if t.Type == domain.TargetYearly || t.Month == nil {
		return fmt.Sprintf("%s|%s|%d", t.EmployeeUsername, t.Type, t.Year)
	}
	return fmt.Sprintf("%s|%s|%d|%d", t.EmployeeUsername, t.Type, *t.Month, t.Year)
}
