package sales

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"stockdesk/internal/domain"
	"stockdesk/internal/store"
)

// ItemLookup is the slice of the catalog a bill needs.
type ItemLookup interface {
	GetItem(ctx context.Context, id string) (*domain.Item, error)
}

// Bill accumulates lines for one pending sale. It is not safe for concurrent
// use; callers holding a bill across requests must guard it.
type Bill struct {
	ID       string
	Employee string
	Customer *domain.Customer
	OpenedAt time.Time

	catalog ItemLookup
	lines   []domain.BillLine
}

func NewBill(id string, employee string, customer *domain.Customer, catalog ItemLookup, openedAt time.Time) *Bill {
	return &Bill{
		ID:       id,
		Employee: employee,
		Customer: customer,
		OpenedAt: openedAt,
		catalog:  catalog,
	}
}

// AddLine adds qty units of an item at sellingPrice. A second add of the same
// item sums the quantities into the existing line and overwrites its selling
// price with the latest one. On error the bill is left unchanged.
func (b *Bill) AddLine(ctx context.Context, itemID string, qty int, sellingPrice decimal.Decimal) error {
	if qty <= 0 || !sellingPrice.IsPositive() {
		return fmt.Errorf("%w: qty and selling price must be positive", store.ErrInvalidInput)
	}
	sellingPrice = store.Money(sellingPrice)

	item, err := b.catalog.GetItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", store.ErrItemNotFound, itemID)
		}
		return err
	}
	if sellingPrice.LessThan(item.BasePrice) {
		return fmt.Errorf("%w: %s (base %s, selling %s)", store.ErrPriceBelowCost, item.Name, item.BasePrice.StringFixed(2), sellingPrice.StringFixed(2))
	}

	if idx := b.indexOf(itemID); idx >= 0 {
		line := b.lines[idx]
		if qty > item.Stock-line.Qty {
			return store.InsufficientStock(item.Name, item.Stock-line.Qty, qty)
		}
		line.Qty += qty
		line.SellingPrice = sellingPrice
		line.Name = item.Name
		line.BasePrice = item.BasePrice
		b.lines[idx] = recompute(line)
		return nil
	}

	if qty > item.Stock {
		return store.InsufficientStock(item.Name, item.Stock, qty)
	}
	b.lines = append(b.lines, recompute(domain.BillLine{
		ItemID:       item.ID,
		Name:         item.Name,
		BasePrice:    item.BasePrice,
		SellingPrice: sellingPrice,
		Qty:          qty,
	}))
	return nil
}

// RemoveLine drops the line for itemID.
func (b *Bill) RemoveLine(itemID string) error {
	idx := b.indexOf(itemID)
	if idx < 0 {
		return store.ErrNotFound
	}
	b.lines = append(b.lines[:idx], b.lines[idx+1:]...)
	return nil
}

func (b *Bill) Lines() []domain.BillLine {
	return append([]domain.BillLine(nil), b.lines...)
}

func (b *Bill) Len() int {
	return len(b.lines)
}

func (b *Bill) GrandTotal() decimal.Decimal {
	total := decimal.Zero
	for _, line := range b.lines {
		total = total.Add(line.LineTotal)
	}
	return total
}

func (b *Bill) TotalProfit() decimal.Decimal {
	total := decimal.Zero
	for _, line := range b.lines {
		total = total.Add(line.LineProfit)
	}
	return total
}

func (b *Bill) View() domain.BillView {
	return domain.BillView{
		ID:          b.ID,
		Employee:    b.Employee,
		Customer:    b.Customer,
		Lines:       b.Lines(),
		GrandTotal:  b.GrandTotal(),
		TotalProfit: b.TotalProfit(),
		OpenedAt:    b.OpenedAt,
	}
}

func (b *Bill) indexOf(itemID string) int {
	for i, line := range b.lines {
		if line.ItemID == itemID {
			return i
		}
	}
	return -1
}

func recompute(line domain.BillLine) domain.BillLine {
	qty := decimal.NewFromInt(int64(line.Qty))
	line.LineTotal = line.SellingPrice.Mul(qty)
	line.LineProfit = line.SellingPrice.Sub(line.BasePrice).Mul(qty)
	return line
}
