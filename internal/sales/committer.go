package sales

import (
	"context"
	"strings"

	"stockdesk/internal/domain"
	"stockdesk/internal/store"
)

// Committer turns bills into ledger entries.
type Committer struct {
	ledger store.Ledger
}

func NewCommitter(ledger store.Ledger) *Committer {
	return &Committer{ledger: ledger}
}

// Commit records the bill as a sale attributed to actor. The ledger repeats
// line validation against current catalog state inside the atomic step that
// decrements stock. The bill itself is not modified.
func (c *Committer) Commit(ctx context.Context, bill *Bill, actor domain.Actor, customer *domain.Customer) (*domain.Sale, error) {
	if bill == nil || bill.Len() == 0 {
		return nil, store.ErrEmptyBill
	}

	lines := bill.Lines()
	draft := domain.Sale{
		Employee: actor.Username,
		Customer: normalizeCustomer(customer),
		Items:    make([]domain.SaleLine, 0, len(lines)),
	}
	for _, line := range lines {
		draft.Items = append(draft.Items, domain.SaleLine{
			ItemID:    line.ItemID,
			SellPrice: line.SellingPrice,
			Qty:       line.Qty,
		})
	}

	return c.ledger.CommitSale(ctx, draft)
}

func normalizeCustomer(customer *domain.Customer) *domain.Customer {
	if customer == nil {
		return nil
	}
	normalized := domain.Customer{
		ID:      strings.TrimSpace(customer.ID),
		Name:    strings.TrimSpace(customer.Name),
		Phone:   strings.TrimSpace(customer.Phone),
		Address: strings.TrimSpace(customer.Address),
	}
	if normalized.ID == "" && normalized.Name == "" {
		return nil
	}
	return &normalized
}
