package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"stockdesk/internal/domain"
	"stockdesk/internal/store"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newPenStore(t *testing.T, stock int) (*Store, string) {
	t.Helper()
	s := New()
	pen, err := s.CreateItem(context.Background(), domain.Item{Name: "Pen", BasePrice: dec("10"), Stock: stock})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	return s, pen.ID
}

func stockOf(t *testing.T, s *Store, id string) int {
	t.Helper()
	item, err := s.GetItem(context.Background(), id)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	return item.Stock
}

func TestCommitSaleDecrementsStockAndComputesTotals(t *testing.T) {
	s, penID := newPenStore(t, 5)

	sale, err := s.CommitSale(context.Background(), domain.Sale{
		Employee: "alice",
		Items:    []domain.SaleLine{{ItemID: penID, SellPrice: dec("15"), Qty: 3}},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if sale.ID == "" || sale.Date.IsZero() {
		t.Fatalf("expected store-assigned id and date, got %+v", sale)
	}
	if !sale.TotalAmount.Equal(dec("45")) || !sale.TotalProfit.Equal(dec("15")) {
		t.Fatalf("expected 45/15, got %s/%s", sale.TotalAmount, sale.TotalProfit)
	}
	if sale.Items[0].Name != "Pen" || !sale.Items[0].BasePrice.Equal(dec("10")) {
		t.Fatalf("expected name and base price snapshot, got %+v", sale.Items[0])
	}
	if got := stockOf(t, s, penID); got != 2 {
		t.Fatalf("expected stock 2, got %d", got)
	}
}

func TestCommitSaleRejectsOverdrawWithoutPartialApply(t *testing.T) {
	s := New()
	ctx := context.Background()
	pen, _ := s.CreateItem(ctx, domain.Item{Name: "Pen", BasePrice: dec("10"), Stock: 5})
	ink, _ := s.CreateItem(ctx, domain.Item{Name: "Ink", BasePrice: dec("3"), Stock: 2})

	_, err := s.CommitSale(ctx, domain.Sale{
		Employee: "alice",
		Items: []domain.SaleLine{
			{ItemID: pen.ID, SellPrice: dec("12"), Qty: 4},
			{ItemID: ink.ID, SellPrice: dec("5"), Qty: 3},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if got := stockOf(t, s, pen.ID); got != 5 {
		t.Fatalf("expected pen stock untouched at 5, got %d", got)
	}
	sales, _ := s.ListSales(ctx, domain.SaleFilter{})
	if len(sales) != 0 {
		t.Fatalf("expected empty ledger, got %d sales", len(sales))
	}
}

func TestCommitSaleCountsRepeatedItemLinesTogether(t *testing.T) {
	s, penID := newPenStore(t, 5)

	_, err := s.CommitSale(context.Background(), domain.Sale{
		Items: []domain.SaleLine{
			{ItemID: penID, SellPrice: dec("10"), Qty: 3},
			{ItemID: penID, SellPrice: dec("10"), Qty: 3},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if got := stockOf(t, s, penID); got != 5 {
		t.Fatalf("expected stock 5, got %d", got)
	}
}

func TestCommitSaleRejectsPriceBelowCurrentBase(t *testing.T) {
	s, penID := newPenStore(t, 5)
	ctx := context.Background()

	item, _ := s.GetItem(ctx, penID)
	item.BasePrice = dec("16")
	if _, err := s.UpdateItem(ctx, *item); err != nil {
		t.Fatalf("update item: %v", err)
	}

	_, err := s.CommitSale(ctx, domain.Sale{Items: []domain.SaleLine{{ItemID: penID, SellPrice: dec("15"), Qty: 1}}})
	if !errors.Is(err, store.ErrPriceBelowCost) {
		t.Fatalf("expected price below cost, got %v", err)
	}
	if got := stockOf(t, s, penID); got != 5 {
		t.Fatalf("expected stock 5, got %d", got)
	}
}

func TestCommitSaleRejectsDeletedItem(t *testing.T) {
	s, penID := newPenStore(t, 5)
	ctx := context.Background()
	if err := s.DeleteItem(ctx, penID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, err := s.CommitSale(ctx, domain.Sale{Items: []domain.SaleLine{{ItemID: penID, SellPrice: dec("15"), Qty: 1}}})
	if !errors.Is(err, store.ErrItemNotFound) {
		t.Fatalf("expected item not found, got %v", err)
	}
}

func TestConcurrentCommitsNeverOversell(t *testing.T) {
	s, penID := newPenStore(t, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CommitSale(ctx, domain.Sale{Items: []domain.SaleLine{{ItemID: penID, SellPrice: dec("11"), Qty: 1}}})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Fatalf("expected exactly 10 successful commits, got %d", succeeded)
	}
	if got := stockOf(t, s, penID); got != 0 {
		t.Fatalf("expected stock 0, got %d", got)
	}
}

func TestListSalesNewestFirstWithFilter(t *testing.T) {
	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return clock }))
	ctx := context.Background()
	pen, _ := s.CreateItem(ctx, domain.Item{Name: "Pen", BasePrice: dec("10"), Stock: 100})

	for i, employee := range []string{"alice", "bob", "alice"} {
		clock = clock.Add(time.Duration(i+1) * time.Hour)
		if _, err := s.CommitSale(ctx, domain.Sale{Employee: employee, Items: []domain.SaleLine{{ItemID: pen.ID, SellPrice: dec("10"), Qty: 1}}}); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	all, _ := s.ListSales(ctx, domain.SaleFilter{})
	if len(all) != 3 || !all[0].Date.After(all[1].Date) || !all[1].Date.After(all[2].Date) {
		t.Fatalf("expected 3 sales newest first, got %+v", all)
	}

	alice, _ := s.ListSales(ctx, domain.SaleFilter{Employee: "alice"})
	if len(alice) != 2 {
		t.Fatalf("expected 2 sales for alice, got %d", len(alice))
	}

	window, _ := s.ListSales(ctx, domain.SaleFilter{
		From: time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC),
	})
	if len(window) != 1 || window[0].Employee != "bob" {
		t.Fatalf("expected bob's sale in window, got %+v", window)
	}
}

func TestUpsertTargetReplacesAtKey(t *testing.T) {
	s := New()
	ctx := context.Background()
	march := 2

	first, err := s.UpsertTarget(ctx, domain.Target{EmployeeUsername: "alice", Type: domain.TargetMonthly, Month: &march, Year: 2024, Target: 100})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if first.UpdatedAt != nil {
		t.Fatalf("expected no updatedAt on insert")
	}

	second, err := s.UpsertTarget(ctx, domain.Target{EmployeeUsername: "alice", Type: domain.TargetMonthly, Month: &march, Year: 2024, Target: 120})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if second.ID != first.ID || second.Target != 120 || second.UpdatedAt == nil {
		t.Fatalf("expected replacement of %s, got %+v", first.ID, second)
	}

	if _, err := s.UpsertTarget(ctx, domain.Target{EmployeeUsername: "alice", Type: domain.TargetYearly, Year: 2024, Target: 900}); err != nil {
		t.Fatalf("yearly: %v", err)
	}
	targets, _ := s.ListTargets(ctx)
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(targets))
	}

	if err := s.DeleteTarget(ctx, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteTarget(ctx, first.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestCreateItemRejectsDuplicateName(t *testing.T) {
	s, _ := newPenStore(t, 1)
	_, err := s.CreateItem(context.Background(), domain.Item{Name: "Pen", BasePrice: dec("2"), Stock: 1})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestNewSeededWarnsAboutDefaultCredentials(t *testing.T) {
	t.Setenv("SEED_ADMIN_PASSWORD", "")
	t.Setenv("SEED_EMPLOYEE_PASSWORD", "")
	core, logs := observer.New(zap.WarnLevel)

	s, err := NewSeeded(zap.New(core))
	if err != nil {
		t.Fatalf("new seeded: %v", err)
	}
	if logs.FilterLoggerName("store.memory").Len() != 1 {
		t.Fatalf("expected one default-credential warning, got %v", logs.All())
	}
	users, _ := s.ListUsers(context.Background())
	if len(users) != 2 {
		t.Fatalf("expected 2 seed users, got %d", len(users))
	}
	items, _ := s.ListItems(context.Background())
	if len(items) != 6 {
		t.Fatalf("expected 6 seed items, got %d", len(items))
	}
}

func TestNewSeededReturnsHashError(t *testing.T) {
	t.Setenv("SEED_ADMIN_PASSWORD", strings.Repeat("x", 80))
	t.Setenv("SEED_EMPLOYEE_PASSWORD", "employee123")

	if _, err := NewSeeded(nil); err == nil {
		t.Fatalf("expected bcrypt to reject a password over 72 bytes")
	}
}
