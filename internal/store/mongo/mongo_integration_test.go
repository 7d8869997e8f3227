package mongo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stockdesk/internal/domain"
	"stockdesk/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("STOCKDESK_TEST_MONGODB_URI")
	if uri == "" {
		t.Skip("set STOCKDESK_TEST_MONGODB_URI to run mongo integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, uri, fmt.Sprintf("stockdesk_it_%d", time.Now().UnixNano()), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.db.Drop(ctx)
		_ = s.Close(ctx)
	})
	return s
}

func createTestItem(t *testing.T, s *Store, base string, stock int) domain.Item {
	t.Helper()
	item, err := s.CreateItem(context.Background(), domain.Item{
		Name:      fmt.Sprintf("IT Item %d", time.Now().UnixNano()),
		BasePrice: decimal.RequireFromString(base),
		Stock:     stock,
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	return *item
}

func TestCommitSaleDecrementsStockAndSnapshotsLines(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	item := createTestItem(t, s, "10.50", 5)

	sale, err := s.CommitSale(ctx, domain.Sale{
		Employee: "alice",
		Customer: &domain.Customer{Name: "Budi", Phone: "0812"},
		Items: []domain.SaleLine{
			{ItemID: item.ID, SellPrice: decimal.RequireFromString("15"), Qty: 2},
			{ItemID: item.ID, SellPrice: decimal.RequireFromString("15"), Qty: 1},
		},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !sale.TotalAmount.Equal(decimal.RequireFromString("45")) || !sale.TotalProfit.Equal(decimal.RequireFromString("13.5")) {
		t.Fatalf("unexpected totals %s / %s", sale.TotalAmount, sale.TotalProfit)
	}

	current, err := s.GetItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if current.Stock != 2 {
		t.Fatalf("expected stock 2, got %d", current.Stock)
	}

	loaded, err := s.GetSale(ctx, sale.ID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if len(loaded.Items) != 2 || loaded.Items[0].Name != item.Name || !loaded.Items[0].BasePrice.Equal(item.BasePrice) {
		t.Fatalf("unexpected stored lines %+v", loaded.Items)
	}
	if loaded.Customer == nil || loaded.Customer.Phone != "0812" || loaded.Customer.ID != sale.Customer.ID {
		t.Fatalf("unexpected stored customer %+v", loaded.Customer)
	}

	listed, err := s.ListSales(ctx, domain.SaleFilter{Employee: "alice", From: sale.Date, To: sale.Date.Add(time.Second)})
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != sale.ID {
		t.Fatalf("unexpected listed sales %+v", listed)
	}
}

func TestCommitSaleRejectsOverdrawWithoutSideEffects(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	item := createTestItem(t, s, "10", 3)

	_, err := s.CommitSale(ctx, domain.Sale{
		Employee: "alice",
		Items: []domain.SaleLine{
			{ItemID: item.ID, SellPrice: decimal.RequireFromString("12"), Qty: 2},
			{ItemID: item.ID, SellPrice: decimal.RequireFromString("12"), Qty: 2},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	_, err = s.CommitSale(ctx, domain.Sale{
		Employee: "alice",
		Items: []domain.SaleLine{
			{ItemID: item.ID, SellPrice: decimal.RequireFromString("12"), Qty: 1},
			{ItemID: "item-missing", SellPrice: decimal.RequireFromString("12"), Qty: 1},
		},
	})
	if !errors.Is(err, store.ErrItemNotFound) {
		t.Fatalf("expected item not found, got %v", err)
	}

	current, _ := s.GetItem(ctx, item.ID)
	if current.Stock != 3 {
		t.Fatalf("expected stock untouched at 3, got %d", current.Stock)
	}
	sales, _ := s.ListSales(ctx, domain.SaleFilter{})
	if len(sales) != 0 {
		t.Fatalf("expected empty ledger, got %d sales", len(sales))
	}
}

func TestConcurrentCommitsNeverOversell(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	item := createTestItem(t, s, "1", 3)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CommitSale(ctx, domain.Sale{
				Employee: "race",
				Items:    []domain.SaleLine{{ItemID: item.ID, SellPrice: decimal.RequireFromString("2"), Qty: 1}},
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	current, _ := s.GetItem(ctx, item.ID)
	if current.Stock < 0 || current.Stock != 3-succeeded {
		t.Fatalf("stock %d inconsistent with %d successful commits", current.Stock, succeeded)
	}
	sales, _ := s.ListSales(ctx, domain.SaleFilter{Employee: "race"})
	if len(sales) != succeeded {
		t.Fatalf("expected %d ledger entries, got %d", succeeded, len(sales))
	}
}

func TestUpsertTargetReplacesAtKey(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	month := 2
	first, err := s.UpsertTarget(ctx, domain.Target{EmployeeUsername: "alice", Type: domain.TargetMonthly, Month: &month, Year: 2024, Target: 10})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if first.UpdatedAt != nil {
		t.Fatalf("expected fresh target without updated_at")
	}
	second, err := s.UpsertTarget(ctx, domain.Target{EmployeeUsername: "alice", Type: domain.TargetMonthly, Month: &month, Year: 2024, Target: 25})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID || second.Target != 25 || second.UpdatedAt == nil {
		t.Fatalf("expected in-place replacement, got %+v", second)
	}

	if _, err := s.UpsertTarget(ctx, domain.Target{EmployeeUsername: "alice", Type: domain.TargetYearly, Year: 2024, Target: 100}); err != nil {
		t.Fatalf("yearly upsert: %v", err)
	}
	targets, err := s.ListTargets(ctx)
	if err != nil {
		t.Fatalf("list targets: %v", err)
	}
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

func TestUsersRoundTrip(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	if err := s.CreateUser(ctx, domain.UserAccount{Username: " Alice ", Password: "hash"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.CreateUser(ctx, domain.UserAccount{Username: "alice", Password: "hash"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := s.UpdateUserPassword(ctx, "alice", "hash2"); err != nil {
		t.Fatalf("update password: %v", err)
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 1 || users[0].Username != "alice" || users[0].Password != "hash2" || users[0].Role != domain.RoleEmployee || !users[0].Active {
		t.Fatalf("unexpected users %+v", users)
	}
	if err := s.DeleteUser(ctx, "alice"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if err := s.DeleteUser(ctx, "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
