package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"stockdesk/internal/domain"
	"stockdesk/internal/store"
	"stockdesk/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	now             func() time.Time
	items           map[string]domain.Item
	sales           []domain.Sale
	targetsByID     map[string]domain.Target
	usersByUsername map[string]domain.UserAccount
}

type Option func(*Store)

// WithClock overrides the clock used for sale dates and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithUsers seeds user accounts. Passwords must already be bcrypt hashes.
func WithUsers(users ...domain.UserAccount) Option {
	return func(s *Store) {
		for _, u := range users {
			s.usersByUsername[strings.ToLower(u.Username)] = u
		}
	}
}

// WithItems seeds catalog items, assigning ids where missing.
func WithItems(items ...domain.Item) Option {
	return func(s *Store) {
		for _, item := range items {
			if item.ID == "" {
				item.ID = xid.New("item")
			}
			item.BasePrice = store.Money(item.BasePrice)
			s.items[item.ID] = item
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		now:             time.Now,
		items:           make(map[string]domain.Item),
		sales:           make([]domain.Sale, 0, 128),
		targetsByID:     make(map[string]domain.Target),
		usersByUsername: make(map[string]domain.UserAccount),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_EMPLOYEE_PASSWORD; dev
// defaults are used with a warning when unset. Deployments backed by postgres
// or mongo never call this.
func seedUsers(logger *zap.Logger) ([]domain.UserAccount, error) {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	employeePwd := envOr("SEED_EMPLOYEE_PASSWORD", "employee123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_EMPLOYEE_PASSWORD") == "" {
		logger.Warn("using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_EMPLOYEE_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := make([]domain.UserAccount, 0, 2)
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"employee", employeePwd, domain.RoleEmployee},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash seed password for %s: %w", u.username, err)
		}
		users = append(users, domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		})
	}
	return users, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with a small demo catalog and the seed accounts.
func NewSeeded(logger *zap.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	users, err := seedUsers(logger.Named("store.memory"))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	items := []domain.Item{
		{Name: "Pen", BasePrice: decimal.NewFromInt(10), Stock: 120},
		{Name: "Pencil", BasePrice: decimal.NewFromInt(6), Stock: 150},
		{Name: "Notebook A5", BasePrice: decimal.NewFromInt(35), Stock: 60},
		{Name: "Eraser", BasePrice: decimal.RequireFromString("4.50"), Stock: 80},
		{Name: "Stapler", BasePrice: decimal.NewFromInt(55), Stock: 8},
		{Name: "Glue Stick", BasePrice: decimal.RequireFromString("12.75"), Stock: 40},
	}
	for i := range items {
		items[i].CreatedAt = now
		items[i].UpdatedAt = now
	}

	base := []Option{WithItems(items...), WithUsers(users...)}
	return New(append(base, opts...)...), nil
}

func (s *Store) ListItems(_ context.Context) ([]domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.Item, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, item)
	}
	slices.SortFunc(items, func(a, b domain.Item) int {
		return strings.Compare(a.Name, b.Name)
	})
	return items, nil
}

func (s *Store) GetItem(_ context.Context, id string) (*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, exists := s.items[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &item, nil
}

func (s *Store) CreateItem(_ context.Context, item domain.Item) (*domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := store.ValidateItem(item); err != nil {
		return nil, err
	}
	if s.nameTakenLocked(item.Name, "") {
		return nil, fmt.Errorf("%w: item %q already exists", store.ErrConflict, item.Name)
	}

	now := s.now().UTC()
	if item.ID == "" {
		item.ID = xid.New("item")
	}
	item.BasePrice = store.Money(item.BasePrice)
	item.CreatedAt = now
	item.UpdatedAt = now
	s.items[item.ID] = item
	created := item
	return &created, nil
}

func (s *Store) UpdateItem(_ context.Context, item domain.Item) (*domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := store.ValidateItem(item); err != nil {
		return nil, err
	}
	existing, exists := s.items[item.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if s.nameTakenLocked(item.Name, item.ID) {
		return nil, fmt.Errorf("%w: item %q already exists", store.ErrConflict, item.Name)
	}

	item.BasePrice = store.Money(item.BasePrice)
	item.CreatedAt = existing.CreatedAt
	item.UpdatedAt = s.now().UTC()
	s.items[item.ID] = item
	updated := item
	return &updated, nil
}

func (s *Store) DeleteItem(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *Store) DecrementStock(_ context.Context, id string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.decrementLocked(id, qty)
}

func (s *Store) decrementLocked(id string, qty int) error {
	if qty <= 0 {
		return store.ErrInvalidInput
	}
	item, exists := s.items[id]
	if !exists {
		return fmt.Errorf("%w: %s", store.ErrItemNotFound, id)
	}
	if item.Stock < qty {
		return store.InsufficientStock(item.Name, item.Stock, qty)
	}
	item.Stock -= qty
	s.items[id] = item
	return nil
}

func (s *Store) CommitSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(sale.Items) == 0 {
		return nil, store.ErrEmptyBill
	}

	// Validate every line before touching stock so a failure leaves nothing applied.
	reserved := make(map[string]int, len(sale.Items))
	priced := make([]domain.SaleLine, 0, len(sale.Items))
	for _, line := range sale.Items {
		var current *domain.Item
		if item, ok := s.items[line.ItemID]; ok {
			current = &item
		}
		if err := store.CheckLine(current, line, reserved[line.ItemID]); err != nil {
			return nil, err
		}
		reserved[line.ItemID] += line.Qty
		priced = append(priced, store.PriceLine(*current, line))
	}

	for _, line := range priced {
		if err := s.decrementLocked(line.ItemID, line.Qty); err != nil {
			// Unreachable after validation under the same lock.
			return nil, err
		}
	}

	sale.ID = xid.New("sale")
	sale.Date = s.now().UTC()
	sale.Items = priced
	sale.TotalAmount, sale.TotalProfit = store.Totals(priced)
	if sale.Customer != nil {
		customer := *sale.Customer
		if customer.ID == "" {
			customer.ID = xid.New("cust")
		}
		sale.Customer = &customer
	}

	s.sales = append(s.sales, sale)
	return cloneSale(sale), nil
}

// ListSales returns matching sales newest first.
func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, len(s.sales))
	for i := len(s.sales) - 1; i >= 0; i-- {
		sale := s.sales[i]
		if !matchesFilter(sale, filter) {
			continue
		}
		result = append(result, *cloneSale(sale))
	}
	slices.SortStableFunc(result, func(a, b domain.Sale) int {
		return b.Date.Compare(a.Date)
	})
	return result, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sale := range s.sales {
		if sale.ID == id {
			return cloneSale(sale), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListTargets(_ context.Context) ([]domain.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	targets := make([]domain.Target, 0, len(s.targetsByID))
	for _, t := range s.targetsByID {
		targets = append(targets, cloneTarget(t))
	}
	slices.SortFunc(targets, compareTargets)
	return targets, nil
}

func (s *Store) UpsertTarget(_ context.Context, target domain.Target) (*domain.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := store.ValidateTarget(target); err != nil {
		return nil, err
	}
	if target.Type == domain.TargetYearly {
		target.Month = nil
	}

	now := s.now().UTC()
	key := store.TargetKey(target)
	for id, existing := range s.targetsByID {
		if store.TargetKey(existing) != key {
			continue
		}
		existing.Target = target.Target
		existing.UpdatedAt = &now
		s.targetsByID[id] = existing
		updated := cloneTarget(existing)
		return &updated, nil
	}

	target.ID = xid.New("target")
	target.CreatedAt = now
	target.UpdatedAt = nil
	s.targetsByID[target.ID] = target
	created := cloneTarget(target)
	return &created, nil
}

func (s *Store) DeleteTarget(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.targetsByID[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.targetsByID, id)
	return nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return fmt.Errorf("%w: username %s already exists", store.ErrConflict, username)
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleEmployee
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) DeleteUser(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if _, exists := s.usersByUsername[username]; !exists {
		return store.ErrNotFound
	}
	delete(s.usersByUsername, username)
	return nil
}

func (s *Store) nameTakenLocked(name string, exceptID string) bool {
	for id, item := range s.items {
		if id != exceptID && item.Name == name {
			return true
		}
	}
	return false
}

func matchesFilter(sale domain.Sale, filter domain.SaleFilter) bool {
	if filter.Employee != "" && sale.Employee != filter.Employee {
		return false
	}
	if !filter.From.IsZero() && sale.Date.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && !sale.Date.Before(filter.To) {
		return false
	}
	return true
}

func compareTargets(a, b domain.Target) int {
	if c := strings.Compare(a.EmployeeUsername, b.EmployeeUsername); c != 0 {
		return c
	}
	if a.Year != b.Year {
		return a.Year - b.Year
	}
	if c := strings.Compare(a.Type, b.Type); c != 0 {
		return c
	}
	return monthOf(a) - monthOf(b)
}

func monthOf(t domain.Target) int {
	if t.Month == nil {
		return -1
	}
	return *t.Month
}

func cloneSale(src domain.Sale) *domain.Sale {
	dst := src
	dst.Items = append([]domain.SaleLine(nil), src.Items...)
	if src.Customer != nil {
		customer := *src.Customer
		dst.Customer = &customer
	}
	return &dst
}

func cloneTarget(src domain.Target) domain.Target {
	dst := src
	if src.Month != nil {
		month := *src.Month
		dst.Month = &month
	}
	if src.UpdatedAt != nil {
		updated := *src.UpdatedAt
		dst.UpdatedAt = &updated
	}
	return dst
}
