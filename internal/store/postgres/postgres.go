package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"stockdesk/internal/domain"
	"stockdesk/internal/store"
	"stockdesk/internal/xid"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	if err := Migrate(databaseURL); err != nil {
		return nil, err
	}

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

	return &Store{db: db, now: time.Now}, nil
}

// Migrate applies the embedded schema migrations on a dedicated connection.
func Migrate(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("open migration source: %w", err)
	}
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("init migrate: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListItems(ctx context.Context) ([]domain.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, base_price, stock, created_at, updated_at
		FROM items
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Item, 0, 64)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, `
		SELECT id, name, base_price, stock, created_at, updated_at
		FROM items
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) CreateItem(ctx context.Context, item domain.Item) (*domain.Item, error) {
	if err := store.ValidateItem(item); err != nil {
		return nil, err
	}
	if item.ID == "" {
		item.ID = xid.New("item")
	}
	now := s.now().UTC()
	item.BasePrice = store.Money(item.BasePrice)
	item.CreatedAt = now
	item.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (id, name, base_price, stock, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, item.ID, item.Name, item.BasePrice, item.Stock, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: item %q already exists", store.ErrConflict, item.Name)
		}
		return nil, err
	}
	created := item
	return &created, nil
}

func (s *Store) UpdateItem(ctx context.Context, item domain.Item) (*domain.Item, error) {
	if err := store.ValidateItem(item); err != nil {
		return nil, err
	}
	item.BasePrice = store.Money(item.BasePrice)

	updated, err := scanItem(s.db.QueryRowContext(ctx, `
		UPDATE items
		SET name = $2, base_price = $3, stock = $4, updated_at = $5
		WHERE id = $1
		RETURNING id, name, base_price, stock, created_at, updated_at
	`, item.ID, item.Name, item.BasePrice, item.Stock, s.now().UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: item %q already exists", store.ErrConflict, item.Name)
		}
		return nil, err
	}
	return &updated, nil
}

func (s *Store) DeleteItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) DecrementStock(ctx context.Context, id string, qty int) error {
	if qty <= 0 {
		return store.ErrInvalidInput
	}
	return decrementStock(ctx, s.db, id, qty)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// decrementStock subtracts qty only when enough stock remains.
func decrementStock(ctx context.Context, q execer, id string, qty int) error {
	res, err := q.ExecContext(ctx, `
		UPDATE items
		SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2
	`, id, qty)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var name string
	var stock int
	err = q.QueryRowContext(ctx, `SELECT name, stock FROM items WHERE id = $1`, id).Scan(&name, &stock)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", store.ErrItemNotFound, id)
	}
	if err != nil {
		return err
	}
	return store.InsufficientStock(name, stock, qty)
}

func (s *Store) CommitSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrEmptyBill
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, txError(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	rows, err := pgTx.QueryContext(ctx, `
		SELECT id, name, base_price, stock, created_at, updated_at
		FROM items
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, uniqueItemIDs(sale.Items))
	if err != nil {
		return nil, txError(err)
	}
	current := make(map[string]domain.Item, len(sale.Items))
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			_ = rows.Close()
			return nil, txError(err)
		}
		current[item.ID] = item
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, txError(err)
	}
	_ = rows.Close()

	reserved := make(map[string]int, len(sale.Items))
	priced := make([]domain.SaleLine, 0, len(sale.Items))
	for _, line := range sale.Items {
		var item *domain.Item
		if found, ok := current[line.ItemID]; ok {
			item = &found
		}
		if err := store.CheckLine(item, line, reserved[line.ItemID]); err != nil {
			return nil, err
		}
		reserved[line.ItemID] += line.Qty
		priced = append(priced, store.PriceLine(*item, line))
	}

	for _, id := range sortedKeys(reserved) {
		if err := decrementStock(ctx, pgTx, id, reserved[id]); err != nil {
			return nil, txError(err)
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

	var customerID, customerName, customerPhone, customerAddress any
	if sale.Customer != nil {
		customerID = sale.Customer.ID
		customerName = sale.Customer.Name
		customerPhone = nullIfEmpty(sale.Customer.Phone)
		customerAddress = nullIfEmpty(sale.Customer.Address)
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (id, sold_at, employee, customer_id, customer_name, customer_phone, customer_address, total_amount, total_profit)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, sale.ID, sale.Date, sale.Employee, customerID, customerName, customerPhone, customerAddress, sale.TotalAmount, sale.TotalProfit)
	if err != nil {
		return nil, txError(err)
	}

	for i, line := range priced {
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, line_no, item_id, name, base_price, sell_price, qty, total, profit)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, sale.ID, i+1, line.ItemID, line.Name, line.BasePrice, line.SellPrice, line.Qty, line.Total, line.Profit)
		if err != nil {
			return nil, txError(err)
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, txError(err)
	}
	return &sale, nil
}

// ListSales returns matching sales newest first.
func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 3)
	if filter.Employee != "" {
		args = append(args, filter.Employee)
		clauses = append(clauses, fmt.Sprintf("employee = $%d", len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From.UTC())
		clauses = append(clauses, fmt.Sprintf("sold_at >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To.UTC())
		clauses = append(clauses, fmt.Sprintf("sold_at < $%d", len(args)))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sold_at, employee, customer_id, customer_name, customer_phone, customer_address, total_amount, total_profit
		FROM sales
		`+where+`
		ORDER BY sold_at DESC, id DESC
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachLines(ctx, sales); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, `
		SELECT id, sold_at, employee, customer_id, customer_name, customer_phone, customer_address, total_amount, total_profit
		FROM sales
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sales := []domain.Sale{sale}
	if err := s.attachLines(ctx, sales); err != nil {
		return nil, err
	}
	return &sales[0], nil
}

func (s *Store) attachLines(ctx context.Context, sales []domain.Sale) error {
	if len(sales) == 0 {
		return nil
	}
	ids := make([]string, 0, len(sales))
	index := make(map[string]int, len(sales))
	for i, sale := range sales {
		ids = append(ids, sale.ID)
		index[sale.ID] = i
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, item_id, name, base_price, sell_price, qty, total, profit
		FROM sale_lines
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, line_no
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var saleID string
		var line domain.SaleLine
		if err := rows.Scan(&saleID, &line.ItemID, &line.Name, &line.BasePrice, &line.SellPrice, &line.Qty, &line.Total, &line.Profit); err != nil {
			return err
		}
		i := index[saleID]
		sales[i].Items = append(sales[i].Items, line)
	}
	return rows.Err()
}

func (s *Store) ListTargets(ctx context.Context) ([]domain.Target, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, employee_username, type, month, year, target, created_at, updated_at
		FROM targets
		ORDER BY employee_username, year, type, month
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	targets := make([]domain.Target, 0, 16)
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return targets, nil
}

// UpsertTarget replaces the goal at (employee, type, month, year). Yearly
// targets are stored with month -1.
func (s *Store) UpsertTarget(ctx context.Context, target domain.Target) (*domain.Target, error) {
	if err := store.ValidateTarget(target); err != nil {
		return nil, err
	}
	month := -1
	if target.Type == domain.TargetMonthly {
		month = *target.Month
	}

	saved, err := scanTarget(s.db.QueryRowContext(ctx, `
		INSERT INTO targets (id, employee_username, type, month, year, target, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (employee_username, type, month, year)
		DO UPDATE SET target = EXCLUDED.target, updated_at = EXCLUDED.created_at
		RETURNING id, employee_username, type, month, year, target, created_at, updated_at
	`, xid.New("target"), target.EmployeeUsername, target.Type, month, target.Year, target.Target, s.now().UTC()))
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (s *Store) DeleteTarget(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleEmployee
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,true,$4,now())
	`, user.Username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username %s already exists", store.ErrConflict, user.Username)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) DeleteUser(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM app_users WHERE username = $1`, strings.ToLower(strings.TrimSpace(username)))
	if err != nil {
		return err
	}
	return requireAffected(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.Item, error) {
	var item domain.Item
	if err := row.Scan(&item.ID, &item.Name, &item.BasePrice, &item.Stock, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return domain.Item{}, err
	}
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return item, nil
}

func scanSale(row rowScanner) (domain.Sale, error) {
	var sale domain.Sale
	var customerID, customerName, customerPhone, customerAddress sql.NullString
	var amount, profit decimal.Decimal
	err := row.Scan(&sale.ID, &sale.Date, &sale.Employee, &customerID, &customerName, &customerPhone, &customerAddress, &amount, &profit)
	if err != nil {
		return domain.Sale{}, err
	}
	sale.Date = sale.Date.UTC()
	sale.TotalAmount = amount
	sale.TotalProfit = profit
	if customerID.Valid {
		sale.Customer = &domain.Customer{
			ID:      customerID.String,
			Name:    customerName.String,
			Phone:   customerPhone.String,
			Address: customerAddress.String,
		}
	}
	sale.Items = make([]domain.SaleLine, 0, 4)
	return sale, nil
}

func scanTarget(row rowScanner) (domain.Target, error) {
	var target domain.Target
	var month int
	var updated sql.NullTime
	err := row.Scan(&target.ID, &target.EmployeeUsername, &target.Type, &month, &target.Year, &target.Target, &target.CreatedAt, &updated)
	if err != nil {
		return domain.Target{}, err
	}
	target.CreatedAt = target.CreatedAt.UTC()
	if month >= 0 {
		target.Month = &month
	}
	if updated.Valid {
		at := updated.Time.UTC()
		target.UpdatedAt = &at
	}
	return target, nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func uniqueItemIDs(lines []domain.SaleLine) []string {
	set := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		if line.ItemID == "" {
			continue
		}
		set[line.ItemID] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	return false
}

// txError reports serialization failures as conflicts the caller may retry.
func txError(err error) error {
	if isSerializationFailure(err) {
		return fmt.Errorf("%w: concurrent sale touched the same items, retry", store.ErrConflict)
	}
	return err
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
