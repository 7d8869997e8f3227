package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"stockdesk/internal/domain"
	"stockdesk/internal/report"
	"stockdesk/internal/store"
)

// ListSales returns ledger entries newest first, optionally restricted to one
// calendar day and one employee. Employees only ever see their own sales.
func (s *Service) ListSales(ctx context.Context, date string, employee string) ([]domain.Sale, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	filter := domain.SaleFilter{Employee: strings.TrimSpace(employee)}
	if !actor.IsAdmin() {
		filter.Employee = actor.Username
	}
	if strings.TrimSpace(date) != "" {
		day, err := s.parseDay(date)
		if err != nil {
			return nil, err
		}
		filter.From, filter.To = report.DayBounds(day, s.loc)
	}

	result, err := s.repo.ListSales(ctx, filter)
	if err != nil {
		return nil, err
	}
	if !filter.From.IsZero() {
		result = report.FilterByDate(result, filter.From, s.loc)
	}
	return result, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Sale{}, err
	}
	sale, err := s.repo.GetSale(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Sale{}, err
	}
	if !actor.IsAdmin() && sale.Employee != actor.Username {
		return domain.Sale{}, store.ErrNotFound
	}
	return *sale, nil
}

// Dashboard returns the day's sales stats plus catalog totals, served from
// the dashboard cache when possible.
func (s *Service) Dashboard(ctx context.Context, date string) (domain.Dashboard, error) {
	day, err := s.parseDay(date)
	if err != nil {
		return domain.Dashboard{}, err
	}
	key := day.Format(report.DateLayout)

	cached, ok, err := s.dashboards.Get(ctx, key)
	if err != nil {
		s.logger.Warn("dashboard cache read failed", zap.String("date", key), zap.Error(err))
	}
	if ok && cached != nil {
		return *cached, nil
	}

	gen := s.dashboardGeneration()
	dashboard, err := s.computeDashboard(ctx, day)
	if err != nil {
		return domain.Dashboard{}, err
	}
	if err := s.storeDashboard(ctx, key, &dashboard, gen); err != nil {
		s.logger.Warn("dashboard cache write failed", zap.String("date", key), zap.Error(err))
	}
	return dashboard, nil
}

// RefreshDashboard recomputes today's dashboard and stores it in the cache.
func (s *Service) RefreshDashboard(ctx context.Context) (domain.Dashboard, error) {
	day := s.today()
	gen := s.dashboardGeneration()
	dashboard, err := s.computeDashboard(ctx, day)
	if err != nil {
		return domain.Dashboard{}, err
	}
	if err := s.storeDashboard(ctx, day.Format(report.DateLayout), &dashboard, gen); err != nil {
		return dashboard, err
	}
	return dashboard, nil
}

func (s *Service) computeDashboard(ctx context.Context, day time.Time) (domain.Dashboard, error) {
	from, to := report.DayBounds(day, s.loc)
	daySales, err := s.repo.ListSales(ctx, domain.SaleFilter{From: from, To: to})
	if err != nil {
		return domain.Dashboard{}, err
	}
	items, err := s.repo.ListItems(ctx)
	if err != nil {
		return domain.Dashboard{}, err
	}

	dashboard := domain.Dashboard{
		DailyStats: report.DailyStats(daySales, day, s.loc),
		TotalItems: len(items),
	}
	for _, item := range items {
		if item.Stock < s.lowStock {
			dashboard.LowStockItems++
		}
	}
	return dashboard, nil
}

// UpsertTargets sets the monthly and/or yearly target of one employee.
func (s *Service) UpsertTargets(ctx context.Context, req domain.TargetUpsertRequest) ([]domain.Target, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	req.EmployeeUsername = strings.TrimSpace(req.EmployeeUsername)
	if err := s.validateStruct(req); err != nil {
		return nil, err
	}
	if req.MonthlyTarget == nil && req.YearlyTarget == nil {
		return nil, fmt.Errorf("%w: monthly or yearly target required", store.ErrInvalidInput)
	}

	saved := make([]domain.Target, 0, 2)
	if req.MonthlyTarget != nil {
		month := req.Month
		target, err := s.repo.UpsertTarget(ctx, domain.Target{
			EmployeeUsername: req.EmployeeUsername,
			Type:             domain.TargetMonthly,
			Month:            &month,
			Year:             req.Year,
			Target:           *req.MonthlyTarget,
		})
		if err != nil {
			return nil, err
		}
		saved = append(saved, *target)
	}
	if req.YearlyTarget != nil {
		target, err := s.repo.UpsertTarget(ctx, domain.Target{
			EmployeeUsername: req.EmployeeUsername,
			Type:             domain.TargetYearly,
			Year:             req.Year,
			Target:           *req.YearlyTarget,
		})
		if err != nil {
			return nil, err
		}
		saved = append(saved, *target)
	}

	for _, target := range saved {
		s.logAudit(ctx, "target_upsert", target.ID, zap.String("employee", target.EmployeeUsername), zap.String("type", target.Type), zap.Int("target", target.Target))
	}
	return saved, nil
}

func (s *Service) ListTargetProgress(ctx context.Context) ([]domain.TargetProgress, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	targets, err := s.repo.ListTargets(ctx)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return []domain.TargetProgress{}, nil
	}
	ledger, err := s.repo.ListSales(ctx, domain.SaleFilter{})
	if err != nil {
		return nil, err
	}

	result := make([]domain.TargetProgress, 0, len(targets))
	for _, target := range targets {
		result = append(result, report.ProgressForTarget(ledger, target, s.loc))
	}
	return result, nil
}

func (s *Service) DeleteTarget(ctx context.Context, id string) error {
	if _, err := requireAdmin(ctx); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if err := s.repo.DeleteTarget(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "target_delete", id)
	return nil
}

// EmployeeProgress reports unit sales for username in the given zero-based
// month and year, defaulting to the current period. Employees may only ask
// about themselves and never see revenue.
func (s *Service) EmployeeProgress(ctx context.Context, username string, month *int, year *int) (domain.EmployeeProgress, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.EmployeeProgress{}, err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		username = actor.Username
	}
	if !actor.IsAdmin() && username != actor.Username {
		return domain.EmployeeProgress{}, fmt.Errorf("%w: employees can only view their own progress", ErrForbidden)
	}

	now := s.today()
	m, y := int(now.Month())-1, now.Year()
	if month != nil {
		if *month < 0 || *month > 11 {
			return domain.EmployeeProgress{}, fmt.Errorf("%w: month must be between 0 and 11", store.ErrInvalidInput)
		}
		m = *month
	}
	if year != nil {
		if *year < 1 {
			return domain.EmployeeProgress{}, fmt.Errorf("%w: year must be positive", store.ErrInvalidInput)
		}
		y = *year
	}

	ledger, err := s.repo.ListSales(ctx, domain.SaleFilter{Employee: username})
	if err != nil {
		return domain.EmployeeProgress{}, err
	}
	progress := report.EmployeeProgress(ledger, username, m, y, now, s.loc)

	targets, err := s.repo.ListTargets(ctx)
	if err != nil {
		return domain.EmployeeProgress{}, err
	}
	for _, target := range targets {
		if target.EmployeeUsername != username || target.Year != y {
			continue
		}
		tp := report.ProgressForTarget(ledger, target, s.loc)
		switch {
		case target.Type == domain.TargetYearly:
			progress.YearlyTarget = &tp
		case target.Month != nil && *target.Month == m:
			progress.MonthlyTarget = &tp
		}
	}

	if !actor.IsAdmin() {
		progress.TotalRevenue = nil
	}
	return progress, nil
}

// Customers summarizes buyers found in the ledger, optionally filtered by a
// case-insensitive name or phone substring.
func (s *Service) Customers(ctx context.Context, query string) ([]domain.CustomerSummary, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	ledger, err := s.repo.ListSales(ctx, domain.SaleFilter{})
	if err != nil {
		return nil, err
	}
	summaries := report.CustomerSummaries(ledger)

	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return summaries, nil
	}
	filtered := make([]domain.CustomerSummary, 0, len(summaries))
	for _, summary := range summaries {
		if strings.Contains(strings.ToLower(summary.Customer.Name), query) ||
			strings.Contains(strings.ToLower(summary.Customer.Phone), query) {
			filtered = append(filtered, summary)
		}
	}
	return filtered, nil
}

// Employees lists employee usernames from accounts and from the ledger.
func (s *Service) Employees(ctx context.Context) ([]string, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	ledger, err := s.repo.ListSales(ctx, domain.SaleFilter{})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for _, user := range users {
		if user.Role == domain.RoleAdmin {
			seen[user.Username] = true
		}
	}
	names := make([]string, 0, len(users))
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
	}
	for _, user := range users {
		if user.Role == domain.RoleEmployee {
			add(user.Username)
		}
	}
	for _, sale := range ledger {
		add(sale.Employee)
	}
	slices.Sort(names)
	return names, nil
}

func (s *Service) invalidateToday(ctx context.Context) {
	s.invalidateDay(ctx, s.today())
}

func (s *Service) invalidateDay(ctx context.Context, at time.Time) {
	key := at.In(s.loc).Format(report.DateLayout)
	s.dashMu.Lock()
	s.dashGen++
	s.dashMu.Unlock()
	if err := s.dashboards.Invalidate(ctx, key); err != nil {
		s.logger.Warn("dashboard cache invalidate failed", zap.String("date", key), zap.Error(err))
	}
}

func (s *Service) dashboardGeneration() uint64 {
	s.dashMu.Lock()
	defer s.dashMu.Unlock()
	return s.dashGen
}

// storeDashboard caches a dashboard computed at generation gen. It is
// dropped when an invalidation landed in between.
func (s *Service) storeDashboard(ctx context.Context, key string, dashboard *domain.Dashboard, gen uint64) error {
	s.dashMu.Lock()
	defer s.dashMu.Unlock()
	if s.dashGen != gen {
		s.logger.Debug("dashboard invalidated during compute, not caching", zap.String("date", key))
		return nil
	}
	return s.dashboards.Set(ctx, key, dashboard, s.dashboardTTL)
}
