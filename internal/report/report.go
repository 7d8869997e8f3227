// Package report aggregates the sales ledger. Every function is a pure read
// over a slice of sales and returns zeroed results for an empty ledger.
// Calendar comparisons happen in the supplied location.
package report

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"stockdesk/internal/domain"
)

const DateLayout = "2006-01-02"

var hundred = decimal.NewFromInt(100)

// SameDay reports whether a and b fall on the same calendar day in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// DayBounds returns the [start, end) instants of day's calendar date in loc.
func DayBounds(day time.Time, loc *time.Location) (time.Time, time.Time) {
	y, m, d := day.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

func DailyStats(sales []domain.Sale, day time.Time, loc *time.Location) domain.DailyStats {
	stats := domain.DailyStats{
		Date:    day.In(loc).Format(DateLayout),
		Revenue: decimal.Zero,
		Profit:  decimal.Zero,
	}
	for _, sale := range sales {
		if !SameDay(sale.Date, day, loc) {
			continue
		}
		stats.SalesCount++
		stats.Revenue = stats.Revenue.Add(sale.TotalAmount)
		stats.Profit = stats.Profit.Add(sale.TotalProfit)
	}
	return stats
}

// FilterByDate keeps the sales on day's calendar date, preserving order.
func FilterByDate(sales []domain.Sale, day time.Time, loc *time.Location) []domain.Sale {
	result := make([]domain.Sale, 0, len(sales))
	for _, sale := range sales {
		if SameDay(sale.Date, day, loc) {
			result = append(result, sale)
		}
	}
	return result
}

// ProgressForTarget sums the units the target's employee sold within the
// target's month or year.
func ProgressForTarget(sales []domain.Sale, target domain.Target, loc *time.Location) domain.TargetProgress {
	sold := 0
	for _, sale := range sales {
		if sale.Employee != target.EmployeeUsername {
			continue
		}
		if !inPeriod(sale.Date.In(loc), target) {
			continue
		}
		sold += sale.Quantity()
	}

	progress := domain.TargetProgress{
		Target:    target,
		Sold:      sold,
		Remaining: max(0, target.Target-sold),
		Percent:   decimal.Zero,
	}
	if target.Target > 0 {
		percent := decimal.NewFromInt(int64(sold)).Mul(hundred).Div(decimal.NewFromInt(int64(target.Target)))
		progress.Percent = decimal.Min(hundred, percent).Round(2)
	}
	return progress
}

// EmployeeProgress buckets one employee's units into today, the given month
// (zero-based) and the given year, and sums the revenue of all their sales.
func EmployeeProgress(sales []domain.Sale, username string, month int, year int, now time.Time, loc *time.Location) domain.EmployeeProgress {
	progress := domain.EmployeeProgress{
		Username: username,
		Month:    month,
		Year:     year,
	}
	revenue := decimal.Zero
	for _, sale := range sales {
		if sale.Employee != username {
			continue
		}
		revenue = revenue.Add(sale.TotalAmount)

		local := sale.Date.In(loc)
		qty := sale.Quantity()
		if SameDay(local, now, loc) {
			progress.TodayQty += qty
		}
		if local.Year() == year {
			progress.YearQty += qty
			if int(local.Month())-1 == month {
				progress.MonthQty += qty
			}
		}
	}
	progress.TotalRevenue = &revenue
	return progress
}

// CustomerSummaries groups sales by customer id. Sales without a customer are
// skipped. The customer snapshot is taken from the newest sale seen first in
// the input order; the top employee is the one with most sales to that
// customer, ties going to the lexicographically smallest username.
func CustomerSummaries(sales []domain.Sale) []domain.CustomerSummary {
	type acc struct {
		summary domain.CustomerSummary
		counts  map[string]int
	}
	byID := make(map[string]*acc)
	order := make([]string, 0)

	for _, sale := range sales {
		if sale.Customer == nil || sale.Customer.ID == "" {
			continue
		}
		entry, ok := byID[sale.Customer.ID]
		if !ok {
			entry = &acc{
				summary: domain.CustomerSummary{Customer: *sale.Customer, TotalSpent: decimal.Zero},
				counts:  make(map[string]int),
			}
			byID[sale.Customer.ID] = entry
			order = append(order, sale.Customer.ID)
		}
		entry.summary.Transactions++
		entry.summary.TotalSpent = entry.summary.TotalSpent.Add(sale.TotalAmount)
		entry.counts[sale.Employee]++
	}

	result := make([]domain.CustomerSummary, 0, len(order))
	for _, id := range order {
		entry := byID[id]
		for employee, count := range entry.counts {
			if count > entry.summary.TopEmployeeSales ||
				(count == entry.summary.TopEmployeeSales && employee < entry.summary.TopEmployee) {
				entry.summary.TopEmployee = employee
				entry.summary.TopEmployeeSales = count
			}
		}
		result = append(result, entry.summary)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].TotalSpent.GreaterThan(result[j].TotalSpent)
	})
	return result
}

func inPeriod(local time.Time, target domain.Target) bool {
	if local.Year() != target.Year {
		return false
	}
	if target.Type == domain.TargetYearly {
		return true
	}
	return target.Month != nil && int(local.Month())-1 == *target.Month
}
