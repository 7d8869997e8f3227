package cache

import (
	"context"
	"time"

	"stockdesk/internal/domain"
)

// DashboardCache holds computed per-day dashboards keyed by date (YYYY-MM-DD).
type DashboardCache interface {
	Get(ctx context.Context, date string) (*domain.Dashboard, bool, error)
	Set(ctx context.Context, date string, value *domain.Dashboard, ttl time.Duration) error
	Invalidate(ctx context.Context, date string) error
}

type NoopDashboardCache struct{}

func (NoopDashboardCache) Get(_ context.Context, _ string) (*domain.Dashboard, bool, error) {
	return nil, false, nil
}

func (NoopDashboardCache) Set(_ context.Context, _ string, _ *domain.Dashboard, _ time.Duration) error {
	return nil
}

func (NoopDashboardCache) Invalidate(_ context.Context, _ string) error {
	return nil
}

func dashboardKey(date string) string {
	return "stockdesk:dashboard:" + date
}
