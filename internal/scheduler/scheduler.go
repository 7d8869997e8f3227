package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"stockdesk/internal/domain"
)

const refreshTimeout = 30 * time.Second

// DashboardRefresher recomputes today's dashboard and stores it in the cache.
type DashboardRefresher interface {
	RefreshDashboard(ctx context.Context) (domain.Dashboard, error)
}

// Scheduler manages scheduled tasks.
type Scheduler struct {
	cron      *cron.Cron
	refresher DashboardRefresher
	logger    *zap.Logger
}

// New registers the dashboard refresh job. schedule accepts standard five-field
// cron expressions and descriptors such as "@every 1m".
func New(schedule string, refresher DashboardRefresher, loc *time.Location, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.Local
	}

	s := &Scheduler{
		cron:      cron.New(cron.WithLocation(loc)),
		refresher: refresher,
		logger:    logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.refreshDashboard); err != nil {
		return nil, fmt.Errorf("invalid dashboard refresh schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("starting scheduler", zap.Int("jobs", len(s.cron.Entries())))
	s.cron.Start()
}

// Stop stops the scheduler and waits for a running job to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("stopping scheduler")
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out with a job still running")
	}
}

func (s *Scheduler) refreshDashboard() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	started := time.Now()
	dashboard, err := s.refresher.RefreshDashboard(ctx)
	if err != nil {
		s.logger.Error("failed to refresh dashboard", zap.Error(err))
		return
	}
	s.logger.Debug("dashboard refreshed",
		zap.String("date", dashboard.Date),
		zap.Int("sales", dashboard.SalesCount),
		zap.Duration("took", time.Since(started)),
	)
}
