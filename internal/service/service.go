package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"stockdesk/internal/cache"
	"stockdesk/internal/domain"
	"stockdesk/internal/report"
	"stockdesk/internal/sales"
	"stockdesk/internal/store"
)

var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	Location          *time.Location
	LowStockThreshold int
	DashboardTTL      time.Duration
	Now               func() time.Time
}

type Service struct {
	repo       store.Repository
	committer  *sales.Committer
	dashboards cache.DashboardCache
	validate   *validator.Validate
	logger     *zap.Logger

	loc          *time.Location
	lowStock     int
	dashboardTTL time.Duration
	now          func() time.Time

	billsMu sync.Mutex
	bills   map[string]*billSession

	// dashMu orders cache writes against invalidations; dashGen counts
	// invalidations so a dashboard computed before one is never stored.
	dashMu  sync.Mutex
	dashGen uint64
}

func New(repo store.Repository, dashboards cache.DashboardCache, logger *zap.Logger, opts Options) *Service {
	if dashboards == nil {
		dashboards = cache.NoopDashboardCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.LowStockThreshold < 1 {
		opts.LowStockThreshold = 10
	}
	if opts.DashboardTTL <= 0 {
		opts.DashboardTTL = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		repo:         repo,
		committer:    sales.NewCommitter(repo),
		dashboards:   dashboards,
		validate:     validator.New(),
		logger:       logger,
		loc:          opts.Location,
		lowStock:     opts.LowStockThreshold,
		dashboardTTL: opts.DashboardTTL,
		now:          opts.Now,
		bills:        make(map[string]*billSession),
	}
}

func (s *Service) ListItems(ctx context.Context) ([]domain.Item, error) {
	return s.repo.ListItems(ctx)
}

func (s *Service) GetItem(ctx context.Context, id string) (domain.Item, error) {
	item, err := s.repo.GetItem(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Item{}, err
	}
	return *item, nil
}

func (s *Service) CreateItem(ctx context.Context, req domain.ItemCreateRequest) (domain.Item, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Item{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	if err := s.validateStruct(req); err != nil {
		return domain.Item{}, err
	}
	if !req.BasePrice.IsPositive() {
		return domain.Item{}, fmt.Errorf("%w: base price must be positive", store.ErrInvalidInput)
	}

	created, err := s.repo.CreateItem(ctx, domain.Item{
		Name:      req.Name,
		BasePrice: store.Money(req.BasePrice),
		Stock:     req.Stock,
	})
	if err != nil {
		return domain.Item{}, err
	}

	s.logAudit(ctx, "item_create", created.ID, zap.String("name", created.Name), zap.String("base_price", created.BasePrice.StringFixed(2)), zap.Int("stock", created.Stock))
	s.invalidateToday(ctx)
	return *created, nil
}

func (s *Service) UpdateItem(ctx context.Context, id string, req domain.ItemUpdateRequest) (domain.Item, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Item{}, err
	}
	if err := s.validateStruct(req); err != nil {
		return domain.Item{}, err
	}

	existing, err := s.repo.GetItem(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Item{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Item{}, fmt.Errorf("%w: item name required", store.ErrInvalidInput)
		}
		updated.Name = name
	}
	if req.BasePrice != nil {
		if !req.BasePrice.IsPositive() {
			return domain.Item{}, fmt.Errorf("%w: base price must be positive", store.ErrInvalidInput)
		}
		updated.BasePrice = store.Money(*req.BasePrice)
	}
	if req.Stock != nil {
		updated.Stock = *req.Stock
	}

	saved, err := s.repo.UpdateItem(ctx, updated)
	if err != nil {
		return domain.Item{}, err
	}

	s.logAudit(ctx, "item_update", saved.ID,
		zap.String("old_name", existing.Name), zap.String("name", saved.Name),
		zap.String("old_base_price", existing.BasePrice.StringFixed(2)), zap.String("base_price", saved.BasePrice.StringFixed(2)),
		zap.Int("old_stock", existing.Stock), zap.Int("stock", saved.Stock))
	s.invalidateToday(ctx)
	return *saved, nil
}

func (s *Service) DeleteItem(ctx context.Context, id string) error {
	if _, err := requireAdmin(ctx); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if err := s.repo.DeleteItem(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "item_delete", id)
	s.invalidateToday(ctx)
	return nil
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || strings.TrimSpace(actor.Username) == "" {
		return domain.Actor{}, fmt.Errorf("%w: authenticated actor required", ErrForbidden)
	}
	return actor, nil
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	if !actor.IsAdmin() {
		return domain.Actor{}, fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	return actor, nil
}

func (s *Service) validateStruct(v any) error {
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %s", store.ErrInvalidInput, strings.ToLower(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	return nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityID string, fields ...zap.Field) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	base := []zap.Field{
		zap.String("action", action),
		zap.String("entity_id", entityID),
		zap.String("actor", actor.Username),
		zap.String("actor_role", actor.Role),
	}
	s.logger.Info("audit", append(base, fields...)...)
}

func (s *Service) today() time.Time {
	return s.now().In(s.loc)
}

// parseDay reads an optional YYYY-MM-DD date in the service location,
// defaulting to today.
func (s *Service) parseDay(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return s.today(), nil
	}
	day, err := time.ParseInLocation(report.DateLayout, raw, s.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrInvalidInput)
	}
	return day, nil
}
