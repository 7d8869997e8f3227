package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"stockdesk/internal/cache"
	"stockdesk/internal/config"
	"stockdesk/internal/httpapi"
	"stockdesk/internal/scheduler"
	"stockdesk/internal/service"
	"stockdesk/internal/store"
	"stockdesk/internal/store/memory"
	mongostore "stockdesk/internal/store/mongo"
	pgstore "stockdesk/internal/store/postgres"
	"stockdesk/pkg/logger"
)

type closer func(ctx context.Context) error

func main() {
	cfg := config.Load()
	log := logger.Must(logger.New(cfg.LogLevel))
	defer func() { _ = log.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal("invalid security configuration", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		log.Fatal("invalid TIMEZONE", zap.String("timezone", cfg.Timezone), zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, closers, err := openRepository(ctx, cfg, log)
	if err != nil {
		log.Fatal("repository unavailable", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}

	dashboards := cache.DashboardCache(cache.NoopDashboardCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisDashboardCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn("redis unavailable, using noop cache", zap.Error(err))
			_ = redisCache.Close()
		} else {
			dashboards = redisCache
			closers = append(closers, func(context.Context) error { return redisCache.Close() })
			log.Info("cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		log.Info("cache: noop")
	}

	svc := service.New(repo, dashboards, logger.Named(log, "svc"), service.Options{
		Location:          loc,
		LowStockThreshold: cfg.LowStockThreshold,
		DashboardTTL:      cfg.DashboardTTL(),
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger.Named(log, "http"))

	jobs, err := scheduler.New(cfg.DashboardRefreshSchedule, svc, loc, logger.Named(log, "scheduler"))
	if err != nil {
		log.Fatal("scheduler setup failed", zap.Error(err))
	}
	jobs.Start()

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("stockdesk listening", zap.String("addr", cfg.Address()), zap.String("timezone", loc.String()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	jobs.Stop(shutdownCtx)

	for _, closeFn := range closers {
		if err := closeFn(shutdownCtx); err != nil {
			log.Error("close error", zap.Error(err))
		}
	}

	log.Info("server stopped")
}

// openRepository connects the configured store. A configured database that
// cannot be reached is an error; there is no silent in-memory fallback.
func openRepository(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Repository, []closer, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		log.Info("repository: postgres")
		return pg, []closer{func(context.Context) error { return pg.Close() }}, nil
	case config.StoreMongo:
		mg, err := mongostore.New(ctx, cfg.MongoURI, cfg.MongoDBName, log)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo: %w", err)
		}
		log.Info("repository: mongo", zap.String("database", cfg.MongoDBName))
		return mg, []closer{mg.Close}, nil
	case config.StoreMemory:
		mem, err := memory.NewSeeded(log)
		if err != nil {
			return nil, nil, fmt.Errorf("memory: %w", err)
		}
		log.Info("repository: in-memory")
		return mem, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
