package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

type Config struct {
	Port                     string
	AllowedOrigin            string
	StoreDriver              string
	DatabaseURL              string
	MongoURI                 string
	MongoDBName              string
	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	DashboardCacheTTLSeconds int
	DashboardRefreshSchedule string
	Timezone                 string
	LowStockThreshold        int
	AuthSecret               string
	AccessTokenTTLMinutes    int
	LogLevel                 string
}

// Load reads an optional .env file, then the process environment.
func Load() Config {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("MONGODB_DB_NAME", "stockdesk")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("DASHBOARD_CACHE_TTL_SECONDS", 60)
	v.SetDefault("DASHBOARD_REFRESH_SCHEDULE", "@every 1m")
	v.SetDefault("TIMEZONE", "Local")
	v.SetDefault("LOW_STOCK_THRESHOLD", 10)
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("LOG_LEVEL", "info")

	cacheTTL := v.GetInt("DASHBOARD_CACHE_TTL_SECONDS")
	if cacheTTL < 1 {
		cacheTTL = 60
	}
	tokenTTL := v.GetInt("ACCESS_TOKEN_TTL_MINUTES")
	if tokenTTL < 1 {
		tokenTTL = 480
	}
	lowStock := v.GetInt("LOW_STOCK_THRESHOLD")
	if lowStock < 0 {
		lowStock = 10
	}

	cfg := Config{
		Port:                     v.GetString("PORT"),
		AllowedOrigin:            v.GetString("ALLOWED_ORIGIN"),
		DatabaseURL:              strings.TrimSpace(v.GetString("DATABASE_URL")),
		MongoURI:                 strings.TrimSpace(v.GetString("MONGODB_URI")),
		MongoDBName:              v.GetString("MONGODB_DB_NAME"),
		RedisAddr:                v.GetString("REDIS_ADDR"),
		RedisPassword:            v.GetString("REDIS_PASSWORD"),
		RedisDB:                  v.GetInt("REDIS_DB"),
		DashboardCacheTTLSeconds: cacheTTL,
		DashboardRefreshSchedule: strings.TrimSpace(v.GetString("DASHBOARD_REFRESH_SCHEDULE")),
		Timezone:                 v.GetString("TIMEZONE"),
		LowStockThreshold:        lowStock,
		AuthSecret:               strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes:    tokenTTL,
		LogLevel:                 v.GetString("LOG_LEVEL"),
	}
	cfg.StoreDriver = resolveStoreDriver(strings.ToLower(strings.TrimSpace(v.GetString("STORE_DRIVER"))), cfg)
	return cfg
}

func resolveStoreDriver(explicit string, cfg Config) string {
	if explicit != "" {
		return explicit
	}
	switch {
	case cfg.DatabaseURL != "":
		return StorePostgres
	case cfg.MongoURI != "":
		return StoreMongo
	default:
		return StoreMemory
	}
}

// Validate reports settings that would make the server start in a broken state.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("STORE_DRIVER=postgres requires DATABASE_URL")
		}
	case StoreMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("STORE_DRIVER=mongo requires MONGODB_URI")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.DashboardRefreshSchedule == "" {
		return fmt.Errorf("DASHBOARD_REFRESH_SCHEDULE must not be empty")
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) DashboardTTL() time.Duration {
	return time.Duration(c.DashboardCacheTTLSeconds) * time.Second
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}
