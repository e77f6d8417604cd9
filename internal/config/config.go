package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// DefaultJWTSecret 只允许在开发环境使用。
const DefaultJWTSecret = "dev-secret-change-me"

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"

	BusMemory = "memory"
	BusRedis  = "redis"
	BusNATS   = "nats"
)

type Config struct {
	Port        string `env:"APP_PORT" envDefault:"8080"`
	Env         string `env:"APP_ENV" envDefault:"dev"`
	DBDriver    string `env:"DATABASE_DRIVER" envDefault:"postgres"`
	DatabaseDSN string `env:"DATABASE_DSN" envDefault:"host=localhost user=postgres password=postgres dbname=roomchat port=5432 sslmode=disable TimeZone=UTC"`

	// RedisAddr 为空时限流使用进程内计数。
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	BusDriver     string `env:"BUS_DRIVER" envDefault:"memory"`
	NatsURL       string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`

	JWTSecret             string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
	AdminUser             string `env:"ADMIN_USER" envDefault:"admin"`
	AdminPasswordHash     string `env:"ADMIN_PASSWORD_HASH"`
	AccessTokenTTLMinutes int    `env:"ACCESS_TOKEN_TTL_MINUTES" envDefault:"15"`

	SendLimit       int           `env:"WS_SEND_LIMIT" envDefault:"10"`
	SendWindow      time.Duration `env:"WS_SEND_WINDOW" envDefault:"60s"`
	WSReadTimeout   time.Duration `env:"WS_READ_TIMEOUT" envDefault:"60s"`
	WSSendBuffer    int           `env:"WS_SEND_BUFFER" envDefault:"256"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// CORSOrigins 是非 dev 环境额外放行的来源，逗号分隔。
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`
}

// Load 从环境变量读取配置，格式错误的值返回错误。
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate 做启动前的一致性检查。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	switch cfg.DBDriver {
	case DriverPostgres, DriverSQLite:
		if cfg.DatabaseDSN == "" {
			return errors.New("DATABASE_DSN is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown DATABASE_DRIVER %q", cfg.DBDriver)
	}
	switch cfg.BusDriver {
	case BusMemory:
	case BusRedis:
		if cfg.RedisAddr == "" {
			return errors.New("BUS_DRIVER=redis requires REDIS_ADDR")
		}
	case BusNATS:
		if cfg.NatsURL == "" {
			return errors.New("BUS_DRIVER=nats requires NATS_URL")
		}
	default:
		return fmt.Errorf("unknown BUS_DRIVER %q", cfg.BusDriver)
	}
	if cfg.Env != "dev" && cfg.JWTSecret == DefaultJWTSecret {
		return errors.New("JWT_SECRET must be changed outside dev")
	}
	if cfg.SendLimit <= 0 || cfg.SendWindow <= 0 {
		return errors.New("WS_SEND_LIMIT and WS_SEND_WINDOW must be positive")
	}
	if cfg.WSReadTimeout <= 0 || cfg.WSSendBuffer <= 0 {
		return errors.New("WS_READ_TIMEOUT and WS_SEND_BUFFER must be positive")
	}
	if cfg.AccessTokenTTLMinutes <= 0 {
		return errors.New("ACCESS_TOKEN_TTL_MINUTES must be positive")
	}
	return nil
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}
