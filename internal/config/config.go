// Package config loads process settings from the environment.
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Port     string `env:"PORT,      default=8080"`
	GRPCPort string `env:"GRPC_PORT, default=9090"`
	Env      string `env:"ENV,       default=development"`
	Version  string `env:"VERSION,   default=dev"`
	Commit   string `env:"COMMIT,    default=unknown"`

	LogLevel  string `env:"LOG_LEVEL,  default=info"`
	LogPretty bool   `env:"LOG_PRETTY, default=false"`

	PGDSN string `env:"PG_DSN"`

	Auth   AuthConfig
	Engine EngineConfig
	Stock  StockConfig
	HTTP   HTTPConfig
	Redis  RedisConfig
}

type AuthConfig struct {
	Secret         string        `env:"AUTH_SECRET"`
	IssuerKeyHash  string        `env:"AUTH_ISSUER_KEY_HASH"`
	TokenTTL       time.Duration `env:"AUTH_TOKEN_TTL, default=1h"`
	BootstrapAdmin string        `env:"BOOTSTRAP_ADMIN"`
}

type EngineConfig struct {
	ShelfLife       time.Duration `env:"SHELF_LIFE,        default=1008h"`
	ReservationTTL  time.Duration `env:"RESERVATION_TTL,   default=30s"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL,    default=1m"`
	AllowFallback   bool          `env:"ALLOW_FALLBACK,    default=false"`
	AutoFulfill     bool          `env:"AUTO_FULFILL,      default=true"`
	RematchOnCredit bool          `env:"REMATCH_ON_CREDIT, default=true"`
	SecurityAudit   bool          `env:"SECURITY_AUDIT,    default=true"`
}

// StockConfig holds the millilitre thresholds used to label inventory levels.
type StockConfig struct {
	Critical int64 `env:"STOCK_CRITICAL_ML, default=900"`
	Low      int64 `env:"STOCK_LOW_ML,      default=2250"`
	Adequate int64 `env:"STOCK_ADEQUATE_ML, default=4500"`
}

type HTTPConfig struct {
	RatePerSec    int    `env:"RATE_PER_SEC,    default=20"`
	RateBurst     int    `env:"RATE_BURST,      default=40"`
	MaxBodyBytes  int64  `env:"MAX_BODY_BYTES,  default=1048576"`
	AllowedOrigin string `env:"ALLOWED_ORIGIN,  default=*"`
}

type RedisConfig struct {
	Addr string `env:"REDIS_ADDR"`
	DB   int    `env:"REDIS_DB, default=0"`
}

// Load reads configuration from environment variables using go-envconfig.
// In development a .env file in the working directory is loaded first.
func Load(ctx context.Context) (*Config, error) {
	if env := os.Getenv("ENV"); env == "" || env == "development" || env == "dev" {
		_ = godotenv.Load()
	}
	return Process(ctx, envconfig.OsLookuper())
}

// Process reads configuration through l. Tests pass a map lookuper.
func Process(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Engine.ShelfLife <= 0:
		return fmt.Errorf("config: SHELF_LIFE must be positive")
	case c.Engine.ReservationTTL <= 0:
		return fmt.Errorf("config: RESERVATION_TTL must be positive")
	case c.Engine.SweepInterval <= 0:
		return fmt.Errorf("config: SWEEP_INTERVAL must be positive")
	case !(c.Stock.Critical < c.Stock.Low && c.Stock.Low < c.Stock.Adequate):
		return fmt.Errorf("config: stock thresholds must be increasing")
	case c.Production() && c.Auth.Secret == "":
		return fmt.Errorf("config: AUTH_SECRET is required in production")
	}
	return nil
}

// Production reports whether ENV names a production deployment.
func (c *Config) Production() bool { return c.Env == "production" || c.Env == "prod" }
