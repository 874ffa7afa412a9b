package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/medstock/internal/platform/db"
)

type Config struct {
	Env                 string        `mapstructure:"ENV"`
	LogLevel            string        `mapstructure:"LOG_LEVEL"`
	HealthPort          string        `mapstructure:"HEALTH_PORT"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema            string        `mapstructure:"DB_SCHEMA"`
	MigrationsDir       string        `mapstructure:"MIGRATIONS_DIR"`
	AutoStopInterval    time.Duration `mapstructure:"AUTOSTOP_INTERVAL"`
	AutoStopBufferPct   float64       `mapstructure:"AUTOSTOP_BUFFER_PCT"`
	AutoStopConcurrency int           `mapstructure:"AUTOSTOP_CONCURRENCY"`
	DefaultWeightKg     float64       `mapstructure:"DEFAULT_WEIGHT_KG"`
}

var keys = []string{
	"ENV", "LOG_LEVEL", "HEALTH_PORT",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA", "MIGRATIONS_DIR",
	"AUTOSTOP_INTERVAL", "AUTOSTOP_BUFFER_PCT", "AUTOSTOP_CONCURRENCY", "DEFAULT_WEIGHT_KG",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HEALTH_PORT", "8081")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("MIGRATIONS_DIR", "")
	v.SetDefault("AUTOSTOP_INTERVAL", "60s")
	v.SetDefault("AUTOSTOP_BUFFER_PCT", 5)
	v.SetDefault("AUTOSTOP_CONCURRENCY", 8)
	v.SetDefault("DEFAULT_WEIGHT_KG", 70)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks value ranges that viper cannot express.
func (c *Config) Validate() error {
	if c.AutoStopInterval <= 0 {
		return fmt.Errorf("AUTOSTOP_INTERVAL must be positive, got %s", c.AutoStopInterval)
	}
	if c.AutoStopBufferPct < 0 || c.AutoStopBufferPct >= 100 {
		return fmt.Errorf("AUTOSTOP_BUFFER_PCT must be in [0,100), got %g", c.AutoStopBufferPct)
	}
	if c.AutoStopConcurrency < 1 {
		return fmt.Errorf("AUTOSTOP_CONCURRENCY must be at least 1, got %d", c.AutoStopConcurrency)
	}
	if c.DefaultWeightKg <= 0 {
		return fmt.Errorf("DEFAULT_WEIGHT_KG must be positive, got %g", c.DefaultWeightKg)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if !db.ValidSchema(c.DBSchema) {
		return fmt.Errorf("DB_SCHEMA %q is not a valid identifier", c.DBSchema)
	}
	return nil
}
