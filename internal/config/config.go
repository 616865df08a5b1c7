package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Association store backends.
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

// Template sources.
const (
	SourcePostgres = "postgres"
	SourceCatalog  = "catalog"
)

type Config struct {
	Port                     string        `mapstructure:"PORT"`
	Env                      string        `mapstructure:"ENV"`
	LogLevel                 string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL              string        `mapstructure:"DATABASE_URL"`
	DBMaxConns               int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns               int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultFacility          string        `mapstructure:"DEFAULT_FACILITY"`
	CORSOrigins              []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS             float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst           int           `mapstructure:"RATE_LIMIT_BURST"`
	AssociationStore         string        `mapstructure:"ASSOCIATION_STORE"`
	AssociationSchemaVersion int           `mapstructure:"ASSOCIATION_SCHEMA_VERSION"`
	AssociationTTL           time.Duration `mapstructure:"ASSOCIATION_TTL"`
	RedisURL                 string        `mapstructure:"REDIS_URL"`
	RedisKeyPrefix           string        `mapstructure:"REDIS_KEY_PREFIX"`
	TemplateSource           string        `mapstructure:"TEMPLATE_SOURCE"`
	TemplateCatalogFile      string        `mapstructure:"TEMPLATE_CATALOG_FILE"`
	MigrationsDir            string        `mapstructure:"MIGRATIONS_DIR"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DEFAULT_FACILITY", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"ASSOCIATION_STORE", "ASSOCIATION_SCHEMA_VERSION", "ASSOCIATION_TTL",
	"REDIS_URL", "REDIS_KEY_PREFIX", "TEMPLATE_SOURCE", "TEMPLATE_CATALOG_FILE",
	"MIGRATIONS_DIR",
}

// Load reads the environment and an optional .env file. It does not
// validate; call Validate before serving.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_FACILITY", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("ASSOCIATION_STORE", StorePostgres)
	v.SetDefault("ASSOCIATION_SCHEMA_VERSION", 1)
	v.SetDefault("ASSOCIATION_TTL", "0s")
	v.SetDefault("REDIS_KEY_PREFIX", "labqc:assoc:")
	v.SetDefault("TEMPLATE_SOURCE", SourcePostgres)

	// Bind explicitly so Unmarshal sees keys with no default.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}
	cfg.AssociationStore = strings.ToLower(cfg.AssociationStore)
	cfg.TemplateSource = strings.ToLower(cfg.TemplateSource)

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// NeedsDatabase reports whether any configured backend is Postgres.
func (c *Config) NeedsDatabase() bool {
	return c.AssociationStore == StorePostgres || c.TemplateSource == SourcePostgres
}

// Validate checks enum values and cross-field requirements.
func (c *Config) Validate() error {
	switch c.AssociationStore {
	case StorePostgres, StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("ASSOCIATION_STORE must be %q, %q, or %q, got %q",
			StorePostgres, StoreRedis, StoreMemory, c.AssociationStore)
	}
	switch c.TemplateSource {
	case SourcePostgres, SourceCatalog:
	default:
		return fmt.Errorf("TEMPLATE_SOURCE must be %q or %q, got %q", SourcePostgres, SourceCatalog, c.TemplateSource)
	}

	if c.NeedsDatabase() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when ASSOCIATION_STORE or TEMPLATE_SOURCE is %q", StorePostgres)
	}
	if c.AssociationStore == StoreRedis && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when ASSOCIATION_STORE is %q", StoreRedis)
	}
	if c.AssociationSchemaVersion < 1 {
		return fmt.Errorf("ASSOCIATION_SCHEMA_VERSION must be at least 1, got %d", c.AssociationSchemaVersion)
	}
	if c.AssociationTTL < 0 {
		return fmt.Errorf("ASSOCIATION_TTL must not be negative")
	}
	if c.AssociationTTL > 0 && c.AssociationStore != StoreRedis {
		return fmt.Errorf("ASSOCIATION_TTL is only supported with ASSOCIATION_STORE=%q", StoreRedis)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	return nil
}
