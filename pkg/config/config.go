package config

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database  DatabaseConfig
	Redis     RedisConfig
	CORS      CORSConfig
	Log       LogConfig
	Cache     CacheConfig
	Allocator AllocatorConfig
	Import    ImportConfig
	Dispatch  DispatchConfig
	Accounts  AccountConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// CacheConfig tunes the redis-backed list response cache.
type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
}

// AllocatorConfig bounds the identifier allocation loops.
type AllocatorConfig struct {
	MaxAttempts   int
	MaxTxRestarts int
}

// ImportConfig controls bulk import batching.
type ImportConfig struct {
	SubBatchSize int
	MaxRows      int
}

// DispatchConfig configures the post-commit side-effect queue.
type DispatchConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
}

// AccountConfig governs account provisioning and activation tokens.
type AccountConfig struct {
	ActivationSecret string
	ActivationTTL    time.Duration
	BcryptCost       int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Cache = CacheConfig{
		Enabled: v.GetBool("ENABLE_RESPONSE_CACHE"),
		TTL:     parseDuration(v.GetString("RESPONSE_CACHE_TTL"), time.Minute),
	}

	cfg.Allocator = AllocatorConfig{
		MaxAttempts:   v.GetInt("ALLOCATOR_MAX_ATTEMPTS"),
		MaxTxRestarts: v.GetInt("ALLOCATOR_MAX_TX_RESTARTS"),
	}
	if cfg.Allocator.MaxAttempts <= 0 {
		cfg.Allocator.MaxAttempts = 100
	}
	if cfg.Allocator.MaxTxRestarts <= 0 {
		cfg.Allocator.MaxTxRestarts = 3
	}

	cfg.Import = ImportConfig{
		SubBatchSize: v.GetInt("IMPORT_SUB_BATCH_SIZE"),
		MaxRows:      v.GetInt("IMPORT_MAX_ROWS"),
	}
	if cfg.Import.SubBatchSize <= 0 {
		cfg.Import.SubBatchSize = 25
	}
	if cfg.Import.MaxRows <= 0 {
		cfg.Import.MaxRows = 1000
	}

	cfg.Dispatch = DispatchConfig{
		Workers:    v.GetInt("DISPATCH_WORKERS"),
		BufferSize: v.GetInt("DISPATCH_BUFFER_SIZE"),
		MaxRetries: v.GetInt("DISPATCH_MAX_RETRIES"),
		RetryDelay: parseDuration(v.GetString("DISPATCH_RETRY_DELAY"), 5*time.Second),
	}

	cfg.Accounts = AccountConfig{
		ActivationSecret: v.GetString("ACCOUNT_ACTIVATION_SECRET"),
		ActivationTTL:    parseDuration(v.GetString("ACCOUNT_ACTIVATION_TTL"), 72*time.Hour),
		BcryptCost:       v.GetInt("ACCOUNT_BCRYPT_COST"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "registrar")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 25)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	// Bare integers are treated as seconds for .env ergonomics.
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
