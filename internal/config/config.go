package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendSurreal  = "surreal"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Surreal SurrealConfig `yaml:"surreal"`
	Sync    SyncConfig    `yaml:"sync"`
	Redis   RedisConfig   `yaml:"redis"`
	Auth    AuthConfig    `yaml:"auth"`
	POS     POSConfig     `yaml:"pos"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Port          string `yaml:"port"`
	AllowedOrigin string `yaml:"allowed_origin"`
}

type StorageConfig struct {
	Backend     string `yaml:"backend"`
	SQLitePath  string `yaml:"sqlite_path"`
	DatabaseURL string `yaml:"database_url"`
}

type SurrealConfig struct {
	URL         string `yaml:"url"`
	Namespace   string `yaml:"namespace"`
	Database    string `yaml:"database"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	MaxInValues int    `yaml:"max_in_values"`
}

type SyncConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	BatchSize      int           `yaml:"batch_size"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	LeaseTTL       time.Duration `yaml:"lease_ttl"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	Secret        string        `yaml:"secret"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	AdminPassword string        `yaml:"admin_password"`
}

type POSConfig struct {
	TaxBasisPoints int64 `yaml:"tax_basis_points"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:          "8080",
			AllowedOrigin: "http://127.0.0.1:3000",
		},
		Storage: StorageConfig{
			Backend:    BackendSQLite,
			SQLitePath: "cafepos.db",
		},
		Surreal: SurrealConfig{
			Namespace:   "cafepos",
			Database:    "pos",
			MaxInValues: 500,
		},
		Sync: SyncConfig{
			Interval:       30 * time.Second,
			BatchSize:      200,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     5 * time.Minute,
			LeaseTTL:       2 * time.Minute,
		},
		Auth: AuthConfig{
			TokenTTL: 8 * time.Hour,
		},
		POS: POSConfig{
			TaxBasisPoints: 1000,
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CAFEPOS_CONFIG, then the environment. A .env file in the working directory
// is loaded first and never overrides variables already set.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("CAFEPOS_CONFIG")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Server.AllowedOrigin = getEnv("ALLOWED_ORIGIN", cfg.Server.AllowedOrigin)

	cfg.Storage.Backend = strings.ToLower(getEnv("STORAGE_BACKEND", cfg.Storage.Backend))
	cfg.Storage.SQLitePath = getEnv("SQLITE_PATH", cfg.Storage.SQLitePath)
	cfg.Storage.DatabaseURL = getEnv("DATABASE_URL", cfg.Storage.DatabaseURL)

	cfg.Surreal.URL = getEnv("SURREAL_URL", cfg.Surreal.URL)
	cfg.Surreal.Namespace = getEnv("SURREAL_NAMESPACE", cfg.Surreal.Namespace)
	cfg.Surreal.Database = getEnv("SURREAL_DATABASE", cfg.Surreal.Database)
	cfg.Surreal.Username = getEnv("SURREAL_USER", cfg.Surreal.Username)
	cfg.Surreal.Password = getEnv("SURREAL_PASSWORD", cfg.Surreal.Password)
	cfg.Surreal.MaxInValues = getEnvInt("SURREAL_MAX_IN_VALUES", cfg.Surreal.MaxInValues)

	cfg.Sync.Enabled = getEnvBool("SYNC_ENABLED", cfg.Sync.Enabled)
	cfg.Sync.Interval = getEnvDuration("SYNC_INTERVAL", cfg.Sync.Interval)
	cfg.Sync.BatchSize = getEnvInt("SYNC_BATCH_SIZE", cfg.Sync.BatchSize)
	cfg.Sync.InitialBackoff = getEnvDuration("SYNC_INITIAL_BACKOFF", cfg.Sync.InitialBackoff)
	cfg.Sync.MaxBackoff = getEnvDuration("SYNC_MAX_BACKOFF", cfg.Sync.MaxBackoff)
	cfg.Sync.LeaseTTL = getEnvDuration("SYNC_LEASE_TTL", cfg.Sync.LeaseTTL)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)

	cfg.Auth.Secret = strings.TrimSpace(getEnv("AUTH_SECRET", cfg.Auth.Secret))
	if minutes := getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 0); minutes > 0 {
		cfg.Auth.TokenTTL = time.Duration(minutes) * time.Minute
	}
	cfg.Auth.AdminPassword = getEnv("ADMIN_PASSWORD", cfg.Auth.AdminPassword)

	cfg.POS.TaxBasisPoints = int64(getEnvInt("TAX_BASIS_POINTS", int(cfg.POS.TaxBasisPoints)))

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Encoding = getEnv("LOG_ENCODING", cfg.Log.Encoding)
}

// Validate reports every inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	if len(c.Auth.Secret) < 32 {
		errs = append(errs, errors.New("AUTH_SECRET must be set and at least 32 characters"))
	}
	if c.Auth.AdminPassword != "" && len(c.Auth.AdminPassword) < 8 {
		errs = append(errs, errors.New("ADMIN_PASSWORD must be at least 8 characters"))
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(c.Storage.SQLitePath) == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite backend"))
		}
	case BackendPostgres:
		if strings.TrimSpace(c.Storage.DatabaseURL) == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case BackendSurreal:
		if strings.TrimSpace(c.Surreal.URL) == "" {
			errs = append(errs, errors.New("SURREAL_URL is required for the surreal backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if c.Sync.Enabled {
		if strings.TrimSpace(c.Surreal.URL) == "" {
			errs = append(errs, errors.New("SURREAL_URL is required when sync is enabled"))
		}
		if c.Storage.Backend == BackendSurreal {
			errs = append(errs, errors.New("sync needs a relational primary store, not surreal"))
		}
		if c.Sync.BatchSize < 1 {
			errs = append(errs, errors.New("SYNC_BATCH_SIZE must be positive"))
		}
		if c.Sync.MaxBackoff < c.Sync.InitialBackoff {
			errs = append(errs, errors.New("SYNC_MAX_BACKOFF must not be below SYNC_INITIAL_BACKOFF"))
		}
	}
	if c.POS.TaxBasisPoints < 0 || c.POS.TaxBasisPoints > 10000 {
		errs = append(errs, errors.New("TAX_BASIS_POINTS must be between 0 and 10000"))
	}
	if c.Log.Encoding != "json" && c.Log.Encoding != "console" {
		errs = append(errs, fmt.Errorf("unknown log encoding %q", c.Log.Encoding))
	}
	return errors.Join(errs...)
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Server.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getEnvInt(key string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
