package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CAFEPOS_CONFIG", "AUTH_SECRET", "ADMIN_PASSWORD", "STORAGE_BACKEND", "SQLITE_PATH",
		"DATABASE_URL", "SURREAL_URL", "SYNC_ENABLED", "SYNC_INTERVAL", "TAX_BASIS_POINTS",
		"LOG_ENCODING", "ACCESS_TOKEN_TTL_MINUTES",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Secret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.Auth.Secret)
	}
	if cfg.Auth.AdminPassword != "" {
		t.Fatalf("expected no seeded admin password when unset, got %q", cfg.Auth.AdminPassword)
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "AUTH_SECRET") {
		t.Fatalf("expected missing secret to fail validation, got %v", err)
	}
}

func TestEnvOverridesYAMLFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "cafepos.yaml")
	body := `
storage:
  backend: postgres
  database_url: postgres://pos@localhost/pos
sync:
  enabled: true
  interval: 45s
pos:
  tax_basis_points: 1100
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CAFEPOS_CONFIG", path)
	t.Setenv("TAX_BASIS_POINTS", "1200")
	t.Setenv("SURREAL_URL", "ws://replica:8000")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "30")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Backend != BackendPostgres || cfg.Storage.DatabaseURL == "" {
		t.Fatalf("expected storage from file, got %+v", cfg.Storage)
	}
	if !cfg.Sync.Enabled || cfg.Sync.Interval != 45*time.Second || cfg.Sync.BatchSize != 200 {
		t.Fatalf("unexpected sync config %+v", cfg.Sync)
	}
	if cfg.POS.TaxBasisPoints != 1200 {
		t.Fatalf("expected env to win for tax, got %d", cfg.POS.TaxBasisPoints)
	}
	if cfg.Surreal.URL != "ws://replica:8000" || cfg.Surreal.Namespace != "cafepos" {
		t.Fatalf("unexpected surreal config %+v", cfg.Surreal)
	}
	if cfg.Auth.TokenTTL != 30*time.Minute {
		t.Fatalf("expected 30m token ttl, got %s", cfg.Auth.TokenTTL)
	}
}

func TestLoadRejectsBrokenYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("storage: [unclosed"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CAFEPOS_CONFIG", path)
	if _, err := Load(); err == nil {
		t.Fatalf("expected broken yaml to fail")
	}
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Auth.Secret = "0123456789abcdef0123456789abcdef"
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected defaults with a secret to pass, got %v", err)
	}

	cases := map[string]func(*Config){
		"short admin password": func(c *Config) { c.Auth.AdminPassword = "short" },
		"unknown backend":      func(c *Config) { c.Storage.Backend = "mongo" },
		"postgres without url": func(c *Config) { c.Storage.Backend = BackendPostgres },
		"sync without replica": func(c *Config) { c.Sync.Enabled = true },
		"sync from surreal": func(c *Config) {
			c.Storage.Backend = BackendSurreal
			c.Surreal.URL = "ws://localhost:8000"
			c.Sync.Enabled = true
		},
		"tax out of range": func(c *Config) { c.POS.TaxBasisPoints = 20000 },
		"bad log encoding": func(c *Config) { c.Log.Encoding = "xml" },
	}
	for name, mutate := range cases {
		cfg := valid
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
