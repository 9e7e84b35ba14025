package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != DriverSQLite || cfg.Provider.Mode != ProviderCanned || cfg.Classifier.Mode != ClassifierHeur {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Classifier.Timeouts.Outbound != 5*time.Second || cfg.Timeouts().Provider != 10*time.Second {
		t.Fatalf("timeouts = %+v", cfg.Timeouts())
	}
}

func TestLoadOverlaysFileAndExpandsEnv(t *testing.T) {
	t.Setenv("TEST_NOVA_DSN", "postgres://nova@db/nova")
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
http:
  addr: ":9090"
database:
  driver: postgres
  dsn: ${TEST_NOVA_DSN}
classifier:
  timeouts:
    rumor: 2s
  redis:
    addr: localhost:6379
provider:
  timeout: 3s
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Database.DSN != "postgres://nova@db/nova" {
		t.Errorf("dsn = %q", cfg.Database.DSN)
	}
	if cfg.Classifier.Timeouts.Rumor != 2*time.Second {
		t.Errorf("rumor timeout = %v", cfg.Classifier.Timeouts.Rumor)
	}
	// Unnamed fields keep their defaults.
	if cfg.Classifier.Timeouts.Inbound != 5*time.Second || cfg.Classifier.Redis.TTL != time.Hour {
		t.Errorf("defaults lost: %+v", cfg.Classifier)
	}
	if cfg.Timeouts().Provider != 3*time.Second {
		t.Errorf("provider timeout = %v", cfg.Timeouts().Provider)
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg := DefaultConfig()
	env := map[string]string{
		"NOVA_JWT_SECRET":     "s3cret",
		"NOVA_SERPER_API_KEY": "serper",
		"NOVA_RATE_LIMIT_RPS": "2.5",
	}
	if err := cfg.applyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok }); err != nil {
		t.Fatal(err)
	}
	if cfg.Auth.JWTSecret != "s3cret" || cfg.Classifier.Search.APIKey != "serper" || cfg.RateLimit.RequestsPerSecond != 2.5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}

	bad := DefaultConfig()
	err := bad.applyEnv(func(k string) (string, bool) {
		if k == "NOVA_RATE_LIMIT_RPS" {
			return "fast", true
		}
		return "", false
	})
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"defaults", func(*Config) {}, ""},
		{"memory", func(c *Config) { c.Database.Driver = DriverMemory }, ""},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mongo" }, "unknown database driver"},
		{"file without path", func(c *Config) { c.Database.Driver = DriverFile }, "audit_file"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = DriverPostgres; c.Database.DSN = "" }, "dsn"},
		{"openai without url", func(c *Config) { c.Provider.Mode = ProviderOpenAI }, "api_url"},
		{"llm classifiers without url", func(c *Config) { c.Classifier.Mode = ClassifierLLM }, "api_url"},
		{"unknown classifier", func(c *Config) { c.Classifier.Mode = "oracle" }, "unknown classifier mode"},
		{"zero burst", func(c *Config) { c.RateLimit.Burst = 0 }, "burst"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("http: [unclosed"), 0o600)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
