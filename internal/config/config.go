// Package config loads the gateway service configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/novagate/internal/alert"
	"github.com/ppiankov/novagate/internal/llm"
	"github.com/ppiankov/novagate/internal/pipeline"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Provider and classifier modes.
const (
	ProviderCanned    = "canned"
	ProviderOpenAI    = "openai"
	ClassifierHeur    = "heuristic"
	ClassifierLLM     = "llm"
	defaultConfigDir  = ".nova"
	defaultConfigFile = "config.yaml"
)

// HTTPConfig configures the dashboard API listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// GRPCConfig configures the gRPC listener. Empty Addr disables it.
type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig selects where policies and decisions live.
// AuditFile is used by the file driver.
type DatabaseConfig struct {
	Driver    string `yaml:"driver"`
	DSN       string `yaml:"dsn"`
	AuditFile string `yaml:"audit_file"`
}

// ProviderConfig selects the model provider.
type ProviderConfig struct {
	Mode     string        `yaml:"mode"`
	LLM      llm.Config    `yaml:"llm"`
	Fallback string        `yaml:"fallback"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SearchConfig configures the web search used by rumor verification.
type SearchConfig struct {
	APIURL  string        `yaml:"api_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// RedisConfig configures the inbound verdict cache. Empty Addr disables it.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// ClassifierConfig selects the classifier strategy.
type ClassifierConfig struct {
	Mode     string            `yaml:"mode"`
	LLM      llm.Config        `yaml:"llm"`
	Timeouts pipeline.Timeouts `yaml:"timeouts"`
	Search   SearchConfig      `yaml:"search"`
	Redis    RedisConfig       `yaml:"redis"`
}

// AuthConfig holds the HS256 secret for admin tokens. Empty disables freeze
// over HTTP.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// RateLimitConfig is a per-client token bucket. Zero RequestsPerSecond
// disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Config is the whole service configuration.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	GRPC       GRPCConfig       `yaml:"grpc"`
	Database   DatabaseConfig   `yaml:"database"`
	PolicyFile string           `yaml:"policy_file"`
	Provider   ProviderConfig   `yaml:"provider"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Alerts     []alert.Config   `yaml:"alerts"`
	LogLevel   string           `yaml:"log_level"`
}

// DefaultConfig returns an offline configuration: SQLite under ~/.nova,
// canned provider and heuristic classifiers.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            "127.0.0.1:8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			DSN:    filepath.Join(homeDir(), defaultConfigDir, "nova.db"),
		},
		Provider: ProviderConfig{
			Mode:    ProviderCanned,
			Timeout: 10 * time.Second,
		},
		Classifier: ClassifierConfig{
			Mode:     ClassifierHeur,
			Timeouts: pipeline.DefaultTimeouts(),
			Redis:    RedisConfig{TTL: time.Hour},
		},
		Auth:      AuthConfig{Issuer: "nova"},
		RateLimit: RateLimitConfig{RequestsPerSecond: 10, Burst: 20},
		LogLevel:  "info",
	}
}

// DefaultPath is ~/.nova/config.yaml.
func DefaultPath() string {
	return filepath.Join(homeDir(), defaultConfigDir, defaultConfigFile)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// Load reads path, falling back to DefaultPath when empty. A missing file
// yields defaults. ${VAR} references in the file are expanded before
// parsing, then NOVA_* environment overrides are applied.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		// YAML overwrites only the fields it names.
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays secrets and deployment knobs from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"NOVA_HTTP_ADDR":          &c.HTTP.Addr,
		"NOVA_GRPC_ADDR":          &c.GRPC.Addr,
		"NOVA_DB_DRIVER":          &c.Database.Driver,
		"NOVA_DB_DSN":             &c.Database.DSN,
		"NOVA_AUDIT_FILE":         &c.Database.AuditFile,
		"NOVA_POLICY_FILE":        &c.PolicyFile,
		"NOVA_PROVIDER_MODE":      &c.Provider.Mode,
		"NOVA_PROVIDER_API_URL":   &c.Provider.LLM.APIURL,
		"NOVA_PROVIDER_API_KEY":   &c.Provider.LLM.APIKey,
		"NOVA_PROVIDER_MODEL":     &c.Provider.LLM.Model,
		"NOVA_CLASSIFIER_MODE":    &c.Classifier.Mode,
		"NOVA_CLASSIFIER_API_URL": &c.Classifier.LLM.APIURL,
		"NOVA_CLASSIFIER_API_KEY": &c.Classifier.LLM.APIKey,
		"NOVA_CLASSIFIER_MODEL":   &c.Classifier.LLM.Model,
		"NOVA_SERPER_API_KEY":     &c.Classifier.Search.APIKey,
		"NOVA_REDIS_ADDR":         &c.Classifier.Redis.Addr,
		"NOVA_REDIS_PASSWORD":     &c.Classifier.Redis.Password,
		"NOVA_JWT_SECRET":         &c.Auth.JWTSecret,
		"NOVA_LOG_LEVEL":          &c.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	if v, ok := lookup("NOVA_RATE_LIMIT_RPS"); ok {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("NOVA_RATE_LIMIT_RPS: %w", err)
		}
		c.RateLimit.RequestsPerSecond = rps
	}
	return nil
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMemory:
	case DriverFile:
		if c.Database.AuditFile == "" {
			return errors.New("config: database.audit_file is required for the file driver")
		}
	case DriverSQLite, DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("config: database.dsn is required for %s", c.Database.Driver)
		}
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}

	switch c.Provider.Mode {
	case ProviderCanned:
	case ProviderOpenAI:
		if c.Provider.LLM.APIURL == "" {
			return errors.New("config: provider.llm.api_url is required for the openai provider")
		}
	default:
		return fmt.Errorf("config: unknown provider mode %q", c.Provider.Mode)
	}

	switch c.Classifier.Mode {
	case ClassifierHeur:
	case ClassifierLLM:
		if c.Classifier.LLM.APIURL == "" {
			return errors.New("config: classifier.llm.api_url is required for llm classifiers")
		}
	default:
		return fmt.Errorf("config: unknown classifier mode %q", c.Classifier.Mode)
	}

	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return errors.New("config: rate_limit values must not be negative")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst == 0 {
		return errors.New("config: rate_limit.burst must be positive when limiting is on")
	}
	for i, a := range c.Alerts {
		if a.URL == "" {
			return fmt.Errorf("config: alerts[%d].url is required", i)
		}
	}
	return nil
}

// Timeouts returns the pipeline timeouts, with the provider timeout taken
// from the provider section.
func (c *Config) Timeouts() pipeline.Timeouts {
	t := c.Classifier.Timeouts
	if c.Provider.Timeout > 0 {
		t.Provider = c.Provider.Timeout
	}
	return t
}
