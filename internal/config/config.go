// Package config loads the gateway's YAML configuration file, expanding
// ${VAR} environment references before unmarshalling.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envPattern.FindSubmatch(m)[1]
		if v, ok := os.LookupEnv(string(name)); ok {
			return []byte(v)
		}
		return m
	})
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	ProxyMaxBodyBytes int64         `yaml:"proxy_max_body_bytes"`
	ProxyMaxInFlight  int64         `yaml:"proxy_max_in_flight"`
}

// RateLimitConfig holds default limits applied when a scope does not
// override them.
type RateLimitConfig struct {
	DefaultRPM int64 `yaml:"default_rpm"`
	DefaultTPM int64 `yaml:"default_tpm"`
}

// CacheConfig controls the proxy response cache.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxEntries    int           `yaml:"max_entries"`
	TTL           time.Duration `yaml:"ttl"`
	MaxBodyBytes  int64         `yaml:"max_body_bytes"`
	DurableTier   bool          `yaml:"durable_tier"`
}

// HealthConfig controls circuit breaking and active probing.
type HealthConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	CooldownSeconds  int64         `yaml:"cooldown_seconds"`
	ProbeEnabled     bool          `yaml:"probe_enabled"`
	ProbePath        string        `yaml:"probe_path"`
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	RetryStatusCodes []int         `yaml:"retry_status_codes"`
	MaxAttempts      int           `yaml:"max_attempts"`
}

// MetricsConfig controls Prometheus label cardinality caps.
type MetricsConfig struct {
	Enabled       bool `yaml:"enabled"`
	MaxKeySeries  int  `yaml:"max_key_series"`
	MaxModelSeries int `yaml:"max_model_series"`
	MaxBackendSeries int `yaml:"max_backend_series"`
	MaxPathSeries int  `yaml:"max_path_series"`
}

// TracingConfig controls OTEL export.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

// TelemetryConfig bundles metrics and tracing.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// DatabaseConfig points at the durable store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// AdminConfig controls the admin API's bearer-token authentication. The
// admin surface is intentionally narrow (audit read, ledger snapshot,
// cache purge) and gated by a single shared token rather than the virtual
// key scopes used for the data plane.
type AdminConfig struct {
	Token string `yaml:"token"`
}

// PriceEntry is one pricing-table row.
type PriceEntry struct {
	Model                  string  `yaml:"model"`
	ServiceTier            string  `yaml:"service_tier"`
	InputPerMTokUSD        float64 `yaml:"input_per_mtok_usd"`
	CachedInputPerMTokUSD  float64 `yaml:"cached_input_per_mtok_usd"`
	CacheCreatePerMTokUSD  float64 `yaml:"cache_creation_per_mtok_usd"`
	OutputPerMTokUSD       float64 `yaml:"output_per_mtok_usd"`
}

// BackendEntry is one named backend's static configuration.
type BackendEntry struct {
	Name         string            `yaml:"name"`
	Kind         string            `yaml:"kind"` // "proxy" | "translation"
	BaseURL      string            `yaml:"base_url"`
	Headers      map[string]string `yaml:"headers"`
	QueryParams  map[string]string `yaml:"query_params"`
	TimeoutMs    int               `yaml:"timeout_ms"`
	MaxInFlight  int               `yaml:"max_in_flight"`
	Provider     string            `yaml:"provider"`
	Capabilities []string          `yaml:"capabilities"`
	ModelMap     map[string]string `yaml:"model_map"`
}

// RouteTargetEntry is one weighted backend reference within a route.
type RouteTargetEntry struct {
	Backend string `yaml:"backend"`
	Weight  int    `yaml:"weight"`
}

// RouteEntry is one routing rule.
type RouteEntry struct {
	ModelPrefix string             `yaml:"model_prefix"`
	Exact       bool               `yaml:"exact"`
	Backends    []RouteTargetEntry `yaml:"backends"`
}

// ScopeControlsEntry mirrors gateway.ScopeControls in config form.
type ScopeControlsEntry struct {
	RPM            int64    `yaml:"rpm"`
	TPM            int64    `yaml:"tpm"`
	TotalUSDMicros int64    `yaml:"total_usd_micros"`
	TotalTokens    int64    `yaml:"total_tokens"`
	Period         string   `yaml:"period"`
	AllowModels    []string `yaml:"allow_models"`
	DenyModels     []string `yaml:"deny_models"`
	BannedRegexes  []string `yaml:"banned_regexes"`
	ValidateSchema bool     `yaml:"validate_schema"`
}

// KeyEntry is one seeded virtual key.
type KeyEntry struct {
	ID        string             `yaml:"id"`
	Token     string             `yaml:"token"`
	TenantID  string             `yaml:"tenant_id"`
	ProjectID string             `yaml:"project_id"`
	UserID    string             `yaml:"user_id"`
	Enabled   bool               `yaml:"enabled"`
	Own       ScopeControlsEntry `yaml:"own"`
	Tenant    ScopeControlsEntry `yaml:"tenant"`
	Project   ScopeControlsEntry `yaml:"project"`
	User      ScopeControlsEntry `yaml:"user"`
}

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Admin     AdminConfig      `yaml:"admin"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Cache     CacheConfig      `yaml:"cache"`
	Health    HealthConfig     `yaml:"health"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Pricing   []PriceEntry     `yaml:"pricing"`
	Backends  []BackendEntry   `yaml:"backends"`
	Routes    []RouteEntry     `yaml:"routes"`
	Keys      []KeyEntry       `yaml:"keys"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       90 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			ProxyMaxBodyBytes: 8 << 20,
			ProxyMaxInFlight:  0,
		},
		RateLimit: RateLimitConfig{DefaultRPM: 0, DefaultTPM: 0},
		Cache: CacheConfig{
			Enabled:      true,
			MaxEntries:   10000,
			TTL:          5 * time.Minute,
			MaxBodyBytes: 1 << 20,
		},
		Health: HealthConfig{
			FailureThreshold: 5,
			CooldownSeconds:  30,
			ProbeInterval:    15 * time.Second,
			ProbeTimeout:     2 * time.Second,
			RetryStatusCodes: []int{429, 500, 502, 503, 504},
			MaxAttempts:      3,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{
				Enabled:          true,
				MaxKeySeries:     200,
				MaxModelSeries:   100,
				MaxBackendSeries: 50,
				MaxPathSeries:    50,
			},
		},
	}
}

// Load reads and parses the YAML config file at path, applying defaults
// first and environment-variable expansion over the raw bytes.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	raw = expandEnv(raw)

	cfg := defaults()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}
