package settlementd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for settlementd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"environment"`
	LogLevel      string          `yaml:"log_level"`
	Database      DatabaseConfig  `yaml:"database"`
	Gateway       GatewayConfig   `yaml:"gateway"`
	Sweep         SweepConfig     `yaml:"sweep"`
	Settlement    SettleConfig    `yaml:"settlement"`
	UnitScale     uint64          `yaml:"unit_scale"`
	Tolerance     int64           `yaml:"reconcile_tolerance"`
	Admin         AdminConfig     `yaml:"admin"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
}

// DatabaseConfig selects the persistence backend. DSN takes precedence;
// Path falls back to an on-disk SQLite file for single-node deployments.
type DatabaseConfig struct {
	DSN  string `yaml:"dsn"`
	Path string `yaml:"path"`
}

// GatewayConfig points at the settlement gateway that builds, submits,
// and inspects settlement transactions on the external ledger.
type GatewayConfig struct {
	BaseURL      string   `yaml:"base_url"`
	AuthToken    string   `yaml:"auth_token"`
	AuthTokenEnv string   `yaml:"auth_token_env"`
	Timeout      Duration `yaml:"timeout"`
}

// SweepConfig controls the periodic settlement sweep.
type SweepConfig struct {
	Interval Duration `yaml:"interval"`
	LeaseTTL Duration `yaml:"lease_ttl"`
	Holder   string   `yaml:"holder"`
}

// SettleConfig bounds batch construction and submission retries.
type SettleConfig struct {
	MaxBatchBytes  int      `yaml:"max_batch_bytes"`
	MaxAttempts    int      `yaml:"max_attempts"`
	RetryBaseDelay Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  Duration `yaml:"retry_max_delay"`
	AttemptTimeout Duration `yaml:"attempt_timeout"`
}

// AdminConfig captures security settings for the mutating endpoints.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file"`
}

// RateLimitConfig bounds per-client query throughput.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := cfg.Gateway.normalise(); err != nil {
		return cfg, fmt.Errorf("gateway: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7089"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Sweep.Interval.Duration == 0 {
		cfg.Sweep.Interval.Duration = 30 * time.Second
	}
	if cfg.Sweep.LeaseTTL.Duration == 0 {
		cfg.Sweep.LeaseTTL.Duration = 2 * time.Minute
	}
	if cfg.Sweep.Holder == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "settlementd"
		}
		cfg.Sweep.Holder = host
	}
	if cfg.Settlement.MaxBatchBytes <= 0 {
		cfg.Settlement.MaxBatchBytes = 16 * 1024
	}
	if cfg.Settlement.MaxAttempts <= 0 {
		cfg.Settlement.MaxAttempts = 5
	}
	if cfg.Settlement.RetryBaseDelay.Duration == 0 {
		cfg.Settlement.RetryBaseDelay.Duration = time.Second
	}
	if cfg.Settlement.RetryMaxDelay.Duration == 0 {
		cfg.Settlement.RetryMaxDelay.Duration = time.Minute
	}
	if cfg.Settlement.AttemptTimeout.Duration == 0 {
		cfg.Settlement.AttemptTimeout.Duration = 15 * time.Second
	}
	if cfg.UnitScale == 0 {
		cfg.UnitScale = 1_000_000
	}
	if cfg.Tolerance < 0 {
		cfg.Tolerance = 0
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 10
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Database.DSN) == "" && strings.TrimSpace(cfg.Database.Path) == "" {
		return fmt.Errorf("configure either database.dsn or database.path")
	}
	if strings.TrimSpace(cfg.Gateway.BaseURL) == "" {
		return fmt.Errorf("gateway.base_url must be configured")
	}
	if cfg.Sweep.LeaseTTL.Duration <= cfg.Settlement.AttemptTimeout.Duration {
		return fmt.Errorf("sweep.lease_ttl must exceed settlement.attempt_timeout")
	}
	if cfg.Admin.BearerToken == "" {
		return fmt.Errorf("admin.bearer_token must be configured")
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	return nil
}

func (g *GatewayConfig) normalise() error {
	if g == nil {
		return fmt.Errorf("gateway configuration missing")
	}
	g.BaseURL = strings.TrimRight(strings.TrimSpace(g.BaseURL), "/")
	g.AuthToken = strings.TrimSpace(g.AuthToken)
	if env := strings.TrimSpace(g.AuthTokenEnv); env != "" {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return fmt.Errorf("auth_token_env %s is empty", env)
		}
		g.AuthToken = value
	}
	if g.Timeout.Duration == 0 {
		g.Timeout.Duration = 10 * time.Second
	}
	return nil
}
