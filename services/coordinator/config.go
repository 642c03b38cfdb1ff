package coordinator

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"arcesc/crypto"
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

// MarshalYAML renders the duration in Go notation.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config captures the runtime configuration for coordinatord.
type Config struct {
	ListenAddress   string        `yaml:"listen"`
	Identity        string        `yaml:"identity"`
	PauseOnStart    bool          `yaml:"pause"`
	PollInterval    Duration      `yaml:"poll_interval"`
	FinalityTimeout Duration      `yaml:"finality_timeout"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
	Subscribe       *bool         `yaml:"subscribe"`
	Ledger          LedgerConfig  `yaml:"ledger"`
	Retry           RetryConfig   `yaml:"retry"`
	RateLimit       RateConfig    `yaml:"rate_limit"`
	Journal         JournalConfig `yaml:"journal"`
	Admin           AdminConfig   `yaml:"admin"`
	Logging         LoggingConfig `yaml:"logging"`
}

// LedgerConfig points the coordinator at an arcescd node.
type LedgerConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	Token     string   `yaml:"token"`
	TokenFile string   `yaml:"token_file"`
	TokenEnv  string   `yaml:"token_env"`
	Timeout   Duration `yaml:"timeout"`
}

// RetryConfig bounds the backoff applied to transient failures.
type RetryConfig struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
}

// RateConfig paces release submissions.
type RateConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// JournalConfig selects the watch journal backend.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// AdminConfig secures the operator API.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file"`
}

// LoggingConfig optionally mirrors logs into a rotating file.
type LoggingConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
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
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Ledger.normalise(); err != nil {
		return cfg, fmt.Errorf("ledger token: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.PollInterval.Duration == 0 {
		cfg.PollInterval.Duration = 5 * time.Second
	}
	if cfg.FinalityTimeout.Duration == 0 {
		cfg.FinalityTimeout.Duration = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.Subscribe == nil {
		enabled := true
		cfg.Subscribe = &enabled
	}
	if cfg.Ledger.Timeout.Duration == 0 {
		cfg.Ledger.Timeout.Duration = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.InitialBackoff.Duration == 0 {
		cfg.Retry.InitialBackoff.Duration = 2 * time.Second
	}
	if cfg.Retry.MaxBackoff.Duration == 0 {
		cfg.Retry.MaxBackoff.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.PerSecond <= 0 {
		cfg.RateLimit.PerSecond = 10
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "sqlite"
	}
	if cfg.Journal.DSN == "" && cfg.Journal.Driver == "sqlite" {
		cfg.Journal.DSN = "file:coordinator.db"
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Identity) == "" {
		return fmt.Errorf("identity must be configured")
	}
	if _, err := crypto.ParseAddress(cfg.Identity); err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if strings.TrimSpace(cfg.Ledger.Endpoint) == "" {
		return fmt.Errorf("ledger endpoint must be configured")
	}
	if cfg.Ledger.Token == "" {
		return fmt.Errorf("ledger token must be configured")
	}
	if cfg.Retry.MaxBackoff.Duration < cfg.Retry.InitialBackoff.Duration {
		return fmt.Errorf("retry max_backoff must not be below initial_backoff")
	}
	if cfg.FinalityTimeout.Duration <= 0 {
		return fmt.Errorf("finality_timeout must be positive")
	}
	switch strings.ToLower(cfg.Journal.Driver) {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("journal driver %q not supported", cfg.Journal.Driver)
	}
	if cfg.Journal.DSN == "" {
		return fmt.Errorf("journal dsn must be configured")
	}
	if cfg.Admin.BearerToken == "" {
		return fmt.Errorf("admin bearer_token must be configured")
	}
	return nil
}

func (l *LedgerConfig) normalise() error {
	l.Endpoint = strings.TrimSpace(l.Endpoint)
	l.Token = strings.TrimSpace(l.Token)
	l.TokenEnv = strings.TrimSpace(l.TokenEnv)
	l.TokenFile = strings.TrimSpace(l.TokenFile)
	if l.Token != "" {
		return nil
	}
	switch {
	case l.TokenEnv != "":
		value := strings.TrimSpace(os.Getenv(l.TokenEnv))
		if value == "" {
			return fmt.Errorf("token_env %s is empty", l.TokenEnv)
		}
		l.Token = value
	case l.TokenFile != "":
		contents, err := os.ReadFile(l.TokenFile)
		if err != nil {
			return fmt.Errorf("read token_file: %w", err)
		}
		l.Token = strings.TrimSpace(string(contents))
	}
	return nil
}

func (a *AdminConfig) normalise() error {
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
