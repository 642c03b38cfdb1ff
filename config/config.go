package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"arcesc/ledger"
)

// EnvAuthSecret overrides Auth.Secret when set.
const EnvAuthSecret = "ARCESC_AUTH_SECRET"

type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	ChainID       string `toml:"ChainID"`
	FeeAsset      string `toml:"FeeAsset"`
	FeeTreasury   string `toml:"FeeTreasury"`

	Genesis     ledger.Genesis    `toml:"genesis"`
	Escrow      EscrowConfig      `toml:"escrow"`
	Arbitration ArbitrationConfig `toml:"arbitration"`
	Auth        AuthConfig        `toml:"auth"`
	RateLimit   RateLimitConfig   `toml:"rate_limit"`
	Store       StoreConfig       `toml:"store"`
	Logging     LoggingConfig     `toml:"logging"`
	Telemetry   TelemetryConfig   `toml:"telemetry"`
}

// Load loads the configuration from the given path. A missing file is
// replaced by a default configuration written to path.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	cfg.applyEnv()
	cfg.applyDefaults(path)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration written for a fresh node.
func Default() *Config {
	return &Config{
		ListenAddress: ":8080",
		DataDir:       "./arcesc-data",
		ChainID:       ledger.DefaultChainID,
		FeeAsset:      ledger.DefaultFeeAsset,
		Genesis: ledger.Genesis{
			Governors:    []string{},
			Arbitrators:  []string{},
			Coordinators: []string{},
			Balances:     map[string]string{},
		},
		Escrow:      DefaultEscrowConfig(),
		Arbitration: ArbitrationConfig{AllowResettleAfterDispute: true},
		Auth: AuthConfig{
			RoleClaim:        "role",
			ClockSkewSeconds: 30,
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 600, Burst: 60},
		Logging:   LoggingConfig{Env: "dev", Level: "info"},
	}
}

func (c *Config) applyEnv() {
	if secret := strings.TrimSpace(os.Getenv(EnvAuthSecret)); secret != "" {
		c.Auth.Secret = secret
	}
}

func (c *Config) applyDefaults(path string) {
	if strings.TrimSpace(c.ChainID) == "" {
		c.ChainID = ledger.DefaultChainID
	}
	if strings.TrimSpace(c.FeeAsset) == "" {
		c.FeeAsset = ledger.DefaultFeeAsset
	}
	if c.Auth.SecretFile != "" && c.Auth.Secret == "" {
		c.Auth.SecretFile = resolve(path, c.Auth.SecretFile)
	}
	if c.Store.IdempotencyDB == "" && c.DataDir != "" {
		c.Store.IdempotencyDB = filepath.Join(c.DataDir, "api.db")
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults(path)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func resolve(configPath, target string) string {
	if filepath.IsAbs(target) {
		return target
	}
	return filepath.Join(filepath.Dir(configPath), target)
}
