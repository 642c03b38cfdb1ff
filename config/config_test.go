package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"arcesc/core/amount"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesSections(t *testing.T) {
	path := writeConfig(t, `ListenAddress = "127.0.0.1:9000"
DataDir = "./data"
ChainID = "arcesc-test"
FeeAsset = "USDC"

[genesis]
Governors = ["0x0000000000000000000000000000000000000005"]
Arbitrators = ["0x0000000000000000000000000000000000000003"]
Coordinators = ["0x0000000000000000000000000000000000000004"]

[genesis.Balances]
"0x0000000000000000000000000000000000000001" = "1000.5"

[escrow]
MinLockSeconds = 60
MaxLockSeconds = 86400
MaxDescriptionBytes = 128
CreationFee = "0.25"

[arbitration]
AllowResettleAfterDispute = false

[auth]
Secret = "inline"
Issuer = "arcescd"
ClockSkewSeconds = 5

[rate_limit]
RequestsPerMinute = 120
Burst = 10
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9000" || cfg.ChainID != "arcesc-test" {
		t.Fatalf("unexpected node settings: %+v", cfg)
	}
	if len(cfg.Genesis.Arbitrators) != 1 || cfg.Genesis.Balances["0x0000000000000000000000000000000000000001"] != "1000.5" {
		t.Fatalf("unexpected genesis: %+v", cfg.Genesis)
	}
	params, err := cfg.EscrowParams()
	if err != nil {
		t.Fatalf("escrow params: %v", err)
	}
	if params.MinLockDuration != 60 || params.CreationFee.Cmp(amount.MustParse("0.25")) != 0 {
		t.Fatalf("unexpected params: %+v", params)
	}
	if cfg.Policy().AllowResettleAfterDispute {
		t.Fatalf("expected re-settlement disabled")
	}
	if cfg.ClockSkew().Seconds() != 5 {
		t.Fatalf("unexpected clock skew %s", cfg.ClockSkew())
	}
	if cfg.Store.IdempotencyDB != filepath.Join("./data", "api.db") {
		t.Fatalf("unexpected store path %q", cfg.Store.IdempotencyDB)
	}
	// Sections left out keep their defaults.
	if cfg.Auth.RoleClaim != "role" || cfg.Logging.Level != "info" {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Auth, cfg.Logging)
	}
}

func TestLoadWritesDefaultWhenMissing(t *testing.T) {
	t.Setenv(EnvAuthSecret, "from-env")
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Secret != "from-env" {
		t.Fatalf("env secret not applied")
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if strings.Contains(string(contents), "from-env") {
		t.Fatalf("secret persisted to disk")
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.Policy().AllowResettleAfterDispute {
		t.Fatalf("default policy should allow re-settlement")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `ListenAddress = ":8080"
Bootnodes = ["1.1.1.1:6001"]

[auth]
Secret = "x"
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "Bootnodes") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"missing secret":  func(c *Config) { c.Auth.Secret = "" },
		"bad lock bounds": func(c *Config) { c.Escrow.MaxLockSeconds = 1 },
		"bad fee":         func(c *Config) { c.Escrow.CreationFee = "-1" },
		"bad treasury":    func(c *Config) { c.FeeTreasury = "nope" },
		"bad genesis":     func(c *Config) { c.Genesis.Arbitrators = []string{"nope"} },
		"negative skew":   func(c *Config) { c.Auth.ClockSkewSeconds = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.Secret = "secret"
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestAuthSecretFromFile(t *testing.T) {
	t.Setenv(EnvAuthSecret, "")
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "secret"), []byte("  file-secret\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[auth]\nSecretFile = \"secret\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	secret, err := cfg.AuthSecret()
	if err != nil || secret != "file-secret" {
		t.Fatalf("unexpected secret %q: %v", secret, err)
	}
}
