package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"arcesc/core/amount"
	"arcesc/crypto"
	"arcesc/ledger"
	"arcesc/native/arbitration"
	"arcesc/native/escrow"
)

// Validate checks the configuration without touching the data directory.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("ListenAddress must be set")
	}
	if c.FeeTreasury != "" {
		if _, err := crypto.ParseAddress(c.FeeTreasury); err != nil {
			return fmt.Errorf("FeeTreasury: %w", err)
		}
	}
	if err := c.Genesis.Validate(); err != nil {
		return err
	}
	if _, err := c.EscrowParams(); err != nil {
		return err
	}
	if c.Auth.Secret == "" && c.Auth.SecretFile == "" {
		return fmt.Errorf("auth: Secret, SecretFile or %s must be set", EnvAuthSecret)
	}
	if c.Auth.ClockSkewSeconds < 0 {
		return fmt.Errorf("auth: ClockSkewSeconds must not be negative")
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	return nil
}

// EscrowParams converts the escrow section into engine parameters.
func (c *Config) EscrowParams() (escrow.Params, error) {
	e := c.Escrow
	if e.MinLockSeconds <= 0 || e.MaxLockSeconds < e.MinLockSeconds {
		return escrow.Params{}, fmt.Errorf("escrow: lock bounds [%d, %d] invalid", e.MinLockSeconds, e.MaxLockSeconds)
	}
	if e.MaxDescriptionBytes <= 0 {
		return escrow.Params{}, fmt.Errorf("escrow: MaxDescriptionBytes must be positive")
	}
	fee := strings.TrimSpace(e.CreationFee)
	if fee == "" {
		fee = "0"
	}
	parsed, err := amount.Parse(fee)
	if err != nil {
		return escrow.Params{}, fmt.Errorf("escrow: CreationFee: %w", err)
	}
	return escrow.Params{
		MinLockDuration:     e.MinLockSeconds,
		MaxLockDuration:     e.MaxLockSeconds,
		MaxDescriptionBytes: e.MaxDescriptionBytes,
		CreationFee:         parsed,
	}, nil
}

// Policy returns the arbitration policy.
func (c *Config) Policy() arbitration.Policy {
	return arbitration.Policy{AllowResettleAfterDispute: c.Arbitration.AllowResettleAfterDispute}
}

// LedgerConfig assembles the local ledger settings.
func (c *Config) LedgerConfig(logger *slog.Logger) (ledger.Config, error) {
	params, err := c.EscrowParams()
	if err != nil {
		return ledger.Config{}, err
	}
	var treasury [20]byte
	if c.FeeTreasury != "" {
		if treasury, err = crypto.ParseAddress(c.FeeTreasury); err != nil {
			return ledger.Config{}, fmt.Errorf("FeeTreasury: %w", err)
		}
	}
	policy := c.Policy()
	return ledger.Config{
		ChainID:      c.ChainID,
		FeeAsset:     c.FeeAsset,
		EscrowParams: params,
		FeeTreasury:  treasury,
		Policy:       &policy,
		Logger:       logger,
	}, nil
}

// AuthSecret returns the configured HMAC secret, reading SecretFile when no
// inline or environment secret is present.
func (c *Config) AuthSecret() (string, error) {
	if c.Auth.Secret != "" {
		return c.Auth.Secret, nil
	}
	contents, err := os.ReadFile(c.Auth.SecretFile)
	if err != nil {
		return "", fmt.Errorf("auth: read SecretFile: %w", err)
	}
	secret := strings.TrimSpace(string(contents))
	if secret == "" {
		return "", fmt.Errorf("auth: SecretFile %s is empty", c.Auth.SecretFile)
	}
	return secret, nil
}

// ClockSkew returns the tolerated token clock skew.
func (c *Config) ClockSkew() time.Duration {
	return time.Duration(c.Auth.ClockSkewSeconds) * time.Second
}
