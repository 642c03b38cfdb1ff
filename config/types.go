package config

import "arcesc/native/escrow"

// EscrowConfig bounds escrow creation.
type EscrowConfig struct {
	MinLockSeconds      int64 `toml:"MinLockSeconds"`
	MaxLockSeconds      int64 `toml:"MaxLockSeconds"`
	MaxDescriptionBytes int   `toml:"MaxDescriptionBytes"`
	// CreationFee is a decimal amount in the fee asset ("0.5").
	CreationFee string `toml:"CreationFee"`
}

// DefaultEscrowConfig mirrors escrow.DefaultParams.
func DefaultEscrowConfig() EscrowConfig {
	return EscrowConfig{
		MinLockSeconds:      escrow.DefaultMinLockDuration,
		MaxLockSeconds:      escrow.DefaultMaxLockDuration,
		MaxDescriptionBytes: escrow.DefaultMaxDescriptionBytes,
		CreationFee:         "0",
	}
}

type ArbitrationConfig struct {
	AllowResettleAfterDispute bool `toml:"AllowResettleAfterDispute"`
}

// AuthConfig configures bearer token verification on the node API.
type AuthConfig struct {
	Secret           string `toml:"Secret,omitempty"`
	SecretFile       string `toml:"SecretFile,omitempty"`
	Issuer           string `toml:"Issuer"`
	Audience         string `toml:"Audience"`
	RoleClaim        string `toml:"RoleClaim"`
	ClockSkewSeconds int64  `toml:"ClockSkewSeconds"`
}

// RateLimitConfig throttles each caller. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

// StoreConfig locates the idempotency and audit database.
type StoreConfig struct {
	IdempotencyDB string `toml:"IdempotencyDB"`
}

type LoggingConfig struct {
	Env        string `toml:"Env"`
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// TelemetryConfig points the OTLP exporters at a collector. Empty Endpoint
// falls back to the OTEL_EXPORTER_OTLP_* environment.
type TelemetryConfig struct {
	Endpoint string            `toml:"Endpoint"`
	Insecure bool              `toml:"Insecure"`
	Headers  map[string]string `toml:"Headers,omitempty"`
}
