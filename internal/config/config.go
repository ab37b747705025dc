// Package config handles hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Relay     RelayConfig     `json:"relay,omitempty"`
	Pairing   PairingConfig   `json:"pairing,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	BaseURL        string   `json:"base_url,omitempty"`        // external URL, e.g. "https://hub.example.com"
	TrustProxy     bool     `json:"trust_proxy,omitempty"`     // honor X-Forwarded-* from the reverse proxy
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	JWTSecret    string        `json:"jwt_secret"`
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver             string   `json:"driver"`                        // "sqlite" (default) or "postgres"
	DSN                string   `json:"dsn"`                           // e.g. "fleethub.db" or ":memory:"
	EventRetention     Duration `json:"event_retention,omitempty"`     // acknowledged event retention
	TelemetryRetention Duration `json:"telemetry_retention,omitempty"` // telemetry history retention
}

// RelayConfig tunes the agent relay socket.
type RelayConfig struct {
	AuthDeadline      Duration `json:"auth_deadline,omitempty"`       // time an agent has to send AUTH_REQUEST; default 10s
	HeartbeatInterval Duration `json:"heartbeat_interval,omitempty"`  // server heartbeat cadence; default 30s
	SessionTimeout    Duration `json:"session_timeout,omitempty"`     // silence before an agent is dropped; default 90s
	StaleScanInterval Duration `json:"stale_scan_interval,omitempty"` // stale connection sweep cadence; default 30s
}

// PairingConfig tunes the pairing flow.
type PairingConfig struct {
	CodeTTL           Duration `json:"code_ttl,omitempty"`            // default 5m
	InitiatePerMinute int      `json:"initiate_per_minute,omitempty"` // per-IP; default 10
	CompletePerMinute int      `json:"complete_per_minute,omitempty"` // per-IP; default 15
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines global API rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file. Environment variables override
// the file for the settings deployments most often need to change.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Addr = ":" + v
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		c.Server.AllowedOrigins = []string{v}
	}
	if v := os.Getenv("TRUST_PROXY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Server.TrustProxy = b
		}
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret - generate a new one")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "fleethub.db"
	}
	if c.Storage.EventRetention.Duration == 0 {
		c.Storage.EventRetention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Storage.TelemetryRetention.Duration == 0 {
		c.Storage.TelemetryRetention.Duration = 7 * 24 * time.Hour // 7 days
	}
	if c.Relay.AuthDeadline.Duration == 0 {
		c.Relay.AuthDeadline.Duration = 10 * time.Second
	}
	if c.Relay.HeartbeatInterval.Duration == 0 {
		c.Relay.HeartbeatInterval.Duration = 30 * time.Second
	}
	if c.Relay.SessionTimeout.Duration == 0 {
		c.Relay.SessionTimeout.Duration = 90 * time.Second
	}
	if c.Relay.StaleScanInterval.Duration == 0 {
		c.Relay.StaleScanInterval.Duration = 30 * time.Second
	}
	if c.Pairing.CodeTTL.Duration == 0 {
		c.Pairing.CodeTTL.Duration = 5 * time.Minute
	}
	if c.Pairing.InitiatePerMinute == 0 {
		c.Pairing.InitiatePerMinute = 10
	}
	if c.Pairing.CompletePerMinute == 0 {
		c.Pairing.CompletePerMinute = 15
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
}
