// Package config handles gateway configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in
// production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex
// string suitable for use as a token secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level gateway configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Auth    AuthConfig    `json:"auth"`
	Storage StorageConfig `json:"storage"`
	Gateway GatewayConfig `json:"gateway,omitempty"`
	Logging LoggingConfig `json:"logging,omitempty"`
}

// ServerConfig defines the gateway's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // WebSocket origin check; default allow all
	MediaBaseURL   string   `json:"media_base_url,omitempty"`  // prefix for relative attachment URLs
}

// AuthConfig defines authentication settings. An empty TokenSecret means
// connections are accepted anonymously; authorization still gates every
// channel operation.
type AuthConfig struct {
	Provider      string              `json:"provider,omitempty"`    // "builtin" (default) or "jwks"
	TokenSecret   string              `json:"token_secret,omitempty"`
	JWKSIssuer    string              `json:"jwks_issuer,omitempty"` // external IdP issuer URL
	RuntimeTokens []RuntimeTokenEntry `json:"runtime_tokens,omitempty"`
}

// RuntimeTokenEntry maps an agent runtime ID to its auth token.
type RuntimeTokenEntry struct {
	RuntimeID string `json:"runtime_id"`
	Token     string `json:"token"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "parley.db" or ":memory:"
}

// GatewayConfig defines channel gateway behavior.
type GatewayConfig struct {
	MaxMessageBytes int64 `json:"max_message_bytes,omitempty"` // max WebSocket message from clients; default 64KB
	HistoryLimit    int   `json:"history_limit,omitempty"`     // messages replayed on join; default 50
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
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

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Auth.TokenSecret != "" && len(c.Auth.TokenSecret) < 32 {
		return fmt.Errorf("auth.token_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.TokenSecret] {
		return fmt.Errorf("auth.token_secret is a well-known weak secret — generate a new one")
	}
	if c.Auth.Provider == "jwks" && c.Auth.JWKSIssuer == "" {
		return fmt.Errorf("auth.jwks_issuer is required when provider is jwks")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "parley.db"
	}
	if c.Gateway.MaxMessageBytes == 0 {
		c.Gateway.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if c.Gateway.HistoryLimit == 0 {
		c.Gateway.HistoryLimit = 50
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
