// Package config loads the service configuration from TOML, a .env file
// and the process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config mirrors config.toml
type Config struct {
	Server        ServerConfig     `toml:"server"`
	Keys          KeysConfig       `toml:"keys"`
	Model         ModelConfig      `toml:"model"`
	Verdict       VerdictConfig    `toml:"verdict"`
	Cache         CacheConfig      `toml:"cache"`
	Signals       SignalsConfig    `toml:"signals"`
	Reputation    ReputationConfig `toml:"reputation"`
	Logging       LoggingConfig    `toml:"logging"`
	Notifications Notifications    `toml:"notifications"`
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Host           string        `toml:"host"`
	Port           int           `toml:"port"`
	ReadTimeout    time.Duration `toml:"read_timeout"`
	WriteTimeout   time.Duration `toml:"write_timeout"`
	EnableCORS     bool          `toml:"enable_cors"`
	AllowedOrigins []string      `toml:"allowed_origins"`
	TLSCertFile    string        `toml:"tls_cert_file"`
	TLSKeyFile     string        `toml:"tls_key_file"`
}

// KeysConfig names the signing key files and the MAC secret variable
type KeysConfig struct {
	PrivateKeyFile  string `toml:"private_key_file"`
	PublicKeyFile   string `toml:"public_key_file"`
	MACSecretEnvVar string `toml:"mac_secret_env_var"`
	AllowEphemeral  bool   `toml:"allow_ephemeral"`

	// MACSecret is read from MACSecretEnvVar, never from the file
	MACSecret string `toml:"-"`
}

// ModelConfig selects the model bundle and the decision threshold
type ModelConfig struct {
	BundlePath   string  `toml:"bundle_path"`
	Threshold    float64 `toml:"threshold"`
	MinThreshold float64 `toml:"min_threshold"`
}

// VerdictConfig controls payload freshness
type VerdictConfig struct {
	TTL     time.Duration `toml:"ttl"`
	MaxSkew time.Duration `toml:"max_skew"`
}

// CacheConfig sizes the verdict cache
type CacheConfig struct {
	Capacity      int           `toml:"capacity"`
	SweepInterval time.Duration `toml:"sweep_interval"`
}

// SignalsConfig controls the network-derived features
type SignalsConfig struct {
	Timeout          time.Duration `toml:"timeout"`
	DisableDOM       bool          `toml:"disable_dom"`
	DisableCT        bool          `toml:"disable_ct"`
	DisableWhois     bool          `toml:"disable_whois"`
	URLOnly          bool          `toml:"url_only"`
	ExpandShorteners bool          `toml:"expand_shorteners"`
	StorePath        string        `toml:"store_path"`
	StoreTTL         time.Duration `toml:"store_ttl"`
	PurgeInterval    time.Duration `toml:"purge_interval"`
	RateLimit        float64       `toml:"rate_limit"`
	Burst            int           `toml:"burst"`
	CrtShURL         string        `toml:"crtsh_url"`
}

// ReputationConfig controls the trusted-domain prior
type ReputationConfig struct {
	Enabled            bool    `toml:"enabled"`
	ListPath           string  `toml:"list_path"`
	HighConfidenceBand float64 `toml:"high_confidence_band"`
	DefaultWeight      float64 `toml:"default_weight"`
}

// LoggingConfig selects the log handler
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// Notifications holds configuration for all notification channels
type Notifications struct {
	Slack SlackConfig `toml:"slack"`
}

// SlackConfig holds configuration specific to Slack notifications
type SlackConfig struct {
	Enabled          bool   `toml:"enabled"`
	WebhookURLEnvVar string `toml:"webhook_url_env_var"`
}

// Default returns a complete configuration usable without any file
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           5000,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   30 * time.Second,
			EnableCORS:     true,
			AllowedOrigins: []string{"*"},
		},
		Keys: KeysConfig{
			MACSecretEnvVar: "HMAC_SECRET",
			AllowEphemeral:  true,
		},
		Model: ModelConfig{
			Threshold:    0.5,
			MinThreshold: 0.35,
		},
		Verdict: VerdictConfig{
			TTL:     300 * time.Second,
			MaxSkew: 60 * time.Second,
		},
		Cache: CacheConfig{
			Capacity:      10000,
			SweepInterval: time.Minute,
		},
		Signals: SignalsConfig{
			Timeout:          6 * time.Second,
			DisableDOM:       true,
			ExpandShorteners: true,
			StoreTTL:         7 * 24 * time.Hour,
			PurgeInterval:    time.Hour,
			RateLimit:        2,
			Burst:            4,
			CrtShURL:         "https://crt.sh/",
		},
		Reputation: ReputationConfig{
			Enabled:            true,
			HighConfidenceBand: 0.90,
			DefaultWeight:      0.9,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Notifications: Notifications{
			Slack: SlackConfig{WebhookURLEnvVar: "SLACK_WEBHOOK_URL"},
		},
	}
}

// Load reads path over the defaults, then applies .env and the process
// environment. A missing path is not an error; the defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if c.Keys.MACSecretEnvVar != "" {
		c.Keys.MACSecret = strings.TrimSpace(getenv(c.Keys.MACSecretEnvVar))
	}
	if v := strings.TrimSpace(getenv("RSA_PRIV_PEM")); v != "" {
		c.Keys.PrivateKeyFile = v
	}
	if v := strings.TrimSpace(getenv("RSA_PUB_PEM")); v != "" {
		c.Keys.PublicKeyFile = v
	}
	if v := strings.TrimSpace(getenv("PHG_TRUSTED_FILE")); v != "" {
		c.Reputation.ListPath = v
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"PHG_DISABLE_DOM", &c.Signals.DisableDOM},
		{"PHG_DISABLE_CT", &c.Signals.DisableCT},
		{"PHG_DISABLE_WHOIS", &c.Signals.DisableWhois},
		{"URL_ONLY", &c.Signals.URLOnly},
		{"USE_REPUTATION", &c.Reputation.Enabled},
	}
	for _, b := range bools {
		if v := getenv(b.name); v != "" {
			*b.dst = envBool(v)
		}
	}

	if v := strings.TrimSpace(getenv("MIN_THRESHOLD")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MIN_THRESHOLD: %w", err)
		}
		c.Model.MinThreshold = f
	}
	if v := strings.TrimSpace(getenv("VERDICT_TTL_SECS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("VERDICT_TTL_SECS: %w", err)
		}
		c.Verdict.TTL = time.Duration(n) * time.Second
	}
	return nil
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	if !(c.Model.Threshold >= 0 && c.Model.Threshold <= 1) {
		return fmt.Errorf("model.threshold %v outside [0,1]", c.Model.Threshold)
	}
	if !(c.Model.MinThreshold >= 0 && c.Model.MinThreshold <= 1) {
		return fmt.Errorf("model.min_threshold %v outside [0,1]", c.Model.MinThreshold)
	}
	if c.Verdict.TTL < time.Second {
		return fmt.Errorf("verdict.ttl %v must be at least 1s", c.Verdict.TTL)
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity %d must be positive", c.Cache.Capacity)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	band := c.Reputation.HighConfidenceBand
	// written so that NaN fails
	if c.Reputation.Enabled && !(band > c.EffectiveThreshold() && band <= 1) {
		return fmt.Errorf("reputation.high_confidence_band %v must lie in (%v, 1]", band, c.EffectiveThreshold())
	}
	return nil
}

// EffectiveThreshold is max(threshold, min_threshold)
func (c *Config) EffectiveThreshold() float64 {
	return max(c.Model.Threshold, c.Model.MinThreshold)
}

// Addr returns host:port for the listener
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func envBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
