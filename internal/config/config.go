// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis URL for pending registrations and rate counters (optional)

	// Signals
	FingerprintSecret     string
	DisposableDomainsFile string // optional, extends the embedded list
	IPReputationFile      string // optional CSV of cidr,category
	DNSTimeout            time.Duration

	// Risk policy (weights, thresholds, proof-of-work limits)
	RiskPolicyFile string

	// Challenges
	ChallengeSweepInterval time.Duration

	// Observability
	OTLPEndpoint string

	// User-facing
	AppealURL          string
	CORSAllowedOrigins []string // empty allows any origin
	TrustedProxies     []string // CIDRs or IPs allowed to set X-Forwarded-For; empty trusts none

	// Operator access to /v1/admin and the verification callback
	OperatorAPIKey string // imported at startup; must start with "rk_"
}

// Defaults
const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "json"
	DefaultDNSTimeout             = 2 * time.Second
	DefaultChallengeSweepInterval = 5 * time.Minute
	DefaultAppealURL              = "/support/appeal"

	// devFingerprintSecret is only accepted outside production.
	devFingerprintSecret = "dev-fingerprint-secret-change-me"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               os.Getenv("REDIS_URL"),
		FingerprintSecret:      os.Getenv("FINGERPRINT_SECRET"),
		DisposableDomainsFile:  os.Getenv("DISPOSABLE_DOMAINS_FILE"),
		IPReputationFile:       os.Getenv("IP_REPUTATION_FILE"),
		DNSTimeout:             getEnvDuration("DNS_TIMEOUT", DefaultDNSTimeout),
		RiskPolicyFile:         os.Getenv("RISK_POLICY_FILE"),
		ChallengeSweepInterval: getEnvDuration("CHALLENGE_SWEEP_INTERVAL", DefaultChallengeSweepInterval),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AppealURL:              getEnv("APPEAL_URL", DefaultAppealURL),
		CORSAllowedOrigins:     getEnvList("CORS_ALLOWED_ORIGINS"),
		TrustedProxies:         getEnvList("TRUSTED_PROXIES"),
		OperatorAPIKey:         os.Getenv("OPERATOR_API_KEY"),
	}

	if cfg.FingerprintSecret == "" && !cfg.IsProduction() {
		cfg.FingerprintSecret = devFingerprintSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.FingerprintSecret == "" {
		return fmt.Errorf("FINGERPRINT_SECRET is required")
	}
	if c.IsProduction() {
		if c.FingerprintSecret == devFingerprintSecret {
			return fmt.Errorf("FINGERPRINT_SECRET must be changed in production")
		}
		if len(c.FingerprintSecret) < 32 {
			return fmt.Errorf("FINGERPRINT_SECRET must be at least 32 characters in production")
		}
	}
	if c.DNSTimeout <= 0 {
		return fmt.Errorf("DNS_TIMEOUT must be positive")
	}
	if c.ChallengeSweepInterval <= 0 {
		return fmt.Errorf("CHALLENGE_SWEEP_INTERVAL must be positive")
	}
	if c.OperatorAPIKey != "" && !strings.HasPrefix(c.OperatorAPIKey, "rk_") {
		return fmt.Errorf("OPERATOR_API_KEY must start with rk_")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("2s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs := getEnvInt64(key, -1); secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
