// Package config aggregates runtime settings and validates them at startup,
// so a misconfigured deployment fails fast instead of surfacing as broken
// webhooks hours later.
package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	// EnvironmentProduction enables the strict validation rules.
	EnvironmentProduction  = "production"
	EnvironmentDevelopment = "development"

	defaultListenAddr      = ":8080"
	defaultDatabaseURL     = "sqlite:///tmp/morphclip.db"
	defaultAllowedOrigin   = "http://localhost:3000"
	defaultSessionIssuer   = "morphclip"
	defaultSessionCookie   = "morphclip_session"
	defaultCheckoutBaseURL = "https://checkout.dodopayments.com"
	defaultVideoAPIBaseURL = "https://api.kie.ai"
	defaultProviderTimeout = 30 * time.Second
	defaultPollInterval    = 10 * time.Second
	defaultPollTimeout     = 15 * time.Minute
	defaultOutboxInterval  = 5 * time.Second
)

// Config aggregates runtime settings for the backend.
type Config struct {
	ListenAddr     string
	DatabaseURL    string
	Environment    string
	AllowedOrigins []string

	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string

	DodoAPIKey              string
	DodoBaseURL             string
	DodoCheckoutBaseURL     string
	DodoWebhookSecret       string
	DodoTestMode            bool
	SkipWebhookVerification bool

	VideoAPIKey     string
	VideoAPIBaseURL string
	VideoAPIUseMock bool

	ProviderTimeout time.Duration
	PollInterval    time.Duration
	PollTimeout     time.Duration
	OutboxInterval  time.Duration
}

// Validate fills defaults and ensures the configuration is usable. Secrets
// are only mandatory in production; development may run against the sandbox
// provider or the mock video backend with nothing configured.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.Environment = defaultIfEmpty(cfg.Environment, EnvironmentDevelopment)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.DodoCheckoutBaseURL = defaultIfEmpty(cfg.DodoCheckoutBaseURL, defaultCheckoutBaseURL)
	cfg.VideoAPIBaseURL = defaultIfEmpty(cfg.VideoAPIBaseURL, defaultVideoAPIBaseURL)
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = defaultProviderTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.OutboxInterval <= 0 {
		cfg.OutboxInterval = defaultOutboxInterval
	}

	if cfg.Environment != EnvironmentProduction && cfg.Environment != EnvironmentDevelopment {
		return fmt.Errorf("unknown environment %q", cfg.Environment)
	}
	if strings.TrimSpace(cfg.SessionSigningKey) == "" {
		return fmt.Errorf("session signing key is required")
	}

	if cfg.Environment == EnvironmentProduction {
		if strings.TrimSpace(cfg.DodoAPIKey) == "" {
			return fmt.Errorf("dodo api key is required in production")
		}
		if strings.TrimSpace(cfg.DodoWebhookSecret) == "" {
			return fmt.Errorf("dodo webhook secret is required in production")
		}
		if cfg.SkipWebhookVerification {
			return fmt.Errorf("webhook verification cannot be skipped in production")
		}
		if !cfg.VideoAPIUseMock && strings.TrimSpace(cfg.VideoAPIKey) == "" {
			return fmt.Errorf("video api key is required in production")
		}
	}
	return nil
}

// IsProduction reports whether the strict rules apply.
func (cfg *Config) IsProduction() bool {
	return cfg.Environment == EnvironmentProduction
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
