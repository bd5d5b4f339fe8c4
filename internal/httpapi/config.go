package httpapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr          = ":9090"
	defaultAllowedOrigin       = "http://localhost:8000"
	defaultSessionIssuer       = "tauth"
	defaultSessionCookie       = "app_session"
	defaultServiceIssuer       = "creditengine"
	defaultRequestTimeout      = 3 * time.Second
	defaultChargeHistoryLimit  = 20
	maxWebhookBodyBytes        = 1 << 20
	webhookSignatureHeaderName = "X-Webhook-Signature"
)

// Config aggregates runtime settings for the HTTP façade.
type Config struct {
	ListenAddr         string
	AllowedOrigins     []string
	SessionSigningKey  string
	SessionIssuer      string
	SessionCookieName  string
	ServiceTokenSecret string
	ServiceTokenIssuer string
	WebhookSecret      string
	RequestTimeout     time.Duration
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.ServiceTokenIssuer = defaultIfEmpty(cfg.ServiceTokenIssuer, defaultServiceIssuer)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("session signing key is required")
	}
	if len(cfg.ServiceTokenSecret) == 0 {
		return fmt.Errorf("service token secret is required")
	}
	if len(cfg.WebhookSecret) == 0 {
		return fmt.Errorf("webhook secret is required")
	}
	return nil
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

// ChargeHistoryLimit returns how many charge records are fetched per page.
func ChargeHistoryLimit() int {
	return defaultChargeHistoryLimit
}
