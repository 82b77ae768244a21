package api

import (
	"os"
	"strconv"
	"strings"

	"remotedesk/cmd/internal/deeplink"
)

// Config controls the session HTTP API.
type Config struct {
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64

	// DeeplinkScheme is the scheme accepted and produced for join links.
	DeeplinkScheme string

	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	TrustProxy bool

	// ThrottleByIP additionally backs off clients that keep guessing codes.
	ThrottleByIP bool
}

// DefaultConfig returns the API defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:   16 << 10,
		DeeplinkScheme: deeplink.DefaultScheme,
		ThrottleByIP:   true,
	}
}

// LoadConfigFromEnv reads REMOTEDESK_API_MAX_BODY_BYTES,
// REMOTEDESK_DEEPLINK_SCHEME, REMOTEDESK_TRUST_PROXY and
// REMOTEDESK_JOIN_THROTTLE_BY_IP. Invalid values keep the default.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("REMOTEDESK_API_MAX_BODY_BYTES")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBodyBytes = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("REMOTEDESK_DEEPLINK_SCHEME")); v != "" {
		cfg.DeeplinkScheme = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("REMOTEDESK_TRUST_PROXY")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.TrustProxy = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("REMOTEDESK_JOIN_THROTTLE_BY_IP")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ThrottleByIP = b
		}
	}
	return cfg
}
