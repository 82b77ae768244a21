package session

import (
	"os"
	"strconv"
	"time"
)

// Config defines runtime configuration for session creation and lifecycle.
type Config struct {
	// TTL is the lifetime of a session from creation.
	TTL time.Duration

	// MaxTTL caps a caller-requested TTL.
	MaxTTL time.Duration

	// NegotiationTimeout bounds the wait for an answer after a client joins.
	NegotiationTimeout time.Duration

	// RecoveryTimeout bounds the single renegotiation after a transport failure.
	RecoveryTimeout time.Duration

	// Renegotiations is the number of renegotiations allowed before a session ends.
	Renegotiations int

	// MaxCreateAttempts bounds code regeneration on a uniqueness conflict.
	MaxCreateAttempts int

	// TerminalRetention is how long ended/expired handles stay queryable in memory.
	TerminalRetention time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:                24 * time.Hour,
		MaxTTL:             24 * time.Hour,
		NegotiationTimeout: 30 * time.Second,
		RecoveryTimeout:    30 * time.Second,
		Renegotiations:     1,
		MaxCreateAttempts:  5,
		TerminalRetention:  5 * time.Minute,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional (durations must be valid Go duration strings):
//   - REMOTEDESK_SESSION_TTL
//   - REMOTEDESK_SESSION_MAX_TTL
//   - REMOTEDESK_NEGOTIATION_TIMEOUT
//   - REMOTEDESK_RECOVERY_TIMEOUT
//   - REMOTEDESK_SESSION_CREATE_ATTEMPTS
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"REMOTEDESK_SESSION_TTL", &cfg.TTL},
		{"REMOTEDESK_SESSION_MAX_TTL", &cfg.MaxTTL},
		{"REMOTEDESK_NEGOTIATION_TIMEOUT", &cfg.NegotiationTimeout},
		{"REMOTEDESK_RECOVERY_TIMEOUT", &cfg.RecoveryTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			return Config{}, ErrConfig
		}
		*d.dst = parsed
	}

	if v := os.Getenv("REMOTEDESK_SESSION_CREATE_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 20 {
			return Config{}, ErrConfig
		}
		cfg.MaxCreateAttempts = n
	}

	if cfg.TTL > cfg.MaxTTL {
		return Config{}, ErrConfig
	}
	return cfg, nil
}
