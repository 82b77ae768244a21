package app

import (
	"errors"
	"fmt"
	"strings"

	"remotedesk/cmd/security/pin"
)

// ValidateSecurityConfig enforces startup security policy and returns the
// PIN hashing parameters to use.
//
// Fail-fast: a misconfigured PIN hasher or an open credentialed CORS policy
// refuses to start rather than degrading.
func ValidateSecurityConfig(cfg Config) (pin.Config, error) {
	if cfg.CORSAllowCredentials {
		for _, o := range cfg.CORSAllowedOrigins {
			if strings.TrimSpace(o) == "*" {
				return pin.Config{}, errors.New("security policy: REMOTEDESK_CORS_ALLOW_CREDENTIALS=true cannot be combined with a wildcard origin")
			}
		}
	}

	pc, err := pin.FromEnv()
	if err != nil {
		return pin.Config{}, fmt.Errorf("security policy: pin hashing: %w", err)
	}
	return pc, nil
}
