package throttle

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// ErrConfig is returned for invalid configuration.
var ErrConfig = errors.New("invalid config")

// Config controls join backoff.
type Config struct {
	// MaxFailures is the number of failures tolerated before backoff starts.
	MaxFailures int

	// Base is the wait after the first failure past MaxFailures.
	Base time.Duration

	// Max caps the wait.
	Max time.Duration

	// Window is how long an idle failure history is remembered.
	Window time.Duration
}

// DefaultConfig returns 3 free failures, then 1s doubling up to 5m.
func DefaultConfig() Config {
	return Config{
		MaxFailures: 3,
		Base:        time.Second,
		Max:         5 * time.Minute,
		Window:      time.Hour,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxFailures <= 0 {
		c.MaxFailures = def.MaxFailures
	}
	if c.Base <= 0 {
		c.Base = def.Base
	}
	if c.Max < c.Base {
		c.Max = c.Base
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	return c
}

// Backoff returns the wait imposed after n consecutive failures.
func (c Config) Backoff(n int) time.Duration {
	c = c.normalized()
	if n < c.MaxFailures {
		return 0
	}
	wait := c.Base
	for i := c.MaxFailures; i < n; i++ {
		wait *= 2
		if wait >= c.Max {
			return c.Max
		}
	}
	return wait
}

// LoadConfigFromEnv reads:
//   - REMOTEDESK_JOIN_MAX_FAILURES
//   - REMOTEDESK_JOIN_BACKOFF_BASE
//   - REMOTEDESK_JOIN_BACKOFF_MAX
//   - REMOTEDESK_JOIN_FAILURE_WINDOW
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("REMOTEDESK_JOIN_MAX_FAILURES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			return Config{}, ErrConfig
		}
		cfg.MaxFailures = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"REMOTEDESK_JOIN_BACKOFF_BASE", &cfg.Base},
		{"REMOTEDESK_JOIN_BACKOFF_MAX", &cfg.Max},
		{"REMOTEDESK_JOIN_FAILURE_WINDOW", &cfg.Window},
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

	if cfg.Max < cfg.Base {
		return Config{}, ErrConfig
	}
	return cfg, nil
}
