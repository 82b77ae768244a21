package remote

import (
	"errors"
	"os"
	"strconv"
)

// ErrConfig is returned for invalid configuration.
var ErrConfig = errors.New("invalid config")

// Config controls queueing and pacing.
type Config struct {
	// QueueSize bounds events in flight between Send and Receive.
	QueueSize int

	// Rate paces producers in events per second. Zero disables pacing.
	Rate float64

	// Burst is the limiter burst when Rate is set.
	Burst int
}

// DefaultConfig returns a 256-event queue with no pacing.
func DefaultConfig() Config {
	return Config{QueueSize: 256, Burst: 32}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.Burst <= 0 {
		c.Burst = def.Burst
	}
	if c.Rate < 0 {
		c.Rate = 0
	}
	return c
}

// LoadConfigFromEnv reads REMOTEDESK_REMOTE_QUEUE, REMOTEDESK_REMOTE_RATE
// and REMOTEDESK_REMOTE_BURST.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("REMOTEDESK_REMOTE_QUEUE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1<<16 {
			return Config{}, ErrConfig
		}
		cfg.QueueSize = n
	}
	if v := os.Getenv("REMOTEDESK_REMOTE_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return Config{}, ErrConfig
		}
		cfg.Rate = f
	}
	if v := os.Getenv("REMOTEDESK_REMOTE_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, ErrConfig
		}
		cfg.Burst = n
	}
	return cfg, nil
}
