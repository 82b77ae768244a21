package signaling

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultWriteTimeout  = 5 * time.Second
	defaultReadIdle      = 90 * time.Second
	defaultHelloTimeout  = 10 * time.Second
	defaultSendQueueSize = 64
	minSendQueueSize     = 8
)

// GatewayConfig controls the signaling WebSocket gateway.
type GatewayConfig struct {
	// OriginRequired rejects upgrades without an Origin header. Native
	// endpoints do not send one, so the default is false.
	OriginRequired bool
	AllowedOrigins []string

	// DevInsecure disables websocket.Accept's own origin verification.
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	HelloTimeout    time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration

	// HostGrace is how long a session outlives its host's connection.
	HostGrace time.Duration
}

// DefaultGatewayConfig returns production defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		WriteTimeout:     defaultWriteTimeout,
		ReadIdleTimeout:  defaultReadIdle,
		HelloTimeout:     defaultHelloTimeout,
		SendQueueSize:    defaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
		HostGrace:        hostReconnectGrace,
	}
}

func (c GatewayConfig) normalized() GatewayConfig {
	def := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = def.HelloTimeout
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = def.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	if c.HostGrace <= 0 {
		c.HostGrace = def.HostGrace
	}
	return c
}

// GatewayConfigFromEnv reads REMOTEDESK_WS_* overrides. Invalid values fall
// back to defaults.
func GatewayConfigFromEnv() GatewayConfig {
	c := DefaultGatewayConfig()
	c.DevInsecure = envBool("REMOTEDESK_WS_DEV_INSECURE", false)
	c.OriginRequired = envBool("REMOTEDESK_WS_ORIGIN_REQUIRED", false)
	c.AllowedOrigins = envCSV("REMOTEDESK_WS_ALLOWED_ORIGINS")
	c.WriteTimeout = envDuration("REMOTEDESK_WS_WRITE_TIMEOUT", c.WriteTimeout)
	c.ReadIdleTimeout = envDuration("REMOTEDESK_WS_READ_IDLE_TIMEOUT", c.ReadIdleTimeout)
	c.HelloTimeout = envDuration("REMOTEDESK_WS_HELLO_TIMEOUT", c.HelloTimeout)
	c.SendQueueSize = envInt("REMOTEDESK_WS_SEND_QUEUE", c.SendQueueSize)
	c.HeartbeatEvery = envDuration("REMOTEDESK_WS_HEARTBEAT_INTERVAL", c.HeartbeatEvery)
	c.HeartbeatTimeout = envDuration("REMOTEDESK_WS_HEARTBEAT_TIMEOUT", c.HeartbeatTimeout)
	c.RateEvents = envInt("REMOTEDESK_WS_RATE_EVENTS", c.RateEvents)
	c.RateWindow = envDuration("REMOTEDESK_WS_RATE_WINDOW", c.RateWindow)
	c.HostGrace = envDuration("REMOTEDESK_HOST_GRACE", c.HostGrace)
	return c.normalized()
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSV(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
