package peer

import (
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"remotedesk/cmd/internal/input"
)

// Config controls PeerConnection setup.
type Config struct {
	// ICEServers are the STUN/TURN servers used for candidate gathering.
	// Empty means host candidates only, which is enough on one LAN.
	ICEServers []webrtc.ICEServer

	// Codec selects the data channel label and wire format. The client
	// chooses; the host follows the label it receives.
	Codec input.Codec

	// IncludeLoopback gathers loopback candidates (same-machine and tests).
	IncludeLoopback bool

	// EventQueue bounds decoded events waiting for Forward on the host.
	EventQueue int

	// RestartDelay is how long the client waits after an ICE failure
	// before offering an ICE restart.
	RestartDelay time.Duration
}

// DefaultConfig returns a JSON-codec config with ICE servers from the
// environment.
func DefaultConfig() Config {
	return Config{
		ICEServers:   ICEServersFromEnv(),
		Codec:        input.JSON,
		EventQueue:   256,
		RestartDelay: time.Second,
	}
}

func (c Config) normalized() Config {
	if c.Codec == nil {
		c.Codec = input.JSON
	}
	if c.EventQueue <= 0 {
		c.EventQueue = 256
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = time.Second
	}
	return c
}

// ICEServersFromEnv reads REMOTEDESK_ICE_SERVERS (CSV of stun:/turn: URLs).
// REMOTEDESK_ICE_USERNAME and REMOTEDESK_ICE_CREDENTIAL apply to turn URLs.
func ICEServersFromEnv() []webrtc.ICEServer {
	raw := strings.TrimSpace(os.Getenv("REMOTEDESK_ICE_SERVERS"))
	if raw == "" {
		return nil
	}
	user := os.Getenv("REMOTEDESK_ICE_USERNAME")
	cred := os.Getenv("REMOTEDESK_ICE_CREDENTIAL")

	var out []webrtc.ICEServer
	for _, u := range strings.Split(raw, ",") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		s := webrtc.ICEServer{URLs: []string{u}}
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			s.Username = user
			s.Credential = cred
		}
		out = append(out, s)
	}
	return out
}
