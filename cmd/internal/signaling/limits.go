package signaling

import "time"

const (
	// Max bytes per websocket frame read. An SDP offer with many candidates
	// stays well under this.
	maxFrameBytes = 64 << 10

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limit (envelopes per window). Trickle ICE bursts
	// a few dozen candidates.
	rateLimitEvents = 200
	rateLimitWindow = 10 * time.Second

	// How long a session survives its host's signaling connection dropping.
	hostReconnectGrace = 15 * time.Second
)
