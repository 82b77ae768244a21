// Package v1 defines the remotedesk signaling protocol v1.
//
// It is shared between the server gateway and Go endpoints so the wire format
// stays authoritative in one place.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Subprotocol is the WebSocket subprotocol negotiated for this contract.
const Subprotocol = "remotedesk.signal.v1"

// Version is embedded into every envelope.
const Version = 1

// Envelope types (wire-stable).
const (
	// TypeHello binds the connection to a session and role (endpoint -> server).
	TypeHello = "hello"
	// TypeHelloAck confirms the binding and reports the current state (server -> endpoint).
	TypeHelloAck = "hello.ack"

	// TypeSignal carries an offer, answer or ICE candidate (both directions).
	TypeSignal = "signal"

	// TypeTransportState reports the media layer's transport state (endpoint -> server).
	TypeTransportState = "transport.state"

	// TypeSessionState pushes lifecycle changes (server -> endpoint).
	TypeSessionState = "session.state"

	// TypeSessionEnd asks the server to end the session (endpoint -> server).
	TypeSessionEnd = "session.end"

	// TypeError is a generic error envelope (server -> endpoint).
	TypeError = "error"
)

// AllowedTypes is the closed set of envelope types.
var AllowedTypes = map[string]struct{}{
	TypeHello:          {},
	TypeHelloAck:       {},
	TypeSignal:         {},
	TypeTransportState: {},
	TypeSessionState:   {},
	TypeSessionEnd:     {},
	TypeError:          {},
}

// Roles.
const (
	RoleHost   = "host"
	RoleClient = "client"
)

// Signal kinds.
const (
	KindOffer        = "offer"
	KindAnswer       = "answer"
	KindICECandidate = "iceCandidate"
)

// Transport states reported by endpoints.
const (
	TransportEstablished = "established"
	TransportFailed      = "failed"
	TransportPaused      = "paused"
	TransportResumed     = "resumed"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Validate performs structural validation.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing type")
	}
	if _, ok := AllowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

type HelloPayload struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	DeviceRef string `json:"device_ref"`
}

type HelloAckPayload struct {
	SessionID    string    `json:"session_id"`
	Role         string    `json:"role"`
	State        string    `json:"state"`
	AccessLevel  string    `json:"access_level"`
	AllowedApps  []string  `json:"allowed_apps,omitempty"`
	AllowedPaths []string  `json:"allowed_paths,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SignalPayload is an offer, answer or candidate. From is set by the server
// on delivery; Data is opaque to the relay.
type SignalPayload struct {
	Kind string          `json:"kind"`
	Seq  uint64          `json:"seq"`
	From string          `json:"from,omitempty"`
	Data json.RawMessage `json:"data"`
}

type TransportStatePayload struct {
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

type SessionStatePayload struct {
	SessionID string `json:"session_id"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

type SessionEndPayload struct {
	Reason string `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
