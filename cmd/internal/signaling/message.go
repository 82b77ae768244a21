// Package signaling relays session-description and connectivity-candidate
// messages between the host and client of a session so they can establish a
// direct peer transport. It never carries media.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	v1 "remotedesk/contracts/signal/v1"
)

// Role identifies which endpoint of a session sent a message.
type Role string

const (
	RoleHost   Role = v1.RoleHost
	RoleClient Role = v1.RoleClient
)

// Valid reports whether r is host or client.
func (r Role) Valid() bool { return r == RoleHost || r == RoleClient }

// Counterpart returns the other endpoint.
func (r Role) Counterpart() Role {
	if r == RoleHost {
		return RoleClient
	}
	return RoleHost
}

// Kind is the signaling message kind.
type Kind string

const (
	KindOffer        Kind = v1.KindOffer
	KindAnswer       Kind = v1.KindAnswer
	KindICECandidate Kind = v1.KindICECandidate
)

// MaxPayloadBytes bounds a single SDP or candidate blob.
const MaxPayloadBytes = 32 << 10

var (
	// ErrInvalidMessage wraps structural validation failures.
	ErrInvalidMessage = errors.New("signaling: invalid message")

	// ErrCrossSession is returned when a message is relayed through another session's exchange.
	ErrCrossSession = errors.New("signaling: message for another session")

	// ErrWindow is returned when too many out-of-order messages are pending.
	ErrWindow = errors.New("signaling: reorder window exceeded")
)

// Message is one signaling message. Seq starts at 1 and increases by one per
// message within each direction (host->client and client->host are
// independent). Payload is opaque.
type Message struct {
	SessionID string
	From      Role
	Kind      Kind
	Seq       uint64
	Payload   json.RawMessage
}

// Validate checks the message shape.
func (m Message) Validate() error {
	if strings.TrimSpace(m.SessionID) == "" {
		return fmt.Errorf("%w: missing session id", ErrInvalidMessage)
	}
	if !m.From.Valid() {
		return fmt.Errorf("%w: role %q", ErrInvalidMessage, m.From)
	}
	switch m.Kind {
	case KindOffer, KindAnswer, KindICECandidate:
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidMessage, m.Kind)
	}
	if m.Seq == 0 {
		return fmt.Errorf("%w: seq must start at 1", ErrInvalidMessage)
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	}
	if len(m.Payload) > MaxPayloadBytes {
		return fmt.Errorf("%w: payload too large", ErrInvalidMessage)
	}
	return nil
}
