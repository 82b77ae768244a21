package session

import (
	"time"

	"remotedesk/cmd/internal/access"
)

// State is a session lifecycle state.
type State string

const (
	StateCreated        State = "created"
	StateAwaitingClient State = "awaiting_client"
	StateNegotiating    State = "negotiating"
	StateActive         State = "active"
	StatePaused         State = "paused"
	StateEnded          State = "ended"
	StateExpired        State = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateExpired
}

// End reasons.
const (
	ReasonHostEnded          = "host_ended"
	ReasonClientLeft         = "client_left"
	ReasonHostDisconnected   = "host_disconnected"
	ReasonNegotiationTimeout = "negotiation_timeout"
	ReasonTransportFailed    = "transport_failed"
	ReasonExpired            = "expired"
	ReasonShutdown           = "shutdown"
)

// Session is the persisted session row. PINHash never leaves the server.
type Session struct {
	ID              string
	Code            string
	PINHash         string
	HostDeviceRef   string
	ClientDeviceRef string
	AccessLevel     access.Level
	AllowedApps     []string
	AllowedPaths    []string
	Active          bool
	CreatedAt       time.Time
	ExpiresAt       time.Time
	ClaimedAt       *time.Time
	EndedAt         *time.Time
}

// Claimed reports whether a client device is bound.
func (s Session) Claimed() bool { return s.ClientDeviceRef != "" }

// ExpiredAt reports whether the session is past its expiry at now.
func (s Session) ExpiredAt(now time.Time) bool { return now.After(s.ExpiresAt) }

// EndedByExpiry reports whether an inactive row was retired by its TTL
// rather than by an explicit end. Rows without EndedAt count as expired.
func (s Session) EndedByExpiry() bool {
	return s.EndedAt == nil || !s.EndedAt.Before(s.ExpiresAt)
}

// Policy projects the access-relevant attributes.
func (s Session) Policy() access.Policy {
	return access.Policy{
		Level:        s.AccessLevel,
		AllowedApps:  append([]string(nil), s.AllowedApps...),
		AllowedPaths: append([]string(nil), s.AllowedPaths...),
	}
}

// Created is returned by Service.Create: the persisted session plus the
// clear-text PIN, which is shown to the host once and never stored.
type Created struct {
	Session Session
	PIN     string
	Handle  *Handle
}
