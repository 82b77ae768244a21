// Package agent runs host and client endpoints against a remotedesk server:
// it talks to the session API, holds the signaling connection and drives
// the peer connection.
package agent

import (
	"context"
	"fmt"
	"sync"

	"remotedesk/cmd/internal/access"
	"remotedesk/cmd/internal/session"
	v1 "remotedesk/contracts/signal/v1"
)

// StateSource is the server-pushed lifecycle stream. *signaling.WSSignaler
// implements it.
type StateSource interface {
	Ack() v1.HelloAckPayload
	States() <-chan v1.SessionStatePayload
	Done() <-chan struct{}
}

// Gate mirrors the server's session lifecycle on an endpoint so a
// remote.Channel can run next to the peer connection. It is ready while the
// session is active and done once the session is terminal or the signaling
// connection drops.
type Gate struct {
	id     string
	policy access.Policy

	mu        sync.Mutex
	state     session.State
	reason    string
	ready     chan struct{}
	readyOpen bool
	done      chan struct{}
	closed    bool
}

// NewGate starts following src. The initial state and policy come from the
// hello.ack.
func NewGate(src StateSource) *Gate {
	ack := src.Ack()
	g := &Gate{
		id: ack.SessionID,
		policy: access.Policy{
			Level:        access.Level(ack.AccessLevel),
			AllowedApps:  append([]string(nil), ack.AllowedApps...),
			AllowedPaths: append([]string(nil), ack.AllowedPaths...),
		},
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	g.apply(session.State(ack.State), "")
	go g.follow(src)
	return g
}

func (g *Gate) follow(src StateSource) {
	for {
		select {
		case p, ok := <-src.States():
			if !ok {
				g.apply(session.StateEnded, "signaling_closed")
				return
			}
			g.apply(session.State(p.To), p.Reason)
			if session.State(p.To).Terminal() {
				return
			}
		case <-src.Done():
			g.apply(session.StateEnded, "signaling_closed")
			return
		}
	}
}

func (g *Gate) apply(st session.State, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.state = st
	if reason != "" {
		g.reason = reason
	}

	switch {
	case st.Terminal():
		g.closed = true
		close(g.done)
	case st == session.StateActive:
		if !g.readyOpen {
			close(g.ready)
			g.readyOpen = true
		}
	default:
		if g.readyOpen {
			g.ready = make(chan struct{})
			g.readyOpen = false
		}
	}
}

// ID returns the session id.
func (g *Gate) ID() string { return g.id }

// Policy returns the access policy from the hello.ack.
func (g *Gate) Policy() access.Policy { return g.policy }

// Done is closed once the session is over.
func (g *Gate) Done() <-chan struct{} { return g.done }

// State returns the last known lifecycle state.
func (g *Gate) State() session.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Err returns a session.ErrSessionEnded error once the session is over.
func (g *Gate) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		return nil
	}
	return fmt.Errorf("agent: %w: %s: %s", session.ErrSessionEnded, g.state, g.reason)
}

// WaitReady blocks until the session is active.
func (g *Gate) WaitReady(ctx context.Context) error {
	if err := g.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	ready := g.ready
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-g.done:
		return g.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the session ends and returns its error.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.done:
		return g.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
