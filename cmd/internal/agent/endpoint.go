package agent

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"remotedesk/cmd/internal/input"
	"remotedesk/cmd/internal/peer"
	"remotedesk/cmd/internal/remote"
	"remotedesk/cmd/internal/session"
	"remotedesk/cmd/internal/signaling"
	v1 "remotedesk/contracts/signal/v1"
)

// Endpoint is one side of a session: where to signal, who we are and how
// to build the peer connection.
type Endpoint struct {
	SignalURL string
	DeviceRef string
	Header    http.Header
	Peer      peer.Config
	Remote    remote.Config
	Log       *slog.Logger
}

func (e Endpoint) logger() *slog.Logger {
	if e.Log == nil {
		return slog.Default()
	}
	return e.Log
}

func (e Endpoint) dial(ctx context.Context, sessionID string, role signaling.Role) (*signaling.WSSignaler, error) {
	return signaling.Dial(ctx, e.SignalURL, v1.HelloPayload{
		SessionID: sessionID,
		Role:      string(role),
		DeviceRef: e.DeviceRef,
	}, signaling.DialOptions{Header: e.Header, Logger: e.logger()})
}

// Host answers the client's offer and hands every permitted event to inj
// until the session ends. A normal end returns nil.
func (e Endpoint) Host(ctx context.Context, sessionID string, inj remote.Injector) error {
	log := e.logger().With("session_id", sessionID, "role", signaling.RoleHost)

	sig, err := e.dial(ctx, sessionID, signaling.RoleHost)
	if err != nil {
		return err
	}
	defer func() { _ = sig.Close() }()

	gate := NewGate(sig)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-gate.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, err := peer.Answer(ctx, sig, e.Peer, log)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	ch := remote.New(gate, e.Remote, remote.WithLogger(log))
	delivered := make(chan error, 1)
	go func() { delivered <- ch.Deliver(ctx, inj) }()

	log.Info("agent.host.ready", "access_level", gate.Policy().Level)
	err = conn.Forward(ctx, ch)
	cancel()
	if derr := <-delivered; derr != nil && !errors.Is(derr, context.Canceled) {
		return derr
	}
	return endedCleanly(err, gate)
}

// Client offers a connection and sends every event from events until the
// channel closes or the session ends.
func (e Endpoint) Client(ctx context.Context, sessionID string, events <-chan input.Event) error {
	log := e.logger().With("session_id", sessionID, "role", signaling.RoleClient)

	sig, err := e.dial(ctx, sessionID, signaling.RoleClient)
	if err != nil {
		return err
	}
	defer func() { _ = sig.Close() }()

	gate := NewGate(sig)
	conn, err := peer.Offer(ctx, sig, e.Peer, log)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if err := gate.WaitReady(ctx); err != nil {
		return endedCleanly(err, gate)
	}
	log.Info("agent.client.ready", "access_level", gate.Policy().Level)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return sig.End(ctx)
			}
			if err := conn.Send(ctx, ev); err != nil {
				if errors.Is(err, input.ErrInvalidEvent) {
					log.Warn("agent.event.invalid", "kind", ev.Kind, "err", err)
					continue
				}
				return endedCleanly(err, gate)
			}
		case <-gate.Done():
			return endedCleanly(gate.Err(), gate)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// endedCleanly maps the end of a session by either side to nil.
func endedCleanly(err error, gate *Gate) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, session.ErrSessionEnded) || errors.Is(err, peer.ErrClosed) || errors.Is(err, context.Canceled) {
		select {
		case <-gate.Done():
			return nil
		default:
		}
	}
	return err
}
