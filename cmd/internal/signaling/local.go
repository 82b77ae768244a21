package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	v1 "remotedesk/contracts/signal/v1"
)

// Transport is the lifecycle surface transport reports drive.
// *session.Handle implements it.
type Transport interface {
	TransportEstablished() error
	TransportFailed() error
	Pause() error
	Resume() error
}

// LocalSignaler speaks to an Exchange in-process. Endpoints embedded in the
// server process use it instead of a WebSocket.
type LocalSignaler struct {
	ex        *Exchange
	transport Transport
	role      Role

	mu      sync.Mutex
	nextSeq uint64
}

// NewLocalSignaler binds role to ex. transport receives ReportTransport calls.
func NewLocalSignaler(ex *Exchange, transport Transport, role Role) *LocalSignaler {
	return &LocalSignaler{ex: ex, transport: transport, role: role, nextSeq: 1}
}

// Send relays one message to the counterpart.
func (s *LocalSignaler) Send(ctx context.Context, kind Kind, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.ex.Relay(ctx, Message{
		SessionID: s.ex.SessionID(),
		From:      s.role,
		Kind:      kind,
		Seq:       s.nextSeq,
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	s.nextSeq++
	return nil
}

// Recv returns the next message from the counterpart.
func (s *LocalSignaler) Recv(ctx context.Context) (Message, error) {
	return s.ex.Receive(ctx, s.role)
}

// ReportTransport applies a transport state the way the gateway does.
func (s *LocalSignaler) ReportTransport(_ context.Context, state, _ string) error {
	return applyTransport(s.role, s.transport, s.ex, state)
}

// ErrHostOnly rejects transport reports from the client. The host is the
// single reporter, so one failure is never counted twice.
var ErrHostOnly = errors.New("signaling: only the host reports transport state")

func applyTransport(role Role, t Transport, ex *Exchange, state string) error {
	switch state {
	case v1.TransportEstablished, v1.TransportFailed, v1.TransportPaused, v1.TransportResumed:
	default:
		return fmt.Errorf("unknown transport state %q", state)
	}
	if role != RoleHost {
		return ErrHostOnly
	}

	switch state {
	case v1.TransportEstablished:
		if err := t.TransportEstablished(); err != nil {
			return err
		}
		ex.Settle()
		return nil
	case v1.TransportFailed:
		return t.TransportFailed()
	case v1.TransportPaused:
		return t.Pause()
	default:
		return t.Resume()
	}
}
