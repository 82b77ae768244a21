package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"remotedesk/cmd/internal/session"
	v1 "remotedesk/contracts/signal/v1"
)

// ErrClosed is returned by a closed signaler.
var ErrClosed = errors.New("signaling: closed")

// WSSignaler is the endpoint side of the gateway protocol: it binds to a
// session with hello, numbers outgoing messages and surfaces incoming
// signals and lifecycle changes.
type WSSignaler struct {
	conn *websocket.Conn
	log  *slog.Logger
	role Role
	ack  v1.HelloAckPayload

	sendMu  sync.Mutex
	nextSeq uint64

	msgs   chan Message
	states chan v1.SessionStatePayload
	errs   chan v1.ErrorPayload

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// DialOptions configure Dial.
type DialOptions struct {
	HTTPClient *http.Client
	Header     http.Header
	Logger     *slog.Logger

	// NextSeq continues numbering from an earlier connection. Zero means 1.
	NextSeq uint64
}

// Dial connects to the gateway at url and completes the hello handshake.
func Dial(ctx context.Context, url string, hello v1.HelloPayload, opts DialOptions) (*WSSignaler, error) {
	role := Role(hello.Role)
	if !role.Valid() {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidMessage, hello.Role)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:   opts.HTTPClient,
		HTTPHeader:   opts.Header,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	s := &WSSignaler{
		conn:    conn,
		log:     log,
		role:    role,
		nextSeq: max(opts.NextSeq, 1),
		msgs:    make(chan Message, 64),
		states:  make(chan v1.SessionStatePayload, 16),
		errs:    make(chan v1.ErrorPayload, 16),
		done:    make(chan struct{}),
	}

	if err := s.write(ctx, v1.TypeHello, hello); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "hello")
		return nil, err
	}
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			_ = conn.Close(websocket.StatusInternalError, "hello")
			return nil, fmt.Errorf("hello: %w", err)
		}
		switch env.Type {
		case v1.TypeHelloAck:
			if err := json.Unmarshal(env.Payload, &s.ack); err != nil {
				_ = conn.Close(websocket.StatusProtocolError, "hello.ack")
				return nil, fmt.Errorf("hello.ack: %w", err)
			}
			go s.readLoop()
			return s, nil
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return nil, fmt.Errorf("hello rejected: %s: %s", p.Code, p.Message)
		}
	}
}

// Ack returns the hello.ack the gateway sent.
func (s *WSSignaler) Ack() v1.HelloAckPayload { return s.ack }

// Role returns the bound role.
func (s *WSSignaler) Role() Role { return s.role }

// NextSeq returns the sequence number the next Send will use.
func (s *WSSignaler) NextSeq() uint64 {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.nextSeq
}

// Send relays one message to the counterpart.
func (s *WSSignaler) Send(ctx context.Context, kind Kind, payload json.RawMessage) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if err := s.closedErr(); err != nil {
		return err
	}
	m := Message{SessionID: s.ack.SessionID, From: s.role, Kind: kind, Seq: s.nextSeq, Payload: payload}
	if err := m.Validate(); err != nil {
		return err
	}
	if err := s.write(ctx, v1.TypeSignal, v1.SignalPayload{Kind: string(kind), Seq: m.Seq, Data: payload}); err != nil {
		return err
	}
	s.nextSeq++
	return nil
}

// Recv returns the next message from the counterpart.
func (s *WSSignaler) Recv(ctx context.Context) (Message, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	case <-s.done:
		select {
		case m := <-s.msgs:
			return m, nil
		default:
		}
		return Message{}, s.closedErr()
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// ReportTransport reports the peer transport state to the server.
func (s *WSSignaler) ReportTransport(ctx context.Context, state, detail string) error {
	if err := s.closedErr(); err != nil {
		return err
	}
	return s.write(ctx, v1.TypeTransportState, v1.TransportStatePayload{State: state, Detail: detail})
}

// End asks the server to end the session.
func (s *WSSignaler) End(ctx context.Context) error {
	if err := s.closedErr(); err != nil {
		return err
	}
	return s.write(ctx, v1.TypeSessionEnd, v1.SessionEndPayload{})
}

// States delivers session.state pushes. It is not closed; use Done.
func (s *WSSignaler) States() <-chan v1.SessionStatePayload { return s.states }

// Errors delivers error envelopes from the server.
func (s *WSSignaler) Errors() <-chan v1.ErrorPayload { return s.errs }

// Done is closed when the connection is gone.
func (s *WSSignaler) Done() <-chan struct{} { return s.done }

// Close closes the connection.
func (s *WSSignaler) Close() error {
	s.finish(ErrClosed)
	return s.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (s *WSSignaler) finish(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *WSSignaler) closedErr() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *WSSignaler) write(ctx context.Context, typ string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return writeEnvelope(ctx, s.conn, newEnvelope(typ, b, time.Now().UTC()), defaultWriteTimeout)
}

func (s *WSSignaler) readLoop() {
	ctx := context.Background()
	var lastSeq uint64 // highest relayed seq seen from the counterpart
	for {
		env, err := readEnvelope(ctx, s.conn)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.finish(session.ErrSessionEnded)
			} else {
				s.finish(fmt.Errorf("signaling: read: %w", err))
			}
			return
		}

		switch env.Type {
		case v1.TypeSignal:
			var p v1.SignalPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				s.log.Info("signal.decode.fail", "err", err)
				continue
			}
			if p.Seq <= lastSeq {
				continue
			}
			lastSeq = p.Seq
			m := Message{
				SessionID: s.ack.SessionID,
				From:      Role(p.From),
				Kind:      Kind(p.Kind),
				Seq:       p.Seq,
				Payload:   p.Data,
			}
			select {
			case s.msgs <- m:
			case <-s.done:
				return
			}

		case v1.TypeSessionState:
			var p v1.SessionStatePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			select {
			case s.states <- p:
			default:
				s.log.Info("signal.state.dropped", "to", p.To)
			}

		case v1.TypeError:
			var p v1.ErrorPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			select {
			case s.errs <- p:
			default:
			}
		}
	}
}
