package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"remotedesk/cmd/internal/session"
)

// maxPending bounds buffered out-of-order messages per direction.
const maxPending = 256

// Gate is the lifecycle view an Exchange needs. *session.Handle implements it.
type Gate interface {
	ID() string
	Done() <-chan struct{}
	Err() error
	AnswerRelayed() error
}

type direction struct {
	next    uint64
	pending map[uint64]Message
	ready   []Message
}

func newDirection() *direction {
	return &direction{next: 1, pending: make(map[uint64]Message)}
}

// Exchange relays messages for exactly one session. Each message is
// delivered to the counterpart once, in sequence order per direction;
// gaps are buffered until filled and duplicates are dropped.
type Exchange struct {
	gate    Gate
	log     *slog.Logger
	metrics *Metrics

	mu      sync.Mutex
	dirs    map[Role]*direction // keyed by sender
	changed chan struct{}
}

// NewExchange constructs an Exchange bound to gate.
func NewExchange(gate Gate, log *slog.Logger, metrics *Metrics) *Exchange {
	if log == nil {
		log = slog.Default()
	}
	return &Exchange{
		gate:    gate,
		log:     log,
		metrics: metrics,
		dirs: map[Role]*direction{
			RoleHost:   newDirection(),
			RoleClient: newDirection(),
		},
		changed: make(chan struct{}),
	}
}

// SessionID returns the session this exchange serves.
func (e *Exchange) SessionID() string { return e.gate.ID() }

// Relay accepts m from its sender. Messages tagged with another session are
// rejected with ErrCrossSession. Relaying an answer cancels the session's
// negotiation timeout. After the session ends Relay fails with
// session.ErrSessionEnded.
func (e *Exchange) Relay(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if m.SessionID != e.gate.ID() {
		e.metrics.observeRejected("cross_session")
		e.log.Warn("signal.reject.cross_session", "session_id", e.gate.ID(), "tagged", m.SessionID)
		return ErrCrossSession
	}
	if e.ended() {
		return e.endedErr()
	}

	e.mu.Lock()
	d := e.dirs[m.From]
	if m.Seq < d.next {
		e.mu.Unlock()
		e.metrics.observeRejected("duplicate")
		return nil
	}
	if _, dup := d.pending[m.Seq]; dup {
		e.mu.Unlock()
		e.metrics.observeRejected("duplicate")
		return nil
	}
	if m.Seq != d.next && len(d.pending) >= maxPending {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d pending from %s", ErrWindow, maxPending, m.From)
	}

	d.pending[m.Seq] = m
	answered := false
	for {
		next, ok := d.pending[d.next]
		if !ok {
			break
		}
		delete(d.pending, d.next)
		d.ready = append(d.ready, next)
		d.next++
		if next.Kind == KindAnswer {
			answered = true
		}
		e.metrics.observeRelayed(next.Kind)
	}
	e.signalLocked()
	e.mu.Unlock()

	e.log.Debug("signal.relay",
		"session_id", m.SessionID,
		"from", m.From,
		"kind", m.Kind,
		"seq", m.Seq,
	)

	if answered {
		if err := e.gate.AnswerRelayed(); err != nil {
			return err
		}
	}
	return nil
}

// Receive returns the next message addressed to role, blocking until one is
// deliverable, ctx is done, or the session ends.
func (e *Exchange) Receive(ctx context.Context, role Role) (Message, error) {
	if !role.Valid() {
		return Message{}, fmt.Errorf("%w: role %q", ErrInvalidMessage, role)
	}
	from := role.Counterpart()

	for {
		if e.ended() {
			return Message{}, e.endedErr()
		}

		e.mu.Lock()
		d := e.dirs[from]
		if len(d.ready) > 0 {
			m := d.ready[0]
			d.ready[0] = Message{}
			d.ready = d.ready[1:]
			e.mu.Unlock()
			return m, nil
		}
		wait := e.changed
		e.mu.Unlock()

		select {
		case <-wait:
		case <-e.gate.Done():
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Peek returns the first deliverable message for role with a sequence
// number above after, without consuming it. The gateway pairs it with Ack
// so a message lost with its connection is offered again to the next one.
func (e *Exchange) Peek(ctx context.Context, role Role, after uint64) (Message, error) {
	if !role.Valid() {
		return Message{}, fmt.Errorf("%w: role %q", ErrInvalidMessage, role)
	}
	from := role.Counterpart()

	for {
		if e.ended() {
			return Message{}, e.endedErr()
		}

		e.mu.Lock()
		for _, m := range e.dirs[from].ready {
			if m.Seq > after {
				e.mu.Unlock()
				return m, nil
			}
		}
		wait := e.changed
		e.mu.Unlock()

		select {
		case <-wait:
		case <-e.gate.Done():
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Ack consumes the messages for role up to and including seq.
func (e *Exchange) Ack(role Role, seq uint64) {
	if !role.Valid() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	d := e.dirs[role.Counterpart()]
	n := 0
	for n < len(d.ready) && d.ready[n].Seq <= seq {
		d.ready[n] = Message{}
		n++
	}
	d.ready = d.ready[n:]
}

// Pending reports undelivered messages addressed to role.
func (e *Exchange) Pending(role Role) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.dirs[role.Counterpart()].ready)
}

// Settle drops buffered messages once the transport is established. The
// expected sequence moves past anything dropped so a later renegotiation
// is not held behind a gap that will never fill.
func (e *Exchange) Settle() {
	e.mu.Lock()
	for _, d := range e.dirs {
		d.ready = nil
		for seq := range d.pending {
			if seq >= d.next {
				d.next = seq + 1
			}
		}
		clear(d.pending)
	}
	e.signalLocked()
	e.mu.Unlock()
}

func (e *Exchange) signalLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *Exchange) ended() bool {
	select {
	case <-e.gate.Done():
		return true
	default:
		return false
	}
}

func (e *Exchange) endedErr() error {
	if err := e.gate.Err(); err != nil {
		return err
	}
	return session.ErrSessionEnded
}
