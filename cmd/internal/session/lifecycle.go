package session

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"remotedesk/cmd/internal/access"
)

// subscriberQueue bounds each subscriber's pending notifications.
// Slow subscribers miss intermediate changes; the terminal change is
// followed by a close, so State() remains the source of truth.
const subscriberQueue = 16

// StateChange is published on every transition. Recoverable faults
// (a first negotiation timeout or transport failure) are published with
// From == To and Err set.
type StateChange struct {
	SessionID string
	From      State
	To        State
	Reason    string
	Err       error
	At        time.Time
}

// TerminalFunc is invoked once, outside any lock, when a handle reaches
// Ended or Expired.
type TerminalFunc func(h *Handle, change StateChange)

// Lifecycle owns one Handle per live session.
type Lifecycle struct {
	log     *slog.Logger
	cfg     Config
	now     func() time.Time
	metrics *Metrics

	hooksMu    sync.RWMutex
	onTerminal []TerminalFunc

	mu      sync.Mutex
	handles map[string]*Handle
}

// LifecycleOption configures a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) LifecycleOption {
	return func(l *Lifecycle) {
		if now != nil {
			l.now = now
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) LifecycleOption {
	return func(l *Lifecycle) { l.metrics = m }
}

// NewLifecycle constructs an empty Lifecycle.
func NewLifecycle(log *slog.Logger, cfg Config, opts ...LifecycleOption) *Lifecycle {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	def := DefaultConfig()
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = def.NegotiationTimeout
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = cfg.NegotiationTimeout
	}
	if cfg.Renegotiations < 0 {
		cfg.Renegotiations = 0
	}
	if cfg.TerminalRetention <= 0 {
		cfg.TerminalRetention = def.TerminalRetention
	}

	l := &Lifecycle{
		log:     log,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		handles: make(map[string]*Handle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// OnTerminal registers fn to run whenever a handle reaches a terminal state.
func (l *Lifecycle) OnTerminal(fn TerminalFunc) {
	if fn == nil {
		return
	}
	l.hooksMu.Lock()
	l.onTerminal = append(l.onTerminal, fn)
	l.hooksMu.Unlock()
}

// Handle returns the live handle for id.
func (l *Lifecycle) Handle(id string) (*Handle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handles[id]
	return h, ok
}

// Len returns the number of tracked handles (including retained terminal ones).
func (l *Lifecycle) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

// open registers a handle in StateCreated. It replaces nothing: a second
// open for the same id returns the existing handle.
func (l *Lifecycle) open(s Session) *Handle {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.handles[s.ID]; ok {
		return h
	}
	h := newHandle(l, s, StateCreated)
	l.handles[s.ID] = h
	return h
}

// discard drops a handle that never left StateCreated.
func (l *Lifecycle) discard(h *Handle) {
	l.mu.Lock()
	if cur, ok := l.handles[h.id]; ok && cur == h {
		delete(l.handles, h.id)
	}
	l.mu.Unlock()
	h.stopTimers()
}

// Attach returns the handle for a stored session, rebuilding it from the
// row when this process has not seen the session before.
func (l *Lifecycle) Attach(s Session) *Handle {
	l.mu.Lock()
	if h, ok := l.handles[s.ID]; ok {
		l.mu.Unlock()
		return h
	}

	var h *Handle
	switch {
	case !s.Active && s.EndedByExpiry():
		h = newHandle(l, s, StateExpired)
		h.reason = ReasonExpired
		h.last.Reason = ReasonExpired
		close(h.done)
	case !s.Active:
		h = newHandle(l, s, StateEnded)
		h.reason = ReasonHostEnded
		h.last.Reason = ReasonHostEnded
		close(h.done)
	case s.Claimed():
		h = newHandle(l, s, StateNegotiating)
	default:
		h = newHandle(l, s, StateAwaitingClient)
	}
	l.handles[s.ID] = h
	l.mu.Unlock()

	if !s.Active {
		l.retire(h)
		return h
	}

	h.expireIfDue()
	h.mu.Lock()
	if h.state == StateNegotiating {
		h.armLocked(timerNegotiation, l.cfg.NegotiationTimeout)
	}
	h.mu.Unlock()
	return h
}

// Shutdown ends every live session with reason.
func (l *Lifecycle) Shutdown(reason string) {
	l.mu.Lock()
	hs := make([]*Handle, 0, len(l.handles))
	for _, h := range l.handles {
		hs = append(hs, h)
	}
	l.mu.Unlock()

	for _, h := range hs {
		h.End(reason)
	}
}

func (l *Lifecycle) retire(h *Handle) {
	time.AfterFunc(l.cfg.TerminalRetention, func() {
		l.mu.Lock()
		if cur, ok := l.handles[h.id]; ok && cur == h {
			delete(l.handles, h.id)
		}
		l.mu.Unlock()
	})
}

func (l *Lifecycle) terminal(h *Handle, c StateChange) {
	l.hooksMu.RLock()
	hooks := append([]TerminalFunc(nil), l.onTerminal...)
	l.hooksMu.RUnlock()

	for _, fn := range hooks {
		fn(h, c)
	}
	l.retire(h)
}

type timerKind uint8

const (
	timerNone timerKind = iota
	timerNegotiation
	timerRecovery
)

// Handle is the per-session state machine:
//
//	Created -> AwaitingClient -> Negotiating -> Active <-> Paused
//	any non-terminal -> Ended | Expired
type Handle struct {
	l         *Lifecycle
	id        string
	expiresAt time.Time
	policy    access.Policy

	mu             sync.Mutex
	state          State
	reason         string
	renegotiations int

	timer     *time.Timer
	timerKind timerKind
	timerGen  uint64
	expiry    *time.Timer

	ready     chan struct{}
	readyOpen bool
	done      chan struct{}

	subs    map[uint64]chan StateChange
	nextSub uint64
	last    StateChange
}

func newHandle(l *Lifecycle, s Session, st State) *Handle {
	h := &Handle{
		l:              l,
		id:             s.ID,
		expiresAt:      s.ExpiresAt,
		policy:         s.Policy(),
		state:          st,
		renegotiations: l.cfg.Renegotiations,
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
		subs:           make(map[uint64]chan StateChange),
	}
	h.last = StateChange{SessionID: s.ID, To: st, At: l.now()}

	if !st.Terminal() && !s.ExpiresAt.IsZero() {
		if d := s.ExpiresAt.Sub(l.now()); d > 0 {
			h.expiry = time.AfterFunc(d+time.Millisecond, func() { h.expireIfDue() })
		}
	}
	return h
}

// ID returns the session id.
func (h *Handle) ID() string { return h.id }

// Policy returns the session's access policy.
func (h *Handle) Policy() access.Policy { return h.policy }

// ExpiresAt returns the session expiry.
func (h *Handle) ExpiresAt() time.Time { return h.expiresAt }

// Done is closed when the session reaches Ended or Expired.
func (h *Handle) Done() <-chan struct{} { return h.done }

// State returns the current state, applying expiry lazily.
func (h *Handle) State() State {
	h.expireIfDue()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Reason returns the terminal reason, empty while the session is live.
func (h *Handle) Reason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Err returns ErrSessionEnded once terminal, nil otherwise.
func (h *Handle) Err() error {
	if h.State().Terminal() {
		return h.endedErr()
	}
	return nil
}

func (h *Handle) endedErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return opErr("session.Handle", ErrSessionEnded, string(h.state)+": "+h.reason)
}

// Subscribe returns a channel of state changes and a cancel func.
// The channel is closed after the terminal change.
func (h *Handle) Subscribe() (<-chan StateChange, func()) {
	ch := make(chan StateChange, subscriberQueue)

	h.mu.Lock()
	if h.state.Terminal() {
		ch <- h.last
		close(ch)
		h.mu.Unlock()
		return ch, func() {}
	}
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
			h.mu.Unlock()
		})
	}
}

// WaitReady blocks until the transport is established and the session is
// Active (not paused, not recovering). It fails with ErrSessionEnded once
// the session is terminal.
func (h *Handle) WaitReady(ctx context.Context) error {
	if err := h.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	ready := h.ready
	h.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-h.done:
		return h.endedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether WaitReady would return immediately.
func (h *Handle) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readyOpen && !h.state.Terminal()
}

// Persisted moves Created -> AwaitingClient.
func (h *Handle) Persisted() error {
	return h.transition(func() (State, string, error, error) {
		switch h.state {
		case StateCreated:
			return StateAwaitingClient, "", nil, nil
		case StateAwaitingClient:
			return "", "", nil, nil
		}
		return "", "", nil, ErrInvalidTransition
	})
}

// ClientJoined moves AwaitingClient -> Negotiating and arms the negotiation
// timer. A repeated join by the bound device is a no-op.
func (h *Handle) ClientJoined() error {
	return h.transition(func() (State, string, error, error) {
		switch h.state {
		case StateAwaitingClient:
			h.armLocked(timerNegotiation, h.l.cfg.NegotiationTimeout)
			return StateNegotiating, "", nil, nil
		case StateNegotiating, StateActive, StatePaused:
			return "", "", nil, nil
		}
		return "", "", nil, ErrInvalidTransition
	})
}

// AnswerRelayed cancels the pending negotiation timeout.
func (h *Handle) AnswerRelayed() error {
	return h.transition(func() (State, string, error, error) {
		if h.state == StateNegotiating && h.timerKind == timerNegotiation {
			h.stopTimerLocked()
		}
		return "", "", nil, nil
	})
}

// TransportEstablished moves Negotiating -> Active, or completes a recovery.
func (h *Handle) TransportEstablished() error {
	return h.transition(func() (State, string, error, error) {
		switch h.state {
		case StateNegotiating:
			h.stopTimerLocked()
			h.openGateLocked()
			return StateActive, "", nil, nil
		case StateActive:
			if h.timerKind == timerRecovery {
				h.stopTimerLocked()
				h.openGateLocked()
				return StateActive, "transport_recovered", nil, nil
			}
			return "", "", nil, nil
		case StatePaused:
			if h.timerKind == timerRecovery {
				h.stopTimerLocked()
			}
			return "", "", nil, nil
		}
		return "", "", nil, ErrInvalidTransition
	})
}

// TransportFailed consumes the renegotiation budget on the first failure
// and ends the session on the next one.
func (h *Handle) TransportFailed() error {
	return h.transition(func() (State, string, error, error) {
		switch h.state {
		case StateNegotiating, StateActive, StatePaused:
		default:
			return "", "", nil, ErrInvalidTransition
		}

		if h.renegotiations <= 0 {
			return StateEnded, ReasonTransportFailed, ErrTransportFailed, nil
		}
		h.renegotiations--
		h.closeGateLocked()
		if h.state == StateNegotiating {
			h.armLocked(timerNegotiation, h.l.cfg.NegotiationTimeout)
		} else {
			h.armLocked(timerRecovery, h.l.cfg.RecoveryTimeout)
		}
		return h.state, "renegotiating", ErrTransportFailed, nil
	})
}

// Pause moves Active -> Paused.
func (h *Handle) Pause() error {
	return h.transition(func() (State, string, error, error) {
		switch h.state {
		case StateActive:
			h.closeGateLocked()
			return StatePaused, "", nil, nil
		case StatePaused:
			return "", "", nil, nil
		}
		return "", "", nil, ErrInvalidTransition
	})
}

// Resume moves Paused -> Active.
func (h *Handle) Resume() error {
	return h.transition(func() (State, string, error, error) {
		switch h.state {
		case StatePaused:
			if h.timerKind != timerRecovery {
				h.openGateLocked()
			}
			return StateActive, "", nil, nil
		case StateActive:
			return "", "", nil, nil
		}
		return "", "", nil, ErrInvalidTransition
	})
}

// End moves any non-terminal state to Ended. Ending a terminal session is a no-op.
func (h *Handle) End(reason string) {
	if reason == "" {
		reason = ReasonHostEnded
	}
	_ = h.transition(func() (State, string, error, error) {
		return StateEnded, reason, nil, nil
	})
}

// Expire moves any non-terminal state to Expired.
func (h *Handle) Expire() {
	_ = h.transition(func() (State, string, error, error) {
		return StateExpired, ReasonExpired, ErrExpired, nil
	})
}

func (h *Handle) expireIfDue() {
	if h.expiresAt.IsZero() || !h.l.now().After(h.expiresAt) {
		return
	}
	h.Expire()
}

// transition runs step under the lock. step returns the target state ("" for
// no change), a reason, an error to publish with the change, and an error to
// return to the caller. Terminal handles short-circuit with ErrSessionEnded.
func (h *Handle) transition(step func() (State, string, error, error)) error {
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return opErr("session.Handle", ErrSessionEnded, string(h.state))
	}

	to, reason, pubErr, err := step()
	if err != nil {
		from := h.state
		h.mu.Unlock()
		return opErr("session.Handle", err, string(from))
	}
	if to == "" {
		h.mu.Unlock()
		return nil
	}

	c := StateChange{
		SessionID: h.id,
		From:      h.state,
		To:        to,
		Reason:    reason,
		Err:       pubErr,
		At:        h.l.now(),
	}
	h.state = to
	h.last = c

	terminal := to.Terminal()
	if terminal {
		h.reason = reason
		h.stopTimerLocked()
		if h.expiry != nil {
			h.expiry.Stop()
		}
		close(h.done)
	}

	for id, ch := range h.subs {
		select {
		case ch <- c:
		default:
		}
		if terminal {
			close(ch)
			delete(h.subs, id)
		}
	}
	h.mu.Unlock()

	h.l.metrics.observeTransition(c)
	h.l.log.Info("session.state",
		"session_id", h.id,
		"from", c.From,
		"to", c.To,
		"reason", c.Reason,
		"err", c.Err,
	)

	if terminal {
		h.l.terminal(h, c)
	}
	return nil
}

func (h *Handle) armLocked(kind timerKind, d time.Duration) {
	h.stopTimerLocked()
	h.timerGen++
	gen := h.timerGen
	h.timerKind = kind
	h.timer = time.AfterFunc(d, func() { h.onTimer(gen) })
}

func (h *Handle) stopTimerLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.timerKind = timerNone
	h.timerGen++
}

func (h *Handle) stopTimers() {
	h.mu.Lock()
	h.stopTimerLocked()
	if h.expiry != nil {
		h.expiry.Stop()
	}
	h.mu.Unlock()
}

func (h *Handle) onTimer(gen uint64) {
	_ = h.transition(func() (State, string, error, error) {
		if gen != h.timerGen {
			return "", "", nil, nil
		}
		kind := h.timerKind
		h.timer = nil
		h.timerKind = timerNone

		switch kind {
		case timerNegotiation:
			if h.state != StateNegotiating {
				return "", "", nil, nil
			}
			if h.renegotiations > 0 {
				h.renegotiations--
				h.armLocked(timerNegotiation, h.l.cfg.NegotiationTimeout)
				return StateNegotiating, "renegotiating", ErrNegotiationTimeout, nil
			}
			return StateEnded, ReasonNegotiationTimeout, ErrNegotiationTimeout, nil

		case timerRecovery:
			return StateEnded, ReasonTransportFailed, ErrTransportFailed, nil
		}
		return "", "", nil, nil
	})
}

func (h *Handle) openGateLocked() {
	if !h.readyOpen {
		close(h.ready)
		h.readyOpen = true
	}
}

func (h *Handle) closeGateLocked() {
	if h.readyOpen {
		h.ready = make(chan struct{})
		h.readyOpen = false
	}
}
