// Package remote implements the per-session remote-control channel: an
// ordered single-producer/single-consumer stream of input events from the
// client to the host, filtered by the session's access policy.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/time/rate"

	"remotedesk/cmd/internal/access"
	"remotedesk/cmd/internal/input"
	"remotedesk/cmd/internal/session"
)

// ErrOutOfOrder is returned when an event's timestamp goes backwards.
var ErrOutOfOrder = errors.New("remote: timestamp went backwards")

// Gate is the lifecycle view the channel needs. *session.Handle implements it.
type Gate interface {
	WaitReady(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
	Policy() access.Policy
	ID() string
}

// Injector consumes events on the host (OS input injection lives behind it).
type Injector interface {
	Inject(ctx context.Context, ev input.Event) error
}

// InjectorFunc adapts a function to Injector.
type InjectorFunc func(ctx context.Context, ev input.Event) error

func (f InjectorFunc) Inject(ctx context.Context, ev input.Event) error { return f(ctx, ev) }

// Stats is a snapshot of per-channel counters.
type Stats struct {
	Delivered uint64
	Denied    uint64
	Coalesced uint64
}

// Channel relays events for one session.
//
// Send blocks until the transport is established. Events keep their send
// order; only pointerMove may be dropped, and only when the queue is full.
// Every other kind blocks the producer until there is room.
type Channel struct {
	gate    Gate
	cfg     Config
	limiter *rate.Limiter
	metrics *Metrics
	log     *slog.Logger

	mu      sync.Mutex
	queue   []input.Event
	lastTS  int64
	changed chan struct{}
	stats   Stats
}

// Option configures a Channel.
type Option func(*Channel)

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Channel) {
		if log != nil {
			c.log = log
		}
	}
}

// New constructs a Channel bound to gate.
func New(gate Gate, cfg Config, opts ...Option) *Channel {
	cfg = cfg.normalized()
	c := &Channel{
		gate:    gate,
		cfg:     cfg,
		log:     slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		queue:   make([]input.Event, 0, cfg.QueueSize),
		lastTS:  -1,
		changed: make(chan struct{}),
	}
	if cfg.Rate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Send submits ev from the client. A policy deny drops the event, counts it
// and returns nil. After the session ends Send fails with
// session.ErrSessionEnded.
func (c *Channel) Send(ctx context.Context, ev input.Event) error {
	if err := c.gate.WaitReady(ctx); err != nil {
		return err
	}
	if err := ev.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if ev.Timestamp < c.lastTS {
		last := c.lastTS
		c.mu.Unlock()
		return fmt.Errorf("%w: %d < %d", ErrOutOfOrder, ev.Timestamp, last)
	}
	c.lastTS = ev.Timestamp

	d := access.Permits(c.gate.Policy(), ev)
	c.metrics.observeDecision(ev.Kind, d)
	if !d.Allowed {
		c.stats.Denied++
		c.mu.Unlock()
		c.log.Debug("remote.deny",
			"session_id", c.gate.ID(),
			"kind", ev.Kind,
			"reason", d.Reason,
		)
		return nil
	}
	c.mu.Unlock()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return c.enqueue(ctx, ev)
}

func (c *Channel) enqueue(ctx context.Context, ev input.Event) error {
	for {
		c.mu.Lock()
		if c.endedLocked() {
			c.mu.Unlock()
			return c.endedErr()
		}
		if len(c.queue) < c.cfg.QueueSize {
			c.queue = append(c.queue, ev)
			c.signalLocked()
			c.mu.Unlock()
			return nil
		}
		if ev.Kind == input.KindPointerMove {
			c.coalesceLocked(ev)
			c.mu.Unlock()
			return nil
		}
		wait := c.changed
		c.mu.Unlock()

		if err := c.wait(ctx, wait); err != nil {
			return err
		}
	}
}

// coalesceLocked handles a pointerMove arriving at a full queue: the latest
// queued pointerMove is removed and ev appended, or ev itself is dropped when
// no pointerMove is queued. Survivors keep their relative order.
func (c *Channel) coalesceLocked(ev input.Event) {
	c.stats.Coalesced++
	c.metrics.observeCoalesced()

	for i := len(c.queue) - 1; i >= 0; i-- {
		if c.queue[i].Kind != input.KindPointerMove {
			continue
		}
		copy(c.queue[i:], c.queue[i+1:])
		c.queue[len(c.queue)-1] = ev
		c.signalLocked()
		return
	}
}

// Receive yields the next event in send order. It blocks until one is
// available, ctx is done, or the session ends.
func (c *Channel) Receive(ctx context.Context) (input.Event, error) {
	for {
		c.mu.Lock()
		if c.endedLocked() {
			c.queue = c.queue[:0]
			c.mu.Unlock()
			return input.Event{}, c.endedErr()
		}
		if len(c.queue) > 0 {
			ev := c.queue[0]
			c.queue[0] = input.Event{}
			c.queue = c.queue[1:]
			c.stats.Delivered++
			c.signalLocked()
			c.mu.Unlock()

			c.metrics.observeDelivered(ev.Kind)
			return ev, nil
		}
		wait := c.changed
		c.mu.Unlock()

		if err := c.wait(ctx, wait); err != nil {
			return input.Event{}, err
		}
	}
}

// Deliver feeds received events to inj until the session ends, ctx is done,
// or inj fails. Ending the session is not an error.
func (c *Channel) Deliver(ctx context.Context, inj Injector) error {
	for {
		ev, err := c.Receive(ctx)
		if err != nil {
			if errors.Is(err, session.ErrSessionEnded) {
				return nil
			}
			return err
		}
		if err := inj.Inject(ctx, ev); err != nil {
			return fmt.Errorf("remote: inject %s: %w", ev.Kind, err)
		}
	}
}

// Len returns the number of queued events.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Channel) wait(ctx context.Context, changed <-chan struct{}) error {
	select {
	case <-changed:
		return nil
	case <-c.gate.Done():
		return nil // re-checked under the lock
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) signalLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Channel) endedLocked() bool {
	select {
	case <-c.gate.Done():
		return true
	default:
		return false
	}
}

func (c *Channel) endedErr() error {
	if err := c.gate.Err(); err != nil {
		return err
	}
	return session.ErrSessionEnded
}
