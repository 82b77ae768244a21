// Package peer establishes the direct host/client transport with pion WebRTC.
//
// The client offers and opens an ordered data channel whose label selects
// the event codec; the host answers and forwards decoded events into the
// session's remote-control channel. Candidates trickle through a Signaler.
// Only the host reports transport state, so one failure is counted once.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"remotedesk/cmd/internal/input"
	"remotedesk/cmd/internal/remote"
	"remotedesk/cmd/internal/signaling"
	v1 "remotedesk/contracts/signal/v1"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("peer: closed")

// Signaler carries descriptions and candidates to the counterpart.
// *signaling.WSSignaler and *signaling.LocalSignaler implement it.
type Signaler interface {
	Send(ctx context.Context, kind signaling.Kind, payload json.RawMessage) error
	Recv(ctx context.Context) (signaling.Message, error)
	ReportTransport(ctx context.Context, state, detail string) error
}

// EventSink receives events on the host. *remote.Channel implements it.
type EventSink interface {
	Send(ctx context.Context, ev input.Event) error
}

// Conn is one side of an established or establishing peer transport.
type Conn struct {
	role signaling.Role
	pc   *webrtc.PeerConnection
	sig  Signaler
	cfg  Config
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	dc         *webrtc.DataChannel
	codec      input.Codec
	remoteSet  bool
	candidates []webrtc.ICECandidateInit
	restarting bool

	open     chan struct{}
	openOnce sync.Once
	events   chan input.Event

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Answer starts the host side. It returns immediately; the transport comes
// up once the client's offer arrives through sig.
func Answer(ctx context.Context, sig Signaler, cfg Config, log *slog.Logger) (*Conn, error) {
	c, err := newConn(ctx, signaling.RoleHost, sig, cfg, log)
	if err != nil {
		return nil, err
	}

	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		codec, ok := input.CodecForLabel(dc.Label())
		if !ok {
			c.log.Warn("peer.datachannel.reject", "label", dc.Label())
			_ = dc.Close()
			return
		}
		c.mu.Lock()
		c.dc, c.codec = dc, codec
		c.mu.Unlock()

		dc.OnOpen(c.markOpen)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			ev, err := codec.Unmarshal(msg.Data)
			if err != nil {
				c.log.Info("peer.event.decode.fail", "label", dc.Label(), "err", err)
				return
			}
			select {
			case c.events <- ev:
			case <-c.done:
			}
		})
	})

	go c.signalLoop()
	return c, nil
}

// Offer starts the client side: it opens the remote-control data channel
// and sends the offer.
func Offer(ctx context.Context, sig Signaler, cfg Config, log *slog.Logger) (*Conn, error) {
	c, err := newConn(ctx, signaling.RoleClient, sig, cfg, log)
	if err != nil {
		return nil, err
	}

	ordered := true
	dc, err := c.pc.CreateDataChannel(c.cfg.Codec.Label(), &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("peer: create data channel: %w", err)
	}
	c.dc, c.codec = dc, c.cfg.Codec
	dc.OnOpen(c.markOpen)

	go c.signalLoop()

	if err := c.sendOffer(ctx, nil); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func newConn(ctx context.Context, role signaling.Role, sig Signaler, cfg Config, log *slog.Logger) (*Conn, error) {
	if sig == nil {
		return nil, errors.New("peer: nil signaler")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalized()

	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("peer: new peer connection: %w", err)
	}

	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Conn{
		role:   role,
		pc:     pc,
		sig:    sig,
		cfg:    cfg,
		log:    log.With("role", string(role)),
		ctx:    cctx,
		cancel: cancel,
		open:   make(chan struct{}),
		events: make(chan input.Event, cfg.EventQueue),
		done:   make(chan struct{}),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		b, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		if err := c.sig.Send(c.ctx, signaling.KindICECandidate, b); err != nil {
			c.log.Info("peer.candidate.send.fail", "err", err)
		}
	})
	pc.OnICEConnectionStateChange(c.onICEState)
	return c, nil
}

func (c *Conn) onICEState(state webrtc.ICEConnectionState) {
	c.log.Info("peer.ice.state", "state", state.String())

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		c.mu.Lock()
		c.restarting = false
		c.mu.Unlock()
		if c.role == signaling.RoleHost {
			c.report(v1.TransportEstablished, state.String())
		}

	case webrtc.ICEConnectionStateFailed:
		if c.role == signaling.RoleHost {
			c.report(v1.TransportFailed, state.String())
			return
		}
		go c.restart()
	}
}

func (c *Conn) report(state, detail string) {
	if err := c.sig.ReportTransport(c.ctx, state, detail); err != nil {
		c.log.Info("peer.report.fail", "state", state, "err", err)
	}
}

// restart offers an ICE restart once per failure.
func (c *Conn) restart() {
	c.mu.Lock()
	if c.restarting {
		c.mu.Unlock()
		return
	}
	c.restarting = true
	c.mu.Unlock()

	select {
	case <-c.done:
		return
	case <-c.ctx.Done():
		return
	case <-time.After(c.cfg.RestartDelay):
	}
	if err := c.sendOffer(c.ctx, &webrtc.OfferOptions{ICERestart: true}); err != nil {
		c.log.Info("peer.restart.fail", "err", err)
	}
}

func (c *Conn) sendOffer(ctx context.Context, opts *webrtc.OfferOptions) error {
	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("peer: create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("peer: set local description: %w", err)
	}
	b, err := json.Marshal(c.pc.LocalDescription())
	if err != nil {
		return err
	}
	return c.sig.Send(ctx, signaling.KindOffer, b)
}

func (c *Conn) signalLoop() {
	for {
		m, err := c.sig.Recv(c.ctx)
		if err != nil {
			c.finish(err)
			_ = c.pc.Close()
			return
		}
		if err := c.handle(m); err != nil {
			c.log.Warn("peer.signal.fail", "kind", m.Kind, "seq", m.Seq, "err", err)
		}
	}
}

func (c *Conn) handle(m signaling.Message) error {
	switch m.Kind {
	case signaling.KindOffer:
		if c.role != signaling.RoleHost {
			return errors.New("unexpected offer")
		}
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(m.Payload, &desc); err != nil {
			return err
		}
		if err := c.setRemote(desc); err != nil {
			return err
		}
		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			return err
		}
		if err := c.pc.SetLocalDescription(answer); err != nil {
			return err
		}
		b, err := json.Marshal(c.pc.LocalDescription())
		if err != nil {
			return err
		}
		return c.sig.Send(c.ctx, signaling.KindAnswer, b)

	case signaling.KindAnswer:
		if c.role != signaling.RoleClient {
			return errors.New("unexpected answer")
		}
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(m.Payload, &desc); err != nil {
			return err
		}
		return c.setRemote(desc)

	case signaling.KindICECandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(m.Payload, &cand); err != nil {
			return err
		}
		c.mu.Lock()
		if !c.remoteSet {
			c.candidates = append(c.candidates, cand)
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		return c.pc.AddICECandidate(cand)
	}
	return fmt.Errorf("unknown kind %q", m.Kind)
}

// setRemote applies desc and flushes candidates that arrived before it.
func (c *Conn) setRemote(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	c.mu.Lock()
	c.remoteSet = true
	pending := c.candidates
	c.candidates = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			c.log.Info("peer.candidate.add.fail", "err", err)
		}
	}
	return nil
}

func (c *Conn) markOpen() {
	c.openOnce.Do(func() { close(c.open) })
}

// Opened is closed once the remote-control data channel is open.
func (c *Conn) Opened() <-chan struct{} { return c.open }

// Send encodes ev onto the data channel. It waits for the channel to open.
func (c *Conn) Send(ctx context.Context, ev input.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	select {
	case <-c.open:
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	dc, codec := c.dc, c.codec
	c.mu.Unlock()

	b, err := codec.Marshal(ev)
	if err != nil {
		return err
	}
	if codec.Label() == input.LabelJSON {
		return dc.SendText(string(b))
	}
	return dc.Send(b)
}

// Events delivers decoded events received on the host.
func (c *Conn) Events() <-chan input.Event { return c.events }

// Forward feeds received events into sink until ctx ends, the connection
// closes, or sink refuses with a non-recoverable error. Events rejected as
// malformed or out of order are logged and skipped.
func (c *Conn) Forward(ctx context.Context, sink EventSink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return c.Err()
		case ev := <-c.events:
			err := sink.Send(ctx, ev)
			switch {
			case err == nil:
			case errors.Is(err, input.ErrInvalidEvent), errors.Is(err, remote.ErrOutOfOrder):
				c.log.Info("peer.event.skip", "kind", ev.Kind, "err", err)
			default:
				return err
			}
		}
	}
}

// Done is closed when the connection is closed or signaling ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection finished, nil while it is live.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// ICEState returns the current ICE connection state.
func (c *Conn) ICEState() webrtc.ICEConnectionState {
	return c.pc.ICEConnectionState()
}

// Close tears down the peer connection.
func (c *Conn) Close() error {
	c.finish(ErrClosed)
	return c.pc.Close()
}

func (c *Conn) finish(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		c.cancel()
	})
}
