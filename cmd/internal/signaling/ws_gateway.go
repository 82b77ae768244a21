package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"remotedesk/cmd/internal/ids"
	"remotedesk/cmd/internal/session"
	v1 "remotedesk/contracts/signal/v1"
)

const (
	wsMaxPingFailures = 3
	wsCloseGrace      = 1 * time.Second
)

// Sessions is the session surface the gateway needs. *session.Service implements it.
type Sessions interface {
	Get(ctx context.Context, id string) (session.Session, session.State, error)
	Handle(ctx context.Context, id string) (*session.Handle, error)
	End(ctx context.Context, id, reason string) error
}

// WSGateway is the signaling WebSocket entrypoint.
//
// A connection starts with hello{session_id, role, device_ref}; the device
// must be the session's host, or its claimed client. After that the gateway
// relays signal envelopes through the session's Exchange, pushes
// session.state on every lifecycle change, and feeds transport.state reports
// into the lifecycle.
type WSGateway struct {
	log      *slog.Logger
	sessions Sessions
	hub      *Hub
	cfg      GatewayConfig

	// Derived for websocket.Accept origin checks.
	originPatterns []string
}

// NewWSGateway constructs a gateway and its Hub. When a host's connection
// is gone for cfg.HostGrace the session ends with reason host_disconnected.
func NewWSGateway(log *slog.Logger, sessions Sessions, metrics *Metrics, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	cfg = cfg.normalized()

	g := &WSGateway{log: log, sessions: sessions, cfg: cfg}
	g.hub = NewHub(log, metrics, WithHostGrace(cfg.HostGrace, g.endHostGone))
	g.originPatterns = deriveOriginPatterns(cfg.AllowedOrigins)
	return g
}

// Hub returns the gateway's hub.
func (g *WSGateway) Hub() *Hub { return g.hub }

func (g *WSGateway) endHostGone(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.sessions.End(ctx, sessionID, session.ReasonHostDisconnected); err != nil {
		g.log.Error("session.end.fail", "session_id", sessionID, "err", err)
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// binding is the state established by a successful hello.
type binding struct {
	sessionID string
	role      Role
	handle    *session.Handle
	ex        *Exchange
}

// HandleWS upgrades the request and runs the signaling loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := NewClient(ids.MustULID(time.Now()), g.cfg.SendQueueSize)

	// The first envelope must be hello; nothing else is read until it succeeds.
	b, err := g.handshake(ctx, conn, client)
	if err != nil {
		g.log.Info("ws.hello.fail", "conn_id", client.ConnID, "err", err)
		g.writeErrorNow(ctx, conn, "hello_failed", err.Error())
		_ = conn.Close(websocket.StatusPolicyViolation, "hello failed")
		return
	}

	ex, prev := g.hub.attach(b.handle, client)
	b.ex = ex
	if prev != nil {
		g.log.Info("ws.replace", "session_id", b.sessionID, "role", b.role, "conn_id", prev.ConnID)
		prev.Close()
	}
	defer g.hub.detach(b.sessionID, client)

	g.log.Info("ws.hello",
		"conn_id", client.ConnID,
		"session_id", b.sessionID,
		"role", b.role,
	)

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	var wg sync.WaitGroup
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", client.ConnID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
				if seq, ok := client.written(env); ok {
					b.ex.Ack(b.role, seq)
				}
			}
		}
	}()

	wg.Add(3)
	go func() {
		defer wg.Done()
		g.heartbeat(ctx, conn, client, shutdown)
	}()
	go func() {
		defer wg.Done()
		g.pumpSignals(ctx, client, b)
	}()
	go func() {
		defer wg.Done()
		g.pumpStates(ctx, client, b, shutdown)
	}()

	g.readLoop(ctx, conn, client, b, shutdown)

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	waited := make(chan struct{})
	go func() { wg.Wait(); close(waited) }()
	select {
	case <-waited:
	case <-time.After(wsCloseGrace):
	}
}

func (g *WSGateway) handshake(ctx context.Context, conn *websocket.Conn, client *Client) (binding, error) {
	hctx, hcancel := context.WithTimeout(ctx, g.cfg.HelloTimeout)
	defer hcancel()

	env, err := readEnvelope(hctx, conn)
	if err != nil {
		return binding{}, err
	}
	if err := env.Validate(); err != nil {
		return binding{}, err
	}
	if env.Type != v1.TypeHello {
		return binding{}, fmt.Errorf("expected %s, got %s", v1.TypeHello, env.Type)
	}

	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return binding{}, fmt.Errorf("invalid payload: %w", err)
	}
	role := Role(strings.TrimSpace(p.Role))
	if !role.Valid() {
		return binding{}, fmt.Errorf("invalid role %q", p.Role)
	}
	sessionID := strings.TrimSpace(p.SessionID)
	deviceRef := strings.TrimSpace(p.DeviceRef)
	if sessionID == "" || deviceRef == "" {
		return binding{}, errors.New("session_id and device_ref are required")
	}

	row, st, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return binding{}, errors.New("unknown session")
	}
	if st.Terminal() {
		return binding{}, fmt.Errorf("session %s", st)
	}
	switch role {
	case RoleHost:
		if row.HostDeviceRef != deviceRef {
			return binding{}, errors.New("device is not the session host")
		}
	case RoleClient:
		if !row.Claimed() || row.ClientDeviceRef != deviceRef {
			return binding{}, errors.New("device has not joined the session")
		}
	}

	h, err := g.sessions.Handle(ctx, sessionID)
	if err != nil {
		return binding{}, err
	}

	client.SessionID = sessionID
	client.Role = role

	ack, _ := json.Marshal(v1.HelloAckPayload{
		SessionID:    row.ID,
		Role:         string(role),
		State:        string(h.State()),
		AccessLevel:  string(row.AccessLevel),
		AllowedApps:  row.AllowedApps,
		AllowedPaths: row.AllowedPaths,
		ExpiresAt:    row.ExpiresAt,
	})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeHelloAck, ack, time.Now().UTC())) {
		return binding{}, errors.New("backpressure: hello.ack")
	}
	return binding{sessionID: sessionID, role: role, handle: h}, nil
}

func (g *WSGateway) readLoop(ctx context.Context, conn *websocket.Conn, client *Client, b binding, shutdown func(websocket.StatusCode, string)) {
	rl := rate.NewLimiter(rate.Every(g.cfg.RateWindow/time.Duration(g.cfg.RateEvents)), g.cfg.RateEvents)

	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				return
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				return
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				return
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue
			default:
				g.log.Info("ws.read.fail", "conn_id", client.ConnID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				return
			}
		}

		if !rl.Allow() {
			g.trySendError(ctx, client, "rate_limited", "too many envelopes")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			return
		}
		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue
		}

		switch env.Type {
		case v1.TypeSignal:
			if err := g.onSignal(ctx, b, env); err != nil {
				if errors.Is(err, session.ErrSessionEnded) {
					// pumpStates reports the terminal state and closes.
					continue
				}
				g.trySendError(ctx, client, "signal_failed", err.Error())
			}

		case v1.TypeTransportState:
			if err := g.onTransportState(b, env); err != nil {
				g.trySendError(ctx, client, "transport_state_failed", err.Error())
			}

		case v1.TypeSessionEnd:
			if err := g.onSessionEnd(ctx, b, env); err != nil {
				g.trySendError(ctx, client, "end_failed", err.Error())
			}

		case v1.TypeHello:
			g.trySendError(ctx, client, "already_bound", "hello already accepted")

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}
}

// ---- handlers ----

func (g *WSGateway) onSignal(ctx context.Context, b binding, env v1.Envelope) error {
	var p v1.SignalPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return b.ex.Relay(ctx, Message{
		SessionID: b.sessionID,
		From:      b.role,
		Kind:      Kind(p.Kind),
		Seq:       p.Seq,
		Payload:   p.Data,
	})
}

func (g *WSGateway) onTransportState(b binding, env v1.Envelope) error {
	var p v1.TransportStatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	g.log.Info("transport.state",
		"session_id", b.sessionID,
		"role", b.role,
		"state", p.State,
		"detail", p.Detail,
	)

	return applyTransport(b.role, b.handle, b.ex, p.State)
}

func (g *WSGateway) onSessionEnd(ctx context.Context, b binding, env v1.Envelope) error {
	var p v1.SessionEndPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	reason := session.ReasonHostEnded
	if b.role == RoleClient {
		reason = session.ReasonClientLeft
	}
	return g.sessions.End(ctx, b.sessionID, reason)
}

// pumpSignals forwards messages addressed to this endpoint. Signals are never
// dropped: the pump blocks on a full send queue, and a message leaves the
// exchange only after the writer has put it on the socket. Whatever this
// connection did not write is offered again to its replacement.
func (g *WSGateway) pumpSignals(ctx context.Context, client *Client, b binding) {
	var after uint64
	for {
		m, err := b.ex.Peek(ctx, b.role, after)
		if err != nil {
			return
		}
		payload, _ := json.Marshal(v1.SignalPayload{
			Kind: string(m.Kind),
			Seq:  m.Seq,
			From: string(m.From),
			Data: m.Payload,
		})
		env := newEnvelope(v1.TypeSignal, payload, time.Now().UTC())
		client.trackSignal(env, m.Seq)
		if !g.enqueueWait(ctx, client, env) {
			return
		}
		after = m.Seq
	}
}

// pumpStates pushes lifecycle changes and closes the connection once the
// session is terminal or this connection is replaced.
func (g *WSGateway) pumpStates(ctx context.Context, client *Client, b binding, shutdown func(websocket.StatusCode, string)) {
	changes, unsubscribe := b.handle.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			shutdown(websocket.StatusPolicyViolation, "replaced")
			return
		case c, ok := <-changes:
			if !ok {
				g.drain(client, wsCloseGrace)
				shutdown(websocket.StatusNormalClosure, "session ended")
				return
			}
			p := v1.SessionStatePayload{
				SessionID: c.SessionID,
				From:      string(c.From),
				To:        string(c.To),
				Reason:    c.Reason,
			}
			if k := session.Kind(c.Err); k != nil {
				p.Error = k.Error()
			}
			payload, _ := json.Marshal(p)
			_ = g.enqueue(ctx, client, newEnvelope(v1.TypeSessionState, payload, c.At))
		}
	}
}

func (g *WSGateway) heartbeat(ctx context.Context, conn *websocket.Conn, client *Client, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "conn_id", client.ConnID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

// writeErrorNow writes directly; used before the writer goroutine exists.
func (g *WSGateway) writeErrorNow(ctx context.Context, conn *websocket.Conn, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = writeEnvelope(ctx, conn, newEnvelope(v1.TypeError, p, time.Now().UTC()), g.cfg.WriteTimeout)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

func (g *WSGateway) enqueueWait(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	}
}

// drain waits up to d for the writer to flush queued envelopes.
func (g *WSGateway) drain(client *Client, d time.Duration) {
	deadline := time.Now().Add(d)
	for len(client.Send) > 0 && time.Now().Before(deadline) {
		select {
		case <-client.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(ts),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	if strings.Contains(err.Error(), "unexpected end of JSON input") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	host := originHost(origin)
	for _, a := range g.cfg.AllowedOrigins {
		switch {
		case a == "*":
			return nil
		case origin == a:
			return nil
		case host != "" && host == originHost(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// originHost extracts the lower-cased host from "scheme://host[:port]" or "host[:port]".
func originHost(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if s == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns turns the allowlist into websocket.Accept host patterns
// so both origin checks agree.
func deriveOriginPatterns(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		h := originHost(a)
		if h == "" || h == "*" || slices.Contains(out, h) {
			continue
		}
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
