package peer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"remotedesk/cmd/internal/access"
	"remotedesk/cmd/internal/input"
	"remotedesk/cmd/internal/remote"
	"remotedesk/cmd/internal/session"
	"remotedesk/cmd/internal/signaling"
	"remotedesk/cmd/security/pin"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type peerFixture struct {
	svc     *session.Service
	created session.Created
	host    *signaling.LocalSignaler
	client  *signaling.LocalSignaler
}

func newPeerFixture(t *testing.T, level access.Level) peerFixture {
	t.Helper()
	ctx := context.Background()

	life := session.NewLifecycle(quietLogger(), session.DefaultConfig())
	svc := session.NewService(session.DefaultConfig(), session.NewInMemoryStore(), life, quietLogger(),
		session.WithPINConfig(pin.FastConfig()))
	t.Cleanup(func() { life.Shutdown(session.ReasonShutdown) })

	created, err := svc.Create(ctx, session.CreateInput{HostDeviceRef: "host-1", AccessLevel: level})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Authenticate(ctx, created.Session.Code, created.PIN, "client-1"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	h := created.Handle
	ex := signaling.NewHub(quietLogger(), nil).Exchange(h)
	return peerFixture{
		svc:     svc,
		created: created,
		host:    signaling.NewLocalSignaler(ex, h, signaling.RoleHost),
		client:  signaling.NewLocalSignaler(ex, h, signaling.RoleClient),
	}
}

func loopbackConfig(codec input.Codec) Config {
	return Config{Codec: codec, IncludeLoopback: true}
}

func TestPeer_EventsReachTheRemoteChannel(t *testing.T) {
	t.Parallel()

	for _, codec := range []input.Codec{input.JSON, input.CBOR} {
		t.Run(codec.Label(), func(t *testing.T) {
			t.Parallel()

			f := newPeerFixture(t, access.LevelPartial)
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()

			h := f.created.Handle
			states, unsubscribe := h.Subscribe()
			defer unsubscribe()

			host, err := Answer(ctx, f.host, loopbackConfig(nil), quietLogger())
			if err != nil {
				t.Fatalf("Answer: %v", err)
			}
			defer host.Close()
			client, err := Offer(ctx, f.client, loopbackConfig(codec), quietLogger())
			if err != nil {
				t.Fatalf("Offer: %v", err)
			}
			defer client.Close()

			waitState(t, ctx, states, session.StateActive)

			ch := remote.New(h, remote.DefaultConfig(), remote.WithLogger(quietLogger()))
			fwd := make(chan error, 1)
			go func() { fwd <- host.Forward(ctx, ch) }()

			sent := []input.Event{
				input.PointerMove(0.25, 0.5, 1),
				input.KeyPress("Delete", 2, "ctrl", "alt"),
				input.KeyPress("a", 3),
				input.PointerClick(0.25, 0.5, input.ButtonLeft, 4),
			}
			for _, ev := range sent {
				if err := client.Send(ctx, ev); err != nil {
					t.Fatalf("Send(%s): %v", ev.Kind, err)
				}
			}

			// Partial access drops ctrl+alt+Delete; the rest keep their order.
			want := []input.Kind{input.KindPointerMove, input.KindKeyPress, input.KindPointerClick}
			for i, kind := range want {
				got, err := ch.Receive(ctx)
				if err != nil {
					t.Fatalf("Receive %d: %v", i, err)
				}
				if got.Kind != kind {
					t.Fatalf("event %d: got %s want %s", i, got.Kind, kind)
				}
				if kind == input.KindKeyPress && got.Key != "a" {
					t.Fatalf("denied combination was delivered: %+v", got)
				}
			}

			if err := f.svc.End(ctx, f.created.Session.ID, session.ReasonHostEnded); err != nil {
				t.Fatalf("End: %v", err)
			}
			select {
			case err := <-fwd:
				if !errors.Is(err, session.ErrSessionEnded) {
					t.Fatalf("Forward: got %v", err)
				}
			case <-ctx.Done():
				t.Fatalf("Forward did not stop after End")
			}
		})
	}
}

func TestPeer_SendRejectsInvalidEvent(t *testing.T) {
	t.Parallel()

	f := newPeerFixture(t, access.LevelFull)
	ctx := context.Background()

	client, err := Offer(ctx, f.client, loopbackConfig(input.JSON), quietLogger())
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	defer client.Close()

	if err := client.Send(ctx, input.PointerMove(2, 0, 1)); !errors.Is(err, input.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestPeer_CloseUnblocksSend(t *testing.T) {
	t.Parallel()

	f := newPeerFixture(t, access.LevelFull)
	ctx := context.Background()

	client, err := Offer(ctx, f.client, loopbackConfig(input.JSON), quietLogger())
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- client.Send(ctx, input.KeyPress("a", 1)) }()
	_ = client.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Send after Close: got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Send still blocked after Close")
	}
}

func TestICEServersFromEnv(t *testing.T) {
	t.Setenv("REMOTEDESK_ICE_SERVERS", "stun:stun.example:3478, turn:turn.example:3478 ,")
	t.Setenv("REMOTEDESK_ICE_USERNAME", "u")
	t.Setenv("REMOTEDESK_ICE_CREDENTIAL", "p")

	got := ICEServersFromEnv()
	if len(got) != 2 {
		t.Fatalf("servers: got %d", len(got))
	}
	if got[0].URLs[0] != "stun:stun.example:3478" || got[0].Username != "" {
		t.Fatalf("stun server: %+v", got[0])
	}
	if got[1].URLs[0] != "turn:turn.example:3478" || got[1].Username != "u" || got[1].Credential != "p" {
		t.Fatalf("turn server: %+v", got[1])
	}

	t.Setenv("REMOTEDESK_ICE_SERVERS", "")
	if ICEServersFromEnv() != nil {
		t.Fatalf("expected no servers")
	}
}

func waitState(t *testing.T, ctx context.Context, ch <-chan session.StateChange, want session.State) {
	t.Helper()
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				t.Fatalf("subscription closed before %s", want)
			}
			if c.To == want {
				return
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}
