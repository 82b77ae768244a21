package session

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"remotedesk/cmd/internal/access"
	"remotedesk/cmd/internal/credential"
	"remotedesk/cmd/security/pin"
)

var (
	codeRE = regexp.MustCompile(`^[A-Z0-9]{8}$`)
	pinRE  = regexp.MustCompile(`^\d{4}$`)
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

type serviceFixture struct {
	svc   *Service
	store *InMemoryStore
	clk   *testClock
}

func newServiceFixture(t *testing.T, opts ...ServiceOption) serviceFixture {
	t.Helper()

	l, clk := newTestLifecycle(t, DefaultConfig())
	store := NewInMemoryStore()
	opts = append([]ServiceOption{WithPINConfig(pin.FastConfig())}, opts...)
	svc := NewService(DefaultConfig(), store, l, testLogger(), opts...)
	return serviceFixture{svc: svc, store: store, clk: clk}
}

func (f serviceFixture) mustCreate(t *testing.T, level access.Level) Created {
	t.Helper()
	c, err := f.svc.Create(context.Background(), CreateInput{HostDeviceRef: "host-1", AccessLevel: level})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return c
}

func TestService_Create(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	c := f.mustCreate(t, access.LevelPartial)

	if !codeRE.MatchString(c.Session.Code) {
		t.Fatalf("code %q does not match %s", c.Session.Code, codeRE)
	}
	if !pinRE.MatchString(c.PIN) {
		t.Fatalf("pin %q does not match %s", c.PIN, pinRE)
	}
	if c.Session.PINHash == "" || c.Session.PINHash == c.PIN {
		t.Fatalf("expected hashed PIN at rest")
	}
	if got := c.Session.ExpiresAt.Sub(c.Session.CreatedAt); got != 24*time.Hour {
		t.Fatalf("ttl: got %s", got)
	}
	if c.Session.Claimed() {
		t.Fatalf("new session must not be claimed")
	}
	if got := c.Handle.State(); got != StateAwaitingClient {
		t.Fatalf("state: got %s", got)
	}
}

func TestService_CreateRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	cases := []struct {
		name string
		in   CreateInput
	}{
		{"missing host", CreateInput{AccessLevel: access.LevelFull}},
		{"bad level", CreateInput{HostDeviceRef: "h", AccessLevel: "admin"}},
		{"negative ttl", CreateInput{HostDeviceRef: "h", AccessLevel: access.LevelFull, TTL: -time.Second}},
		{"ttl over max", CreateInput{HostDeviceRef: "h", AccessLevel: access.LevelFull, TTL: 48 * time.Hour}},
	}
	for _, tc := range cases {
		if _, err := f.svc.Create(context.Background(), tc.in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: got %v", tc.name, err)
		}
	}
	if n := f.svc.Lifecycle().Len(); n != 0 {
		t.Fatalf("rejected creates left %d handles", n)
	}
}

func TestService_CreateRetriesThenGivesUpOnCodeConflict(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, WithGenerator(credential.Generator{Rand: zeroReader{}}))
	first := f.mustCreate(t, access.LevelFull)

	_, err := f.svc.Create(context.Background(), CreateInput{HostDeviceRef: "host-2", AccessLevel: access.LevelFull})
	if !errors.Is(err, ErrCodeConflict) {
		t.Fatalf("second create: got %v", err)
	}
	if n := f.svc.Lifecycle().Len(); n != 1 {
		t.Fatalf("handles after conflict: got %d want 1", n)
	}

	// Once the first session is gone its code may be reused.
	if err := f.svc.End(context.Background(), first.Session.ID, ReasonHostEnded); err != nil {
		t.Fatalf("End: %v", err)
	}
	if _, err := f.svc.Create(context.Background(), CreateInput{HostDeviceRef: "host-2", AccessLevel: access.LevelFull}); err != nil {
		t.Fatalf("create after end: %v", err)
	}
}

func TestService_Authenticate(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	c := f.mustCreate(t, access.LevelFull)
	ctx := context.Background()

	wrongPIN := "0000"
	if c.PIN == wrongPIN {
		wrongPIN = "1111"
	}

	if _, err := f.svc.Authenticate(ctx, "ZZZZZZZZ", c.PIN, "client-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown code: got %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, "short", c.PIN, "client-1"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("malformed code: got %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, c.Session.Code, wrongPIN, "client-1"); !errors.Is(err, ErrInvalidPIN) {
		t.Fatalf("wrong pin: got %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, c.Session.Code, "12a4", "client-1"); !errors.Is(err, ErrInvalidPIN) {
		t.Fatalf("malformed pin: got %v", err)
	}

	got, err := f.svc.Authenticate(ctx, c.Session.Code, c.PIN, "client-1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if got.ClientDeviceRef != "client-1" {
		t.Fatalf("client ref: got %q", got.ClientDeviceRef)
	}
	if st := c.Handle.State(); st != StateNegotiating {
		t.Fatalf("state after join: %s", st)
	}

	// Re-join from the bound device is accepted; another device is not.
	if _, err := f.svc.Authenticate(ctx, c.Session.Code, c.PIN, "client-1"); err != nil {
		t.Fatalf("re-join: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, c.Session.Code, c.PIN, "client-2"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("second device: got %v", err)
	}

	if err := f.svc.End(ctx, c.Session.ID, ReasonHostEnded); err != nil {
		t.Fatalf("End: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, c.Session.Code, c.PIN, "client-1"); !errors.Is(err, ErrInactive) {
		t.Fatalf("after end: got %v", err)
	}
}

func TestService_AuthenticateLowercaseCode(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	c := f.mustCreate(t, access.LevelFull)

	lower := []byte(c.Session.Code)
	for i, b := range lower {
		if b >= 'A' && b <= 'Z' {
			lower[i] = b + ('a' - 'A')
		}
	}
	if _, err := f.svc.Authenticate(context.Background(), string(lower), c.PIN, "client-1"); err != nil {
		t.Fatalf("lowercase code: %v", err)
	}
}

func TestService_ConcurrentJoinHasOneWinner(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	c := f.mustCreate(t, access.LevelFull)

	const joiners = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		claimed int
	)
	start := make(chan struct{})
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := f.svc.Authenticate(context.Background(), c.Session.Code, c.PIN, "client-"+string(rune('a'+i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrAlreadyClaimed):
				claimed++
			default:
				t.Errorf("joiner %d: unexpected error %v", i, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if wins != 1 || claimed != joiners-1 {
		t.Fatalf("wins=%d already_claimed=%d", wins, claimed)
	}
}

func TestService_ExpiryIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	c := f.mustCreate(t, access.LevelFull)
	ctx := context.Background()

	f.clk.Advance(24*time.Hour + time.Second)

	if _, err := f.svc.Authenticate(ctx, c.Session.Code, c.PIN, "client-1"); !errors.Is(err, ErrExpired) {
		t.Fatalf("join after expiry: got %v", err)
	}

	for i := 0; i < 3; i++ {
		row, st, err := f.svc.Get(ctx, c.Session.ID)
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		if row.Active {
			t.Fatalf("Get %d: session still active", i)
		}
		if st != StateExpired {
			t.Fatalf("Get %d: state %s", i, st)
		}
	}

	stored, err := f.store.GetByID(ctx, c.Session.ID)
	if err != nil {
		t.Fatalf("store.GetByID: %v", err)
	}
	if stored.Active {
		t.Fatalf("store row still active after expiry")
	}

	for i := 0; i < 3; i++ {
		if _, err := f.svc.Authenticate(ctx, c.Session.Code, c.PIN, "client-1"); !errors.Is(err, ErrExpired) {
			t.Fatalf("join %d after deactivation: got %v", i, err)
		}
	}
}

func TestService_ExpiryOutlivesRetainedHandle(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.TerminalRetention = 10 * time.Millisecond
	l, clk := newTestLifecycle(t, cfg)
	svc := NewService(cfg, NewInMemoryStore(), l, testLogger(), WithPINConfig(pin.FastConfig()))
	ctx := context.Background()

	c, err := svc.Create(ctx, CreateInput{HostDeviceRef: "host-1", AccessLevel: access.LevelFull})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	clk.Advance(24*time.Hour + time.Second)

	if _, err := svc.Authenticate(ctx, c.Session.Code, c.PIN, "client-1"); !errors.Is(err, ErrExpired) {
		t.Fatalf("join: got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := l.Handle(c.Session.ID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("terminal handle was not released")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, st, err := svc.Get(ctx, c.Session.ID); err != nil || st != StateExpired {
		t.Fatalf("Get after retention: state=%s err=%v", st, err)
	}
	h, err := svc.Handle(ctx, c.Session.ID)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if h.Reason() != ReasonExpired {
		t.Fatalf("reason after retention: %q", h.Reason())
	}
	if _, err := svc.Authenticate(ctx, c.Session.Code, c.PIN, "client-1"); !errors.Is(err, ErrExpired) {
		t.Fatalf("join after retention: got %v", err)
	}
}

func TestService_RestartKeepsTerminalCause(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()
	l1, clk := newTestLifecycle(t, DefaultConfig())
	svc1 := NewService(DefaultConfig(), store, l1, testLogger(), WithPINConfig(pin.FastConfig()))

	expired, err := svc1.Create(ctx, CreateInput{HostDeviceRef: "host-1", AccessLevel: access.LevelFull})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ended, err := svc1.Create(ctx, CreateInput{HostDeviceRef: "host-2", AccessLevel: access.LevelFull})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc1.End(ctx, ended.Session.ID, ReasonHostEnded); err != nil {
		t.Fatalf("End: %v", err)
	}
	clk.Advance(24*time.Hour + time.Second)
	if _, _, err := svc1.Get(ctx, expired.Session.ID); err != nil {
		t.Fatalf("Get: %v", err)
	}

	// A fresh lifecycle rebuilds both from their rows alone.
	l2 := NewLifecycle(testLogger(), DefaultConfig(), WithClock(clk.Now))
	svc2 := NewService(DefaultConfig(), store, l2, testLogger(), WithPINConfig(pin.FastConfig()))

	cases := []struct {
		id   string
		want State
	}{
		{expired.Session.ID, StateExpired},
		{ended.Session.ID, StateEnded},
	}
	for _, tc := range cases {
		if _, st, err := svc2.Get(ctx, tc.id); err != nil || st != tc.want {
			t.Fatalf("Get(%s) after restart: state=%s err=%v, want %s", tc.id, st, err, tc.want)
		}
	}
	if _, err := svc2.Authenticate(ctx, expired.Session.Code, expired.PIN, "client-1"); !errors.Is(err, ErrExpired) {
		t.Fatalf("join after restart: got %v", err)
	}
}

func TestService_GetAppliesLazyExpiry(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	c := f.mustCreate(t, access.LevelFull)

	f.clk.Advance(25 * time.Hour)
	row, st, err := f.svc.Get(context.Background(), c.Session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st != StateExpired || row.Active {
		t.Fatalf("got state=%s active=%v", st, row.Active)
	}
}

func TestService_EndIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	c := f.mustCreate(t, access.LevelFull)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := f.svc.End(ctx, c.Session.ID, ReasonHostEnded); err != nil {
			t.Fatalf("End %d: %v", i, err)
		}
	}
	if err := f.svc.End(ctx, "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("End unknown: got %v", err)
	}
}

func TestService_TerminalTransitionDeactivatesRow(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	c := f.mustCreate(t, access.LevelFull)
	ctx := context.Background()

	if _, err := f.svc.Authenticate(ctx, c.Session.Code, c.PIN, "client-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	_ = c.Handle.TransportEstablished()
	_ = c.Handle.TransportFailed()
	_ = c.Handle.TransportFailed()

	row, err := f.store.GetByID(ctx, c.Session.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if row.Active {
		t.Fatalf("expected row deactivated after transport failure")
	}
}

func TestService_HandleAttachesUnknownSession(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	c := f.mustCreate(t, access.LevelPartial)

	h, err := f.svc.Handle(context.Background(), c.Session.ID)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if h != c.Handle {
		t.Fatalf("expected the live handle")
	}
	if h.Policy().Level != access.LevelPartial {
		t.Fatalf("policy level: %s", h.Policy().Level)
	}
	if _, err := f.svc.Handle(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: got %v", err)
	}
}
