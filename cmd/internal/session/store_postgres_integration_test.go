package session

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"remotedesk/cmd/internal/access"
	"remotedesk/cmd/internal/db"
	"remotedesk/cmd/internal/ids"
	"remotedesk/cmd/security/pin"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when REMOTEDESK_DATABASE_URL is set. Each test
// runs in its own schema so tests can run in parallel.

func TestPostgresStore_CreateClaimDeactivate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := mustOpenTestPool(ctx, t)
	schema := mustCreateTestSchema(ctx, t, pool)

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	in := Session{
		ID:            ids.MustULID(now),
		Code:          "PGTEST01",
		PINHash:       "hash",
		HostDeviceRef: "host-1",
		AccessLevel:   access.LevelPartial,
		AllowedApps:   []string{"editor"},
		AllowedPaths:  []string{"/home/me/docs"},
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
	}
	created, err := st.Create(ctx, in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created.Active || created.Claimed() {
		t.Fatalf("unexpected created row: %+v", created)
	}
	if len(created.AllowedApps) != 1 || created.AllowedApps[0] != "editor" {
		t.Fatalf("allowed_apps: %v", created.AllowedApps)
	}

	dup := in
	dup.ID = ids.MustULID(now)
	if _, err := st.Create(ctx, dup); !errors.Is(err, ErrCodeConflict) {
		t.Fatalf("duplicate active code: got %v", err)
	}

	byCode, err := st.GetByCode(ctx, "PGTEST01")
	if err != nil || byCode.ID != in.ID {
		t.Fatalf("GetByCode: id=%q err=%v", byCode.ID, err)
	}

	claimed, err := st.ClaimClient(ctx, ClaimRecord{SessionID: in.ID, DeviceRef: "client-1", Now: now})
	if err != nil {
		t.Fatalf("ClaimClient: %v", err)
	}
	if claimed.ClientDeviceRef != "client-1" || claimed.ClaimedAt == nil {
		t.Fatalf("claim not recorded: %+v", claimed)
	}
	if _, err := st.ClaimClient(ctx, ClaimRecord{SessionID: in.ID, DeviceRef: "client-1", Now: now}); err != nil {
		t.Fatalf("same-device re-claim: %v", err)
	}
	if _, err := st.ClaimClient(ctx, ClaimRecord{SessionID: in.ID, DeviceRef: "client-2", Now: now}); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("other device: got %v", err)
	}
	if _, err := st.ClaimClient(ctx, ClaimRecord{SessionID: in.ID, DeviceRef: "client-1", Now: now.Add(2 * time.Hour)}); !errors.Is(err, ErrExpired) {
		t.Fatalf("expired claim: got %v", err)
	}

	changed, err := st.Deactivate(ctx, in.ID, now)
	if err != nil || !changed {
		t.Fatalf("Deactivate: changed=%v err=%v", changed, err)
	}
	changed, err = st.Deactivate(ctx, in.ID, now)
	if err != nil || changed {
		t.Fatalf("Deactivate again: changed=%v err=%v", changed, err)
	}
	if _, err := st.Deactivate(ctx, "missing", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Deactivate unknown: got %v", err)
	}
	if _, err := st.ClaimClient(ctx, ClaimRecord{SessionID: in.ID, DeviceRef: "client-1", Now: now}); !errors.Is(err, ErrInactive) {
		t.Fatalf("claim inactive: got %v", err)
	}

	// The code is free again once the first session is inactive.
	if _, err := st.Create(ctx, dup); err != nil {
		t.Fatalf("Create after deactivate: %v", err)
	}
}

func TestPostgresStore_ConcurrentJoinHasOneWinner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := mustOpenTestPool(ctx, t)
	schema := mustCreateTestSchema(ctx, t, pool)

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	life := NewLifecycle(testLogger(), DefaultConfig())
	svc := NewService(DefaultConfig(), st, life, testLogger(), WithPINConfig(pin.FastConfig()))

	created, err := svc.Create(ctx, CreateInput{HostDeviceRef: "host-1", AccessLevel: access.LevelFull})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const joiners = 6
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		lost int
	)
	start := make(chan struct{})
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := svc.Authenticate(ctx, created.Session.Code, created.PIN, "client-"+string(rune('a'+i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrAlreadyClaimed):
				lost++
			default:
				t.Errorf("joiner %d: %v", i, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if wins != 1 || lost != joiners-1 {
		t.Fatalf("wins=%d already_claimed=%d", wins, lost)
	}
}

func TestNewPostgresStore_RejectsBadSchema(t *testing.T) {
	t.Parallel()

	if _, err := NewPostgresStore(&pgxpool.Pool{}, WithSchema("bad-schema;")); err == nil {
		t.Fatalf("expected invalid schema error")
	}
	if _, err := NewPostgresStore(nil); err == nil {
		t.Fatalf("expected nil pool error")
	}
}

func mustOpenTestPool(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("REMOTEDESK_DATABASE_URL")
	if dbURL == "" {
		t.Skip("REMOTEDESK_DATABASE_URL is not set; skipping Postgres integration test")
	}

	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		t.Fatalf("pgxpool.ParseConfig: %v", err)
	}
	cfg.MaxConns = 8
	cfg.MinConns = 0
	cfg.MaxConnLifetime = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pgxpool.NewWithConfig: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable: %v", err)
		}
		t.Fatalf("pool.Ping: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// mustCreateTestSchema applies the embedded migrations into a fresh schema.
func mustCreateTestSchema(ctx context.Context, t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "rd_test_" + strings.ToLower(ids.MustULID(time.Now()))
	up, err := fs.ReadFile(db.MigrationFS, "migrations/000001_sessions.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	ddl := strings.ReplaceAll(string(up), db.Schema+".", schema+".")
	ddl = strings.ReplaceAll(ddl, "SCHEMA IF NOT EXISTS "+db.Schema, "SCHEMA IF NOT EXISTS "+schema)

	if _, err := pool.Exec(ctx, ddl); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DROP SCHEMA IF EXISTS `+schema+` CASCADE`)
	})
	return schema
}

func shouldSkipIntegration(err error) bool {
	if err == nil || os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "i/o timeout")
}
