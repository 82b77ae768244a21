package db

import (
	"errors"
	"io/fs"
	"strings"
	"testing"
)

func TestMigrate_EmptyDSN(t *testing.T) {
	t.Parallel()

	if err := Migrate("", Up); !errors.Is(err, ErrNoDSN) {
		t.Fatalf("got %v", err)
	}
	if _, _, err := Version(""); !errors.Is(err, ErrNoDSN) {
		t.Fatalf("Version: got %v", err)
	}
}

func TestParseDirection(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"up", "down"} {
		if _, err := ParseDirection(ok); err != nil {
			t.Fatalf("%q: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "UP", "Down", "sideways"} {
		if _, err := ParseDirection(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
	if err := Migrate("postgres://localhost/x", "left"); err == nil {
		t.Fatalf("Migrate with bad direction: expected error")
	}
}

func TestMigrationFS_Pairs(t *testing.T) {
	t.Parallel()

	entries, err := fs.ReadDir(MigrationFS, "migrations")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	ups, downs := map[string]bool{}, map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected file %q", name)
		}
	}
	if len(ups) == 0 {
		t.Fatalf("no migrations embedded")
	}
	for v := range ups {
		if !downs[v] {
			t.Fatalf("migration %s has no down file", v)
		}
	}
}

func TestMigrationFS_ActiveCodeIndex(t *testing.T) {
	t.Parallel()

	b, err := fs.ReadFile(MigrationFS, "migrations/000001_sessions.up.sql")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(b), "uq_sessions_active_code") {
		t.Fatalf("missing partial unique index on active codes")
	}
}
