package access

import (
	"errors"
	"testing"

	"remotedesk/cmd/internal/input"
)

func TestPermits_FullAllowsEverything(t *testing.T) {
	t.Parallel()

	p := Policy{Level: LevelFull, AllowedApps: []string{"notes"}, AllowedPaths: []string{"/tmp"}}
	events := []input.Event{
		input.PointerMove(0.5, 0.5, 1),
		input.PointerClick(0.5, 0.5, input.ButtonLeft, 1),
		input.KeyPress("Delete", 1, "ctrl", "alt"),
		input.KeyPress("Alt+F4", 1),
		input.Scroll(0, 1, 1),
		input.Touch(1, input.TouchPoint{X: 0.1, Y: 0.1}),
	}
	for _, ev := range events {
		if d := Permits(p, ev); !d.Allowed {
			t.Fatalf("full access denied %s: %s", ev.Kind, d)
		}
	}
}

func TestPermits_PartialKeyPress(t *testing.T) {
	t.Parallel()

	p := Policy{Level: LevelPartial}
	cases := []struct {
		key   string
		mods  []string
		allow bool
	}{
		{key: "a", allow: true},
		{key: "Enter", allow: true},
		{key: "c", mods: []string{"ctrl"}, allow: true},
		{key: "Tab", allow: true},
		{key: "F4", allow: true},
		{key: "Delete", mods: []string{"ctrl", "alt"}},
		{key: "Ctrl+Alt+Delete"},
		{key: "ctrl+alt+del"},
		{key: "Alt+Ctrl+Shift+Delete"},
		{key: "Escape", mods: []string{"Control", "Shift"}},
		{key: "F4", mods: []string{"alt"}},
		{key: "Tab", mods: []string{"option"}},
		{key: "Meta"},
		{key: "l", mods: []string{"super"}},
		{key: "Q", mods: []string{"cmd"}},
		{key: "Esc", mods: []string{"cmd", "option"}},
		{key: "F7", mods: []string{"ctrl", "alt"}},
		{key: "PrtSc", mods: []string{"alt"}},
		{key: "PrtSc", allow: true},
	}

	for _, tc := range cases {
		d := Permits(p, input.KeyPress(tc.key, 1, tc.mods...))
		if d.Allowed != tc.allow {
			t.Fatalf("key=%q mods=%v: got %s want allow=%v", tc.key, tc.mods, d, tc.allow)
		}
		if !tc.allow && d.Reason != ReasonSystemCombo {
			t.Fatalf("key=%q: reason=%q", tc.key, d.Reason)
		}
	}
}

func TestPermits_PartialAllowsPointerScrollTouch(t *testing.T) {
	t.Parallel()

	p := Policy{Level: LevelPartial}
	for _, ev := range []input.Event{
		input.PointerMove(0.1, 0.1, 1),
		input.PointerClick(0.1, 0.1, input.ButtonRight, 1),
		input.Scroll(1, 1, 1),
		input.Touch(1, input.TouchPoint{X: 0.5, Y: 0.5}),
	} {
		if d := Permits(p, ev); !d.Allowed {
			t.Fatalf("partial denied %s: %s", ev.Kind, d)
		}
	}
}

func TestPermits_UnknownLevelDenies(t *testing.T) {
	t.Parallel()

	d := Permits(Policy{}, input.PointerMove(0.1, 0.1, 1))
	if d.Allowed || d.Reason != ReasonUnknownLevel {
		t.Fatalf("got %s", d)
	}
}

func TestDecisionErr(t *testing.T) {
	t.Parallel()

	if err := Allow().Err(); err != nil {
		t.Fatalf("allow err=%v", err)
	}
	if err := Deny(ReasonSystemCombo).Err(); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("deny err=%v", err)
	}
}

func TestPermitsAppAndPath(t *testing.T) {
	t.Parallel()

	partial := Policy{
		Level:        LevelPartial,
		AllowedApps:  []string{"Notes", "calculator"},
		AllowedPaths: []string{"/home/alice/shared", "relative/ignored"},
	}
	full := Policy{Level: LevelFull}

	if !PermitsApp(partial, "notes").Allowed {
		t.Fatalf("listed app denied")
	}
	if PermitsApp(partial, "terminal").Allowed {
		t.Fatalf("unlisted app allowed")
	}
	if PermitsApp(partial, "").Allowed {
		t.Fatalf("empty app allowed")
	}
	if !PermitsApp(full, "terminal").Allowed {
		t.Fatalf("full access must ignore app list")
	}

	paths := []struct {
		in    string
		allow bool
	}{
		{in: "/home/alice/shared", allow: true},
		{in: "/home/alice/shared/docs/a.txt", allow: true},
		{in: "/home/alice/shared/../secret", allow: false},
		{in: "/home/alice/sharedness", allow: false},
		{in: "relative/ignored/x", allow: false},
		{in: "/etc/passwd", allow: false},
	}
	for _, tc := range paths {
		if got := PermitsPath(partial, tc.in).Allowed; got != tc.allow {
			t.Fatalf("PermitsPath(%q)=%v want=%v", tc.in, got, tc.allow)
		}
	}
	if !PermitsPath(full, "/etc/passwd").Allowed {
		t.Fatalf("full access must ignore path list")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	if l, err := ParseLevel(" FULL "); err != nil || l != LevelFull {
		t.Fatalf("ParseLevel full: %v %v", l, err)
	}
	if l, err := ParseLevel("partial"); err != nil || l != LevelPartial {
		t.Fatalf("ParseLevel partial: %v %v", l, err)
	}
	if _, err := ParseLevel("admin"); !errors.Is(err, ErrInvalidLevel) {
		t.Fatalf("expected ErrInvalidLevel, got %v", err)
	}
}
