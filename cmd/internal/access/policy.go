// Package access decides whether a remote-control event is permitted under a
// session's access policy.
//
// Permits is a pure function: the relay and the host-local injection
// collaborator share it so both sides agree on every decision.
package access

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"remotedesk/cmd/internal/input"
)

// Level is the session access level.
type Level string

const (
	LevelFull    Level = "full"
	LevelPartial Level = "partial"
)

// ErrPermissionDenied is returned by Decision.Err for a deny.
var ErrPermissionDenied = errors.New("permission denied")

// ErrInvalidLevel is returned by ParseLevel.
var ErrInvalidLevel = errors.New("invalid access level")

// ParseLevel parses "full" or "partial" (case-insensitive).
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelFull:
		return LevelFull, nil
	case LevelPartial:
		return LevelPartial, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

// Policy is the access-relevant projection of a session.
// AllowedApps and AllowedPaths carry no weight when Level is full.
type Policy struct {
	Level        Level
	AllowedApps  []string
	AllowedPaths []string
}

// Reason is a stable deny reason code.
type Reason string

const (
	ReasonSystemCombo  Reason = "system_key_combination"
	ReasonUnknownLevel Reason = "unknown_access_level"
	ReasonAppNotListed Reason = "app_not_allowed"
	ReasonPathNotBelow Reason = "path_not_allowed"
)

// Decision is the outcome of a policy check. The zero value denies.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Allow is the permit decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny builds a deny decision.
func Deny(r Reason) Decision { return Decision{Reason: r} }

// Err maps a deny to ErrPermissionDenied.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPermissionDenied, d.Reason)
}

func (d Decision) String() string {
	if d.Allowed {
		return "allow"
	}
	return "deny(" + string(d.Reason) + ")"
}

// Permits evaluates ev under p.
//
//	full     any event          allow
//	partial  pointer/scroll/touch  allow
//	partial  keyPress           deny when the key is a system combination
func Permits(p Policy, ev input.Event) Decision {
	switch p.Level {
	case LevelFull:
		return Allow()
	case LevelPartial:
	default:
		return Deny(ReasonUnknownLevel)
	}

	if ev.Kind == input.KindKeyPress && IsSystemCombination(ev.Key, ev.Modifiers) {
		return Deny(ReasonSystemCombo)
	}
	return Allow()
}

// PermitsApp reports whether app may be targeted. It is consulted by the
// host-side collaborator; the relay never calls it.
func PermitsApp(p Policy, app string) Decision {
	if p.Level == LevelFull {
		return Allow()
	}
	app = strings.TrimSpace(app)
	for _, a := range p.AllowedApps {
		if strings.EqualFold(strings.TrimSpace(a), app) && app != "" {
			return Allow()
		}
	}
	return Deny(ReasonAppNotListed)
}

// PermitsPath reports whether path lies under one of the allowed roots.
// Paths are compared after filepath.Clean; relative paths are never allowed
// under partial access.
func PermitsPath(p Policy, path string) Decision {
	if p.Level == LevelFull {
		return Allow()
	}
	if path == "" || !filepath.IsAbs(path) {
		return Deny(ReasonPathNotBelow)
	}
	clean := filepath.Clean(path)
	for _, root := range p.AllowedPaths {
		if root == "" || !filepath.IsAbs(root) {
			continue
		}
		r := filepath.Clean(root)
		if clean == r {
			return Allow()
		}
		rel, err := filepath.Rel(r, clean)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return Allow()
		}
	}
	return Deny(ReasonPathNotBelow)
}
