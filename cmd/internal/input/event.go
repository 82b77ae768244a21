// Package input models remote-control events sent from a client to a host.
//
// Events are transient: they are validated, filtered by the access policy,
// relayed once to the host's injection collaborator and never persisted.
package input

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Kind discriminates the event variant.
type Kind string

const (
	KindPointerMove  Kind = "pointerMove"
	KindPointerClick Kind = "pointerClick"
	KindKeyPress     Kind = "keyPress"
	KindScroll       Kind = "scroll"
	KindTouch        Kind = "touch"
)

// Kinds lists every known variant in a stable order (metrics label set).
var Kinds = []Kind{KindPointerMove, KindPointerClick, KindKeyPress, KindScroll, KindTouch}

// Known reports whether k is one of the defined variants.
func (k Kind) Known() bool {
	switch k {
	case KindPointerMove, KindPointerClick, KindKeyPress, KindScroll, KindTouch:
		return true
	}
	return false
}

// IsPointer reports whether k is a pointer move or click.
func (k Kind) IsPointer() bool {
	return k == KindPointerMove || k == KindPointerClick
}

// Button identifies a pointer button.
type Button string

const (
	ButtonLeft   Button = "left"
	ButtonRight  Button = "right"
	ButtonMiddle Button = "middle"
)

// MaxTouches bounds a single touch event.
const MaxTouches = 10

// ErrInvalidEvent is wrapped by every validation failure.
var ErrInvalidEvent = errors.New("invalid event")

// TouchPoint is one contact of a touch event. Pressure is optional (0 when absent).
type TouchPoint struct {
	ID       int     `json:"id" cbor:"id"`
	X        float64 `json:"x" cbor:"x"`
	Y        float64 `json:"y" cbor:"y"`
	Pressure float64 `json:"pressure,omitempty" cbor:"pressure,omitempty"`
}

// Event is a remote-control event. Only the fields relevant to Kind are meaningful:
//
//	pointerMove   X, Y
//	pointerClick  X, Y, Button
//	keyPress      Key, Modifiers
//	scroll        DeltaX, DeltaY (X, Y optional anchor)
//	touch         Touches
//
// Coordinates are normalized to [0,1]. Timestamp is in milliseconds.
type Event struct {
	Kind      Kind
	X, Y      float64
	Button    Button
	Key       string
	Modifiers []string
	DeltaX    float64
	DeltaY    float64
	Touches   []TouchPoint
	Timestamp int64
}

// PointerMove builds a pointerMove event.
func PointerMove(x, y float64, ts int64) Event {
	return Event{Kind: KindPointerMove, X: x, Y: y, Timestamp: ts}
}

// PointerClick builds a pointerClick event.
func PointerClick(x, y float64, b Button, ts int64) Event {
	return Event{Kind: KindPointerClick, X: x, Y: y, Button: b, Timestamp: ts}
}

// KeyPress builds a keyPress event.
func KeyPress(key string, ts int64, modifiers ...string) Event {
	return Event{Kind: KindKeyPress, Key: key, Modifiers: modifiers, Timestamp: ts}
}

// Scroll builds a scroll event.
func Scroll(dx, dy float64, ts int64) Event {
	return Event{Kind: KindScroll, DeltaX: dx, DeltaY: dy, Timestamp: ts}
}

// Touch builds a touch event.
func Touch(ts int64, points ...TouchPoint) Event {
	return Event{Kind: KindTouch, Touches: points, Timestamp: ts}
}

// Validate checks variant-specific invariants.
func (e Event) Validate() error {
	if !e.Kind.Known() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.Timestamp < 0 {
		return fmt.Errorf("%w: negative timestamp", ErrInvalidEvent)
	}

	switch e.Kind {
	case KindPointerMove:
		return validPoint(e.X, e.Y)

	case KindPointerClick:
		if err := validPoint(e.X, e.Y); err != nil {
			return err
		}
		switch e.Button {
		case ButtonLeft, ButtonRight, ButtonMiddle:
		default:
			return fmt.Errorf("%w: unknown button %q", ErrInvalidEvent, e.Button)
		}

	case KindKeyPress:
		if strings.TrimSpace(e.Key) == "" {
			return fmt.Errorf("%w: empty key", ErrInvalidEvent)
		}

	case KindScroll:
		if !finite(e.DeltaX) || !finite(e.DeltaY) {
			return fmt.Errorf("%w: non-finite scroll delta", ErrInvalidEvent)
		}
		if e.X != 0 || e.Y != 0 {
			return validPoint(e.X, e.Y)
		}

	case KindTouch:
		if len(e.Touches) == 0 || len(e.Touches) > MaxTouches {
			return fmt.Errorf("%w: touch count %d out of range [1..%d]", ErrInvalidEvent, len(e.Touches), MaxTouches)
		}
		for _, p := range e.Touches {
			if err := validPoint(p.X, p.Y); err != nil {
				return err
			}
			if !finite(p.Pressure) || p.Pressure < 0 || p.Pressure > 1 {
				return fmt.Errorf("%w: pressure out of range", ErrInvalidEvent)
			}
		}
	}
	return nil
}

func validPoint(x, y float64) error {
	if !finite(x) || !finite(y) || x < 0 || x > 1 || y < 0 || y > 1 {
		return fmt.Errorf("%w: coordinates (%v,%v) outside [0,1]", ErrInvalidEvent, x, y)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
