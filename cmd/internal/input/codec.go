package input

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Data channel labels. The label selects the codec on the host side.
const (
	LabelJSON = "remote-control"
	LabelCBOR = "remote-control+cbor"
)

// Codec encodes events for a data channel.
type Codec interface {
	Label() string
	Marshal(Event) ([]byte, error)
	Unmarshal([]byte) (Event, error)
}

var (
	// JSON is the default codec: {"type","data","timestamp"}.
	JSON Codec = jsonCodec{}
	// CBOR carries the same shape in a compact binary form.
	CBOR Codec = cborCodec{}
)

// CodecForLabel returns the codec for a data channel label.
func CodecForLabel(label string) (Codec, bool) {
	switch label {
	case LabelJSON:
		return JSON, true
	case LabelCBOR:
		return CBOR, true
	}
	return nil, false
}

// legacyKinds maps the snake_case names used by older clients.
var legacyKinds = map[string]Kind{
	"mouse_move":  KindPointerMove,
	"mouse_click": KindPointerClick,
	"key_press":   KindKeyPress,
}

type wireEvent struct {
	Type      string   `json:"type" cbor:"type"`
	Data      wireData `json:"data" cbor:"data"`
	Timestamp int64    `json:"timestamp" cbor:"timestamp"`
}

type wireData struct {
	X         *float64     `json:"x,omitempty" cbor:"x,omitempty"`
	Y         *float64     `json:"y,omitempty" cbor:"y,omitempty"`
	Button    string       `json:"button,omitempty" cbor:"button,omitempty"`
	Key       string       `json:"key,omitempty" cbor:"key,omitempty"`
	Modifiers []string     `json:"modifiers,omitempty" cbor:"modifiers,omitempty"`
	DeltaX    float64      `json:"deltaX,omitempty" cbor:"deltaX,omitempty"`
	DeltaY    float64      `json:"deltaY,omitempty" cbor:"deltaY,omitempty"`
	Touches   []TouchPoint `json:"touches,omitempty" cbor:"touches,omitempty"`
}

func toWire(e Event) wireEvent {
	w := wireEvent{Type: string(e.Kind), Timestamp: e.Timestamp}
	switch e.Kind {
	case KindPointerMove, KindPointerClick:
		x, y := e.X, e.Y
		w.Data.X, w.Data.Y = &x, &y
		w.Data.Button = string(e.Button)
	case KindKeyPress:
		w.Data.Key = e.Key
		w.Data.Modifiers = e.Modifiers
	case KindScroll:
		w.Data.DeltaX, w.Data.DeltaY = e.DeltaX, e.DeltaY
		if e.X != 0 || e.Y != 0 {
			x, y := e.X, e.Y
			w.Data.X, w.Data.Y = &x, &y
		}
	case KindTouch:
		w.Data.Touches = e.Touches
	}
	return w
}

func fromWire(w wireEvent) (Event, error) {
	kind := Kind(w.Type)
	if k, ok := legacyKinds[w.Type]; ok {
		kind = k
	}
	if !kind.Known() {
		return Event{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, w.Type)
	}

	e := Event{
		Kind:      kind,
		Button:    Button(w.Data.Button),
		Key:       w.Data.Key,
		Modifiers: w.Data.Modifiers,
		DeltaX:    w.Data.DeltaX,
		DeltaY:    w.Data.DeltaY,
		Touches:   w.Data.Touches,
		Timestamp: w.Timestamp,
	}

	if kind.IsPointer() && (w.Data.X == nil || w.Data.Y == nil) {
		return Event{}, fmt.Errorf("%w: %s requires x and y", ErrInvalidEvent, kind)
	}
	if w.Data.X != nil {
		e.X = *w.Data.X
	}
	if w.Data.Y != nil {
		e.Y = *w.Data.Y
	}
	if kind == KindPointerClick && e.Button == "" {
		e.Button = ButtonLeft
	}

	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

type jsonCodec struct{}

func (jsonCodec) Label() string { return LabelJSON }

func (jsonCodec) Marshal(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(toWire(e))
}

func (jsonCodec) Unmarshal(b []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return fromWire(w)
}

var cborDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		MaxArrayElements: 64,
		MaxMapPairs:      64,
		MaxNestedLevels:  8,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

type cborCodec struct{}

func (cborCodec) Label() string { return LabelCBOR }

func (cborCodec) Marshal(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return cbor.Marshal(toWire(e))
}

func (cborCodec) Unmarshal(b []byte) (Event, error) {
	var w wireEvent
	if err := cborDecMode.Unmarshal(b, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return fromWire(w)
}
