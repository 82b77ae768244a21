package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"remotedesk/cmd/internal/input"
)

func TestParseLine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		line    string
		want    input.Kind
		skip    bool
		wantErr error
	}{
		{line: "move 0.5 0.25", want: input.KindPointerMove},
		{line: "click 0.1 0.9 right", want: input.KindPointerClick},
		{line: "key c ctrl", want: input.KindKeyPress},
		{line: "scroll 0 -3", want: input.KindScroll},
		{line: "   ", skip: true},
		{line: "# comment", skip: true},
		{line: "move 1.5 0", wantErr: input.ErrInvalidEvent},
		{line: "click 0.1 0.1 thumb", wantErr: input.ErrInvalidEvent},
		{line: "move x 0", wantErr: ErrBadCommand},
		{line: "key", wantErr: ErrBadCommand},
		{line: "jump 1 2", wantErr: ErrBadCommand},
	}

	for _, tc := range cases {
		ev, ok, err := ParseLine(tc.line, 7)
		switch {
		case tc.wantErr != nil:
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("%q: err=%v want %v", tc.line, err, tc.wantErr)
			}
		case tc.skip:
			if ok || err != nil {
				t.Fatalf("%q: expected skip, got ok=%v err=%v", tc.line, ok, err)
			}
		default:
			if err != nil || !ok || ev.Kind != tc.want || ev.Timestamp != 7 {
				t.Fatalf("%q: ev=%+v ok=%v err=%v", tc.line, ev, ok, err)
			}
		}
	}
}

func TestReadEvents(t *testing.T) {
	t.Parallel()

	script := "move 0.1 0.1\nbogus\n\nkey Enter\n"
	out := make(chan input.Event, 4)
	var bad []int

	err := ReadEvents(context.Background(), strings.NewReader(script), out, func(line int, _ error) {
		bad = append(bad, line)
	})
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}

	var kinds []input.Kind
	for ev := range out {
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) != 2 || kinds[0] != input.KindPointerMove || kinds[1] != input.KindKeyPress {
		t.Fatalf("events: %v", kinds)
	}
	if len(bad) != 1 || bad[0] != 2 {
		t.Fatalf("bad lines: %v", bad)
	}
}
