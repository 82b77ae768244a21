package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"remotedesk/cmd/internal/input"
)

// ErrBadCommand is returned for an unparseable script line.
var ErrBadCommand = errors.New("agent: bad command")

// ParseLine turns one script line into an event stamped ts:
//
//	move X Y
//	click X Y [left|right|middle]
//	key KEY [MOD...]
//	scroll DX DY
//
// Coordinates are normalized to [0,1]. Blank lines and lines starting with
// '#' yield ok=false.
func ParseLine(line string, ts int64) (ev input.Event, ok bool, err error) {
	f := strings.Fields(line)
	if len(f) == 0 || strings.HasPrefix(f[0], "#") {
		return input.Event{}, false, nil
	}

	switch strings.ToLower(f[0]) {
	case "move":
		x, y, err := parsePair(f[1:])
		if err != nil {
			return input.Event{}, false, err
		}
		ev = input.PointerMove(x, y, ts)
	case "click":
		x, y, err := parsePair(f[1:])
		if err != nil {
			return input.Event{}, false, err
		}
		b := input.ButtonLeft
		if len(f) > 3 {
			b = input.Button(strings.ToLower(f[3]))
		}
		ev = input.PointerClick(x, y, b, ts)
	case "key":
		if len(f) < 2 {
			return input.Event{}, false, fmt.Errorf("%w: key needs a name", ErrBadCommand)
		}
		ev = input.KeyPress(f[1], ts, f[2:]...)
	case "scroll":
		dx, dy, err := parsePair(f[1:])
		if err != nil {
			return input.Event{}, false, err
		}
		ev = input.Scroll(dx, dy, ts)
	default:
		return input.Event{}, false, fmt.Errorf("%w: %q", ErrBadCommand, f[0])
	}

	if err := ev.Validate(); err != nil {
		return input.Event{}, false, err
	}
	return ev, true, nil
}

func parsePair(f []string) (float64, float64, error) {
	if len(f) < 2 {
		return 0, 0, fmt.Errorf("%w: need two numbers", ErrBadCommand)
	}
	a, err := strconv.ParseFloat(f[0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrBadCommand, err)
	}
	b, err := strconv.ParseFloat(f[1], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrBadCommand, err)
	}
	return a, b, nil
}

// ReadEvents parses r line by line into out and closes out at EOF. Bad
// lines are reported to onErr and skipped.
func ReadEvents(ctx context.Context, r io.Reader, out chan<- input.Event, onErr func(line int, err error)) error {
	defer close(out)

	start := time.Now()
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		ts := time.Since(start).Milliseconds()
		ev, ok, err := ParseLine(sc.Text(), ts)
		if err != nil {
			if onErr != nil {
				onErr(n, err)
			}
			continue
		}
		if !ok {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return sc.Err()
}
