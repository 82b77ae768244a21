package session

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	ErrInvalidInput       = errors.New("invalid_input")
	ErrNotFound           = errors.New("not_found")
	ErrInactive           = errors.New("inactive")
	ErrExpired            = errors.New("expired")
	ErrInvalidPIN         = errors.New("invalid_pin")
	ErrAlreadyClaimed     = errors.New("already_claimed")
	ErrCodeConflict       = errors.New("code_conflict")
	ErrNegotiationTimeout = errors.New("negotiation_timeout")
	ErrTransportFailed    = errors.New("transport_failed")
	ErrSessionEnded       = errors.New("session_ended")
	ErrInvalidTransition  = errors.New("invalid_transition")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Msg may include human-readable context; it never includes the PIN.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func opErr(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// Kind returns the sentinel kind of err, or nil when err carries none.
func Kind(err error) error {
	for _, k := range []error{
		ErrInvalidInput, ErrNotFound, ErrInactive, ErrExpired, ErrInvalidPIN,
		ErrAlreadyClaimed, ErrCodeConflict, ErrNegotiationTimeout,
		ErrTransportFailed, ErrSessionEnded, ErrInvalidTransition,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
