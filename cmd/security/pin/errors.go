package pin

import "errors"

// Public, stable errors for callers.
var (
	ErrInvalidPIN  = errors.New("pin must be 4 decimal digits")
	ErrInvalidHash = errors.New("invalid pin hash")
)
