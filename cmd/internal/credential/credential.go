// Package credential generates and validates session join credentials.
//
// A credential is an 8-character code over [A-Z0-9] plus a 4-digit PIN.
// Both are drawn from crypto/rand; the PIN space is small enough that
// callers MUST throttle repeated failed attempts (see package throttle).
package credential

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

const (
	// CodeLength is the number of characters in a session code.
	CodeLength = 8
	// PINLength is the number of decimal digits in a session PIN.
	PINLength = 4

	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// ErrEntropy is returned when the random source fails.
var ErrEntropy = errors.New("credential: entropy source failed")

// Credentials is a freshly generated (code, pin) pair.
type Credentials struct {
	Code string
	PIN  string
}

// Generator produces credentials from a random source.
// The zero value uses crypto/rand.
type Generator struct {
	Rand io.Reader
}

// Generate draws a credential using crypto/rand.
func Generate() (Credentials, error) {
	return Generator{}.Generate()
}

// Generate draws a uniformly random code and PIN.
func (g Generator) Generate() (Credentials, error) {
	r := g.Rand
	if r == nil {
		r = rand.Reader
	}

	code, err := randomString(r, codeAlphabet, CodeLength)
	if err != nil {
		return Credentials{}, err
	}

	n, err := rand.Int(r, big.NewInt(10000))
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrEntropy, err)
	}

	return Credentials{
		Code: code,
		PIN:  fmt.Sprintf("%0*d", PINLength, n.Int64()),
	}, nil
}

func randomString(r io.Reader, alphabet string, n int) (string, error) {
	limit := big.NewInt(int64(len(alphabet)))

	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(r, limit)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrEntropy, err)
		}
		b.WriteByte(alphabet[idx.Int64()])
	}
	return b.String(), nil
}

// NormalizeCode upper-cases and trims a user-entered code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether code is exactly CodeLength characters of [A-Z0-9].
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// ValidPIN reports whether pin is exactly PINLength decimal digits.
func ValidPIN(pin string) bool {
	if len(pin) != PINLength {
		return false
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return false
		}
	}
	return true
}
