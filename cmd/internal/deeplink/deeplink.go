// Package deeplink parses and builds join shorthand links of the form
// scheme://join/<code>?pin=<pin>.
package deeplink

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"remotedesk/cmd/internal/credential"
)

// DefaultScheme is used when no scheme is configured.
const DefaultScheme = "remotedesk"

var (
	ErrMalformed   = errors.New("deeplink: malformed link")
	ErrScheme      = errors.New("deeplink: unexpected scheme")
	ErrInvalidCode = errors.New("deeplink: invalid code")
	ErrInvalidPIN  = errors.New("deeplink: invalid pin")
)

// Join is a parsed join link.
type Join struct {
	Code string
	PIN  string
}

// Parse validates uri against scheme and extracts the code and PIN.
// The code is upper-cased before validation.
func Parse(uri, scheme string) (Join, error) {
	if scheme == "" {
		scheme = DefaultScheme
	}
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return Join{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !strings.EqualFold(u.Scheme, scheme) {
		return Join{}, fmt.Errorf("%w: %q", ErrScheme, u.Scheme)
	}

	// scheme://join/CODE puts "join" in the host; scheme:join/CODE leaves it in Opaque.
	path := u.Host + u.Path
	if u.Opaque != "" {
		path = u.Opaque
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[0] != "join" {
		return Join{}, ErrMalformed
	}

	code := credential.NormalizeCode(parts[1])
	if !credential.ValidCode(code) {
		return Join{}, ErrInvalidCode
	}

	q := u.Query()
	if len(q["pin"]) != 1 {
		return Join{}, ErrInvalidPIN
	}
	pin := q.Get("pin")
	if !credential.ValidPIN(pin) {
		return Join{}, ErrInvalidPIN
	}
	return Join{Code: code, PIN: pin}, nil
}

// Build returns the join link for code and pin.
func Build(scheme, code, pin string) (string, error) {
	if scheme == "" {
		scheme = DefaultScheme
	}
	code = credential.NormalizeCode(code)
	if !credential.ValidCode(code) {
		return "", ErrInvalidCode
	}
	if !credential.ValidPIN(pin) {
		return "", ErrInvalidPIN
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     "join",
		Path:     "/" + code,
		RawQuery: url.Values{"pin": {pin}}.Encode(),
	}
	return u.String(), nil
}
