package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

var (
	errEmptyBody    = errors.New("request body is empty")
	errBodyTooLarge = errors.New("request body is too large")
	errTrailingData = errors.New("unexpected data after the JSON object")
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// RetryAfter mirrors the Retry-After header, in seconds, for clients
	// that cannot read headers (deep-link handlers, browser extensions).
	RetryAfter int64 `json:"retry_after,omitempty"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// writeRateLimited answers 429. The wait is rounded up to whole seconds in
// both the Retry-After header and the body.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	var secs int64
	if retryAfter > 0 {
		secs = int64((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: apiError{
		Code:       "rate_limited",
		Message:    "too many join attempts",
		RetryAfter: secs,
	}})
}

// decodeJSON reads exactly one JSON object of at most maxBytes into dst.
// Unknown fields are rejected so a typo in a policy field never silently
// widens access.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errEmptyBody
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return errBodyTooLarge
		case errors.Is(err, io.EOF):
			return errEmptyBody
		}
		return fmt.Errorf("decode: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errTrailingData
	}
	return nil
}

// writeDecodeError maps a decodeJSON failure to its response.
func writeDecodeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
	case errors.Is(err, errEmptyBody):
		writeError(w, http.StatusBadRequest, "empty_body", err.Error())
	default:
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
	}
}
