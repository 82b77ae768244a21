package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"valid", `{"code":"ABCD1234","pin":"1234","client_device_ref":"c"}`, http.StatusOK, ""},
		{"empty", ``, http.StatusBadRequest, "empty_body"},
		{"unknown field", `{"code":"ABCD1234","pins":"1234"}`, http.StatusBadRequest, "invalid_json"},
		{"two objects", `{"code":"A"}{"code":"B"}`, http.StatusBadRequest, "invalid_json"},
		{"oversized", `{"client_device_ref":"` + strings.Repeat("x", 256) + `"}`, http.StatusRequestEntityTooLarge, "body_too_large"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rr := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/v1/sessions/join", strings.NewReader(tc.body))

			var req joinRequest
			if err := decodeJSON(rr, r, 128, &req); err != nil {
				writeDecodeError(rr, err)
			} else {
				rr.WriteHeader(http.StatusOK)
			}

			if rr.Code != tc.status {
				t.Fatalf("status: got %d want %d", rr.Code, tc.status)
			}
			if tc.code == "" {
				if req.Code != "ABCD1234" || req.ClientDeviceRef != "c" {
					t.Fatalf("decoded: %+v", req)
				}
				return
			}
			var out errorResponse
			if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if out.Error.Code != tc.code {
				t.Fatalf("code: got %q want %q", out.Error.Code, tc.code)
			}
		})
	}
}

func TestWriteRateLimited_RoundsUp(t *testing.T) {
	t.Parallel()

	cases := []struct {
		wait   time.Duration
		header string
		body   int64
	}{
		{0, "", 0},
		{300 * time.Millisecond, "1", 1},
		{2 * time.Second, "2", 2},
		{2*time.Second + time.Millisecond, "3", 3},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		writeRateLimited(rr, tc.wait)

		if rr.Code != http.StatusTooManyRequests {
			t.Fatalf("wait=%s: status %d", tc.wait, rr.Code)
		}
		if got := rr.Header().Get("Retry-After"); got != tc.header {
			t.Fatalf("wait=%s: Retry-After %q want %q", tc.wait, got, tc.header)
		}
		var out errorResponse
		if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out.Error.Code != "rate_limited" || out.Error.RetryAfter != tc.body {
			t.Fatalf("wait=%s: body %+v", tc.wait, out.Error)
		}
	}
}
