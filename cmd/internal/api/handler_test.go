package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"remotedesk/cmd/internal/session"
	"remotedesk/cmd/internal/throttle"
	"remotedesk/cmd/security/pin"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type apiFixture struct {
	srv *httptest.Server
	svc *session.Service
}

func newAPIFixture(t *testing.T, cfg Config) apiFixture {
	t.Helper()

	life := session.NewLifecycle(quietLogger(), session.DefaultConfig())
	t.Cleanup(func() { life.Shutdown(session.ReasonShutdown) })
	svc := session.NewService(session.DefaultConfig(), session.NewInMemoryStore(), life, quietLogger(),
		session.WithPINConfig(pin.FastConfig()))

	h, err := NewHandler(quietLogger(), svc, throttle.New(throttle.DefaultConfig()), cfg)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return apiFixture{srv: srv, svc: svc}
}

func (f apiFixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	res, err := http.Post(f.srv.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func (f apiFixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	res, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func (f apiFixture) create(t *testing.T) createResponse {
	t.Helper()
	res := f.post(t, "/v1/sessions", map[string]any{
		"host_device_ref": "host-1",
		"access_level":    "partial",
		"allowed_apps":    []string{"editor"},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d", res.StatusCode)
	}
	var out createResponse
	decodeBody(t, res, &out)
	return out
}

func decodeBody(t *testing.T, res *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(res.Body).Decode(dst); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func errorCode(t *testing.T, res *http.Response) string {
	t.Helper()
	var out errorResponse
	decodeBody(t, res, &out)
	return out.Error.Code
}

func wrongPIN(p string) string {
	if p == "0000" {
		return "1111"
	}
	return "0000"
}

func TestHandler_CreateReturnsCredentialsAndLink(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, DefaultConfig())
	out := f.create(t)

	if len(out.Code) != 8 || len(out.PIN) != 4 {
		t.Fatalf("credentials: code=%q pin=%q", out.Code, out.PIN)
	}
	if out.State != string(session.StateAwaitingClient) {
		t.Fatalf("state: got %q", out.State)
	}
	if !strings.HasPrefix(out.Link, "remotedesk://") || !strings.Contains(out.Link, out.Code) {
		t.Fatalf("link: %q", out.Link)
	}
	if out.Session.AccessLevel != "partial" || len(out.Session.AllowedApps) != 1 {
		t.Fatalf("session: %+v", out.Session)
	}
	if out.Session.ClientDeviceRef != "" {
		t.Fatalf("fresh session should be unclaimed")
	}
}

func TestHandler_CreateRejectsBadInput(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, DefaultConfig())
	cases := []struct {
		name string
		body any
		code string
	}{
		{"missing host", map[string]any{"access_level": "full"}, "invalid_input"},
		{"unknown level", map[string]any{"host_device_ref": "h", "access_level": "root"}, "invalid_input"},
		{"negative ttl", map[string]any{"host_device_ref": "h", "access_level": "full", "ttl": -5}, "invalid_input"},
		{"unknown field", map[string]any{"host_device_ref": "h", "access_level": "full", "admin": true}, "invalid_json"},
	}
	for _, tc := range cases {
		res := f.post(t, "/v1/sessions", tc.body)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status %d", tc.name, res.StatusCode)
		}
		if got := errorCode(t, res); got != tc.code {
			t.Fatalf("%s: code %q want %q", tc.name, got, tc.code)
		}
	}
}

func TestHandler_JoinByCodeAndByLink(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, DefaultConfig())

	byCode := f.create(t)
	res := f.post(t, "/v1/sessions/join", map[string]any{
		"code":              strings.ToLower(byCode.Code),
		"pin":               byCode.PIN,
		"client_device_ref": "client-1",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("join by code: status %d", res.StatusCode)
	}
	var env sessionEnvelope
	decodeBody(t, res, &env)
	if env.Session.ClientDeviceRef != "client-1" || env.State != string(session.StateNegotiating) {
		t.Fatalf("join by code: %+v", env)
	}

	byLink := f.create(t)
	res = f.post(t, "/v1/sessions/join", map[string]any{"link": byLink.Link, "client_device_ref": "client-2"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("join by link: status %d", res.StatusCode)
	}

	// A different device cannot take a claimed session.
	res = f.post(t, "/v1/sessions/join", map[string]any{"link": byLink.Link, "client_device_ref": "client-3"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second client: status %d", res.StatusCode)
	}

	res = f.post(t, "/v1/sessions/join", map[string]any{"link": "https://example.com/x", "client_device_ref": "c"})
	if res.StatusCode != http.StatusBadRequest || errorCode(t, res) != "invalid_link" {
		t.Fatalf("foreign link: status %d", res.StatusCode)
	}
}

func TestHandler_JoinBacksOffAfterRepeatedWrongPINs(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, DefaultConfig())
	out := f.create(t)
	body := map[string]any{"code": out.Code, "pin": wrongPIN(out.PIN), "client_device_ref": "client-1"}

	for i := 0; i < 3; i++ {
		res := f.post(t, "/v1/sessions/join", body)
		if res.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status %d", i+1, res.StatusCode)
		}
	}

	res := f.post(t, "/v1/sessions/join", body)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("attempt 4: status %d", res.StatusCode)
	}
	if res.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}

	// The throttle applies even to the right PIN until the wait elapses.
	body["pin"] = out.PIN
	res = f.post(t, "/v1/sessions/join", body)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("correct pin while throttled: status %d", res.StatusCode)
	}
}

func TestHandler_ConcurrentWrongPINsStayWithinBudget(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, DefaultConfig())
	out := f.create(t)
	raw, err := json.Marshal(map[string]any{"code": out.Code, "pin": wrongPIN(out.PIN), "client_device_ref": "client-1"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	const n = 40
	statuses := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := http.Post(f.srv.URL+"/v1/sessions/join", "application/json", bytes.NewReader(raw))
			if err != nil {
				statuses <- 0
				return
			}
			_ = res.Body.Close()
			statuses <- res.StatusCode
		}()
	}
	wg.Wait()
	close(statuses)

	counts := map[int]int{}
	for st := range statuses {
		counts[st]++
	}
	if counts[http.StatusUnauthorized] < 1 || counts[http.StatusUnauthorized] > 3 {
		t.Fatalf("verified guesses: %v", counts)
	}
	if counts[http.StatusUnauthorized]+counts[http.StatusTooManyRequests] != n {
		t.Fatalf("unexpected statuses: %v", counts)
	}
}

func TestHandler_JoinUnknownCode(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, DefaultConfig())
	res := f.post(t, "/v1/sessions/join", map[string]any{"code": "ZZZZZZZZ", "pin": "1234", "client_device_ref": "c"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", res.StatusCode)
	}

	res = f.post(t, "/v1/sessions/join", map[string]any{"code": "short", "pin": "1234", "client_device_ref": "c"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed code: status %d", res.StatusCode)
	}
}

func TestHandler_GetAndEnd(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, DefaultConfig())
	out := f.create(t)
	path := "/v1/sessions/" + out.Session.ID

	res := f.get(t, path)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get: status %d", res.StatusCode)
	}

	for i := 0; i < 2; i++ {
		res = f.post(t, path+"/end", nil)
		if res.StatusCode != http.StatusNoContent {
			t.Fatalf("end %d: status %d", i+1, res.StatusCode)
		}
	}

	res = f.get(t, path)
	var env sessionEnvelope
	decodeBody(t, res, &env)
	if env.State != string(session.StateEnded) || env.Session.Active {
		t.Fatalf("after end: %+v", env)
	}

	res = f.post(t, "/v1/sessions/join", map[string]any{"code": out.Code, "pin": out.PIN, "client_device_ref": "c"})
	if res.StatusCode != http.StatusGone {
		t.Fatalf("join ended session: status %d", res.StatusCode)
	}

	res = f.post(t, "/v1/sessions/01J00000000000000000000000/end", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("end unknown: status %d", res.StatusCode)
	}
	res = f.get(t, "/v1/sessions/01J00000000000000000000000")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("get unknown: status %d", res.StatusCode)
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.RemoteAddr = "10.0.0.5:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := clientIP(r, false).String(); got != "10.0.0.5" {
		t.Fatalf("untrusted: got %s", got)
	}
	if got := clientIP(r, true).String(); got != "203.0.113.9" {
		t.Fatalf("trusted: got %s", got)
	}
}
