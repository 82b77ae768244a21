package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError is a non-2xx response from the session API.
type APIError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("api: %d %s: %s (retry after %s)", e.Status, e.Code, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
}

// CreateRequest asks the server for a new session.
type CreateRequest struct {
	HostDeviceRef string   `json:"host_device_ref"`
	AccessLevel   string   `json:"access_level"`
	AllowedApps   []string `json:"allowed_apps,omitempty"`
	AllowedPaths  []string `json:"allowed_paths,omitempty"`
	TTLSeconds    int64    `json:"ttl,omitempty"`
}

// JoinRequest claims a session with either Link or Code and PIN.
type JoinRequest struct {
	Code            string `json:"code,omitempty"`
	PIN             string `json:"pin,omitempty"`
	Link            string `json:"link,omitempty"`
	ClientDeviceRef string `json:"client_device_ref"`
}

// SessionInfo is the server's view of a session.
type SessionInfo struct {
	ID              string    `json:"id"`
	Code            string    `json:"code"`
	HostDeviceRef   string    `json:"host_device_ref"`
	ClientDeviceRef string    `json:"client_device_ref,omitempty"`
	AccessLevel     string    `json:"access_level"`
	AllowedApps     []string  `json:"allowed_apps"`
	AllowedPaths    []string  `json:"allowed_paths"`
	Active          bool      `json:"active"`
	State           string    `json:"state"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Created is the response to a create: the session plus its join
// credentials, shown to the host once.
type Created struct {
	Session SessionInfo `json:"session"`
	Code    string      `json:"code"`
	PIN     string      `json:"pin"`
	Link    string      `json:"link"`
	State   string      `json:"state"`
}

type sessionEnvelope struct {
	Session SessionInfo `json:"session"`
	State   string      `json:"state"`
}

// Client calls the session HTTP API.
type Client struct {
	base string
	hc   *http.Client
}

// NewClient returns a client for the server at baseURL ("http://host:port").
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), hc: hc}
}

// SignalURL returns the signaling WebSocket URL for the same server.
func (c *Client) SignalURL() string {
	u, err := url.Parse(c.base)
	if err != nil {
		return ""
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/signal"
	return u.String()
}

// Create opens a new session.
func (c *Client) Create(ctx context.Context, req CreateRequest) (Created, error) {
	var out Created
	err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &out)
	return out, err
}

// Join claims a session for this device.
func (c *Client) Join(ctx context.Context, req JoinRequest) (SessionInfo, error) {
	var out sessionEnvelope
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/join", req, &out); err != nil {
		return SessionInfo{}, err
	}
	return out.Session, nil
}

// Get fetches a session.
func (c *Client) Get(ctx context.Context, id string) (SessionInfo, error) {
	var out sessionEnvelope
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), nil, &out); err != nil {
		return SessionInfo{}, err
	}
	return out.Session, nil
}

// End ends a session.
func (c *Client) End(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/end", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode >= 300 {
		return decodeAPIError(res)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func decodeAPIError(res *http.Response) error {
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(res.Body, 64<<10)).Decode(&payload)

	e := &APIError{Status: res.StatusCode, Code: payload.Error.Code, Message: payload.Error.Message}
	if s, err := strconv.Atoi(res.Header.Get("Retry-After")); err == nil && s > 0 {
		e.RetryAfter = time.Duration(s) * time.Second
	}
	return e
}
