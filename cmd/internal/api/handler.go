// Package api exposes session creation, join, status and end over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"remotedesk/cmd/internal/access"
	"remotedesk/cmd/internal/credential"
	"remotedesk/cmd/internal/deeplink"
	"remotedesk/cmd/internal/session"
	"remotedesk/cmd/internal/throttle"
)

// Handler wires HTTP session endpoints to the session service.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	sessions *session.Service
	throttle *throttle.JoinThrottle
}

// NewHandler constructs a Handler. A nil throttle gets one with default
// settings.
func NewHandler(log *slog.Logger, sessions *session.Service, jt *throttle.JoinThrottle, cfg Config) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("api: nil session service")
	}
	if log == nil {
		log = slog.Default()
	}
	if jt == nil {
		jt = throttle.New(throttle.DefaultConfig())
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	if cfg.DeeplinkScheme == "" {
		cfg.DeeplinkScheme = deeplink.DefaultScheme
	}
	return &Handler{log: log, cfg: cfg, sessions: sessions, throttle: jt}, nil
}

// Register wires session routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /v1/sessions", h.handleCreate)
	mux.HandleFunc("POST /v1/sessions/join", h.handleJoin)
	mux.HandleFunc("GET /v1/sessions/{id}", h.handleGet)
	mux.HandleFunc("POST /v1/sessions/{id}/end", h.handleEnd)
}

// ---- handlers ----

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "ttl must be positive")
		return
	}

	created, err := h.sessions.Create(r.Context(), session.CreateInput{
		HostDeviceRef: req.HostDeviceRef,
		AccessLevel:   access.Level(req.AccessLevel),
		AllowedApps:   req.AllowedApps,
		AllowedPaths:  req.AllowedPaths,
		TTL:           time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		h.writeSessionError(w, "session.create.fail", err)
		return
	}

	link, err := deeplink.Build(h.cfg.DeeplinkScheme, created.Session.Code, created.PIN)
	if err != nil {
		h.log.Error("session.link.fail", "session_id", created.Session.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	st := created.Handle.State()
	writeJSON(w, http.StatusCreated, createResponse{
		Session: toSessionResponse(created.Session, st),
		Code:    created.Session.Code,
		PIN:     created.PIN,
		Link:    link,
		State:   string(st),
	})
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	code, pinValue := req.Code, req.PIN
	if link := strings.TrimSpace(req.Link); link != "" {
		if code != "" || pinValue != "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "use either link or code and pin")
			return
		}
		j, err := deeplink.Parse(link, h.cfg.DeeplinkScheme)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_link", err.Error())
			return
		}
		code, pinValue = j.Code, j.PIN
	}
	code = credential.NormalizeCode(code)

	keys := h.throttleKeys(r, code)
	attempt, err := h.throttle.Begin(keys...)
	if err != nil {
		var re throttle.RetryError
		if errors.As(err, &re) {
			h.log.Info("session.join.throttled", "key", re.Key, "retry_after", re.RetryAfter)
			writeRateLimited(w, re.RetryAfter)
			return
		}
		writeRateLimited(w, 0)
		return
	}

	ctx := r.Context()
	s, err := h.sessions.Authenticate(ctx, code, pinValue, req.ClientDeviceRef)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidPIN):
			attempt.Fail()
		case errors.Is(err, session.ErrNotFound) && len(keys) > 1:
			attempt.Fail(keys[1])
		default:
			attempt.Release()
		}
		h.writeSessionError(w, "session.join.fail", err)
		return
	}
	attempt.Succeed()

	row, st, err := h.sessions.Get(ctx, s.ID)
	if err != nil {
		h.writeSessionError(w, "session.get.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, sessionEnvelope{Session: toSessionResponse(row, st), State: string(st)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	row, st, err := h.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeSessionError(w, "session.get.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, sessionEnvelope{Session: toSessionResponse(row, st), State: string(st)})
}

func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.sessions.End(r.Context(), id, session.ReasonHostEnded); err != nil {
		h.writeSessionError(w, "session.end.fail", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- helpers ----

// throttleKeys returns the code key first, then the client address key
// when enabled.
func (h *Handler) throttleKeys(r *http.Request, code string) []string {
	keys := []string{"code:" + code}
	if !h.cfg.ThrottleByIP {
		return keys
	}
	if ip := clientIP(r, h.cfg.TrustProxy); ip != nil {
		keys = append(keys, "ip:"+ip.String())
	}
	return keys
}

func (h *Handler) writeSessionError(w http.ResponseWriter, event string, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "session not found")
	case errors.Is(err, session.ErrAlreadyClaimed):
		writeError(w, http.StatusConflict, "already_claimed", "session already has a client")
	case errors.Is(err, session.ErrExpired):
		writeError(w, http.StatusGone, "expired", "session expired")
	case errors.Is(err, session.ErrInactive):
		writeError(w, http.StatusGone, "inactive", "session is no longer active")
	case errors.Is(err, session.ErrInvalidPIN):
		writeError(w, http.StatusUnauthorized, "invalid_pin", "invalid pin")
	case errors.Is(err, session.ErrCodeConflict):
		h.log.Error(event, "err", err)
		writeError(w, http.StatusServiceUnavailable, "code_unavailable", "could not allocate a session code")
	default:
		h.log.Error(event, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		for _, p := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
			if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
				return ip
			}
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
