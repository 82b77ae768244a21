package api

import (
	"time"

	"remotedesk/cmd/internal/session"
)

type createRequest struct {
	HostDeviceRef string   `json:"host_device_ref"`
	AccessLevel   string   `json:"access_level"`
	AllowedApps   []string `json:"allowed_apps"`
	AllowedPaths  []string `json:"allowed_paths"`
	// TTLSeconds of zero means the server default.
	TTLSeconds int64 `json:"ttl"`
}

type joinRequest struct {
	Code            string `json:"code"`
	PIN             string `json:"pin"`
	Link            string `json:"link"`
	ClientDeviceRef string `json:"client_device_ref"`
}

type sessionResponse struct {
	ID              string     `json:"id"`
	Code            string     `json:"code"`
	HostDeviceRef   string     `json:"host_device_ref"`
	ClientDeviceRef string     `json:"client_device_ref,omitempty"`
	AccessLevel     string     `json:"access_level"`
	AllowedApps     []string   `json:"allowed_apps"`
	AllowedPaths    []string   `json:"allowed_paths"`
	Active          bool       `json:"active"`
	State           string     `json:"state"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

type createResponse struct {
	Session sessionResponse `json:"session"`
	Code    string          `json:"code"`
	PIN     string          `json:"pin"`
	Link    string          `json:"link"`
	State   string          `json:"state"`
}

type sessionEnvelope struct {
	Session sessionResponse `json:"session"`
	State   string          `json:"state"`
}

func toSessionResponse(s session.Session, st session.State) sessionResponse {
	return sessionResponse{
		ID:              s.ID,
		Code:            s.Code,
		HostDeviceRef:   s.HostDeviceRef,
		ClientDeviceRef: s.ClientDeviceRef,
		AccessLevel:     string(s.AccessLevel),
		AllowedApps:     nonNil(s.AllowedApps),
		AllowedPaths:    nonNil(s.AllowedPaths),
		Active:          s.Active,
		State:           string(st),
		CreatedAt:       s.CreatedAt,
		ExpiresAt:       s.ExpiresAt,
		ClaimedAt:       s.ClaimedAt,
		EndedAt:         s.EndedAt,
	}
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
