package session

import (
	"context"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is the dev/test Store used when no database is configured.
// The claim compare-and-set is serialized by a single mutex.
type InMemoryStore struct {
	mu     sync.Mutex
	byID   map[string]Session
	byCode map[string][]string // code -> ids, creation order
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:   make(map[string]Session),
		byCode: make(map[string][]string),
	}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) Create(ctx context.Context, in Session) (Session, error) {
	const op = "session.InMemoryStore.Create"
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	if strings.TrimSpace(in.ID) == "" || strings.TrimSpace(in.Code) == "" || strings.TrimSpace(in.HostDeviceRef) == "" {
		return Session{}, opErr(op, ErrInvalidInput, "id, code and host_device_ref are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[in.ID]; ok {
		return Session{}, opErr(op, ErrInvalidInput, "duplicate id")
	}
	for _, id := range s.byCode[in.Code] {
		if s.byID[id].Active {
			return Session{}, opErr(op, ErrCodeConflict, "")
		}
	}

	in.Active = true
	s.byID[in.ID] = clone(in)
	s.byCode[in.Code] = append(s.byCode[in.Code], in.ID)
	return clone(in), nil
}

func (s *InMemoryStore) GetByCode(ctx context.Context, code string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byCode[code]
	if len(ids) == 0 {
		return Session{}, opErr("session.InMemoryStore.GetByCode", ErrNotFound, "")
	}
	for i := len(ids) - 1; i >= 0; i-- {
		if row := s.byID[ids[i]]; row.Active {
			return clone(row), nil
		}
	}
	return clone(s.byID[ids[len(ids)-1]]), nil
}

func (s *InMemoryStore) GetByID(ctx context.Context, id string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byID[id]
	if !ok {
		return Session{}, opErr("session.InMemoryStore.GetByID", ErrNotFound, "")
	}
	return clone(row), nil
}

func (s *InMemoryStore) ClaimClient(ctx context.Context, in ClaimRecord) (Session, error) {
	const op = "session.InMemoryStore.ClaimClient"
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	if strings.TrimSpace(in.SessionID) == "" || strings.TrimSpace(in.DeviceRef) == "" {
		return Session{}, opErr(op, ErrInvalidInput, "")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byID[in.SessionID]
	switch {
	case !ok:
		return Session{}, opErr(op, ErrNotFound, "")
	case !row.Active:
		return Session{}, opErr(op, ErrInactive, "")
	case row.ExpiredAt(now):
		return Session{}, opErr(op, ErrExpired, "")
	case row.ClientDeviceRef != "" && row.ClientDeviceRef != in.DeviceRef:
		return Session{}, opErr(op, ErrAlreadyClaimed, "")
	}

	if row.ClientDeviceRef == "" {
		row.ClientDeviceRef = in.DeviceRef
		t := now
		row.ClaimedAt = &t
		s.byID[row.ID] = row
	}
	return clone(row), nil
}

func (s *InMemoryStore) Deactivate(ctx context.Context, id string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byID[id]
	if !ok {
		return false, opErr("session.InMemoryStore.Deactivate", ErrNotFound, "")
	}
	if !row.Active {
		return false, nil
	}
	row.Active = false
	t := now
	row.EndedAt = &t
	s.byID[id] = row
	return true, nil
}

func clone(s Session) Session {
	s.AllowedApps = append([]string(nil), s.AllowedApps...)
	s.AllowedPaths = append([]string(nil), s.AllowedPaths...)
	if s.ClaimedAt != nil {
		t := *s.ClaimedAt
		s.ClaimedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		s.EndedAt = &t
	}
	return s
}
