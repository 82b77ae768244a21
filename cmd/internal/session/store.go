package session

import (
	"context"
	"time"
)

// ClaimRecord binds a client device to a session.
type ClaimRecord struct {
	SessionID string
	DeviceRef string
	Now       time.Time
}

// Store is the persistence boundary for sessions.
//
// Contract:
//   - Create fails with ErrCodeConflict when another active session holds the code.
//   - GetByCode prefers the active session holding code, else the most recent one.
//   - ClaimClient is a single compare-and-set: it binds DeviceRef only when the
//     session is active, unexpired at Now and unclaimed (or already bound to the
//     same device). Losers get ErrAlreadyClaimed, ErrInactive or ErrExpired.
//   - Deactivate is idempotent and reports whether the row changed.
type Store interface {
	Create(ctx context.Context, s Session) (Session, error)
	GetByCode(ctx context.Context, code string) (Session, error)
	GetByID(ctx context.Context, id string) (Session, error)
	ClaimClient(ctx context.Context, in ClaimRecord) (Session, error)
	Deactivate(ctx context.Context, id string, now time.Time) (bool, error)
	Close() error
}
