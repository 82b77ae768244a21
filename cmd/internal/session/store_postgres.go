package session

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"remotedesk/cmd/internal/access"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Code uniqueness among active sessions is enforced by the partial unique
// index uq_sessions_active_code; ClaimClient is a conditional UPDATE.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "remotedesk").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("session: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("session: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "remotedesk"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("session: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const sessionCols = `id, code, pin_hash, host_device_ref, client_device_ref, access_level,
       allowed_apps, allowed_paths, active, created_at, expires_at, claimed_at, ended_at`

func (s *PostgresStore) Create(ctx context.Context, in Session) (Session, error) {
	const op = "session.PostgresStore.Create"
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	if strings.TrimSpace(in.ID) == "" || strings.TrimSpace(in.Code) == "" ||
		strings.TrimSpace(in.HostDeviceRef) == "" || strings.TrimSpace(in.PINHash) == "" {
		return Session{}, opErr(op, ErrInvalidInput, "id, code, pin_hash and host_device_ref are required")
	}

	sessions := pgIdent(s.schema, "sessions")
	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+sessions+` (
		     id, code, pin_hash, host_device_ref, access_level, allowed_apps, allowed_paths,
		     active, created_at, expires_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, true, $8, $9)
		RETURNING `+sessionCols,
		in.ID,
		in.Code,
		in.PINHash,
		in.HostDeviceRef,
		string(in.AccessLevel),
		nonNil(in.AllowedApps),
		nonNil(in.AllowedPaths),
		in.CreatedAt,
		in.ExpiresAt,
	)
	out, err := scanSession(row)
	if err != nil {
		if pgIsUniqueViolation(err, "uq_sessions_active_code") {
			return Session{}, opErr(op, ErrCodeConflict, "")
		}
		return Session{}, err
	}
	return out, nil
}

func (s *PostgresStore) GetByCode(ctx context.Context, code string) (Session, error) {
	const op = "session.PostgresStore.GetByCode"
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	sessions := pgIdent(s.schema, "sessions")
	out, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionCols+`
		   FROM `+sessions+`
		  WHERE code = $1
		  ORDER BY active DESC, created_at DESC
		  LIMIT 1`,
		code,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, opErr(op, ErrNotFound, "")
		}
		return Session{}, err
	}
	return out, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (Session, error) {
	const op = "session.PostgresStore.GetByID"
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	sessions := pgIdent(s.schema, "sessions")
	out, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM `+sessions+` WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, opErr(op, ErrNotFound, "")
		}
		return Session{}, err
	}
	return out, nil
}

func (s *PostgresStore) ClaimClient(ctx context.Context, in ClaimRecord) (Session, error) {
	const op = "session.PostgresStore.ClaimClient"
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	if strings.TrimSpace(in.SessionID) == "" || strings.TrimSpace(in.DeviceRef) == "" {
		return Session{}, opErr(op, ErrInvalidInput, "")
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	sessions := pgIdent(s.schema, "sessions")
	out, err := scanSession(s.pool.QueryRow(ctx,
		`UPDATE `+sessions+`
		    SET client_device_ref = $2,
		        claimed_at = COALESCE(claimed_at, $3)
		  WHERE id = $1
		    AND active
		    AND expires_at >= $3
		    AND (client_device_ref IS NULL OR client_device_ref = $2)
		RETURNING `+sessionCols,
		in.SessionID,
		in.DeviceRef,
		in.Now,
	))
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Session{}, err
	}

	// Distinguish why the conditional update lost.
	cur, selErr := s.GetByID(ctx, in.SessionID)
	if selErr != nil {
		return Session{}, selErr
	}
	switch {
	case !cur.Active:
		return Session{}, opErr(op, ErrInactive, "")
	case cur.ExpiredAt(in.Now):
		return Session{}, opErr(op, ErrExpired, "")
	default:
		return Session{}, opErr(op, ErrAlreadyClaimed, "")
	}
}

func (s *PostgresStore) Deactivate(ctx context.Context, id string, now time.Time) (bool, error) {
	const op = "session.PostgresStore.Deactivate"
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	sessions := pgIdent(s.schema, "sessions")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+sessions+` SET active = false, ended_at = $2 WHERE id = $1 AND active`,
		id,
		now,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	if _, err := s.GetByID(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, opErr(op, ErrNotFound, "")
		}
		return false, err
	}
	return false, nil
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		out    Session
		client *string
		level  string
	)
	err := row.Scan(
		&out.ID,
		&out.Code,
		&out.PINHash,
		&out.HostDeviceRef,
		&client,
		&level,
		&out.AllowedApps,
		&out.AllowedPaths,
		&out.Active,
		&out.CreatedAt,
		&out.ExpiresAt,
		&out.ClaimedAt,
		&out.EndedAt,
	)
	if err != nil {
		return Session{}, err
	}
	if client != nil {
		out.ClientDeviceRef = *client
	}
	out.AccessLevel = access.Level(level)
	return out, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func pgIsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && strings.EqualFold(pgErr.ConstraintName, constraint)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
