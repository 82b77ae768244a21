package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"remotedesk/cmd/internal/access"
	"remotedesk/cmd/internal/credential"
	"remotedesk/cmd/internal/ids"
	"remotedesk/cmd/security/pin"
)

// Service implements session creation, join authentication and teardown.
//
// The Store is the source of truth for the claim (a single conditional update);
// the Lifecycle owns the in-process state machine for each session. Terminal
// transitions are written back to the Store through an OnTerminal hook.
type Service struct {
	cfg     Config
	store   Store
	life    *Lifecycle
	gen     credential.Generator
	pins    pin.Config
	log     *slog.Logger
	metrics *Metrics
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithGenerator overrides the credential source (tests).
func WithGenerator(g credential.Generator) ServiceOption {
	return func(s *Service) { s.gen = g }
}

// WithPINConfig sets the argon2id parameters used for PIN hashes.
func WithPINConfig(c pin.Config) ServiceOption {
	return func(s *Service) { s.pins = c }
}

// WithServiceMetrics attaches join/create counters.
func WithServiceMetrics(m *Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// CreateInput is the host's request for a new session.
type CreateInput struct {
	HostDeviceRef string
	AccessLevel   access.Level
	AllowedApps   []string
	AllowedPaths  []string

	// TTL overrides Config.TTL when positive; it may not exceed Config.MaxTTL.
	TTL time.Duration
}

// NewService wires a Service to its store and lifecycle.
func NewService(cfg Config, store Store, life *Lifecycle, log *slog.Logger, opts ...ServiceOption) *Service {
	if log == nil {
		log = life.log
	}
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxTTL < cfg.TTL {
		cfg.MaxTTL = cfg.TTL
	}
	if cfg.MaxCreateAttempts <= 0 {
		cfg.MaxCreateAttempts = def.MaxCreateAttempts
	}

	s := &Service{
		cfg:   cfg,
		store: store,
		life:  life,
		pins:  pin.DefaultConfig(),
		log:   log,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	life.OnTerminal(s.persistTerminal)
	return s
}

// Lifecycle returns the lifecycle owned by this service.
func (s *Service) Lifecycle() *Lifecycle { return s.life }

// Create generates credentials, persists a new session and returns it with
// the clear-text PIN. A code collision with another active session is retried
// with fresh credentials up to Config.MaxCreateAttempts times.
func (s *Service) Create(ctx context.Context, in CreateInput) (Created, error) {
	const op = "session.Service.Create"

	in.HostDeviceRef = strings.TrimSpace(in.HostDeviceRef)
	if in.HostDeviceRef == "" {
		return Created{}, opErr(op, ErrInvalidInput, "host_device_ref is required")
	}
	level, err := access.ParseLevel(string(in.AccessLevel))
	if err != nil {
		return Created{}, opErr(op, ErrInvalidInput, err.Error())
	}
	ttl := s.cfg.TTL
	switch {
	case in.TTL < 0:
		return Created{}, opErr(op, ErrInvalidInput, "ttl must be positive")
	case in.TTL > s.cfg.MaxTTL:
		return Created{}, opErr(op, ErrInvalidInput, "ttl exceeds maximum")
	case in.TTL > 0:
		ttl = in.TTL
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Created{}, err
		}

		creds, err := s.gen.Generate()
		if err != nil {
			return Created{}, err
		}
		hash, err := s.pins.Hash(creds.PIN)
		if err != nil {
			return Created{}, err
		}
		now := s.life.now()
		id, err := ids.NewULID(now)
		if err != nil {
			return Created{}, err
		}

		row := Session{
			ID:            id,
			Code:          creds.Code,
			PINHash:       hash,
			HostDeviceRef: in.HostDeviceRef,
			AccessLevel:   level,
			AllowedApps:   dedupe(in.AllowedApps),
			AllowedPaths:  dedupe(in.AllowedPaths),
			Active:        true,
			CreatedAt:     now,
			ExpiresAt:     now.Add(ttl),
		}

		h := s.life.open(row)
		saved, err := s.store.Create(ctx, row)
		if err != nil {
			s.life.discard(h)
			if errors.Is(err, ErrCodeConflict) && attempt < s.cfg.MaxCreateAttempts {
				s.log.Warn("session.create.code_conflict", "attempt", attempt)
				continue
			}
			return Created{}, err
		}
		if err := h.Persisted(); err != nil {
			return Created{}, err
		}

		s.metrics.observeCreate()
		s.log.Info("session.create",
			"session_id", saved.ID,
			"host_device_ref", saved.HostDeviceRef,
			"access_level", saved.AccessLevel,
			"expires_at", saved.ExpiresAt,
		)
		return Created{Session: saved, PIN: creds.PIN, Handle: h}, nil
	}
}

// Authenticate validates (code, pin) and binds deviceRef as the session's
// client. Failures are checked in order: NotFound, Inactive, Expired (which
// also deactivates the session), InvalidPIN, AlreadyClaimed. The bind itself
// is a compare-and-set in the store; a losing concurrent joiner observes
// ErrAlreadyClaimed. Re-joining from the bound device succeeds.
//
// Authenticate does not throttle; callers must (see package throttle).
func (s *Service) Authenticate(ctx context.Context, code, pinValue, deviceRef string) (Session, error) {
	out, err := s.authenticate(ctx, code, pinValue, deviceRef)
	s.metrics.observeJoin(err)
	return out, err
}

func (s *Service) authenticate(ctx context.Context, code, pinValue, deviceRef string) (Session, error) {
	const op = "session.Service.Authenticate"

	code = credential.NormalizeCode(code)
	deviceRef = strings.TrimSpace(deviceRef)
	if !credential.ValidCode(code) {
		return Session{}, opErr(op, ErrInvalidInput, "malformed code")
	}
	if deviceRef == "" {
		return Session{}, opErr(op, ErrInvalidInput, "client_device_ref is required")
	}

	row, err := s.store.GetByCode(ctx, code)
	if err != nil {
		return Session{}, err
	}
	now := s.life.now()

	// Expiry wins over inactive so repeated joins keep reporting Expired.
	switch {
	case row.ExpiredAt(now):
		if row.Active {
			if _, err := s.store.Deactivate(ctx, row.ID, now); err != nil {
				s.log.Error("session.deactivate.fail", "session_id", row.ID, "err", err)
			}
			row.Active = false
			row.EndedAt = &now
		}
		s.life.Attach(row).Expire()
		return Session{}, opErr(op, ErrExpired, "")
	case !row.Active:
		return Session{}, opErr(op, ErrInactive, "")
	}

	ok, err := s.pins.Verify(row.PINHash, pinValue)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, opErr(op, ErrInvalidPIN, "")
	}

	if row.Claimed() && row.ClientDeviceRef != deviceRef {
		return Session{}, opErr(op, ErrAlreadyClaimed, "")
	}

	claimed, err := s.store.ClaimClient(ctx, ClaimRecord{SessionID: row.ID, DeviceRef: deviceRef, Now: now})
	if err != nil {
		if errors.Is(err, ErrExpired) {
			s.life.Attach(row).Expire()
		}
		return Session{}, err
	}

	h := s.life.Attach(claimed)
	if err := h.ClientJoined(); err != nil {
		if errors.Is(err, ErrSessionEnded) {
			if h.State() == StateExpired {
				return Session{}, opErr(op, ErrExpired, "")
			}
			return Session{}, opErr(op, ErrInactive, "")
		}
		return Session{}, err
	}

	s.log.Info("session.join",
		"session_id", claimed.ID,
		"client_device_ref", claimed.ClientDeviceRef,
	)
	return claimed, nil
}

// Get returns the stored session and its lifecycle state, applying expiry
// lazily: a session observed past its expiry is deactivated and reported as
// StateExpired on this and every later read.
func (s *Service) Get(ctx context.Context, id string) (Session, State, error) {
	row, err := s.store.GetByID(ctx, id)
	if err != nil {
		return Session{}, "", err
	}

	h := s.life.Attach(row)
	if !row.Active && !h.State().Terminal() {
		// Ended elsewhere (another instance or a direct store update).
		if row.EndedByExpiry() {
			h.Expire()
		} else {
			h.End(ReasonHostEnded)
		}
	}

	st := h.State()
	if st.Terminal() && row.Active {
		now := s.life.now()
		if _, err := s.store.Deactivate(ctx, row.ID, now); err != nil {
			return Session{}, "", err
		}
		row.Active = false
		row.EndedAt = &now
	}
	return row, st, nil
}

// Handle returns the lifecycle handle for a stored session.
func (s *Service) Handle(ctx context.Context, id string) (*Handle, error) {
	if h, ok := s.life.Handle(id); ok {
		return h, nil
	}
	row, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.life.Attach(row), nil
}

// End deactivates the session and moves its handle to Ended. It succeeds for
// sessions that are already ended or expired; only an unknown id is an error.
func (s *Service) End(ctx context.Context, id, reason string) error {
	row, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = ReasonHostEnded
	}

	s.life.Attach(row).End(reason)
	if _, err := s.store.Deactivate(ctx, row.ID, s.life.now()); err != nil {
		return err
	}
	return nil
}

// persistTerminal writes a terminal transition back to the store.
func (s *Service) persistTerminal(h *Handle, c StateChange) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.store.Deactivate(ctx, h.ID(), c.At); err != nil {
		s.log.Error("session.deactivate.fail",
			"session_id", h.ID(),
			"to", c.To,
			"err", err,
		)
	}
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
