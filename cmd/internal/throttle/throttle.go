// Package throttle implements caller-side join throttling.
//
// The PIN space is 10,000 values, so repeated failed joins against one code
// must slow down. After MaxFailures consecutive failures every further
// attempt waits Base·2^(n-MaxFailures), capped at Max. A success resets the
// counter. State lives in a TTL cache so idle keys age out.
package throttle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// ErrThrottled is the sentinel for a throttled attempt.
var ErrThrottled = errors.New("throttled")

// RetryError carries how long the caller must wait before the next attempt.
type RetryError struct {
	Key        string
	RetryAfter time.Duration
}

func (e RetryError) Error() string {
	if e.RetryAfter <= 0 {
		return ErrThrottled.Error()
	}
	return fmt.Sprintf("%s: retry after %s", ErrThrottled.Error(), e.RetryAfter)
}

func (e RetryError) Unwrap() error { return ErrThrottled }

type attempts struct {
	failures int
	inflight int
	until    time.Time
}

// JoinThrottle tracks failed join attempts per key (normally the session code).
type JoinThrottle struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	cache   *ttlcache.Cache[string, attempts]
	started bool
}

// Option configures a JoinThrottle.
type Option func(*JoinThrottle)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(t *JoinThrottle) {
		if now != nil {
			t.now = now
		}
	}
}

// New constructs a JoinThrottle. Expired entries are dropped lazily on read;
// Start adds a background sweep.
func New(cfg Config, opts ...Option) *JoinThrottle {
	cfg = cfg.normalized()
	t := &JoinThrottle{
		cfg: cfg,
		now: time.Now,
		cache: ttlcache.New[string, attempts](
			ttlcache.WithTTL[string, attempts](cfg.Window),
			ttlcache.WithDisableTouchOnHit[string, attempts](),
		),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Start launches the cache's expiry sweep in a goroutine.
func (t *JoinThrottle) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	go t.cache.Start()
}

// Stop ends the expiry sweep. It is a no-op if Start was never called.
func (t *JoinThrottle) Stop() {
	t.mu.Lock()
	started := t.started
	t.started = false
	t.mu.Unlock()
	if started {
		t.cache.Stop()
	}
}

// Check returns a RetryError if key would not admit an attempt now.
func (t *JoinThrottle) Check(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if wait, ok := t.admitLocked(t.getLocked(key)); !ok {
		return RetryError{Key: key, RetryAfter: wait}
	}
	return nil
}

// Begin reserves one attempt on every key, or none if any key refuses.
// Attempts in flight count against the failure budget, so concurrent
// guesses cannot all slip in before the first failure is recorded. The
// returned Attempt must be settled with Fail, Succeed or Release.
func (t *JoinThrottle) Begin(keys ...string) (*Attempt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, k := range keys {
		if wait, ok := t.admitLocked(t.getLocked(k)); !ok {
			return nil, RetryError{Key: k, RetryAfter: wait}
		}
	}
	for _, k := range keys {
		a := t.getLocked(k)
		a.inflight++
		t.cache.Set(k, a, t.cfg.Window)
	}
	return &Attempt{t: t, keys: append([]string(nil), keys...)}, nil
}

// admitLocked decides whether one more attempt may start. Below the
// threshold, recorded failures plus attempts in flight must stay under
// MaxFailures; past it, attempts run one at a time once the backoff ends.
func (t *JoinThrottle) admitLocked(a attempts) (time.Duration, bool) {
	if wait := a.until.Sub(t.now()); wait > 0 {
		return wait, false
	}
	if a.failures+a.inflight < t.cfg.MaxFailures || a.inflight == 0 {
		return 0, true
	}
	return t.cfg.Backoff(a.failures + a.inflight), false
}

func (t *JoinThrottle) getLocked(key string) attempts {
	if item := t.cache.Get(key); item != nil {
		return item.Value()
	}
	return attempts{}
}

func (t *JoinThrottle) failLocked(key string) time.Duration {
	a := t.getLocked(key)
	a.failures++

	wait := t.cfg.Backoff(a.failures)
	ttl := t.cfg.Window
	if wait > 0 {
		a.until = t.now().Add(wait)
		if wait > ttl {
			ttl = wait
		}
	}
	t.cache.Set(key, a, ttl)
	return wait
}

func (t *JoinThrottle) releaseLocked(key string) {
	item := t.cache.Get(key)
	if item == nil {
		return
	}
	a := item.Value()
	if a.inflight > 0 {
		a.inflight--
	}
	if a.failures == 0 && a.inflight == 0 {
		t.cache.Delete(key)
		return
	}
	t.cache.Set(key, a, max(t.cfg.Window, a.until.Sub(t.now())))
}

// Fail records a failed attempt and returns the backoff now in force
// (zero while under the threshold).
func (t *JoinThrottle) Fail(key string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failLocked(key)
}

// Succeed clears the failure history for key.
func (t *JoinThrottle) Succeed(key string) {
	t.mu.Lock()
	t.cache.Delete(key)
	t.mu.Unlock()
}

// Attempt is a reservation made by Begin.
type Attempt struct {
	t    *JoinThrottle
	keys []string
	once sync.Once
}

// Fail records a failure on keys (every reserved key when none are given)
// and releases the reservation.
func (a *Attempt) Fail(keys ...string) {
	a.once.Do(func() {
		if len(keys) == 0 {
			keys = a.keys
		}
		a.t.mu.Lock()
		defer a.t.mu.Unlock()
		for _, k := range a.keys {
			a.t.releaseLocked(k)
		}
		for _, k := range keys {
			a.t.failLocked(k)
		}
	})
}

// Succeed clears the history of every reserved key.
func (a *Attempt) Succeed() {
	a.once.Do(func() {
		a.t.mu.Lock()
		defer a.t.mu.Unlock()
		for _, k := range a.keys {
			a.t.cache.Delete(k)
		}
	})
}

// Release gives the reservation back without recording an outcome.
func (a *Attempt) Release() {
	a.once.Do(func() {
		a.t.mu.Lock()
		defer a.t.mu.Unlock()
		for _, k := range a.keys {
			a.t.releaseLocked(k)
		}
	})
}

// Failures reports the recorded consecutive failures for key.
func (t *JoinThrottle) Failures(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if item := t.cache.Get(key); item != nil {
		return item.Value().failures
	}
	return 0
}
