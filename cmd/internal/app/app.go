// Package app wires the remotedesk server runtime: config, logging, HTTP
// routes, session lifecycle and the signaling gateway.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"remotedesk/cmd/internal/api"
	"remotedesk/cmd/internal/db"
	"remotedesk/cmd/internal/session"
	"remotedesk/cmd/internal/signaling"
	"remotedesk/cmd/internal/throttle"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the server runtime: it owns the session lifecycle, the signaling
// gateway and HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	store     session.Store
	dbPool    *pgxpool.Pool
	dbEnabled bool

	life     *session.Lifecycle
	sessions *session.Service
	throttle *throttle.JoinThrottle

	ws  *signaling.WSGateway
	api *api.Handler

	registry    *prometheus.Registry
	httpMetrics *HTTPMetrics
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	pinCfg, err := ValidateSecurityConfig(cfg)
	if err != nil {
		return nil, err
	}
	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	thrCfg, err := throttle.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, pool, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	sessMetrics := session.NewMetrics(reg)
	life := session.NewLifecycle(log, sessCfg, session.WithMetrics(sessMetrics))
	svc := session.NewService(sessCfg, store, life, log,
		session.WithPINConfig(pinCfg),
		session.WithServiceMetrics(sessMetrics),
	)

	jt := throttle.New(thrCfg)
	handler, err := api.NewHandler(log, svc, jt, api.LoadConfigFromEnv())
	if err != nil {
		closeStore(store, pool)
		return nil, err
	}

	ws := signaling.NewWSGateway(log, svc, signaling.NewMetrics(reg), signaling.GatewayConfigFromEnv())

	return &App{
		cfg:         cfg,
		log:         log,
		store:       store,
		dbPool:      pool,
		dbEnabled:   pool != nil,
		life:        life,
		sessions:    svc,
		throttle:    jt,
		ws:          ws,
		api:         handler,
		registry:    reg,
		httpMetrics: NewHTTPMetrics(reg),
	}, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)

	var h http.Handler = mux
	h = WithMetrics(h, a.httpMetrics)
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	a.throttle.Start()
	defer a.throttle.Stop()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"api", base+"/v1/sessions",
		"signal", wsBaseURL(base)+"/ws/signal",
		"db_enabled", a.dbEnabled,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	// Ending every live session closes the signaling sockets, which the
	// HTTP server does not track after a hijack.
	a.life.Shutdown(session.ReasonShutdown)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	closeStore(a.store, a.dbPool)
	a.log.Info("server.stopped")
	return runErr
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore picks Postgres when a database URL is configured and the
// in-memory store otherwise. The app owns the pool; PostgresStore.Close is
// a no-op.
func newStore(ctx context.Context, cfg Config, log Logger) (session.Store, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return session.NewInMemoryStore(), nil, nil
	}

	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.DatabaseURL, db.Up); err != nil {
			return nil, nil, err
		}
		log.Info("db.migrate.done")
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	store, err := session.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	log.Info("db.enabled.postgres_store")
	return store, pool, nil
}

func closeStore(store session.Store, pool *pgxpool.Pool) {
	if store != nil {
		_ = store.Close()
	}
	if pool != nil {
		pool.Close()
	}
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL to ws(s). A bare host:port gets ws.
func wsBaseURL(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "ws://" + strings.TrimPrefix(base, "//")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}
