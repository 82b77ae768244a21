package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// MigrateOnStart applies embedded migrations before serving.
	MigrateOnStart bool

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// CORS for the session API. Entries may use a wildcard port
	// ("http://127.0.0.1:*").
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// MetricsEnabled serves /metrics.
	MetricsEnabled bool

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("REMOTEDESK_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("REMOTEDESK_LOG_LEVEL", "info"),
		LogFormat: EnvString("REMOTEDESK_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("REMOTEDESK_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("REMOTEDESK_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("REMOTEDESK_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("REMOTEDESK_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("REMOTEDESK_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("REMOTEDESK_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("REMOTEDESK_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("REMOTEDESK_DB_MIN_CONNS", 0),

		MigrateOnStart:     EnvBool("REMOTEDESK_MIGRATE_ON_START", false),
		ReadinessRequireDB: EnvBool("REMOTEDESK_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins:   EnvCSV("REMOTEDESK_CORS_ALLOWED_ORIGINS"),
		CORSAllowCredentials: EnvBool("REMOTEDESK_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("REMOTEDESK_CORS_MAX_AGE", 600),

		MetricsEnabled:  EnvBool("REMOTEDESK_METRICS_ENABLED", true),
		ShutdownTimeout: EnvDuration("REMOTEDESK_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}
