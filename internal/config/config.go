// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Rate-limit failure modes accepted by RATE_LIMIT_FAILURE_MODE.
const (
	FailOpen   = "fail_open"
	FailClosed = "fail_closed"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the gRPC server listens on (e.g. :9090). Empty disables gRPC.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN; empty selects in-memory session and attempt stores (development only).
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// DBMaxOpenConns and DBMaxIdleConns size the database/sql pool.
	DBMaxOpenConns int `mapstructure:"DB_MAX_OPEN_CONNS"`
	DBMaxIdleConns int `mapstructure:"DB_MAX_IDLE_CONNS"`
	// TierKeyPrefix is the Redis key prefix under which billing publishes user tiers.
	TierKeyPrefix string `mapstructure:"TIER_KEY_PREFIX"`
	// RedisURL selects the Redis counter store (e.g. redis://localhost:6379/0); empty keeps counters in process.
	RedisURL string `mapstructure:"REDIS_URL"`

	// JWTAccessSecret is the HMAC secret for access tokens. Required by the server; must differ from JWTRefreshSecret.
	JWTAccessSecret string `mapstructure:"JWT_ACCESS_SECRET"`
	// JWTRefreshSecret is the HMAC secret for refresh tokens.
	JWTRefreshSecret string `mapstructure:"JWT_REFRESH_SECRET"`
	// JWTIssuer is the iss claim set on and required from every token.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token lifetime and the session lifetime (e.g. "168h").
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`
	// StrictRevocation makes every authenticated request confirm the session is still active.
	StrictRevocation bool `mapstructure:"STRICT_REVOCATION"`

	// RateLimitFailureMode is fail_open (default) or fail_closed; applied when a counter or ledger store errors.
	RateLimitFailureMode string `mapstructure:"RATE_LIMIT_FAILURE_MODE"`
	// RateLimitTableFile is an optional YAML file overriding the built-in {action, tier} table.
	RateLimitTableFile string `mapstructure:"RATE_LIMIT_TABLE_FILE"`
	// RateLimitPolicyFile is an optional Rego file with per-customer overrides (package ratelimit).
	RateLimitPolicyFile string `mapstructure:"RATE_LIMIT_POLICY_FILE"`
	// CredentialsVerifyURL is the upstream account-service endpoint that checks email/password on login.
	// Empty disables POST /v1/auth/login.
	CredentialsVerifyURL     string `mapstructure:"CREDENTIALS_VERIFY_URL"`
	CredentialsVerifyTimeout string `mapstructure:"CREDENTIALS_VERIFY_TIMEOUT"`
	// IPRateLimit is the flat per-IP limit applied next to every identity-scoped check.
	IPRateLimit int `mapstructure:"IP_RATE_LIMIT"`
	// IPRateWindow is the window for IPRateLimit (e.g. "1h").
	IPRateWindow string `mapstructure:"IP_RATE_WINDOW"`
	// LoginIPLimit is the number of ledger attempts allowed per IP in LoginIPWindow.
	LoginIPLimit int `mapstructure:"LOGIN_IP_LIMIT"`
	// LoginIPWindow is the ledger lookback for login/signup/password-reset checks (e.g. "15m").
	LoginIPWindow string `mapstructure:"LOGIN_IP_WINDOW"`
	// StoreTimeout bounds a single counter or ledger call; a timeout takes the failure-mode path.
	StoreTimeout string `mapstructure:"STORE_TIMEOUT"`

	// SessionIdleTimeout is how long a session may go without activity before the janitor deactivates it.
	SessionIdleTimeout string `mapstructure:"SESSION_IDLE_TIMEOUT"`
	// AttemptRetention is how long login attempts are kept before pruning.
	AttemptRetention string `mapstructure:"ATTEMPT_RETENTION"`
	// CounterEvictGrace is how long past its reset a counter window is kept before eviction.
	CounterEvictGrace string `mapstructure:"COUNTER_EVICT_GRACE"`
	// JanitorEnabled runs the sweeps inside the server process. Disable when cmd/janitor runs separately.
	JanitorEnabled        bool   `mapstructure:"JANITOR_ENABLED"`
	JanitorExpireInterval string `mapstructure:"JANITOR_EXPIRE_INTERVAL"`
	JanitorIdleInterval   string `mapstructure:"JANITOR_IDLE_INTERVAL"`
	JanitorPruneInterval  string `mapstructure:"JANITOR_PRUNE_INTERVAL"`
	JanitorEvictInterval  string `mapstructure:"JANITOR_EVICT_INTERVAL"`

	// LogLevel is the zerolog level (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is console or json; empty picks by environment.
	LogFormat string `mapstructure:"LOG_FORMAT"`
	// LogFile optionally mirrors logs to a rotated file.
	LogFile string `mapstructure:"LOG_FILE"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// OTLPEndpoint is the OTLP gRPC collector; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext to the collector even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// LokiURL, when set, also pushes security events to Loki (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_MAX_OPEN_CONNS", 20)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("TIER_KEY_PREFIX", "tier:")
	v.SetDefault("JWT_ACCESS_SECRET", "")
	v.SetDefault("JWT_REFRESH_SECRET", "")
	v.SetDefault("JWT_ISSUER", "careerpilot-auth")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "168h") // 7d
	v.SetDefault("STRICT_REVOCATION", false)
	v.SetDefault("RATE_LIMIT_FAILURE_MODE", FailOpen)
	v.SetDefault("RATE_LIMIT_TABLE_FILE", "")
	v.SetDefault("RATE_LIMIT_POLICY_FILE", "")
	v.SetDefault("CREDENTIALS_VERIFY_URL", "")
	v.SetDefault("CREDENTIALS_VERIFY_TIMEOUT", "2s")
	v.SetDefault("IP_RATE_LIMIT", 100)
	v.SetDefault("IP_RATE_WINDOW", "1h")
	v.SetDefault("LOGIN_IP_LIMIT", 5)
	v.SetDefault("LOGIN_IP_WINDOW", "15m")
	v.SetDefault("STORE_TIMEOUT", "2s")
	v.SetDefault("SESSION_IDLE_TIMEOUT", "30m")
	v.SetDefault("ATTEMPT_RETENTION", "720h") // 30d
	v.SetDefault("COUNTER_EVICT_GRACE", "1h")
	v.SetDefault("JANITOR_ENABLED", true)
	v.SetDefault("JANITOR_EXPIRE_INTERVAL", "5m")
	v.SetDefault("JANITOR_IDLE_INTERVAL", "1m")
	v.SetDefault("JANITOR_PRUNE_INTERVAL", "24h")
	v.SetDefault("JANITOR_EVICT_INTERVAL", "10m")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("LOKI_URL", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}

	cfg.RateLimitFailureMode = strings.ToLower(strings.TrimSpace(cfg.RateLimitFailureMode))
	if cfg.RateLimitFailureMode == "" {
		cfg.RateLimitFailureMode = FailOpen
	}
	if cfg.RateLimitFailureMode != FailOpen && cfg.RateLimitFailureMode != FailClosed {
		return nil, errors.New("config: RATE_LIMIT_FAILURE_MODE must be fail_open or fail_closed")
	}

	if cfg.IPRateLimit < -1 {
		return nil, errors.New("config: IP_RATE_LIMIT must be -1 (unlimited) or greater")
	}
	if cfg.LoginIPLimit < -1 {
		return nil, errors.New("config: LOGIN_IP_LIMIT must be -1 (unlimited) or greater")
	}

	if cfg.JWTAccessSecret != "" && cfg.JWTAccessSecret == cfg.JWTRefreshSecret {
		return nil, errors.New("config: JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}

	return &cfg, nil
}

// ValidateAuth reports whether the token secrets required to issue sessions are present.
// The migrate and janitor binaries do not need them, so Load does not enforce this.
func (c *Config) ValidateAuth() error {
	if c.JWTAccessSecret == "" || c.JWTRefreshSecret == "" {
		return errors.New("config: JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must be set")
	}
	if c.JWTAccessSecret == c.JWTRefreshSecret {
		return errors.New("config: JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}
	return nil
}

// FailClosedOnStoreError reports whether counter and ledger failures deny the request.
func (c *Config) FailClosedOnStoreError() bool {
	return c.RateLimitFailureMode == FailClosed
}

// AccessTTL parses JWTAccessTTL. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration { return parseDuration(c.JWTAccessTTL, 15*time.Minute) }

// RefreshTTL parses JWTRefreshTTL. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration { return parseDuration(c.JWTRefreshTTL, 168*time.Hour) }

// IPWindow parses IPRateWindow. Returns 1h if unset or invalid.
func (c *Config) IPWindow() time.Duration { return parseDuration(c.IPRateWindow, time.Hour) }

// LoginWindow parses LoginIPWindow. Returns 15m if unset or invalid.
func (c *Config) LoginWindow() time.Duration { return parseDuration(c.LoginIPWindow, 15*time.Minute) }

// StoreCallTimeout parses StoreTimeout. Returns 2s if unset or invalid.
func (c *Config) StoreCallTimeout() time.Duration { return parseDuration(c.StoreTimeout, 2*time.Second) }

// VerifyTimeout parses CredentialsVerifyTimeout. Returns 2s if unset or invalid.
func (c *Config) VerifyTimeout() time.Duration {
	return parseDuration(c.CredentialsVerifyTimeout, 2*time.Second)
}

// IdleTimeout parses SessionIdleTimeout. Returns 30m if unset or invalid.
func (c *Config) IdleTimeout() time.Duration { return parseDuration(c.SessionIdleTimeout, 30*time.Minute) }

// Retention parses AttemptRetention. Returns 720h if unset or invalid.
func (c *Config) Retention() time.Duration { return parseDuration(c.AttemptRetention, 720*time.Hour) }

// EvictGrace parses CounterEvictGrace. Returns 1h if unset or invalid.
func (c *Config) EvictGrace() time.Duration { return parseDuration(c.CounterEvictGrace, time.Hour) }

// JanitorIntervals holds the period of each janitor sweep.
type JanitorIntervals struct {
	Expire time.Duration
	Idle   time.Duration
	Prune  time.Duration
	Evict  time.Duration
}

// Intervals parses the JANITOR_*_INTERVAL settings, falling back to 5m, 1m, 24h and 10m.
func (c *Config) Intervals() JanitorIntervals {
	return JanitorIntervals{
		Expire: parseDuration(c.JanitorExpireInterval, 5*time.Minute),
		Idle:   parseDuration(c.JanitorIdleInterval, time.Minute),
		Prune:  parseDuration(c.JanitorPruneInterval, 24*time.Hour),
		Evict:  parseDuration(c.JanitorEvictInterval, 10*time.Minute),
	}
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
