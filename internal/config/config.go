package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"splitlab/internal/apperr"
	"splitlab/internal/validate"
)

// Conversion counting modes.
const (
	CountFirstOnly   = "first_only"
	CountPerGoalType = "per_goal_type"
	CountUnlimited   = "unlimited"
)

// Config holds the core runtime configuration for the service.
// Values are sourced from environment variables (optionally via .env),
// with the defaults listed in Defaults.
type Config struct {
	AdminUser     string
	AdminPassword string

	// DatabaseURL selects the driver by scheme: postgres://, postgresql:// or sqlite://.
	DatabaseURL string `validate:"required"`

	ListenAddr string `validate:"required"`

	// APIKey is the bootstrap bearer token for server-to-server callers
	// (the rendering pipeline and the content repository). Empty disables bootstrap.
	APIKey string

	// CookieDays is the lifetime of visitor and assignment tokens.
	CookieDays int `validate:"min=1,max=365"`

	SignificanceThreshold float64 `validate:"min=0.80,max=0.99"`
	MinDetectableEffect   float64 `validate:"min=0.05,max=0.30"`

	// ConversionRateLimit is the number of conversion requests accepted per
	// client key inside one 60 second window.
	ConversionRateLimit int `validate:"min=1,max=100"`

	// RateLimitStore selects where windows live: "database" shares them across
	// processes, "memory" keeps them in this process only.
	RateLimitStore string `validate:"oneof=database memory"`

	CountingMode string `validate:"oneof=first_only per_goal_type unlimited"`

	// CascadeAsyncThreshold is the descendant count above which cascade
	// rebuilds are deferred to the background worker.
	CascadeAsyncThreshold int `validate:"min=1"`

	// TrackEndpoint is the URL injected into the tracking payload.
	TrackEndpoint string `validate:"required"`

	// TokenSecret signs tracking tokens. Empty disables token checks.
	TokenSecret string

	LogLevel string `validate:"oneof=trace debug info warn warning error fatal panic"`

	SweepInterval time.Duration `validate:"gt=0"`
}

// Defaults returns the configuration used when no environment is set.
func Defaults() *Config {
	return &Config{
		AdminUser:             "admin",
		AdminPassword:         "changeme",
		DatabaseURL:           "sqlite://splitlab.db",
		ListenAddr:            ":8080",
		CookieDays:            30,
		SignificanceThreshold: 0.95,
		MinDetectableEffect:   0.10,
		ConversionRateLimit:   10,
		RateLimitStore:        "database",
		CountingMode:          CountPerGoalType,
		CascadeAsyncThreshold: 50,
		TrackEndpoint:         "/v1/track/convert",
		LogLevel:              "info",
		SweepInterval:         time.Minute,
	}
}

// Load reads configuration from environment variables on top of Defaults
// and validates the result. Unparseable or out-of-range values are
// reported as apperr.Validation errors.
func Load() (*Config, error) {
	cfg := Defaults()

	cfg.AdminUser = getenv("APP_ADMIN_USER", cfg.AdminUser)
	cfg.AdminPassword = getenv("APP_ADMIN_PASSWORD", cfg.AdminPassword)
	cfg.DatabaseURL = getenv("APP_DATABASE_URL", cfg.DatabaseURL)
	cfg.ListenAddr = getenv("APP_LISTEN_ADDR", cfg.ListenAddr)
	cfg.APIKey = getenv("APP_API_KEY", "")
	cfg.CountingMode = getenv("APP_COUNTING_MODE", cfg.CountingMode)
	cfg.RateLimitStore = getenv("APP_RATE_LIMIT_STORE", cfg.RateLimitStore)
	cfg.TrackEndpoint = getenv("APP_TRACK_ENDPOINT", cfg.TrackEndpoint)
	cfg.TokenSecret = getenv("APP_TOKEN_SECRET", "")
	cfg.LogLevel = strings.ToLower(getenv("APP_LOG_LEVEL", cfg.LogLevel))

	var err error
	if cfg.CookieDays, err = getint("APP_COOKIE_DAYS", cfg.CookieDays); err != nil {
		return nil, err
	}
	if cfg.ConversionRateLimit, err = getint("APP_CONVERSION_RATE_LIMIT", cfg.ConversionRateLimit); err != nil {
		return nil, err
	}
	if cfg.CascadeAsyncThreshold, err = getint("APP_CASCADE_ASYNC_THRESHOLD", cfg.CascadeAsyncThreshold); err != nil {
		return nil, err
	}
	if cfg.SignificanceThreshold, err = getfloat("APP_SIGNIFICANCE_THRESHOLD", cfg.SignificanceThreshold); err != nil {
		return nil, err
	}
	if cfg.MinDetectableEffect, err = getfloat("APP_MIN_DETECTABLE_EFFECT", cfg.MinDetectableEffect); err != nil {
		return nil, err
	}
	if v := os.Getenv("APP_SWEEP_INTERVAL"); v != "" {
		d, perr := time.ParseDuration(v)
		if perr != nil {
			return nil, apperr.Validation.New("APP_SWEEP_INTERVAL: %v", perr)
		}
		cfg.SweepInterval = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field against its documented range.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	switch scheme(c.DatabaseURL) {
	case "postgres", "postgresql", "sqlite":
	default:
		return apperr.Validation.New("APP_DATABASE_URL must be a postgres://, postgresql:// or sqlite:// URL")
	}
	return nil
}

// CookieDuration is CookieDays as a time.Duration.
func (c *Config) CookieDuration() time.Duration {
	return time.Duration(c.CookieDays) * 24 * time.Hour
}

func scheme(url string) string {
	i := strings.Index(url, "://")
	if i <= 0 {
		return ""
	}
	return url[:i]
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.Validation.New("%s: %q is not an integer", key, v)
	}
	return n, nil
}

func getfloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, apperr.Validation.New("%s: %q is not a number", key, v)
	}
	return f, nil
}
