package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the dialer process needs.
// Values come from env (optionally seeded from a .env file); nothing else
// in the module reads environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Dialer    DialerConfig
	Telephony TelephonyConfig
	AMQP      AMQPConfig
}

type AppConfig struct {
	Env  string
	Port int
	// LogFile enables a rotating file sink next to stdout.
	LogFile string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	// SSLMode: disable, require, verify-ca, verify-full.
	SSLMode      string
	MaxOpenConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// DialerConfig tunes the background loops and dispatcher timings.
// Zero values are replaced by defaults in Validate.
type DialerConfig struct {
	DispatchInterval   time.Duration
	PacingInterval     time.Duration
	ActiveCallWindow   time.Duration
	StaleCallAfter     time.Duration
	StaleTransferAfter time.Duration
	PlacementBackoff   time.Duration
	TransientCooldown  time.Duration
	SettingsCacheTTL   time.Duration
	LearningWindow     time.Duration
	// Autostart starts the dispatch and pacing loops on boot.
	Autostart bool
}

type TelephonyConfig struct {
	BaseURL           string
	APIKey            string
	DefaultFrom       string
	StatusCallbackURL string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// AMQPConfig is optional; an empty URL disables event publishing.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// envReader reads typed variables and collects every parse failure.
type envReader struct {
	errs []error
}

func (r *envReader) str(key string) string { return strings.TrimSpace(os.Getenv(key)) }

// secret is not trimmed; whitespace may be part of it.
func (r *envReader) secret(key string) string { return os.Getenv(key) }

func (r *envReader) int(key string) int {
	v := r.str(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n
}

func (r *envReader) duration(key string) time.Duration {
	v := r.str(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s must be a duration like 15s or 3m, got %q", key, v))
	}
	return d
}

func (r *envReader) bool(key string) bool {
	v := r.str(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
	}
	return b
}

func (r *envReader) float(key string) float64 {
	v := r.str(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s must be a number, got %q", key, v))
	}
	return f
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real env vars win.
func Load() (Config, error) {
	_ = godotenv.Load()

	var r envReader
	c := Config{
		App: AppConfig{
			Env:     r.str("APP_ENV"),
			Port:    r.int("APP_PORT"),
			LogFile: r.str("LOG_FILE"),
		},
		DB: DBConfig{
			Host:         r.str("DB_HOST"),
			Port:         r.int("DB_PORT"),
			User:         r.str("DB_USER"),
			Password:     r.secret("DB_PASSWORD"),
			Name:         r.str("DB_NAME"),
			SSLMode:      r.str("DB_SSLMODE"),
			MaxOpenConns: r.int("DB_MAX_OPEN_CONNS"),
		},
		Redis: RedisConfig{
			Host:     r.str("REDIS_HOST"),
			Port:     r.int("REDIS_PORT"),
			Password: r.secret("REDIS_PASSWORD"),
		},
		Auth: AuthConfig{
			JWTSecret:       r.secret("JWT_SECRET"),
			JWTIssuer:       r.str("JWT_ISSUER"),
			JWTAudience:     r.str("JWT_AUDIENCE"),
			AccessTokenTTL:  r.duration("JWT_ACCESS_TTL"),
			RefreshTokenTTL: r.duration("JWT_REFRESH_TTL"),
		},
		Dialer: DialerConfig{
			DispatchInterval:   r.duration("DISPATCH_INTERVAL"),
			PacingInterval:     r.duration("PACING_INTERVAL"),
			ActiveCallWindow:   r.duration("ACTIVE_CALL_WINDOW"),
			StaleCallAfter:     r.duration("STALE_CALL_AFTER"),
			StaleTransferAfter: r.duration("STALE_TRANSFER_AFTER"),
			PlacementBackoff:   r.duration("PLACEMENT_BACKOFF"),
			TransientCooldown:  r.duration("TRANSIENT_COOLDOWN"),
			SettingsCacheTTL:   r.duration("SETTINGS_CACHE_TTL"),
			LearningWindow:     r.duration("LEARNING_WINDOW"),
			Autostart:          r.bool("DIALER_AUTOSTART"),
		},
		Telephony: TelephonyConfig{
			BaseURL:           r.str("TELEPHONY_BASE_URL"),
			APIKey:            r.secret("TELEPHONY_API_KEY"),
			DefaultFrom:       r.str("TELEPHONY_DEFAULT_FROM"),
			StatusCallbackURL: r.str("TELEPHONY_STATUS_CALLBACK_URL"),
			RequestsPerSecond: r.float("TELEPHONY_RPS"),
			Timeout:           r.duration("TELEPHONY_TIMEOUT"),
		},
		AMQP: AMQPConfig{
			URL:      r.str("AMQP_URL"),
			Exchange: r.str("AMQP_EXCHANGE"),
		},
	}

	if err := joinErrors(r.errs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate applies defaults in place and reports every invalid value.
func (c *Config) Validate() error {
	var errs []error
	require := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	prod := c.IsProduction()

	require(c.App.Env != "", "APP_ENV is required")
	require(c.App.Env == "" || isValidEnv(c.App.Env), "APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env)
	require(validPort(c.App.Port), "APP_PORT must be a valid port, got %d", c.App.Port)

	require(c.DB.Host != "", "DB_HOST is required")
	require(validPort(c.DB.Port), "DB_PORT must be a valid port, got %d", c.DB.Port)
	require(c.DB.User != "", "DB_USER is required")
	require(c.DB.Name != "", "DB_NAME is required")
	if c.DB.SSLMode == "" && !prod {
		c.DB.SSLMode = "disable"
	}
	require(c.DB.SSLMode != "", "DB_SSLMODE is required in production")
	require(c.DB.SSLMode == "" || isValidSSLMode(c.DB.SSLMode), "DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode)
	require(c.DB.MaxOpenConns >= 0, "DB_MAX_OPEN_CONNS must not be negative")

	require(c.Redis.Host != "", "REDIS_HOST is required")
	require(validPort(c.Redis.Port), "REDIS_PORT must be a valid port, got %d", c.Redis.Port)

	require(c.Auth.JWTSecret != "", "JWT_SECRET is required")
	require(!prod || c.Auth.JWTIssuer != "", "JWT_ISSUER is required in production")
	require(!prod || c.Auth.JWTAudience != "", "JWT_AUDIENCE is required in production")
	setDefault(&c.Auth.AccessTokenTTL, 15*time.Minute)
	setDefault(&c.Auth.RefreshTokenTTL, 30*24*time.Hour)
	require(c.Auth.RefreshTokenTTL > c.Auth.AccessTokenTTL, "JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL")

	c.Dialer.applyDefaults()
	require(c.Dialer.StaleCallAfter > c.Dialer.ActiveCallWindow, "STALE_CALL_AFTER must be greater than ACTIVE_CALL_WINDOW")

	require(c.Telephony.RequestsPerSecond >= 0, "TELEPHONY_RPS must not be negative, got %v", c.Telephony.RequestsPerSecond)
	require(!prod || c.Telephony.BaseURL != "", "TELEPHONY_BASE_URL is required in production")

	if c.AMQP.URL != "" && c.AMQP.Exchange == "" {
		c.AMQP.Exchange = "dialer.events"
	}

	return joinErrors(errs)
}

func (d *DialerConfig) applyDefaults() {
	setDefault(&d.DispatchInterval, 15*time.Second)
	setDefault(&d.PacingInterval, 3*time.Minute)
	setDefault(&d.ActiveCallWindow, 5*time.Minute)
	setDefault(&d.StaleCallAfter, 30*time.Minute)
	setDefault(&d.StaleTransferAfter, 30*time.Minute)
	setDefault(&d.PlacementBackoff, 2*time.Minute)
	setDefault(&d.TransientCooldown, 60*time.Second)
	setDefault(&d.SettingsCacheTTL, 5*time.Minute)
	setDefault(&d.LearningWindow, 30*24*time.Hour)
}

func setDefault(d *time.Duration, v time.Duration) {
	if *d <= 0 {
		*d = v
	}
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// PostgresDSN contains the DB password; never log it.
func (c Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	}
	return false
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	}
	return false
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:")
	for _, e := range errs {
		b.WriteString("\n- ")
		b.WriteString(e.Error())
	}
	return errors.New(b.String())
}
