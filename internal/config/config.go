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

// Config holds all configuration required by the API process.
// All values must come from env (or a .env file in the working directory).
// No business logic should depend on raw environment variables.
type Config struct {
	App    AppConfig
	DB     DBConfig
	Redis  RedisConfig
	Auth   AuthConfig
	Twilio TwilioConfig
	Dialer DialerConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// Pool sizing. Zero leaves the pool default in place.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string

	// PublicBaseURL is where Twilio reaches our webhooks, e.g. https://dialer.example.com.
	PublicBaseURL string
	APIBaseURL    string
	HTTPTimeout   time.Duration

	ValidateSignature bool
}

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	GatewaySandbox = "sandbox"
	GatewayTwilio  = "twilio"

	LimiterAtomic = "atomic"
	LimiterRedis  = "redis"
)

type DialerConfig struct {
	Store   string
	Gateway string
	Limiter string

	CallerID           string
	MaxConcurrentCalls int

	PlaceTimeout       time.Duration
	BackoffInterval    time.Duration
	MaxDispatchRetries int
	StuckCallTimeout   time.Duration
	SweepInterval      time.Duration
	IdlePollInterval   time.Duration
	EventShards        int

	Pacing         string
	DialsPerMinute float64

	DispositionCategories  []string
	NonConnectedCategories []string
}

func Load() (Config, error) {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	c := Config{}
	var parseErrs []error
	intVar := func(dst *int, key string, required bool) {
		n, err := envInt(key, required)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		*dst = n
	}
	durVar := func(dst *time.Duration, key string) {
		d, err := envDuration(key)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		*dst = d
	}
	boolVar := func(dst *bool, key string, def bool) {
		b, err := envBool(key, def)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		*dst = b
	}

	c.App.Env = env("APP_ENV")
	intVar(&c.App.Port, "APP_PORT", true)

	c.Dialer.Store = strings.ToLower(env("DIALER_STORE"))

	c.DB.Host = env("DB_HOST")
	intVar(&c.DB.Port, "DB_PORT", false)
	c.DB.User = env("DB_USER")
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = env("DB_NAME")
	c.DB.SSLMode = env("DB_SSLMODE")
	intVar(&c.DB.MaxOpenConns, "DB_MAX_OPEN_CONNS", false)
	intVar(&c.DB.MaxIdleConns, "DB_MAX_IDLE_CONNS", false)
	durVar(&c.DB.ConnMaxLifetime, "DB_CONN_MAX_LIFETIME")
	durVar(&c.DB.ConnMaxIdleTime, "DB_CONN_MAX_IDLE_TIME")

	c.Redis.Host = env("REDIS_HOST")
	intVar(&c.Redis.Port, "REDIS_PORT", false)
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	intVar(&c.Redis.DB, "REDIS_DB", false)

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = env("JWT_ISSUER")
	c.Auth.JWTAudience = env("JWT_AUDIENCE")
	durVar(&c.Auth.AccessTokenTTL, "JWT_ACCESS_TTL")
	durVar(&c.Auth.RefreshTokenTTL, "JWT_REFRESH_TTL")

	c.Twilio.AccountSID = env("TWILIO_ACCOUNT_SID")
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.FromNumber = env("TWILIO_FROM_NUMBER")
	c.Twilio.PublicBaseURL = strings.TrimRight(env("TWILIO_PUBLIC_BASE_URL"), "/")
	c.Twilio.APIBaseURL = strings.TrimRight(env("TWILIO_API_BASE_URL"), "/")
	durVar(&c.Twilio.HTTPTimeout, "TWILIO_HTTP_TIMEOUT")
	boolVar(&c.Twilio.ValidateSignature, "TWILIO_VALIDATE_SIGNATURE", true)

	c.Dialer.Gateway = strings.ToLower(env("DIALER_GATEWAY"))
	c.Dialer.Limiter = strings.ToLower(env("DIALER_LINE_LIMITER"))
	c.Dialer.CallerID = env("DIALER_CALLER_ID")
	intVar(&c.Dialer.MaxConcurrentCalls, "DIALER_MAX_CONCURRENT_CALLS", false)
	durVar(&c.Dialer.PlaceTimeout, "DIALER_PLACE_TIMEOUT")
	durVar(&c.Dialer.BackoffInterval, "DIALER_BACKOFF_INTERVAL")
	intVar(&c.Dialer.MaxDispatchRetries, "DIALER_MAX_DISPATCH_RETRIES", false)
	durVar(&c.Dialer.StuckCallTimeout, "DIALER_STUCK_CALL_TIMEOUT")
	durVar(&c.Dialer.SweepInterval, "DIALER_SWEEP_INTERVAL")
	durVar(&c.Dialer.IdlePollInterval, "DIALER_IDLE_POLL_INTERVAL")
	intVar(&c.Dialer.EventShards, "DIALER_EVENT_SHARDS", false)
	c.Dialer.Pacing = strings.ToLower(env("DIALER_PACING"))
	if v := env("DIALER_DIALS_PER_MINUTE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("DIALER_DIALS_PER_MINUTE must be a number, got %q", v))
		}
		c.Dialer.DialsPerMinute = f
	}
	c.Dialer.DispositionCategories = envList("DISPOSITION_CATEGORIES")
	c.Dialer.NonConnectedCategories = envList("DISPOSITION_NON_CONNECTED")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate applies defaults for optional settings and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.Dialer.Store == "" {
		c.Dialer.Store = StorePostgres
	}
	switch c.Dialer.Store {
	case StorePostgres:
		errs = append(errs, c.validateDB()...)
	case StoreMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("DIALER_STORE=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("DIALER_STORE must be postgres or memory, got %q", c.Dialer.Store))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	errs = append(errs, c.validateDialer()...)
	return joinErrors(errs)
}

func (c *Config) validateDB() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	if c.DB.MaxOpenConns < 0 || c.DB.MaxIdleConns < 0 {
		errs = append(errs, errors.New("DB_MAX_OPEN_CONNS and DB_MAX_IDLE_CONNS must not be negative"))
	}
	if c.DB.MaxOpenConns > 0 && c.DB.MaxIdleConns > c.DB.MaxOpenConns {
		errs = append(errs, fmt.Errorf("DB_MAX_IDLE_CONNS (%d) must not exceed DB_MAX_OPEN_CONNS (%d)", c.DB.MaxIdleConns, c.DB.MaxOpenConns))
	}
	return errs
}

func (c *Config) validateDialer() []error {
	var errs []error
	d := &c.Dialer

	if d.Gateway == "" {
		d.Gateway = GatewaySandbox
		if c.IsProduction() {
			d.Gateway = GatewayTwilio
		}
	}
	switch d.Gateway {
	case GatewayTwilio:
		if c.Twilio.AccountSID == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required for the twilio gateway"))
		}
		if c.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required for the twilio gateway"))
		}
		if c.Twilio.FromNumber == "" {
			errs = append(errs, errors.New("TWILIO_FROM_NUMBER is required for the twilio gateway"))
		}
		if c.Twilio.PublicBaseURL == "" {
			errs = append(errs, errors.New("TWILIO_PUBLIC_BASE_URL is required for the twilio gateway"))
		}
	case GatewaySandbox:
		if c.IsProduction() {
			errs = append(errs, errors.New("DIALER_GATEWAY=sandbox is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("DIALER_GATEWAY must be twilio or sandbox, got %q", d.Gateway))
	}
	if c.IsProduction() && d.Gateway == GatewayTwilio && !c.Twilio.ValidateSignature {
		errs = append(errs, errors.New("TWILIO_VALIDATE_SIGNATURE cannot be disabled in production"))
	}
	if c.Twilio.HTTPTimeout <= 0 {
		c.Twilio.HTTPTimeout = 10 * time.Second
	}
	if d.CallerID == "" {
		d.CallerID = c.Twilio.FromNumber
	}

	if d.Limiter == "" {
		d.Limiter = LimiterAtomic
	}
	switch d.Limiter {
	case LimiterAtomic:
	case LimiterRedis:
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required for the redis line limiter"))
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	default:
		errs = append(errs, fmt.Errorf("DIALER_LINE_LIMITER must be atomic or redis, got %q", d.Limiter))
	}

	if d.MaxConcurrentCalls == 0 {
		d.MaxConcurrentCalls = 10
	}
	if d.MaxConcurrentCalls < 0 {
		errs = append(errs, fmt.Errorf("DIALER_MAX_CONCURRENT_CALLS must be positive, got %d", d.MaxConcurrentCalls))
	}
	if d.MaxDispatchRetries < 0 {
		errs = append(errs, fmt.Errorf("DIALER_MAX_DISPATCH_RETRIES must not be negative, got %d", d.MaxDispatchRetries))
	}
	if d.EventShards < 0 {
		errs = append(errs, fmt.Errorf("DIALER_EVENT_SHARDS must not be negative, got %d", d.EventShards))
	}

	switch d.Pacing {
	case "", "agent":
		d.Pacing = "agent"
	case "fixed":
		if d.DialsPerMinute <= 0 {
			errs = append(errs, errors.New("DIALER_DIALS_PER_MINUTE must be positive for fixed pacing"))
		}
	default:
		errs = append(errs, fmt.Errorf("DIALER_PACING must be agent or fixed, got %q", d.Pacing))
	}

	if len(d.NonConnectedCategories) > 0 && len(d.DispositionCategories) > 0 {
		allowed := map[string]bool{}
		for _, cat := range d.DispositionCategories {
			allowed[cat] = true
		}
		for _, cat := range d.NonConnectedCategories {
			if !allowed[cat] {
				errs = append(errs, fmt.Errorf("DISPOSITION_NON_CONNECTED entry %q is not in DISPOSITION_CATEGORIES", cat))
			}
		}
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func env(key string) string { return strings.TrimSpace(os.Getenv(key)) }

func envInt(key string, required bool) (int, error) {
	v := env(key)
	if v == "" {
		if required {
			return 0, fmt.Errorf("%s is required", key)
		}
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func envDuration(key string) (time.Duration, error) {
	v := env(key)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 30s, got %q", key, v)
	}
	return d, nil
}

func envBool(key string, def bool) (bool, error) {
	v := env(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func envList(key string) []string {
	v := env(key)
	if v == "" {
		return nil
	}
	out := make([]string, 0)
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
