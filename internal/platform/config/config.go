// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Credential store backends.
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

// Delivery modes. Expose returns secrets to the caller instead of sending them.
const (
	DeliveryDispatch = "dispatch"
	DeliveryExpose   = "expose"
)

type Config struct {
	Environment string
	Addr        string
	LogLevel    string
	AdminToken  string
	DatabaseURL string
	Redis       RedisConfig
	Store       string

	Delivery      DeliveryConfig
	Policies      PolicyConfig
	Issuance      IssuanceConfig
	Cleanup       CleanupConfig
	SweepOnVerify bool

	// AllowedOrigins enables CORS for browser clients; empty disables it.
	AllowedOrigins []string
}

// RedisConfig tunes the go-redis pool.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DeliveryConfig struct {
	Mode         string
	LinkBaseURL  string
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	EmailFrom    string
	SMSRegion    string
	SMSSenderID  string
}

// SMTPEnabled reports whether email can leave the process.
func (d DeliveryConfig) SMTPEnabled() bool { return d.SMTPHost != "" }

// SMSEnabled reports whether SNS delivery is configured.
func (d DeliveryConfig) SMSEnabled() bool { return d.SMSRegion != "" }

// PolicyConfig overrides the per-purpose defaults.
type PolicyConfig struct {
	OTPLength               int
	OTPTTL                  time.Duration
	OTPMaxAttempts          int
	EmailVerificationTTL    time.Duration
	PasswordResetTokenTTL   time.Duration
	PasswordResetOTPTTL     time.Duration
	LoginOTPTTL             time.Duration
	TokenMaxAttempts        int
	RevokeSiblingsOnConsume bool
	RevokeSiblingsOnIssue   bool
}

type IssuanceConfig struct {
	MaxPerWindow int
	Window       time.Duration
}

type CleanupConfig struct {
	Interval  time.Duration
	Retention time.Duration
}

// Default returns the development configuration.
func Default() Config {
	return Config{
		Environment: EnvDevelopment,
		Addr:        ":8080",
		LogLevel:    "info",
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Delivery: DeliveryConfig{
			Mode:        DeliveryDispatch,
			LinkBaseURL: "http://localhost:8080",
			SMTPPort:    587,
		},
		Policies: PolicyConfig{
			OTPLength:             6,
			OTPTTL:                5 * time.Minute,
			OTPMaxAttempts:        3,
			EmailVerificationTTL:  24 * time.Hour,
			PasswordResetTokenTTL: time.Hour,
			PasswordResetOTPTTL:   10 * time.Minute,
			LoginOTPTTL:           5 * time.Minute,
			TokenMaxAttempts:      5,
		},
		Issuance: IssuanceConfig{
			MaxPerWindow: 3,
			Window:       time.Hour,
		},
		Cleanup: CleanupConfig{
			Interval:  15 * time.Minute,
			Retention: 24 * time.Hour,
		},
		SweepOnVerify: true,
	}
}

// FromEnv loads an optional .env file, then reads the environment over the
// defaults. The result is validated.
func FromEnv() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Load(os.Getenv)
}

// Load builds a Config from lookup, which is usually os.Getenv.
func Load(lookup func(string) string) (*Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	cfg.Environment = strings.ToLower(p.str("ENVIRONMENT", cfg.Environment))
	cfg.Addr = p.str("ADDR", cfg.Addr)
	cfg.LogLevel = strings.ToLower(p.str("LOG_LEVEL", cfg.LogLevel))
	cfg.AdminToken = p.str("ADMIN_API_TOKEN", "")
	cfg.AllowedOrigins = p.list("CORS_ALLOWED_ORIGINS")
	cfg.DatabaseURL = p.str("DATABASE_URL", "")
	cfg.Redis.URL = p.str("REDIS_URL", "")
	cfg.Redis.PoolSize = p.integer("REDIS_POOL_SIZE", cfg.Redis.PoolSize)
	cfg.Redis.MinIdleConns = p.integer("REDIS_MIN_IDLE_CONNS", cfg.Redis.MinIdleConns)
	cfg.Redis.DialTimeout = p.duration("REDIS_DIAL_TIMEOUT", cfg.Redis.DialTimeout)
	cfg.Redis.ReadTimeout = p.duration("REDIS_READ_TIMEOUT", cfg.Redis.ReadTimeout)
	cfg.Redis.WriteTimeout = p.duration("REDIS_WRITE_TIMEOUT", cfg.Redis.WriteTimeout)
	cfg.Store = strings.ToLower(p.str("VERIFICATION_STORE", defaultStore(cfg.DatabaseURL, cfg.Redis.URL)))

	cfg.Delivery.Mode = strings.ToLower(p.str("VERIFICATION_DELIVERY_MODE", cfg.Delivery.Mode))
	cfg.Delivery.LinkBaseURL = p.str("LINK_BASE_URL", cfg.Delivery.LinkBaseURL)
	cfg.Delivery.SMTPHost = p.str("SMTP_HOST", "")
	cfg.Delivery.SMTPPort = p.integer("SMTP_PORT", cfg.Delivery.SMTPPort)
	cfg.Delivery.SMTPUser = p.str("SMTP_USER", "")
	cfg.Delivery.SMTPPassword = p.str("SMTP_PASSWORD", "")
	cfg.Delivery.EmailFrom = p.str("EMAIL_FROM", "")
	cfg.Delivery.SMSRegion = p.str("SMS_REGION", "")
	cfg.Delivery.SMSSenderID = p.str("SMS_SENDER_ID", "")

	cfg.Policies.OTPLength = p.integer("OTP_LENGTH", cfg.Policies.OTPLength)
	cfg.Policies.OTPTTL = p.duration("OTP_TTL", cfg.Policies.OTPTTL)
	cfg.Policies.OTPMaxAttempts = p.integer("OTP_MAX_ATTEMPTS", cfg.Policies.OTPMaxAttempts)
	cfg.Policies.EmailVerificationTTL = p.duration("EMAIL_VERIFICATION_TTL", cfg.Policies.EmailVerificationTTL)
	cfg.Policies.PasswordResetTokenTTL = p.duration("PASSWORD_RESET_TOKEN_TTL", cfg.Policies.PasswordResetTokenTTL)
	cfg.Policies.PasswordResetOTPTTL = p.duration("PASSWORD_RESET_OTP_TTL", cfg.Policies.PasswordResetOTPTTL)
	cfg.Policies.LoginOTPTTL = p.duration("LOGIN_OTP_TTL", cfg.Policies.LoginOTPTTL)
	cfg.Policies.TokenMaxAttempts = p.integer("TOKEN_MAX_ATTEMPTS", cfg.Policies.TokenMaxAttempts)
	cfg.Policies.RevokeSiblingsOnConsume = p.boolean("REVOKE_SIBLINGS_ON_CONSUME", false)
	cfg.Policies.RevokeSiblingsOnIssue = p.boolean("REVOKE_SIBLINGS_ON_ISSUE", false)

	cfg.Issuance.MaxPerWindow = p.integer("ISSUANCE_MAX_PER_WINDOW", cfg.Issuance.MaxPerWindow)
	cfg.Issuance.Window = p.duration("ISSUANCE_WINDOW", cfg.Issuance.Window)

	cfg.SweepOnVerify = p.boolean("SWEEP_ON_VERIFY", cfg.SweepOnVerify)
	cfg.Cleanup.Interval = p.duration("CLEANUP_INTERVAL", cfg.Cleanup.Interval)
	cfg.Cleanup.Retention = p.duration("CLEANUP_RETENTION", cfg.Cleanup.Retention)

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultStore(databaseURL, redisURL string) string {
	switch {
	case databaseURL != "":
		return StorePostgres
	case redisURL != "":
		return StoreRedis
	default:
		return StoreMemory
	}
}

func (c *Config) IsProduction() bool { return c.Environment == EnvProduction }

// Validate rejects combinations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		errs = append(errs, fmt.Errorf("ENVIRONMENT must be development, staging or production, got %q", c.Environment))
	}
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("VERIFICATION_STORE=postgres requires DATABASE_URL"))
		}
	case StoreRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("VERIFICATION_STORE=redis requires REDIS_URL"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("VERIFICATION_STORE must be postgres, redis or memory, got %q", c.Store))
	}
	switch c.Delivery.Mode {
	case DeliveryDispatch:
	case DeliveryExpose:
		if c.IsProduction() {
			errs = append(errs, errors.New("VERIFICATION_DELIVERY_MODE=expose is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("VERIFICATION_DELIVERY_MODE must be dispatch or expose, got %q", c.Delivery.Mode))
	}
	if c.Delivery.SMTPEnabled() && c.Delivery.EmailFrom == "" {
		errs = append(errs, errors.New("EMAIL_FROM is required when SMTP_HOST is set"))
	}
	if c.IsProduction() && c.Delivery.Mode == DeliveryDispatch && (!c.Delivery.SMTPEnabled() || !c.Delivery.SMSEnabled()) {
		errs = append(errs, errors.New("production dispatch requires SMTP_HOST and SMS_REGION"))
	}
	if c.Issuance.MaxPerWindow <= 0 {
		errs = append(errs, errors.New("ISSUANCE_MAX_PER_WINDOW must be positive"))
	}
	if c.Issuance.Window <= 0 {
		errs = append(errs, errors.New("ISSUANCE_WINDOW must be positive"))
	}
	if c.Cleanup.Interval <= 0 {
		errs = append(errs, errors.New("CLEANUP_INTERVAL must be positive"))
	}
	if c.Cleanup.Retention < 0 {
		errs = append(errs, errors.New("CLEANUP_RETENTION must not be negative"))
	}
	return errors.Join(errs...)
}

type parser struct {
	lookup func(string) string
	errs   []error
}

func (p *parser) str(key, fallback string) string {
	if v := strings.TrimSpace(p.lookup(key)); v != "" {
		return v
	}
	return fallback
}

func (p *parser) list(key string) []string {
	var out []string
	for _, part := range strings.Split(p.lookup(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (p *parser) integer(key string, fallback int) int {
	raw := strings.TrimSpace(p.lookup(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(p.lookup(key))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func (p *parser) boolean(key string, fallback bool) bool {
	raw := strings.TrimSpace(p.lookup(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}
