package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Notification delivery modes.
const (
	NotifyDirect = "direct"
	NotifyQueue  = "queue"
)

// Config holds the server settings, read from .env and the environment.
type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultClinic     string        `mapstructure:"DEFAULT_CLINIC"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	AuthSigningKey    string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthJWKSURL       string        `mapstructure:"AUTH_JWKS_URL"`
	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience      string        `mapstructure:"AUTH_AUDIENCE"`
	RateLimitRPS      float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit         string        `mapstructure:"BODY_LIMIT"`
	Timezone          string        `mapstructure:"TIMEZONE"`
	RedisAddr         string        `mapstructure:"REDIS_ADDR"`
	RedisPassword     string        `mapstructure:"REDIS_PASSWORD"`
	RedisCacheDB      int           `mapstructure:"REDIS_CACHE_DB"`
	RedisQueueDB      int           `mapstructure:"REDIS_QUEUE_DB"`
	CalendarCacheTTL  time.Duration `mapstructure:"CALENDAR_CACHE_TTL"`
	WhatsAppAPIURL    string        `mapstructure:"WHATSAPP_API_URL"`
	WhatsAppInstance  string        `mapstructure:"WHATSAPP_INSTANCE"`
	WhatsAppAPIKey    string        `mapstructure:"WHATSAPP_API_KEY"`
	NotifyOnBooking   bool          `mapstructure:"NOTIFY_ON_BOOKING"`
	NotificationMode  string        `mapstructure:"NOTIFICATION_MODE"`
	ClinicName        string        `mapstructure:"CLINIC_NAME"`
	ClinicAddress     string        `mapstructure:"CLINIC_ADDRESS"`
	ReminderCron      string        `mapstructure:"REMINDER_CRON"`
	WorkerConcurrency int           `mapstructure:"WORKER_CONCURRENCY"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_CLINIC",
	"CORS_ORIGINS", "AUTH_SIGNING_KEY", "AUTH_JWKS_URL", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT", "TIMEZONE",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_CACHE_DB", "REDIS_QUEUE_DB", "CALENDAR_CACHE_TTL",
	"WHATSAPP_API_URL", "WHATSAPP_INSTANCE", "WHATSAPP_API_KEY", "NOTIFY_ON_BOOKING",
	"NOTIFICATION_MODE", "CLINIC_NAME", "CLINIC_ADDRESS", "REMINDER_CRON", "WORKER_CONCURRENCY",
}

// Load reads the configuration. Environment variables override .env, and
// missing keys fall back to development defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DEFAULT_CLINIC", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("TIMEZONE", "America/Sao_Paulo")
	v.SetDefault("REDIS_CACHE_DB", 0)
	v.SetDefault("REDIS_QUEUE_DB", 1)
	v.SetDefault("CALENDAR_CACHE_TTL", "10m")
	v.SetDefault("NOTIFY_ON_BOOKING", false)
	v.SetDefault("NOTIFICATION_MODE", NotifyDirect)
	v.SetDefault("CLINIC_NAME", "Clinica")
	v.SetDefault("REMINDER_CRON", "0 8 * * *")
	v.SetDefault("WORKER_CONCURRENCY", 5)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// IsDev reports whether ENV is development.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location loads the clinic time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// WhatsAppConfigured reports whether patient messages can be delivered.
func (c *Config) WhatsAppConfigured() bool {
	return c.WhatsAppAPIURL != "" && c.WhatsAppInstance != "" && c.WhatsAppAPIKey != ""
}

// Validate checks that the configuration is safe to run. Outside development
// tokens must be verifiable, either with AUTH_SIGNING_KEY or AUTH_JWKS_URL.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf(
			"AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when ENV=%q. "+
				"Refusing to start without authentication configuration", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters, got %d", len(c.AuthSigningKey))
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	switch c.NotificationMode {
	case NotifyDirect:
	case NotifyQueue:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when NOTIFICATION_MODE is %q", NotifyQueue)
		}
	default:
		return fmt.Errorf("NOTIFICATION_MODE must be %q or %q, got %q", NotifyDirect, NotifyQueue, c.NotificationMode)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
