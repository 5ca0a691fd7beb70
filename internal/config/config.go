package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema       string        `mapstructure:"DB_SCHEMA"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	ClinicTimezone      string        `mapstructure:"CLINIC_TIMEZONE"`
	BookingHorizonDays  int           `mapstructure:"BOOKING_HORIZON_DAYS"`
	CheckInEarlyMinutes int           `mapstructure:"CHECKIN_EARLY_MINUTES"`
	CheckInLateMinutes  int           `mapstructure:"CHECKIN_LATE_MINUTES"`
	NoShowGraceMinutes  int           `mapstructure:"NO_SHOW_GRACE_MINUTES"`
	AllocMaxAttempts    int           `mapstructure:"ALLOC_MAX_ATTEMPTS"`
	AllocLockTimeout    time.Duration `mapstructure:"ALLOC_LOCK_TIMEOUT"`

	KafkaBrokers      []string `mapstructure:"KAFKA_BROKERS"`
	KafkaPaymentTopic string   `mapstructure:"KAFKA_PAYMENT_TOPIC"`
	KafkaGroupID      string   `mapstructure:"KAFKA_GROUP_ID"`
	MetricsEnabled    bool     `mapstructure:"METRICS_ENABLED"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"CLINIC_TIMEZONE", "BOOKING_HORIZON_DAYS", "CHECKIN_EARLY_MINUTES",
	"CHECKIN_LATE_MINUTES", "NO_SHOW_GRACE_MINUTES", "ALLOC_MAX_ATTEMPTS",
	"ALLOC_LOCK_TIMEOUT", "KAFKA_BROKERS", "KAFKA_PAYMENT_TOPIC", "KAFKA_GROUP_ID",
	"METRICS_ENABLED",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("BOOKING_HORIZON_DAYS", 30)
	v.SetDefault("CHECKIN_EARLY_MINUTES", 0)
	v.SetDefault("CHECKIN_LATE_MINUTES", 0)
	v.SetDefault("NO_SHOW_GRACE_MINUTES", 120)
	v.SetDefault("ALLOC_MAX_ATTEMPTS", 3)
	v.SetDefault("ALLOC_LOCK_TIMEOUT", "3s")
	v.SetDefault("KAFKA_PAYMENT_TOPIC", "payments.completed")
	v.SetDefault("KAFKA_GROUP_ID", "clinicq-payments")
	v.SetDefault("METRICS_ENABLED", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// splitList accepts both a decoded slice and a raw comma-separated env value.
func splitList(decoded []string, raw string) []string {
	if len(decoded) > 0 {
		raw = strings.Join(decoded, ",")
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location resolves CLINIC_TIMEZONE. Calendar dates and weekdays are
// evaluated in this zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.ClinicTimezone)
}

// KafkaEnabled reports whether the payment consumer should run.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0 && c.KafkaPaymentTopic != ""
}

// Validate checks that the configuration is safe to run. Outside development
// a signing key or a JWKS URL must be configured so that real JWT
// authentication is enforced.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf(
			"AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when ENV=%q; "+
				"refusing to start without authentication configuration", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	if c.BookingHorizonDays < 1 {
		return fmt.Errorf("BOOKING_HORIZON_DAYS must be positive, got %d", c.BookingHorizonDays)
	}
	if c.CheckInEarlyMinutes < 0 || c.CheckInLateMinutes < 0 {
		return fmt.Errorf("CHECKIN_EARLY_MINUTES and CHECKIN_LATE_MINUTES must not be negative")
	}
	if c.NoShowGraceMinutes < 0 {
		return fmt.Errorf("NO_SHOW_GRACE_MINUTES must not be negative, got %d", c.NoShowGraceMinutes)
	}
	if c.AllocMaxAttempts < 1 {
		return fmt.Errorf("ALLOC_MAX_ATTEMPTS must be at least 1, got %d", c.AllocMaxAttempts)
	}
	if c.AllocLockTimeout <= 0 {
		return fmt.Errorf("ALLOC_LOCK_TIMEOUT must be positive, got %s", c.AllocLockTimeout)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaGroupID == "" {
		return fmt.Errorf("KAFKA_GROUP_ID is required when KAFKA_BROKERS is set")
	}
	return nil
}
