package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/LeventeLantos/reseller-notifier/internal/model"
)

const (
	TransportWebhook  = "webhook"
	TransportWhatsApp = "whatsapp"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Tenant    TenantConfig
	Scheduler SchedulerConfig
	Dispatch  DispatchConfig
	RateLimit model.RateLimitConfig
	Transport TransportConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	// PostgresURL empty means in-memory stores.
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type TenantConfig struct {
	ID       string
	Location *time.Location
}

type SchedulerConfig struct {
	Interval time.Duration
}

type DispatchConfig struct {
	Interval    time.Duration
	MaxAttempts int
	SendTimeout time.Duration
	StaleAfter  time.Duration
	ContentMax  int
}

type TransportConfig struct {
	Kind           string
	WebhookURL     string
	WebhookToken   string
	WhatsAppDBPath string
}

type LogConfig struct {
	Level slog.Level
	File  string
}

// LoadAll reads the whole configuration from the environment. Every problem
// found is reported in the returned error, not just the first.
func LoadAll() (*Config, error) {
	var errs []error
	env := &reader{errs: &errs}

	cfg := &Config{
		Server: ServerConfig{
			Address: env.str("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: os.Getenv("POSTGRES_URL"),
		},
		Tenant: TenantConfig{
			ID:       env.str("TENANT_ID", "default"),
			Location: env.location("TIMEZONE", "UTC"),
		},
		Scheduler: SchedulerConfig{
			Interval: env.seconds("SCHED_INTERVAL_SECONDS", 60),
		},
		Dispatch: DispatchConfig{
			Interval:    env.seconds("DISPATCH_INTERVAL_SECONDS", 5),
			MaxAttempts: env.number("MAX_ATTEMPTS", 3),
			SendTimeout: env.seconds("SEND_TIMEOUT_SECONDS", 10),
			StaleAfter:  env.seconds("STALE_PROCESSING_SECONDS", 600),
			ContentMax:  env.number("CONTENT_MAX", 4096),
		},
		RateLimit: model.RateLimitConfig{
			MessagesPerMinute:    env.number("RATE_PER_MINUTE", 20),
			MessagesPerHour:      env.number("RATE_PER_HOUR", 300),
			DelayBetweenMessages: env.seconds("RATE_DELAY_SECONDS", 3),
		},
		Transport: TransportConfig{
			Kind:           strings.ToLower(env.str("TRANSPORT", TransportWebhook)),
			WebhookURL:     os.Getenv("WEBHOOK_URL"),
			WebhookToken:   os.Getenv("WEBHOOK_TOKEN"),
			WhatsAppDBPath: env.str("WHATSAPP_DB_PATH", "whatsapp.db"),
		},
		Log: LogConfig{
			Level: env.level("LOG_LEVEL", slog.LevelInfo),
			File:  os.Getenv("LOG_FILE"),
		},
		Redis: loadRedisConfig(env),
	}

	errs = append(errs, validate(cfg)...)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func loadRedisConfig(env *reader) RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       env.number("REDIS_DB", 0),
		TTL:      env.seconds("REDIS_TTL_SECONDS", 86400),
	}
}

func validate(cfg *Config) []error {
	var errs []error
	if cfg.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("SCHED_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.Dispatch.Interval <= 0 {
		errs = append(errs, errors.New("DISPATCH_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.Dispatch.MaxAttempts <= 0 {
		errs = append(errs, errors.New("MAX_ATTEMPTS must be > 0"))
	}
	if cfg.Dispatch.SendTimeout <= 0 {
		errs = append(errs, errors.New("SEND_TIMEOUT_SECONDS must be > 0"))
	}
	if cfg.Dispatch.ContentMax <= 0 {
		errs = append(errs, errors.New("CONTENT_MAX must be > 0"))
	}
	if cfg.Tenant.ID == "" {
		errs = append(errs, errors.New("TENANT_ID must not be empty"))
	}

	switch cfg.Transport.Kind {
	case TransportWebhook:
		if cfg.Transport.WebhookURL == "" {
			errs = append(errs, errors.New("missing required env var: WEBHOOK_URL"))
		}
	case TransportWhatsApp:
		if cfg.Transport.WhatsAppDBPath == "" {
			errs = append(errs, errors.New("WHATSAPP_DB_PATH must not be empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("TRANSPORT must be %q or %q, got %q", TransportWebhook, TransportWhatsApp, cfg.Transport.Kind))
	}
	return errs
}

// reader collects parse errors instead of failing on the first one.
type reader struct {
	errs *[]error
}

func (r *reader) fail(format string, args ...any) {
	*r.errs = append(*r.errs, fmt.Errorf(format, args...))
}

func (r *reader) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (r *reader) number(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.fail("invalid int for env %s: %s", key, v)
		return def
	}
	return i
}

func (r *reader) seconds(key string, def int) time.Duration {
	return time.Duration(r.number(key, def)) * time.Second
}

func (r *reader) location(key, def string) *time.Location {
	name := r.str(key, def)
	loc, err := time.LoadLocation(name)
	if err != nil {
		r.fail("invalid timezone for env %s: %s", key, name)
		return time.UTC
	}
	return loc
}

func (r *reader) level(key string, def slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		r.fail("invalid log level for env %s: %s", key, v)
		return def
	}
	return lvl
}
