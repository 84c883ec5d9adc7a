package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoadAll_Defaults(t *testing.T) {
	clearTestEnv(t)
	t.Setenv("WEBHOOK_URL", "https://example.com/webhook")

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected Server.Address default: %q", cfg.Server.Address)
	}
	if cfg.Database.PostgresURL != "" {
		t.Fatalf("expected no PostgresURL, got %q", cfg.Database.PostgresURL)
	}
	if cfg.Tenant.ID != "default" || cfg.Tenant.Location != time.UTC {
		t.Fatalf("unexpected tenant defaults: %+v", cfg.Tenant)
	}
	if cfg.Scheduler.Interval != 60*time.Second {
		t.Fatalf("unexpected Scheduler.Interval default: %v", cfg.Scheduler.Interval)
	}
	if cfg.Dispatch.Interval != 5*time.Second || cfg.Dispatch.MaxAttempts != 3 {
		t.Fatalf("unexpected dispatch defaults: %+v", cfg.Dispatch)
	}
	if cfg.Dispatch.SendTimeout != 10*time.Second || cfg.Dispatch.StaleAfter != 10*time.Minute {
		t.Fatalf("unexpected dispatch timeouts: %+v", cfg.Dispatch)
	}
	if cfg.Dispatch.ContentMax != 4096 {
		t.Fatalf("unexpected ContentMax default: %d", cfg.Dispatch.ContentMax)
	}
	if cfg.RateLimit.MessagesPerMinute != 20 || cfg.RateLimit.MessagesPerHour != 300 || cfg.RateLimit.DelayBetweenMessages != 3*time.Second {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Transport.Kind != TransportWebhook {
		t.Fatalf("unexpected transport default: %q", cfg.Transport.Kind)
	}
	if cfg.Log.Level != slog.LevelInfo {
		t.Fatalf("unexpected log level default: %v", cfg.Log.Level)
	}
	if cfg.Redis.Enabled {
		t.Fatalf("expected Redis disabled when REDIS_ADDR not set")
	}
}

func TestLoadAll_Overrides(t *testing.T) {
	clearTestEnv(t)
	t.Setenv("POSTGRES_URL", "postgres://u:p@localhost:5432/db?sslmode=disable")
	t.Setenv("TRANSPORT", "WhatsApp")
	t.Setenv("WHATSAPP_DB_PATH", "/var/lib/notifier/wa.db")
	t.Setenv("TENANT_ID", "reseller-7")
	t.Setenv("TIMEZONE", "America/Sao_Paulo")
	t.Setenv("RATE_PER_MINUTE", "0")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_TTL_SECONDS", "42")

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if cfg.Transport.Kind != TransportWhatsApp || cfg.Transport.WhatsAppDBPath != "/var/lib/notifier/wa.db" {
		t.Fatalf("unexpected transport: %+v", cfg.Transport)
	}
	if cfg.Tenant.ID != "reseller-7" || cfg.Tenant.Location.String() != "America/Sao_Paulo" {
		t.Fatalf("unexpected tenant: %+v", cfg.Tenant)
	}
	if cfg.RateLimit.MessagesPerMinute != 0 {
		t.Fatalf("expected per-minute limit disabled, got %d", cfg.RateLimit.MessagesPerMinute)
	}
	if cfg.Log.Level != slog.LevelDebug {
		t.Fatalf("unexpected log level: %v", cfg.Log.Level)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Address != "localhost:6379" || cfg.Redis.Password != "secret" {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.Redis.DB != 3 || cfg.Redis.TTL != 42*time.Second {
		t.Fatalf("unexpected redis db/ttl: %+v", cfg.Redis)
	}
}

func TestLoadAll_WebhookURLRequiredForWebhookTransport(t *testing.T) {
	clearTestEnv(t)

	_, err := LoadAll()
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "WEBHOOK_URL") {
		t.Fatalf("expected error mentioning WEBHOOK_URL, got: %v", err)
	}
}

func TestLoadAll_InvalidValues(t *testing.T) {
	cases := []struct {
		key string
		val string
	}{
		{"CONTENT_MAX", "abc"},
		{"SCHED_INTERVAL_SECONDS", "nope"},
		{"MAX_ATTEMPTS", "x"},
		{"REDIS_DB", "bad"},
		{"REDIS_TTL_SECONDS", "bad"},
		{"TIMEZONE", "Mars/Olympus"},
		{"LOG_LEVEL", "loud"},
		{"TRANSPORT", "pigeon"},
	}

	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			clearTestEnv(t)
			t.Setenv("WEBHOOK_URL", "https://example.com/webhook")
			if strings.HasPrefix(tc.key, "REDIS_") {
				t.Setenv("REDIS_ADDR", "localhost:6379")
			}
			t.Setenv(tc.key, tc.val)

			_, err := LoadAll()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.key) {
				t.Fatalf("expected error mentioning %s, got: %v", tc.key, err)
			}
		})
	}
}

func TestLoadAll_ValidationFailures(t *testing.T) {
	cases := []string{
		"SCHED_INTERVAL_SECONDS",
		"DISPATCH_INTERVAL_SECONDS",
		"MAX_ATTEMPTS",
		"SEND_TIMEOUT_SECONDS",
		"CONTENT_MAX",
	}

	for _, key := range cases {
		t.Run(key, func(t *testing.T) {
			clearTestEnv(t)
			t.Setenv("WEBHOOK_URL", "https://example.com/webhook")
			t.Setenv(key, "0")

			_, err := LoadAll()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), key) {
				t.Fatalf("expected error mentioning %s, got: %v", key, err)
			}
		})
	}
}

func TestLoadAll_ReportsEveryProblem(t *testing.T) {
	clearTestEnv(t)
	t.Setenv("MAX_ATTEMPTS", "0")
	t.Setenv("CONTENT_MAX", "many")

	_, err := LoadAll()
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	for _, want := range []string{"MAX_ATTEMPTS", "CONTENT_MAX", "WEBHOOK_URL"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error mentioning %s, got: %v", want, err)
		}
	}
}

// clearTestEnv blanks every variable LoadAll reads; t.Setenv restores them
// when the test ends.
func clearTestEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"SERVER_ADDRESS",
		"POSTGRES_URL",
		"TENANT_ID",
		"TIMEZONE",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"REDIS_TTL_SECONDS",
		"SCHED_INTERVAL_SECONDS",
		"DISPATCH_INTERVAL_SECONDS",
		"MAX_ATTEMPTS",
		"SEND_TIMEOUT_SECONDS",
		"STALE_PROCESSING_SECONDS",
		"CONTENT_MAX",
		"RATE_PER_MINUTE",
		"RATE_PER_HOUR",
		"RATE_DELAY_SECONDS",
		"TRANSPORT",
		"WEBHOOK_URL",
		"WEBHOOK_TOKEN",
		"WHATSAPP_DB_PATH",
		"LOG_LEVEL",
		"LOG_FILE",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}
