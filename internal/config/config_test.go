package config

import (
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LeventeLantos/dispatcher/internal/backoff"
	"github.com/LeventeLantos/dispatcher/internal/model"
)

var envMu sync.Mutex

func TestLoadAll_Defaults(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if cfg.Database.PostgresURL != "" {
		t.Fatalf("expected in-memory store by default, got %q", cfg.Database.PostgresURL)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected Server.Address default: %q", cfg.Server.Address)
	}
	if cfg.Workers.Count != 4 || cfg.Workers.JobTimeout != 30*time.Second {
		t.Fatalf("unexpected worker defaults: %+v", cfg.Workers)
	}
	if cfg.Scheduler.Interval != 5*time.Second || cfg.Scheduler.BatchSize != 100 || cfg.Scheduler.StaleAfter != 5*time.Minute {
		t.Fatalf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.RecoveryTimeout != time.Minute {
		t.Fatalf("unexpected breaker defaults: %+v", cfg.Breaker)
	}
	for _, ch := range model.Channels {
		r := cfg.Retry[ch]
		if r.MaxAttempts != 3 || r.BaseDelay != time.Second || r.MaxDelay != time.Minute || r.Policy != backoff.PolicyExponential {
			t.Fatalf("unexpected retry defaults for %s: %+v", ch, r)
		}
	}
	if len(cfg.Providers) != 0 {
		t.Fatalf("expected no providers, got %+v", cfg.Providers)
	}
	if cfg.Redis.Enabled {
		t.Fatalf("expected Redis disabled when REDIS_ADDR not set")
	}
	if cfg.Telemetry.Enabled || cfg.LogLevel != "info" {
		t.Fatalf("unexpected telemetry/log defaults: %+v %q", cfg.Telemetry, cfg.LogLevel)
	}
}

func TestLoadAll_WithRedisAndProviders(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	t.Setenv("POSTGRES_URL", "postgres://u:p@localhost:5432/db?sslmode=disable")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_TTL_SECONDS", "42")
	t.Setenv("SMS_PROVIDER_URL", "https://sms.example.com/send")
	t.Setenv("SMS_PROVIDER_TOKEN", "tok")
	t.Setenv("EMAIL_PROVIDER_NAME", "mailgun")
	t.Setenv("EMAIL_PROVIDER_URL", "https://mail.example.com/send")
	t.Setenv("RETRY_EMAIL_MAX_ATTEMPTS", "1")
	t.Setenv("RETRY_SMS_POLICY", "decorrelated")
	t.Setenv("OTEL_ENABLED", "true")

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if cfg.Database.PostgresURL != "postgres://u:p@localhost:5432/db?sslmode=disable" {
		t.Fatalf("unexpected PostgresURL: %q", cfg.Database.PostgresURL)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Address != "localhost:6379" || cfg.Redis.Password != "secret" {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.Redis.DB != 3 || cfg.Redis.TTL != 42*time.Second {
		t.Fatalf("unexpected redis db/ttl: %d %v", cfg.Redis.DB, cfg.Redis.TTL)
	}

	sms := cfg.Providers[model.SMS]
	if sms.Name != "twilio" || sms.URL != "https://sms.example.com/send" || sms.Token != "tok" {
		t.Fatalf("unexpected sms provider: %+v", sms)
	}
	if cfg.Providers[model.Email].Name != "mailgun" {
		t.Fatalf("unexpected email provider: %+v", cfg.Providers[model.Email])
	}
	if _, ok := cfg.Providers[model.WhatsApp]; ok {
		t.Fatalf("expected no whatsapp provider")
	}

	if cfg.Retry[model.Email].MaxAttempts != 1 {
		t.Fatalf("expected email max attempts 1, got %d", cfg.Retry[model.Email].MaxAttempts)
	}
	strategy, err := cfg.Retry[model.SMS].Backoff()
	if err != nil {
		t.Fatalf("Backoff() error: %v", err)
	}
	if _, ok := strategy.(*backoff.Decorrelated); !ok {
		t.Fatalf("expected decorrelated strategy, got %T", strategy)
	}
	if !cfg.Telemetry.Enabled {
		t.Fatalf("expected telemetry enabled")
	}
}

func TestLoadAll_ProviderNameRequiresURL(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)
	t.Setenv("WHATSAPP_PROVIDER_NAME", "twilio")

	_, err := LoadAll()
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "WHATSAPP_PROVIDER_URL") {
		t.Fatalf("expected error mentioning WHATSAPP_PROVIDER_URL, got: %v", err)
	}
}

func TestLoadAll_InvalidValues(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	cases := []struct {
		name string
		key  string
		val  string
	}{
		{"invalid WORKER_COUNT", "WORKER_COUNT", "abc"},
		{"invalid SCHED_INTERVAL_SECONDS", "SCHED_INTERVAL_SECONDS", "nope"},
		{"invalid SCHED_BATCH_SIZE", "SCHED_BATCH_SIZE", "x"},
		{"invalid REDIS_DB", "REDIS_DB", "bad"},
		{"invalid REDIS_TTL_SECONDS", "REDIS_TTL_SECONDS", "bad"},
		{"invalid OTEL_ENABLED", "OTEL_ENABLED", "maybe"},
		{"invalid RETRY_SMS_BASE_DELAY_MS", "RETRY_SMS_BASE_DELAY_MS", "soon"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearTestEnv(t)

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
	envMu.Lock()
	defer envMu.Unlock()

	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"batch size <= 0", map[string]string{"SCHED_BATCH_SIZE": "0"}, "SCHED_BATCH_SIZE"},
		{"interval <= 0", map[string]string{"SCHED_INTERVAL_SECONDS": "0"}, "SCHED_INTERVAL_SECONDS"},
		{"workers <= 0", map[string]string{"WORKER_COUNT": "0"}, "WORKER_COUNT"},
		{"max attempts <= 0", map[string]string{"RETRY_WHATSAPP_MAX_ATTEMPTS": "0"}, "RETRY_WHATSAPP_MAX_ATTEMPTS"},
		{"max delay below base", map[string]string{"RETRY_EMAIL_BASE_DELAY_MS": "5000", "RETRY_EMAIL_MAX_DELAY_MS": "1000"}, "RETRY_EMAIL"},
		{"unknown policy", map[string]string{"RETRY_SMS_POLICY": "linear"}, "RETRY_SMS"},
		{"unknown log level", map[string]string{"LOG_LEVEL": "loud"}, "LOG_LEVEL"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearTestEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			_, err := LoadAll()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got: %v", tc.want, err)
			}
		})
	}
}

func TestLoadAll_ReportsEveryProblem(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)
	t.Setenv("WORKER_COUNT", "0")
	t.Setenv("SCHED_BATCH_SIZE", "x")

	_, err := LoadAll()
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "WORKER_COUNT") || !strings.Contains(err.Error(), "SCHED_BATCH_SIZE") {
		t.Fatalf("expected both problems reported, got: %v", err)
	}
}

func TestRequireEnv(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	_, err := requireEnv("MISSING_KEY")
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	t.Setenv("FOO", "bar")
	v, err := requireEnv("FOO")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "bar" {
		t.Fatalf("expected %q, got %q", "bar", v)
	}
}

func TestGetEnv(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	if got := getEnv("NOPE", "default"); got != "default" {
		t.Fatalf("expected default, got %q", got)
	}

	t.Setenv("A", "x")
	if got := getEnv("A", "default"); got != "x" {
		t.Fatalf("expected x, got %q", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	got, err := getEnvInt("MISSING", 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}

	t.Setenv("N", "123")
	got, err = getEnvInt("N", 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 123 {
		t.Fatalf("expected 123, got %d", got)
	}

	t.Setenv("BAD", "abc")
	_, err = getEnvInt("BAD", 7)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "BAD") {
		t.Fatalf("expected error mentioning BAD, got: %v", err)
	}
}

func TestGetEnvBool(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	if got, err := getEnvBool("MISSING", true); err != nil || !got {
		t.Fatalf("expected default true, got %v %v", got, err)
	}

	t.Setenv("A", "false")
	if got, err := getEnvBool("A", true); err != nil || got {
		t.Fatalf("expected false, got %v %v", got, err)
	}

	t.Setenv("BAD", "sometimes")
	if _, err := getEnvBool("BAD", false); err == nil || !strings.Contains(err.Error(), "BAD") {
		t.Fatalf("expected error mentioning BAD, got: %v", err)
	}
}

func TestJoinErrors(t *testing.T) {
	if err := joinErrors(nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}

	e1 := errors.New("one")
	e2 := errors.New("two")
	err := joinErrors([]error{e1, e2})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	if !errors.Is(err, e1) {
		t.Fatalf("expected errors.Is(err, e1) to be true")
	}
	if !errors.Is(err, e2) {
		t.Fatalf("expected errors.Is(err, e2) to be true")
	}
}

func clearTestEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"POSTGRES_URL",
		"SERVER_ADDRESS",
		"WORKER_COUNT",
		"JOB_TIMEOUT_MS",
		"WORKER_POLL_INTERVAL_MS",
		"SCHED_INTERVAL_SECONDS",
		"SCHED_BATCH_SIZE",
		"SCHED_STALE_AFTER_SECONDS",
		"BREAKER_FAILURE_THRESHOLD",
		"BREAKER_SUCCESS_THRESHOLD",
		"BREAKER_RECOVERY_TIMEOUT_MS",
		"BREAKER_HALF_OPEN_MAX_TRIALS",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"REDIS_TTL_SECONDS",
		"WEBHOOK_SIGNING_SECRET",
		"WEBHOOK_MAX_SKEW_SECONDS",
		"OTEL_ENABLED",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
		"OTEL_SERVICE_NAME",
		"LOG_LEVEL",
		"FOO",
		"A",
		"N",
		"BAD",
	}
	for _, ch := range []string{"SMS", "WHATSAPP", "EMAIL"} {
		keys = append(keys,
			ch+"_PROVIDER_NAME", ch+"_PROVIDER_URL", ch+"_PROVIDER_TOKEN",
			"RETRY_"+ch+"_MAX_ATTEMPTS", "RETRY_"+ch+"_BASE_DELAY_MS",
			"RETRY_"+ch+"_MAX_DELAY_MS", "RETRY_"+ch+"_POLICY",
		)
	}
	for _, k := range keys {
		_ = os.Unsetenv(k)
	}
}
