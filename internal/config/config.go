package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/LeventeLantos/dispatcher/internal/backoff"
	"github.com/LeventeLantos/dispatcher/internal/model"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Workers   WorkersConfig
	Scheduler SchedulerConfig
	Breaker   BreakerConfig
	Retry     map[model.Channel]RetryConfig
	Providers map[model.Channel]ProviderConfig
	Webhook   WebhookConfig
	Telemetry TelemetryConfig
	LogLevel  string
}

type ServerConfig struct {
	Address string
}

// DatabaseConfig selects the message store. An empty URL keeps everything in
// process memory.
type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type WorkersConfig struct {
	Count        int
	JobTimeout   time.Duration
	PollInterval time.Duration
}

type SchedulerConfig struct {
	Interval   time.Duration
	BatchSize  int
	StaleAfter time.Duration
}

type BreakerConfig struct {
	FailureThreshold  int
	SuccessThreshold  int
	RecoveryTimeout   time.Duration
	HalfOpenMaxTrials int
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Policy      string
}

type ProviderConfig struct {
	Name  string
	URL   string
	Token string
}

type WebhookConfig struct {
	SigningSecret string
	MaxSkew       time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

var defaultProviders = map[model.Channel]string{
	model.SMS:      "twilio",
	model.WhatsApp: "twilio",
	model.Email:    "sendgrid",
}

// LoadAll reads the whole configuration from the environment and reports
// every problem at once.
func LoadAll() (*Config, error) {
	l := &loader{}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: os.Getenv("POSTGRES_URL"),
		},
		Workers: WorkersConfig{
			Count:        l.intVar("WORKER_COUNT", 4),
			JobTimeout:   l.millisVar("JOB_TIMEOUT_MS", 30000),
			PollInterval: l.millisVar("WORKER_POLL_INTERVAL_MS", 200),
		},
		Scheduler: SchedulerConfig{
			Interval:   time.Duration(l.intVar("SCHED_INTERVAL_SECONDS", 5)) * time.Second,
			BatchSize:  l.intVar("SCHED_BATCH_SIZE", 100),
			StaleAfter: time.Duration(l.intVar("SCHED_STALE_AFTER_SECONDS", 300)) * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold:  l.intVar("BREAKER_FAILURE_THRESHOLD", 5),
			SuccessThreshold:  l.intVar("BREAKER_SUCCESS_THRESHOLD", 2),
			RecoveryTimeout:   l.millisVar("BREAKER_RECOVERY_TIMEOUT_MS", 60000),
			HalfOpenMaxTrials: l.intVar("BREAKER_HALF_OPEN_MAX_TRIALS", 1),
		},
		Retry:     make(map[model.Channel]RetryConfig, len(model.Channels)),
		Providers: make(map[model.Channel]ProviderConfig, len(model.Channels)),
		Webhook: WebhookConfig{
			SigningSecret: os.Getenv("WEBHOOK_SIGNING_SECRET"),
			MaxSkew:       time.Duration(l.intVar("WEBHOOK_MAX_SKEW_SECONDS", 300)) * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:      l.boolVar("OTEL_ENABLED", false),
			OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "dispatcher"),
		},
		LogLevel: strings.ToLower(getEnv("LOG_LEVEL", "info")),
		Redis:    l.redis(),
	}

	for _, ch := range model.Channels {
		prefix := strings.ToUpper(string(ch))

		cfg.Retry[ch] = RetryConfig{
			MaxAttempts: l.intVar("RETRY_"+prefix+"_MAX_ATTEMPTS", 3),
			BaseDelay:   l.millisVar("RETRY_"+prefix+"_BASE_DELAY_MS", 1000),
			MaxDelay:    l.millisVar("RETRY_"+prefix+"_MAX_DELAY_MS", 60000),
			Policy:      getEnv("RETRY_"+prefix+"_POLICY", backoff.PolicyExponential),
		}

		if p, ok := l.provider(prefix, defaultProviders[ch]); ok {
			cfg.Providers[ch] = p
		}
	}

	l.errs = append(l.errs, validate(cfg)...)
	if err := joinErrors(l.errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Backoff builds the delay strategy for a channel.
func (r RetryConfig) Backoff() (backoff.Strategy, error) {
	return backoff.New(r.Policy, r.BaseDelay, r.MaxDelay)
}

// loader collects parse errors so LoadAll can report all of them.
type loader struct {
	errs []error
}

func (l *loader) intVar(key string, def int) int {
	v, err := getEnvInt(key, def)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) millisVar(key string, def int) time.Duration {
	return time.Duration(l.intVar(key, def)) * time.Millisecond
}

func (l *loader) boolVar(key string, def bool) bool {
	v, err := getEnvBool(key, def)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

// provider reads <PREFIX>_PROVIDER_*. A channel without name and URL has no
// sender; naming a provider makes its URL mandatory.
func (l *loader) provider(prefix, defName string) (ProviderConfig, bool) {
	name := os.Getenv(prefix + "_PROVIDER_NAME")
	if name == "" && os.Getenv(prefix+"_PROVIDER_URL") == "" {
		return ProviderConfig{}, false
	}

	url, err := requireEnv(prefix + "_PROVIDER_URL")
	if err != nil {
		l.errs = append(l.errs, err)
		return ProviderConfig{}, false
	}
	if name == "" {
		name = defName
	}
	return ProviderConfig{Name: name, URL: url, Token: os.Getenv(prefix + "_PROVIDER_TOKEN")}, true
}

func (l *loader) redis() RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       l.intVar("REDIS_DB", 0),
		TTL:      time.Duration(l.intVar("REDIS_TTL_SECONDS", 86400)) * time.Second,
	}
}

func validate(cfg *Config) []error {
	var errs []error
	positive := func(key string, v int64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}

	positive("WORKER_COUNT", int64(cfg.Workers.Count))
	positive("WORKER_POLL_INTERVAL_MS", int64(cfg.Workers.PollInterval))
	positive("SCHED_INTERVAL_SECONDS", int64(cfg.Scheduler.Interval))
	positive("SCHED_BATCH_SIZE", int64(cfg.Scheduler.BatchSize))
	positive("SCHED_STALE_AFTER_SECONDS", int64(cfg.Scheduler.StaleAfter))
	positive("BREAKER_FAILURE_THRESHOLD", int64(cfg.Breaker.FailureThreshold))
	positive("BREAKER_SUCCESS_THRESHOLD", int64(cfg.Breaker.SuccessThreshold))
	positive("BREAKER_RECOVERY_TIMEOUT_MS", int64(cfg.Breaker.RecoveryTimeout))
	positive("BREAKER_HALF_OPEN_MAX_TRIALS", int64(cfg.Breaker.HalfOpenMaxTrials))
	if cfg.Workers.JobTimeout < 0 {
		errs = append(errs, errors.New("JOB_TIMEOUT_MS must be >= 0"))
	}
	if cfg.Redis.Enabled {
		positive("REDIS_TTL_SECONDS", int64(cfg.Redis.TTL))
	}

	for _, ch := range model.Channels {
		r := cfg.Retry[ch]
		prefix := "RETRY_" + strings.ToUpper(string(ch))
		positive(prefix+"_MAX_ATTEMPTS", int64(r.MaxAttempts))
		if _, err := r.Backoff(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", cfg.LogLevel))
	}
	return errs
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid bool for env %s: %q", key, v)
	}
	return b, nil
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
