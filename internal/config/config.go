package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the errwatch server.
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Notify    NotifyConfig
	NATS      NATSConfig
	Grouping  GroupingConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	RateLimitPerMinute int
}

type StoreConfig struct {
	Driver string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

type RedisConfig struct {
	URL string
}

type SchedulerConfig struct {
	Driver       string
	Delay        time.Duration
	Workers      int
	PollInterval time.Duration
}

// NotifyConfig controls when and how alerts are sent.
type NotifyConfig struct {
	Debounce             time.Duration
	AcknowledgedDebounce time.Duration
	JobRetryGrace        time.Duration
	ExcludedEnvs         []string
	NoisyLanguages       []string
	LockTimeout          time.Duration
	Transport            string
	WebhookURL           string
	WebhookRPS           float64
}

type NATSConfig struct {
	URL     string
	Subject string
	Stream  string
}

// GroupingConfig controls how events are matched to groups.
type GroupingConfig struct {
	ExcludePatterns   []*regexp.Regexp
	SelectorLanguages []string
}

var (
	validStoreDrivers     = map[string]bool{"postgres": true, "memory": true}
	validSchedulerDrivers = map[string]bool{"redis": true, "memory": true}
	validTransports       = map[string]bool{"log": true, "webhook": true, "nats": true}
)

var defaultExcludePatterns = []string{`\.rvm/gems`, `/vendor/bundle/`, `node_modules/`}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	patterns, err := compilePatterns(envList("GROUPING_EXCLUDE_PATTERNS", defaultExcludePatterns))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("ERRWATCH_PORT", 8080),
			Env:                envString("ERRWATCH_ENV", "development"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 600),
		},
		Store: StoreConfig{
			Driver: envString("STORE_DRIVER", "postgres"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnectTimeout:  envDuration("DATABASE_CONNECT_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Scheduler: SchedulerConfig{
			Driver:       envString("SCHEDULER_DRIVER", "redis"),
			Delay:        envDuration("NOTIFY_DELAY", time.Minute),
			Workers:      envInt("NOTIFY_WORKERS", 4),
			PollInterval: envDuration("NOTIFY_POLL_INTERVAL", time.Second),
		},
		Notify: NotifyConfig{
			Debounce:             envDuration("NOTIFY_DEBOUNCE", 60*time.Minute),
			AcknowledgedDebounce: envDuration("NOTIFY_ACK_DEBOUNCE", 60*time.Minute),
			JobRetryGrace:        envDuration("NOTIFY_JOB_RETRY_GRACE", 10*time.Minute),
			ExcludedEnvs:         envList("NOTIFY_EXCLUDED_ENVS", []string{"honeypot"}),
			NoisyLanguages:       envList("NOTIFY_NOISY_LANGUAGES", []string{"javascript"}),
			LockTimeout:          envDuration("NOTIFY_LOCK_TIMEOUT", 30*time.Second),
			Transport:            envString("NOTIFY_TRANSPORT", "log"),
			WebhookURL:           os.Getenv("NOTIFY_WEBHOOK_URL"),
			WebhookRPS:           envFloat("NOTIFY_WEBHOOK_RPS", 5),
		},
		NATS: NATSConfig{
			URL:     os.Getenv("NATS_URL"),
			Subject: envString("NATS_SUBJECT", "errwatch.notifications"),
			Stream:  envString("NATS_STREAM", "ERRWATCH_NOTIFY"),
		},
		Grouping: GroupingConfig{
			ExcludePatterns:   patterns,
			SelectorLanguages: envList("GROUPING_SELECTOR_LANGUAGES", []string{"javascript"}),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !validStoreDrivers[c.Store.Driver] {
		return fmt.Errorf("STORE_DRIVER must be one of postgres, memory; got %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
	}

	if !validSchedulerDrivers[c.Scheduler.Driver] {
		return fmt.Errorf("SCHEDULER_DRIVER must be one of redis, memory; got %q", c.Scheduler.Driver)
	}
	if c.Scheduler.Driver == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required when SCHEDULER_DRIVER is redis")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("NOTIFY_WORKERS must be positive, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.Delay < 0 {
		return fmt.Errorf("NOTIFY_DELAY must not be negative, got %s", c.Scheduler.Delay)
	}

	if c.Notify.Debounce <= 0 || c.Notify.AcknowledgedDebounce <= 0 {
		return fmt.Errorf("NOTIFY_DEBOUNCE and NOTIFY_ACK_DEBOUNCE must be positive")
	}

	if !validTransports[c.Notify.Transport] {
		return fmt.Errorf("NOTIFY_TRANSPORT must be one of log, webhook, nats; got %q", c.Notify.Transport)
	}
	if c.Notify.Transport == "webhook" {
		if c.Notify.WebhookURL == "" {
			return fmt.Errorf("NOTIFY_WEBHOOK_URL is required when NOTIFY_TRANSPORT is webhook")
		}
		if !strings.HasPrefix(c.Notify.WebhookURL, "http://") && !strings.HasPrefix(c.Notify.WebhookURL, "https://") {
			return fmt.Errorf("NOTIFY_WEBHOOK_URL must start with http:// or https://, got %q", c.Notify.WebhookURL)
		}
	}
	if c.Notify.Transport == "nats" && c.NATS.URL == "" {
		return fmt.Errorf("NATS_URL is required when NOTIFY_TRANSPORT is nats")
	}

	return nil
}

func compilePatterns(raw []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(raw))
	for _, p := range raw {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("GROUPING_EXCLUDE_PATTERNS: invalid pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
